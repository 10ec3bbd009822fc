// Copyright 2025 The Tarxiv Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bus wraps the Kafka client for the pipeline's three message paths:
// detection events from the listeners, match candidates from the matcher, and
// change notices to the community broker.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Producer publishes JSON messages onto pipeline topics. Sends are
// asynchronous; broker rejections surface on the error loop and are counted,
// not returned, so one bad message never stalls an ingest loop.
type Producer struct {
	ap     sarama.AsyncProducer
	logger log.Logger

	wg      sync.WaitGroup
	closed  sync.Once
	closeCh chan struct{}
}

// producerConfig tunes the async producer for steady alert streams: small
// batches flushed frequently, so a quiet night still delivers promptly.
func producerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Return.Errors = true
	cfg.Producer.Flush.Frequency = 500 * time.Millisecond
	cfg.Producer.Flush.Messages = 64
	return cfg
}

// NewProducer connects an async producer to the given brokers.
func NewProducer(brokers []string, logger log.Logger) (*Producer, error) {
	ap, err := sarama.NewAsyncProducer(brokers, producerConfig())
	if err != nil {
		return nil, fmt.Errorf("connect producer to %v: %w", brokers, err)
	}
	return newProducerWith(ap, logger), nil
}

func newProducerWith(ap sarama.AsyncProducer, logger log.Logger) *Producer {
	p := &Producer{
		ap:      ap,
		logger:  logger,
		closeCh: make(chan struct{}),
	}
	p.wg.Add(1)
	go p.errorLoop()
	return p
}

func (p *Producer) errorLoop() {
	defer p.wg.Done()
	for perr := range p.ap.Errors() {
		produceErrors.WithLabelValues(perr.Msg.Topic).Inc()
		_ = level.Error(p.logger).Log(
			"status", "produce_failed",
			"topic", perr.Msg.Topic,
			"error_message", perr.Err.Error(),
		)
	}
}

// Forward queues one message. The key selects the partition; detection
// events use the declination band, candidates the leading obj_id.
func (p *Producer) Forward(topic, key string, payload []byte) {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(payload),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	select {
	case p.ap.Input() <- msg:
		messagesProduced.WithLabelValues(topic).Inc()
	case <-p.closeCh:
	}
}

// Close flushes buffered messages and waits for the error loop to drain.
func (p *Producer) Close() error {
	var err error
	p.closed.Do(func() {
		close(p.closeCh)
		err = p.ap.Close()
		p.wg.Wait()
	})
	return err
}
