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

package bus

import (
	"crypto/tls"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/xdg-go/scram"
)

// Hopskotch publishes change notices to the community broker. The broker
// authenticates with SASL SCRAM-SHA-512 over TLS; credentials come from the
// environment, never from configuration files.
type Hopskotch struct {
	sp     sarama.SyncProducer
	logger log.Logger
}

// HopskotchOpts configures the community broker connection.
type HopskotchOpts struct {
	// Host is the broker address, e.g. "kafka.scimma.org:9092".
	Host     string
	Username string
	Password string
}

func hopskotchConfig(opts HopskotchOpts) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Net.TLS.Enable = true
	cfg.Net.TLS.Config = &tls.Config{MinVersion: tls.VersionTLS12}
	cfg.Net.SASL.Enable = true
	cfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
	cfg.Net.SASL.User = opts.Username
	cfg.Net.SASL.Password = opts.Password
	cfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
		return &scramClient{hash: scram.SHA512}
	}
	return cfg
}

// NewHopskotch connects a synchronous producer to the community broker.
func NewHopskotch(opts HopskotchOpts, logger log.Logger) (*Hopskotch, error) {
	sp, err := sarama.NewSyncProducer([]string{opts.Host}, hopskotchConfig(opts))
	if err != nil {
		return nil, fmt.Errorf("connect to community broker %s: %w", opts.Host, err)
	}
	return newHopskotchWith(sp, logger), nil
}

func newHopskotchWith(sp sarama.SyncProducer, logger log.Logger) *Hopskotch {
	return &Hopskotch{sp: sp, logger: logger}
}

// Publish sends one JSON notice. The catalog is the source of truth, so a
// failed publish is logged and dropped; subscribers resync on reconnect.
func (h *Hopskotch) Publish(topic string, notice any) {
	payload, err := json.Marshal(notice)
	if err != nil {
		noticeErrors.WithLabelValues(topic).Inc()
		_ = level.Error(h.logger).Log("status", "notice_encode_failed", "topic", topic, "error_message", err.Error())
		return
	}
	_, _, err = h.sp.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		noticeErrors.WithLabelValues(topic).Inc()
		_ = level.Error(h.logger).Log("status", "notice_publish_failed", "topic", topic, "error_message", err.Error())
		return
	}
	noticesPublished.WithLabelValues(topic).Inc()
}

// Close shuts the broker connection down.
func (h *Hopskotch) Close() error {
	return h.sp.Close()
}

// scramClient adapts the xdg-go SCRAM conversation to the sarama interface.
type scramClient struct {
	hash scram.HashGeneratorFcn
	conv *scram.ClientConversation
}

func (c *scramClient) Begin(userName, password, authzID string) error {
	client, err := c.hash.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	c.conv = client.NewConversation()
	return nil
}

func (c *scramClient) Step(challenge string) (string, error) {
	return c.conv.Step(challenge)
}

func (c *scramClient) Done() bool {
	return c.conv.Done()
}
