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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Handler processes one consumed message. Returning nil acknowledges the
// message; the offset is committed either way, so handlers classify and log
// their own failures rather than rely on redelivery.
type Handler func(ctx context.Context, msg *sarama.ConsumerMessage) error

// ConsumerGroup joins a Kafka consumer group and feeds messages to a
// handler one at a time per partition, committing offsets manually after
// each handled message.
type ConsumerGroup struct {
	brokers []string
	group   string
	topics  []string
	cg      sarama.ConsumerGroup
	logger  log.Logger
	handler Handler
}

// consumerConfig disables offset auto-commit; the claim loop commits after
// the handler returns, which is what keeps at-least-once delivery honest.
func consumerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Offsets.AutoCommit.Enable = false
	cfg.Consumer.Return.Errors = true
	return cfg
}

// NewConsumerGroup joins the group on the given brokers.
func NewConsumerGroup(brokers []string, group string, topics []string, handler Handler, logger log.Logger) (*ConsumerGroup, error) {
	cg, err := sarama.NewConsumerGroup(brokers, group, consumerConfig())
	if err != nil {
		return nil, fmt.Errorf("join consumer group %q on %v: %w", group, brokers, err)
	}
	return &ConsumerGroup{
		brokers: brokers,
		group:   group,
		topics:  topics,
		cg:      cg,
		logger:  logger,
		handler: handler,
	}, nil
}

// Run consumes until the context is cancelled, rejoining the group after
// rebalances. The final offset commit happens in the session cleanup.
func (c *ConsumerGroup) Run(ctx context.Context) error {
	go func() {
		for err := range c.cg.Errors() {
			_ = level.Error(c.logger).Log("status", "consumer_error", "group", c.group, "error_message", err.Error())
		}
	}()
	for {
		err := c.cg.Consume(ctx, c.topics, &claimRunner{parent: c, ctx: ctx})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, sarama.ErrClosedConsumerGroup) {
			_ = level.Error(c.logger).Log("status", "consume_session_failed", "group", c.group, "error_message", err.Error())
		}
	}
}

// Close leaves the group.
func (c *ConsumerGroup) Close() error {
	return c.cg.Close()
}

// Rewind moves the group's committed offsets back to the first message at or
// after the given time, on every partition of every subscribed topic.
// Consumers whose state lives in memory call this before Run so a restart
// replays the stream their state was built from. Replayed messages are
// redelivered, so downstream handling must tolerate duplicates.
func (c *ConsumerGroup) Rewind(before time.Time) error {
	client, err := sarama.NewClient(c.brokers, consumerConfig())
	if err != nil {
		return fmt.Errorf("rewind group %q: %w", c.group, err)
	}
	defer client.Close()
	om, err := sarama.NewOffsetManagerFromClient(c.group, client)
	if err != nil {
		return fmt.Errorf("rewind group %q: %w", c.group, err)
	}
	if err := rewindOffsets(client, om, c.topics, before); err != nil {
		return fmt.Errorf("rewind group %q: %w", c.group, err)
	}
	_ = level.Info(c.logger).Log("status", "offsets_rewound", "group", c.group, "before", before.UTC().Format(time.RFC3339))
	return om.Close()
}

// offsetLookup is the slice of sarama.Client the rewind needs.
type offsetLookup interface {
	Partitions(topic string) ([]int32, error)
	GetOffset(topic string, partition int32, time int64) (int64, error)
}

// offsetCommitter is the slice of sarama.OffsetManager the rewind needs.
type offsetCommitter interface {
	ManagePartition(topic string, partition int32) (sarama.PartitionOffsetManager, error)
	Commit()
}

func rewindOffsets(lookup offsetLookup, om offsetCommitter, topics []string, before time.Time) error {
	ts := before.UnixMilli()
	var poms []sarama.PartitionOffsetManager
	defer func() {
		for _, pom := range poms {
			pom.AsyncClose()
		}
	}()
	for _, topic := range topics {
		parts, err := lookup.Partitions(topic)
		if err != nil {
			return fmt.Errorf("partitions of %q: %w", topic, err)
		}
		for _, p := range parts {
			off, err := lookup.GetOffset(topic, p, ts)
			if err != nil {
				return fmt.Errorf("offset for time on %s/%d: %w", topic, p, err)
			}
			if off < 0 {
				// Nothing at or after the cutoff on this partition; the
				// committed offset already points past it.
				continue
			}
			pom, err := om.ManagePartition(topic, p)
			if err != nil {
				return fmt.Errorf("manage %s/%d: %w", topic, p, err)
			}
			poms = append(poms, pom)
			// ResetOffset moves the mark backward, which MarkOffset refuses.
			pom.ResetOffset(off, "")
		}
	}
	om.Commit()
	return nil
}

// claimRunner is the sarama handler bridging claims to the message handler.
type claimRunner struct {
	parent *ConsumerGroup
	ctx    context.Context
}

func (r *claimRunner) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (r *claimRunner) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (r *claimRunner) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			messagesConsumed.WithLabelValues(r.parent.group, msg.Topic).Inc()
			if err := r.parent.handler(r.ctx, msg); err != nil {
				handlerErrors.WithLabelValues(r.parent.group, msg.Topic).Inc()
				_ = level.Error(r.parent.logger).Log(
					"status", "handler_failed",
					"group", r.parent.group,
					"topic", msg.Topic,
					"error_message", err.Error(),
				)
			}
			// Offsets advance even on handler failure: a poison message
			// must not wedge the partition.
			session.MarkMessage(msg, "")
			session.Commit()
		case <-r.ctx.Done():
			return nil
		case <-session.Context().Done():
			return nil
		}
	}
}
