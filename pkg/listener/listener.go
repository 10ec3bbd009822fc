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

// Package listener implements the push contract: long-running loops that
// consume the external alert transports (broker Kafka streams, the TNS alert
// mailbox) and forward normalized detection events onto the detection bus.
package listener

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tarxiv/tarxiv/pkg/astro"
	"github.com/tarxiv/tarxiv/pkg/schema"
)

var (
	detectionsForwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tarxiv_listener_detections_forwarded_total",
		Help: "Detection events forwarded to the detection bus.",
	}, []string{"source"})
	payloadsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tarxiv_listener_payloads_skipped_total",
		Help: "Upstream payloads dropped because they did not parse or validate.",
	}, []string{"source"})
	mailAlertsParsed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tarxiv_listener_mail_alerts_parsed_total",
		Help: "Object names extracted from alert mails.",
	})
)

// RegisterMetrics registers the listener collectors.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(detectionsForwarded, payloadsSkipped, mailAlertsParsed)
}

// Forwarder pushes detection events onto the detection bus topic, keyed by
// declination degree band so one band's events land on one partition.
type Forwarder struct {
	producer interface {
		Forward(topic, key string, payload []byte)
	}
	topic  string
	logger log.Logger
}

// NewForwarder wraps a bus producer for the given ingest topic.
func NewForwarder(producer interface {
	Forward(topic, key string, payload []byte)
}, topic string, logger log.Logger) *Forwarder {
	return &Forwarder{producer: producer, topic: topic, logger: logger}
}

// Forward validates and publishes one detection event. Malformed events are
// logged and dropped; they must never reach the match window.
func (f *Forwarder) Forward(e schema.DetectionEvent) error {
	if err := f.validateAndSend(e); err != nil {
		payloadsSkipped.WithLabelValues(e.Source).Inc()
		_ = level.Warn(f.logger).Log(
			"status", "detection_dropped",
			"obj_name", e.ObjID,
			"source", e.Source,
			"error_message", err.Error(),
		)
		return err
	}
	detectionsForwarded.WithLabelValues(e.Source).Inc()
	_ = level.Debug(f.logger).Log("status", "forwarded_detection", "obj_name", e.ObjID, "source", e.Source)
	return nil
}

func (f *Forwarder) validateAndSend(e schema.DetectionEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode detection: %w", err)
	}
	key := strconv.Itoa(astro.DecDegreeBand(e.DecDeg))
	f.producer.Forward(f.topic, key, payload)
	return nil
}
