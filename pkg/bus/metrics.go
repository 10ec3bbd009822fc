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
	"github.com/prometheus/client_golang/prometheus"
)

var (
	messagesProduced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tarxiv_bus_messages_produced_total",
		Help: "Messages handed to the detection bus producer.",
	}, []string{"topic"})
	produceErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tarxiv_bus_produce_errors_total",
		Help: "Messages the broker rejected or that failed to encode.",
	}, []string{"topic"})
	messagesConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tarxiv_bus_messages_consumed_total",
		Help: "Messages delivered to consumer group handlers.",
	}, []string{"group", "topic"})
	handlerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tarxiv_bus_handler_errors_total",
		Help: "Handler invocations that returned an error.",
	}, []string{"group", "topic"})
	noticesPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tarxiv_hop_notices_published_total",
		Help: "Notices delivered to the community broker.",
	}, []string{"topic"})
	noticeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tarxiv_hop_notice_errors_total",
		Help: "Notices the community broker did not accept.",
	}, []string{"topic"})
)

// RegisterMetrics registers the bus collectors. Call it once per process;
// instances share the collectors so several consumers or producers in one
// process do not collide.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		messagesProduced,
		produceErrors,
		messagesConsumed,
		handlerErrors,
		noticesPublished,
		noticeErrors,
	)
}
