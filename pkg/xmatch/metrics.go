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

package xmatch

import "github.com/prometheus/client_golang/prometheus"

var (
	windowEvents = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tarxiv_xmatch_window_events",
		Help: "Detection events currently resident in a worker's match window.",
	}, []string{"worker"})
	candidatesEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tarxiv_xmatch_candidates_emitted_total",
		Help: "Match candidates produced to the candidate topic.",
	})
	eventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tarxiv_xmatch_events_dropped_total",
		Help: "Bus messages dropped before entering the match window.",
	}, []string{"reason"})
	reconcileOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tarxiv_xmatch_reconcile_outcomes_total",
		Help: "Reconciled match candidates by outcome.",
	}, []string{"outcome"})
)

// Reconcile outcome labels.
const (
	outcomeCreated   = "created"
	outcomeExtended  = "extended"
	outcomeDuplicate = "duplicate"
	outcomeInvalid   = "invalid"
	outcomeError     = "error"
)

// RegisterMetrics registers the matcher and reconciler collectors.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(windowEvents, candidatesEmitted, eventsDropped, reconcileOutcomes)
}
