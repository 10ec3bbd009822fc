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

// Package schema defines the canonical data model shared by every pipeline
// component: detection events and match candidates on the bus, cross-match
// hits, object metadata and light curves in the catalog.
package schema

import (
	"errors"
	"fmt"
	"time"

	"github.com/tarxiv/tarxiv/pkg/astro"
)

// Survey names as they appear on bus messages and catalog documents.
const (
	SurveyTNS    = "tns"
	SurveyATLAS  = "atlas"
	SurveyZTF    = "ztf"
	SurveyASASSN = "asas-sn"
	SurveyLSST   = "lsst"
	SurveyTest   = "test"
)

// DetectionEvent is a single survey detection as forwarded by the alert
// listeners onto the detection bus.
type DetectionEvent struct {
	ObjID     string  `json:"obj_id"`
	Source    string  `json:"source"`
	RADeg     float64 `json:"ra_deg"`
	DecDeg    float64 `json:"dec_deg"`
	Timestamp string  `json:"timestamp"`
}

// Instant parses the event timestamp.
func (e *DetectionEvent) Instant() (time.Time, error) {
	return astro.ParseInstant(e.Timestamp)
}

// Validate reports why an event must not enter the match window. Malformed
// events are dropped at ingest, never queued.
func (e *DetectionEvent) Validate() error {
	if e.ObjID == "" {
		return errors.New("empty obj_id")
	}
	if e.Source == "" {
		return errors.New("empty source")
	}
	if e.RADeg < 0 || e.RADeg >= 360 {
		return fmt.Errorf("ra_deg %v out of [0, 360)", e.RADeg)
	}
	if e.DecDeg < -90 || e.DecDeg > 90 {
		return fmt.Errorf("dec_deg %v out of [-90, 90]", e.DecDeg)
	}
	if _, err := e.Instant(); err != nil {
		return fmt.Errorf("bad timestamp: %w", err)
	}
	return nil
}

// MatchCandidate pairs two detections from different surveys that fell within
// the match radius inside one sliding window.
type MatchCandidate struct {
	ObjID1     string  `json:"obj_id_1"`
	Source1    string  `json:"source_1"`
	RADeg1     float64 `json:"ra_deg_1"`
	DecDeg1    float64 `json:"dec_deg_1"`
	Timestamp1 string  `json:"timestamp_1"`
	ObjID2     string  `json:"obj_id_2"`
	Source2    string  `json:"source_2"`
	RADeg2     float64 `json:"ra_deg_2"`
	DecDeg2    float64 `json:"dec_deg_2"`
	Timestamp2 string  `json:"timestamp_2"`
}

// NewMatchCandidate builds a candidate from two detections, swapping them if
// needed so the lexicographically smaller obj_id comes first. Self-matches
// and same-survey pairs are rejected.
func NewMatchCandidate(a, b DetectionEvent) (MatchCandidate, error) {
	if a.ObjID == b.ObjID {
		return MatchCandidate{}, fmt.Errorf("self match on %q", a.ObjID)
	}
	if a.Source == b.Source {
		return MatchCandidate{}, fmt.Errorf("same-survey pair %q/%q from %q", a.ObjID, b.ObjID, a.Source)
	}
	if a.ObjID > b.ObjID {
		a, b = b, a
	}
	return MatchCandidate{
		ObjID1:     a.ObjID,
		Source1:    a.Source,
		RADeg1:     a.RADeg,
		DecDeg1:    a.DecDeg,
		Timestamp1: a.Timestamp,
		ObjID2:     b.ObjID,
		Source2:    b.Source,
		RADeg2:     b.RADeg,
		DecDeg2:    b.DecDeg,
		Timestamp2: b.Timestamp,
	}, nil
}

// Validate checks the candidate invariants on the consumer side.
func (c *MatchCandidate) Validate() error {
	if c.ObjID1 == "" || c.ObjID2 == "" {
		return errors.New("empty obj_id")
	}
	if c.ObjID1 >= c.ObjID2 {
		return fmt.Errorf("obj_ids out of order: %q >= %q", c.ObjID1, c.ObjID2)
	}
	if c.Source1 == c.Source2 {
		return fmt.Errorf("both detections from %q", c.Source1)
	}
	return nil
}

// First returns the leading detection of the pair.
func (c *MatchCandidate) First() DetectionEvent {
	return DetectionEvent{ObjID: c.ObjID1, Source: c.Source1, RADeg: c.RADeg1, DecDeg: c.DecDeg1, Timestamp: c.Timestamp1}
}

// Second returns the trailing detection of the pair.
func (c *MatchCandidate) Second() DetectionEvent {
	return DetectionEvent{ObjID: c.ObjID2, Source: c.Source2, RADeg: c.RADeg2, DecDeg: c.DecDeg2, Timestamp: c.Timestamp2}
}
