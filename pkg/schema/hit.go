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

package schema

import (
	"github.com/samber/lo"
)

// HitSchemaURL documents the astrocats-derived document shape on every hit.
const HitSchemaURL = "https://github.com/astrocatalogs/schema/README.md"

// NameSource attributes an object identifier to the survey that issued it.
type NameSource struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

// ValueSource attributes a plain value, typically a timestamp, to a survey.
type ValueSource struct {
	Value  string `json:"value"`
	Source string `json:"source"`
}

// HitCoord is one survey's position for a cross-matched object.
type HitCoord struct {
	RADeg  float64 `json:"ra_deg"`
	DecDeg float64 `json:"dec_deg"`
	RAHMS  string  `json:"ra_hms"`
	DecDMS string  `json:"dec_dms"`
	Source string  `json:"source"`
}

// Hit is a cross-match document: the accumulated evidence that identifiers
// from different surveys denote one physical object. Hits are keyed by their
// TXV identifier in the catalog.
type Hit struct {
	Schema      string       `json:"schema"`
	Identifiers []NameSource `json:"identifiers"`
	Coords      []HitCoord   `json:"coords"`
	Timestamps  []ValueSource `json:"timestamps"`
	Sources     []Citation   `json:"sources"`
	UpdatedAt   string       `json:"updated_at"`
}

// NewHit returns an empty hit carrying the schema pointer.
func NewHit() *Hit {
	return &Hit{Schema: HitSchemaURL}
}

// Names lists every identifier attached to the hit.
func (h *Hit) Names() []string {
	return lo.Map(h.Identifiers, func(id NameSource, _ int) string { return id.Name })
}

// HasName reports whether the hit already carries the identifier.
func (h *Hit) HasName(name string) bool {
	return lo.ContainsBy(h.Identifiers, func(id NameSource) bool { return id.Name == name })
}

// MissingNames returns the subset of names the hit does not carry yet.
func (h *Hit) MissingNames(names []string) []string {
	return lo.Filter(names, func(n string, _ int) bool { return !h.HasName(n) })
}

// AppendDetection folds one side of a match candidate into the hit:
// identifier, position, detection timestamp and the survey's citations.
// Citations are de-duplicated by name, the rest appends verbatim.
func (h *Hit) AppendDetection(e DetectionEvent, raHMS, decDMS string, citations []Citation) {
	h.Identifiers = append(h.Identifiers, NameSource{Name: e.ObjID, Source: e.Source})
	h.Coords = append(h.Coords, HitCoord{
		RADeg:  e.RADeg,
		DecDeg: e.DecDeg,
		RAHMS:  raHMS,
		DecDMS: decDMS,
		Source: e.Source,
	})
	h.Timestamps = append(h.Timestamps, ValueSource{Value: e.Timestamp, Source: e.Source})
	for _, c := range citations {
		if !lo.ContainsBy(h.Sources, func(s Citation) bool { return s.Name == c.Name }) {
			h.Sources = append(h.Sources, c)
		}
	}
}

// IdxCounter is the per-year identifier counter document. The document key is
// the four-digit year; current_idx is the last index handed out.
type IdxCounter struct {
	CurrentIdx uint64 `json:"current_idx"`
}

// XMatchNotice is the message published to the community broker whenever a
// hit is created or extended.
type XMatchNotice struct {
	XMatchID string `json:"xmatch_id"`
	Hit
}
