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

// Citation is a bibliographic record attached to catalog documents so every
// value stays attributable. Records come from the citation registry file and
// follow the astrocats source shape.
type Citation struct {
	Name      string `json:"name"`
	Bibcode   string `json:"bibcode,omitempty"`
	Reference string `json:"reference,omitempty"`
	URL       string `json:"url,omitempty"`
	Alias     string `json:"alias,omitempty"`
}

// MetaEntry is one attributed value in an object-metadata list. Dated entries
// carry the UTC instant of the underlying measurement; per-band entries carry
// the photometric filter.
type MetaEntry struct {
	Value  any    `json:"value"`
	Source string `json:"source,omitempty"`
	Date   string `json:"date,omitempty"`
	Filter string `json:"filter,omitempty"`
}

// ObjectMeta is the canonical object document stored in the objects
// collection. Every field is a list of attributed entries; a field a survey
// never reported stays empty and is dropped when the document is cleaned.
type ObjectMeta struct {
	Identifiers         []MetaEntry `json:"identifiers,omitempty"`
	RADeg               []MetaEntry `json:"ra_deg,omitempty"`
	DecDeg              []MetaEntry `json:"dec_deg,omitempty"`
	RAHMS               []MetaEntry `json:"ra_hms,omitempty"`
	DecDMS              []MetaEntry `json:"dec_dms,omitempty"`
	ObjectType          []MetaEntry `json:"object_type,omitempty"`
	DiscoveryDate       []MetaEntry `json:"discovery_date,omitempty"`
	ReportingDate       []MetaEntry `json:"reporting_date,omitempty"`
	ReportingGroup      []MetaEntry `json:"reporting_group,omitempty"`
	DiscoveryDataSource []MetaEntry `json:"discovery_data_source,omitempty"`
	Redshift            []MetaEntry `json:"redshift,omitempty"`
	HostName            []MetaEntry `json:"host_name,omitempty"`
	PeakMag             []MetaEntry `json:"peak_mag,omitempty"`
	LatestDetection     []MetaEntry `json:"latest_detection,omitempty"`
	LatestNonDetection  []MetaEntry `json:"latest_non_detection,omitempty"`
	LatestChange        []MetaEntry `json:"latest_change,omitempty"`
	MagRate             []MetaEntry `json:"mag_rate,omitempty"`
	Sources             []Citation  `json:"sources,omitempty"`
}

// SurveyMeta is what one source adapter reports about an object. Pointer
// fields distinguish "not reported" from a zero value.
type SurveyMeta struct {
	Survey              string
	Identifiers         []string
	RADeg               *float64
	DecDeg              *float64
	RAHMS               string
	DecDMS              string
	ObjectType          string
	DiscoveryDate       string
	ReportingDate       string
	ReportingGroup      string
	DiscoveryDataSource string
	Redshift            *float64
	HostNames           []string
}

// appendUnique appends e unless an entry with the same value, source and
// filter is already present.
func appendUnique(list []MetaEntry, e MetaEntry) []MetaEntry {
	for _, have := range list {
		if have.Value == e.Value && have.Source == e.Source && have.Filter == e.Filter {
			return list
		}
	}
	return append(list, e)
}

// Merge folds one survey's report into the document, attributing every value
// to the reporting survey and appending the survey's citations.
func (m *ObjectMeta) Merge(sm *SurveyMeta, citations []Citation) {
	src := sm.Survey
	for _, id := range sm.Identifiers {
		m.Identifiers = appendUnique(m.Identifiers, MetaEntry{Value: id, Source: src})
	}
	if sm.RADeg != nil {
		m.RADeg = appendUnique(m.RADeg, MetaEntry{Value: *sm.RADeg, Source: src})
	}
	if sm.DecDeg != nil {
		m.DecDeg = appendUnique(m.DecDeg, MetaEntry{Value: *sm.DecDeg, Source: src})
	}
	if sm.RAHMS != "" {
		m.RAHMS = appendUnique(m.RAHMS, MetaEntry{Value: sm.RAHMS, Source: src})
	}
	if sm.DecDMS != "" {
		m.DecDMS = appendUnique(m.DecDMS, MetaEntry{Value: sm.DecDMS, Source: src})
	}
	if sm.ObjectType != "" {
		m.ObjectType = appendUnique(m.ObjectType, MetaEntry{Value: sm.ObjectType, Source: src})
	}
	if sm.DiscoveryDate != "" {
		m.DiscoveryDate = appendUnique(m.DiscoveryDate, MetaEntry{Value: sm.DiscoveryDate, Source: src})
	}
	if sm.ReportingDate != "" {
		m.ReportingDate = appendUnique(m.ReportingDate, MetaEntry{Value: sm.ReportingDate, Source: src})
	}
	if sm.ReportingGroup != "" {
		m.ReportingGroup = appendUnique(m.ReportingGroup, MetaEntry{Value: sm.ReportingGroup, Source: src})
	}
	if sm.DiscoveryDataSource != "" {
		m.DiscoveryDataSource = appendUnique(m.DiscoveryDataSource, MetaEntry{Value: sm.DiscoveryDataSource, Source: src})
	}
	if sm.Redshift != nil {
		m.Redshift = appendUnique(m.Redshift, MetaEntry{Value: *sm.Redshift, Source: src})
	}
	for _, host := range sm.HostNames {
		m.HostName = appendUnique(m.HostName, MetaEntry{Value: host, Source: src})
	}
	for _, c := range citations {
		if !lo.ContainsBy(m.Sources, func(s Citation) bool { return s.Name == c.Name }) {
			m.Sources = append(m.Sources, c)
		}
	}
}

// Field returns the entry list stored under a document field name, as it
// appears in the persisted JSON. The sources list is not addressable this
// way; it holds citations, not attributed values.
func (m *ObjectMeta) Field(name string) ([]MetaEntry, bool) {
	switch name {
	case "identifiers":
		return m.Identifiers, true
	case "ra_deg":
		return m.RADeg, true
	case "dec_deg":
		return m.DecDeg, true
	case "ra_hms":
		return m.RAHMS, true
	case "dec_dms":
		return m.DecDMS, true
	case "object_type":
		return m.ObjectType, true
	case "discovery_date":
		return m.DiscoveryDate, true
	case "reporting_date":
		return m.ReportingDate, true
	case "reporting_group":
		return m.ReportingGroup, true
	case "discovery_data_source":
		return m.DiscoveryDataSource, true
	case "redshift":
		return m.Redshift, true
	case "host_name":
		return m.HostName, true
	case "peak_mag":
		return m.PeakMag, true
	case "latest_detection":
		return m.LatestDetection, true
	case "latest_non_detection":
		return m.LatestNonDetection, true
	case "latest_change":
		return m.LatestChange, true
	case "mag_rate":
		return m.MagRate, true
	}
	return nil, false
}

// Names lists the object's identifiers across all surveys.
func (m *ObjectMeta) Names() []string {
	names := make([]string, 0, len(m.Identifiers))
	for _, e := range m.Identifiers {
		if s, ok := e.Value.(string); ok {
			names = append(names, s)
		}
	}
	return names
}

// FirstValue returns the leading entry of a list, or nil if it is empty.
// Adapters report in anchor-first order, so the leading entry is the
// authoritative one.
func FirstValue(list []MetaEntry) any {
	if len(list) == 0 {
		return nil
	}
	return list[0].Value
}

// DiscoveryMJD extracts the anchor discovery date as a modified Julian date
// via the given converter, returning false when no discovery date is known.
func (m *ObjectMeta) DiscoveryMJD(toMJD func(string) (float64, bool)) (float64, bool) {
	v, ok := FirstValue(m.DiscoveryDate).(string)
	if !ok {
		return 0, false
	}
	return toMJD(v)
}

// Clean canonicalizes the document before persisting: empty lists become nil
// so they are dropped from the stored JSON, matching the rule that absent
// knowledge is absent from the document.
func (m *ObjectMeta) Clean() {
	fields := []*[]MetaEntry{
		&m.Identifiers, &m.RADeg, &m.DecDeg, &m.RAHMS, &m.DecDMS,
		&m.ObjectType, &m.DiscoveryDate, &m.ReportingDate, &m.ReportingGroup, &m.DiscoveryDataSource,
		&m.Redshift, &m.HostName, &m.PeakMag, &m.LatestDetection,
		&m.LatestNonDetection, &m.LatestChange, &m.MagRate,
	}
	for _, f := range fields {
		if len(*f) == 0 {
			*f = nil
		}
	}
	if len(m.Sources) == 0 {
		m.Sources = nil
	}
}

// Change statuses attached to the summaries published on the metadata topic.
const (
	StatusNewEntry     = "new_entry"
	StatusUpdatedEntry = "updated_entry"
)

// FieldChange records what a rebuild added to or removed from one metadata
// field.
type FieldChange struct {
	Field   string      `json:"field"`
	Added   []MetaEntry `json:"added,omitempty"`
	Removed []MetaEntry `json:"removed,omitempty"`
}

// ChangeSummary is the message published to the community broker after an
// object build. It names the object, states whether the document is new, and
// lists the substantive field changes.
type ChangeSummary struct {
	ObjName   string        `json:"obj_name"`
	Status    string        `json:"status"`
	Changed   []FieldChange `json:"changed,omitempty"`
	Timestamp string        `json:"timestamp"`
}

// Substantive reports whether the summary is worth publishing: new documents
// always are, updates only when a watched field actually changed.
func (s *ChangeSummary) Substantive() bool {
	return s.Status == StatusNewEntry || len(s.Changed) > 0
}
