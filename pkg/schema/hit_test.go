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
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHitAppendDetection(t *testing.T) {
	h := NewHit()
	if h.Schema != HitSchemaURL {
		t.Fatalf("new hit schema = %q", h.Schema)
	}

	tns := DetectionEvent{ObjID: "2024abc", Source: SurveyTNS, RADeg: 150.1, DecDeg: 2.2, Timestamp: "2024-03-01T12:00:00.000"}
	atlas := DetectionEvent{ObjID: "ATLAS24xyz", Source: SurveyATLAS, RADeg: 150.1001, DecDeg: 2.2001, Timestamp: "2024-03-01T12:30:00.000"}
	shared := Citation{Name: "TNS", Reference: "Transient Name Server"}

	h.AppendDetection(tns, "10:00:24.00", "+02:12:00.0", []Citation{shared})
	h.AppendDetection(atlas, "10:00:24.02", "+02:12:00.4", []Citation{shared, {Name: "ATLAS", Bibcode: "2018PASP..130f4505T"}})

	if got, want := h.Names(), []string{"2024abc", "ATLAS24xyz"}; !cmp.Equal(want, got) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
	if !h.HasName("ATLAS24xyz") || h.HasName("ZTF24aaa") {
		t.Error("HasName misreports membership")
	}
	if got := h.MissingNames([]string{"2024abc", "ZTF24aaa"}); !cmp.Equal([]string{"ZTF24aaa"}, got) {
		t.Errorf("MissingNames = %v", got)
	}
	// The shared citation must appear once even though both sides carried it.
	if len(h.Sources) != 2 {
		t.Errorf("sources = %+v, want TNS and ATLAS exactly once", h.Sources)
	}
	if len(h.Coords) != 2 || h.Coords[1].RAHMS != "10:00:24.02" {
		t.Errorf("coords not appended in order: %+v", h.Coords)
	}
	if len(h.Timestamps) != 2 || h.Timestamps[0].Value != "2024-03-01T12:00:00.000" {
		t.Errorf("timestamps not appended in order: %+v", h.Timestamps)
	}
}

func TestXMatchNoticeInlinesHit(t *testing.T) {
	h := NewHit()
	h.AppendDetection(
		DetectionEvent{ObjID: "2024abc", Source: SurveyTNS, RADeg: 150.1, DecDeg: 2.2, Timestamp: "2024-03-01T12:00:00.000"},
		"10:00:24.00", "+02:12:00.0", nil,
	)
	h.UpdatedAt = "2024-03-01 12:31:00"

	raw, err := json.Marshal(XMatchNotice{XMatchID: "TXV-2024-000001", Hit: *h})
	if err != nil {
		t.Fatal(err)
	}
	var keys map[string]any
	if err := json.Unmarshal(raw, &keys); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"xmatch_id", "schema", "identifiers", "coords", "timestamps", "updated_at"} {
		if _, ok := keys[k]; !ok {
			t.Errorf("notice JSON missing key %q", k)
		}
	}
	if keys["xmatch_id"] != "TXV-2024-000001" {
		t.Errorf("xmatch_id = %v", keys["xmatch_id"])
	}
}
