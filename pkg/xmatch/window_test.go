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

import (
	"testing"
	"time"

	"github.com/tarxiv/tarxiv/pkg/schema"
)

func detAt(id, source string, ra, dec float64) schema.DetectionEvent {
	return schema.DetectionEvent{
		ObjID:     id,
		Source:    source,
		RADeg:     ra,
		DecDeg:    dec,
		Timestamp: "2025-06-01 12:00:00",
	}
}

func TestWindowPairsAcrossSurveys(t *testing.T) {
	win := NewWindow(5, 48*time.Hour)
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// First arrival has nothing to pair with.
	if got := win.Add(detAt("2025abc", "tns", 150.0, 20.0), t0); len(got) != 0 {
		t.Fatalf("first event matched %d partners", len(got))
	}
	// Second survey 1.8 arcsec away pairs exactly once.
	got := win.Add(detAt("ZTF25x", "ztf", 150.0, 20.0005), t0.Add(time.Hour))
	if len(got) != 1 || got[0].ObjID != "2025abc" {
		t.Fatalf("expected pair with 2025abc, got %v", got)
	}
	if win.Size() != 2 {
		t.Errorf("window size = %d, want 2", win.Size())
	}
}

func TestWindowRejectsSameSurveyAndFarPairs(t *testing.T) {
	win := NewWindow(5, 48*time.Hour)
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	win.Add(detAt("2025abc", "tns", 150.0, 20.0), t0)
	if got := win.Add(detAt("2025xyz", "tns", 150.0, 20.0005), t0); len(got) != 0 {
		t.Errorf("same-survey events paired: %v", got)
	}
	// 36 arcsec away in declination, well outside a 5 arcsec radius.
	if got := win.Add(detAt("ZTF25far", "ztf", 150.0, 20.01), t0); len(got) != 0 {
		t.Errorf("distant events paired: %v", got)
	}
}

func TestWindowProbesNeighborBands(t *testing.T) {
	win := NewWindow(15, 48*time.Hour)
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// 0.003 degrees apart in declination: three millidegree buckets away but
	// only 10.8 arcsec, inside a 15 arcsec radius.
	win.Add(detAt("2025abc", "tns", 150.0, 20.0), t0)
	got := win.Add(detAt("ZTF25x", "ztf", 150.0, 20.003), t0)
	if len(got) != 1 {
		t.Fatalf("cross-bucket pair missed, got %v", got)
	}
}

func TestWindowExpiry(t *testing.T) {
	win := NewWindow(5, 48*time.Hour)
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	win.Add(detAt("2025abc", "tns", 150.0, 20.0), t0)
	// 49 hours later the first event has aged out: no pair forms.
	got := win.Add(detAt("ZTF25x", "ztf", 150.0, 20.0005), t0.Add(49*time.Hour))
	if len(got) != 0 {
		t.Errorf("expired event paired: %v", got)
	}
	if win.Size() != 1 {
		t.Errorf("window size after expiry = %d, want 1", win.Size())
	}
}

func TestWindowExpireSweep(t *testing.T) {
	win := NewWindow(5, time.Hour)
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	win.Add(detAt("2025abc", "tns", 150.0, 20.0), t0)
	win.Add(detAt("ZTF25x", "ztf", 10.0, -45.0), t0.Add(30*time.Minute))
	win.Expire(t0.Add(90 * time.Minute))
	if win.Size() != 1 {
		t.Errorf("size after sweep = %d, want 1", win.Size())
	}
}

func TestWindowPairEmittedOncePerWindow(t *testing.T) {
	win := NewWindow(5, 48*time.Hour)
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	win.Add(detAt("2025abc", "tns", 150.0, 20.0), t0)
	first := win.Add(detAt("ZTF25x", "ztf", 150.0, 20.0005), t0.Add(time.Hour))
	if len(first) != 1 {
		t.Fatalf("expected 1 partner, got %d", len(first))
	}
	// The same object arriving again pairs with the partner again (the
	// matcher emits it; the reconciler recognizes the duplicate) but never
	// with its own earlier arrival.
	second := win.Add(detAt("ZTF25x", "ztf", 150.0, 20.0005), t0.Add(2*time.Hour))
	for _, p := range second {
		if p.ObjID == "ZTF25x" {
			t.Errorf("event paired with itself")
		}
	}
}
