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

// Package xmatch implements the spatial stream matcher and the match
// reconciler: pairing detections from different surveys that land within the
// match radius of each other inside a sliding time window, and folding the
// pairs into durable cross-match hits.
package xmatch

import (
	"time"

	"github.com/tarxiv/tarxiv/pkg/astro"
	"github.com/tarxiv/tarxiv/pkg/schema"
)

// windowEntry is one detection resident in the match window.
type windowEntry struct {
	event schema.DetectionEvent
	at    time.Time
}

// Window is the sliding match window of one matcher worker. Events are
// bucketed by millidegree declination band so a probe touches only the bands
// the match radius can reach. Not safe for concurrent use; each worker owns
// its window.
type Window struct {
	radiusArcsec float64
	span         int
	ttl          time.Duration

	buckets map[int][]windowEntry
	size    int
}

// NewWindow returns an empty window for the given match radius and lifetime.
func NewWindow(radiusArcsec float64, ttl time.Duration) *Window {
	return &Window{
		radiusArcsec: radiusArcsec,
		span:         astro.BandSpan(radiusArcsec),
		ttl:          ttl,
		buckets:      map[int][]windowEntry{},
	}
}

// Size returns how many events are resident.
func (w *Window) Size() int { return w.size }

// Add inserts a detection and returns the resident events it matches: a
// different survey, a different object, separation within the radius, and
// still inside the window at the event's instant. Pairs form only against
// events already resident, so each pair is emitted exactly once per window.
func (w *Window) Add(e schema.DetectionEvent, at time.Time) []schema.DetectionEvent {
	band := astro.DecBand(e.DecDeg)

	var partners []schema.DetectionEvent
	for b := band - w.span; b <= band+w.span; b++ {
		entries, ok := w.buckets[b]
		if !ok {
			continue
		}
		kept := entries[:0]
		for _, ent := range entries {
			if at.Sub(ent.at) > w.ttl {
				w.size--
				continue
			}
			kept = append(kept, ent)
			if ent.event.Source == e.Source || ent.event.ObjID == e.ObjID {
				continue
			}
			sep := astro.Separation(ent.event.RADeg, ent.event.DecDeg, e.RADeg, e.DecDeg)
			if sep.Sec() <= w.radiusArcsec {
				partners = append(partners, ent.event)
			}
		}
		if len(kept) == 0 {
			delete(w.buckets, b)
		} else {
			w.buckets[b] = kept
		}
	}

	w.buckets[band] = append(w.buckets[band], windowEntry{event: e, at: at})
	w.size++
	return partners
}

// Expire drops every event older than the window lifetime relative to now.
// The matcher calls this periodically so quiet sky regions do not pin stale
// events between arrivals.
func (w *Window) Expire(now time.Time) {
	for b, entries := range w.buckets {
		kept := entries[:0]
		for _, ent := range entries {
			if now.Sub(ent.at) > w.ttl {
				w.size--
				continue
			}
			kept = append(kept, ent)
		}
		if len(kept) == 0 {
			delete(w.buckets, b)
		} else {
			w.buckets[b] = kept
		}
	}
}
