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
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/tarxiv/tarxiv/pkg/astro"
	"github.com/tarxiv/tarxiv/pkg/schema"
)

// TopicCandidates is where the matcher emits match candidates. The name is
// pinned by the deployed consumers.
const TopicCandidates = "spark-sink"

// GroupMatcher is the consumer group the matcher joins on the ingest topic.
const GroupMatcher = "xmatch_finder_group"

// expireEvery is how often idle workers sweep their windows.
const expireEvery = time.Minute

// Matcher pairs detections across surveys. Incoming events are routed to
// partition workers by declination degree band, each worker owning an equal
// slice of the 180 bands with its own sliding window, so per-band arrival
// order is preserved while the sky is matched in parallel.
type Matcher struct {
	opts    MatcherOpts
	chans   []chan schema.DetectionEvent
	started sync.Once
	wg      sync.WaitGroup
}

// MatcherOpts configures the stream matcher.
type MatcherOpts struct {
	// RadiusArcsec is the match radius.
	RadiusArcsec float64
	// Window is the sliding window lifetime.
	Window time.Duration
	// Workers is how many partition workers split the declination bands.
	Workers int
	// Producer emits candidates to the candidate topic.
	Producer interface {
		Forward(topic, key string, payload []byte)
	}
	Logger log.Logger
}

// NewMatcher builds the matcher with its worker channels.
func NewMatcher(opts MatcherOpts) *Matcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	chans := make([]chan schema.DetectionEvent, opts.Workers)
	for i := range chans {
		chans[i] = make(chan schema.DetectionEvent, 256)
	}
	return &Matcher{opts: opts, chans: chans}
}

// Run drives the partition workers until the context is cancelled.
func (m *Matcher) Run(ctx context.Context) error {
	m.started.Do(func() {
		for i := range m.chans {
			m.wg.Add(1)
			go m.worker(ctx, i)
		}
	})
	<-ctx.Done()
	m.wg.Wait()
	return nil
}

// Handler decodes bus messages and routes them to the owning worker. Offsets
// commit once the event is queued; a crash between queueing and emission
// redelivers the event, which at-least-once candidate delivery absorbs.
func (m *Matcher) Handler() func(ctx context.Context, msg *sarama.ConsumerMessage) error {
	return func(ctx context.Context, msg *sarama.ConsumerMessage) error {
		var e schema.DetectionEvent
		if err := json.Unmarshal(msg.Value, &e); err != nil {
			eventsDropped.WithLabelValues("undecodable").Inc()
			_ = level.Warn(m.opts.Logger).Log("status", "event_dropped", "reason", "undecodable", "error_message", err.Error())
			return nil
		}
		if err := e.Validate(); err != nil {
			eventsDropped.WithLabelValues("invalid").Inc()
			_ = level.Warn(m.opts.Logger).Log("status", "event_dropped", "reason", "invalid", "obj_name", e.ObjID, "error_message", err.Error())
			return nil
		}
		worker := astro.DecDegreeBand(e.DecDeg) * len(m.chans) / 180
		select {
		case m.chans[worker] <- e:
		case <-ctx.Done():
		}
		return nil
	}
}

// worker owns one slice of declination bands: a window, a match loop and a
// periodic expiry sweep.
func (m *Matcher) worker(ctx context.Context, idx int) {
	defer m.wg.Done()

	win := NewWindow(m.opts.RadiusArcsec, m.opts.Window)
	gauge := windowEvents.WithLabelValues(strconv.Itoa(idx))
	ticker := time.NewTicker(expireEvery)
	defer ticker.Stop()

	for {
		select {
		case e := <-m.chans[idx]:
			m.match(win, e)
			gauge.Set(float64(win.Size()))
		case <-ticker.C:
			win.Expire(time.Now().UTC())
			gauge.Set(float64(win.Size()))
		case <-ctx.Done():
			return
		}
	}
}

// match runs one event through the window and emits a candidate per partner,
// keyed by the leading obj_id so one pair always lands on one partition.
func (m *Matcher) match(win *Window, e schema.DetectionEvent) {
	at, err := e.Instant()
	if err != nil {
		// Validate already parsed the instant; this cannot happen in the
		// consume path but guards direct callers.
		eventsDropped.WithLabelValues("invalid").Inc()
		return
	}
	for _, partner := range win.Add(e, at) {
		cand, err := schema.NewMatchCandidate(partner, e)
		if err != nil {
			continue
		}
		payload, err := json.Marshal(cand)
		if err != nil {
			_ = level.Error(m.opts.Logger).Log("status", "candidate_encode_failed", "error_message", err.Error())
			continue
		}
		m.opts.Producer.Forward(TopicCandidates, cand.ObjID1, payload)
		candidatesEmitted.Inc()
		_ = level.Debug(m.opts.Logger).Log(
			"status", "match_found",
			"obj_name", cand.ObjID1,
			"obj_name_2", cand.ObjID2,
		)
	}
}
