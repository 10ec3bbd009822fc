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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-kit/log"

	"github.com/tarxiv/tarxiv/pkg/schema"
	"github.com/tarxiv/tarxiv/pkg/store"
	"github.com/tarxiv/tarxiv/pkg/survey"
)

type noticeRecorder struct {
	topics  []string
	notices []any
}

func (n *noticeRecorder) Publish(topic string, notice any) {
	n.topics = append(n.topics, topic)
	n.notices = append(n.notices, notice)
}

func fixedNow() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func newTestReconciler(t *testing.T) (*Reconciler, *store.Memory, *noticeRecorder) {
	t.Helper()
	mem := store.NewMemory()
	rec := &noticeRecorder{}
	r := NewReconciler(ReconcilerOpts{
		Store:       mem,
		Notices:     rec,
		NoticeTopic: "tarxiv.xmatch",
		Pullers: map[string]survey.AlertPuller{
			schema.SurveyTest: survey.NewDummy(),
		},
		Citations: func(s string) []schema.Citation {
			return []schema.Citation{{Name: s + "-citation"}}
		},
		IDWidth: 6,
		Logger:  log.NewNopLogger(),
		NowFunc: fixedNow,
	})
	if err := r.EnsureYearCounter(context.Background(), 2025); err != nil {
		t.Fatalf("ensure counter: %v", err)
	}
	return r, mem, rec
}

func candidate(id1, src1, id2, src2 string) schema.MatchCandidate {
	cand, err := schema.NewMatchCandidate(
		schema.DetectionEvent{ObjID: id1, Source: src1, RADeg: 150.0, DecDeg: 20.0, Timestamp: "2025-06-01 10:00:00"},
		schema.DetectionEvent{ObjID: id2, Source: src2, RADeg: 150.0, DecDeg: 20.0005, Timestamp: "2025-06-01 11:00:00"},
	)
	if err != nil {
		panic(err)
	}
	return cand
}

func TestReconcileCreatesHit(t *testing.T) {
	r, mem, rec := newTestReconciler(t)
	ctx := context.Background()

	if err := r.Reconcile(ctx, candidate("2025abc", "tns", "ZTF25x", "ztf")); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	var hit schema.Hit
	if err := mem.Get(ctx, store.ScopeXMatch, store.CollHits, "TXV-2025-000001", &hit); err != nil {
		t.Fatalf("hit not stored under minted id: %v", err)
	}
	if !hit.HasName("2025abc") || !hit.HasName("ZTF25x") {
		t.Errorf("hit missing identifiers: %v", hit.Names())
	}
	if hit.UpdatedAt != "2025-06-01 12:00:00" {
		t.Errorf("updated_at = %q", hit.UpdatedAt)
	}
	if len(hit.Coords) != 2 || hit.Coords[0].RAHMS == "" {
		t.Errorf("coords not enriched: %+v", hit.Coords)
	}
	if len(hit.Sources) != 2 {
		t.Errorf("expected one citation per survey, got %v", hit.Sources)
	}

	var counter schema.IdxCounter
	if err := mem.Get(ctx, store.ScopeXMatch, store.CollIdx, "2025", &counter); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	if counter.CurrentIdx != 1 {
		t.Errorf("counter = %d, want 1", counter.CurrentIdx)
	}

	// Both raw alerts archived; surveys without a puller fall back to the
	// detection event.
	var alert map[string]any
	if err := mem.Get(ctx, store.ScopeXMatch, store.CollAlerts, "2025abc", &alert); err != nil {
		t.Fatalf("alert not archived: %v", err)
	}
	if alert["obj_id"] != "2025abc" {
		t.Errorf("fallback alert payload: %v", alert)
	}

	if len(rec.notices) != 1 || rec.topics[0] != "tarxiv.xmatch" {
		t.Fatalf("expected one notice on tarxiv.xmatch, got %v", rec.topics)
	}
	notice := rec.notices[0].(schema.XMatchNotice)
	if notice.XMatchID != "TXV-2025-000001" {
		t.Errorf("notice id = %q", notice.XMatchID)
	}
}

func TestReconcileExtendsHit(t *testing.T) {
	r, mem, rec := newTestReconciler(t)
	ctx := context.Background()

	if err := r.Reconcile(ctx, candidate("2025abc", "tns", "ZTF25x", "ztf")); err != nil {
		t.Fatalf("create: %v", err)
	}
	// A third survey matches one of the recorded identifiers.
	if err := r.Reconcile(ctx, candidate("2025abc", "tns", "ATLAS25y", "atlas")); err != nil {
		t.Fatalf("extend: %v", err)
	}

	var hit schema.Hit
	if err := mem.Get(ctx, store.ScopeXMatch, store.CollHits, "TXV-2025-000001", &hit); err != nil {
		t.Fatalf("read hit: %v", err)
	}
	if len(hit.Identifiers) != 3 {
		t.Errorf("identifiers = %v, want 3 entries", hit.Names())
	}

	// The counter advanced only for the creation.
	var counter schema.IdxCounter
	if err := mem.Get(ctx, store.ScopeXMatch, store.CollIdx, "2025", &counter); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	if counter.CurrentIdx != 1 {
		t.Errorf("counter = %d, want 1", counter.CurrentIdx)
	}
	if len(rec.notices) != 2 {
		t.Errorf("expected a notice per commit, got %d", len(rec.notices))
	}
}

func TestReconcileDuplicateRollsBack(t *testing.T) {
	r, mem, rec := newTestReconciler(t)
	ctx := context.Background()

	cand := candidate("2025abc", "tns", "ZTF25x", "ztf")
	if err := r.Reconcile(ctx, cand); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := r.Reconcile(ctx, cand)
	if !errors.Is(err, ErrDuplicateCrossMatch) {
		t.Fatalf("expected ErrDuplicateCrossMatch, got %v", err)
	}
	// The error names the colliding hit and both identifiers.
	var dup *DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("duplicate lost its detail: %v", err)
	}
	if dup.XMatchID != "TXV-2025-000001" {
		t.Errorf("colliding hit = %q", dup.XMatchID)
	}
	if len(dup.ObjIDs) != 2 {
		t.Errorf("colliding identifiers = %v", dup.ObjIDs)
	}

	var hit schema.Hit
	if err := mem.Get(ctx, store.ScopeXMatch, store.CollHits, "TXV-2025-000001", &hit); err != nil {
		t.Fatalf("read hit: %v", err)
	}
	if len(hit.Identifiers) != 2 {
		t.Errorf("duplicate mutated the hit: %v", hit.Names())
	}
	if len(rec.notices) != 1 {
		t.Errorf("duplicate published a notice")
	}
}

func TestReconcileDistinctPairsMintSequentialIDs(t *testing.T) {
	r, mem, rec := newTestReconciler(t)
	ctx := context.Background()

	if err := r.Reconcile(ctx, candidate("2025abc", "tns", "ZTF25x", "ztf")); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := r.Reconcile(ctx, candidate("2025def", "tns", "ZTF25y", "ztf")); err != nil {
		t.Fatalf("second: %v", err)
	}
	for _, id := range []string{"TXV-2025-000001", "TXV-2025-000002"} {
		ok, err := mem.Exists(ctx, store.ScopeXMatch, store.CollHits, id)
		if err != nil || !ok {
			t.Errorf("hit %s missing (ok=%v err=%v)", id, ok, err)
		}
	}
	if len(rec.notices) != 2 {
		t.Errorf("expected 2 notices, got %d", len(rec.notices))
	}
}

func TestEnsureYearCounterIdempotent(t *testing.T) {
	r, mem, _ := newTestReconciler(t)
	ctx := context.Background()

	if err := r.Reconcile(ctx, candidate("2025abc", "tns", "ZTF25x", "ztf")); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	// Re-provisioning must not reset the counter.
	if err := r.EnsureYearCounter(ctx, 2025); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	var counter schema.IdxCounter
	if err := mem.Get(ctx, store.ScopeXMatch, store.CollIdx, "2025", &counter); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	if counter.CurrentIdx != 1 {
		t.Errorf("counter reset to %d", counter.CurrentIdx)
	}
}

func TestHandlerTreatsDuplicateAsHandled(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	var logs bytes.Buffer
	r.opts.Logger = log.NewLogfmtLogger(log.NewSyncWriter(&logs))
	handle := r.Handler()
	ctx := context.Background()

	payload, err := json.Marshal(candidate("2025abc", "tns", "ZTF25x", "ztf"))
	if err != nil {
		t.Fatal(err)
	}
	if err := handle(ctx, &sarama.ConsumerMessage{Value: payload}); err != nil {
		t.Fatalf("first: %v", err)
	}
	// The duplicate is terminal and handled, not an error to retry. It is
	// still reported loudly, with the colliding hit and both identifiers.
	if err := handle(ctx, &sarama.ConsumerMessage{Value: payload}); err != nil {
		t.Fatalf("duplicate surfaced as error: %v", err)
	}
	out := logs.String()
	for _, want := range []string{"level=error", "status=duplicate_cross_match", "xmatch_id=TXV-2025-000001", "obj_name=2025abc", "obj_name_2=ZTF25x"} {
		if !strings.Contains(out, want) {
			t.Errorf("duplicate log missing %q:\n%s", want, out)
		}
	}
	if err := handle(ctx, &sarama.ConsumerMessage{Value: []byte("not json")}); err == nil {
		t.Fatal("undecodable candidate not reported")
	}
}

func TestMatcherEmitsKeyedCandidates(t *testing.T) {
	rec := &candidateRecorder{}
	m := NewMatcher(MatcherOpts{
		RadiusArcsec: 5,
		Window:       48 * time.Hour,
		Workers:      1,
		Producer:     rec,
		Logger:       log.NewNopLogger(),
	})
	win := NewWindow(5, 48*time.Hour)

	m.match(win, detAt("ZTF25x", "ztf", 150.0, 20.0))
	m.match(win, detAt("2025abc", "tns", 150.0, 20.0005))

	if len(rec.payloads) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(rec.payloads))
	}
	if rec.topics[0] != TopicCandidates {
		t.Errorf("topic = %q", rec.topics[0])
	}
	var cand schema.MatchCandidate
	if err := json.Unmarshal(rec.payloads[0], &cand); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := cand.Validate(); err != nil {
		t.Errorf("emitted candidate invalid: %v", err)
	}
	// Canonical ordering puts the lexicographically smaller obj_id first and
	// keys the message with it.
	if cand.ObjID1 != "2025abc" || rec.keys[0] != "2025abc" {
		t.Errorf("ordering/key wrong: first=%q key=%q", cand.ObjID1, rec.keys[0])
	}
}

type candidateRecorder struct {
	topics   []string
	keys     []string
	payloads [][]byte
}

func (r *candidateRecorder) Forward(topic, key string, payload []byte) {
	r.topics = append(r.topics, topic)
	r.keys = append(r.keys, key)
	r.payloads = append(r.payloads, payload)
}
