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
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/samber/lo"

	"github.com/tarxiv/tarxiv/pkg/astro"
	"github.com/tarxiv/tarxiv/pkg/schema"
	"github.com/tarxiv/tarxiv/pkg/store"
	"github.com/tarxiv/tarxiv/pkg/survey"
)

// GroupReconciler is the consumer group the reconciler joins on the
// candidate topic.
const GroupReconciler = "xmatch_group"

// ErrDuplicateCrossMatch marks a candidate whose pair is already fully
// recorded on a hit. Terminal: the transaction rolls back, nothing retries.
var ErrDuplicateCrossMatch = errors.New("cross-match already recorded")

// DuplicateError carries the hit a duplicate pair already lives on, so the
// report names every colliding identifier.
type DuplicateError struct {
	XMatchID string
	ObjIDs   []string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("cross-match %v already recorded on %s", e.ObjIDs, e.XMatchID)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicateCrossMatch }

// Reconciler folds match candidates into durable cross-match hits: minting
// TXV identifiers for new pairs, extending existing hits with new
// identifiers, and publishing a change notice per committed hit.
type Reconciler struct {
	opts ReconcilerOpts
}

// ReconcilerOpts configures the reconciler.
type ReconcilerOpts struct {
	Store store.Store
	// Notices receives one message per committed hit. Nil disables
	// publishing, which one-shot runs use.
	Notices interface {
		Publish(topic string, notice any)
	}
	// NoticeTopic is the community broker topic for cross-match notices.
	NoticeTopic string
	// Pullers resolves a survey name to its raw-alert source. Surveys
	// without one get the detection event archived instead.
	Pullers map[string]survey.AlertPuller
	// Citations resolves a survey name to its citation records.
	Citations func(survey string) []schema.Citation
	// IDWidth is how many base-36 digits the minted identifier index has.
	IDWidth int
	Logger  log.Logger

	// NowFunc supplies the clock for minting years and updated_at stamps;
	// tests pin it.
	NowFunc func() time.Time
}

// NewReconciler builds a reconciler.
func NewReconciler(opts ReconcilerOpts) *Reconciler {
	if opts.NowFunc == nil {
		opts.NowFunc = time.Now
	}
	if opts.Citations == nil {
		opts.Citations = func(string) []schema.Citation { return nil }
	}
	return &Reconciler{opts: opts}
}

// EnsureYearCounter provisions the identifier counter document for the given
// year if it does not exist yet. Called at startup so the minting transaction
// never races a counter bootstrap.
func (r *Reconciler) EnsureYearCounter(ctx context.Context, year int) error {
	err := r.opts.Store.Insert(ctx, store.ScopeXMatch, store.CollIdx, fmt.Sprintf("%04d", year), schema.IdxCounter{})
	if errors.Is(err, store.ErrExists) {
		return nil
	}
	return err
}

// Handler decodes and reconciles one candidate per bus message. Errors are
// returned for the consumer's accounting; the offset is committed either way,
// so a failed candidate is logged and lost, never wedged.
func (r *Reconciler) Handler() func(ctx context.Context, msg *sarama.ConsumerMessage) error {
	return func(ctx context.Context, msg *sarama.ConsumerMessage) error {
		var cand schema.MatchCandidate
		if err := json.Unmarshal(msg.Value, &cand); err != nil {
			reconcileOutcomes.WithLabelValues(outcomeInvalid).Inc()
			return fmt.Errorf("decode candidate: %w", err)
		}
		if err := cand.Validate(); err != nil {
			reconcileOutcomes.WithLabelValues(outcomeInvalid).Inc()
			return fmt.Errorf("invalid candidate: %w", err)
		}
		err := r.Reconcile(ctx, cand)
		switch {
		case errors.Is(err, ErrDuplicateCrossMatch):
			reconcileOutcomes.WithLabelValues(outcomeDuplicate).Inc()
			kv := []any{"status", "duplicate_cross_match", "obj_name", cand.ObjID1, "obj_name_2", cand.ObjID2}
			var dup *DuplicateError
			if errors.As(err, &dup) {
				kv = append(kv, "xmatch_id", dup.XMatchID)
			}
			_ = level.Error(r.opts.Logger).Log(kv...)
			return nil
		case err != nil:
			reconcileOutcomes.WithLabelValues(outcomeError).Inc()
			return err
		}
		return nil
	}
}

// Reconcile records one candidate in the catalog and publishes a notice for
// the touched hit.
func (r *Reconciler) Reconcile(ctx context.Context, cand schema.MatchCandidate) error {
	first, second := cand.First(), cand.Second()
	alerts := map[string]map[string]any{
		first.ObjID:  r.pullAlert(ctx, first),
		second.ObjID: r.pullAlert(ctx, second),
	}

	var (
		xmatchID string
		hit      schema.Hit
		created  bool
	)
	err := r.opts.Store.Transaction(ctx, func(tx store.Tx) error {
		ids, err := tx.HitsByName(store.ScopeXMatch, []string{first.ObjID, second.ObjID})
		if err != nil {
			return fmt.Errorf("look up hits: %w", err)
		}
		if len(ids) == 0 {
			created = true
			xmatchID, hit, err = r.create(tx, first, second, alerts)
			return err
		}
		if len(ids) > 1 {
			// Two hits each carrying one side of the pair. Picking the first
			// and extending it links the pair without merging documents.
			_ = level.Warn(r.opts.Logger).Log(
				"status", "hit_collision",
				"obj_name", first.ObjID,
				"obj_name_2", second.ObjID,
				"hit_count", len(ids),
			)
		}
		xmatchID = ids[0]
		hit, err = r.extend(tx, xmatchID, first, second, alerts)
		return err
	})
	if err != nil {
		return err
	}

	if created {
		reconcileOutcomes.WithLabelValues(outcomeCreated).Inc()
		_ = level.Info(r.opts.Logger).Log("status", "cross_match_created", "xmatch_id", xmatchID, "obj_name", first.ObjID, "obj_name_2", second.ObjID)
	} else {
		reconcileOutcomes.WithLabelValues(outcomeExtended).Inc()
		_ = level.Info(r.opts.Logger).Log("status", "cross_match_extended", "xmatch_id", xmatchID, "obj_name", first.ObjID, "obj_name_2", second.ObjID)
	}
	if r.opts.Notices != nil {
		r.opts.Notices.Publish(r.opts.NoticeTopic, schema.XMatchNotice{XMatchID: xmatchID, Hit: hit})
	}
	return nil
}

// create mints a fresh TXV identifier from the year counter and inserts a hit
// carrying both sides of the pair.
func (r *Reconciler) create(tx store.Tx, first, second schema.DetectionEvent, alerts map[string]map[string]any) (string, schema.Hit, error) {
	year := r.opts.NowFunc().UTC().Year()
	key := fmt.Sprintf("%04d", year)

	var counter schema.IdxCounter
	provisioned := true
	if err := tx.Get(store.ScopeXMatch, store.CollIdx, key, &counter); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return "", schema.Hit{}, fmt.Errorf("read idx %s: %w", key, err)
		}
		provisioned = false
	}
	counter.CurrentIdx++
	xmatchID, err := astro.XMatchID(year, counter.CurrentIdx, r.opts.IDWidth)
	if err != nil {
		return "", schema.Hit{}, err
	}
	if provisioned {
		err = tx.Replace(store.ScopeXMatch, store.CollIdx, key, counter)
	} else {
		err = tx.Insert(store.ScopeXMatch, store.CollIdx, key, counter)
	}
	if err != nil {
		return "", schema.Hit{}, fmt.Errorf("advance idx %s: %w", key, err)
	}

	hit := schema.NewHit()
	for _, e := range []schema.DetectionEvent{first, second} {
		hms, dms := astro.DegToSexagesimal(e.RADeg, e.DecDeg)
		hit.AppendDetection(e, hms, dms, r.opts.Citations(e.Source))
		if err := r.archiveAlert(tx, e.ObjID, alerts[e.ObjID]); err != nil {
			return "", schema.Hit{}, err
		}
	}
	hit.UpdatedAt = astro.FormatUTC(r.opts.NowFunc())
	if err := tx.Insert(store.ScopeXMatch, store.CollHits, xmatchID, hit); err != nil {
		return "", schema.Hit{}, fmt.Errorf("insert hit %s: %w", xmatchID, err)
	}
	return xmatchID, *hit, nil
}

// extend folds the pair's unrecorded identifiers into an existing hit. A pair
// whose identifiers are all present already is a duplicate candidate.
func (r *Reconciler) extend(tx store.Tx, xmatchID string, first, second schema.DetectionEvent, alerts map[string]map[string]any) (schema.Hit, error) {
	var hit schema.Hit
	if err := tx.Get(store.ScopeXMatch, store.CollHits, xmatchID, &hit); err != nil {
		return schema.Hit{}, fmt.Errorf("read hit %s: %w", xmatchID, err)
	}
	missing := hit.MissingNames([]string{first.ObjID, second.ObjID})
	if len(missing) == 0 {
		return schema.Hit{}, &DuplicateError{XMatchID: xmatchID, ObjIDs: []string{first.ObjID, second.ObjID}}
	}
	for _, e := range []schema.DetectionEvent{first, second} {
		if !lo.Contains(missing, e.ObjID) {
			continue
		}
		hms, dms := astro.DegToSexagesimal(e.RADeg, e.DecDeg)
		hit.AppendDetection(e, hms, dms, r.opts.Citations(e.Source))
		if err := r.archiveAlert(tx, e.ObjID, alerts[e.ObjID]); err != nil {
			return schema.Hit{}, err
		}
	}
	hit.UpdatedAt = astro.FormatUTC(r.opts.NowFunc())
	if err := tx.Replace(store.ScopeXMatch, store.CollHits, xmatchID, hit); err != nil {
		return schema.Hit{}, fmt.Errorf("replace hit %s: %w", xmatchID, err)
	}
	return hit, nil
}

// archiveAlert stores the raw alert behind one side of a pair, keeping the
// first archived alert when the identifier reappears.
func (r *Reconciler) archiveAlert(tx store.Tx, objID string, alert map[string]any) error {
	var existing map[string]any
	err := tx.Get(store.ScopeXMatch, store.CollAlerts, objID, &existing)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("check alert %s: %w", objID, err)
	}
	if err := tx.Insert(store.ScopeXMatch, store.CollAlerts, objID, alert); err != nil {
		return fmt.Errorf("archive alert %s: %w", objID, err)
	}
	return nil
}

// pullAlert fetches the raw alert behind a detection. Sources without a
// puller, and pull failures, archive the detection event itself so the hit
// always has provenance.
func (r *Reconciler) pullAlert(ctx context.Context, e schema.DetectionEvent) map[string]any {
	if puller, ok := r.opts.Pullers[e.Source]; ok {
		alert, err := puller.PullAlert(ctx, e.ObjID)
		if err == nil {
			return alert
		}
		_ = level.Warn(r.opts.Logger).Log(
			"status", "alert_pull_failed",
			"obj_name", e.ObjID,
			"source", e.Source,
			"error_message", err.Error(),
		)
	}
	return map[string]any{
		"obj_id":    e.ObjID,
		"source":    e.Source,
		"ra_deg":    e.RADeg,
		"dec_deg":   e.DecDeg,
		"timestamp": e.Timestamp,
	}
}
