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

// Package lightcurve fuses per-survey photometry and metadata into the
// canonical object documents: anchor lookup, parallel secondary pulls, merge,
// time windowing, derived metrics and the change summary published downstream.
package lightcurve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alitto/pond"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/tarxiv/tarxiv/pkg/astro"
	"github.com/tarxiv/tarxiv/pkg/schema"
	"github.com/tarxiv/tarxiv/pkg/store"
	"github.com/tarxiv/tarxiv/pkg/survey"
)

var (
	objectsBuilt = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tarxiv_lightcurve_objects_built_total",
		Help: "Object builds by outcome.",
	}, []string{"outcome"})
	surveyPulls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tarxiv_lightcurve_survey_pulls_total",
		Help: "Secondary survey pulls by survey and outcome.",
	}, []string{"survey", "outcome"})
	sweepObjects = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tarxiv_lightcurve_sweep_objects",
		Help: "Objects queued by the most recent active-object sweep.",
	})
)

// RegisterMetrics registers the fusion collectors.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(objectsBuilt, surveyPulls, sweepObjects)
}

// Builder fuses one object's survey data into its catalog documents.
type Builder struct {
	opts BuilderOpts
}

// BuilderOpts configures the fusion builder.
type BuilderOpts struct {
	// Anchor resolves the primary name to the authoritative position.
	Anchor survey.Survey
	// Secondaries are pulled in parallel once the position is known.
	Secondaries []survey.Survey
	Store       store.Store
	// Notices receives substantive change summaries. Nil disables
	// publishing.
	Notices interface {
		Publish(topic string, notice any)
	}
	// NoticeTopic is the community broker topic for metadata updates.
	NoticeTopic string
	// Citations resolves a survey name to its citation records.
	Citations func(survey string) []schema.Citation

	RadiusArcsec float64
	PriorDays    float64
	ActiveDays   float64
	// Workers bounds the sweep's parallelism.
	Workers int

	Logger log.Logger
	// NowFunc supplies the summary timestamps; tests pin it.
	NowFunc func() time.Time
}

// NewBuilder builds a fusion builder.
func NewBuilder(opts BuilderOpts) *Builder {
	if opts.RadiusArcsec == 0 {
		opts.RadiusArcsec = survey.DefaultRadiusArcsec
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.NowFunc == nil {
		opts.NowFunc = time.Now
	}
	if opts.Citations == nil {
		opts.Citations = func(string) []schema.Citation { return nil }
	}
	return &Builder{opts: opts}
}

// pullResult is one secondary adapter's contribution, kept in adapter order
// so merges stay deterministic.
type pullResult struct {
	meta *schema.SurveyMeta
	lc   schema.LightCurve
}

// BuildObject implements the fusion path for one primary name: anchor lookup,
// parallel secondary pulls, metadata merge, light-curve fusion with derived
// metrics, persistence and the change summary. Unknown names return
// survey.ErrMetaMissing.
func (b *Builder) BuildObject(ctx context.Context, objName string) (*schema.ObjectMeta, schema.LightCurve, schema.ChangeSummary, error) {
	anchorMeta, anchorLC, err := b.opts.Anchor.GetObject(ctx, objName, 0, 0, b.opts.RadiusArcsec)
	if err != nil && !errors.Is(err, survey.ErrLightCurveMissing) {
		objectsBuilt.WithLabelValues("anchor_missing").Inc()
		return nil, nil, schema.ChangeSummary{}, fmt.Errorf("anchor lookup %q: %w", objName, err)
	}
	if anchorMeta.RADeg == nil || anchorMeta.DecDeg == nil {
		objectsBuilt.WithLabelValues("anchor_missing").Inc()
		return nil, nil, schema.ChangeSummary{}, fmt.Errorf("anchor %q has no position: %w", objName, survey.ErrMetaMissing)
	}
	ra, dec := *anchorMeta.RADeg, *anchorMeta.DecDeg

	results := make([]pullResult, len(b.opts.Secondaries))
	g, gctx := errgroup.WithContext(ctx)
	for i, sv := range b.opts.Secondaries {
		g.Go(func() error {
			meta, lc, err := sv.GetObject(gctx, objName, ra, dec, b.opts.RadiusArcsec)
			switch {
			case errors.Is(err, survey.ErrMetaMissing):
				surveyPulls.WithLabelValues(sv.Name(), "no_match").Inc()
				return nil
			case errors.Is(err, survey.ErrLightCurveMissing):
				surveyPulls.WithLabelValues(sv.Name(), "meta_only").Inc()
			case err != nil:
				// A survey outage degrades the document, it does not fail
				// the build; the next rebuild backfills.
				surveyPulls.WithLabelValues(sv.Name(), "error").Inc()
				_ = level.Warn(b.opts.Logger).Log(
					"status", "survey_pull_failed",
					"obj_name", objName,
					"survey", sv.Name(),
					"error_message", err.Error(),
				)
				return nil
			default:
				surveyPulls.WithLabelValues(sv.Name(), "ok").Inc()
			}
			results[i] = pullResult{meta: meta, lc: lc}
			return nil
		})
	}
	_ = g.Wait()

	meta := &schema.ObjectMeta{}
	meta.Merge(anchorMeta, b.opts.Citations(anchorMeta.Survey))
	fused := append(schema.LightCurve{}, anchorLC...)
	for _, res := range results {
		if res.meta == nil {
			continue
		}
		meta.Merge(res.meta, b.opts.Citations(res.meta.Survey))
		fused = append(fused, res.lc...)
	}

	fused.Sanitize()
	fused.Sort()
	fused = TimeWindow(fused, b.anchorDates(meta), b.opts.PriorDays, b.opts.ActiveDays)
	Derive(meta, fused)

	summary, err := b.persist(ctx, objName, meta, fused)
	if err != nil {
		objectsBuilt.WithLabelValues("store_error").Inc()
		return nil, nil, schema.ChangeSummary{}, err
	}
	objectsBuilt.WithLabelValues("ok").Inc()
	_ = level.Info(b.opts.Logger).Log(
		"status", "object_built",
		"obj_name", objName,
		"surveys", len(fused.Surveys()),
		"rows", len(fused),
		"change_status", summary.Status,
	)
	return meta, fused, summary, nil
}

// anchorDates collects every parseable discovery and reporting date as an
// MJD; the time window opens around each of them. Late reports keep their
// follow-up photometry even when it falls far past discovery.
func (b *Builder) anchorDates(meta *schema.ObjectMeta) []float64 {
	var anchors []float64
	for _, list := range [][]schema.MetaEntry{meta.DiscoveryDate, meta.ReportingDate} {
		for _, e := range list {
			s, ok := e.Value.(string)
			if !ok {
				continue
			}
			t, err := astro.ParseInstant(s)
			if err != nil {
				continue
			}
			anchors = append(anchors, astro.TimeToMJD(t))
		}
	}
	return anchors
}

// persist diffs against the stored document, cleans and writes both
// documents, and publishes the summary when it is substantive.
func (b *Builder) persist(ctx context.Context, objName string, meta *schema.ObjectMeta, lc schema.LightCurve) (schema.ChangeSummary, error) {
	var stored *schema.ObjectMeta
	var prev schema.ObjectMeta
	err := b.opts.Store.Get(ctx, store.ScopeTNS, store.CollObjects, objName, &prev)
	switch {
	case err == nil:
		stored = &prev
	case errors.Is(err, store.ErrNotFound):
	default:
		return schema.ChangeSummary{}, fmt.Errorf("read stored %q: %w", objName, err)
	}

	summary := Summarize(objName, stored, meta, astro.FormatUTC(b.opts.NowFunc()))
	meta.Clean()
	if err := b.opts.Store.Upsert(ctx, store.ScopeTNS, store.CollObjects, objName, meta); err != nil {
		return schema.ChangeSummary{}, fmt.Errorf("upsert objects %q: %w", objName, err)
	}
	if err := b.opts.Store.Upsert(ctx, store.ScopeTNS, store.CollLightcurves, objName, lc); err != nil {
		return schema.ChangeSummary{}, fmt.Errorf("upsert lightcurves %q: %w", objName, err)
	}
	if b.opts.Notices != nil && summary.Substantive() {
		b.opts.Notices.Publish(b.opts.NoticeTopic, summary)
	}
	return summary, nil
}

// HandleNames builds each mail-notified object. Unknown names are normal:
// alerts race TNS ingestion, so they are logged and skipped. Other failures
// join into the returned error so the mail stays queued for a retry.
func (b *Builder) HandleNames(ctx context.Context, names []string) error {
	var errs []error
	for _, name := range names {
		_, _, _, err := b.BuildObject(ctx, name)
		switch {
		case errors.Is(err, survey.ErrMetaMissing):
			_ = level.Warn(b.opts.Logger).Log("status", "unknown_object", "obj_name", name)
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Sweep rebuilds every active object on a bounded worker pool.
func (b *Builder) Sweep(ctx context.Context) error {
	ids, err := b.opts.Store.ActiveObjects(ctx, store.ScopeTNS, int(b.opts.ActiveDays))
	if err != nil {
		return fmt.Errorf("list active objects: %w", err)
	}
	return b.rebuild(ctx, ids)
}

// SweepAll rebuilds the whole catalog regardless of activity. Used for
// backfills after schema or derivation changes.
func (b *Builder) SweepAll(ctx context.Context) error {
	ids, err := b.opts.Store.AllObjects(ctx, store.ScopeTNS)
	if err != nil {
		return fmt.Errorf("list objects: %w", err)
	}
	return b.rebuild(ctx, ids)
}

func (b *Builder) rebuild(ctx context.Context, ids []string) error {
	sweepObjects.Set(float64(len(ids)))
	_ = level.Info(b.opts.Logger).Log("status", "sweep_started", "count", len(ids))

	pool := pond.New(b.opts.Workers, len(ids)+1)
	defer pool.StopAndWait()
	for _, id := range ids {
		pool.Submit(func() {
			if _, _, _, err := b.BuildObject(ctx, id); err != nil {
				_ = level.Warn(b.opts.Logger).Log("status", "sweep_build_failed", "obj_name", id, "error_message", err.Error())
			}
		})
	}
	return nil
}

// RunSweeps runs a sweep immediately and then on every tick until the context
// is cancelled. With all set, every sweep covers the whole catalog.
func (b *Builder) RunSweeps(ctx context.Context, interval time.Duration, all bool) error {
	sweep := b.Sweep
	if all {
		sweep = b.SweepAll
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := sweep(ctx); err != nil {
			_ = level.Error(b.opts.Logger).Log("status", "sweep_failed", "error_message", err.Error())
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}
