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

package lightcurve

import (
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/tarxiv/tarxiv/pkg/astro"
	"github.com/tarxiv/tarxiv/pkg/schema"
)

// groupKey identifies one (filter, survey) photometry group.
type groupKey struct {
	filter string
	survey string
}

// Derive appends the dynamic fields to the metadata: per (filter, survey)
// group the peak magnitude, the latest detection with its magnitude rate, the
// latest non-detection, and the direction of the latest change.
func Derive(meta *schema.ObjectMeta, lc schema.LightCurve) {
	groups := map[groupKey]schema.LightCurve{}
	for _, r := range lc {
		k := groupKey{filter: r.Filter, survey: r.Survey}
		groups[k] = append(groups[k], r)
	}
	keys := lo.Keys(groups)
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].filter != keys[j].filter {
			return keys[i].filter < keys[j].filter
		}
		return keys[i].survey < keys[j].survey
	})

	for _, k := range keys {
		rows := groups[k]
		rows.Sort()
		dets := rows.Detections()
		nondets := rows.NonDetections()

		if len(dets) > 0 {
			peak := lo.MinBy(dets, func(a, b schema.Row) bool { return *a.Mag < *b.Mag })
			meta.PeakMag = append(meta.PeakMag, entryFor(k, *peak.Mag, peak.MJD))

			latest := dets[len(dets)-1]
			meta.LatestDetection = append(meta.LatestDetection, entryFor(k, *latest.Mag, latest.MJD))

			if len(dets) > 1 {
				direction := "fading"
				if *latest.Mag-*dets[len(dets)-2].Mag > 0 {
					direction = "increasing"
				}
				meta.LatestChange = append(meta.LatestChange, entryFor(k, direction, latest.MJD))
			}
			if rate, ok := magRate(k, dets, nondets); ok {
				meta.MagRate = append(meta.MagRate, entryFor(k, rate, latest.MJD))
			}
		}
		if len(nondets) > 0 {
			last := nondets[len(nondets)-1]
			if last.Limit != nil {
				meta.LatestNonDetection = append(meta.LatestNonDetection, entryFor(k, *last.Limit, last.MJD))
			}
		}
	}
}

func entryFor(k groupKey, value any, mjd float64) schema.MetaEntry {
	return schema.MetaEntry{
		Value:  value,
		Source: k.survey,
		Date:   astro.MJDToUTC(mjd),
		Filter: k.filter,
	}
}

// ratePoint is one (mjd, mag) sample feeding the rate computation.
type ratePoint struct {
	mjd float64
	mag float64
}

// magRate computes the magnitude change rate at the latest detection in
// magnitudes per day, negated so a brightening object has a positive rate.
// ATLAS visits a field several times per night, so its samples collapse to
// nightly medians first; other surveys drop duplicate-MJD rows. A prior
// non-detection deeper than the earliest detection is prepended as a sample,
// capturing the rise from below the survey's limit.
func magRate(k groupKey, dets, nondets schema.LightCurve) (float64, bool) {
	var pts []ratePoint
	if k.survey == schema.SurveyATLAS {
		pts = nightlyMedians(dets)
	} else {
		seen := map[float64]bool{}
		for _, r := range dets {
			if seen[r.MJD] {
				continue
			}
			seen[r.MJD] = true
			pts = append(pts, ratePoint{mjd: r.MJD, mag: *r.Mag})
		}
	}
	if len(pts) == 0 {
		return 0, false
	}

	if prior, ok := deeperPriorNonDetection(nondets, pts[0]); ok {
		pts = append([]ratePoint{prior}, pts...)
	}
	if len(pts) < 2 {
		return 0, false
	}
	last, prev := pts[len(pts)-1], pts[len(pts)-2]
	if last.mjd == prev.mjd {
		return 0, false
	}
	return -(last.mag - prev.mag) / (last.mjd - prev.mjd), true
}

// deeperPriorNonDetection returns the latest non-detection before the first
// detection whose limit is deeper (numerically larger) than the detection's
// magnitude, rendered as a rate sample.
func deeperPriorNonDetection(nondets schema.LightCurve, first ratePoint) (ratePoint, bool) {
	var (
		best  ratePoint
		found bool
	)
	for _, r := range nondets {
		if r.Limit == nil || r.MJD >= first.mjd || *r.Limit <= first.mag {
			continue
		}
		if !found || r.MJD > best.mjd {
			best = ratePoint{mjd: r.MJD, mag: *r.Limit}
			found = true
		}
	}
	return best, found
}

// nightlyMedians collapses detections to one sample per observing night:
// the median MJD and median magnitude of the night's rows. Rows without a
// night label fall back to the whole-day MJD.
func nightlyMedians(dets schema.LightCurve) []ratePoint {
	nights := map[string]schema.LightCurve{}
	for _, r := range dets {
		night := r.Night
		if night == "" {
			night = fmt.Sprintf("%d", int(r.MJD))
		}
		nights[night] = append(nights[night], r)
	}

	pts := make([]ratePoint, 0, len(nights))
	for _, rows := range nights {
		mjds := make([]float64, len(rows))
		mags := make([]float64, len(rows))
		for i, r := range rows {
			mjds[i] = r.MJD
			mags[i] = *r.Mag
		}
		pts = append(pts, ratePoint{mjd: median(mjds), mag: median(mags)})
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].mjd < pts[j].mjd })
	return pts
}

func median(vs []float64) float64 {
	sort.Float64s(vs)
	n := len(vs)
	if n%2 == 1 {
		return vs[n/2]
	}
	return (vs[n/2-1] + vs[n/2]) / 2
}

// TimeWindow retains rows whose MJD falls within [anchor−prior, anchor+active]
// of any anchor date. With no anchors the curve passes through unchanged.
func TimeWindow(lc schema.LightCurve, anchors []float64, priorDays, activeDays float64) schema.LightCurve {
	if len(anchors) == 0 {
		return lc
	}
	var out schema.LightCurve
	for _, r := range lc {
		for _, a := range anchors {
			if a-r.MJD <= priorDays && r.MJD-a <= activeDays {
				out = append(out, r)
				break
			}
		}
	}
	return out
}
