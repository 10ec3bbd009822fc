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
	"sort"
)

// Detection flag values on light-curve rows.
const (
	NonDetection = 0
	Detection    = 1
)

// Row is one photometric measurement in a fused light curve. Detections
// carry mag/mag_err; non-detections carry the limiting magnitude instead.
// Absent values are nil and persist as JSON null. Night identifies the
// observing night for surveys that visit a field several times per night;
// the rate computation collapses those to nightly medians.
type Row struct {
	MJD       float64  `json:"mjd"`
	Mag       *float64 `json:"mag"`
	MagErr    *float64 `json:"mag_err"`
	Limit     *float64 `json:"limit"`
	FWHM      *float64 `json:"fwhm"`
	Filter    string   `json:"filter"`
	Detection int      `json:"detection"`
	Unit      string   `json:"unit"`
	Survey    string   `json:"survey"`
	Night     string   `json:"night,omitempty"`
}

// LightCurve is the fused, time-ordered photometry of one object. The
// document stored in the lightcurves collection is this slice verbatim.
type LightCurve []Row

// Sort orders rows by MJD ascending, keeping arrival order for ties.
func (lc LightCurve) Sort() {
	sort.SliceStable(lc, func(i, j int) bool { return lc[i].MJD < lc[j].MJD })
}

// Sanitize fixes known upstream glitches in place: a magnitude below -10 is a
// sign error and is replaced with its absolute value.
func (lc LightCurve) Sanitize() {
	for i := range lc {
		if lc[i].Mag != nil && *lc[i].Mag < -10 {
			v := -*lc[i].Mag
			lc[i].Mag = &v
		}
	}
}

// Detections returns the rows flagged as real detections.
func (lc LightCurve) Detections() LightCurve {
	var out LightCurve
	for _, r := range lc {
		if r.Detection == Detection {
			out = append(out, r)
		}
	}
	return out
}

// NonDetections returns the upper-limit rows.
func (lc LightCurve) NonDetections() LightCurve {
	var out LightCurve
	for _, r := range lc {
		if r.Detection == NonDetection {
			out = append(out, r)
		}
	}
	return out
}

// Surveys lists the distinct surveys contributing rows, in first-seen order.
func (lc LightCurve) Surveys() []string {
	var out []string
	seen := map[string]bool{}
	for _, r := range lc {
		if !seen[r.Survey] {
			seen[r.Survey] = true
			out = append(out, r.Survey)
		}
	}
	return out
}
