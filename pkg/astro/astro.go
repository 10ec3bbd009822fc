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

// Package astro provides the small set of positional-astronomy primitives the
// pipeline relies on: conversions between modified Julian dates and wall-clock
// instants, sexagesimal coordinate formatting, and angular separations on the
// celestial sphere.
package astro

import (
	"fmt"
	"math"
	"time"

	"github.com/soniakeys/meeus/v3/julian"
	"github.com/soniakeys/unit"
)

// mjdEpoch is the Julian date of the modified Julian date zero point,
// 1858-11-17T00:00:00 UTC.
const mjdEpoch = 2400000.5

// catalogTimeLayout is how instants are rendered in catalog documents:
// ISO-8601 with the "T" separator replaced by a space and no sub-second part.
const catalogTimeLayout = "2006-01-02 15:04:05"

// MJDToTime converts a modified Julian date to a UTC instant.
func MJDToTime(mjd float64) time.Time {
	return julian.JDToTime(mjd + mjdEpoch)
}

// TimeToMJD converts an instant to a modified Julian date.
func TimeToMJD(t time.Time) float64 {
	return julian.TimeToJD(t) - mjdEpoch
}

// JDToMJD converts a Julian date to a modified Julian date.
func JDToMJD(jd float64) float64 {
	return jd - mjdEpoch
}

// FormatUTC renders an instant the way catalog documents store timestamps.
func FormatUTC(t time.Time) string {
	return t.UTC().Format(catalogTimeLayout)
}

// MJDToUTC renders a modified Julian date as a catalog timestamp, rounded to
// the nearest second to hide floating-point noise in the day fraction.
func MJDToUTC(mjd float64) string {
	return FormatUTC(MJDToTime(mjd).Round(time.Second))
}

// instantLayouts are the timestamp shapes accepted on the detection bus.
// Listeners emit ISO-8601 with a "T" separator; catalog documents use a
// space. Fractional seconds and a trailing zone designator are optional.
var instantLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseInstant parses a detection timestamp in any of the accepted shapes.
// Instants without an explicit zone are interpreted as UTC.
func ParseInstant(s string) (time.Time, error) {
	var firstErr error
	for _, layout := range instantLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized instant %q: %w", s, firstErr)
}

// DegToSexagesimal converts decimal-degree equatorial coordinates to the
// sexagesimal strings stored on cross-match hits: right ascension as
// "HH:MM:SS.SS" and declination as "+DD:MM:SS.S" (always signed).
func DegToSexagesimal(raDeg, decDeg float64) (hms, dms string) {
	// Round in the smallest displayed unit first so that carries propagate
	// cleanly through seconds and minutes.
	raCS := int64(math.Round(unit.RAFromDeg(raDeg).Hour() * 3600 * 100))
	raCS %= 24 * 3600 * 100
	if raCS < 0 {
		raCS += 24 * 3600 * 100
	}
	hms = fmt.Sprintf("%02d:%02d:%05.2f",
		raCS/(3600*100), raCS/(60*100)%60, float64(raCS%(60*100))/100)

	sign := "+"
	if decDeg < 0 {
		sign = "-"
	}
	decDS := int64(math.Round(math.Abs(decDeg) * 3600 * 10))
	dms = fmt.Sprintf("%s%02d:%02d:%04.1f",
		sign, decDS/(3600*10), decDS/(60*10)%60, float64(decDS%(60*10))/10)
	return hms, dms
}

// Separation returns the angular distance between two sky positions given in
// decimal degrees, following the spherical law of cosines:
//
//	arccos(sin δ₁ sin δ₂ + cos δ₁ cos δ₂ cos(α₁−α₂))
//
// The result is symmetric in its arguments; callers usually compare
// Separation(...).Sec() against a radius in arcseconds.
func Separation(raDeg1, decDeg1, raDeg2, decDeg2 float64) unit.Angle {
	ra1 := unit.AngleFromDeg(raDeg1).Rad()
	dec1 := unit.AngleFromDeg(decDeg1).Rad()
	ra2 := unit.AngleFromDeg(raDeg2).Rad()
	dec2 := unit.AngleFromDeg(decDeg2).Rad()

	c := math.Sin(dec1)*math.Sin(dec2) + math.Cos(dec1)*math.Cos(dec2)*math.Cos(ra1-ra2)
	// Guard against |c| creeping above 1 through rounding, which would make
	// Acos return NaN for identical positions.
	c = math.Max(-1, math.Min(1, c))
	return unit.Angle(math.Acos(c))
}

// DecBand returns the millidegree declination bucket a position falls in.
// Quantizing to three decimal places matches the coarse pre-filter applied
// before exact separations are computed.
func DecBand(decDeg float64) int {
	return int(math.Floor(decDeg * 1000))
}

// BandSpan returns how many neighboring millidegree buckets a search radius
// in arcseconds can reach across in declination.
func BandSpan(radiusArcsec float64) int {
	return int(math.Ceil(unit.AngleFromSec(radiusArcsec).Deg() * 1000))
}

// DecDegreeBand maps a declination to one of the 180 whole-degree bands used
// to partition the matcher. Values outside [-90, 90) clamp to the edges.
func DecDegreeBand(decDeg float64) int {
	band := int(math.Floor(decDeg)) + 90
	if band < 0 {
		return 0
	}
	if band > 179 {
		return 179
	}
	return band
}
