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

package survey

import (
	"context"
	"fmt"
	"time"

	"github.com/tarxiv/tarxiv/pkg/astro"
	"github.com/tarxiv/tarxiv/pkg/schema"
)

// Fink queries the Fink broker for ZTF data: a cone search resolves the ZTF
// object id, the objects endpoint returns per-alert photometry with upper
// limits and the Mangrove host-galaxy crossmatch.
type Fink struct {
	url    string
	client httpClient
}

// FinkOpts configures the adapter.
type FinkOpts struct {
	URL     string
	Timeout time.Duration
}

// NewFink builds the adapter.
func NewFink(opts FinkOpts) *Fink {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Fink{url: opts.URL, client: newHTTPClient(opts.Timeout)}
}

func (s *Fink) Name() string { return schema.SurveyZTF }

// finkFilters maps the ZTF filter id to its band name.
var finkFilters = map[int]string{1: "g", 2: "R", 3: "i"}

type finkAlert struct {
	ObjectID   string   `json:"i:objectId"`
	RA         *float64 `json:"i:ra"`
	Dec        *float64 `json:"i:dec"`
	MagPSF     *float64 `json:"i:magpsf"`
	SigmaPSF   *float64 `json:"i:sigmapsf"`
	FilterID   int      `json:"i:fid"`
	JD         float64  `json:"i:jd"`
	DiffMagLim *float64 `json:"i:diffmaglim"`
	FWHM       *float64 `json:"i:fwhm"`
	Tag        string   `json:"d:tag"`

	Mangrove2MASS     string `json:"d:mangrove_2MASS_name"`
	MangroveHyperLEDA string `json:"d:mangrove_HyperLEDA_name"`
}

// GetObject implements the pull contract against the broker.
func (s *Fink) GetObject(ctx context.Context, objName string, raDeg, decDeg, radiusArcsec float64) (*schema.SurveyMeta, schema.LightCurve, error) {
	var matches []finkAlert
	_, err := postJSON(ctx, s.client, s.url+"/api/v1/conesearch", map[string]any{
		"ra":      raDeg,
		"dec":     decDeg,
		"radius":  radiusArcsec,
		"columns": "i:objectId",
	}, &matches)
	if err != nil {
		return nil, nil, fmt.Errorf("fink cone search %q: %w", objName, err)
	}
	if len(matches) == 0 {
		return nil, nil, fmt.Errorf("%w: ztf %q", ErrMetaMissing, objName)
	}
	ztfName := matches[0].ObjectID

	var alerts []finkAlert
	_, err = postJSON(ctx, s.client, s.url+"/api/v1/objects", map[string]any{
		"objectId":      ztfName,
		"withupperlim":  true,
		"output-format": "json",
	}, &alerts)
	if err != nil {
		return nil, nil, fmt.Errorf("fink objects %q: %w", ztfName, err)
	}
	meta := &schema.SurveyMeta{
		Survey:      schema.SurveyZTF,
		Identifiers: []string{ztfName},
	}
	if len(alerts) == 0 {
		return meta, nil, fmt.Errorf("%w: ztf %q", ErrLightCurveMissing, objName)
	}

	// Metadata repeats on every photometry line; the first row carries it.
	first := alerts[0]
	meta.RADeg = first.RA
	meta.DecDeg = first.Dec
	if first.Mangrove2MASS != "" && first.Mangrove2MASS != "None" {
		meta.HostNames = append(meta.HostNames, first.Mangrove2MASS)
	}
	if first.MangroveHyperLEDA != "" && first.MangroveHyperLEDA != "None" {
		meta.HostNames = append(meta.HostNames, first.MangroveHyperLEDA)
	}

	var lc schema.LightCurve
	for _, a := range alerts {
		var detection int
		switch a.Tag {
		case "valid":
			detection = schema.Detection
		case "upperlim":
			detection = schema.NonDetection
		default:
			// badquality rows are discarded.
			continue
		}
		row := schema.Row{
			MJD:       astro.JDToMJD(a.JD),
			Limit:     a.DiffMagLim,
			FWHM:      a.FWHM,
			Filter:    finkFilters[a.FilterID],
			Detection: detection,
			Unit:      "main",
			Survey:    schema.SurveyZTF,
		}
		if detection == schema.Detection {
			row.Mag = a.MagPSF
			row.MagErr = a.SigmaPSF
		}
		lc = append(lc, row)
	}
	lc.Sort()
	if len(lc) == 0 {
		return meta, nil, fmt.Errorf("%w: ztf %q", ErrLightCurveMissing, objName)
	}
	return meta, lc, nil
}

// PullAlert fetches the latest raw alert for provenance storage.
func (s *Fink) PullAlert(ctx context.Context, objID string) (map[string]any, error) {
	var alerts []map[string]any
	_, err := postJSON(ctx, s.client, s.url+"/api/v1/objects", map[string]any{
		"objectId":      objID,
		"output-format": "json",
	}, &alerts)
	if err != nil {
		return nil, fmt.Errorf("fink pull alert %q: %w", objID, err)
	}
	if len(alerts) == 0 {
		return nil, fmt.Errorf("%w: ztf alert %q", ErrMetaMissing, objID)
	}
	return alerts[0], nil
}
