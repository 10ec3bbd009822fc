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
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tarxiv/tarxiv/pkg/schema"
)

// ATLAS queries the ATLAS transient web server: a cone search resolves the
// nearest object id, a second call returns its metadata, detections and
// non-detections.
type ATLAS struct {
	url    string
	token  string
	client httpClient
}

// ATLASOpts configures the adapter. Token is the web-server API token from
// the environment.
type ATLASOpts struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// NewATLAS builds the adapter.
func NewATLAS(opts ATLASOpts) *ATLAS {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	return &ATLAS{url: opts.URL, token: opts.Token, client: newHTTPClient(opts.Timeout)}
}

func (s *ATLAS) Name() string { return schema.SurveyATLAS }

func (s *ATLAS) authHeader() http.Header {
	return http.Header{"Authorization": {"Token " + s.token}}
}

type atlasConeResponse struct {
	Object *int64 `json:"object"`
}

type atlasDetection struct {
	MJD     float64  `json:"mjd"`
	Mag     *float64 `json:"mag"`
	MagErr  *float64 `json:"magerr"`
	Mag5Sig *float64 `json:"mag5sig"`
	Filter  string   `json:"filter"`
	ExpName string   `json:"expname"`
	Major   *float64 `json:"major"`
}

type atlasObjectResponse struct {
	Object struct {
		ID               int64    `json:"id"`
		RA               *float64 `json:"ra"`
		Dec              *float64 `json:"dec"`
		AtlasDesignation *string  `json:"atlas_designation"`
	} `json:"object"`
	SherlockCrossmatches []struct {
		Z *float64 `json:"z"`
	} `json:"sherlock_crossmatches"`
	LC        []atlasDetection `json:"lc"`
	LCNonDets []atlasDetection `json:"lcnondets"`
}

// GetObject implements the pull contract against the web server.
func (s *ATLAS) GetObject(ctx context.Context, objName string, raDeg, decDeg, radiusArcsec float64) (*schema.SurveyMeta, schema.LightCurve, error) {
	form := url.Values{
		"ra":          {strconv.FormatFloat(raDeg, 'f', -1, 64)},
		"dec":         {strconv.FormatFloat(decDeg, 'f', -1, 64)},
		"radius":      {strconv.FormatFloat(radiusArcsec, 'f', -1, 64)},
		"requestType": {"nearest"},
	}
	var cone atlasConeResponse
	if _, err := postForm(ctx, s.client, s.url+"/cone/", form, s.authHeader(), &cone); err != nil {
		return nil, nil, fmt.Errorf("atlas cone search %q: %w", objName, err)
	}
	if cone.Object == nil {
		return nil, nil, fmt.Errorf("%w: atlas %q", ErrMetaMissing, objName)
	}

	var objects []atlasObjectResponse
	query := url.Values{"objects": {strconv.FormatInt(*cone.Object, 10)}}
	code, err := getJSON(ctx, s.client, s.url+"/objects/", query, s.authHeader(), &objects)
	if err != nil || len(objects) == 0 {
		if code == http.StatusGatewayTimeout {
			// The web server times out assembling very long curves; the
			// match stands, the photometry is a gap.
			return atlasMeta(*cone.Object, nil), nil, fmt.Errorf("%w: atlas %q", ErrLightCurveMissing, objName)
		}
		if err == nil {
			err = fmt.Errorf("empty response")
		}
		return nil, nil, fmt.Errorf("atlas objects %d: %w", *cone.Object, err)
	}

	result := &objects[0]
	meta := atlasMeta(result.Object.ID, result)
	lc := atlasCurve(result)
	if len(lc) == 0 {
		return meta, nil, fmt.Errorf("%w: atlas %q", ErrLightCurveMissing, objName)
	}
	return meta, lc, nil
}

func atlasMeta(id int64, result *atlasObjectResponse) *schema.SurveyMeta {
	meta := &schema.SurveyMeta{
		Survey:      schema.SurveyATLAS,
		Identifiers: []string{strconv.FormatInt(id, 10)},
	}
	if result == nil {
		return meta
	}
	meta.RADeg = result.Object.RA
	meta.DecDeg = result.Object.Dec
	if result.Object.AtlasDesignation != nil && *result.Object.AtlasDesignation != "" {
		meta.Identifiers = append(meta.Identifiers, *result.Object.AtlasDesignation)
	}
	if len(result.SherlockCrossmatches) > 0 && result.SherlockCrossmatches[0].Z != nil {
		meta.Redshift = result.SherlockCrossmatches[0].Z
	}
	return meta
}

// atlasCurve normalizes detections and non-detections into canonical rows.
// The first three characters of the exposure name are the telescope unit and
// the following five the observing night; per-exposure duplicates collapse
// to their first occurrence.
func atlasCurve(result *atlasObjectResponse) schema.LightCurve {
	var lc schema.LightCurve
	seen := map[string]bool{}
	add := func(d atlasDetection, detection int) {
		if d.ExpName != "" && seen[d.ExpName] {
			return
		}
		seen[d.ExpName] = true
		row := schema.Row{
			MJD:       d.MJD,
			Limit:     d.Mag5Sig,
			Filter:    d.Filter,
			Detection: detection,
			Unit:      "main",
			Survey:    schema.SurveyATLAS,
		}
		if detection == schema.Detection {
			row.Mag = d.Mag
			row.MagErr = d.MagErr
			row.FWHM = d.Major
		}
		if len(d.ExpName) >= 3 {
			row.Unit = d.ExpName[:3]
		}
		if len(d.ExpName) >= 8 {
			row.Night = d.ExpName[3:8]
		}
		lc = append(lc, row)
	}
	for _, d := range result.LC {
		add(d, schema.Detection)
	}
	for _, d := range result.LCNonDets {
		add(d, schema.NonDetection)
	}
	lc.Sort()
	return lc
}
