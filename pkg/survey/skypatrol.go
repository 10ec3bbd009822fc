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
	"regexp"
	"strconv"
	"time"

	"github.com/tarxiv/tarxiv/pkg/astro"
	"github.com/tarxiv/tarxiv/pkg/schema"
)

// SkyPatrol queries the ASAS-SN SkyPatrol service with an ADQL cone search
// over the master list and downloads the matched light curves.
type SkyPatrol struct {
	url    string
	client httpClient
}

// SkyPatrolOpts configures the adapter.
type SkyPatrolOpts struct {
	URL     string
	Timeout time.Duration
}

// NewSkyPatrol builds the adapter.
func NewSkyPatrol(opts SkyPatrolOpts) *SkyPatrol {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	return &SkyPatrol{url: opts.URL, client: newHTTPClient(opts.Timeout)}
}

func (s *SkyPatrol) Name() string { return schema.SurveyASASSN }

var whitespaceRe = regexp.MustCompile(`\s+`)

// coneQuery renders the master-list ADQL statement. Values are numeric and
// formatted by us, so the statement cannot carry injected text.
func coneQuery(raDeg, decDeg, radiusArcsec float64) string {
	q := fmt.Sprintf(
		`WITH sources AS (
			SELECT asas_sn_id, ra_deg, dec_deg, catalog_sources,
				DISTANCE(ra_deg, dec_deg, %v, %v) AS angular_dist
			FROM master_list
		)
		SELECT * FROM sources
		WHERE angular_dist <= ARCSEC(%v)
		ORDER BY angular_dist ASC`,
		raDeg, decDeg, radiusArcsec,
	)
	return whitespaceRe.ReplaceAllString(q, " ")
}

type skyPatrolResponse struct {
	Catalog []struct {
		ID     int64    `json:"asas_sn_id"`
		RADeg  *float64 `json:"ra_deg"`
		DecDeg *float64 `json:"dec_deg"`
	} `json:"catalog_info"`
	Data []struct {
		JD      float64  `json:"jd"`
		Mag     *float64 `json:"mag"`
		MagErr  *float64 `json:"mag_err"`
		Limit   *float64 `json:"limit"`
		FWHM    *float64 `json:"fwhm"`
		Filter  string   `json:"phot_filter"`
		Quality string   `json:"quality"`
		Camera  string   `json:"camera"`
	} `json:"data"`
}

// GetObject implements the pull contract against SkyPatrol.
func (s *SkyPatrol) GetObject(ctx context.Context, objName string, raDeg, decDeg, radiusArcsec float64) (*schema.SurveyMeta, schema.LightCurve, error) {
	var resp skyPatrolResponse
	_, err := postJSON(ctx, s.client, s.url+"/lookup_adql", map[string]any{
		"query":    coneQuery(raDeg, decDeg, radiusArcsec),
		"download": true,
	}, &resp)
	if err != nil {
		return nil, nil, fmt.Errorf("skypatrol query %q: %w", objName, err)
	}
	if len(resp.Catalog) == 0 {
		return nil, nil, fmt.Errorf("%w: asas-sn %q", ErrMetaMissing, objName)
	}

	nearest := resp.Catalog[0]
	meta := &schema.SurveyMeta{
		Survey:      schema.SurveyASASSN,
		Identifiers: []string{strconv.FormatInt(nearest.ID, 10)},
		RADeg:       nearest.RADeg,
		DecDeg:      nearest.DecDeg,
	}
	if len(resp.Data) == 0 {
		// Master-list entries sometimes have no photometry behind them.
		return meta, nil, fmt.Errorf("%w: asas-sn %q", ErrLightCurveMissing, objName)
	}

	var lc schema.LightCurve
	for _, d := range resp.Data {
		// Bad-image rows never leave the adapter.
		if d.Quality == "B" {
			continue
		}
		row := schema.Row{
			MJD:       astro.JDToMJD(d.JD),
			Limit:     d.Limit,
			FWHM:      d.FWHM,
			Filter:    d.Filter,
			Detection: schema.Detection,
			Unit:      d.Camera,
			Survey:    schema.SurveyASASSN,
		}
		// An error above 99 mag flags a non-detection row; the reported
		// magnitude is meaningless then.
		if d.MagErr == nil || *d.MagErr > 99 {
			row.Detection = schema.NonDetection
		} else {
			row.Mag = d.Mag
			row.MagErr = d.MagErr
		}
		lc = append(lc, row)
	}
	lc.Sort()
	if len(lc) == 0 {
		return meta, nil, fmt.Errorf("%w: asas-sn %q", ErrLightCurveMissing, objName)
	}
	return meta, lc, nil
}
