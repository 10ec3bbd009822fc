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
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/tarxiv/tarxiv/pkg/schema"
)

// TNS is the Transient Name Server adapter. It anchors the light-curve
// pipeline: lookups go by object name, return authoritative coordinates and
// discovery metadata, and never carry photometry.
type TNS struct {
	url     string
	apiKey  string
	marker  string
	client  httpClient
	limiter *rate.Limiter
}

// TNSOpts configures the adapter. BotID and BotName identify the registered
// TNS bot; the server rejects unmarked requests.
type TNSOpts struct {
	URL     string
	APIKey  string
	BotID   int
	BotName string
	// RateLimit is the minimum delay between requests in seconds. TNS bans
	// bots that poll faster.
	RateLimit float64
	Timeout   time.Duration
}

// NewTNS builds the adapter.
func NewTNS(opts TNSOpts) *TNS {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 3
	}
	marker, _ := json.Marshal(map[string]any{
		"tns_id": opts.BotID,
		"type":   "bot",
		"name":   opts.BotName,
	})
	return &TNS{
		url:     opts.URL,
		apiKey:  opts.APIKey,
		marker:  "tns_marker" + string(marker),
		client:  newHTTPClient(opts.Timeout),
		limiter: rate.NewLimiter(rate.Every(time.Duration(opts.RateLimit*float64(time.Second))), 1),
	}
}

func (s *TNS) Name() string { return schema.SurveyTNS }

// tnsObjectResponse mirrors the fields of api/get/object the pipeline uses.
type tnsObjectResponse struct {
	Data *struct {
		ObjName    string   `json:"objname"`
		NamePrefix string   `json:"name_prefix"`
		RADeg      *float64 `json:"radeg"`
		DecDeg     *float64 `json:"decdeg"`
		RA         string   `json:"ra"`
		Dec        string   `json:"dec"`
		ObjectType struct {
			Name string `json:"name"`
		} `json:"object_type"`
		DiscoveryDate  string `json:"discoverydate"`
		TimeReceived   string `json:"time_received"`
		ReportingGroup struct {
			GroupName string `json:"group_name"`
		} `json:"reporting_group"`
		DiscoveryDataSource struct {
			GroupName string `json:"group_name"`
		} `json:"discovery_data_source"`
		Redshift *float64 `json:"redshift"`
		HostName *string  `json:"hostname"`
	} `json:"data"`
}

// GetObject resolves a TNS name. The position arguments are ignored; TNS is
// queried by name and is the source of the position everyone else gets.
func (s *TNS) GetObject(ctx context.Context, objName string, _, _, _ float64) (*schema.SurveyMeta, schema.LightCurve, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}

	request, err := json.Marshal(map[string]string{
		"objid":      "",
		"objname":    objName,
		"photometry": "0",
		"spectra":    "0",
	})
	if err != nil {
		return nil, nil, err
	}
	form := url.Values{
		"api_key": {s.apiKey},
		"data":    {string(request)},
	}
	header := http.Header{"User-Agent": {s.marker}}

	var resp tnsObjectResponse
	code, err := postForm(ctx, s.client, s.url+"/api/get/object", form, header, &resp)
	if code == http.StatusNotFound || code == http.StatusUnauthorized {
		return nil, nil, fmt.Errorf("%w: tns %q", ErrMetaMissing, objName)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("tns query %q: %w", objName, err)
	}
	if resp.Data == nil || resp.Data.ObjName == "" {
		return nil, nil, fmt.Errorf("%w: tns %q", ErrMetaMissing, objName)
	}

	d := resp.Data
	meta := &schema.SurveyMeta{
		Survey:              schema.SurveyTNS,
		Identifiers:         []string{d.ObjName},
		RADeg:               d.RADeg,
		DecDeg:              d.DecDeg,
		RAHMS:               d.RA,
		DecDMS:              d.Dec,
		DiscoveryDate:       d.DiscoveryDate,
		ReportingDate:       d.TimeReceived,
		ReportingGroup:      d.ReportingGroup.GroupName,
		DiscoveryDataSource: d.DiscoveryDataSource.GroupName,
		Redshift:            d.Redshift,
	}
	// The name prefix (AT/SN) and the classified type are both reported as
	// object_type entries, anchor first.
	if d.NamePrefix != "" {
		meta.ObjectType = d.NamePrefix
	}
	if d.ObjectType.Name != "" {
		if meta.ObjectType != "" {
			meta.ObjectType += " " + d.ObjectType.Name
		} else {
			meta.ObjectType = d.ObjectType.Name
		}
	}
	if d.HostName != nil && *d.HostName != "" {
		meta.HostNames = []string{*d.HostName}
	}
	return meta, nil, nil
}
