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

// Package survey implements the pull contract against the external surveys:
// given an object name and sky position, each adapter returns the survey's
// metadata and light curve in the canonical shape, normalized per the
// survey-specific quality rules.
package survey

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/tarxiv/tarxiv/pkg/schema"
)

// DefaultRadiusArcsec is the pull-contract cone radius when a caller does
// not override it.
const DefaultRadiusArcsec = 15.0

var (
	// ErrMetaMissing means the survey has no counterpart at the position.
	// This is a normal outcome, not a failure.
	ErrMetaMissing = errors.New("no match in survey")
	// ErrLightCurveMissing means the survey matched the position but has no
	// photometry for it. Recoverable; the object keeps whatever other
	// surveys returned.
	ErrLightCurveMissing = errors.New("match without photometry")
)

// Survey is the pull contract. GetObject returns (nil, nil, ErrMetaMissing)
// when the survey has no counterpart; a populated meta with an empty curve
// and ErrLightCurveMissing when photometry is absent. Any other error is a
// transport or parse failure.
type Survey interface {
	Name() string
	GetObject(ctx context.Context, objName string, raDeg, decDeg, radiusArcsec float64) (*schema.SurveyMeta, schema.LightCurve, error)
}

// AlertPuller fetches the full raw alert payload for provenance storage.
// Surveys without a raw-alert endpoint do not implement it; the reconciler
// then stores the detection event itself.
type AlertPuller interface {
	PullAlert(ctx context.Context, objID string) (map[string]any, error)
}

// httpClient is the slice of http.Client the adapters need; tests substitute
// a recording implementation.
type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// newHTTPClient returns the pooled transport shared by an adapter's calls.
func newHTTPClient(timeout time.Duration) *http.Client {
	c := cleanhttp.DefaultPooledClient()
	c.Timeout = timeout
	return c
}

// doJSON issues the request and decodes a JSON response body into out. The
// status code is returned so callers can classify non-2xx outcomes.
func doJSON(client httpClient, req *http.Request, out any) (int, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Bounded read keeps error messages useful without buffering a
		// runaway body.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("http %d: %s", resp.StatusCode, snippet)
	}
	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func postJSON(ctx context.Context, client httpClient, url string, body, out any) (int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON(client, req, out)
}

func postForm(ctx context.Context, client httpClient, urlStr string, form url.Values, header http.Header, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, urlStr, bytes.NewReader([]byte(form.Encode())))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return doJSON(client, req, out)
}

func getJSON(ctx context.Context, client httpClient, urlStr string, query url.Values, header http.Header, out any) (int, error) {
	if len(query) > 0 {
		urlStr += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return 0, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return doJSON(client, req, out)
}

func ptr(v float64) *float64 { return &v }
