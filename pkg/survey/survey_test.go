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
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tarxiv/tarxiv/pkg/schema"
)

func TestTNSGetObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/get/object" {
			http.NotFound(w, r)
			return
		}
		if ua := r.Header.Get("User-Agent"); ua == "" || ua[:10] != "tns_marker" {
			t.Errorf("missing tns marker, got user agent %q", ua)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if r.PostForm.Get("api_key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data": {
			"objname": "2025abc", "name_prefix": "SN",
			"radeg": 180.0, "decdeg": 30.0,
			"ra": "12:00:00.00", "dec": "+30:00:00.0",
			"object_type": {"name": "SN Ia"},
			"discoverydate": "2025-06-01 12:00:00",
			"reporting_group": {"group_name": "ZTF"},
			"discovery_data_source": {"group_name": "ZTF"},
			"redshift": 0.05,
			"hostname": "NGC 1234"
		}}`))
	}))
	defer srv.Close()

	tns := NewTNS(TNSOpts{URL: srv.URL, APIKey: "secret", BotID: 1, BotName: "bot", RateLimit: 0.001})
	meta, lc, err := tns.GetObject(context.Background(), "2025abc", 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(lc) != 0 {
		t.Errorf("tns returned %d light-curve rows, want none", len(lc))
	}
	if meta.Identifiers[0] != "2025abc" || *meta.RADeg != 180.0 || *meta.DecDeg != 30.0 {
		t.Errorf("unexpected meta: %+v", meta)
	}
	if meta.ObjectType != "SN SN Ia" {
		t.Errorf("object type = %q", meta.ObjectType)
	}
	if *meta.Redshift != 0.05 || meta.HostNames[0] != "NGC 1234" {
		t.Errorf("redshift/host not carried: %+v", meta)
	}
}

func TestTNSMetaMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data": null}`))
	}))
	defer srv.Close()

	tns := NewTNS(TNSOpts{URL: srv.URL, APIKey: "secret", RateLimit: 0.001})
	_, _, err := tns.GetObject(context.Background(), "2099zzz", 0, 0, 0)
	if !errors.Is(err, ErrMetaMissing) {
		t.Fatalf("expected ErrMetaMissing, got %v", err)
	}
}

func TestATLASGetObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/cone/":
			_, _ = w.Write([]byte(`{"object": 1021}`))
		case "/objects/":
			_, _ = w.Write([]byte(`[{
				"object": {"id": 1021, "ra": 180.0, "dec": 30.0, "atlas_designation": "ATLAS25aa"},
				"sherlock_crossmatches": [{"z": 0.04}],
				"lc": [
					{"mjd": 60005.1, "mag": 19.8, "magerr": 0.1, "mag5sig": 20.4, "filter": "o", "expname": "02a60005o0441c", "major": 3.2},
					{"mjd": 60005.1, "mag": 19.8, "magerr": 0.1, "mag5sig": 20.4, "filter": "o", "expname": "02a60005o0441c", "major": 3.2}
				],
				"lcnondets": [
					{"mjd": 60001.2, "mag5sig": 20.6, "filter": "c", "expname": "01a60001o0300c"}
				]
			}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	atlas := NewATLAS(ATLASOpts{URL: srv.URL, Token: "tok"})
	meta, lc, err := atlas.GetObject(context.Background(), "2025abc", 180.0, 30.0, 15)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Identifiers[0] != "1021" || meta.Identifiers[1] != "ATLAS25aa" {
		t.Errorf("identifiers = %v", meta.Identifiers)
	}
	if *meta.Redshift != 0.04 {
		t.Errorf("redshift = %v", *meta.Redshift)
	}
	// The duplicated exposure collapses to one row plus the non-detection.
	if len(lc) != 2 {
		t.Fatalf("got %d rows, want 2: %+v", len(lc), lc)
	}
	nondet, det := lc[0], lc[1]
	if nondet.Detection != schema.NonDetection || nondet.Unit != "01a" || nondet.Night != "60001" {
		t.Errorf("non-detection row: %+v", nondet)
	}
	if det.Detection != schema.Detection || *det.Mag != 19.8 || det.Unit != "02a" || det.Night != "60005" {
		t.Errorf("detection row: %+v", det)
	}
}

func TestATLASMetaMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error": "nothing nearby"}`))
	}))
	defer srv.Close()

	atlas := NewATLAS(ATLASOpts{URL: srv.URL, Token: "tok"})
	_, _, err := atlas.GetObject(context.Background(), "2025abc", 10, 10, 15)
	if !errors.Is(err, ErrMetaMissing) {
		t.Fatalf("expected ErrMetaMissing, got %v", err)
	}
}

func TestFinkGetObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/conesearch":
			_, _ = w.Write([]byte(`[{"i:objectId": "ZTF25aaaaaaa"}]`))
		case "/api/v1/objects":
			_, _ = w.Write([]byte(`[
				{"i:objectId": "ZTF25aaaaaaa", "i:ra": 180.0, "i:dec": 30.0,
				 "i:magpsf": 19.5, "i:sigmapsf": 0.08, "i:fid": 1, "i:jd": 2460010.5,
				 "i:diffmaglim": 20.3, "d:tag": "valid",
				 "d:mangrove_2MASS_name": "2MASS J12", "d:mangrove_HyperLEDA_name": "None"},
				{"i:fid": 2, "i:jd": 2460008.5, "i:diffmaglim": 20.1, "d:tag": "upperlim"},
				{"i:fid": 2, "i:jd": 2460009.5, "i:magpsf": 19.9, "d:tag": "badquality"}
			]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	fink := NewFink(FinkOpts{URL: srv.URL})
	meta, lc, err := fink.GetObject(context.Background(), "2025abc", 180.0, 30.0, 15)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Identifiers[0] != "ZTF25aaaaaaa" {
		t.Errorf("identifiers = %v", meta.Identifiers)
	}
	if len(meta.HostNames) != 1 || meta.HostNames[0] != "2MASS J12" {
		t.Errorf("host names = %v", meta.HostNames)
	}
	// badquality dropped, the rest sorted by MJD.
	if len(lc) != 2 {
		t.Fatalf("got %d rows, want 2: %+v", len(lc), lc)
	}
	if lc[0].Detection != schema.NonDetection || lc[0].Filter != "R" {
		t.Errorf("limit row: %+v", lc[0])
	}
	if lc[1].Detection != schema.Detection || lc[1].Filter != "g" || math.Abs(lc[1].MJD-60010) > 1e-6 {
		t.Errorf("detection row: %+v", lc[1])
	}
}

func TestSkyPatrolGetObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"catalog_info": [{"asas_sn_id": 661526, "ra_deg": 180.0, "dec_deg": 30.0}],
			"data": [
				{"jd": 2460010.5, "mag": 17.1, "mag_err": 0.05, "limit": 18.5, "phot_filter": "g", "quality": "G", "camera": "bd"},
				{"jd": 2460011.5, "mag": 17.0, "mag_err": 0.05, "limit": 18.5, "phot_filter": "g", "quality": "B", "camera": "bd"},
				{"jd": 2460012.5, "mag": 21.0, "mag_err": 99.99, "limit": 18.4, "phot_filter": "g", "quality": "G", "camera": "bd"}
			]
		}`))
	}))
	defer srv.Close()

	sp := NewSkyPatrol(SkyPatrolOpts{URL: srv.URL})
	meta, lc, err := sp.GetObject(context.Background(), "2025abc", 180.0, 30.0, 15)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Identifiers[0] != "661526" {
		t.Errorf("identifiers = %v", meta.Identifiers)
	}
	// Bad-quality row dropped; the 99.99-error row demoted to non-detection.
	if len(lc) != 2 {
		t.Fatalf("got %d rows, want 2: %+v", len(lc), lc)
	}
	if lc[0].Detection != schema.Detection || *lc[0].Mag != 17.1 {
		t.Errorf("detection row: %+v", lc[0])
	}
	if lc[1].Detection != schema.NonDetection || lc[1].Mag != nil {
		t.Errorf("demoted row: %+v", lc[1])
	}
}

func TestAdapterHonorsContext(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	fink := NewFink(FinkOpts{URL: srv.URL})
	_, _, err := fink.GetObject(ctx, "2025abc", 0, 0, 15)
	if err == nil {
		t.Fatal("expected context error")
	}
}
