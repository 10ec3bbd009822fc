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

package listener

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarxiv/tarxiv/pkg/schema"
	"github.com/tarxiv/tarxiv/pkg/survey"
)

func ptr(v float64) *float64 { return &v }

func TestTNSNamesHandlerForwardsResolvedNames(t *testing.T) {
	rec := &recordingProducer{}
	fwd := NewForwarder(rec, "detections", log.NewNopLogger())
	anchor := &survey.Dummy{
		SurveyName: schema.SurveyTNS,
		Meta: &schema.SurveyMeta{
			Survey:        schema.SurveyTNS,
			Identifiers:   []string{"2025abc"},
			RADeg:         ptr(150.0),
			DecDeg:        ptr(20.0),
			DiscoveryDate: "2024-07-09 00:00:00",
		},
	}
	handle := TNSNamesHandler(fwd, anchor, log.NewNopLogger())

	require.NoError(t, handle(context.Background(), []string{"2025abc"}))
	require.Len(t, rec.payloads, 1)

	var e schema.DetectionEvent
	require.NoError(t, json.Unmarshal(rec.payloads[0], &e))
	assert.Equal(t, "2025abc", e.ObjID)
	assert.Equal(t, schema.SurveyTNS, e.Source)
	assert.Equal(t, 150.0, e.RADeg)
	assert.Equal(t, "2024-07-09 00:00:00", e.Timestamp)
	// Declination 20 lands in degree band 110.
	assert.Equal(t, "110", rec.keys[0])
}

func TestTNSNamesHandlerUnknownNameRetries(t *testing.T) {
	rec := &recordingProducer{}
	fwd := NewForwarder(rec, "detections", log.NewNopLogger())
	handle := TNSNamesHandler(fwd, survey.NewDummy(), log.NewNopLogger())

	// The error keeps the mail unread so the next sweep retries after the
	// catalog catches up.
	require.Error(t, handle(context.Background(), []string{"2025zzz"}))
	assert.Empty(t, rec.payloads)
}

func TestTNSNamesHandlerSkipsPositionlessObject(t *testing.T) {
	rec := &recordingProducer{}
	fwd := NewForwarder(rec, "detections", log.NewNopLogger())
	anchor := &survey.Dummy{
		SurveyName: schema.SurveyTNS,
		Meta:       &schema.SurveyMeta{Survey: schema.SurveyTNS, Identifiers: []string{"2025abc"}},
	}
	handle := TNSNamesHandler(fwd, anchor, log.NewNopLogger())

	require.NoError(t, handle(context.Background(), []string{"2025abc"}))
	assert.Empty(t, rec.payloads)
}
