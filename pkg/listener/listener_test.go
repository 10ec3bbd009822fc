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

	"github.com/IBM/sarama"
	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"

	"github.com/tarxiv/tarxiv/pkg/schema"
)

func TestExtractNames(t *testing.T) {
	for _, tc := range []struct {
		doc  string
		body string
		want []string
	}{
		{
			doc: "anchor text wins over the raw body",
			body: `<html><body>
				New transients:
				<a href="https://www.wis-tns.org/object/2025abc">2025abc</a>,
				<a href="https://www.wis-tns.org/object/2025xy">SN 2025xy</a>
			</body></html>`,
			want: []string{"2025abc", "SN 2025xy"},
		},
		{
			doc:  "plain text falls back to the designation pattern",
			body: "AT 2025abc was reported at 10:02:11, same field as 2024xy.",
			want: []string{"2025abc", "2024xy"},
		},
		{
			doc: "duplicate links collapse",
			body: `<a href="/object/2025abc">2025abc</a>
				<a href="/object/2025abc">2025abc</a>`,
			want: []string{"2025abc"},
		},
		{
			doc:  "no names",
			body: "weekly digest, nothing new",
			want: nil,
		},
	} {
		t.Run(tc.doc, func(t *testing.T) {
			got := ExtractNames(tc.body)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("names mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// recordingProducer captures Forward calls for assertions.
type recordingProducer struct {
	topics   []string
	keys     []string
	payloads [][]byte
}

func (p *recordingProducer) Forward(topic, key string, payload []byte) {
	p.topics = append(p.topics, topic)
	p.keys = append(p.keys, key)
	p.payloads = append(p.payloads, payload)
}

func TestForwarderKeysByDecBand(t *testing.T) {
	rec := &recordingProducer{}
	fwd := NewForwarder(rec, "detections", log.NewNopLogger())

	err := fwd.Forward(schema.DetectionEvent{
		ObjID:     "2025abc",
		Source:    schema.SurveyZTF,
		RADeg:     150.1,
		DecDeg:    -12.7,
		Timestamp: "2025-06-01 12:00:00",
	})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if len(rec.payloads) != 1 {
		t.Fatalf("expected 1 message, got %d", len(rec.payloads))
	}
	if rec.topics[0] != "detections" {
		t.Errorf("unexpected topic %q", rec.topics[0])
	}
	// Dec -12.7 falls in degree band floor(-12.7)+90 = 77.
	if rec.keys[0] != "77" {
		t.Errorf("unexpected key %q", rec.keys[0])
	}
	var got schema.DetectionEvent
	if err := json.Unmarshal(rec.payloads[0], &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.ObjID != "2025abc" || got.Source != schema.SurveyZTF {
		t.Errorf("payload round-trip mismatch: %+v", got)
	}
}

func TestForwarderDropsInvalidEvent(t *testing.T) {
	rec := &recordingProducer{}
	fwd := NewForwarder(rec, "detections", log.NewNopLogger())

	err := fwd.Forward(schema.DetectionEvent{Source: schema.SurveyZTF, DecDeg: 200})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if len(rec.payloads) != 0 {
		t.Fatalf("invalid event reached the bus: %d messages", len(rec.payloads))
	}
}

func TestLSSTHandler(t *testing.T) {
	rec := &recordingProducer{}
	fwd := NewForwarder(rec, "detections", log.NewNopLogger())
	handle := LSSTHandler(fwd)

	payload := []byte(`{"diaObjectId": 3093906367545667586, "ra": 150.5, "decl": 2.2, "lastDiaSourceMjdTai": 60500.0}`)
	if err := handle(context.Background(), &sarama.ConsumerMessage{Value: payload}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(rec.payloads) != 1 {
		t.Fatalf("expected 1 forwarded event, got %d", len(rec.payloads))
	}
	var e schema.DetectionEvent
	if err := json.Unmarshal(rec.payloads[0], &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// json.Number keeps the id exact; float64 would have rounded it.
	if e.ObjID != "3093906367545667586" {
		t.Errorf("object id mangled: %q", e.ObjID)
	}
	if e.Source != schema.SurveyLSST {
		t.Errorf("unexpected source %q", e.Source)
	}
	if e.Timestamp != "2024-07-09 00:00:00" {
		t.Errorf("unexpected timestamp %q", e.Timestamp)
	}
}

func TestLSSTHandlerBadPayloadStillConsumed(t *testing.T) {
	fwd := NewForwarder(&recordingProducer{}, "detections", log.NewNopLogger())
	handle := LSSTHandler(fwd)
	if err := handle(context.Background(), &sarama.ConsumerMessage{Value: []byte("not json")}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestZTFHandler(t *testing.T) {
	rec := &recordingProducer{}
	fwd := NewForwarder(rec, "detections", log.NewNopLogger())
	handle := ZTFHandler(fwd)

	payload := []byte(`{"objectId": "ZTF25aabcxyz", "candidate": {"ra": 210.0, "dec": 45.5, "jd": 2460500.5}}`)
	if err := handle(context.Background(), &sarama.ConsumerMessage{Value: payload}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(rec.payloads) != 1 {
		t.Fatalf("expected 1 forwarded event, got %d", len(rec.payloads))
	}
	var e schema.DetectionEvent
	if err := json.Unmarshal(rec.payloads[0], &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.ObjID != "ZTF25aabcxyz" || e.Source != schema.SurveyZTF {
		t.Errorf("event mismatch: %+v", e)
	}
	// JD 2460500.5 is MJD 60500.
	if e.Timestamp != "2024-07-09 00:00:00" {
		t.Errorf("unexpected timestamp %q", e.Timestamp)
	}
	if rec.keys[0] != "135" {
		t.Errorf("unexpected key %q", rec.keys[0])
	}
}

func TestMessageBodyDecodesNestedParts(t *testing.T) {
	// Exercised indirectly through the Gmail poller; the decoding is pure.
	body := messageBody(nil)
	if body != "" {
		t.Errorf("nil part should decode to empty, got %q", body)
	}
}
