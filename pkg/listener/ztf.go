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
	"fmt"

	"github.com/IBM/sarama"

	"github.com/tarxiv/tarxiv/pkg/astro"
	"github.com/tarxiv/tarxiv/pkg/schema"
)

// ztfAlert is the Fink broker alert envelope: the candidate block carries
// the latest detection's position and Julian date.
type ztfAlert struct {
	ObjectID  string `json:"objectId"`
	Candidate struct {
		RA  float64 `json:"ra"`
		Dec float64 `json:"dec"`
		JD  float64 `json:"jd"`
	} `json:"candidate"`
}

// ZTFHandler converts Fink broker alerts into detection events and forwards
// them. Plug it into a bus consumer group on the Fink topics.
func ZTFHandler(fwd *Forwarder) func(context.Context, *sarama.ConsumerMessage) error {
	return func(_ context.Context, msg *sarama.ConsumerMessage) error {
		var a ztfAlert
		if err := json.Unmarshal(msg.Value, &a); err != nil {
			payloadsSkipped.WithLabelValues(schema.SurveyZTF).Inc()
			return fmt.Errorf("decode fink alert: %w", err)
		}
		e := schema.DetectionEvent{
			ObjID:     a.ObjectID,
			Source:    schema.SurveyZTF,
			RADeg:     a.Candidate.RA,
			DecDeg:    a.Candidate.Dec,
			Timestamp: astro.FormatUTC(astro.MJDToTime(astro.JDToMJD(a.Candidate.JD))),
		}
		_ = fwd.Forward(e)
		return nil
	}
}
