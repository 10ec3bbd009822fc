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

// lsstPayload is the Lasair broker message for one LSST DIA object update.
// Object ids arrive as JSON numbers; json.Number keeps the full precision.
type lsstPayload struct {
	DIAObjectID         json.Number `json:"diaObjectId"`
	RA                  float64     `json:"ra"`
	Decl                float64     `json:"decl"`
	LastDiaSourceMjdTai float64     `json:"lastDiaSourceMjdTai"`
}

// LSSTHandler converts Lasair broker messages into detection events and
// forwards them. Plug it into a bus consumer group on the Lasair topic.
func LSSTHandler(fwd *Forwarder) func(context.Context, *sarama.ConsumerMessage) error {
	return func(_ context.Context, msg *sarama.ConsumerMessage) error {
		var p lsstPayload
		if err := json.Unmarshal(msg.Value, &p); err != nil {
			payloadsSkipped.WithLabelValues(schema.SurveyLSST).Inc()
			return fmt.Errorf("decode lasair payload: %w", err)
		}
		e := schema.DetectionEvent{
			ObjID:     p.DIAObjectID.String(),
			Source:    schema.SurveyLSST,
			RADeg:     p.RA,
			DecDeg:    p.Decl,
			Timestamp: astro.FormatUTC(astro.MJDToTime(p.LastDiaSourceMjdTai)),
		}
		// Forward logs and counts its own drops; the message is consumed
		// either way.
		_ = fwd.Forward(e)
		return nil
	}
}
