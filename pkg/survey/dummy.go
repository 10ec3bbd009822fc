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

	"github.com/tarxiv/tarxiv/pkg/schema"
)

// Dummy is the deterministic test source: it answers every query with the
// fixtures it was seeded with. End-to-end runs use it to exercise the
// pipeline without touching external services.
type Dummy struct {
	SurveyName string
	Meta       *schema.SurveyMeta
	Curve      schema.LightCurve
	Err        error
	Alerts     map[string]map[string]any
}

// NewDummy returns a test source named "test" with no fixtures; queries
// answer with a meta miss until fixtures are set.
func NewDummy() *Dummy {
	return &Dummy{SurveyName: schema.SurveyTest}
}

func (s *Dummy) Name() string { return s.SurveyName }

// GetObject returns the configured fixtures.
func (s *Dummy) GetObject(_ context.Context, objName string, _, _, _ float64) (*schema.SurveyMeta, schema.LightCurve, error) {
	if s.Err != nil {
		return s.Meta, s.Curve, s.Err
	}
	if s.Meta == nil {
		return nil, nil, ErrMetaMissing
	}
	return s.Meta, s.Curve, nil
}

// PullAlert returns the seeded raw alert, or a minimal synthetic payload so
// reconciler runs always have provenance to store.
func (s *Dummy) PullAlert(_ context.Context, objID string) (map[string]any, error) {
	if alert, ok := s.Alerts[objID]; ok {
		return alert, nil
	}
	return map[string]any{"obj_id": objID, "source": s.SurveyName}, nil
}
