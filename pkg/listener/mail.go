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
	"errors"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/tarxiv/tarxiv/pkg/astro"
	"github.com/tarxiv/tarxiv/pkg/schema"
	"github.com/tarxiv/tarxiv/pkg/survey"
)

// TNSNamesHandler bridges the mail listeners onto the detection bus: each
// mail-notified name is resolved against the anchor catalog and forwarded as
// a detection event, so anchor objects participate in cross-matching like any
// survey stream. Names the catalog does not know yet are left for the next
// poll; alert mails race the catalog's own ingestion.
func TNSNamesHandler(fwd *Forwarder, anchor survey.Survey, logger log.Logger) MailHandler {
	return func(ctx context.Context, names []string) error {
		var errs []error
		for _, name := range names {
			meta, _, err := anchor.GetObject(ctx, name, 0, 0, survey.DefaultRadiusArcsec)
			switch {
			case errors.Is(err, survey.ErrMetaMissing):
				errs = append(errs, err)
				_ = level.Warn(logger).Log("status", "object_not_in_catalog_yet", "obj_name", name)
				continue
			case err != nil && !errors.Is(err, survey.ErrLightCurveMissing):
				errs = append(errs, err)
				_ = level.Warn(logger).Log("status", "anchor_lookup_failed", "obj_name", name, "error_message", err.Error())
				continue
			}
			if meta.RADeg == nil || meta.DecDeg == nil {
				payloadsSkipped.WithLabelValues(anchor.Name()).Inc()
				continue
			}
			ts := meta.DiscoveryDate
			if ts == "" {
				ts = astro.FormatUTC(time.Now())
			}
			_ = fwd.Forward(schema.DetectionEvent{
				ObjID:     name,
				Source:    anchor.Name(),
				RADeg:     *meta.RADeg,
				DecDeg:    *meta.DecDeg,
				Timestamp: ts,
			})
		}
		return errors.Join(errs...)
	}
}
