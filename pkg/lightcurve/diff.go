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

package lightcurve

import (
	"github.com/tarxiv/tarxiv/pkg/schema"
)

// watchedFields are the metadata fields whose changes make a rebuild worth
// announcing. Everything else churns on every rebuild.
var watchedFields = []string{
	"identifiers",
	"object_type",
	"host_name",
	"redshift",
	"latest_detection",
}

// Summarize structurally diffs the stored metadata against the fresh build,
// restricted to the watched fields. Entry order within a field is ignored; an
// entry counts once per value, source, filter and date.
func Summarize(objName string, stored, fresh *schema.ObjectMeta, timestamp string) schema.ChangeSummary {
	summary := schema.ChangeSummary{
		ObjName:   objName,
		Status:    schema.StatusUpdatedEntry,
		Timestamp: timestamp,
	}
	if stored == nil {
		summary.Status = schema.StatusNewEntry
		stored = &schema.ObjectMeta{}
	}
	for _, field := range watchedFields {
		before, _ := stored.Field(field)
		after, _ := fresh.Field(field)
		added := entriesMissingFrom(before, after)
		removed := entriesMissingFrom(after, before)
		if len(added) > 0 || len(removed) > 0 {
			summary.Changed = append(summary.Changed, schema.FieldChange{
				Field:   field,
				Added:   added,
				Removed: removed,
			})
		}
	}
	return summary
}

// entriesMissingFrom returns the entries of list absent from base.
func entriesMissingFrom(base, list []schema.MetaEntry) []schema.MetaEntry {
	var out []schema.MetaEntry
	for _, e := range list {
		found := false
		for _, have := range base {
			if entryEqual(have, e) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, e)
		}
	}
	return out
}

// entryEqual compares two attributed entries with JSON semantics: numeric
// values compare numerically so a document read back from the store matches
// the freshly built one.
func entryEqual(a, b schema.MetaEntry) bool {
	if a.Source != b.Source || a.Filter != b.Filter || a.Date != b.Date {
		return false
	}
	return valueEqual(a.Value, b.Value)
}

func valueEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		return ok && af == bf
	}
	as, ok1 := a.(string)
	bs, ok2 := b.(string)
	if ok1 && ok2 {
		return as == bs
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
