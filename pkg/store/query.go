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

package store

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/tarxiv/tarxiv/pkg/schema"
)

// Operators accepted in search conditions. Anything else is rejected before
// a statement is built.
var validOperators = map[string]bool{
	"<": true, ">": true, "=": true, "<=": true, ">=": true,
	"IN": true, "LIKE": true,
}

// forbiddenLiterals are substrings that must never appear inside a query
// literal. Statements are parameterized, so these cannot break out anyway,
// but requests carrying them are hostile and refused outright.
var forbiddenLiterals = []string{";", "--", "/*", "*/"}

// fieldNameRe constrains condition field names to document field shape.
var fieldNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// FieldCondition is one predicate against an object-metadata field. The
// field's entries are attributed lists, so the predicate applies to the
// entry value; Filter additionally pins the photometric band on per-band
// fields like peak_mag.
type FieldCondition struct {
	Operator string `json:"operator"`
	Value    any    `json:"value"`
	Filter   string `json:"filter,omitempty"`
}

// SearchConditions maps document fields to the predicates they must satisfy.
// An object matches when every field has at least one satisfying entry.
type SearchConditions map[string][]FieldCondition

// Validate rejects malformed or hostile conditions.
func (c SearchConditions) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("no conditions given")
	}
	for field, conds := range c {
		if !fieldNameRe.MatchString(field) {
			return fmt.Errorf("invalid field name %q", field)
		}
		if len(conds) == 0 {
			return fmt.Errorf("field %q has no conditions", field)
		}
		for _, fc := range conds {
			if !validOperators[fc.Operator] {
				return fmt.Errorf("invalid operator %q on field %q", fc.Operator, field)
			}
			if fc.Operator == "IN" {
				list, ok := fc.Value.([]any)
				if !ok {
					return fmt.Errorf("IN condition on field %q needs a list value", field)
				}
				for _, v := range list {
					if err := screenLiteral(v); err != nil {
						return fmt.Errorf("field %q: %w", field, err)
					}
				}
			} else if err := screenLiteral(fc.Value); err != nil {
				return fmt.Errorf("field %q: %w", field, err)
			}
			if err := screenLiteral(fc.Filter); err != nil {
				return fmt.Errorf("field %q filter: %w", field, err)
			}
		}
	}
	return nil
}

func screenLiteral(v any) error {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	for _, bad := range forbiddenLiterals {
		if strings.Contains(s, bad) {
			return fmt.Errorf("literal %q contains forbidden sequence %q", s, bad)
		}
	}
	return nil
}

// BuildSearchStatement renders the conditions as a parameterized SQL++
// statement over the scope's objects collection. Fields are emitted in
// sorted order so the statement is deterministic.
func (c SearchConditions) BuildSearchStatement(bucket, scope string) (string, map[string]any, error) {
	if err := c.Validate(); err != nil {
		return "", nil, err
	}

	fields := make([]string, 0, len(c))
	for f := range c {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var (
		clauses []string
		params  = map[string]any{}
		n       int
	)
	for _, field := range fields {
		for _, fc := range c[field] {
			valP := fmt.Sprintf("p%d", n)
			n++
			preds := []string{fmt.Sprintf("x.`value` %s $%s", fc.Operator, valP)}
			params[valP] = fc.Value
			if fc.Filter != "" {
				fltP := fmt.Sprintf("p%d", n)
				n++
				preds = append(preds, fmt.Sprintf("x.`filter` = $%s", fltP))
				params[fltP] = fc.Filter
			}
			clauses = append(clauses, fmt.Sprintf("ANY x IN o.`%s` SATISFIES %s END", field, strings.Join(preds, " AND ")))
		}
	}

	stmt := fmt.Sprintf(
		"SELECT META(o).id AS id FROM `%s`.`%s`.`%s` o WHERE %s ORDER BY META(o).id",
		bucket, scope, CollObjects, strings.Join(clauses, " AND "),
	)
	return stmt, params, nil
}

// Match evaluates the conditions against one document. This is the memory
// implementation of the statement BuildSearchStatement produces.
func (c SearchConditions) Match(m *schema.ObjectMeta) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, err
	}
	for field, conds := range c {
		entries, ok := m.Field(field)
		if !ok || len(entries) == 0 {
			return false, nil
		}
		for _, fc := range conds {
			if !anyEntryMatches(entries, fc) {
				return false, nil
			}
		}
	}
	return true, nil
}

func anyEntryMatches(entries []schema.MetaEntry, fc FieldCondition) bool {
	for _, e := range entries {
		if fc.Filter != "" && e.Filter != fc.Filter {
			continue
		}
		if evalOp(fc.Operator, e.Value, fc.Value) {
			return true
		}
	}
	return false
}

// evalOp applies one whitelisted operator with JSON comparison semantics:
// numbers compare numerically across Go numeric types, everything else
// compares as strings.
func evalOp(op string, have, want any) bool {
	switch op {
	case "=":
		return jsonEqual(have, want)
	case "IN":
		list, ok := want.([]any)
		if !ok {
			return false
		}
		for _, w := range list {
			if jsonEqual(have, w) {
				return true
			}
		}
		return false
	case "LIKE":
		hs, ok1 := have.(string)
		ws, ok2 := want.(string)
		if !ok1 || !ok2 {
			return false
		}
		return likeMatch(hs, ws)
	case "<", ">", "<=", ">=":
		hf, ok1 := asFloat(have)
		wf, ok2 := asFloat(want)
		if !ok1 || !ok2 {
			return false
		}
		switch op {
		case "<":
			return hf < wf
		case ">":
			return hf > wf
		case "<=":
			return hf <= wf
		default:
			return hf >= wf
		}
	}
	return false
}

func jsonEqual(a, b any) bool {
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
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// likeMatch implements SQL LIKE: % matches any run, _ a single character,
// everything else is literal.
func likeMatch(s, pattern string) bool {
	var re strings.Builder
	re.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			re.WriteString(".*")
		case '_':
			re.WriteString(".")
		default:
			re.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	re.WriteString("$")
	matched, err := regexp.MatchString(re.String(), s)
	return err == nil && matched
}
