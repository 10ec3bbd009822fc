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

// Package store is the catalog layer: one bucket, one scope per catalog,
// fixed collections per scope. The Couchbase implementation talks to the
// production cluster; the memory implementation backs tests and local runs.
package store

import (
	"context"
	"errors"
)

// Scopes (catalogs) inside the tarxiv bucket.
const (
	ScopeTNS        = "tns"
	ScopeXMatch     = "xmatch"
	ScopeDetections = "detections"
)

// Collections inside a scope.
const (
	CollObjects     = "objects"
	CollLightcurves = "lightcurves"
	CollHits        = "hits"
	CollAlerts      = "alerts"
	CollIdx         = "idx"
)

// DefaultBucket is the bucket every catalog lives in.
const DefaultBucket = "tarxiv"

var (
	// ErrNotFound is returned when a document id does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrExists is returned by Insert when the id is already taken.
	ErrExists = errors.New("document already exists")
	// ErrTxFailed is returned when a transaction rolled back; the work did
	// not happen and may be retried with fresh reads.
	ErrTxFailed = errors.New("transaction failed")
	// ErrCommitAmbiguous is returned when a transaction may or may not have
	// committed. Callers must not blindly retry non-idempotent work.
	ErrCommitAmbiguous = errors.New("transaction commit ambiguous")
)

// ConeMatch is one object returned by a cone search, ordered by separation.
type ConeMatch struct {
	ID         string  `json:"obj_id"`
	RADeg      float64 `json:"ra_deg"`
	DecDeg     float64 `json:"dec_deg"`
	Separation float64 `json:"separation_arcsec"`
}

// Tx is the handle passed to a transaction function. Replace requires a
// prior Get of the same document within the transaction; implementations
// reject blind replaces so optimistic concurrency checks always apply.
type Tx interface {
	Get(scope, collection, id string, out any) error
	Insert(scope, collection, id string, doc any) error
	Replace(scope, collection, id string, doc any) error
	// HitsByName returns the ids of hit documents carrying any of the given
	// identifiers.
	HitsByName(scope string, names []string) ([]string, error)
}

// Store is the catalog interface shared by the Couchbase and memory
// implementations.
type Store interface {
	Get(ctx context.Context, scope, collection, id string, out any) error
	Upsert(ctx context.Context, scope, collection, id string, doc any) error
	Insert(ctx context.Context, scope, collection, id string, doc any) error
	Exists(ctx context.Context, scope, collection, id string) (bool, error)
	Remove(ctx context.Context, scope, collection, id string) error

	// ConeSearch returns objects whose catalog position lies within
	// radiusArcsec of (raDeg, decDeg), closest first.
	ConeSearch(ctx context.Context, scope string, raDeg, decDeg, radiusArcsec float64) ([]ConeMatch, error)
	// ActiveObjects lists objects discovered within the last activeDays days.
	ActiveObjects(ctx context.Context, scope string, activeDays int) ([]string, error)
	// AllObjects lists every object id in a scope.
	AllObjects(ctx context.Context, scope string) ([]string, error)
	// SearchObjects lists objects matching every given field condition.
	SearchObjects(ctx context.Context, scope string, conds SearchConditions) ([]string, error)

	// Transaction runs fn atomically. A nil return commits; any error rolls
	// back and surfaces as (or wrapped in) ErrTxFailed, except ambiguous
	// commits which surface as ErrCommitAmbiguous.
	Transaction(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}
