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
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/couchbase/gocb/v2"

	"github.com/tarxiv/tarxiv/pkg/astro"
	"github.com/tarxiv/tarxiv/pkg/config"
)

// CouchbaseOpts configures the production store client.
type CouchbaseOpts struct {
	// Host is the connection string, e.g. "couchbase://db.internal".
	Host     string
	Username string
	Password string
	// Bucket defaults to DefaultBucket.
	Bucket string
	// ConnectTimeout bounds the initial bucket readiness wait.
	ConnectTimeout time.Duration
	// OpTimeout bounds individual key-value operations.
	OpTimeout time.Duration
	// TxTimeout bounds a whole transaction including retries.
	TxTimeout time.Duration
}

// Couchbase is the production Store backed by a Couchbase cluster.
type Couchbase struct {
	opts    CouchbaseOpts
	cluster *gocb.Cluster
	bucket  *gocb.Bucket
}

// NewCouchbase connects to the cluster and waits for the bucket to be ready.
func NewCouchbase(opts CouchbaseOpts) (*Couchbase, error) {
	if opts.Bucket == "" {
		opts.Bucket = DefaultBucket
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	if opts.OpTimeout == 0 {
		opts.OpTimeout = 10 * time.Second
	}
	if opts.TxTimeout == 0 {
		opts.TxTimeout = 30 * time.Second
	}
	cluster, err := gocb.Connect(opts.Host, gocb.ClusterOptions{
		Authenticator: gocb.PasswordAuthenticator{
			Username: opts.Username,
			Password: opts.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", opts.Host, err)
	}
	bucket := cluster.Bucket(opts.Bucket)
	if err := bucket.WaitUntilReady(opts.ConnectTimeout, nil); err != nil {
		return nil, fmt.Errorf("bucket %q not ready: %w", opts.Bucket, err)
	}
	return &Couchbase{opts: opts, cluster: cluster, bucket: bucket}, nil
}

// NewCouchbaseFromConfig builds the production store for the given role,
// taking the host from configuration and the credentials from the
// environment.
func NewCouchbaseFromConfig(cfg *config.Config, role config.Role) (*Couchbase, error) {
	if cfg.CouchbaseHost == "" {
		return nil, fmt.Errorf("couchbase_host not configured")
	}
	user, pass, err := config.CouchbaseCredentials(role)
	if err != nil {
		return nil, err
	}
	return NewCouchbase(CouchbaseOpts{Host: cfg.CouchbaseHost, Username: user, Password: pass})
}

func (c *Couchbase) collection(scope, collection string) *gocb.Collection {
	return c.bucket.Scope(scope).Collection(collection)
}

func mapKVError(scope, collection, id string, err error) error {
	switch {
	case errors.Is(err, gocb.ErrDocumentNotFound):
		return fmt.Errorf("%s/%s/%s: %w", scope, collection, id, ErrNotFound)
	case errors.Is(err, gocb.ErrDocumentExists):
		return fmt.Errorf("%s/%s/%s: %w", scope, collection, id, ErrExists)
	}
	return fmt.Errorf("%s/%s/%s: %w", scope, collection, id, err)
}

func (c *Couchbase) Get(ctx context.Context, scope, collection, id string, out any) error {
	res, err := c.collection(scope, collection).Get(id, &gocb.GetOptions{
		Timeout: c.opts.OpTimeout,
		Context: ctx,
	})
	if err != nil {
		return mapKVError(scope, collection, id, err)
	}
	return res.Content(out)
}

func (c *Couchbase) Upsert(ctx context.Context, scope, collection, id string, doc any) error {
	_, err := c.collection(scope, collection).Upsert(id, doc, &gocb.UpsertOptions{
		Timeout: c.opts.OpTimeout,
		Context: ctx,
	})
	if err != nil {
		return mapKVError(scope, collection, id, err)
	}
	return nil
}

func (c *Couchbase) Insert(ctx context.Context, scope, collection, id string, doc any) error {
	_, err := c.collection(scope, collection).Insert(id, doc, &gocb.InsertOptions{
		Timeout: c.opts.OpTimeout,
		Context: ctx,
	})
	if err != nil {
		return mapKVError(scope, collection, id, err)
	}
	return nil
}

func (c *Couchbase) Exists(ctx context.Context, scope, collection, id string) (bool, error) {
	res, err := c.collection(scope, collection).Exists(id, &gocb.ExistsOptions{
		Timeout: c.opts.OpTimeout,
		Context: ctx,
	})
	if err != nil {
		return false, mapKVError(scope, collection, id, err)
	}
	return res.Exists(), nil
}

func (c *Couchbase) Remove(ctx context.Context, scope, collection, id string) error {
	_, err := c.collection(scope, collection).Remove(id, &gocb.RemoveOptions{
		Timeout: c.opts.OpTimeout,
		Context: ctx,
	})
	if err != nil {
		return mapKVError(scope, collection, id, err)
	}
	return nil
}

func (c *Couchbase) query(ctx context.Context, statement string, named map[string]any) (*gocb.QueryResult, error) {
	return c.cluster.Query(statement, &gocb.QueryOptions{
		NamedParameters: named,
		Adhoc:           true,
		Context:         ctx,
	})
}

func collectIDs(rows *gocb.QueryResult) ([]string, error) {
	var ids []string
	for rows.Next() {
		var row struct {
			ID string `json:"id"`
		}
		if err := rows.Row(&row); err != nil {
			return nil, err
		}
		ids = append(ids, row.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (c *Couchbase) ConeSearch(ctx context.Context, scope string, raDeg, decDeg, radiusArcsec float64) ([]ConeMatch, error) {
	// The declination band restriction makes the statement indexable; the
	// exact separation cut happens client-side.
	stmt := fmt.Sprintf(
		"SELECT META(o).id AS id, o.`ra_deg`[0].`value` AS ra, o.`dec_deg`[0].`value` AS dec "+
			"FROM `%s`.`%s`.`%s` o WHERE o.`dec_deg`[0].`value` BETWEEN $dmin AND $dmax",
		c.opts.Bucket, scope, CollObjects,
	)
	decSpan := radiusArcsec / 3600
	rows, err := c.query(ctx, stmt, map[string]any{
		"dmin": decDeg - decSpan,
		"dmax": decDeg + decSpan,
	})
	if err != nil {
		return nil, fmt.Errorf("cone search %s: %w", scope, err)
	}

	var matches []ConeMatch
	for rows.Next() {
		var row struct {
			ID  string  `json:"id"`
			RA  float64 `json:"ra"`
			Dec float64 `json:"dec"`
		}
		if err := rows.Row(&row); err != nil {
			return nil, fmt.Errorf("cone search %s: %w", scope, err)
		}
		sep := astro.Separation(raDeg, decDeg, row.RA, row.Dec).Sec()
		if sep <= radiusArcsec {
			matches = append(matches, ConeMatch{ID: row.ID, RADeg: row.RA, DecDeg: row.Dec, Separation: sep})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cone search %s: %w", scope, err)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Separation < matches[j].Separation })
	return matches, nil
}

func (c *Couchbase) ActiveObjects(ctx context.Context, scope string, activeDays int) ([]string, error) {
	stmt := fmt.Sprintf(
		"SELECT META(o).id AS id FROM `%s`.`%s`.`%s` o "+
			"WHERE (ANY d IN o.`discovery_date` SATISFIES DATE_DIFF_STR(NOW_UTC(), d.`value`, 'day') < $days END) "+
			"OR (ANY r IN o.`reporting_date` SATISFIES DATE_DIFF_STR(NOW_UTC(), r.`value`, 'day') < $days END) "+
			"ORDER BY META(o).id",
		c.opts.Bucket, scope, CollObjects,
	)
	rows, err := c.query(ctx, stmt, map[string]any{"days": activeDays})
	if err != nil {
		return nil, fmt.Errorf("active objects %s: %w", scope, err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("active objects %s: %w", scope, err)
	}
	return ids, nil
}

func (c *Couchbase) AllObjects(ctx context.Context, scope string) ([]string, error) {
	stmt := fmt.Sprintf(
		"SELECT META(o).id AS id FROM `%s`.`%s`.`%s` o ORDER BY META(o).id",
		c.opts.Bucket, scope, CollObjects,
	)
	rows, err := c.query(ctx, stmt, nil)
	if err != nil {
		return nil, fmt.Errorf("all objects %s: %w", scope, err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("all objects %s: %w", scope, err)
	}
	return ids, nil
}

func (c *Couchbase) SearchObjects(ctx context.Context, scope string, conds SearchConditions) ([]string, error) {
	stmt, params, err := conds.BuildSearchStatement(c.opts.Bucket, scope)
	if err != nil {
		return nil, err
	}
	rows, err := c.query(ctx, stmt, params)
	if err != nil {
		return nil, fmt.Errorf("search objects %s: %w", scope, err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("search objects %s: %w", scope, err)
	}
	return ids, nil
}

func (c *Couchbase) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.cluster.Transactions().Run(func(attempt *gocb.TransactionAttemptContext) error {
		return fn(&cbTx{store: c, attempt: attempt, reads: map[string]*gocb.TransactionGetResult{}})
	}, &gocb.TransactionOptions{Timeout: c.opts.TxTimeout})
	if err == nil {
		return nil
	}
	var ambiguous *gocb.TransactionCommitAmbiguousError
	if errors.As(err, &ambiguous) {
		return fmt.Errorf("%w: %w", ErrCommitAmbiguous, err)
	}
	return fmt.Errorf("%w: %w", ErrTxFailed, err)
}

func (c *Couchbase) Close() error {
	return c.cluster.Close(nil)
}

// cbTx adapts a transaction attempt to the Tx interface. Get results are
// retained because Replace must hand the SDK the exact result it read.
type cbTx struct {
	store   *Couchbase
	attempt *gocb.TransactionAttemptContext
	reads   map[string]*gocb.TransactionGetResult
}

func (t *cbTx) Get(scope, collection, id string, out any) error {
	res, err := t.attempt.Get(t.store.collection(scope, collection), id)
	if err != nil {
		return mapKVError(scope, collection, id, err)
	}
	t.reads[memKey(scope, collection, id)] = res
	return res.Content(out)
}

func (t *cbTx) Insert(scope, collection, id string, doc any) error {
	if _, err := t.attempt.Insert(t.store.collection(scope, collection), id, doc); err != nil {
		return mapKVError(scope, collection, id, err)
	}
	return nil
}

func (t *cbTx) Replace(scope, collection, id string, doc any) error {
	key := memKey(scope, collection, id)
	prior, ok := t.reads[key]
	if !ok {
		return fmt.Errorf("replace of %s without a prior transactional get", key)
	}
	res, err := t.attempt.Replace(prior, doc)
	if err != nil {
		return mapKVError(scope, collection, id, err)
	}
	t.reads[key] = res
	return nil
}

func (t *cbTx) HitsByName(scope string, names []string) ([]string, error) {
	stmt := fmt.Sprintf(
		"SELECT META(h).id AS id FROM `%s`.`%s`.`%s` h "+
			"WHERE ANY x IN h.`identifiers` SATISFIES x.`name` IN $names END "+
			"ORDER BY META(h).id",
		t.store.opts.Bucket, scope, CollHits,
	)
	rows, err := t.attempt.Query(stmt, &gocb.TransactionQueryOptions{
		NamedParameters: map[string]any{"names": names},
	})
	if err != nil {
		return nil, fmt.Errorf("hits by name: %w", err)
	}
	var ids []string
	for rows.Next() {
		var row struct {
			ID string `json:"id"`
		}
		if err := rows.Row(&row); err != nil {
			return nil, fmt.Errorf("hits by name: %w", err)
		}
		ids = append(ids, row.ID)
	}
	return ids, nil
}
