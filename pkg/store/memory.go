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
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tarxiv/tarxiv/pkg/astro"
	"github.com/tarxiv/tarxiv/pkg/schema"
)

// Memory is an in-process Store. Documents round-trip through JSON exactly
// as they would against the production store, so marshalling bugs surface in
// tests rather than in deployment.
type Memory struct {
	// NowFunc supplies the clock for ActiveObjects; tests pin it.
	NowFunc func() time.Time

	mtx  sync.RWMutex
	docs map[string][]byte
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		NowFunc: time.Now,
		docs:    map[string][]byte{},
	}
}

func memKey(scope, collection, id string) string {
	return scope + "/" + collection + "/" + id
}

func (m *Memory) Get(_ context.Context, scope, collection, id string, out any) error {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	raw, ok := m.docs[memKey(scope, collection, id)]
	if !ok {
		return fmt.Errorf("%s/%s/%s: %w", scope, collection, id, ErrNotFound)
	}
	return json.Unmarshal(raw, out)
}

func (m *Memory) Upsert(_ context.Context, scope, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s/%s: %w", scope, collection, id, err)
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.docs[memKey(scope, collection, id)] = raw
	return nil
}

func (m *Memory) Insert(_ context.Context, scope, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s/%s: %w", scope, collection, id, err)
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	key := memKey(scope, collection, id)
	if _, ok := m.docs[key]; ok {
		return fmt.Errorf("%s: %w", key, ErrExists)
	}
	m.docs[key] = raw
	return nil
}

func (m *Memory) Exists(_ context.Context, scope, collection, id string) (bool, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	_, ok := m.docs[memKey(scope, collection, id)]
	return ok, nil
}

func (m *Memory) Remove(_ context.Context, scope, collection, id string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	key := memKey(scope, collection, id)
	if _, ok := m.docs[key]; !ok {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	delete(m.docs, key)
	return nil
}

// objectsIn decodes every document of a scope's objects collection. Caller
// holds at least a read lock.
func (m *Memory) objectsIn(scope string) (map[string]*schema.ObjectMeta, error) {
	prefix := scope + "/" + CollObjects + "/"
	out := map[string]*schema.ObjectMeta{}
	for key, raw := range m.docs {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		var meta schema.ObjectMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		out[strings.TrimPrefix(key, prefix)] = &meta
	}
	return out, nil
}

func firstFloat(entries []schema.MetaEntry) (float64, bool) {
	if len(entries) == 0 {
		return 0, false
	}
	return asFloat(entries[0].Value)
}

func (m *Memory) ConeSearch(_ context.Context, scope string, raDeg, decDeg, radiusArcsec float64) ([]ConeMatch, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	objects, err := m.objectsIn(scope)
	if err != nil {
		return nil, err
	}
	decSpan := radiusArcsec / 3600
	var matches []ConeMatch
	for id, meta := range objects {
		ra, okRA := firstFloat(meta.RADeg)
		dec, okDec := firstFloat(meta.DecDeg)
		if !okRA || !okDec {
			continue
		}
		// Declination band pre-filter, then the exact separation.
		if dec < decDeg-decSpan || dec > decDeg+decSpan {
			continue
		}
		sep := astro.Separation(raDeg, decDeg, ra, dec).Sec()
		if sep <= radiusArcsec {
			matches = append(matches, ConeMatch{ID: id, RADeg: ra, DecDeg: dec, Separation: sep})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Separation < matches[j].Separation })
	return matches, nil
}

func (m *Memory) ActiveObjects(_ context.Context, scope string, activeDays int) ([]string, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	objects, err := m.objectsIn(scope)
	if err != nil {
		return nil, err
	}
	now := m.NowFunc().UTC()
	window := time.Duration(activeDays) * 24 * time.Hour
	var ids []string
	for id, meta := range objects {
		// Active on any fresh discovery or reporting date from any survey.
		if anyEntryWithin(meta.DiscoveryDate, now, window) || anyEntryWithin(meta.ReportingDate, now, window) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func anyEntryWithin(list []schema.MetaEntry, now time.Time, window time.Duration) bool {
	for _, e := range list {
		s, ok := e.Value.(string)
		if !ok {
			continue
		}
		t, err := astro.ParseInstant(s)
		if err != nil {
			continue
		}
		if now.Sub(t) < window {
			return true
		}
	}
	return false
}

func (m *Memory) AllObjects(_ context.Context, scope string) ([]string, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	prefix := scope + "/" + CollObjects + "/"
	var ids []string
	for key := range m.docs {
		if strings.HasPrefix(key, prefix) {
			ids = append(ids, strings.TrimPrefix(key, prefix))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) SearchObjects(_ context.Context, scope string, conds SearchConditions) ([]string, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	objects, err := m.objectsIn(scope)
	if err != nil {
		return nil, err
	}
	var ids []string
	for id, meta := range objects {
		ok, err := conds.Match(meta)
		if err != nil {
			return nil, err
		}
		if ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Transaction runs fn under the store's write lock: reads see a stable
// snapshot and writes stay buffered until fn returns nil.
func (m *Memory) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()

	tx := &memTx{store: m, writes: map[string][]byte{}, read: map[string]bool{}}
	if err := fn(tx); err != nil {
		return fmt.Errorf("%w: %w", ErrTxFailed, err)
	}
	for key, raw := range tx.writes {
		m.docs[key] = raw
	}
	return nil
}

func (m *Memory) Close() error { return nil }

// memTx buffers transactional writes. Lookups read the buffered state first
// so a transaction observes its own writes.
type memTx struct {
	store  *Memory
	writes map[string][]byte
	read   map[string]bool
}

func (t *memTx) lookup(key string) ([]byte, bool) {
	if raw, ok := t.writes[key]; ok {
		return raw, true
	}
	raw, ok := t.store.docs[key]
	return raw, ok
}

func (t *memTx) Get(scope, collection, id string, out any) error {
	key := memKey(scope, collection, id)
	raw, ok := t.lookup(key)
	if !ok {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	t.read[key] = true
	return json.Unmarshal(raw, out)
}

func (t *memTx) Insert(scope, collection, id string, doc any) error {
	key := memKey(scope, collection, id)
	if _, ok := t.lookup(key); ok {
		return fmt.Errorf("%s: %w", key, ErrExists)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	t.writes[key] = raw
	return nil
}

func (t *memTx) Replace(scope, collection, id string, doc any) error {
	key := memKey(scope, collection, id)
	if !t.read[key] {
		return fmt.Errorf("replace of %s without a prior transactional get", key)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	t.writes[key] = raw
	return nil
}

func (t *memTx) HitsByName(scope string, names []string) ([]string, error) {
	want := map[string]bool{}
	for _, n := range names {
		want[n] = true
	}
	prefix := scope + "/" + CollHits + "/"

	seen := map[string]bool{}
	var ids []string
	scan := func(key string, raw []byte) error {
		if !strings.HasPrefix(key, prefix) || seen[key] {
			return nil
		}
		seen[key] = true
		var hit schema.Hit
		if err := json.Unmarshal(raw, &hit); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		for _, id := range hit.Identifiers {
			if want[id.Name] {
				ids = append(ids, strings.TrimPrefix(key, prefix))
				return nil
			}
		}
		return nil
	}
	for key, raw := range t.writes {
		if err := scan(key, raw); err != nil {
			return nil, err
		}
	}
	for key, raw := range t.store.docs {
		if err := scan(key, raw); err != nil {
			return nil, err
		}
	}
	sort.Strings(ids)
	return ids, nil
}
