package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"sort"
	"sync"

	"github.com/malbeclabs/dimlake/merger/pkg/dimension"
	"github.com/malbeclabs/dimlake/merger/pkg/store"
)

// Store is an in-process store. Transactions are serialized and run against
// a copy of the state that replaces the committed state on success.
type Store struct {
	mu    sync.Mutex
	state *state
}

type state struct {
	nextKey  dimension.SurrogateKey
	versions map[dimension.SurrogateKey]dimension.Version
	history  map[dimension.EntityID][]dimension.SurrogateKey
	current  map[dimension.EntityID]dimension.SurrogateKey
	batches  map[string]store.BatchRecord
	last     *store.BatchRecord
}

func New() *Store {
	return &Store{
		state: &state{
			nextKey:  1,
			versions: make(map[dimension.SurrogateKey]dimension.Version),
			history:  make(map[dimension.EntityID][]dimension.SurrogateKey),
			current:  make(map[dimension.EntityID]dimension.SurrogateKey),
			batches:  make(map[string]store.BatchRecord),
		},
	}
}

func (s *state) clone() *state {
	history := make(map[dimension.EntityID][]dimension.SurrogateKey, len(s.history))
	for id, keys := range s.history {
		history[id] = append([]dimension.SurrogateKey(nil), keys...)
	}
	var last *store.BatchRecord
	if s.last != nil {
		rec := *s.last
		last = &rec
	}
	return &state{
		nextKey:  s.nextKey,
		versions: maps.Clone(s.versions),
		history:  history,
		current:  maps.Clone(s.current),
		batches:  maps.Clone(s.batches),
		last:     last,
	}
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &tx{state: s.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

type tx struct {
	state *state
}

func (t *tx) LookupCurrent(ctx context.Context, id dimension.EntityID) (*dimension.Version, error) {
	key, ok := t.state.current[id]
	if !ok {
		return nil, nil
	}
	v := copyVersion(t.state.versions[key])
	return &v, nil
}

func (t *tx) LookupAllCurrent(ctx context.Context) ([]dimension.Version, error) {
	out := make([]dimension.Version, 0, len(t.state.current))
	for _, key := range t.state.current {
		out = append(out, copyVersion(t.state.versions[key]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SurrogateKey < out[j].SurrogateKey })
	return out, nil
}

func (t *tx) InsertBatch(ctx context.Context, versions []dimension.Version) ([]dimension.SurrogateKey, error) {
	keys := make([]dimension.SurrogateKey, 0, len(versions))
	for _, v := range versions {
		if v.EntityID == "" {
			return nil, errors.New("version entity id is required")
		}
		if v.IsCurrent {
			if _, ok := t.state.current[v.EntityID]; ok {
				return nil, store.ConstraintViolation("insert version",
					fmt.Errorf("entity %s already has a current version", v.Key))
			}
		}
		for name, a := range v.Attrs {
			if f, ok := a.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
				return nil, fmt.Errorf("%w: attribute %q of %s is not finite: %v", dimension.ErrSchema, name, v.Key, f)
			}
		}
		v = copyVersion(v)
		v.SurrogateKey = t.state.nextKey
		t.state.nextKey++
		t.state.versions[v.SurrogateKey] = v
		t.state.history[v.EntityID] = append(t.state.history[v.EntityID], v.SurrogateKey)
		if v.IsCurrent {
			t.state.current[v.EntityID] = v.SurrogateKey
		}
		keys = append(keys, v.SurrogateKey)
	}
	return keys, nil
}

func (t *tx) UpdateBatch(ctx context.Context, updates []store.VersionUpdate) error {
	for _, u := range updates {
		v, ok := t.state.versions[u.SurrogateKey]
		if !ok || !v.IsCurrent {
			return store.ConstraintViolation("update version",
				fmt.Errorf("surrogate key %d is not a current version", u.SurrogateKey))
		}
		v.EffectiveEnd = u.EffectiveEnd
		v.IsCurrent = u.IsCurrent
		v.IsDeleted = u.IsDeleted
		t.state.versions[u.SurrogateKey] = v
		if !u.IsCurrent {
			delete(t.state.current, v.EntityID)
		}
	}
	return nil
}

func (t *tx) LookupHistory(ctx context.Context, id dimension.EntityID) ([]dimension.Version, error) {
	keys := t.state.history[id]
	out := make([]dimension.Version, 0, len(keys))
	for _, key := range keys {
		out = append(out, copyVersion(t.state.versions[key]))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].EffectiveStart.Equal(out[j].EffectiveStart) {
			return out[i].EffectiveStart.Before(out[j].EffectiveStart)
		}
		return out[i].SurrogateKey < out[j].SurrogateKey
	})
	return out, nil
}

func (t *tx) CountCurrent(ctx context.Context, ids []dimension.EntityID) (map[dimension.EntityID]int, error) {
	counts := make(map[dimension.EntityID]int, len(ids))
	for _, id := range ids {
		n := 0
		for _, key := range t.state.history[id] {
			if t.state.versions[key].IsCurrent {
				n++
			}
		}
		counts[id] = n
	}
	return counts, nil
}

func (t *tx) LastBatch(ctx context.Context) (*store.BatchRecord, error) {
	if t.state.last == nil {
		return nil, nil
	}
	rec := *t.state.last
	return &rec, nil
}

func (t *tx) BatchApplied(ctx context.Context, batchID string) (bool, error) {
	_, ok := t.state.batches[batchID]
	return ok, nil
}

func (t *tx) LookupBatch(ctx context.Context, batchID string) (*store.BatchRecord, error) {
	rec, ok := t.state.batches[batchID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (t *tx) RecordBatch(ctx context.Context, rec store.BatchRecord) error {
	if rec.BatchID == "" {
		return errors.New("batch id is required")
	}
	if _, ok := t.state.batches[rec.BatchID]; ok {
		return store.ConstraintViolation("record batch", fmt.Errorf("batch %q already recorded", rec.BatchID))
	}
	t.state.batches[rec.BatchID] = rec
	if t.state.last == nil || !rec.BatchTimestamp.Before(t.state.last.BatchTimestamp) {
		r := rec
		t.state.last = &r
	}
	return nil
}

func copyVersion(v dimension.Version) dimension.Version {
	v.Attrs = maps.Clone(v.Attrs)
	v.Key = dimension.NewNaturalKey(append([]any(nil), v.Key.Values...)...)
	return v
}
