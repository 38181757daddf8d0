package scd2

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/dimlake/merger/pkg/dimension"
	"github.com/malbeclabs/dimlake/merger/pkg/store"
	"github.com/malbeclabs/dimlake/merger/pkg/store/memory"
	laketesting "github.com/malbeclabs/dimlake/utils/pkg/testing"
)

var (
	t0 = time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
	t1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	t3 = time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
)

func testLogger() *slog.Logger {
	return laketesting.NewLogger()
}

func customers(t testing.TB) *dimension.Dimension {
	dim, err := dimension.NewDimension(&dimension.StaticSchema{
		DimensionName: "customers",
		KeyColumns:    []string{"customer_id:VARCHAR"},
		AttrColumns:   []string{"name:VARCHAR", "city:VARCHAR"},
	})
	require.NoError(t, err)
	return dim
}

func rec(id, name, city string) dimension.CDCRecord {
	return dimension.CDCRecord{
		Key:   dimension.NewNaturalKey(id),
		Attrs: dimension.Attributes{"name": name, "city": city},
		Op:    dimension.OpUpsert,
	}
}

func snapshot(id string, ts time.Time, recs ...dimension.CDCRecord) dimension.Batch {
	return dimension.Batch{
		ID:           id,
		Timestamp:    ts,
		Records:      recs,
		FullSnapshot: true,
	}
}

func newMerger(t testing.TB, s store.Store) *Merger {
	m, err := NewMerger(MergerConfig{
		Logger:    testLogger(),
		Dimension: customers(t),
		Store:     s,
	})
	require.NoError(t, err)
	return m
}

func history(t testing.TB, m *Merger, id string) []dimension.Version {
	out, err := m.History(context.Background(), dimension.NewNaturalKey(id))
	require.NoError(t, err)
	return out
}

// faultyStore wraps a store and fails or misbehaves on a chosen operation.
// With failOn "lose_ack", a transaction that recorded a batch commits and
// then reports the store as unavailable.
type faultyStore struct {
	store.Store
	failOn string
	err    error
}

func (s *faultyStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	ftx := &faultyTx{s: s}
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		ftx.Tx = tx
		return fn(ftx)
	})
	if err == nil && ftx.recorded && s.failOn == "lose_ack" {
		return store.Unavailable("commit", errors.New("connection reset by peer"))
	}
	return err
}

type faultyTx struct {
	store.Tx
	s        *faultyStore
	recorded bool
}

func (t *faultyTx) RecordBatch(ctx context.Context, rec store.BatchRecord) error {
	if err := t.Tx.RecordBatch(ctx, rec); err != nil {
		return err
	}
	t.recorded = true
	return nil
}

func (t *faultyTx) InsertBatch(ctx context.Context, versions []dimension.Version) ([]dimension.SurrogateKey, error) {
	if t.s.failOn == "insert" {
		return nil, t.s.err
	}
	return t.Tx.InsertBatch(ctx, versions)
}

func (t *faultyTx) UpdateBatch(ctx context.Context, updates []store.VersionUpdate) error {
	switch t.s.failOn {
	case "update":
		return t.s.err
	case "skip_update":
		return nil
	}
	return t.Tx.UpdateBatch(ctx, updates)
}

func (t *faultyTx) CountCurrent(ctx context.Context, ids []dimension.EntityID) (map[dimension.EntityID]int, error) {
	counts, err := t.Tx.CountCurrent(ctx, ids)
	if err != nil {
		return nil, err
	}
	if t.s.failOn == "double_current" {
		for id := range counts {
			counts[id] = 2
		}
	}
	return counts, nil
}

func (t *faultyTx) LookupAllCurrent(ctx context.Context) ([]dimension.Version, error) {
	if t.s.failOn == "read" {
		return nil, t.s.err
	}
	return t.Tx.LookupAllCurrent(ctx)
}

func TestLake_SCD2_FaultyStore_PassesThrough(t *testing.T) {
	t.Parallel()
	s := &faultyStore{Store: memory.New(), failOn: "read", err: store.Unavailable("read", errors.New("connection refused"))}
	m := newMerger(t, s)
	_, err := m.ApplyBatch(t.Context(), snapshot("b1", t1, rec("C1", "Alice", "NY")))
	require.ErrorIs(t, err, ErrStoreUnavailable)
}
