// Package storetest is a conformance suite shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/dimlake/merger/pkg/dimension"
	"github.com/malbeclabs/dimlake/merger/pkg/store"
)

// Factory returns an empty store for dim. Each call gets a dimension with a
// unique name so implementations backed by a shared database stay isolated.
type Factory func(t *testing.T, dim *dimension.Dimension) store.Store

var seq atomic.Int64

// NewDimension returns the dimension used by the suite with a unique name.
func NewDimension(t *testing.T) *dimension.Dimension {
	dim, err := dimension.NewDimension(&dimension.StaticSchema{
		DimensionName: fmt.Sprintf("storetest_%d_%d", time.Now().UnixNano(), seq.Add(1)),
		KeyColumns:    []string{"customer_id:VARCHAR"},
		AttrColumns: []string{
			"name:VARCHAR",
			"email:VARCHAR",
			"visits:BIGINT",
			"score:DOUBLE",
			"active:BOOLEAN",
			"seen_at:TIMESTAMP",
		},
	})
	require.NoError(t, err)
	return dim
}

var (
	t1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	t3 = time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
)

func newVersion(customerID, name string, start time.Time) dimension.Version {
	key := dimension.NewNaturalKey(customerID)
	return dimension.Version{
		EntityID: key.EntityID(),
		Key:      key,
		Attrs: dimension.Attributes{
			"name":    name,
			"email":   nil,
			"visits":  int64(3),
			"score":   1.5,
			"active":  true,
			"seen_at": t1,
		},
		EffectiveStart: start,
		EffectiveEnd:   dimension.Infinity,
		IsCurrent:      true,
		BatchID:        "batch-" + start.Format("20060102"),
	}
}

func insert(t *testing.T, s store.Store, versions ...dimension.Version) []dimension.SurrogateKey {
	var keys []dimension.SurrogateKey
	err := s.WithTx(t.Context(), func(tx store.Tx) error {
		var err error
		keys, err = tx.InsertBatch(t.Context(), versions)
		return err
	})
	require.NoError(t, err)
	require.Len(t, keys, len(versions))
	return keys
}

func current(t *testing.T, s store.Store, id dimension.EntityID) *dimension.Version {
	var v *dimension.Version
	err := s.WithTx(t.Context(), func(tx store.Tx) error {
		var err error
		v, err = tx.LookupCurrent(t.Context(), id)
		return err
	})
	require.NoError(t, err)
	return v
}

func history(t *testing.T, s store.Store, id dimension.EntityID) []dimension.Version {
	var out []dimension.Version
	err := s.WithTx(t.Context(), func(tx store.Tx) error {
		var err error
		out, err = tx.LookupHistory(t.Context(), id)
		return err
	})
	require.NoError(t, err)
	return out
}

// Run runs the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("insert_and_lookup_current", func(t *testing.T) {
		t.Parallel()
		dim := NewDimension(t)
		s := newStore(t, dim)

		v := newVersion("C1", "Alice", t1)
		keys := insert(t, s, v)

		got := current(t, s, v.EntityID)
		require.NotNil(t, got)
		require.Equal(t, keys[0], got.SurrogateKey)
		require.Equal(t, v.EntityID, got.EntityID)
		require.Equal(t, v.Key, got.Key)
		require.True(t, dim.AttributesEqual(v.Attrs, got.Attrs))
		require.Equal(t, int64(3), got.Attrs["visits"])
		require.Nil(t, got.Attrs["email"])
		require.True(t, got.EffectiveStart.Equal(t1))
		require.True(t, got.Open())
		require.True(t, got.IsCurrent)
		require.False(t, got.IsDeleted)
		require.Equal(t, v.BatchID, got.BatchID)

		require.Nil(t, current(t, s, dimension.NewNaturalKey("missing").EntityID()))
	})

	t.Run("surrogate_keys_are_unique", func(t *testing.T) {
		t.Parallel()
		s := newStore(t, NewDimension(t))

		first := insert(t, s, newVersion("C1", "Alice", t1), newVersion("C2", "Bob", t1))
		second := insert(t, s, newVersion("C3", "Carol", t1))
		require.NotEqual(t, first[0], first[1])
		require.Greater(t, second[0], first[0])
		require.Greater(t, second[0], first[1])
	})

	t.Run("update_closes_version", func(t *testing.T) {
		t.Parallel()
		s := newStore(t, NewDimension(t))
		v := newVersion("C1", "Alice", t1)
		keys := insert(t, s, v)

		err := s.WithTx(t.Context(), func(tx store.Tx) error {
			if err := tx.UpdateBatch(t.Context(), []store.VersionUpdate{{
				SurrogateKey: keys[0],
				EntityID:     v.EntityID,
				EffectiveEnd: t2,
			}}); err != nil {
				return err
			}
			next := newVersion("C1", "Alicia", t2)
			_, err := tx.InsertBatch(t.Context(), []dimension.Version{next})
			return err
		})
		require.NoError(t, err)

		got := current(t, s, v.EntityID)
		require.NotNil(t, got)
		require.Equal(t, "Alicia", got.Attrs["name"])

		hist := history(t, s, v.EntityID)
		require.Len(t, hist, 2)
		require.Equal(t, keys[0], hist[0].SurrogateKey)
		require.False(t, hist[0].IsCurrent)
		require.True(t, hist[0].EffectiveEnd.Equal(t2))
		require.True(t, hist[1].EffectiveStart.Equal(t2))
		require.True(t, hist[1].IsCurrent)
	})

	t.Run("soft_delete", func(t *testing.T) {
		t.Parallel()
		s := newStore(t, NewDimension(t))
		v := newVersion("C1", "Alice", t1)
		keys := insert(t, s, v)

		err := s.WithTx(t.Context(), func(tx store.Tx) error {
			return tx.UpdateBatch(t.Context(), []store.VersionUpdate{{
				SurrogateKey: keys[0],
				EntityID:     v.EntityID,
				EffectiveEnd: t3,
				IsDeleted:    true,
			}})
		})
		require.NoError(t, err)
		require.Nil(t, current(t, s, v.EntityID))

		hist := history(t, s, v.EntityID)
		require.Len(t, hist, 1)
		require.True(t, hist[0].IsDeleted)
		require.False(t, hist[0].IsCurrent)
		require.True(t, hist[0].EffectiveEnd.Equal(t3))
	})

	t.Run("update_of_non_current_version_is_rejected", func(t *testing.T) {
		t.Parallel()
		s := newStore(t, NewDimension(t))
		v := newVersion("C1", "Alice", t1)
		keys := insert(t, s, v)

		closeIt := func(tx store.Tx) error {
			return tx.UpdateBatch(t.Context(), []store.VersionUpdate{{SurrogateKey: keys[0], EntityID: v.EntityID, EffectiveEnd: t2}})
		}
		require.NoError(t, s.WithTx(t.Context(), closeIt))
		err := s.WithTx(t.Context(), closeIt)
		require.ErrorIs(t, err, store.ErrConstraintViolation)

		err = s.WithTx(t.Context(), func(tx store.Tx) error {
			return tx.UpdateBatch(t.Context(), []store.VersionUpdate{{SurrogateKey: keys[0] + 1000, EffectiveEnd: t2}})
		})
		require.ErrorIs(t, err, store.ErrConstraintViolation)
	})

	t.Run("second_current_version_is_rejected", func(t *testing.T) {
		t.Parallel()
		s := newStore(t, NewDimension(t))
		insert(t, s, newVersion("C1", "Alice", t1))

		err := s.WithTx(t.Context(), func(tx store.Tx) error {
			_, err := tx.InsertBatch(t.Context(), []dimension.Version{newVersion("C1", "Other", t2)})
			return err
		})
		require.ErrorIs(t, err, store.ErrConstraintViolation)
		require.Len(t, history(t, s, dimension.NewNaturalKey("C1").EntityID()), 1)
	})

	t.Run("failed_transaction_rolls_back", func(t *testing.T) {
		t.Parallel()
		s := newStore(t, NewDimension(t))
		v := newVersion("C1", "Alice", t1)
		keys := insert(t, s, v)

		boom := errors.New("boom")
		err := s.WithTx(t.Context(), func(tx store.Tx) error {
			if err := tx.UpdateBatch(t.Context(), []store.VersionUpdate{{SurrogateKey: keys[0], EntityID: v.EntityID, EffectiveEnd: t2}}); err != nil {
				return err
			}
			if _, err := tx.InsertBatch(t.Context(), []dimension.Version{newVersion("C2", "Bob", t2)}); err != nil {
				return err
			}
			if err := tx.RecordBatch(t.Context(), store.BatchRecord{BatchID: "b2", OpID: "5f0c6b52-8f7d-4d7e-9a9e-2b4c1f7f2c11", BatchTimestamp: t2, AppliedAt: t2}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		got := current(t, s, v.EntityID)
		require.NotNil(t, got)
		require.True(t, got.Open())
		require.Nil(t, current(t, s, dimension.NewNaturalKey("C2").EntityID()))

		err = s.WithTx(t.Context(), func(tx store.Tx) error {
			applied, err := tx.BatchApplied(t.Context(), "b2")
			require.False(t, applied)
			return err
		})
		require.NoError(t, err)
	})

	t.Run("lookup_all_and_count_current", func(t *testing.T) {
		t.Parallel()
		s := newStore(t, NewDimension(t))
		a := newVersion("C1", "Alice", t1)
		b := newVersion("C2", "Bob", t1)
		keys := insert(t, s, a, b)

		err := s.WithTx(t.Context(), func(tx store.Tx) error {
			return tx.UpdateBatch(t.Context(), []store.VersionUpdate{{SurrogateKey: keys[1], EntityID: b.EntityID, EffectiveEnd: t2, IsDeleted: true}})
		})
		require.NoError(t, err)

		err = s.WithTx(t.Context(), func(tx store.Tx) error {
			all, err := tx.LookupAllCurrent(t.Context())
			require.NoError(t, err)
			require.Len(t, all, 1)
			require.Equal(t, a.EntityID, all[0].EntityID)

			missing := dimension.NewNaturalKey("C9").EntityID()
			counts, err := tx.CountCurrent(t.Context(), []dimension.EntityID{a.EntityID, b.EntityID, missing})
			require.NoError(t, err)
			require.Equal(t, map[dimension.EntityID]int{a.EntityID: 1, b.EntityID: 0, missing: 0}, counts)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("batch_records", func(t *testing.T) {
		t.Parallel()
		s := newStore(t, NewDimension(t))

		err := s.WithTx(t.Context(), func(tx store.Tx) error {
			last, err := tx.LastBatch(t.Context())
			require.NoError(t, err)
			require.Nil(t, last)

			require.NoError(t, tx.RecordBatch(t.Context(), store.BatchRecord{
				BatchID: "b2", OpID: "0b8f3a3e-4a57-4b6c-8f55-0d2f0e5b7c01", BatchTimestamp: t2, New: 2, AppliedAt: t3,
			}))
			require.NoError(t, tx.RecordBatch(t.Context(), store.BatchRecord{
				BatchID: "b1", OpID: "0b8f3a3e-4a57-4b6c-8f55-0d2f0e5b7c02", BatchTimestamp: t1, New: 1, AppliedAt: t3,
			}))
			return nil
		})
		require.NoError(t, err)

		err = s.WithTx(t.Context(), func(tx store.Tx) error {
			last, err := tx.LastBatch(t.Context())
			require.NoError(t, err)
			require.NotNil(t, last)
			require.Equal(t, "b2", last.BatchID)
			require.Equal(t, "0b8f3a3e-4a57-4b6c-8f55-0d2f0e5b7c01", last.OpID)
			require.True(t, last.BatchTimestamp.Equal(t2))
			require.Equal(t, 2, last.New)

			applied, err := tx.BatchApplied(t.Context(), "b1")
			require.NoError(t, err)
			require.True(t, applied)
			applied, err = tx.BatchApplied(t.Context(), "b3")
			require.NoError(t, err)
			require.False(t, applied)

			rec, err := tx.LookupBatch(t.Context(), "b1")
			require.NoError(t, err)
			require.NotNil(t, rec)
			require.Equal(t, "0b8f3a3e-4a57-4b6c-8f55-0d2f0e5b7c02", rec.OpID)
			require.True(t, rec.BatchTimestamp.Equal(t1))
			require.True(t, rec.AppliedAt.Equal(t3))
			require.Equal(t, 1, rec.New)

			rec, err = tx.LookupBatch(t.Context(), "b3")
			require.NoError(t, err)
			require.Nil(t, rec)
			return nil
		})
		require.NoError(t, err)

		err = s.WithTx(t.Context(), func(tx store.Tx) error {
			return tx.RecordBatch(t.Context(), store.BatchRecord{
				BatchID: "b1", OpID: "0b8f3a3e-4a57-4b6c-8f55-0d2f0e5b7c03", BatchTimestamp: t1, AppliedAt: t3,
			})
		})
		require.ErrorIs(t, err, store.ErrConstraintViolation)
	})

	t.Run("double_values", func(t *testing.T) {
		t.Parallel()
		dim := NewDimension(t)
		s := newStore(t, dim)

		for i, f := range []float64{math.MaxFloat64, -math.MaxFloat64, math.SmallestNonzeroFloat64, 0} {
			v := newVersion(fmt.Sprintf("D%d", i), "d", t1)
			v.Attrs["score"] = f
			insert(t, s, v)
			got := current(t, s, v.EntityID)
			require.NotNil(t, got)
			require.Equal(t, f, got.Attrs["score"])
		}

		for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
			v := newVersion("N", "n", t1)
			v.Attrs["score"] = f
			err := s.WithTx(t.Context(), func(tx store.Tx) error {
				_, err := tx.InsertBatch(t.Context(), []dimension.Version{v})
				return err
			})
			require.ErrorIs(t, err, dimension.ErrSchema)
		}
		require.Nil(t, current(t, s, dimension.NewNaturalKey("N").EntityID()))
	})

	t.Run("microsecond_effective_times", func(t *testing.T) {
		t.Parallel()
		s := newStore(t, NewDimension(t))

		start := t1.Add(123456 * time.Microsecond)
		v := newVersion("C1", "Alice", start)
		insert(t, s, v)
		got := current(t, s, v.EntityID)
		require.NotNil(t, got)
		require.True(t, got.EffectiveStart.Equal(start), "got %s", got.EffectiveStart)
	})

	t.Run("canceled_context", func(t *testing.T) {
		t.Parallel()
		s := newStore(t, NewDimension(t))
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		err := s.WithTx(ctx, func(tx store.Tx) error {
			_, err := tx.InsertBatch(ctx, []dimension.Version{newVersion("C1", "Alice", t1)})
			return err
		})
		require.Error(t, err)
		require.Nil(t, current(t, s, dimension.NewNaturalKey("C1").EntityID()))
	})
}
