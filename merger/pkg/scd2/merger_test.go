package scd2

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/dimlake/merger/pkg/dimension"
	"github.com/malbeclabs/dimlake/merger/pkg/store"
	"github.com/malbeclabs/dimlake/merger/pkg/store/memory"
)

func TestLake_SCD2_Merger_Scenarios(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	m := newMerger(t, memory.New())

	// Insert into an empty dimension.
	res, err := m.ApplyBatch(ctx, snapshot("b1", t1, rec("C1", "Alice", "NY")))
	require.NoError(t, err)
	require.Equal(t, 1, res.New)
	require.Equal(t, 1, res.Inserted)
	require.NotEmpty(t, res.OpID)
	require.Len(t, res.Versions, 1)
	require.NotZero(t, res.Versions[0].SurrogateKey)

	hist := history(t, m, "C1")
	require.Len(t, hist, 1)
	require.True(t, hist[0].EffectiveStart.Equal(t1))
	require.True(t, hist[0].Open())
	require.True(t, hist[0].IsCurrent)
	first := hist[0].SurrogateKey

	// Change at T2.
	res, err = m.ApplyBatch(ctx, snapshot("b2", t2, rec("C1", "Alice", "LA")))
	require.NoError(t, err)
	require.Equal(t, 1, res.Changed)
	require.Equal(t, 1, res.Inserted)
	require.Equal(t, 1, res.Closed)

	hist = history(t, m, "C1")
	require.Len(t, hist, 2)
	require.Equal(t, first, hist[0].SurrogateKey)
	require.True(t, hist[0].EffectiveEnd.Equal(t2))
	require.False(t, hist[0].IsCurrent)
	require.False(t, hist[0].IsDeleted)
	require.Equal(t, "NY", hist[0].Attrs["city"])
	require.True(t, hist[1].EffectiveStart.Equal(t2))
	require.True(t, hist[1].Open())
	require.True(t, hist[1].IsCurrent)
	require.Equal(t, "LA", hist[1].Attrs["city"])

	// Empty full snapshot at T3 deletes C1.
	res, err = m.ApplyBatch(ctx, snapshot("b3", t3))
	require.NoError(t, err)
	require.Equal(t, 1, res.Deleted)
	require.Zero(t, res.Inserted)
	require.Len(t, res.ClosedVersions, 1)
	require.True(t, res.ClosedVersions[0].IsDeleted)

	hist = history(t, m, "C1")
	require.Len(t, hist, 2)
	require.True(t, hist[1].EffectiveEnd.Equal(t3))
	require.True(t, hist[1].IsDeleted)
	require.False(t, hist[1].IsCurrent)

	current, err := m.Current(ctx)
	require.NoError(t, err)
	require.Empty(t, current)

	// A batch older than the last applied one is rejected without writes.
	_, err = m.ApplyBatch(ctx, snapshot("b0", t0, rec("C1", "Alice", "SF")))
	require.ErrorIs(t, err, ErrOutOfOrderBatch)
	require.Len(t, history(t, m, "C1"), 2)

	applied, err := m.Applied(ctx, "b0")
	require.NoError(t, err)
	require.False(t, applied)

	last, err := m.LastBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, "b3", last.BatchID)
}

func TestLake_SCD2_Merger_OutOfOrderBeforeFirstVersion(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	m := newMerger(t, memory.New())

	_, err := m.ApplyBatch(ctx, snapshot("b1", t1, rec("C1", "Alice", "NY")))
	require.NoError(t, err)

	_, err = m.ApplyBatch(ctx, snapshot("b0", t0, rec("C1", "Alice", "NY")))
	require.ErrorIs(t, err, ErrOutOfOrderBatch)

	hist := history(t, m, "C1")
	require.Len(t, hist, 1)
	require.True(t, hist[0].EffectiveStart.Equal(t1))
}

func TestLake_SCD2_Merger_Idempotence(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	m := newMerger(t, memory.New())

	batch := dimension.Batch{
		Timestamp:    t1,
		Records:      []dimension.CDCRecord{rec("C1", "Alice", "NY"), rec("C2", "Bob", "SF")},
		FullSnapshot: true,
	}
	_, err := m.ApplyBatch(ctx, batch)
	require.NoError(t, err)
	before := append(history(t, m, "C1"), history(t, m, "C2")...)

	res, err := m.ApplyBatch(ctx, batch)
	require.NoError(t, err)
	require.False(t, res.AlreadyApplied)
	require.Zero(t, res.New)
	require.Zero(t, res.Changed)
	require.Zero(t, res.Deleted)
	require.Equal(t, 2, res.Unchanged)
	require.Equal(t, before, append(history(t, m, "C1"), history(t, m, "C2")...))
}

func TestLake_SCD2_Merger_AlreadyApplied(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	m := newMerger(t, memory.New())

	_, err := m.ApplyBatch(ctx, snapshot("b1", t1, rec("C1", "Alice", "NY")))
	require.NoError(t, err)
	_, err = m.ApplyBatch(ctx, snapshot("b2", t2, rec("C1", "Alice", "LA")))
	require.NoError(t, err)

	res, err := m.ApplyBatch(ctx, snapshot("b1", t1, rec("C1", "Alice", "NY")))
	require.NoError(t, err)
	require.True(t, res.AlreadyApplied)
	require.Len(t, history(t, m, "C1"), 2)
}

func TestLake_SCD2_Merger_DeltaBatches(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	m := newMerger(t, memory.New())

	_, err := m.ApplyBatch(ctx, snapshot("b1", t1, rec("C1", "Alice", "NY"), rec("C2", "Bob", "SF")))
	require.NoError(t, err)

	del := rec("C1", "", "")
	del.Op = dimension.OpDelete
	res, err := m.ApplyBatch(ctx, dimension.Batch{
		ID:        "d2",
		Timestamp: t2,
		Records:   []dimension.CDCRecord{del, rec("C3", "Carol", "NY")},
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Deleted)
	require.Equal(t, 1, res.New)

	current, err := m.Current(ctx)
	require.NoError(t, err)
	require.Len(t, current, 2)

	// Re-creating a deleted entity starts a new timeline segment.
	res, err = m.ApplyBatch(ctx, dimension.Batch{ID: "d3", Timestamp: t3, Records: []dimension.CDCRecord{rec("C1", "Alice", "Paris")}})
	require.NoError(t, err)
	require.Equal(t, 1, res.New)
	hist := history(t, m, "C1")
	require.Len(t, hist, 2)
	require.True(t, hist[0].IsDeleted)
	require.True(t, hist[1].IsCurrent)
	require.True(t, hist[1].EffectiveStart.Equal(t3))
}

func TestLake_SCD2_Merger_RollsBackOnStoreFailure(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	base := memory.New()
	s := &faultyStore{Store: base}
	m := newMerger(t, s)

	_, err := m.ApplyBatch(ctx, snapshot("b1", t1, rec("C1", "Alice", "NY")))
	require.NoError(t, err)

	s.failOn = "insert"
	s.err = store.Unavailable("insert version", errors.New("connection reset by peer"))
	_, err = m.ApplyBatch(ctx, snapshot("b2", t2, rec("C1", "Alice", "LA"), rec("C2", "Bob", "SF")))
	require.ErrorIs(t, err, ErrStoreUnavailable)

	// The close that ran before the failed insert was rolled back.
	hist := history(t, m, "C1")
	require.Len(t, hist, 1)
	require.True(t, hist[0].IsCurrent)
	require.True(t, hist[0].Open())
	applied, err := m.Applied(ctx, "b2")
	require.NoError(t, err)
	require.False(t, applied)

	// Retrying once the store recovers applies the whole batch.
	s.failOn = ""
	res, err := m.ApplyBatch(ctx, snapshot("b2", t2, rec("C1", "Alice", "LA"), rec("C2", "Bob", "SF")))
	require.NoError(t, err)
	require.Equal(t, 1, res.Changed)
	require.Equal(t, 1, res.New)
}

func TestLake_SCD2_Merger_RecoversLostCommitAck(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := &faultyStore{Store: memory.New()}
	m := newMerger(t, s)

	_, err := m.ApplyBatch(ctx, snapshot("b1", t1, rec("C1", "Alice", "NY")))
	require.NoError(t, err)

	s.failOn = "lose_ack"
	b2 := snapshot("b2", t2, rec("C1", "Alice", "LA"), rec("C2", "Bob", "SF"))
	_, err = m.ApplyBatch(ctx, b2)
	require.ErrorIs(t, err, ErrStoreUnavailable)

	// The commit landed even though it was reported as failed.
	applied, err := m.Applied(ctx, "b2")
	require.NoError(t, err)
	require.True(t, applied)

	s.failOn = ""
	res, err := m.ApplyBatch(ctx, b2)
	require.NoError(t, err)
	require.True(t, res.Recovered)
	require.False(t, res.AlreadyApplied)
	require.Equal(t, 1, res.Changed)
	require.Equal(t, 1, res.New)
	require.Equal(t, 2, res.Inserted)
	require.Equal(t, 1, res.Closed)
	require.True(t, res.BatchTimestamp.Equal(t2))

	last, err := m.LastBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, last.OpID, res.OpID)

	stored := map[dimension.EntityID]dimension.SurrogateKey{}
	for _, id := range []string{"C1", "C2"} {
		hist := history(t, m, id)
		stored[hist[len(hist)-1].EntityID] = hist[len(hist)-1].SurrogateKey
	}
	require.Len(t, res.Versions, 2)
	for _, v := range res.Versions {
		require.Equal(t, stored[v.EntityID], v.SurrogateKey)
		require.NotZero(t, v.SurrogateKey)
	}
	require.Len(t, history(t, m, "C1"), 2)

	// Once recovered, the batch is reported like any other replay.
	res, err = m.ApplyBatch(ctx, b2)
	require.NoError(t, err)
	require.True(t, res.AlreadyApplied)
	require.False(t, res.Recovered)

	t.Run("other_merger_sees_already_applied", func(t *testing.T) {
		other := newMerger(t, s)
		res, err := other.ApplyBatch(t.Context(), b2)
		require.NoError(t, err)
		require.True(t, res.AlreadyApplied)
		require.False(t, res.Recovered)
	})
}

func TestLake_SCD2_Merger_MicrosecondBatches(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	m := newMerger(t, memory.New())

	first := t1.Add(1200 * time.Nanosecond)
	res, err := m.ApplyBatch(ctx, snapshot("b1", first, rec("C1", "Alice", "NY")))
	require.NoError(t, err)
	require.Equal(t, t1.Add(time.Microsecond), res.BatchTimestamp)
	hist := history(t, m, "C1")
	require.Equal(t, t1.Add(time.Microsecond), hist[0].EffectiveStart)

	// Later by nanoseconds, but the same instant once stored.
	_, err = m.ApplyBatch(ctx, snapshot("b2", t1.Add(1700*time.Nanosecond), rec("C1", "Alice", "LA")))
	require.ErrorIs(t, err, ErrOutOfOrderBatch)
	require.Len(t, history(t, m, "C1"), 1)

	_, err = m.ApplyBatch(ctx, snapshot("b3", t1.Add(2*time.Microsecond), rec("C1", "Alice", "LA")))
	require.NoError(t, err)
	hist = history(t, m, "C1")
	require.Len(t, hist, 2)
	require.Equal(t, t1.Add(2*time.Microsecond), hist[0].EffectiveEnd)
}

func TestLake_SCD2_Merger_ConstraintViolation(t *testing.T) {
	t.Parallel()

	t.Run("second_current_version", func(t *testing.T) {
		t.Parallel()
		s := &faultyStore{Store: memory.New()}
		m := newMerger(t, s)
		_, err := m.ApplyBatch(t.Context(), snapshot("b1", t1, rec("C1", "Alice", "NY")))
		require.NoError(t, err)

		s.failOn = "skip_update"
		_, err = m.ApplyBatch(t.Context(), snapshot("b2", t2, rec("C1", "Alice", "LA")))
		require.ErrorIs(t, err, ErrConstraintViolation)
		require.Len(t, history(t, m, "C1"), 1)
	})

	t.Run("post_apply_check", func(t *testing.T) {
		t.Parallel()
		s := &faultyStore{Store: memory.New(), failOn: "double_current"}
		m := newMerger(t, s)
		_, err := m.ApplyBatch(t.Context(), snapshot("b1", t1, rec("C1", "Alice", "NY")))
		require.ErrorIs(t, err, ErrConstraintViolation)
		require.ErrorContains(t, err, "natural key C1")

		s.failOn = ""
		require.Empty(t, history(t, m, "C1"))
	})
}

func TestLake_SCD2_Merger_SchemaErrorBeforeMutation(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	m := newMerger(t, memory.New())

	_, err := m.ApplyBatch(ctx, snapshot("b1", t1, rec("C1", "Alice", "NY"), rec("C1", "Alice", "LA")))
	require.ErrorIs(t, err, ErrSchema)
	require.Empty(t, history(t, m, "C1"))

	_, err = m.ApplyBatch(ctx, dimension.Batch{ID: "b2"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestLake_SCD2_Executor(t *testing.T) {
	t.Parallel()
	dim := customers(t)
	clock := clockwork.NewFakeClockAt(t3)
	s := memory.New()

	e, err := NewExecutor(ExecutorConfig{Logger: testLogger(), Store: s, Clock: clock})
	require.NoError(t, err)

	t.Run("empty_plan_records_batch", func(t *testing.T) {
		plan, err := Plan(dim, t1, nil, snapshot("b1", t1))
		require.NoError(t, err)
		res, err := e.Apply(t.Context(), plan)
		require.NoError(t, err)
		require.Zero(t, res.Inserted)

		err = s.WithTx(t.Context(), func(tx store.Tx) error {
			last, err := tx.LastBatch(t.Context())
			require.NoError(t, err)
			require.Equal(t, "b1", last.BatchID)
			require.Equal(t, res.OpID, last.OpID)
			require.True(t, last.AppliedAt.Equal(t3))
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("nil_plan", func(t *testing.T) {
		_, err := e.Apply(t.Context(), nil)
		require.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("config", func(t *testing.T) {
		_, err := NewExecutor(ExecutorConfig{Store: s})
		require.ErrorContains(t, err, "logger is required")
		_, err = NewMerger(MergerConfig{Logger: testLogger(), Store: s})
		require.ErrorContains(t, err, "dimension is required")
	})
}
