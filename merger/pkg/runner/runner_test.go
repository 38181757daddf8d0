package runner_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/dimlake/merger/pkg/dimension"
	"github.com/malbeclabs/dimlake/merger/pkg/runner"
	"github.com/malbeclabs/dimlake/merger/pkg/scd2"
	"github.com/malbeclabs/dimlake/merger/pkg/source"
	"github.com/malbeclabs/dimlake/merger/pkg/store"
	"github.com/malbeclabs/dimlake/merger/pkg/store/memory"
	"github.com/malbeclabs/dimlake/utils/pkg/retry"
	laketesting "github.com/malbeclabs/dimlake/utils/pkg/testing"
)

const header = "customer_id,name,city\n"

func customers(t *testing.T) *dimension.Dimension {
	dim, err := dimension.NewDimension(&dimension.StaticSchema{
		DimensionName: "customers",
		KeyColumns:    []string{"customer_id:VARCHAR"},
		AttrColumns:   []string{"name:VARCHAR", "city:VARCHAR"},
	})
	require.NoError(t, err)
	return dim
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

type fakeMirror struct {
	mu       sync.Mutex
	batchIDs []string
	err      error
}

func (m *fakeMirror) Publish(ctx context.Context, result *scd2.ApplyResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.batchIDs = append(m.batchIDs, result.BatchID)
	return nil
}

func (m *fakeMirror) published() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.batchIDs...)
}

// flakyStore fails the first failures version inserts as unavailable. The
// first lostAcks transactions that record a batch commit and then report the
// store as unavailable.
type flakyStore struct {
	store.Store
	failures atomic.Int32
	lostAcks atomic.Int32
}

func (s *flakyStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	ftx := &flakyTx{s: s}
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		ftx.Tx = tx
		return fn(ftx)
	})
	if err == nil && ftx.recorded && s.lostAcks.Add(-1) >= 0 {
		return store.Unavailable("commit", errors.New("unexpected EOF"))
	}
	return err
}

type flakyTx struct {
	store.Tx
	s        *flakyStore
	recorded bool
}

func (t *flakyTx) RecordBatch(ctx context.Context, rec store.BatchRecord) error {
	if err := t.Tx.RecordBatch(ctx, rec); err != nil {
		return err
	}
	t.recorded = true
	return nil
}

func (t *flakyTx) InsertBatch(ctx context.Context, versions []dimension.Version) ([]dimension.SurrogateKey, error) {
	if t.s.failures.Add(-1) >= 0 {
		return nil, store.Unavailable("insert", errors.New("connection reset by peer"))
	}
	return t.Tx.InsertBatch(ctx, versions)
}

type harness struct {
	dir    string
	merger *scd2.Merger
	mirror *fakeMirror
	runner *runner.Runner
	clock  *clockwork.FakeClock
}

func newHarness(t *testing.T, s store.Store, fullSnapshot bool) *harness {
	log := laketesting.NewLogger()
	dim := customers(t)
	dir := t.TempDir()

	src, err := source.NewLocalSource(source.LocalSourceConfig{Dir: dir})
	require.NoError(t, err)
	dec, err := source.NewDecoder(source.DecoderConfig{Dimension: dim, FullSnapshot: fullSnapshot})
	require.NoError(t, err)
	m, err := scd2.NewMerger(scd2.MergerConfig{Logger: log, Dimension: dim, Store: s})
	require.NoError(t, err)

	mirror := &fakeMirror{}
	clock := clockwork.NewFakeClock()
	r, err := runner.New(runner.Config{
		Logger:       log,
		Clock:        clock,
		Source:       src,
		Decoder:      dec,
		Merger:       m,
		Mirror:       mirror,
		PollInterval: time.Minute,
		Retry:        retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
	})
	require.NoError(t, err)
	return &harness{dir: dir, merger: m, mirror: mirror, runner: r, clock: clock}
}

func (h *harness) current(t *testing.T) map[string]string {
	versions, err := h.merger.Current(t.Context())
	require.NoError(t, err)
	out := make(map[string]string, len(versions))
	for _, v := range versions {
		out[v.Key.String()] = v.Attrs["city"].(string)
	}
	return out
}

func TestLake_Runner_Refresh(t *testing.T) {
	t.Parallel()

	t.Run("applies_pending_batches_in_order", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, memory.New(), true)
		writeFile(t, h.dir, "customers_20240102T000000Z.csv", header+"C1,Alice,LA\n")
		writeFile(t, h.dir, "customers_20240101T000000Z.csv", header+"C1,Alice,NY\nC2,Bob,SF\n")
		require.False(t, h.runner.Ready())

		summary, err := h.runner.Refresh(t.Context())
		require.NoError(t, err)
		require.Equal(t, &runner.Summary{Listed: 2, Pending: 2, Applied: 2}, summary)
		require.True(t, h.runner.Ready())
		require.Equal(t, map[string]string{"C1": "LA"}, h.current(t))
		require.Equal(t, []string{"customers_20240101T000000Z.csv", "customers_20240102T000000Z.csv"}, h.mirror.published())

		history, err := h.merger.History(t.Context(), dimension.NewNaturalKey("C1"))
		require.NoError(t, err)
		require.Len(t, history, 2)

		summary, err = h.runner.Refresh(t.Context())
		require.NoError(t, err)
		require.Equal(t, &runner.Summary{Listed: 2}, summary)
		require.Len(t, h.mirror.published(), 2)
	})

	t.Run("skips_batches_older_than_watermark", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, memory.New(), false)
		writeFile(t, h.dir, "customers_20240102T000000Z.csv", header+"C1,Alice,LA\n")
		_, err := h.runner.Refresh(t.Context())
		require.NoError(t, err)

		writeFile(t, h.dir, "customers_20240101T000000Z.csv", header+"C1,Alice,NY\n")
		summary, err := h.runner.Refresh(t.Context())
		require.NoError(t, err)
		require.Equal(t, 1, summary.Stale)
		require.Zero(t, summary.Applied)
		require.Equal(t, map[string]string{"C1": "LA"}, h.current(t))

		applied, err := h.merger.Applied(t.Context(), "customers_20240101T000000Z.csv")
		require.NoError(t, err)
		require.False(t, applied)
	})

	t.Run("retries_store_unavailable", func(t *testing.T) {
		t.Parallel()
		s := &flakyStore{Store: memory.New()}
		s.failures.Store(2)
		h := newHarness(t, s, false)
		writeFile(t, h.dir, "customers_20240101T000000Z.csv", header+"C1,Alice,NY\n")

		summary, err := h.runner.Refresh(t.Context())
		require.NoError(t, err)
		require.Equal(t, 1, summary.Applied)
		require.Equal(t, map[string]string{"C1": "NY"}, h.current(t))
	})

	t.Run("publishes_batch_whose_commit_ack_was_lost", func(t *testing.T) {
		t.Parallel()
		s := &flakyStore{Store: memory.New()}
		s.lostAcks.Store(1)
		h := newHarness(t, s, false)
		writeFile(t, h.dir, "customers_20240101T000000Z.csv", header+"C1,Alice,NY\n")

		summary, err := h.runner.Refresh(t.Context())
		require.NoError(t, err)
		require.Equal(t, 1, summary.Applied)
		require.Zero(t, summary.Skipped)
		require.Equal(t, map[string]string{"C1": "NY"}, h.current(t))
		require.Equal(t, []string{"customers_20240101T000000Z.csv"}, h.mirror.published())

		history, err := h.merger.History(t.Context(), dimension.NewNaturalKey("C1"))
		require.NoError(t, err)
		require.Len(t, history, 1)
	})

	t.Run("gives_up_after_max_attempts", func(t *testing.T) {
		t.Parallel()
		s := &flakyStore{Store: memory.New()}
		s.failures.Store(10)
		h := newHarness(t, s, false)
		writeFile(t, h.dir, "customers_20240101T000000Z.csv", header+"C1,Alice,NY\n")

		_, err := h.runner.Refresh(t.Context())
		require.ErrorIs(t, err, scd2.ErrStoreUnavailable)
		require.False(t, h.runner.Ready())
		require.Empty(t, h.current(t))
	})

	t.Run("stops_at_failing_batch", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, memory.New(), false)
		writeFile(t, h.dir, "customers_20240101T000000Z.csv", header+"C1,Alice,NY\n")
		writeFile(t, h.dir, "customers_20240102T000000Z.csv", header+"C1,Alice,LA\nC1,Alice,SF\n")
		writeFile(t, h.dir, "customers_20240103T000000Z.csv", header+"C2,Bob,SF\n")

		summary, err := h.runner.Refresh(t.Context())
		require.ErrorIs(t, err, scd2.ErrSchema)
		require.Equal(t, 1, summary.Applied)
		require.Equal(t, map[string]string{"C1": "NY"}, h.current(t))
		require.False(t, h.runner.Ready())

		// Fix the file; the next refresh picks up the rest.
		writeFile(t, h.dir, "customers_20240102T000000Z.csv", header+"C1,Alice,LA\n")
		summary, err = h.runner.Refresh(t.Context())
		require.NoError(t, err)
		require.Equal(t, 2, summary.Applied)
		require.Equal(t, map[string]string{"C1": "LA", "C2": "SF"}, h.current(t))
	})

	t.Run("mirror_failure_does_not_fail_refresh", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, memory.New(), false)
		h.mirror.err = errors.New("clickhouse down")
		writeFile(t, h.dir, "customers_20240101T000000Z.csv", header+"C1,Alice,NY\n")

		summary, err := h.runner.Refresh(t.Context())
		require.NoError(t, err)
		require.Equal(t, 1, summary.Applied)
		require.Equal(t, map[string]string{"C1": "NY"}, h.current(t))
	})
}

func TestLake_Runner_Start(t *testing.T) {
	t.Parallel()
	h := newHarness(t, memory.New(), false)
	writeFile(t, h.dir, "customers_20240101T000000Z.csv", header+"C1,Alice,NY\n")

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	h.runner.Start(ctx)

	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()
	require.NoError(t, h.runner.WaitReady(waitCtx))
	require.Equal(t, map[string]string{"C1": "NY"}, h.current(t))

	writeFile(t, h.dir, "customers_20240102T000000Z.csv", header+"C2,Bob,SF\n")
	require.NoError(t, h.clock.BlockUntilContext(waitCtx, 1))
	h.clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		return len(h.mirror.published()) == 2
	}, 10*time.Second, 10*time.Millisecond)
	require.Equal(t, map[string]string{"C1": "NY", "C2": "SF"}, h.current(t))
}

func TestLake_Runner_Config(t *testing.T) {
	t.Parallel()
	log := laketesting.NewLogger()
	dim := customers(t)
	src, err := source.NewLocalSource(source.LocalSourceConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	dec, err := source.NewDecoder(source.DecoderConfig{Dimension: dim})
	require.NoError(t, err)
	m, err := scd2.NewMerger(scd2.MergerConfig{Logger: log, Dimension: dim, Store: memory.New()})
	require.NoError(t, err)

	tests := []struct {
		name    string
		cfg     runner.Config
		wantErr string
	}{
		{name: "missing_logger", cfg: runner.Config{Source: src, Decoder: dec, Merger: m, PollInterval: time.Second}, wantErr: "logger is required"},
		{name: "missing_source", cfg: runner.Config{Logger: log, Decoder: dec, Merger: m, PollInterval: time.Second}, wantErr: "source is required"},
		{name: "missing_decoder", cfg: runner.Config{Logger: log, Source: src, Merger: m, PollInterval: time.Second}, wantErr: "decoder is required"},
		{name: "missing_merger", cfg: runner.Config{Logger: log, Source: src, Decoder: dec, PollInterval: time.Second}, wantErr: "merger is required"},
		{name: "zero_interval", cfg: runner.Config{Logger: log, Source: src, Decoder: dec, Merger: m}, wantErr: "poll interval"},
		{name: "valid", cfg: runner.Config{Logger: log, Source: src, Decoder: dec, Merger: m, PollInterval: time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := runner.New(tt.cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}
