package scd2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/dimlake/merger/pkg/dimension"
	"github.com/malbeclabs/dimlake/merger/pkg/metrics"
	"github.com/malbeclabs/dimlake/merger/pkg/store"
)

type MergerConfig struct {
	Logger    *slog.Logger
	Dimension *dimension.Dimension
	Store     store.Store
	Clock     clockwork.Clock
}

func (cfg *MergerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Dimension == nil {
		return errors.New("dimension is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Merger is the single writer of one dimension. It applies batches one at a
// time: read the current state, plan, then apply the plan atomically.
type Merger struct {
	log      *slog.Logger
	cfg      MergerConfig
	executor *Executor

	// inDoubt holds, by batch id, plans whose apply failed with
	// ErrStoreUnavailable. The commit may have landed anyway.
	inDoubtMu sync.Mutex
	inDoubt   map[string]*MergePlan
}

func NewMerger(cfg MergerConfig) (*Merger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	executor, err := NewExecutor(ExecutorConfig{
		Logger: cfg.Logger,
		Store:  cfg.Store,
		Clock:  cfg.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}
	return &Merger{
		log:      cfg.Logger,
		cfg:      cfg,
		executor: executor,
		inDoubt:  make(map[string]*MergePlan),
	}, nil
}

func (m *Merger) Dimension() *dimension.Dimension {
	return m.cfg.Dimension
}

// ApplyBatch merges batch into the dimension at batch.Timestamp.
//
// A batch whose id is already recorded is skipped and reported with
// AlreadyApplied, unless the record carries the op id of an earlier attempt
// of this merger that failed with ErrStoreUnavailable. That attempt did
// commit, so its result is returned with Recovered set. A batch older than the last applied batch fails with
// ErrOutOfOrderBatch; one at the same timestamp is allowed so that replays
// are idempotent. A batch without an id gets a generated one so that it
// still advances the watermark.
func (m *Merger) ApplyBatch(ctx context.Context, batch dimension.Batch) (*ApplyResult, error) {
	name := m.cfg.Dimension.Name()
	start := time.Now()
	if batch.ID == "" {
		batch.ID = "adhoc-" + uuid.New().String()
	}

	result, err := m.applyBatch(ctx, batch)

	metrics.BatchApplyDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		metrics.BatchesAppliedTotal.WithLabelValues(name, errorStatus(err)).Inc()
		m.log.Error("scd2: batch rejected", "dimension", name, "batch_id", batch.ID, "batch_ts", batch.Timestamp, "error", err)
	case result.AlreadyApplied:
		metrics.BatchesAppliedTotal.WithLabelValues(name, "skipped").Inc()
		m.log.Info("scd2: batch already applied", "dimension", name, "batch_id", batch.ID)
	default:
		if result.Recovered {
			m.log.Warn("scd2: batch was committed by an earlier attempt", "dimension", name, "batch_id", result.BatchID, "op_id", result.OpID)
		}
		metrics.BatchesAppliedTotal.WithLabelValues(name, "success").Inc()
		metrics.EntitiesClassifiedTotal.WithLabelValues(name, ClassNew.String()).Add(float64(result.New))
		metrics.EntitiesClassifiedTotal.WithLabelValues(name, ClassChanged.String()).Add(float64(result.Changed))
		metrics.EntitiesClassifiedTotal.WithLabelValues(name, ClassUnchanged.String()).Add(float64(result.Unchanged))
		metrics.EntitiesClassifiedTotal.WithLabelValues(name, ClassDeleted.String()).Add(float64(result.Deleted))
		metrics.LastAppliedBatchTimestamp.WithLabelValues(name).Set(float64(result.BatchTimestamp.Unix()))
		m.log.Info("scd2: batch applied",
			"dimension", name,
			"batch_id", result.BatchID,
			"batch_ts", result.BatchTimestamp,
			"op_id", result.OpID,
			"new", result.New,
			"changed", result.Changed,
			"unchanged", result.Unchanged,
			"deleted", result.Deleted,
			"duration", time.Since(start).String())
	}
	return result, err
}

func (m *Merger) applyBatch(ctx context.Context, batch dimension.Batch) (*ApplyResult, error) {
	if batch.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: batch %q has no timestamp", ErrInvalidInput, batch.ID)
	}
	batchTS := batch.Timestamp.UTC().Truncate(dimension.TimePrecision)
	doubt := m.inDoubtPlan(batch.ID)

	var (
		recorded  *store.BatchRecord
		recovered *ApplyResult
		current   map[dimension.EntityID]dimension.Version
	)
	err := m.cfg.Store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		recorded, err = tx.LookupBatch(ctx, batch.ID)
		if err != nil {
			return fmt.Errorf("failed to check batch: %w", err)
		}
		if recorded != nil {
			if doubt != nil && recorded.OpID == doubt.OpID {
				recovered, err = m.recoverResult(ctx, tx, doubt)
			}
			return err
		}

		last, err := tx.LastBatch(ctx)
		if err != nil {
			return fmt.Errorf("failed to read last batch: %w", err)
		}
		if last != nil && batchTS.Before(last.BatchTimestamp) {
			return fmt.Errorf("%w: batch %q at %s is older than last applied batch %q at %s",
				ErrOutOfOrderBatch, batch.ID, batchTS, last.BatchID, last.BatchTimestamp)
		}

		current, err = m.readCurrent(ctx, tx, batch)
		return err
	})
	if err != nil {
		return nil, err
	}
	if recorded != nil {
		m.setInDoubt(batch.ID, nil)
		if recovered != nil {
			return recovered, nil
		}
		return &ApplyResult{
			Dimension:      m.cfg.Dimension.Name(),
			BatchID:        batch.ID,
			BatchTimestamp: batchTS,
			OpID:           recorded.OpID,
			AlreadyApplied: true,
		}, nil
	}

	plan, err := Plan(m.cfg.Dimension, batchTS, current, batch)
	if err != nil {
		return nil, err
	}
	plan.OpID = uuid.New().String()
	m.log.Debug("scd2: planned batch", "dimension", plan.Dimension, "batch_id", plan.BatchID, "op_id", plan.OpID, "operations", len(plan.Operations))

	result, err := m.executor.Apply(ctx, plan)
	switch {
	case errors.Is(err, ErrStoreUnavailable):
		m.setInDoubt(batch.ID, plan)
	case err == nil:
		m.setInDoubt(batch.ID, nil)
	}
	return result, err
}

func (m *Merger) inDoubtPlan(batchID string) *MergePlan {
	m.inDoubtMu.Lock()
	defer m.inDoubtMu.Unlock()
	return m.inDoubt[batchID]
}

// setInDoubt records plan for batchID, or forgets the batch when plan is nil.
func (m *Merger) setInDoubt(batchID string, plan *MergePlan) {
	m.inDoubtMu.Lock()
	defer m.inDoubtMu.Unlock()
	if plan == nil {
		delete(m.inDoubt, batchID)
		return
	}
	m.inDoubt[batchID] = plan
}

// recoverResult rebuilds the result of a plan that committed, reading the
// surrogate keys its inserts were given.
func (m *Merger) recoverResult(ctx context.Context, tx store.Tx, plan *MergePlan) (*ApplyResult, error) {
	inserts := plan.Inserts()
	inserted := make([]dimension.Version, 0, len(inserts))
	for _, v := range inserts {
		hist, err := tx.LookupHistory(ctx, v.EntityID)
		if err != nil {
			return nil, fmt.Errorf("failed to read history of %s: %w", v.Key, err)
		}
		for _, h := range hist {
			if h.BatchID == plan.BatchID && h.EffectiveStart.Equal(v.EffectiveStart) {
				v.SurrogateKey = h.SurrogateKey
				break
			}
		}
		inserted = append(inserted, v)
	}
	result := &ApplyResult{
		Dimension:      plan.Dimension,
		BatchID:        plan.BatchID,
		BatchTimestamp: plan.BatchTimestamp,
		OpID:           plan.OpID,
		New:            plan.New,
		Changed:        plan.Changed,
		Unchanged:      plan.Unchanged,
		Deleted:        plan.Deleted,
		Recovered:      true,
	}
	result.fill(plan, inserted)
	return result, nil
}

// readCurrent loads the current versions the plan needs: all of them for a
// full snapshot, only the batch's keys otherwise.
func (m *Merger) readCurrent(ctx context.Context, tx store.Tx, batch dimension.Batch) (map[dimension.EntityID]dimension.Version, error) {
	current := make(map[dimension.EntityID]dimension.Version)
	if batch.FullSnapshot {
		versions, err := tx.LookupAllCurrent(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read current versions: %w", err)
		}
		for _, v := range versions {
			current[v.EntityID] = v
		}
		return current, nil
	}
	for _, rec := range batch.Records {
		id := rec.Key.EntityID()
		if _, ok := current[id]; ok {
			continue
		}
		v, err := tx.LookupCurrent(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to read current version of %s: %w", rec.Key, err)
		}
		if v != nil {
			current[id] = *v
		}
	}
	return current, nil
}

// History returns every version of the entity with the given natural key.
func (m *Merger) History(ctx context.Context, key dimension.NaturalKey) ([]dimension.Version, error) {
	var out []dimension.Version
	err := m.cfg.Store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.LookupHistory(ctx, key.EntityID())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return out, nil
}

// Current returns every current version of the dimension.
func (m *Merger) Current(ctx context.Context) ([]dimension.Version, error) {
	var out []dimension.Version
	err := m.cfg.Store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.LookupAllCurrent(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read current versions: %w", err)
	}
	return out, nil
}

// Applied reports whether a batch id has been recorded.
func (m *Merger) Applied(ctx context.Context, batchID string) (bool, error) {
	var applied bool
	err := m.cfg.Store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		applied, err = tx.BatchApplied(ctx, batchID)
		return err
	})
	return applied, err
}

// LastBatch returns the most recently applied batch, or nil.
func (m *Merger) LastBatch(ctx context.Context) (*store.BatchRecord, error) {
	var last *store.BatchRecord
	err := m.cfg.Store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		last, err = tx.LastBatch(ctx)
		return err
	})
	return last, err
}

func errorStatus(err error) string {
	switch {
	case errors.Is(err, ErrOutOfOrderBatch):
		return "out_of_order"
	case errors.Is(err, ErrSchema):
		return "schema_error"
	case errors.Is(err, ErrConstraintViolation):
		return "constraint_violation"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	}
	return "error"
}
