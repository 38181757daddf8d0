package scd2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/dimlake/merger/pkg/dimension"
	"github.com/malbeclabs/dimlake/merger/pkg/store"
)

type ExecutorConfig struct {
	Logger *slog.Logger
	Store  store.Store
	// Clock stamps the applied_at of batch records. Defaults to the real clock.
	Clock clockwork.Clock
}

func (cfg *ExecutorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Executor applies merge plans atomically.
type Executor struct {
	log *slog.Logger
	cfg ExecutorConfig
}

func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Executor{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// ApplyResult summarizes one applied batch.
type ApplyResult struct {
	Dimension      string
	BatchID        string
	BatchTimestamp time.Time
	OpID           string

	New       int
	Changed   int
	Unchanged int
	Deleted   int

	// Inserted and Closed count version rows written.
	Inserted int
	Closed   int

	// Versions are the inserted versions with their surrogate keys.
	Versions []dimension.Version
	// ClosedVersions are the versions closed by the batch, as closed.
	ClosedVersions []dimension.Version

	// AlreadyApplied is set when the batch id had been recorded before and
	// nothing was written.
	AlreadyApplied bool
	// Recovered is set when an earlier attempt of this merger committed the
	// batch but its commit was reported as failed. The result is the one that
	// attempt would have returned.
	Recovered bool
}

// Apply runs every operation of plan in one store transaction. Closes are
// applied before inserts. After the writes it checks that every touched
// entity has at most one current version; any failure rolls the whole
// transaction back.
func (e *Executor) Apply(ctx context.Context, plan *MergePlan) (*ApplyResult, error) {
	if plan == nil {
		return nil, fmt.Errorf("%w: plan is required", ErrInvalidInput)
	}

	opID := plan.OpID
	if opID == "" {
		opID = uuid.New().String()
	}
	result := &ApplyResult{
		Dimension:      plan.Dimension,
		BatchID:        plan.BatchID,
		BatchTimestamp: plan.BatchTimestamp,
		OpID:           opID,
		New:            plan.New,
		Changed:        plan.Changed,
		Unchanged:      plan.Unchanged,
		Deleted:        plan.Deleted,
	}

	closes := plan.Closes()
	inserts := plan.Inserts()

	touched := make([]dimension.EntityID, 0, len(plan.Operations))
	keys := make(map[dimension.EntityID]dimension.NaturalKey, len(plan.Operations))
	expectCurrent := make(map[dimension.EntityID]int, len(plan.Operations))
	for _, op := range plan.Operations {
		id := op.Version.EntityID
		if _, ok := keys[id]; !ok {
			touched = append(touched, id)
			keys[id] = op.Version.Key
		}
		if op.Kind == OperationInsert {
			expectCurrent[id] = 1
		} else if _, ok := expectCurrent[id]; !ok {
			expectCurrent[id] = 0
		}
	}

	var inserted []dimension.Version
	err := e.cfg.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.UpdateBatch(ctx, closes); err != nil {
			return fmt.Errorf("failed to close versions: %w", err)
		}

		surrogates, err := tx.InsertBatch(ctx, inserts)
		if err != nil {
			return fmt.Errorf("failed to insert versions: %w", err)
		}
		if len(surrogates) != len(inserts) {
			return store.ConstraintViolation("insert versions",
				fmt.Errorf("store returned %d surrogate keys for %d versions", len(surrogates), len(inserts)))
		}
		inserted = make([]dimension.Version, len(inserts))
		for i, v := range inserts {
			v.SurrogateKey = surrogates[i]
			inserted[i] = v
		}

		if len(touched) > 0 {
			counts, err := tx.CountCurrent(ctx, touched)
			if err != nil {
				return fmt.Errorf("failed to verify current versions: %w", err)
			}
			for _, id := range touched {
				if n, want := counts[id], expectCurrent[id]; n != want {
					return store.ConstraintViolation("verify current versions",
						fmt.Errorf("natural key %s has %d current versions after apply, expected %d", keys[id], n, want))
				}
			}
		}

		if plan.BatchID != "" {
			if err := tx.RecordBatch(ctx, store.BatchRecord{
				BatchID:        plan.BatchID,
				OpID:           result.OpID,
				BatchTimestamp: plan.BatchTimestamp,
				New:            plan.New,
				Changed:        plan.Changed,
				Unchanged:      plan.Unchanged,
				Deleted:        plan.Deleted,
				AppliedAt:      e.cfg.Clock.Now().UTC(),
			}); err != nil {
				return fmt.Errorf("failed to record batch: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		e.log.Debug("scd2: apply rolled back", "dimension", plan.Dimension, "batch_id", plan.BatchID, "error", err)
		return nil, fmt.Errorf("failed to apply merge plan: %w", err)
	}

	result.fill(plan, inserted)
	return result, nil
}

func (r *ApplyResult) fill(plan *MergePlan, inserted []dimension.Version) {
	r.Versions = inserted
	r.Inserted = len(inserted)
	for _, op := range plan.Operations {
		if op.Kind == OperationClose {
			r.ClosedVersions = append(r.ClosedVersions, op.Version)
		}
	}
	r.Closed = len(r.ClosedVersions)
}
