package scd2

import (
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/malbeclabs/dimlake/merger/pkg/dimension"
	"github.com/malbeclabs/dimlake/merger/pkg/store"
)

type OperationKind int

const (
	// OperationClose ends the current version of an entity.
	OperationClose OperationKind = iota + 1
	// OperationInsert adds a new current version.
	OperationInsert
)

func (k OperationKind) String() string {
	switch k {
	case OperationClose:
		return "close"
	case OperationInsert:
		return "insert"
	}
	return fmt.Sprintf("OperationKind(%d)", int(k))
}

// Operation is one store mutation. Version is the row as it will read after
// the operation: the closed version for a close, the new version (without a
// surrogate key) for an insert.
type Operation struct {
	Kind    OperationKind
	Class   Classification
	Version dimension.Version
}

// Update returns the store update for a close operation.
func (op Operation) Update() store.VersionUpdate {
	return store.VersionUpdate{
		SurrogateKey: op.Version.SurrogateKey,
		EntityID:     op.Version.EntityID,
		EffectiveEnd: op.Version.EffectiveEnd,
		IsCurrent:    false,
		IsDeleted:    op.Version.IsDeleted,
	}
}

// MergePlan is the full set of operations for one batch. It is computed
// without touching the store.
type MergePlan struct {
	Dimension      string
	BatchID        string
	BatchTimestamp time.Time
	Operations     []Operation
	// OpID is recorded with the batch. The executor generates one when it is
	// empty.
	OpID string

	New       int
	Changed   int
	Unchanged int
	Deleted   int
}

// Empty reports whether applying the plan would not change the store.
func (p *MergePlan) Empty() bool {
	return len(p.Operations) == 0
}

func (p *MergePlan) Closes() []store.VersionUpdate {
	var out []store.VersionUpdate
	for _, op := range p.Operations {
		if op.Kind == OperationClose {
			out = append(out, op.Update())
		}
	}
	return out
}

func (p *MergePlan) Inserts() []dimension.Version {
	var out []dimension.Version
	for _, op := range p.Operations {
		if op.Kind == OperationInsert {
			out = append(out, op.Version)
		}
	}
	return out
}

// Plan computes the operations that bring the dimension from current to the
// state described by batch at batchTS. current maps entity id to version;
// entries that are not current are ignored. Keys absent from the batch are
// deleted only when batch.FullSnapshot is set.
//
// batchTS is truncated to dimension.TimePrecision, so two batches inside the
// same microsecond share one effective instant.
//
// Operations are ordered by entity id, and for each entity the close comes
// before the insert. Plan has no side effects and reads no clock.
func Plan(dim *dimension.Dimension, batchTS time.Time, current map[dimension.EntityID]dimension.Version, batch dimension.Batch) (*MergePlan, error) {
	if dim == nil {
		return nil, fmt.Errorf("%w: dimension is required", ErrInvalidInput)
	}
	if batchTS.IsZero() || dimension.IsInfinity(batchTS) {
		return nil, fmt.Errorf("%w: batch timestamp %s is not a valid effective instant", ErrInvalidInput, batchTS)
	}
	batchTS = batchTS.UTC().Truncate(dimension.TimePrecision)
	if !batch.Timestamp.IsZero() && !batch.Timestamp.Truncate(dimension.TimePrecision).Equal(batchTS) {
		return nil, fmt.Errorf("%w: batch %q timestamp %s does not match %s", ErrSchema, batch.ID, batch.Timestamp.UTC(), batchTS)
	}

	candidates := make(map[dimension.EntityID]*dimension.CDCRecord, len(batch.Records))
	for i := range batch.Records {
		rec := &batch.Records[i]
		if len(rec.Key.Values) != len(dim.KeyColumns()) {
			return nil, fmt.Errorf("%w: record %d has %d natural key values, expected %d", ErrSchema, i, len(rec.Key.Values), len(dim.KeyColumns()))
		}
		for j, v := range rec.Key.Values {
			if v == nil {
				return nil, fmt.Errorf("%w: natural key %s: column %q is null", ErrSchema, rec.Key, dim.KeyColumns()[j].Name)
			}
		}
		if !rec.BatchTimestamp.IsZero() && !rec.BatchTimestamp.Truncate(dimension.TimePrecision).Equal(batchTS) {
			return nil, fmt.Errorf("%w: natural key %s: record timestamp %s does not match batch timestamp %s",
				ErrSchema, rec.Key, rec.BatchTimestamp.UTC(), batchTS)
		}
		if rec.Op != dimension.OpDelete {
			if err := dim.CheckAttributes(rec.Attrs); err != nil {
				return nil, fmt.Errorf("natural key %s: %w", rec.Key, err)
			}
		}
		id := rec.Key.EntityID()
		if _, ok := candidates[id]; ok {
			return nil, fmt.Errorf("%w: natural key %s appears more than once in batch", ErrSchema, rec.Key)
		}
		candidates[id] = rec
	}

	ids := make([]dimension.EntityID, 0, len(candidates)+len(current))
	seen := make(map[dimension.EntityID]struct{}, cap(ids))
	for id := range candidates {
		ids = append(ids, id)
		seen[id] = struct{}{}
	}
	if batch.FullSnapshot {
		for id, v := range current {
			if !v.IsCurrent {
				continue
			}
			if _, ok := seen[id]; !ok {
				ids = append(ids, id)
				seen[id] = struct{}{}
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	plan := &MergePlan{
		Dimension:      dim.Name(),
		BatchID:        batch.ID,
		BatchTimestamp: batchTS,
	}
	for _, id := range ids {
		var cur *dimension.Version
		if v, ok := current[id]; ok && v.IsCurrent {
			cur = &v
		}
		cand := candidates[id]

		class, err := Classify(dim, cur, cand)
		if err != nil {
			return nil, err
		}

		if cur != nil {
			if batchTS.Before(cur.EffectiveStart) {
				return nil, fmt.Errorf("%w: natural key %s: batch timestamp %s is before effective start %s of current version %d",
					ErrOutOfOrderBatch, cur.Key, batchTS, cur.EffectiveStart.UTC(), cur.SurrogateKey)
			}
			if (class == ClassChanged || class == ClassDeleted) && !batchTS.After(cur.EffectiveStart) {
				return nil, fmt.Errorf("%w: natural key %s: batch timestamp %s must be after effective start %s to close version %d",
					ErrOutOfOrderBatch, cur.Key, batchTS, cur.EffectiveStart.UTC(), cur.SurrogateKey)
			}
		}

		switch class {
		case ClassNew:
			plan.New++
			plan.Operations = append(plan.Operations, insertOp(class, id, cand, batchTS, batch.ID))
		case ClassChanged:
			plan.Changed++
			plan.Operations = append(plan.Operations,
				closeOp(class, *cur, batchTS, false),
				insertOp(class, id, cand, batchTS, batch.ID))
		case ClassDeleted:
			plan.Deleted++
			plan.Operations = append(plan.Operations, closeOp(class, *cur, batchTS, true))
		case ClassUnchanged:
			plan.Unchanged++
		}
	}

	return plan, nil
}

func insertOp(class Classification, id dimension.EntityID, rec *dimension.CDCRecord, batchTS time.Time, batchID string) Operation {
	return Operation{
		Kind:  OperationInsert,
		Class: class,
		Version: dimension.Version{
			EntityID:       id,
			Key:            rec.Key,
			Attrs:          maps.Clone(rec.Attrs),
			EffectiveStart: batchTS,
			EffectiveEnd:   dimension.Infinity,
			IsCurrent:      true,
			IsDeleted:      false,
			BatchID:        batchID,
		},
	}
}

func closeOp(class Classification, cur dimension.Version, batchTS time.Time, deleted bool) Operation {
	closed := cur
	closed.Attrs = maps.Clone(cur.Attrs)
	closed.EffectiveEnd = batchTS
	closed.IsCurrent = false
	closed.IsDeleted = deleted
	return Operation{
		Kind:    OperationClose,
		Class:   class,
		Version: closed,
	}
}
