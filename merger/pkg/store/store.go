package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/malbeclabs/dimlake/merger/pkg/dimension"
)

var (
	// ErrUnavailable wraps transport and connectivity failures. Callers may
	// retry the whole transaction.
	ErrUnavailable = errors.New("store unavailable")

	// ErrConstraintViolation is returned when a write would break a store
	// invariant, e.g. a second current version for the same entity.
	ErrConstraintViolation = errors.New("constraint violation")
)

// Unavailable wraps err so that errors.Is matches ErrUnavailable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// ConstraintViolation wraps err so that errors.Is matches ErrConstraintViolation.
func ConstraintViolation(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrConstraintViolation, err)
}

// Store is the persistence boundary of one dimension. All reads and writes
// happen inside WithTx: fn's changes commit together when it returns nil and
// roll back otherwise.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of operations available inside a transaction.
type Tx interface {
	// LookupCurrent returns the current version of an entity, or nil.
	LookupCurrent(ctx context.Context, id dimension.EntityID) (*dimension.Version, error)
	// LookupAllCurrent returns every current version.
	LookupAllCurrent(ctx context.Context) ([]dimension.Version, error)
	// InsertBatch inserts versions and returns the assigned surrogate keys in
	// input order. SurrogateKey on the inputs is ignored.
	InsertBatch(ctx context.Context, versions []dimension.Version) ([]dimension.SurrogateKey, error)
	// UpdateBatch closes or flags existing versions. Every update must match
	// a version that is current, else ErrConstraintViolation.
	UpdateBatch(ctx context.Context, updates []VersionUpdate) error

	// LookupHistory returns all versions of an entity ordered by effective start.
	LookupHistory(ctx context.Context, id dimension.EntityID) ([]dimension.Version, error)
	// CountCurrent returns the number of current versions per entity.
	CountCurrent(ctx context.Context, ids []dimension.EntityID) (map[dimension.EntityID]int, error)
	// LastBatch returns the most recently applied batch by timestamp, or nil.
	LastBatch(ctx context.Context) (*BatchRecord, error)
	// BatchApplied reports whether a batch id has been recorded.
	BatchApplied(ctx context.Context, batchID string) (bool, error)
	// LookupBatch returns the record of a batch id, or nil.
	LookupBatch(ctx context.Context, batchID string) (*BatchRecord, error)
	// RecordBatch records an applied batch. Recording an id twice is a
	// constraint violation.
	RecordBatch(ctx context.Context, rec BatchRecord) error
}

// VersionUpdate closes a version in place.
type VersionUpdate struct {
	SurrogateKey dimension.SurrogateKey
	EntityID     dimension.EntityID
	EffectiveEnd time.Time
	IsCurrent    bool
	IsDeleted    bool
}

// BatchRecord is the audit row written in the same transaction as a batch.
type BatchRecord struct {
	BatchID        string
	OpID           string
	BatchTimestamp time.Time
	New            int
	Changed        int
	Unchanged      int
	Deleted        int
	AppliedAt      time.Time
}
