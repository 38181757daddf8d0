package dimension

import (
	"time"
)

// Infinity is the effective_end of a version that is still open.
var Infinity = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// TimePrecision is the finest instant every version store keeps. Postgres
// TIMESTAMPTZ stops at microseconds, so effective times are truncated to it.
const TimePrecision = time.Microsecond

// IsInfinity reports whether t is the open-ended sentinel.
func IsInfinity(t time.Time) bool {
	return !t.Before(Infinity)
}

// Attributes maps a tracked attribute column to its typed value. A nil value
// is NULL.
type Attributes map[string]any

// Row is implemented by both record types.
type Row interface {
	NaturalKey() NaturalKey
	Attributes() Attributes
}

// Version is one time-bounded row of the dimension.
type Version struct {
	SurrogateKey   SurrogateKey
	EntityID       EntityID
	Key            NaturalKey
	Attrs          Attributes
	EffectiveStart time.Time
	EffectiveEnd   time.Time
	IsCurrent      bool
	IsDeleted      bool
	// BatchID is the batch that inserted this version.
	BatchID string
}

func (v Version) NaturalKey() NaturalKey {
	return v.Key
}

func (v Version) Attributes() Attributes {
	return v.Attrs
}

// Open reports whether the version has no effective end yet.
func (v Version) Open() bool {
	return IsInfinity(v.EffectiveEnd)
}

// Op is the change operation carried by a CDC record.
type Op string

const (
	// OpUpsert covers inserts and updates; the record is the entity's state.
	OpUpsert Op = "U"
	// OpDelete marks an explicit deletion of the entity.
	OpDelete Op = "D"
)

// CDCRecord is the believed current state of one entity as of BatchTimestamp.
type CDCRecord struct {
	Key            NaturalKey
	Attrs          Attributes
	BatchTimestamp time.Time
	Op             Op
}

func (r CDCRecord) NaturalKey() NaturalKey {
	return r.Key
}

func (r CDCRecord) Attributes() Attributes {
	return r.Attrs
}

// Batch is an ordered set of CDC records sharing one timestamp.
type Batch struct {
	// ID identifies the batch for dedupe, e.g. the source object name.
	ID        string
	Timestamp time.Time
	Records   []CDCRecord
	// FullSnapshot declares that keys absent from Records were deleted.
	FullSnapshot bool
}
