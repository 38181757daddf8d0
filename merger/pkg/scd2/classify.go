package scd2

import (
	"fmt"

	"github.com/malbeclabs/dimlake/merger/pkg/dimension"
)

// Classification is the outcome of comparing an entity's current version
// with its candidate record.
type Classification int

const (
	ClassNew Classification = iota + 1
	ClassChanged
	ClassUnchanged
	ClassDeleted
)

func (c Classification) String() string {
	switch c {
	case ClassNew:
		return "NEW"
	case ClassChanged:
		return "CHANGED"
	case ClassUnchanged:
		return "UNCHANGED"
	case ClassDeleted:
		return "DELETED"
	}
	return fmt.Sprintf("Classification(%d)", int(c))
}

// Classify decides what happens to one entity. current is its current
// version, candidate its record in the batch; either may be nil, not both.
// A candidate carrying OpDelete deletes the current version, and is a no-op
// when there is none.
func Classify(dim *dimension.Dimension, current *dimension.Version, candidate *dimension.CDCRecord) (Classification, error) {
	switch {
	case current == nil && candidate == nil:
		return 0, fmt.Errorf("%w: classify called with neither a current version nor a candidate", ErrInvalidInput)
	case current == nil:
		if candidate.Op == dimension.OpDelete {
			return ClassUnchanged, nil
		}
		return ClassNew, nil
	case candidate == nil:
		return ClassDeleted, nil
	case candidate.Op == dimension.OpDelete:
		return ClassDeleted, nil
	case dim.AttributesEqual(current.Attrs, candidate.Attrs):
		return ClassUnchanged, nil
	default:
		return ClassChanged, nil
	}
}
