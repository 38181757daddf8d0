package scd2

import (
	"errors"

	"github.com/malbeclabs/dimlake/merger/pkg/dimension"
	"github.com/malbeclabs/dimlake/merger/pkg/store"
)

var (
	// ErrInvalidInput is a caller bug, e.g. classifying with neither a current
	// version nor a candidate.
	ErrInvalidInput = errors.New("invalid input")

	// ErrOutOfOrderBatch is returned when a batch timestamp does not move the
	// timeline of an entity (or the dimension) forward.
	ErrOutOfOrderBatch = errors.New("out of order batch")

	ErrSchema              = dimension.ErrSchema
	ErrConstraintViolation = store.ErrConstraintViolation
	ErrStoreUnavailable    = store.ErrUnavailable
)
