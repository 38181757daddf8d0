package dimension

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ErrSchema is returned when an input row is missing a required field or a
// value has the wrong semantic type for its column.
var ErrSchema = errors.New("schema error")

// Dimension is a parsed Schema. It is immutable and safe for concurrent use.
type Dimension struct {
	schema Schema

	keyCols  []Column
	attrCols []Column
}

func NewDimension(schema Schema) (*Dimension, error) {
	if schema == nil {
		return nil, errors.New("schema is required")
	}
	if schema.Name() == "" {
		return nil, errors.New("schema name is required")
	}
	keyCols, err := parseColumns(schema.NaturalKeyColumns())
	if err != nil {
		return nil, fmt.Errorf("failed to parse natural key columns: %w", err)
	}
	if len(keyCols) == 0 {
		return nil, errors.New("at least one natural key column is required")
	}
	attrCols, err := parseColumns(schema.AttributeColumns())
	if err != nil {
		return nil, fmt.Errorf("failed to parse attribute columns: %w", err)
	}

	seen := make(map[string]struct{}, len(keyCols)+len(attrCols))
	for _, col := range append(append([]Column{}, keyCols...), attrCols...) {
		if _, ok := seen[col.Name]; ok {
			return nil, fmt.Errorf("duplicate column %q", col.Name)
		}
		seen[col.Name] = struct{}{}
	}

	return &Dimension{
		schema:   schema,
		keyCols:  keyCols,
		attrCols: attrCols,
	}, nil
}

func (d *Dimension) Name() string {
	return d.schema.Name()
}

func (d *Dimension) KeyColumns() []Column {
	return d.keyCols
}

func (d *Dimension) AttributeColumns() []Column {
	return d.attrCols
}

// ParseCDCRecord parses a text row (e.g. one CSV line keyed by header) into a
// CDC record stamped with ts. Empty attribute text is NULL.
func (d *Dimension) ParseCDCRecord(raw map[string]string, ts time.Time) (CDCRecord, error) {
	typed := make(map[string]any, len(raw))
	for k, v := range raw {
		typed[k] = v
	}
	key, attrs, err := d.ParseRow(typed)
	if err != nil {
		return CDCRecord{}, err
	}
	return CDCRecord{
		Key:            key,
		Attrs:          attrs,
		BatchTimestamp: ts.UTC(),
		Op:             OpUpsert,
	}, nil
}

// ParseRow extracts the natural key and tracked attributes from a row of
// typed or text values. Every schema column must be present in raw.
func (d *Dimension) ParseRow(raw map[string]any) (NaturalKey, Attributes, error) {
	keyValues := make([]any, 0, len(d.keyCols))
	for _, col := range d.keyCols {
		v, ok := raw[col.Name]
		if !ok {
			return NaturalKey{}, nil, fmt.Errorf("%w: missing natural key column %q", ErrSchema, col.Name)
		}
		val, err := coerce(col, v)
		if err != nil {
			return NaturalKey{}, nil, err
		}
		if val == nil {
			return NaturalKey{}, nil, fmt.Errorf("%w: natural key column %q is null", ErrSchema, col.Name)
		}
		keyValues = append(keyValues, val)
	}

	attrs := make(Attributes, len(d.attrCols))
	for _, col := range d.attrCols {
		v, ok := raw[col.Name]
		if !ok {
			return NaturalKey{}, nil, fmt.Errorf("%w: missing attribute column %q", ErrSchema, col.Name)
		}
		val, err := coerce(col, v)
		if err != nil {
			return NaturalKey{}, nil, err
		}
		attrs[col.Name] = val
	}

	return NewNaturalKey(keyValues...), attrs, nil
}

// ParseKey parses the natural key columns of a text row. Other columns are
// ignored.
func (d *Dimension) ParseKey(raw map[string]string) (NaturalKey, error) {
	values := make([]any, 0, len(d.keyCols))
	for _, col := range d.keyCols {
		v, ok := raw[col.Name]
		if !ok {
			return NaturalKey{}, fmt.Errorf("%w: missing natural key column %q", ErrSchema, col.Name)
		}
		val, err := parseText(col, v)
		if err != nil {
			return NaturalKey{}, err
		}
		values = append(values, val)
	}
	return NewNaturalKey(values...), nil
}

// AttributesEqual compares a and b over the tracked attribute set. A column
// absent from a map is NULL. NULL equals NULL and nothing else.
func (d *Dimension) AttributesEqual(a, b Attributes) bool {
	for _, col := range d.attrCols {
		if !valuesEqual(a[col.Name], b[col.Name]) {
			return false
		}
	}
	return true
}

// AttrsHash returns a hash of the tracked attributes in column order. Equal
// attribute sets always hash equal.
func (d *Dimension) AttrsHash(attrs Attributes) uint64 {
	h := xxhash.New()
	var b [8]byte
	for _, col := range d.attrCols {
		_, _ = h.WriteString(col.Name)
		_, _ = h.Write([]byte{0})
		switch v := attrs[col.Name].(type) {
		case nil:
			_, _ = h.Write([]byte{0})
		case string:
			_, _ = h.Write([]byte{1})
			binary.BigEndian.PutUint64(b[:], uint64(len(v)))
			_, _ = h.Write(b[:])
			_, _ = h.WriteString(v)
		case int64:
			_, _ = h.Write([]byte{2})
			binary.BigEndian.PutUint64(b[:], uint64(v))
			_, _ = h.Write(b[:])
		case float64:
			if v == 0 {
				v = 0 // -0 hashes as 0
			}
			_, _ = h.Write([]byte{3})
			binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
			_, _ = h.Write(b[:])
		case bool:
			if v {
				_, _ = h.Write([]byte{4, 1})
			} else {
				_, _ = h.Write([]byte{4, 0})
			}
		case time.Time:
			_, _ = h.Write([]byte{5})
			binary.BigEndian.PutUint64(b[:], uint64(v.UnixNano()))
			_, _ = h.Write(b[:])
		default:
			_, _ = h.Write([]byte{6})
			_, _ = h.WriteString(fmt.Sprintf("%v", v))
		}
	}
	return h.Sum64()
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch x := a.(type) {
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case []byte:
		y, ok := b.([]byte)
		return ok && string(x) == string(y)
	}
	return a == b
}
