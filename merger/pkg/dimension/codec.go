package dimension

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses the timestamp formats accepted in text rows. Values
// without a zone are UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// coerce converts v to the Go type of col: string, int64, float64, bool or
// time.Time. Text is parsed; empty text is NULL.
func coerce(col Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok {
		if strings.TrimSpace(s) == "" && col.Type != TypeVarchar {
			return nil, nil
		}
		if s == "" {
			return nil, nil
		}
		return parseText(col, s)
	}
	if n, ok := v.(json.Number); ok {
		return parseText(col, n.String())
	}

	wrongType := func() (any, error) {
		return nil, fmt.Errorf("%w: column %q expects %s, got %T", ErrSchema, col.Name, col.Type, v)
	}

	switch col.Type {
	case TypeVarchar:
		if b, ok := v.([]byte); ok {
			return string(b), nil
		}
		return wrongType()
	case TypeInteger, TypeBigint:
		switch x := v.(type) {
		case int:
			return int64(x), nil
		case int8:
			return int64(x), nil
		case int16:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case int64:
			return x, nil
		case uint8:
			return int64(x), nil
		case uint16:
			return int64(x), nil
		case uint32:
			return int64(x), nil
		case uint64:
			if x > math.MaxInt64 {
				return nil, fmt.Errorf("%w: column %q value %d overflows int64", ErrSchema, col.Name, x)
			}
			return int64(x), nil
		case float64:
			if x != math.Trunc(x) || math.IsInf(x, 0) || math.IsNaN(x) {
				return nil, fmt.Errorf("%w: column %q expects %s, got non-integral %v", ErrSchema, col.Name, col.Type, x)
			}
			return int64(x), nil
		}
		return wrongType()
	case TypeDouble:
		switch x := v.(type) {
		case float64:
			return finite(col, x)
		case float32:
			return finite(col, float64(x))
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case int32:
			return float64(x), nil
		}
		return wrongType()
	case TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return wrongType()
	case TypeTimestamp:
		if t, ok := v.(time.Time); ok {
			return t.UTC(), nil
		}
		return wrongType()
	}
	return wrongType()
}

func parseText(col Column, s string) (any, error) {
	trimmed := strings.TrimSpace(s)
	switch col.Type {
	case TypeVarchar:
		return s, nil
	case TypeInteger, TypeBigint:
		n, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: column %q expects %s, got %q", ErrSchema, col.Name, col.Type, s)
		}
		return n, nil
	case TypeDouble:
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: column %q expects %s, got %q", ErrSchema, col.Name, col.Type, s)
		}
		return finite(col, f)
	case TypeBoolean:
		b, err := strconv.ParseBool(strings.ToLower(trimmed))
		if err != nil {
			return nil, fmt.Errorf("%w: column %q expects %s, got %q", ErrSchema, col.Name, col.Type, s)
		}
		return b, nil
	case TypeTimestamp:
		t, err := ParseTimestamp(trimmed)
		if err != nil {
			return nil, fmt.Errorf("%w: column %q expects %s: %v", ErrSchema, col.Name, col.Type, err)
		}
		return t, nil
	}
	return nil, fmt.Errorf("%w: column %q has unsupported type %s", ErrSchema, col.Name, col.Type)
}

// finite rejects NaN and infinities; no store can persist them.
func finite(col Column, f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: column %q expects a finite %s, got %v", ErrSchema, col.Name, col.Type, f)
	}
	return f, nil
}

// CheckAttributes rejects typed attribute values that no store can hold.
// Records built in code skip ParseRow, so the merger checks them here.
func (d *Dimension) CheckAttributes(attrs Attributes) error {
	for _, col := range d.attrCols {
		if col.Type != TypeDouble {
			continue
		}
		switch x := attrs[col.Name].(type) {
		case float64:
			if _, err := finite(col, x); err != nil {
				return err
			}
		case float32:
			if _, err := finite(col, float64(x)); err != nil {
				return err
			}
		}
	}
	return nil
}

// EncodeKey serializes a natural key as a JSON array for storage.
func (d *Dimension) EncodeKey(key NaturalKey) ([]byte, error) {
	if len(key.Values) != len(d.keyCols) {
		return nil, fmt.Errorf("%w: natural key has %d values, expected %d", ErrSchema, len(key.Values), len(d.keyCols))
	}
	return json.Marshal(key.Values)
}

// DecodeKey is the inverse of EncodeKey.
func (d *Dimension) DecodeKey(data []byte) (NaturalKey, error) {
	var raw []any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return NaturalKey{}, fmt.Errorf("failed to decode natural key: %w", err)
	}
	if len(raw) != len(d.keyCols) {
		return NaturalKey{}, fmt.Errorf("%w: stored natural key has %d values, expected %d", ErrSchema, len(raw), len(d.keyCols))
	}
	values := make([]any, len(raw))
	for i, col := range d.keyCols {
		v, err := coerceStored(col, raw[i])
		if err != nil {
			return NaturalKey{}, err
		}
		values[i] = v
	}
	return NewNaturalKey(values...), nil
}

// EncodeAttributes serializes the tracked attributes as a JSON object.
func (d *Dimension) EncodeAttributes(attrs Attributes) ([]byte, error) {
	out := make(map[string]any, len(d.attrCols))
	for _, col := range d.attrCols {
		if f, ok := attrs[col.Name].(float64); ok {
			if _, err := finite(col, f); err != nil {
				return nil, err
			}
		}
		out[col.Name] = attrs[col.Name]
	}
	return json.Marshal(out)
}

// DecodeAttributes is the inverse of EncodeAttributes. Integers come back as
// int64 and timestamps as time.Time, driven by the schema.
func (d *Dimension) DecodeAttributes(data []byte) (Attributes, error) {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode attributes: %w", err)
	}
	attrs := make(Attributes, len(d.attrCols))
	for _, col := range d.attrCols {
		v, err := coerceStored(col, raw[col.Name])
		if err != nil {
			return nil, err
		}
		attrs[col.Name] = v
	}
	return attrs, nil
}

// coerceStored is coerce for values that went through JSON, where a VARCHAR
// holding "" must stay "" rather than become NULL.
func coerceStored(col Column, v any) (any, error) {
	if s, ok := v.(string); ok && s == "" && col.Type == TypeVarchar {
		return "", nil
	}
	return coerce(col, v)
}
