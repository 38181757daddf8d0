package dimension

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
)

// NaturalKey is the business identifier of an entity, one value per natural
// key column in schema order.
type NaturalKey struct {
	Values []any
}

// EntityID is a deterministic identifier derived from a natural key. It is
// stable across versions and is what stores index current versions by.
type EntityID string

// SurrogateKey identifies one version row. Stores assign it on insert and
// never reuse it.
type SurrogateKey int64

func NewNaturalKey(values ...any) NaturalKey {
	return NaturalKey{
		Values: values,
	}
}

// EntityID converts a natural key to a deterministic entity id.
// Uses a length-delimited encoding to avoid collisions from fmt.Sprintf("%v") and "|" separator.
// Format: typeTag + ":" + length + ":" + payload for each value, then hash.
func (k NaturalKey) EntityID() EntityID {
	var buf bytes.Buffer
	for _, val := range k.Values {
		if val == nil {
			buf.WriteString("nil:0:")
			continue
		}

		typeTag := reflect.TypeOf(val).String()

		var payload []byte
		switch v := val.(type) {
		case string:
			payload = []byte(v)
		case int, int8, int16, int32, int64:
			// All signed widths hash the same so a key parsed from text matches
			// one built from typed values.
			typeTag = "int64"
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], uint64(reflect.ValueOf(v).Int()))
			payload = b[:]
		case uint, uint8, uint16, uint32, uint64:
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], reflect.ValueOf(v).Uint())
			payload = b[:]
		case float32:
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], math.Float32bits(v))
			payload = b[:]
		case float64:
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
			payload = b[:]
		case bool:
			if v {
				payload = []byte{1}
			} else {
				payload = []byte{0}
			}
		case time.Time:
			payload = []byte(v.UTC().Format(time.RFC3339Nano))
		default:
			payload = []byte(fmt.Sprintf("%v", v))
		}

		buf.WriteString(typeTag)
		buf.WriteString(":")
		buf.WriteString(fmt.Sprintf("%d", len(payload)))
		buf.WriteString(":")
		buf.Write(payload)
	}

	hash := sha256.Sum256(buf.Bytes())
	return EntityID(hex.EncodeToString(hash[:]))
}

// String renders the key for diagnostics, e.g. "C1" or "acme|42".
func (k NaturalKey) String() string {
	parts := make([]string, len(k.Values))
	for i, v := range k.Values {
		switch x := v.(type) {
		case nil:
			parts[i] = "NULL"
		case time.Time:
			parts[i] = x.UTC().Format(time.RFC3339Nano)
		default:
			parts[i] = fmt.Sprintf("%v", x)
		}
	}
	return strings.Join(parts, "|")
}
