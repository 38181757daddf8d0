package dimension

import (
	"fmt"
	"strings"
)

// Schema defines the structure of a dimension.
type Schema interface {
	// Name returns the dimension name (e.g., "customers")
	Name() string
	// NaturalKeyColumns returns the column definitions for the natural key fields
	NaturalKeyColumns() []string
	// AttributeColumns returns the column definitions for the tracked attributes
	AttributeColumns() []string
}

// ColumnType is the semantic type of a column.
type ColumnType string

const (
	TypeVarchar   ColumnType = "VARCHAR"
	TypeInteger   ColumnType = "INTEGER"
	TypeBigint    ColumnType = "BIGINT"
	TypeDouble    ColumnType = "DOUBLE"
	TypeBoolean   ColumnType = "BOOLEAN"
	TypeTimestamp ColumnType = "TIMESTAMP"
)

func (t ColumnType) valid() bool {
	switch t {
	case TypeVarchar, TypeInteger, TypeBigint, TypeDouble, TypeBoolean, TypeTimestamp:
		return true
	}
	return false
}

// Column is a parsed "name:TYPE" column definition.
type Column struct {
	Name string
	Type ColumnType
}

func (c Column) String() string {
	return c.Name + ":" + string(c.Type)
}

// StaticSchema is a Schema built from literal column definitions, for
// dimensions configured at runtime rather than in code.
type StaticSchema struct {
	DimensionName string
	KeyColumns    []string
	AttrColumns   []string
}

func (s *StaticSchema) Name() string {
	return s.DimensionName
}

func (s *StaticSchema) NaturalKeyColumns() []string {
	return s.KeyColumns
}

func (s *StaticSchema) AttributeColumns() []string {
	return s.AttrColumns
}

// parseColumns parses a slice of "name:type" column definitions
func parseColumns(colDefs []string) ([]Column, error) {
	cols := make([]Column, 0, len(colDefs))
	for _, colDef := range colDefs {
		col, err := parseColumn(colDef)
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	return cols, nil
}

// parseColumn parses a single "name:type" column definition
func parseColumn(colDef string) (Column, error) {
	parts := strings.SplitN(colDef, ":", 2)
	if len(parts) != 2 {
		return Column{}, fmt.Errorf("invalid column definition %q: expected format 'name:type'", colDef)
	}
	name := strings.TrimSpace(parts[0])
	if name == "" {
		return Column{}, fmt.Errorf("invalid column definition %q: empty name", colDef)
	}
	typ := ColumnType(strings.ToUpper(strings.TrimSpace(parts[1])))
	if !typ.valid() {
		return Column{}, fmt.Errorf("invalid column definition %q: unsupported type %q", colDef, parts[1])
	}
	return Column{Name: name, Type: typ}, nil
}
