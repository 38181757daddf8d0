package scd2

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/dimlake/merger/pkg/dimension"
)

func TestLake_SCD2_Classify(t *testing.T) {
	t.Parallel()
	dim := customers(t)

	current := &dimension.Version{
		Key:       dimension.NewNaturalKey("C1"),
		Attrs:     dimension.Attributes{"name": "Alice", "city": "NY"},
		IsCurrent: true,
	}
	same := rec("C1", "Alice", "NY")
	moved := rec("C1", "Alice", "LA")
	nullCity := dimension.CDCRecord{Key: dimension.NewNaturalKey("C1"), Attrs: dimension.Attributes{"name": "Alice", "city": nil}}
	deleted := rec("C1", "Alice", "NY")
	deleted.Op = dimension.OpDelete

	tests := []struct {
		name      string
		current   *dimension.Version
		candidate *dimension.CDCRecord
		want      Classification
	}{
		{"new", nil, &same, ClassNew},
		{"deleted_when_absent", current, nil, ClassDeleted},
		{"unchanged", current, &same, ClassUnchanged},
		{"changed", current, &moved, ClassChanged},
		{"value_to_null_is_changed", current, &nullCity, ClassChanged},
		{"explicit_delete", current, &deleted, ClassDeleted},
		{"explicit_delete_of_unknown_key", nil, &deleted, ClassUnchanged},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Classify(dim, tt.current, tt.candidate)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	t.Run("neither_present", func(t *testing.T) {
		t.Parallel()
		_, err := Classify(dim, nil, nil)
		require.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("null_equals_null", func(t *testing.T) {
		t.Parallel()
		cur := &dimension.Version{Attrs: dimension.Attributes{"name": "Alice", "city": nil}, IsCurrent: true}
		got, err := Classify(dim, cur, &nullCity)
		require.NoError(t, err)
		require.Equal(t, ClassUnchanged, got)
	})

	t.Run("string", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, "NEW", ClassNew.String())
		require.Equal(t, "DELETED", ClassDeleted.String())
		require.Equal(t, "Classification(0)", Classification(0).String())
	})
}
