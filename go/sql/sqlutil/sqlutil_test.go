package sqlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValuesPlaceholders(t *testing.T) {
	assert.Equal(t, "($1,$2),($3,$4),($5,$6)", ValuesPlaceholders(2, 3))
	assert.Equal(t, "($1)", ValuesPlaceholders(1, 1))
	assert.Equal(t, "($1,$2,$3,$4)", ValuesPlaceholders(4, 1))
	require.Panics(t, func() { ValuesPlaceholders(0, 1) })
	require.Panics(t, func() { ValuesPlaceholders(1, 0) })
}

func TestWherePlaceholders(t *testing.T) {
	assert.Equal(t, "(name=$1 AND city=$2) OR (name=$3 AND city=$4)",
		WherePlaceholders([]string{"name", "city"}, 2))
	assert.Equal(t, "(id=$1)", WherePlaceholders([]string{"id"}, 1))
	require.Panics(t, func() { WherePlaceholders(nil, 1) })
	require.Panics(t, func() { WherePlaceholders([]string{"id"}, 0) })
}

func TestInPlaceholders(t *testing.T) {
	assert.Equal(t, "$1", InPlaceholders(1))
	assert.Equal(t, "$1,$2,$3", InPlaceholders(3))
	require.Panics(t, func() { InPlaceholders(0) })
}
