package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTSLess(t *testing.T) {
	require.True(t, TSLess("1700000000.000100", "1700000000.000200"))
	require.True(t, TSLess("1700000000.5", "1700000000.600000"))
	require.False(t, TSLess("1700000001.000000", "1700000000.999999"))
	require.False(t, TSLess("1700000000.5", "1700000000.500000"))
	require.True(t, TSLess("999", "1000.1"))
}
