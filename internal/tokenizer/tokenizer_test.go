package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCount_Empty(t *testing.T) {
	n, err := Count("gpt-4o", "")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestCount_Proportional(t *testing.T) {
	short, err := Count("gpt-4o", "hello")
	require.NoError(t, err)
	long, err := Count("gpt-4o", "hello, this is a much longer sentence than the first one")
	require.NoError(t, err)
	require.Greater(t, long, short)
	require.GreaterOrEqual(t, short, 1)
}
