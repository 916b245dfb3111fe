package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/curvegateway/curve-gateway/internal/config"
)

func TestLimiter_NoPolicyAlwaysAllowed(t *testing.T) {
	l := New(nil)
	require.True(t, l.Check("gpt-4o", "tenant-a", 1000))
}

func TestLimiter_DeniesOverQuota(t *testing.T) {
	l := New([]config.LlmRatelimit{
		{
			Model: "gpt-4o",
			Selectors: []config.LlmRatelimitSelector{
				{Header: config.Header{Header: "x-tenant"}, Limit: config.Limit{Tokens: 10, Unit: config.TimeUnitMinute}},
			},
		},
	})
	require.True(t, l.Check("gpt-4o", "tenant-a", 5))
	require.True(t, l.Check("gpt-4o", "tenant-a", 5))
	require.False(t, l.Check("gpt-4o", "tenant-a", 5))
}

func TestLimiter_SelectorsAreIndependent(t *testing.T) {
	l := New([]config.LlmRatelimit{
		{
			Model: "gpt-4o",
			Selectors: []config.LlmRatelimitSelector{
				{Header: config.Header{Header: "x-tenant"}, Limit: config.Limit{Tokens: 5, Unit: config.TimeUnitMinute}},
			},
		},
	})
	require.True(t, l.Check("gpt-4o", "tenant-a", 5))
	require.True(t, l.Check("gpt-4o", "tenant-b", 5))
}
