package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestActiveCallsAdjuster_AddsAndSubtracts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	adjust := m.ActiveCallsAdjuster("openai")

	adjust(1)
	adjust(1)
	require.Equal(t, float64(2), testutil.ToFloat64(m.ActiveHTTPCalls.WithLabelValues("openai")))

	adjust(-1)
	require.Equal(t, float64(1), testutil.ToFloat64(m.ActiveHTTPCalls.WithLabelValues("openai")))
}

func TestRatelimitedRq_IncrementsPerProvider(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RatelimitedRq.WithLabelValues("openai").Inc()
	m.RatelimitedRq.WithLabelValues("anthropic").Inc()
	m.RatelimitedRq.WithLabelValues("openai").Inc()

	require.Equal(t, float64(2), testutil.ToFloat64(m.RatelimitedRq.WithLabelValues("openai")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.RatelimitedRq.WithLabelValues("anthropic")))
}
