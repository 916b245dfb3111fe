package telemetry

import (
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestNewTracerProvider_NilRateReturnsNoop(t *testing.T) {
	tp, err := NewTracerProvider(nil)
	require.NoError(t, err)
	require.IsType(t, noop.NewTracerProvider(), tp)
}

func TestNewTracerProvider_ZeroRateReturnsNoop(t *testing.T) {
	rate := 0.0
	tp, err := NewTracerProvider(&rate)
	require.NoError(t, err)
	require.IsType(t, noop.NewTracerProvider(), tp)
}

func TestNewTracerProvider_PositiveRateReturnsSDKProvider(t *testing.T) {
	rate := 0.5
	tp, err := NewTracerProvider(&rate)
	require.NoError(t, err)
	_, ok := tp.(*sdktrace.TracerProvider)
	require.True(t, ok)
	require.NoError(t, Shutdown(t.Context(), tp))
}

func TestShutdown_NoopProviderIsANoError(t *testing.T) {
	tp, err := NewTracerProvider(nil)
	require.NoError(t, err)
	require.NoError(t, Shutdown(t.Context(), tp))
}
