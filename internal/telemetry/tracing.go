package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// NewTracerProvider builds a sampling tracer provider from the configured
// sampling_rate. A nil or non-positive rate returns an otel no-op
// provider, avoiding span-construction cost entirely rather than
// configuring a sampler that drops everything.
func NewTracerProvider(samplingRate *float64) (oteltrace.TracerProvider, error) {
	if samplingRate == nil || *samplingRate <= 0 {
		return noop.NewTracerProvider(), nil
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(*samplingRate))),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// Shutdown releases the tracer provider's resources if it is a real SDK
// provider; the no-op path has nothing to release.
func Shutdown(ctx context.Context, tp oteltrace.TracerProvider) error {
	if sdkTP, ok := tp.(*sdktrace.TracerProvider); ok {
		return sdkTP.Shutdown(ctx)
	}
	return nil
}
