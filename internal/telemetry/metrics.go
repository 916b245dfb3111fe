// Package telemetry wires the gateway's two process-wide metrics and its
// OpenTelemetry tracer provider: an active-calls gauge and a
// rate-limited-requests counter, both labeled by provider, expressed as
// Prometheus CounterVec/GaugeVec rather than through the OTel metrics API.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the two signals the request state machine updates:
// active_http_calls (± on every dispatch/completion) and ratelimited_rq
// (incremented whenever the rate-limit gate denies a request).
type Metrics struct {
	ActiveHTTPCalls *prometheus.GaugeVec
	RatelimitedRq   *prometheus.CounterVec
}

// NewMetrics registers both vectors against reg and returns the handles the
// rest of the gateway uses to update them.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveHTTPCalls: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "active_http_calls",
			Help: "Number of outbound HTTP calls currently in flight, labeled by provider.",
		}, []string{"provider"}),
		RatelimitedRq: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimited_rq",
			Help: "Requests rejected by the rate-limit gate, labeled by provider.",
		}, []string{"provider"}),
	}
	reg.MustRegister(m.ActiveHTTPCalls, m.RatelimitedRq)
	return m
}

// ActiveCallsAdjuster returns a closure suitable for dispatch.New's
// onActiveCallsChanged callback, pre-bound to a provider label.
func (m *Metrics) ActiveCallsAdjuster(provider string) func(delta int) {
	return func(delta int) {
		m.ActiveHTTPCalls.WithLabelValues(provider).Add(float64(delta))
	}
}
