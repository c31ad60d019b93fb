// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics, the Prometheus exporter bridge, and HTTP middleware
// that records request latency.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped via
// the standard /metrics endpoint through the Prometheus bridge set up by
// [InitProvider]. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/soothelab/crysense"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// OracleDuration tracks reasoning-oracle call latency. Use with
	// attributes: attribute.String("engine", ...), attribute.String("mode", ...).
	OracleDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...).
	HTTPRequestDuration metric.Float64Histogram

	// ChunksReceived counts accepted audio chunks.
	ChunksReceived metric.Int64Counter

	// ChunksDropped counts chunks rejected server-side. Use with attribute:
	//   attribute.String("reason", "oversized"|"terminal"|"unknown_stream")
	ChunksDropped metric.Int64Counter

	// OracleCalls counts oracle invocations. Use with attributes:
	//   attribute.String("mode", ...), attribute.String("status", "ok"|"error")
	OracleCalls metric.Int64Counter

	// StalePartials counts chunk responses that reused a previous partial.
	StalePartials metric.Int64Counter

	// SessionsFinalized counts sessions reaching a terminal state. Use with
	// attribute: attribute.String("status", "completed"|"expired").
	SessionsFinalized metric.Int64Counter

	// ActiveStreams tracks the number of live streaming sessions.
	ActiveStreams metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Oracle
// calls dominate the upper range.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.OracleDuration, err = m.Float64Histogram("crysense.oracle.duration",
		metric.WithDescription("Latency of reasoning oracle calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("crysense.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.ChunksReceived, err = m.Int64Counter("crysense.chunks.received",
		metric.WithDescription("Total accepted audio chunks."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("crysense.chunks.dropped",
		metric.WithDescription("Total rejected audio chunks by reason."),
	); err != nil {
		return nil, err
	}
	if met.OracleCalls, err = m.Int64Counter("crysense.oracle.calls",
		metric.WithDescription("Total oracle invocations by mode and status."),
	); err != nil {
		return nil, err
	}
	if met.StalePartials, err = m.Int64Counter("crysense.partials.stale",
		metric.WithDescription("Chunk responses that reused a previous partial result."),
	); err != nil {
		return nil, err
	}
	if met.SessionsFinalized, err = m.Int64Counter("crysense.sessions.finalized",
		metric.WithDescription("Sessions reaching a terminal state by status."),
	); err != nil {
		return nil, err
	}

	if met.ActiveStreams, err = m.Int64UpDownCounter("crysense.active_streams",
		metric.WithDescription("Number of live streaming sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordOracleCall records one oracle invocation with its latency.
func (m *Metrics) RecordOracleCall(ctx context.Context, engine, mode, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("engine", engine),
		attribute.String("mode", mode),
		attribute.String("status", status),
	)
	m.OracleCalls.Add(ctx, 1, attrs)
	m.OracleDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("engine", engine),
		attribute.String("mode", mode),
	))
}

// RecordChunkDropped records one rejected chunk with its reason.
func (m *Metrics) RecordChunkDropped(ctx context.Context, reason string) {
	m.ChunksDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSessionFinalized records one terminal session transition.
func (m *Metrics) RecordSessionFinalized(ctx context.Context, status string) {
	m.SessionsFinalized.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.ActiveStreams.Add(ctx, -1)
}
