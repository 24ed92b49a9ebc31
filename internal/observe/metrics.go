// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics, distributed tracing, structured logging, HTTP
// middleware that ties them together, and the in-process tool metrics
// [Collector].
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/MrWong99/exchangemcp"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Exchange API ---

	// RequestDuration tracks the latency of a single signed HTTP attempt. Use
	// with attributes:
	//   attribute.String("endpoint", ...), attribute.String("status", ...)
	RequestDuration metric.Float64Histogram

	// Requests counts final request outcomes by endpoint and status
	// ("ok" or an error kind).
	Requests metric.Int64Counter

	// Retries counts retried attempts by endpoint and error kind.
	Retries metric.Int64Counter

	// CircuitRejections counts calls short-circuited by the open breaker.
	CircuitRejections metric.Int64Counter

	// RateLimitWait tracks how long requests waited for a rate-limit token.
	RateLimitWait metric.Float64Histogram

	// --- Tools ---

	// ToolExecutionDuration tracks end-to-end tool invocation latency.
	ToolExecutionDuration metric.Float64Histogram

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ActiveInvocations tracks the number of tool invocations in flight.
	ActiveInvocations metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time of the health
	// surface, labelled with method, route, status and breaker_state.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// exchange round-trips, which range from tens of milliseconds to the 30s
// request timeout.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.RequestDuration, err = m.Float64Histogram("exchange.request.duration",
		metric.WithDescription("Latency of a single signed exchange API attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RateLimitWait, err = m.Float64Histogram("exchange.ratelimit.wait",
		metric.WithDescription("Time spent waiting for a rate-limit token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("exchange.tool_execution.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Requests, err = m.Int64Counter("exchange.requests",
		metric.WithDescription("Total exchange API requests by endpoint and final status."),
	); err != nil {
		return nil, err
	}
	if met.Retries, err = m.Int64Counter("exchange.retries",
		metric.WithDescription("Total retried exchange API attempts by endpoint and error kind."),
	); err != nil {
		return nil, err
	}
	if met.CircuitRejections, err = m.Int64Counter("exchange.circuit_rejections",
		metric.WithDescription("Total calls rejected by the open circuit breaker."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("exchange.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveInvocations, err = m.Int64UpDownCounter("exchange.active_invocations",
		metric.WithDescription("Number of tool invocations currently in flight."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("exchange.http.request.duration",
		metric.WithDescription("Health surface request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// RecordAttempt records the latency of one HTTP attempt against endpoint.
func (m *Metrics) RecordAttempt(ctx context.Context, endpoint, status string, d time.Duration) {
	m.RequestDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("status", status),
		),
	)
}

// RecordRequest records the final outcome of a logical request.
func (m *Metrics) RecordRequest(ctx context.Context, endpoint, status string) {
	m.Requests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("status", status),
		),
	)
}

// RecordRetry records that an attempt against endpoint failed with kind and
// will be retried.
func (m *Metrics) RecordRetry(ctx context.Context, endpoint, kind string) {
	m.Retries.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("kind", kind),
		),
	)
}

// RecordCircuitRejection records a call to endpoint denied by the breaker.
func (m *Metrics) RecordCircuitRejection(ctx context.Context, endpoint string) {
	m.CircuitRejections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("endpoint", endpoint)),
	)
}

// RecordRateLimitWait records the time a request to bucket spent throttled.
func (m *Metrics) RecordRateLimitWait(ctx context.Context, bucket string, d time.Duration) {
	m.RateLimitWait.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("bucket", bucket)),
	)
}

// RecordToolCall records a tool invocation's latency and outcome.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolExecutionDuration.Record(ctx, d.Seconds(), attrs)
}
