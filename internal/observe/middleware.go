package observe

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Response headers set by [Middleware]. CorrelationHeader is also honoured on
// incoming requests.
const (
	CorrelationHeader = "X-Correlation-ID"
	TraceHeader       = "X-Trace-ID"
)

// maxCorrelationIDLen bounds caller supplied correlation ids.
const maxCorrelationIDLen = 128

// unmatchedRoute labels requests no health surface route accepted.
const unmatchedRoute = "unmatched"

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

type middlewareConfig struct {
	breakerState func() string
	newID        func() string
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middlewareConfig)

// WithBreakerState reports the exchange circuit breaker state on every
// request span and duration sample.
func WithBreakerState(fn func() string) MiddlewareOption {
	return func(c *middlewareConfig) { c.breakerState = fn }
}

// Middleware instruments the health surface. For every request it:
//
//   - continues an incoming W3C trace or starts one, and returns the trace id
//     in [TraceHeader];
//   - adopts the caller's [CorrelationHeader] when it is well formed or
//     assigns a fresh one, echoes it and stores it with [WithCorrelationID];
//   - records [Metrics.HTTPRequestDuration] labelled with the matched route
//     pattern rather than the raw path, so unknown paths share one series;
//   - tags the span and the sample with the breaker state when
//     [WithBreakerState] is given.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := middlewareConfig{newID: uuid.NewString}
	for _, o := range opts {
		o(&cfg)
	}
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			cid := r.Header.Get(CorrelationHeader)
			if !validCorrelationID(cid) {
				cid = cfg.newID()
			}

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
					attribute.String("exchange.correlation_id", cid),
				),
			)
			defer span.End()
			ctx = WithCorrelationID(ctx, cid)

			w.Header().Set(CorrelationHeader, cid)
			tid := TraceID(ctx)
			if tid != "" {
				w.Header().Set(TraceHeader, tid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			r = r.WithContext(ctx)
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)
			duration := time.Since(start)

			// ServeMux records the matched pattern on the request it was given.
			route := r.Pattern
			if route == "" {
				route = unmatchedRoute
			}
			span.SetName("HTTP " + route)
			if route != unmatchedRoute {
				span.SetAttributes(semconv.HTTPRoute(route))
			}
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

			attrs := []attribute.KeyValue{
				attribute.String("method", r.Method),
				attribute.String("route", route),
				attribute.Int("status", rec.statusCode),
			}
			if cfg.breakerState != nil {
				state := cfg.breakerState()
				span.SetAttributes(attribute.String("exchange.breaker.state", state))
				attrs = append(attrs, attribute.String("breaker_state", state))
			}
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

			Logger(ctx).LogAttrs(ctx, slog.LevelDebug, "health surface request completed",
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
			)
		})
	}
}

// validCorrelationID accepts non-empty ids of bounded length made of
// letters, digits and the separators "-", "_", ".", ":".
func validCorrelationID(id string) bool {
	if id == "" || len(id) > maxCorrelationIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		switch c := id[i]; {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return false
		}
	}
	return true
}
