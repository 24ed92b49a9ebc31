// Package tools exposes exchange operations as MCP tools.
//
// [Runner] is the seam between tool handlers and the execution core: every
// invocation goes through [Runner.Wrap], which opens a request context,
// starts a span, records tool metrics and guarantees cleanup, and handlers
// reach the exchange through [Runner.Execute]. [Server] registers the tool
// catalog on an MCP server.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/exchangemcp/internal/exchange"
	"github.com/MrWong99/exchangemcp/internal/observe"
	"github.com/MrWong99/exchangemcp/internal/reqctx"
)

// Executor performs exchange calls. [*exchange.Client] implements it.
type Executor interface {
	Execute(ctx context.Context, method, path string, params map[string]any, opts ...exchange.CallOption) (any, error)
	Public(ctx context.Context, path string, params map[string]any, opts ...exchange.CallOption) (any, error)
}

// InvocationError is returned by [Runner.Wrap] when a tool fails. It records
// which invocation failed so the error can be reported after the request
// context is gone.
type InvocationError struct {
	Tool          string
	CorrelationID string
	Err           error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// RunnerOption configures a [Runner].
type RunnerOption func(*Runner)

// WithRunnerMetrics tracks in-flight invocations on m instead of
// [observe.DefaultMetrics].
func WithRunnerMetrics(m *observe.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// Runner wraps tool invocations. It is safe for concurrent use.
type Runner struct {
	exec      Executor
	requests  *reqctx.Manager
	collector *observe.Collector
	metrics   *observe.Metrics
}

// NewRunner returns a [Runner] executing calls on exec, opening request
// contexts on requests and recording executions on collector.
func NewRunner(exec Executor, requests *reqctx.Manager, collector *observe.Collector, opts ...RunnerOption) *Runner {
	r := &Runner{
		exec:      exec,
		requests:  requests,
		collector: collector,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Wrap runs fn as the tool invocation name. fn receives a context carrying a
// fresh request context; the request context is removed when Wrap returns,
// also when fn fails or panics. Failures are returned as [*InvocationError].
func (r *Runner) Wrap(ctx context.Context, name string, args map[string]any, fn func(context.Context) (any, error)) (any, error) {
	ctx, rc := r.requests.Begin(ctx, name)
	id := rc.CorrelationID()
	defer r.requests.Clear(id)

	ctx, span := observe.StartSpan(ctx, "tool."+name, trace.WithAttributes(
		attribute.String("tool", name),
		attribute.String("correlation_id", id),
	))
	defer span.End()

	r.metrics.ActiveInvocations.Add(ctx, 1)
	defer r.metrics.ActiveInvocations.Add(ctx, -1)

	log := reqctx.Logger(ctx)
	log.Debug("tool invocation started", "args", len(args))

	start := time.Now()
	result, err := call(ctx, fn)
	elapsed := time.Since(start)
	r.collector.RecordToolExecution(ctx, name, elapsed, err == nil)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Info("tool invocation finished",
			"success", false,
			"kind", kindOf(err),
			"duration", elapsed,
		)
		return nil, &InvocationError{Tool: name, CorrelationID: id, Err: err}
	}
	log.Info("tool invocation finished", "success", true, "duration", elapsed)
	return result, nil
}

// Execute performs a signed exchange call on behalf of the current tool.
func (r *Runner) Execute(ctx context.Context, method, path string, params map[string]any) (any, error) {
	return r.exec.Execute(ctx, method, path, params)
}

// Public performs an unauthenticated exchange call on behalf of the current
// tool.
func (r *Runner) Public(ctx context.Context, path string, params map[string]any) (any, error) {
	return r.exec.Public(ctx, path, params)
}

// call runs fn and turns a panic into an error.
func call(ctx context.Context, fn func(context.Context) (any, error)) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("tool invocation panicked", "panic", p)
			result, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx)
}

// ErrorPayload is the uniform caller-visible form of a failed invocation.
type ErrorPayload struct {
	Error         bool   `json:"error"`
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	Tool          string `json:"tool,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ErrorResult converts err into an [ErrorPayload]. It accepts any error,
// including nil.
func ErrorResult(err error) ErrorPayload {
	p := ErrorPayload{Error: true, Kind: exchange.KindUnexpected.String()}
	if err == nil {
		p.Message = "unknown error"
		return p
	}

	var ie *InvocationError
	if errors.As(err, &ie) {
		p.Tool = ie.Tool
		p.CorrelationID = ie.CorrelationID
		err = ie.Err
		if err == nil {
			p.Message = "unknown error"
			return p
		}
	}
	p.Kind = kindOf(err)
	p.Message = err.Error()
	return p
}

func kindOf(err error) string {
	var e *exchange.Error
	if errors.As(err, &e) {
		return e.Kind.String()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return exchange.KindCanceled.String()
	}
	return exchange.KindUnexpected.String()
}
