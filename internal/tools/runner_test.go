package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/exchangemcp/internal/exchange"
	"github.com/MrWong99/exchangemcp/internal/observe"
	"github.com/MrWong99/exchangemcp/internal/reqctx"
)

func newTestRunner(t *testing.T, exec Executor) (*Runner, *reqctx.Manager, *observe.Collector) {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	mgr := reqctx.NewManager()
	col := observe.NewCollector()
	return NewRunner(exec, mgr, col, WithRunnerMetrics(met)), mgr, col
}

func TestWrap_OpensAndClearsContext(t *testing.T) {
	r, mgr, col := newTestRunner(t, nil)

	var seenID string
	got, err := r.Wrap(context.Background(), "get_server_time", nil, func(ctx context.Context) (any, error) {
		seenID = reqctx.CorrelationID(ctx)
		if seenID == "" {
			t.Error("no correlation id inside the invocation")
		}
		if _, ok := mgr.Lookup(seenID); !ok {
			t.Error("request context not registered during the invocation")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if got != "ok" {
		t.Errorf("result = %v, want ok", got)
	}
	if mgr.Active() != 0 {
		t.Errorf("Active() = %d after return, want 0", mgr.Active())
	}

	m, ok := col.Tool("get_server_time")
	if !ok || m.CallCount != 1 || m.SuccessCount != 1 {
		t.Errorf("collector = %+v, %v", m, ok)
	}
}

func TestWrap_FailureIsRecordedAndCleared(t *testing.T) {
	r, mgr, col := newTestRunner(t, nil)
	cause := exchange.NewValidationError("limit must be between 1 and 50, got 0")

	var seenID string
	_, err := r.Wrap(context.Background(), "get_trades_history", nil, func(ctx context.Context) (any, error) {
		seenID = reqctx.CorrelationID(ctx)
		return nil, cause
	})

	var ie *InvocationError
	if !errors.As(err, &ie) {
		t.Fatalf("error = %v, want *InvocationError", err)
	}
	if ie.CorrelationID != seenID || ie.Tool != "get_trades_history" {
		t.Errorf("InvocationError = %+v, want id %q", ie, seenID)
	}
	if !errors.Is(err, exchange.ErrValidation) {
		t.Error("cause not reachable through Unwrap")
	}
	if mgr.Active() != 0 {
		t.Errorf("Active() = %d, want 0", mgr.Active())
	}
	if m, _ := col.Tool("get_trades_history"); m.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", m.ErrorCount)
	}
}

func TestWrap_RecoversPanic(t *testing.T) {
	r, mgr, col := newTestRunner(t, nil)

	_, err := r.Wrap(context.Background(), "boom", nil, func(context.Context) (any, error) {
		panic("kaboom")
	})
	if err == nil {
		t.Fatal("expected error from panicking tool")
	}
	if mgr.Active() != 0 {
		t.Errorf("Active() = %d, want 0", mgr.Active())
	}
	if m, _ := col.Tool("boom"); m.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", m.ErrorCount)
	}
}

func TestWrap_ConcurrentInvocationsAreIsolated(t *testing.T) {
	r, _, _ := newTestRunner(t, nil)

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token := fmt.Sprintf("session-%d", i)
			_, err := r.Wrap(context.Background(), "t", nil, func(ctx context.Context) (any, error) {
				id := reqctx.CorrelationID(ctx)
				reqctx.SetSessionToken(ctx, token)
				time.Sleep(time.Millisecond)
				if got := reqctx.SessionToken(ctx); got != token {
					return nil, fmt.Errorf("session token = %q, want %q", got, token)
				}
				if got := reqctx.CorrelationID(ctx); got != id {
					return nil, fmt.Errorf("correlation id changed from %q to %q", id, got)
				}
				return nil, nil
			})
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestErrorResult(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind string
		wantID   string
	}{
		{"nil", nil, "unexpected", ""},
		{"plain", errors.New("boom"), "unexpected", ""},
		{
			name:     "exchange error",
			err:      &InvocationError{Tool: "t", CorrelationID: "abc", Err: &exchange.Error{Kind: exchange.KindCircuitOpen, Message: "open"}},
			wantKind: "circuit_open",
			wantID:   "abc",
		},
		{
			name:     "canceled",
			err:      &InvocationError{Tool: "t", CorrelationID: "c1", Err: context.Canceled},
			wantKind: "canceled",
			wantID:   "c1",
		},
		{"wrapped without cause", &InvocationError{Tool: "t"}, "unexpected", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ErrorResult(tt.err)
			if !p.Error {
				t.Error("Error flag not set")
			}
			if p.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", p.Kind, tt.wantKind)
			}
			if p.CorrelationID != tt.wantID {
				t.Errorf("CorrelationID = %q, want %q", p.CorrelationID, tt.wantID)
			}
			if p.Message == "" {
				t.Error("Message empty")
			}
		})
	}
}
