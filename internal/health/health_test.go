package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/exchangemcp/internal/exchange"
	"github.com/MrWong99/exchangemcp/internal/observe"
	"github.com/MrWong99/exchangemcp/internal/ratelimit"
	"github.com/MrWong99/exchangemcp/internal/reqctx"
	"github.com/MrWong99/exchangemcp/internal/resilience"
)

// fakeProber answers probes with fixed errors and records what it saw.
type fakeProber struct {
	publicErr error
	authErr   error
	delay     time.Duration

	publicCalls atomic.Int32
	authCalls   atomic.Int32

	mu         sync.Mutex
	lastMethod string
	lastPath   string
}

func (f *fakeProber) Public(ctx context.Context, path string, _ map[string]any, _ ...exchange.CallOption) (any, error) {
	f.publicCalls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return nil, f.publicErr
}

func (f *fakeProber) Execute(ctx context.Context, method, path string, _ map[string]any, _ ...exchange.CallOption) (any, error) {
	f.authCalls.Add(1)
	f.mu.Lock()
	f.lastMethod, f.lastPath = method, path
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return nil, f.authErr
}

func newBreaker() *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
	})
}

func TestAggregator_StatusDerivation(t *testing.T) {
	down := errors.New("connection refused")
	tests := []struct {
		name      string
		publicErr error
		authErr   error
		want      Status
	}{
		{"both online", nil, nil, StatusOnline},
		{"public only", nil, down, StatusDegraded},
		{"authenticated only", down, nil, StatusDegraded},
		{"neither", down, down, StatusOffline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProber{publicErr: tt.publicErr, authErr: tt.authErr}
			agg := NewAggregator(p, newBreaker(), Config{})

			rep := agg.Check(context.Background())
			if rep.Status != tt.want {
				t.Errorf("Status = %q, want %q", rep.Status, tt.want)
			}
			if tt.authErr != nil && rep.Authenticated.Message != tt.authErr.Error() {
				t.Errorf("Authenticated.Message = %q", rep.Authenticated.Message)
			}
			if rep.CheckedAt.IsZero() {
				t.Error("CheckedAt not set")
			}
		})
	}
}

func TestOutcome(t *testing.T) {
	t.Parallel()
	start := time.Now().Add(-20 * time.Millisecond)

	ok := outcome(start, nil)
	if ok.Status != StatusOnline || ok.Message != "" {
		t.Errorf("outcome(nil) = %+v, want online without message", ok)
	}
	if ok.LatencyMS < 20 {
		t.Errorf("LatencyMS = %d, want >= 20", ok.LatencyMS)
	}

	failed := outcome(start, errors.New("timeout"))
	if failed.Status != StatusOffline || failed.Message != "timeout" {
		t.Errorf("outcome(err) = %+v, want offline with message", failed)
	}
}

func TestAggregator_DefaultProbeEndpoints(t *testing.T) {
	p := &fakeProber{}
	NewAggregator(p, nil, Config{}).Check(context.Background())
	if p.lastMethod != http.MethodPost || p.lastPath != DefaultAuthPath {
		t.Errorf("authenticated probe = %s %s, want POST %s", p.lastMethod, p.lastPath, DefaultAuthPath)
	}
}

func TestAggregator_OpenBreakerSkipsAuthenticatedProbe(t *testing.T) {
	p := &fakeProber{}
	cb := newBreaker()
	cb.RecordFailure()
	if cb.State() != resilience.StateOpen {
		t.Fatalf("breaker state = %v, want open", cb.State())
	}

	rep := NewAggregator(p, cb, Config{}).Check(context.Background())

	if got := p.authCalls.Load(); got != 0 {
		t.Errorf("authenticated probe called %d times, want 0", got)
	}
	if rep.Authenticated.Status != StatusOffline {
		t.Errorf("Authenticated.Status = %q, want offline", rep.Authenticated.Status)
	}
	if rep.Authenticated.Message != "circuit breaker is open; skipping authenticated probe" {
		t.Errorf("Authenticated.Message = %q", rep.Authenticated.Message)
	}
	if rep.Status != StatusDegraded {
		t.Errorf("Status = %q, want degraded", rep.Status)
	}
}

func TestAggregator_ProbesRunConcurrently(t *testing.T) {
	p := &fakeProber{delay: 150 * time.Millisecond}
	agg := NewAggregator(p, nil, Config{})

	start := time.Now()
	agg.Check(context.Background())
	if elapsed := time.Since(start); elapsed >= 280*time.Millisecond {
		t.Errorf("Check took %v, probes appear to run sequentially", elapsed)
	}
}

func TestAggregator_LastAndRun(t *testing.T) {
	p := &fakeProber{}
	agg := NewAggregator(p, nil, Config{})

	if _, ok := agg.Last(); ok {
		t.Fatal("Last reported a report before any check")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agg.Run(ctx, 20*time.Millisecond) }()

	deadline := time.Now().Add(2 * time.Second)
	for p.publicCalls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatal("Run did not refresh the report")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}

	rep, ok := agg.Last()
	if !ok || rep.Status != StatusOnline {
		t.Errorf("Last = %+v, %v", rep, ok)
	}
}

func TestHealthz_AlwaysReturns200(t *testing.T) {
	h := New(nil, Sources{})

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestReadyz(t *testing.T) {
	down := errors.New("down")
	tests := []struct {
		name       string
		prober     *fakeProber
		wantCode   int
		wantStatus string
	}{
		{"online", &fakeProber{}, http.StatusOK, "online"},
		{"degraded is still ready", &fakeProber{authErr: down}, http.StatusOK, "degraded"},
		{"offline", &fakeProber{publicErr: down, authErr: down}, http.StatusServiceUnavailable, "offline"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(NewAggregator(tt.prober, nil, Config{}), Sources{})

			rec := httptest.NewRecorder()
			h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			var body result
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode JSON: %v", err)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("body status = %q, want %q", body.Status, tt.wantStatus)
			}
			if body.Report == nil {
				t.Error("report missing")
			}
		})
	}
}

func TestReadyz_UsesCachedReport(t *testing.T) {
	p := &fakeProber{}
	agg := NewAggregator(p, nil, Config{})
	agg.Check(context.Background())

	h := New(agg, Sources{})
	for range 3 {
		h.Readyz(httptest.NewRecorder(), httptest.NewRequest("GET", "/readyz", nil))
	}
	if got := p.publicCalls.Load(); got != 1 {
		t.Errorf("public probe calls = %d, want 1", got)
	}
}

func TestStatus_Snapshot(t *testing.T) {
	cb := newBreaker()
	// No request has gone through the limiter yet.
	limits, err := ratelimit.NewRegistry(ratelimit.Limit{Requests: 10, Interval: time.Second},
		ratelimit.EndpointLimit{Prefix: "/0/private/", Limit: ratelimit.Limit{Requests: 5, Interval: time.Second}})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	tools := observe.NewCollector()
	tools.RecordToolExecution(context.Background(), "get_server_time", time.Millisecond, true)

	mgr := reqctx.NewManager()
	_, rc := mgr.Begin(context.Background(), "server_health")
	defer mgr.Clear(rc.CorrelationID())

	agg := NewAggregator(&fakeProber{}, cb, Config{})
	agg.Check(context.Background())

	h := New(agg, Sources{Breaker: cb, Limits: limits, Tools: tools, Requests: mgr})
	rec := httptest.NewRecorder()
	h.Status(rec, httptest.NewRequest("GET", "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]json.RawMessage
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	for _, k := range []string{"health", "circuit_breaker", "rate_limits", "tools", "active_requests"} {
		if _, ok := body[k]; !ok {
			t.Errorf("missing %q in /status", k)
		}
	}

	snap := h.Snapshot()
	if snap.CircuitBreaker.State != resilience.StateClosed {
		t.Errorf("breaker state = %v", snap.CircuitBreaker.State)
	}
	for _, key := range []string{ratelimit.DefaultKey, "/0/private/"} {
		if _, ok := snap.RateLimits[key]; !ok {
			t.Errorf("rate limits = %v, want %q bucket", snap.RateLimits, key)
		}
	}
	if snap.Tools.TotalCalls != 1 {
		t.Errorf("tool calls = %d, want 1", snap.Tools.TotalCalls)
	}
	if snap.ActiveRequests != 1 {
		t.Errorf("active requests = %d, want 1", snap.ActiveRequests)
	}
}

func TestRegister_Routes(t *testing.T) {
	mux := http.NewServeMux()
	New(NewAggregator(&fakeProber{}, nil, Config{}), Sources{}).Register(mux)

	for _, path := range []string{"/healthz", "/readyz", "/status", "/metrics"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}
}
