package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/exchangemcp/internal/exchange"
	"github.com/MrWong99/exchangemcp/internal/resilience"
)

// Status is the reachability verdict of a probe or of the whole report.
type Status string

const (
	StatusOnline   Status = "online"
	StatusDegraded Status = "degraded"
	StatusOffline  Status = "offline"
)

// Default probe settings.
const (
	DefaultProbeTimeout   = 5 * time.Second
	DefaultPublicPath     = "/0/public/Time"
	DefaultAuthPath       = "/0/private/Balance"
	DefaultAuthMethod     = http.MethodPost
	circuitOpenDiagnostic = "circuit breaker is open; skipping authenticated probe"
)

// ProbeResult is the outcome of one probe.
type ProbeResult struct {
	Status    Status `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Message   string `json:"message,omitempty"`
}

// Report combines the public and authenticated probes.
type Report struct {
	Status        Status      `json:"status"`
	Public        ProbeResult `json:"public"`
	Authenticated ProbeResult `json:"authenticated"`
	CheckedAt     time.Time   `json:"checked_at"`
}

// Prober issues the probe calls. [*exchange.Client] implements it.
type Prober interface {
	Public(ctx context.Context, path string, params map[string]any, opts ...exchange.CallOption) (any, error)
	Execute(ctx context.Context, method, path string, params map[string]any, opts ...exchange.CallOption) (any, error)
}

// Config selects the probe endpoints.
type Config struct {
	// PublicPath is fetched without authentication. Default: "/0/public/Time".
	PublicPath string

	// AuthPath and AuthMethod describe a cheap signed call.
	// Default: POST "/0/private/Balance".
	AuthPath   string
	AuthMethod string

	// Timeout bounds each probe. Default: 5s.
	Timeout time.Duration
}

// Aggregator probes public liveness and authenticated reachability of the
// exchange API and caches the latest [Report]. It is safe for concurrent use.
type Aggregator struct {
	prober  Prober
	breaker *resilience.CircuitBreaker
	cfg     Config

	mu   sync.RWMutex
	last *Report
}

// NewAggregator returns an [Aggregator]. breaker is consulted before the
// authenticated probe so that an open circuit is reported without a call.
func NewAggregator(p Prober, breaker *resilience.CircuitBreaker, cfg Config) *Aggregator {
	if cfg.PublicPath == "" {
		cfg.PublicPath = DefaultPublicPath
	}
	if cfg.AuthPath == "" {
		cfg.AuthPath = DefaultAuthPath
	}
	if cfg.AuthMethod == "" {
		cfg.AuthMethod = DefaultAuthMethod
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProbeTimeout
	}
	return &Aggregator{prober: p, breaker: breaker, cfg: cfg}
}

// Check runs both probes concurrently, caches and returns the report.
func (a *Aggregator) Check(ctx context.Context) Report {
	var (
		g            errgroup.Group
		public, auth ProbeResult
	)
	g.Go(func() error {
		public = a.probePublic(ctx)
		return nil
	})
	g.Go(func() error {
		auth = a.probeAuthenticated(ctx)
		return nil
	})
	_ = g.Wait()

	r := Report{
		Status:        combine(public.Status, auth.Status),
		Public:        public,
		Authenticated: auth,
		CheckedAt:     time.Now(),
	}

	a.mu.Lock()
	prev := a.last
	a.last = &r
	a.mu.Unlock()

	if prev == nil || prev.Status != r.Status {
		slog.Info("exchange health changed",
			"status", r.Status,
			"public", public.Status,
			"authenticated", auth.Status,
		)
	}
	return r
}

// Last returns the most recent report, if any check has completed.
func (a *Aggregator) Last() (Report, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.last == nil {
		return Report{}, false
	}
	return *a.last, true
}

// Run checks immediately and then every interval until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	a.Check(ctx)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			a.Check(ctx)
		}
	}
}

func (a *Aggregator) probePublic(ctx context.Context) ProbeResult {
	start := time.Now()
	_, err := a.prober.Public(ctx, a.cfg.PublicPath, nil, exchange.WithTimeout(a.cfg.Timeout))
	return outcome(start, err)
}

func (a *Aggregator) probeAuthenticated(ctx context.Context) ProbeResult {
	if a.breaker != nil && a.breaker.State() == resilience.StateOpen {
		return ProbeResult{Status: StatusOffline, Message: circuitOpenDiagnostic}
	}
	start := time.Now()
	_, err := a.prober.Execute(ctx, a.cfg.AuthMethod, a.cfg.AuthPath, nil, exchange.WithTimeout(a.cfg.Timeout))
	return outcome(start, err)
}

func outcome(start time.Time, err error) ProbeResult {
	r := ProbeResult{Status: StatusOnline, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		r.Status = StatusOffline
		r.Message = err.Error()
	}
	return r
}

func combine(public, auth Status) Status {
	switch online := btoi(public == StatusOnline) + btoi(auth == StatusOnline); online {
	case 2:
		return StatusOnline
	case 1:
		return StatusDegraded
	default:
		return StatusOffline
	}
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}
