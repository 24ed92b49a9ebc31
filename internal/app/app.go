// Package app wires all exchangemcp subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the MCP tool catalog, the HTTP health surface and
// the background health check, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithTransport,
// WithHTTPClient, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/exchangemcp/internal/config"
	"github.com/MrWong99/exchangemcp/internal/exchange"
	"github.com/MrWong99/exchangemcp/internal/health"
	"github.com/MrWong99/exchangemcp/internal/observe"
	"github.com/MrWong99/exchangemcp/internal/ratelimit"
	"github.com/MrWong99/exchangemcp/internal/reqctx"
	"github.com/MrWong99/exchangemcp/internal/resilience"
	"github.com/MrWong99/exchangemcp/internal/response"
	"github.com/MrWong99/exchangemcp/internal/signer"
	"github.com/MrWong99/exchangemcp/internal/tools"
)

// ServerName is the MCP implementation name announced to clients.
const ServerName = "exchangemcp"

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	version string

	// Subsystems, initialised in New.
	metrics    *observe.Metrics
	limits     *ratelimit.Registry
	breaker    *resilience.CircuitBreaker
	nonces     *signer.NonceSource
	client     *exchange.Client
	requests   *reqctx.Manager
	collector  *observe.Collector
	aggregator *health.Aggregator
	health     *health.Handler
	tools      *tools.Server

	transport  mcp.Transport
	httpClient *http.Client
	httpServer *http.Server

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTransport sets the MCP transport. Default: stdio.
func WithTransport(t mcp.Transport) Option {
	return func(a *App) { a.transport = t }
}

// WithHTTPClient sets the HTTP client used to reach the exchange.
func WithHTTPClient(hc *http.Client) Option {
	return func(a *App) { a.httpClient = hc }
}

// WithMetrics injects OTel instruments instead of the global ones.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithVersion sets the version announced to MCP clients.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together from cfg. It performs
// no network I/O.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		version: "dev",
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.transport == nil {
		a.transport = &mcp.StdioTransport{}
	}

	// ── 1. Resilience primitives ─────────────────────────────────────────
	if err := a.initLimits(); err != nil {
		return nil, fmt.Errorf("app: init rate limits: %w", err)
	}
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "exchange",
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		ResetTimeout:     cfg.CircuitBreaker.ResetTimeout,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
	})
	a.nonces = signer.NewNonceSource()

	// ── 2. Exchange client ───────────────────────────────────────────────
	if err := a.initClient(); err != nil {
		return nil, fmt.Errorf("app: init exchange client: %w", err)
	}

	// ── 3. Request tracking and metrics ──────────────────────────────────
	a.requests = reqctx.NewManager()
	a.collector = observe.NewCollector(
		observe.WithWindowSize(cfg.Metrics.WindowSize),
		observe.WithOTel(a.metrics),
	)

	// ── 4. Health ────────────────────────────────────────────────────────
	a.aggregator = health.NewAggregator(a.client, a.breaker, health.Config{
		PublicPath: cfg.API.PublicHealthPath,
		AuthPath:   cfg.API.AuthHealthPath,
	})
	a.health = health.New(a.aggregator, health.Sources{
		Breaker:  a.breaker,
		Limits:   a.limits,
		Tools:    a.collector,
		Requests: a.requests,
	})
	a.initHTTP()

	// ── 5. Tool catalog ──────────────────────────────────────────────────
	runner := tools.NewRunner(a.client, a.requests, a.collector, tools.WithRunnerMetrics(a.metrics))
	builder := response.Builder{IncludeRaw: cfg.Server.IncludeRawResponse}
	a.tools = tools.NewServer(ServerName, a.version, runner, builder, a.status)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initLimits builds the endpoint rate limit registry.
func (a *App) initLimits() error {
	rl := a.cfg.RateLimits
	endpoints := make([]ratelimit.EndpointLimit, 0, len(rl.Endpoints))
	for _, e := range rl.Endpoints {
		endpoints = append(endpoints, ratelimit.EndpointLimit{
			Prefix: e.Prefix,
			Limit:  ratelimit.Limit{Requests: e.Requests, Interval: e.Interval},
		})
	}
	reg, err := ratelimit.NewRegistry(
		ratelimit.Limit{Requests: rl.Default.Requests, Interval: rl.Default.Interval},
		endpoints...,
	)
	if err != nil {
		return err
	}
	a.limits = reg
	return nil
}

// initClient creates the signed request executor.
func (a *App) initClient() error {
	api := a.cfg.API
	opts := []exchange.Option{
		exchange.WithRateLimits(a.limits),
		exchange.WithBreaker(a.breaker),
		exchange.WithNonceSource(a.nonces),
		exchange.WithMetrics(a.metrics),
	}
	if a.httpClient != nil {
		opts = append(opts, exchange.WithHTTPClient(a.httpClient))
	}
	c, err := exchange.New(exchange.Config{
		BaseURL:        api.BaseURL,
		APIKey:         api.Key,
		APISecret:      api.Secret,
		Timeout:        api.Timeout,
		MaxRetries:     api.MaxRetries,
		RetryBaseDelay: api.RetryBaseDelay,
		RetryJitter:    api.RetryJitter,
	}, opts...)
	if err != nil {
		return err
	}
	a.client = c
	return nil
}

// initHTTP prepares the health surface server when a listen address is set.
func (a *App) initHTTP() {
	if a.cfg.Server.ListenAddr == "" {
		return
	}
	a.httpServer = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.closers = append(a.closers, a.httpServer.Shutdown)
}

// Handler returns the instrumented HTTP health surface.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	breakerState := func() string { return a.breaker.State().String() }
	return observe.Middleware(a.metrics, observe.WithBreakerState(breakerState))(mux)
}

// status is the document served by the server_health tool. Without a cached
// report a health check is run first.
func (a *App) status(ctx context.Context) any {
	if _, ok := a.aggregator.Last(); !ok {
		a.aggregator.Check(ctx)
	}
	return a.health.Snapshot()
}

// Client returns the exchange client.
func (a *App) Client() *exchange.Client { return a.client }

// Health returns the health surface handler.
func (a *App) Health() *health.Handler { return a.health }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the tool catalog on the MCP transport, the HTTP health surface
// and the periodic health check. It blocks until ctx is cancelled or the MCP
// client disconnects, and returns nil in both cases.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	// Ends the remaining workers once the MCP session is over.
	gctx, cancel := context.WithCancel(gctx)
	defer cancel()

	if a.httpServer != nil {
		ln, err := net.Listen("tcp", a.httpServer.Addr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.httpServer.Addr, err)
		}
		slog.Info("health endpoint listening", "addr", ln.Addr().String())
		g.Go(func() error {
			if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve health: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			return a.httpServer.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return a.aggregator.Run(gctx, a.cfg.Health.Interval)
	})

	g.Go(func() error {
		defer cancel()
		slog.Info("mcp server running", "name", ServerName, "version", a.version)
		err := a.tools.Run(gctx, a.transport)
		if err != nil && gctx.Err() == nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("app: mcp session: %w", err)
		}
		slog.Info("mcp session ended")
		return nil
	})

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers), "active_requests", a.requests.Active())

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete", "breaker", a.breaker.State().String())
	})
	return shutdownErr
}
