package app_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/exchangemcp/internal/app"
	"github.com/MrWong99/exchangemcp/internal/config"
	"github.com/MrWong99/exchangemcp/internal/observe"
)

// fakeExchange answers the health probe endpoints.
func fakeExchange(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /0/public/Time", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"error":[],"result":{"unixtime":1700000000}}`)
	})
	mux.HandleFunc("POST /0/private/Balance", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"error":[],"result":{"ZUSD":"1.0"}}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// testConfig returns a valid config pointing at baseURL.
func testConfig(baseURL string) *config.Config {
	cfg := config.Default()
	cfg.API.BaseURL = baseURL
	cfg.API.Key = "test-key"
	cfg.API.Secret = "c2VjcmV0"
	cfg.API.MaxRetries = 0
	cfg.Health.Interval = time.Hour
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func TestNew_Wiring(t *testing.T) {
	t.Parallel()

	api := fakeExchange(t)
	application, err := app.New(testConfig(api.URL), app.WithMetrics(testMetrics(t)), app.WithHTTPClient(api.Client()))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if application.Client() == nil {
		t.Fatal("Client() is nil")
	}
	if application.Client().Breaker() == nil || application.Client().RateLimits() == nil {
		t.Error("client is missing breaker or rate limits")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"missing key", func(c *config.Config) { c.API.Key = "" }, "exchange client"},
		{"bad default limit", func(c *config.Config) { c.RateLimits.Default.Requests = 0 }, "rate limits"},
		{
			name: "bad endpoint limit",
			mutate: func(c *config.Config) {
				c.RateLimits.Endpoints = []config.EndpointRateLimit{{Prefix: "/0/private/", Requests: 1}}
			},
			want: "rate limits",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig("http://127.0.0.1:1")
			tt.mutate(cfg)
			_, err := app.New(cfg, app.WithMetrics(testMetrics(t)))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestApp_Handler(t *testing.T) {
	t.Parallel()

	api := fakeExchange(t)
	application, err := app.New(testConfig(api.URL), app.WithMetrics(testMetrics(t)), app.WithHTTPClient(api.Client()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	h := application.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/healthz status = %d, want 200", rec.Code)
	}
	if rec.Header().Get(observe.CorrelationHeader) == "" {
		t.Errorf("/healthz response lacks %s", observe.CorrelationHeader)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/status status = %d, want 200", rec.Code)
	}
	var snap map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode /status: %v", err)
	}
	cb, ok := snap["circuit_breaker"].(map[string]any)
	if !ok || cb["state"] != "closed" {
		t.Errorf("circuit_breaker = %v, want closed", snap["circuit_breaker"])
	}
	if _, ok := snap["rate_limits"].(map[string]any); !ok {
		t.Errorf("rate_limits missing from %v", snap)
	}
}

func TestApp_RunServesTools(t *testing.T) {
	t.Parallel()

	api := fakeExchange(t)
	clientT, serverT := mcp.NewInMemoryTransports()
	application, err := app.New(testConfig(api.URL),
		app.WithMetrics(testMetrics(t)),
		app.WithHTTPClient(api.Client()),
		app.WithTransport(serverT),
		app.WithVersion("test"),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run(ctx)
	}()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: "server_health", Arguments: map[string]any{}})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError {
		t.Fatalf("server_health returned an error result: %+v", res.Content)
	}
	text := res.Content[0].(*mcp.TextContent).Text
	if !strings.Contains(text, `"status":"online"`) {
		t.Errorf("server_health = %s, want online report", text)
	}

	// A disconnecting client ends Run.
	_ = cs.Close()

	select {
	case err := <-errCh:
		if err != nil {
			t.Logf("Run() after disconnect: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after the client disconnected")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	api := fakeExchange(t)
	_, serverT := mcp.NewInMemoryTransports()
	cfg := testConfig(api.URL)
	cfg.Server.ListenAddr = "127.0.0.1:0"

	application, err := app.New(cfg,
		app.WithMetrics(testMetrics(t)),
		app.WithHTTPClient(api.Client()),
		app.WithTransport(serverT),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run(ctx)
	}()

	// Give Run a moment to set up goroutines.
	time.Sleep(50 * time.Millisecond)

	// Cancel context to trigger shutdown.
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	// Shutdown is idempotent.
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}

func TestApp_ShutdownExpiredContext(t *testing.T) {
	t.Parallel()

	cfg := testConfig("http://127.0.0.1:1")
	cfg.Server.ListenAddr = "127.0.0.1:0"
	application, err := app.New(cfg, app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := application.Shutdown(ctx); err == nil {
		t.Fatal("expected context error from Shutdown with an expired context")
	}
}
