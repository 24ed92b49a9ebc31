// Command exchangemcp serves signed exchange API calls as MCP tools over
// stdio, with a health and metrics endpoint on HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/exchangemcp/internal/app"
	"github.com/MrWong99/exchangemcp/internal/config"
	"github.com/MrWong99/exchangemcp/internal/observe"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file; empty uses defaults and environment only")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Fprintln(os.Stderr, "exchangemcp", version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "exchangemcp: config file %q not found; copy configs/example.yaml or pass -config \"\"\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "exchangemcp: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// stdout carries the MCP protocol; logs go to stderr.
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("exchangemcp starting",
		"version", version,
		"config", *configPath,
		"base_url", cfg.API.BaseURL,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)
	logStartupSummary(cfg)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	application, err := app.New(cfg, app.WithVersion(version))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, waiting for an MCP client on stdio")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig reads path, or only defaults and environment overrides when path
// is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadFromReader(strings.NewReader(""))
	}
	return config.Load(path)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func logStartupSummary(cfg *config.Config) {
	endpoints := make([]string, 0, len(cfg.RateLimits.Endpoints))
	for _, e := range cfg.RateLimits.Endpoints {
		endpoints = append(endpoints, fmt.Sprintf("%s=%d/%s", e.Prefix, e.Requests, e.Interval))
	}
	slog.Info("startup summary",
		"max_retries", cfg.API.MaxRetries,
		"retry_base_delay", cfg.API.RetryBaseDelay,
		"breaker_failure_threshold", cfg.CircuitBreaker.FailureThreshold,
		"breaker_reset_timeout", cfg.CircuitBreaker.ResetTimeout,
		"default_rate_limit", fmt.Sprintf("%d/%s", cfg.RateLimits.Default.Requests, cfg.RateLimits.Default.Interval),
		"endpoint_rate_limits", strings.Join(endpoints, ","),
		"health_interval", cfg.Health.Interval,
		"include_raw_response", cfg.Server.IncludeRawResponse,
	)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
