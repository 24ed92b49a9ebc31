package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override values from the config file.
const (
	EnvAPIKey    = "EXCHANGE_API_KEY"
	EnvAPISecret = "EXCHANGE_API_SECRET"
	EnvBaseURL   = "EXCHANGE_BASE_URL"
	EnvLogLevel  = "EXCHANGE_LOG_LEVEL"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default], applies
// environment overrides and validates the result. An empty document yields
// the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	return load(r, os.LookupEnv)
}

func load(r io.Reader, lookupEnv func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg, lookupEnv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides cfg with every non-empty environment variable that is
// set.
func applyEnv(cfg *Config, lookupEnv func(string) (string, bool)) {
	set := func(name string, dst *string) {
		if v, ok := lookupEnv(name); ok && v != "" {
			*dst = v
		}
	}
	set(EnvAPIKey, &cfg.API.Key)
	set(EnvAPISecret, &cfg.API.Secret)
	set(EnvBaseURL, &cfg.API.BaseURL)

	var level string
	set(EnvLogLevel, &level)
	if level != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(level))
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// API
	if cfg.API.BaseURL == "" {
		errs = append(errs, fmt.Errorf("api.base_url is required"))
	} else if u, err := url.Parse(cfg.API.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("api.base_url %q must be an absolute http(s) URL", cfg.API.BaseURL))
	}
	if cfg.API.Key == "" {
		errs = append(errs, fmt.Errorf("api.key is required (or set %s)", EnvAPIKey))
	}
	if cfg.API.Secret == "" {
		errs = append(errs, fmt.Errorf("api.secret is required (or set %s)", EnvAPISecret))
	}
	if cfg.API.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("api.timeout must be positive, got %s", cfg.API.Timeout))
	}
	if cfg.API.MaxRetries < 0 || cfg.API.MaxRetries > 10 {
		errs = append(errs, fmt.Errorf("api.max_retries %d is out of range [0, 10]", cfg.API.MaxRetries))
	}
	if cfg.API.RetryBaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("api.retry_base_delay must be positive, got %s", cfg.API.RetryBaseDelay))
	}
	if cfg.API.RetryJitter < 0 || cfg.API.RetryJitter >= 1 {
		errs = append(errs, fmt.Errorf("api.retry_jitter %.2f is out of range [0, 1)", cfg.API.RetryJitter))
	}
	for name, p := range map[string]string{
		"api.public_health_path": cfg.API.PublicHealthPath,
		"api.auth_health_path":   cfg.API.AuthHealthPath,
	} {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("%s %q must start with '/'", name, p))
		}
	}

	// Circuit breaker
	if cfg.CircuitBreaker.FailureThreshold <= 0 {
		errs = append(errs, fmt.Errorf("circuit_breaker.failure_threshold must be positive, got %d", cfg.CircuitBreaker.FailureThreshold))
	}
	if cfg.CircuitBreaker.SuccessThreshold <= 0 {
		errs = append(errs, fmt.Errorf("circuit_breaker.success_threshold must be positive, got %d", cfg.CircuitBreaker.SuccessThreshold))
	}
	if cfg.CircuitBreaker.ResetTimeout <= 0 {
		errs = append(errs, fmt.Errorf("circuit_breaker.reset_timeout must be positive, got %s", cfg.CircuitBreaker.ResetTimeout))
	}

	// Rate limits
	errs = append(errs, validateRateLimit("rate_limits.default", cfg.RateLimits.Default.Requests, cfg.RateLimits.Default.Interval)...)
	prefixesSeen := make(map[string]int, len(cfg.RateLimits.Endpoints))
	for i, e := range cfg.RateLimits.Endpoints {
		prefix := fmt.Sprintf("rate_limits.endpoints[%d]", i)
		if e.Prefix == "" {
			errs = append(errs, fmt.Errorf("%s.prefix is required", prefix))
		} else {
			if prev, ok := prefixesSeen[e.Prefix]; ok {
				errs = append(errs, fmt.Errorf("%s.prefix %q is a duplicate of rate_limits.endpoints[%d]", prefix, e.Prefix, prev))
			}
			prefixesSeen[e.Prefix] = i
		}
		errs = append(errs, validateRateLimit(prefix, e.Requests, e.Interval)...)
	}

	// Health and metrics
	if cfg.Health.Interval <= 0 {
		errs = append(errs, fmt.Errorf("health.interval must be positive, got %s", cfg.Health.Interval))
	}
	if cfg.Metrics.WindowSize <= 0 {
		errs = append(errs, fmt.Errorf("metrics.window_size must be positive, got %d", cfg.Metrics.WindowSize))
	}

	return errors.Join(errs...)
}

func validateRateLimit(prefix string, requests int, interval time.Duration) []error {
	var errs []error
	if requests <= 0 {
		errs = append(errs, fmt.Errorf("%s.requests must be positive, got %d", prefix, requests))
	}
	if interval <= 0 {
		errs = append(errs, fmt.Errorf("%s.interval must be positive, got %s", prefix, interval))
	}
	return errs
}
