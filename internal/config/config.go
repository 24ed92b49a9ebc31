// Package config provides the configuration schema and loader for the
// exchangemcp server.
package config

import "time"

// LogLevel controls log verbosity for the exchangemcp server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for exchangemcp.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	API            APIConfig            `yaml:"api"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimits     RateLimitsConfig     `yaml:"rate_limits"`
	Health         HealthConfig         `yaml:"health"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
}

// ServerConfig holds logging, the health listener and response settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP health surface (e.g.,
	// ":9090"). Empty disables it.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// IncludeRawResponse adds the unmodified upstream payload to every tool
	// response.
	IncludeRawResponse bool `yaml:"include_raw_response"`
}

// APIConfig describes the exchange API connection.
type APIConfig struct {
	// BaseURL is the API root, e.g. "https://api.kraken.com".
	BaseURL string `yaml:"base_url"`

	// Key and Secret authenticate signed requests. Prefer supplying them via
	// EXCHANGE_API_KEY and EXCHANGE_API_SECRET.
	Key    string `yaml:"key"`
	Secret string `yaml:"secret"`

	// Timeout bounds each HTTP attempt.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries is how often a rate-limited or transient failure is retried.
	MaxRetries int `yaml:"max_retries"`

	// RetryBaseDelay is the first retry delay; it doubles per retry.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	// RetryJitter randomises retry delays by this fraction, in [0, 1).
	RetryJitter float64 `yaml:"retry_jitter"`

	// PublicHealthPath is probed without authentication.
	PublicHealthPath string `yaml:"public_health_path"`

	// AuthHealthPath is probed with a signed POST.
	AuthHealthPath string `yaml:"auth_health_path"`
}

// CircuitBreakerConfig tunes the breaker shared by all exchange calls.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
}

// RateLimit admits Requests calls per Interval.
type RateLimit struct {
	Requests int           `yaml:"requests"`
	Interval time.Duration `yaml:"interval"`
}

// EndpointRateLimit applies a [RateLimit] to every path starting with Prefix.
type EndpointRateLimit struct {
	Prefix   string        `yaml:"prefix"`
	Requests int           `yaml:"requests"`
	Interval time.Duration `yaml:"interval"`
}

// RateLimitsConfig lists the endpoint limits, tested in order, and the limit
// shared by every path that matches none of them.
type RateLimitsConfig struct {
	Default   RateLimit           `yaml:"default"`
	Endpoints []EndpointRateLimit `yaml:"endpoints"`
}

// HealthConfig controls the background health check.
type HealthConfig struct {
	// Interval between health checks.
	Interval time.Duration `yaml:"interval"`
}

// MetricsConfig controls the in-process tool metrics.
type MetricsConfig struct {
	// WindowSize is the number of recent durations kept per tool for
	// percentiles.
	WindowSize int `yaml:"window_size"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	// ServiceName is reported in metrics and traces.
	ServiceName string `yaml:"service_name"`
}

// Default returns the configuration used for every field a config file does
// not set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			LogLevel: LogInfo,
		},
		API: APIConfig{
			BaseURL:          "https://api.kraken.com",
			Timeout:          30 * time.Second,
			MaxRetries:       3,
			RetryBaseDelay:   time.Second,
			PublicHealthPath: "/0/public/Time",
			AuthHealthPath:   "/0/private/Balance",
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     60 * time.Second,
			SuccessThreshold: 2,
		},
		RateLimits: RateLimitsConfig{
			Default: RateLimit{Requests: 15, Interval: 15 * time.Second},
		},
		Health: HealthConfig{
			Interval: time.Minute,
		},
		Metrics: MetricsConfig{
			WindowSize: 1000,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "exchangemcp",
		},
	}
}
