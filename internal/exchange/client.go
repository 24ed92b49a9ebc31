// Package exchange implements the signed request executor for the exchange
// REST API.
//
// Every call made through [Client.Execute] runs the same pipeline: wait for a
// rate-limit token for the request path, ask the shared circuit breaker for
// permission, take a fresh nonce, sign, send, classify. Retryable failures
// ([KindRateLimited], [KindTransient]) are retried with exponential backoff up
// to the configured number of retries, re-entering the pipeline from the rate
// limiter each time. The breaker is told about the outcome of the logical
// call exactly once.
//
// Failures are returned as [*Error]; see [Kind] for the taxonomy.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/exchangemcp/internal/observe"
	"github.com/MrWong99/exchangemcp/internal/ratelimit"
	"github.com/MrWong99/exchangemcp/internal/reqctx"
	"github.com/MrWong99/exchangemcp/internal/resilience"
	"github.com/MrWong99/exchangemcp/internal/signer"
)

// Defaults applied by [New] for unset [Config] fields.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultRetryBaseDelay = time.Second
)

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 10 << 20

// Request header names.
const (
	HeaderAPIKey        = "API-Key"
	HeaderAPISign       = "API-Sign"
	HeaderAPINonce      = "API-Nonce"
	HeaderCorrelationID = "X-Correlation-ID"
)

// Config holds the connection settings of a [Client].
type Config struct {
	// BaseURL is the API root, e.g. "https://api.example.com". Required.
	BaseURL string

	// APIKey and APISecret authenticate signed calls. Required.
	APIKey    string
	APISecret string

	// Timeout bounds each HTTP attempt. Default: 30s.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt for
	// retryable failures. Zero disables retries.
	MaxRetries int

	// RetryBaseDelay is the first backoff delay; it doubles per retry.
	// Default: 1s.
	RetryBaseDelay time.Duration

	// RetryJitter randomises each backoff delay by ±RetryJitter (a fraction
	// in [0, 1)).
	RetryJitter float64
}

// Option customises a [Client].
type Option func(*Client)

// WithRateLimits sets the endpoint rate-limit registry. Without it, calls are
// not throttled locally.
func WithRateLimits(r *ratelimit.Registry) Option {
	return func(c *Client) { c.limits = r }
}

// WithBreaker sets the circuit breaker shared by all calls. Without it, the
// client creates its own with default settings.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// WithNonceSource sets the nonce source. Nonces must never repeat for one
// API key, so clients sharing a key must share the source.
func WithNonceSource(n *signer.NonceSource) Option {
	return func(c *Client) { c.nonces = n }
}

// WithMetrics records request metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithHTTPClient sets the HTTP client. Its Timeout should be zero; per-attempt
// timeouts are applied through the request context.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// CallOption customises a single [Client.Execute] call.
type CallOption func(*callConfig)

type callConfig struct {
	timeout time.Duration
}

// WithTimeout overrides the per-attempt timeout for one call.
func WithTimeout(d time.Duration) CallOption {
	return func(cc *callConfig) {
		if d > 0 {
			cc.timeout = d
		}
	}
}

// Client executes signed, rate-limited, circuit-broken calls against the
// exchange API. It is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	timeout    time.Duration
	maxRetries int
	backoff    resilience.Backoff

	limits  *ratelimit.Registry
	breaker *resilience.CircuitBreaker
	nonces  *signer.NonceSource
	metrics *observe.Metrics
	http    *http.Client

	// sleep waits between retries; swapped in tests.
	sleep func(context.Context, time.Duration) error
}

// New validates cfg and returns a [Client].
func New(cfg Config, opts ...Option) (*Client, error) {
	var errs []error
	if cfg.BaseURL == "" {
		errs = append(errs, errors.New("base URL is required"))
	} else if u, err := url.Parse(cfg.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("base URL %q is not an absolute URL", cfg.BaseURL))
	}
	if cfg.APIKey == "" {
		errs = append(errs, errors.New("API key is required"))
	}
	if cfg.APISecret == "" {
		errs = append(errs, errors.New("API secret is required"))
	}
	if cfg.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must be >= 0, got %d", cfg.MaxRetries))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("exchange: %w", err)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		backoff:    resilience.Backoff{Base: cfg.RetryBaseDelay, Jitter: cfg.RetryJitter},
		sleep:      sleepCtx,
	}
	for _, o := range opts {
		o(c)
	}

	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "exchange"})
	}
	if c.nonces == nil {
		c.nonces = signer.NewNonceSource()
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.http == nil {
		c.http = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return c, nil
}

// Breaker returns the circuit breaker guarding the client.
func (c *Client) Breaker() *resilience.CircuitBreaker { return c.breaker }

// RateLimits returns the rate-limit registry, or nil when calls are not
// throttled.
func (c *Client) RateLimits() *ratelimit.Registry { return c.limits }

// request is a prepared call, reused across retries.
type request struct {
	method  string
	path    string
	query   string
	body    string // signed and sent verbatim when hasBody
	hasBody bool
}

// Execute performs a signed call and returns the decoded JSON body, or nil
// for an empty or null body. GET and DELETE send params as the query string;
// other methods send them as a JSON body.
func (c *Client) Execute(ctx context.Context, method, path string, params map[string]any, opts ...CallOption) (any, error) {
	cc := callConfig{timeout: c.timeout}
	for _, o := range opts {
		o(&cc)
	}

	log := reqctx.Logger(ctx).With(
		slog.String("method", method),
		slog.String("path", path),
	)

	req, err := prepare(method, path, params)
	if err != nil {
		c.metrics.RecordRequest(ctx, path, err.Kind.String())
		log.Warn("exchange request rejected locally", "err", err)
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		if err := c.waitForToken(ctx, path); err != nil {
			return nil, c.canceled(ctx, log, path, attempt, err)
		}

		if !c.breaker.CanExecute() {
			c.metrics.RecordCircuitRejection(ctx, path)
			c.metrics.RecordRequest(ctx, path, KindCircuitOpen.String())
			e := &Error{
				Kind:     KindCircuitOpen,
				Message:  "service unavailable: circuit breaker is open",
				Path:     path,
				Attempts: attempt,
			}
			log.Warn("exchange request short-circuited", "attempts", attempt)
			return nil, e
		}

		start := time.Now()
		result, status, e := c.attempt(ctx, req, cc.timeout)
		c.metrics.RecordAttempt(ctx, path, attemptStatus(status, e), time.Since(start))

		if e == nil {
			c.breaker.RecordSuccess()
			c.metrics.RecordRequest(ctx, path, "ok")
			log.Debug("exchange request succeeded",
				"status", status,
				"attempts", attempt+1,
			)
			return result, nil
		}

		e.Path = path
		e.Attempts = attempt + 1
		if e.Kind == KindCanceled {
			return nil, c.canceled(ctx, log, path, e.Attempts, e.Err)
		}

		if e.Kind.Retryable() && attempt < c.maxRetries {
			delay := c.backoff.Delay(attempt, e.RetryAfter)
			c.metrics.RecordRetry(ctx, path, e.Kind.String())
			log.Warn("retrying exchange request",
				"kind", e.Kind.String(),
				"status", e.Status,
				"attempt", attempt+1,
				"delay", delay,
			)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, c.canceled(ctx, log, path, e.Attempts, err)
			}
			continue
		}

		c.breaker.RecordFailure()
		c.metrics.RecordRequest(ctx, path, e.Kind.String())
		log.Error("exchange request failed",
			"kind", e.Kind.String(),
			"status", e.Status,
			"attempts", e.Attempts,
			"err", e.Message,
		)
		return nil, e
	}
}

// Public performs one unsigned GET against path, for endpoints that need no
// authentication. It is rate-limited but neither retried nor guarded by the
// circuit breaker.
func (c *Client) Public(ctx context.Context, path string, params map[string]any, opts ...CallOption) (any, error) {
	cc := callConfig{timeout: c.timeout}
	for _, o := range opts {
		o(&cc)
	}
	log := reqctx.Logger(ctx).With(slog.String("path", path))

	req, verr := prepare(http.MethodGet, path, params)
	if verr != nil {
		return nil, verr
	}
	if err := c.waitForToken(ctx, path); err != nil {
		return nil, c.canceled(ctx, log, path, 0, err)
	}

	start := time.Now()
	result, status, e := c.send(ctx, req, cc.timeout, nil)
	c.metrics.RecordAttempt(ctx, path, attemptStatus(status, e), time.Since(start))
	if e != nil {
		e.Path = path
		e.Attempts = 1
		c.metrics.RecordRequest(ctx, path, e.Kind.String())
		log.Warn("public exchange request failed", "kind", e.Kind.String(), "status", e.Status, "err", e.Message)
		return nil, e
	}
	c.metrics.RecordRequest(ctx, path, "ok")
	return result, nil
}

func prepare(method, path string, params map[string]any) (request, *Error) {
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}
	if !strings.HasPrefix(path, "/") {
		return request{}, NewValidationError("path %q must start with '/'", path)
	}

	req := request{method: method, path: path}
	if len(params) == 0 {
		return req, nil
	}
	if method == http.MethodGet || method == http.MethodDelete {
		q := make(url.Values, len(params))
		for k, v := range params {
			q.Set(k, fmt.Sprint(v))
		}
		req.query = q.Encode()
		return req, nil
	}

	raw, err := json.Marshal(params)
	if err != nil {
		e := NewValidationError("encode request body: %v", err)
		e.Err = err
		return request{}, e
	}
	req.body = string(raw)
	req.hasBody = true
	return req, nil
}

func (c *Client) waitForToken(ctx context.Context, path string) error {
	if c.limits == nil {
		return nil
	}
	key, _ := c.limits.Match(path)
	start := time.Now()
	if err := c.limits.Wait(ctx, path); err != nil {
		return err
	}
	c.metrics.RecordRateLimitWait(ctx, key, time.Since(start))
	return nil
}

// attempt signs and sends req once.
func (c *Client) attempt(ctx context.Context, req request, timeout time.Duration) (any, int, *Error) {
	nonce := c.nonces.Next()

	var body any
	if req.hasBody {
		body = req.body
	}
	sig, err := signer.Sign(nonce, req.path, body, c.apiSecret)
	if err != nil {
		return nil, 0, &Error{Kind: KindValidation, Message: "sign request", Err: err}
	}

	headers := http.Header{}
	headers.Set(HeaderAPIKey, c.apiKey)
	headers.Set(HeaderAPISign, sig)
	headers.Set(HeaderAPINonce, strconv.FormatUint(nonce, 10))
	return c.send(ctx, req, timeout, headers)
}

// send issues req with the given extra headers and classifies the outcome.
func (c *Client) send(ctx context.Context, req request, timeout time.Duration, headers http.Header) (any, int, *Error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := c.baseURL + req.path
	if req.query != "" {
		u += "?" + req.query
	}
	var bodyReader io.Reader
	if req.hasBody {
		bodyReader = strings.NewReader(req.body)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.method, u, bodyReader)
	if err != nil {
		return nil, 0, &Error{Kind: KindValidation, Message: "build request", Err: err}
	}
	for k, vs := range headers {
		httpReq.Header[k] = vs
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Content-Type", "application/json")
	if id := reqctx.CorrelationID(ctx); id != "" {
		httpReq.Header.Set(HeaderCorrelationID, id)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, 0, transportError(ctx, err, timeout)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, resp.StatusCode, transportError(ctx, err, timeout)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := classifyStatus(resp.StatusCode)
		e := &Error{
			Kind:    kind,
			Status:  resp.StatusCode,
			Message: errorMessage(raw, resp.StatusCode),
		}
		if kind.Retryable() {
			e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		}
		return nil, resp.StatusCode, e
	}

	result, err := decodeBody(raw)
	if err != nil {
		return nil, resp.StatusCode, &Error{
			Kind:    KindUnexpected,
			Status:  resp.StatusCode,
			Message: "decode response body",
			Err:     err,
		}
	}
	return result, resp.StatusCode, nil
}

// decodeBody decodes a JSON success body. Numbers are kept as [json.Number]
// so amounts round-trip without float loss. Empty and null bodies decode to
// nil.
func decodeBody(raw []byte) (any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// transportError classifies a failure to obtain a response. A done parent
// context is reported as [KindCanceled]; anything else, including the
// per-attempt timeout, is [KindTransient].
func transportError(ctx context.Context, err error, timeout time.Duration) *Error {
	if ctx.Err() != nil {
		return &Error{Kind: KindCanceled, Message: ctx.Err().Error(), Err: ctx.Err()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTransient, Message: fmt.Sprintf("request timed out after %s", timeout), Err: err}
	}
	return &Error{Kind: KindTransient, Message: "transport error", Err: err}
}

// canceled builds the error returned when the caller's context ends. It is
// not reported to the circuit breaker.
func (c *Client) canceled(ctx context.Context, log *slog.Logger, path string, attempts int, cause error) *Error {
	c.metrics.RecordRequest(ctx, path, KindCanceled.String())
	log.Debug("exchange request canceled", "attempts", attempts, "err", cause)
	return &Error{
		Kind:     KindCanceled,
		Message:  "request canceled by caller",
		Path:     path,
		Attempts: attempts,
		Err:      cause,
	}
}

func attemptStatus(status int, e *Error) string {
	if e == nil {
		return "ok"
	}
	if status != 0 {
		return strconv.Itoa(status)
	}
	return e.Kind.String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
