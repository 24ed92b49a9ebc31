package exchange

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Kind classifies why an exchange call failed.
type Kind int

const (
	// KindUnexpected covers non-2xx statuses without a more specific kind and
	// undecodable success bodies. Not retried.
	KindUnexpected Kind = iota

	// KindAuthentication means the key or signature was rejected (401, 403).
	KindAuthentication

	// KindBadRequest is a caller error reported upstream (400, 422).
	KindBadRequest

	// KindNotFound means the endpoint or resource does not exist (404).
	KindNotFound

	// KindRateLimited means the provider throttled the call (429). Retried,
	// honouring Retry-After.
	KindRateLimited

	// KindTransient covers 5xx responses, transport errors and per-attempt
	// timeouts. Retried with exponential backoff.
	KindTransient

	// KindValidation is a local pre-flight error. The call never reaches the
	// network.
	KindValidation

	// KindCircuitOpen means the circuit breaker denied the call.
	KindCircuitOpen

	// KindCanceled means the caller's context ended before the call finished.
	KindCanceled
)

// String returns the snake_case name used in logs, metrics and error payloads.
func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindBadRequest:
		return "bad_request"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindCircuitOpen:
		return "circuit_open"
	case KindCanceled:
		return "canceled"
	default:
		return "unexpected"
	}
}

// Retryable reports whether the executor retries errors of this kind.
func (k Kind) Retryable() bool {
	return k == KindRateLimited || k == KindTransient
}

// Sentinel errors matching each [Kind] through [errors.Is].
var (
	ErrUnexpected     = errors.New("exchange: unexpected response")
	ErrAuthentication = errors.New("exchange: authentication failed")
	ErrBadRequest     = errors.New("exchange: bad request")
	ErrNotFound       = errors.New("exchange: not found")
	ErrRateLimited    = errors.New("exchange: rate limit exceeded")
	ErrTransient      = errors.New("exchange: transient failure")
	ErrValidation     = errors.New("exchange: validation failed")
	ErrCircuitOpen    = errors.New("exchange: circuit breaker is open")
	ErrCanceled       = errors.New("exchange: canceled")
)

func (k Kind) sentinel() error {
	switch k {
	case KindAuthentication:
		return ErrAuthentication
	case KindBadRequest:
		return ErrBadRequest
	case KindNotFound:
		return ErrNotFound
	case KindRateLimited:
		return ErrRateLimited
	case KindTransient:
		return ErrTransient
	case KindValidation:
		return ErrValidation
	case KindCircuitOpen:
		return ErrCircuitOpen
	case KindCanceled:
		return ErrCanceled
	default:
		return ErrUnexpected
	}
}

// Error is the typed error returned by [Client]. Use [errors.As] to inspect it
// or [errors.Is] against the Err* sentinels to test its kind.
type Error struct {
	Kind Kind

	// Status is the HTTP status of the last attempt, 0 when no response was
	// received.
	Status int

	// Message is the provider's error text, or a local description.
	Message string

	// Path is the request path the error belongs to.
	Path string

	// Attempts is the number of HTTP attempts made.
	Attempts int

	// RetryAfter is the provider's retry hint on the last attempt, if any.
	RetryAfter time.Duration

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("exchange: ")
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.Status)
	}
	switch {
	case e.Message != "":
		b.WriteString(": ")
		b.WriteString(e.Message)
	case e.Err != nil:
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// NewValidationError returns a [KindValidation] error for arguments rejected
// before any request is sent.
func NewValidationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or [KindUnexpected] when err is not an
// [*Error].
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}

// classifyStatus maps a non-2xx HTTP status to a [Kind].
func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuthentication
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return KindBadRequest
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500 && status <= 599:
		return KindTransient
	default:
		return KindUnexpected
	}
}

// maxRetryAfter bounds a Retry-After hint before it is turned into a
// duration.
const maxRetryAfter = 24 * time.Hour

// parseRetryAfter reads a Retry-After header given either as delta seconds or
// as an HTTP-date. Missing, malformed or past values yield 0; larger values
// are clamped to maxRetryAfter.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	switch {
	case err == nil && secs <= 0:
		return 0
	case err == nil:
		return time.Duration(min(secs, int64(maxRetryAfter/time.Second))) * time.Second
	case errors.Is(err, strconv.ErrRange):
		if v[0] == '-' {
			return 0
		}
		return maxRetryAfter
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return 0
	}
	if d := t.Sub(now); d > 0 {
		return min(d, maxRetryAfter)
	}
	return 0
}

// maxMessageLen bounds how much of a raw error body ends up in a message.
const maxMessageLen = 512

// errorMessage extracts a human-readable message from an upstream error body.
// JSON bodies are searched for an "error" field (string or list of strings)
// and then a "message" field; anything else is returned as trimmed text.
func errorMessage(body []byte, status int) string {
	body = bytes.TrimSpace(body)

	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		if msg := rawErrorText(envelope.Error); msg != "" {
			return msg
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}

	if len(body) == 0 {
		return http.StatusText(status)
	}
	return truncate(string(body), maxMessageLen)
}

// truncate cuts s to at most n bytes on a rune boundary and marks the cut
// with an ellipsis.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}

func rawErrorText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var list []string
	if json.Unmarshal(raw, &list) == nil {
		return strings.Join(list, "; ")
	}
	return ""
}
