package exchange

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{400, KindBadRequest},
		{401, KindAuthentication},
		{403, KindAuthentication},
		{404, KindNotFound},
		{409, KindUnexpected},
		{422, KindBadRequest},
		{429, KindRateLimited},
		{500, KindTransient},
		{502, KindTransient},
		{503, KindTransient},
		{599, KindTransient},
		{302, KindUnexpected},
	}
	for _, tt := range tests {
		if got := classifyStatus(tt.status); got != tt.want {
			t.Errorf("classifyStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestKind_Retryable(t *testing.T) {
	for _, k := range []Kind{KindUnexpected, KindAuthentication, KindBadRequest, KindNotFound, KindValidation, KindCircuitOpen, KindCanceled} {
		if k.Retryable() {
			t.Errorf("%v.Retryable() = true", k)
		}
	}
	for _, k := range []Kind{KindRateLimited, KindTransient} {
		if !k.Retryable() {
			t.Errorf("%v.Retryable() = false", k)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		in   string
		want time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "7", 7 * time.Second},
		{"padded", " 2 ", 2 * time.Second},
		{"zero", "0", 0},
		{"negative", "-3", 0},
		{"http date", now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{"past date", now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"garbage", "soon", 0},
		{"a week", "604800", maxRetryAfter},
		{"would overflow duration", "9223372036854775807", maxRetryAfter},
		{"beyond int64", "99999999999999999999999", maxRetryAfter},
		{"far negative", "-99999999999999999999999", 0},
		{"far future date", now.Add(30 * 24 * time.Hour).Format(http.TimeFormat), maxRetryAfter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseRetryAfter(tt.in, now); got != tt.want {
				t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"error string", `{"error":"EGeneral:Invalid arguments"}`, "EGeneral:Invalid arguments"},
		{"error list", `{"error":["EOrder:Insufficient funds","EGeneral:Invalid"]}`, "EOrder:Insufficient funds; EGeneral:Invalid"},
		{"empty error list falls back to message", `{"error":[],"message":"bad pair"}`, "bad pair"},
		{"message", `{"message":"Invalid nonce"}`, "Invalid nonce"},
		{"plain text", "  upstream exploded\n", "upstream exploded"},
		{"empty body", "", "Service Unavailable"},
		{"json without known fields", `{"code":7}`, `{"code":7}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorMessage([]byte(tt.body), http.StatusServiceUnavailable); got != tt.want {
				t.Errorf("errorMessage = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorMessage_Truncates(t *testing.T) {
	got := errorMessage([]byte(strings.Repeat("x", 2000)), 500)
	if len(got) > maxMessageLen+len("…") {
		t.Errorf("len = %d, want at most %d", len(got), maxMessageLen+len("…"))
	}
}

func TestTruncate_RuneBoundary(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "héllo", 16, "héllo"},
		{"ascii cut", "abcdef", 3, "abc…"},
		{"cut inside two-byte rune", "aéé", 2, "a…"},
		{"cut inside four-byte rune", "ab😀c", 4, "ab…"},
		{"cut after rune", "aéé", 3, "aé…"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncate(tt.in, tt.n); got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
		})
	}
}

func TestErrorMessage_TruncatesMultiByteBody(t *testing.T) {
	// Rune starts fall on odd offsets, so maxMessageLen lands mid-rune.
	body := "x" + strings.Repeat("é", maxMessageLen)
	got := errorMessage([]byte(body), http.StatusBadGateway)
	if !utf8.ValidString(got) {
		t.Errorf("truncated message is not valid UTF-8: %q", got[len(got)-8:])
	}
	if !strings.HasSuffix(got, "…") {
		t.Error("truncated message lacks the ellipsis")
	}
	if len(got) != maxMessageLen-1+len("…") {
		t.Errorf("len = %d, want %d", len(got), maxMessageLen-1+len("…"))
	}
}

func TestError_FormattingAndMatching(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("tool failed: %w", &Error{
		Kind:     KindTransient,
		Path:     "/0/private/Balance",
		Attempts: 4,
		Message:  "transport error",
		Err:      cause,
	})

	if !errors.Is(err, ErrTransient) {
		t.Error("errors.Is(err, ErrTransient) = false")
	}
	if errors.Is(err, ErrCircuitOpen) {
		t.Error("errors.Is(err, ErrCircuitOpen) = true")
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
	if KindOf(err) != KindTransient {
		t.Errorf("KindOf = %v", KindOf(err))
	}
	if KindOf(errors.New("plain")) != KindUnexpected {
		t.Error("KindOf(plain error) != KindUnexpected")
	}

	want := "tool failed: exchange: /0/private/Balance: transient: transport error"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	withStatus := &Error{Kind: KindNotFound, Status: 404, Message: "Unknown method"}
	if got := withStatus.Error(); got != "exchange: not_found (HTTP 404): Unknown method" {
		t.Errorf("Error() = %q", got)
	}
}

func TestNewValidationError(t *testing.T) {
	err := NewValidationError("limit must be between 1 and %d", 1000)
	if !errors.Is(err, ErrValidation) {
		t.Error("not a validation error")
	}
	if err.Message != "limit must be between 1 and 1000" {
		t.Errorf("Message = %q", err.Message)
	}
}
