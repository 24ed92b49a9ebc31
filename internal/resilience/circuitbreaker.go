// Package resilience provides the circuit breaker and retry backoff used to
// protect the exchange API from being hammered while it is failing.
//
// [CircuitBreaker] is a classic three-state breaker (closed → open →
// half-open). Callers either wrap a call with [CircuitBreaker.Execute] or
// drive it manually through [CircuitBreaker.CanExecute],
// [CircuitBreaker.RecordSuccess] and [CircuitBreaker.RecordFailure] when the
// outcome of a call is only known after retries and classification.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is in
// the open state and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state; all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive failures.
	// Calls are rejected immediately until the reset timeout elapses.
	StateOpen

	// StateHalfOpen is the trial state entered after the reset timeout. Calls
	// are forwarded; SuccessThreshold consecutive successes close the breaker
	// and any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state as its name so stats serialise readably.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// FailureThreshold is the number of consecutive failures in the closed
	// state before the breaker opens. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open after the last failure
	// before the next permission check moves it to half-open. Default: 60s.
	ResetTimeout time.Duration

	// SuccessThreshold is the number of consecutive successes required in the
	// half-open state to close the breaker. Default: 2.
	SuccessThreshold int
}

// BreakerStats is a snapshot of a [CircuitBreaker]'s counters.
type BreakerStats struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastFailure          time.Time `json:"last_failure,omitzero"`
	FailureThreshold     int       `json:"failure_threshold"`
	SuccessThreshold     int       `json:"success_threshold"`
	ResetTimeout         string    `json:"reset_timeout"`
}

// CircuitBreaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	resetTimeout     time.Duration
	successThreshold int

	// now is swapped in tests.
	now func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	consecutiveOK   int
	lastFailure     time.Time
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with sensible defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	return &CircuitBreaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		resetTimeout:     cfg.ResetTimeout,
		successThreshold: cfg.SuccessThreshold,
		now:              time.Now,
		state:            StateClosed,
	}
}

// CanExecute reports whether a call may proceed. When the breaker is open and
// the reset timeout has elapsed since the last failure, it transitions to
// half-open before answering.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return true
	}
	if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
		return false
	}
	cb.state = StateHalfOpen
	cb.consecutiveOK = 0
	slog.Info("circuit breaker transitioning to half-open", "name", cb.name)
	return true
}

// RecordSuccess accounts for a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFail = 0
	if cb.state != StateHalfOpen {
		return
	}
	cb.consecutiveOK++
	if cb.consecutiveOK >= cb.successThreshold {
		cb.state = StateClosed
		cb.consecutiveOK = 0
		slog.Info("circuit breaker closed after successful trial calls", "name", cb.name)
	}
}

// RecordFailure accounts for a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()
	cb.consecutiveFail++

	switch cb.state {
	case StateHalfOpen:
		// Any failure in half-open immediately re-opens.
		cb.state = StateOpen
		cb.consecutiveOK = 0
		slog.Warn("circuit breaker re-opened from half-open", "name", cb.name)
	case StateClosed:
		if cb.consecutiveFail >= cb.failureThreshold {
			cb.state = StateOpen
			slog.Warn("circuit breaker opened",
				"name", cb.name,
				"consecutive_failures", cb.consecutiveFail)
		}
	}
}

// Execute runs fn if the breaker allows it and records the outcome. In the
// open state it returns [ErrCircuitOpen] without calling fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.CanExecute() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// State returns the current [State] of the breaker. Unlike [CanExecute] it
// never transitions: an open breaker whose timeout has elapsed still reports
// [StateOpen] until the next permission check.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker's state and counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		Name:                 cb.name,
		State:                cb.state,
		ConsecutiveFailures:  cb.consecutiveFail,
		ConsecutiveSuccesses: cb.consecutiveOK,
		LastFailure:          cb.lastFailure,
		FailureThreshold:     cb.failureThreshold,
		SuccessThreshold:     cb.successThreshold,
		ResetTimeout:         cb.resetTimeout.String(),
	}
}

// Reset manually forces the breaker back to [StateClosed], clearing all
// counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.consecutiveOK = 0
	slog.Info("circuit breaker manually reset", "name", cb.name)
}
