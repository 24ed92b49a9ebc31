package resilience

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// defaultMaxDelay caps a single retry wait.
const defaultMaxDelay = 2 * time.Minute

// Backoff computes exponential retry delays: Base × 2^attempt, optionally
// jittered by ±Jitter (a fraction in [0, 1)).
//
// The zero value uses a one second base with no jitter.
type Backoff struct {
	Base     time.Duration
	Jitter   float64
	MaxDelay time.Duration
}

// Delay returns how long to wait before retry number attempt+1, where attempt
// is the zero-based index of the attempt that just failed. A positive
// retryAfter hint from the provider wins when it is longer than the computed
// delay. The result never exceeds MaxDelay, hint and jitter included.
func (b Backoff) Delay(attempt int, retryAfter time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	eb := b.schedule()

	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = eb.NextBackOff()
	}
	if retryAfter > d {
		d = retryAfter
	}
	return min(d, b.maxDelay())
}

func (b Backoff) maxDelay() time.Duration {
	if b.MaxDelay <= 0 {
		return defaultMaxDelay
	}
	return b.MaxDelay
}

func (b Backoff) schedule() *backoff.ExponentialBackOff {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	jitter := b.Jitter
	if jitter < 0 || jitter >= 1 {
		jitter = 0
	}

	eb := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: jitter,
		Multiplier:          2,
		MaxInterval:         b.maxDelay(),
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	eb.Reset()
	return eb
}
