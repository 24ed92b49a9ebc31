package signer

import (
	"sync/atomic"
	"time"
)

// NonceSource issues strictly increasing nonces. Each value is at least the
// current Unix time in microseconds, so nonces keep growing across process
// restarts as long as the clock does not move backwards by more than the
// restart gap.
//
// NonceSource is safe for concurrent use. The zero value is ready to use.
type NonceSource struct {
	last atomic.Uint64

	// now is swapped in tests.
	now func() time.Time
}

// NewNonceSource returns a [NonceSource] seeded from the wall clock.
func NewNonceSource() *NonceSource {
	return &NonceSource{now: time.Now}
}

// Next returns a nonce strictly greater than every nonce previously returned
// by this source.
func (s *NonceSource) Next() uint64 {
	now := s.clock()
	for {
		prev := s.last.Load()
		next := prev + 1
		if now > next {
			next = now
		}
		if s.last.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// Last returns the most recently issued nonce, or 0 if none was issued yet.
func (s *NonceSource) Last() uint64 {
	return s.last.Load()
}

func (s *NonceSource) clock() uint64 {
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	us := now().UnixMicro()
	if us < 0 {
		return 0
	}
	return uint64(us)
}
