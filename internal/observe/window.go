package observe

import (
	"math"
	"slices"
	"time"
)

// defaultWindowSize is the number of durations kept per tool for percentile
// calculation.
const defaultWindowSize = 1000

// durationWindow keeps the most recent durations in a ring buffer. It is not
// safe for concurrent use; the [Collector] guards it.
type durationWindow struct {
	samples []time.Duration
	pos     int // next write position
	count   int // total samples written (may exceed len(samples))
}

// newDurationWindow creates a window holding up to size samples. A size of 0
// or less defaults to [defaultWindowSize].
func newDurationWindow(size int) *durationWindow {
	if size <= 0 {
		size = defaultWindowSize
	}
	return &durationWindow{samples: make([]time.Duration, size)}
}

// add stores d, overwriting the oldest sample once the buffer is full.
func (w *durationWindow) add(d time.Duration) {
	w.samples[w.pos] = d
	w.pos = (w.pos + 1) % len(w.samples)
	w.count++
}

// filled returns the number of meaningful samples in the buffer.
func (w *durationWindow) filled() int {
	return min(w.count, len(w.samples))
}

// sorted returns an ascending copy of the samples in the window.
func (w *durationWindow) sorted() []time.Duration {
	n := w.filled()
	if n == 0 {
		return nil
	}
	cp := make([]time.Duration, n)
	copy(cp, w.samples[:n])
	slices.Sort(cp)
	return cp
}

// percentile returns the p-th percentile using the nearest-rank method:
// index = ceil(p/100 × n) − 1, clamped to [0, n−1]. It reports false when the
// window is empty.
func (w *durationWindow) percentile(p float64) (time.Duration, bool) {
	s := w.sorted()
	if len(s) == 0 {
		return 0, false
	}
	idx := int(math.Ceil(p/100*float64(len(s)))) - 1
	idx = max(0, min(idx, len(s)-1))
	return s[idx], true
}
