package observe

import (
	"testing"
	"time"
)

func TestDurationWindow_Wraps(t *testing.T) {
	w := newDurationWindow(3)
	if _, ok := w.percentile(50); ok {
		t.Fatal("empty window reported a percentile")
	}

	for i := 1; i <= 5; i++ {
		w.add(time.Duration(i) * time.Second)
	}
	if got := w.filled(); got != 3 {
		t.Fatalf("filled() = %d, want 3", got)
	}

	got := w.sorted()
	want := []time.Duration{3 * time.Second, 4 * time.Second, 5 * time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sorted()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDurationWindow_DefaultSize(t *testing.T) {
	w := newDurationWindow(0)
	if len(w.samples) != defaultWindowSize {
		t.Errorf("len(samples) = %d, want %d", len(w.samples), defaultWindowSize)
	}
}

func TestDurationWindow_SingleSample(t *testing.T) {
	w := newDurationWindow(10)
	w.add(7 * time.Millisecond)
	for _, p := range []float64{0, 1, 50, 99, 100} {
		if got, _ := w.percentile(p); got != 7*time.Millisecond {
			t.Errorf("percentile(%v) = %v, want 7ms", p, got)
		}
	}
}
