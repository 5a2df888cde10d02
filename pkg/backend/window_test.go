package backend

import (
	"math"
	"testing"
)

func TestWindowAppendAndEvict(t *testing.T) {
	w := NewWindow(3)

	if got := w.Len(); got != 0 {
		t.Fatalf("Len() = %d, want 0", got)
	}

	w.Append(1)
	w.Append(2)
	w.Append(3)

	if got := w.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}

	// Fourth append evicts the oldest sample.
	w.Append(4)

	values := w.Values()
	want := []float64{2, 3, 4}
	if len(values) != len(want) {
		t.Fatalf("Values() = %v, want %v", values, want)
	}
	for i := range want {
		if values[i] != want[i] {
			t.Errorf("Values()[%d] = %g, want %g", i, values[i], want[i])
		}
	}
}

func TestWindowMean(t *testing.T) {
	w := NewWindow(4)

	if !math.IsNaN(w.Mean()) {
		t.Error("Mean() of empty window should be NaN")
	}

	w.Append(10)
	w.Append(20)
	w.Append(30)

	if got := w.Mean(); got != 20 {
		t.Errorf("Mean() = %g, want 20", got)
	}
}

func TestWindowPercentile(t *testing.T) {
	w := NewWindow(100)
	for i := 1; i <= 100; i++ {
		w.Append(float64(i))
	}

	tests := []struct {
		p    float64
		want float64
	}{
		{50, 50},
		{95, 95},
		{100, 100},
	}

	for _, tt := range tests {
		if got := w.Percentile(tt.p); got != tt.want {
			t.Errorf("Percentile(%g) = %g, want %g", tt.p, got, tt.want)
		}
	}
}

func TestWindowInvalidCapacity(t *testing.T) {
	w := NewWindow(0)
	w.Append(1)
	if w.Len() != 1 {
		t.Error("window with fallback capacity should accept samples")
	}
}
