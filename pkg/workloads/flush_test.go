package workloads

import (
	"testing"
	"time"
)

func TestJitteredDurationBounds(t *testing.T) {
	base := 300 * time.Second
	spread := 30 * time.Second

	for i := 0; i < 200; i++ {
		d := jitteredDuration(base, spread)
		if d < base-spread || d > base+spread {
			t.Fatalf("jitteredDuration out of bounds: %v", d)
		}
	}
}

func TestJitteredDurationNoSpread(t *testing.T) {
	if d := jitteredDuration(5*time.Second, 0); d != 5*time.Second {
		t.Fatalf("expected no jitter, got %v", d)
	}
}
