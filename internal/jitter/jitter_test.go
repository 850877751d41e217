package jitter

import (
	"testing"
	"time"
)

func TestDelayBounds(t *testing.T) {
	t.Parallel()
	intervals := []time.Duration{
		10 * time.Millisecond,
		time.Second,
		1234 * time.Millisecond,
		5 * time.Minute,
		24 * time.Hour,
	}
	for _, iv := range intervals {
		lo := iv + iv/10
		hi := iv + iv/2
		for i := 0; i < 2000; i++ {
			d := Delay(iv)
			if d < lo || d >= hi {
				t.Fatalf("Delay(%v) = %v, want in [%v, %v)", iv, d, lo, hi)
			}
		}
	}
}

func TestDelaySpreads(t *testing.T) {
	t.Parallel()
	seen := map[time.Duration]bool{}
	for i := 0; i < 100; i++ {
		seen[Delay(time.Second)] = true
	}
	if len(seen) < 2 {
		t.Fatal("expected jittered delays to differ")
	}
}

func TestNextRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	next := NextRun(now, time.Second)
	if d := next.Sub(now); d < 1100*time.Millisecond || d >= 1500*time.Millisecond {
		t.Fatalf("NextRun offset = %v", d)
	}
	if Delay(0) != 0 || Delay(-time.Second) != 0 {
		t.Fatal("non-positive interval should yield zero delay")
	}
}
