// Package jitter spreads recurring runs so workers sharing an interval do not
// fire on the same tick.
package jitter

import (
	"math/rand"
	"time"
)

// Delay returns interval plus a random offset in [interval/10, interval/2).
// For interval <= 0 it returns 0.
func Delay(interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	lo := (interval + 9) / 10
	hi := interval / 2
	if hi <= lo {
		return interval + lo
	}
	return interval + lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

// NextRun returns the time of the next run after now.
func NextRun(now time.Time, interval time.Duration) time.Time {
	return now.Add(Delay(interval))
}
