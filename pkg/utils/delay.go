package utils

import (
	"math/rand"
	"time"
)

// Backoff returns base * 2^(attempt-1) with +/- jitter applied, so attempt 1
// waits around base. jitter is a fraction, e.g. 0.2 for +/- 20%.
func Backoff(base time.Duration, attempt int, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << (attempt - 1)
	if d <= 0 {
		d = base
	}
	return Jitter(d, jitter)
}

// Jitter spreads d uniformly over [d*(1-factor), d*(1+factor)].
func Jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || d <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * factor * float64(d)
	return d + time.Duration(delta)
}

// RandomBetween returns a uniformly random duration in [lo, hi].
func RandomBetween(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)+1))
}
