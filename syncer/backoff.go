package syncer

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes the delay before retry number attempt (1-based): initial,
// doubling per attempt, never above max. With jitter set the delay varies by
// up to 20% but stays within max.
func Backoff(attempt int, initial, max time.Duration, jitter bool) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if attempt <= 1 {
		attempt = 1
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	if jitter {
		backoff += (rand.Float64() - 0.5) * 2 * 0.2 * backoff
		if backoff > float64(max) {
			backoff = float64(max)
		}
	}
	return time.Duration(backoff)
}
