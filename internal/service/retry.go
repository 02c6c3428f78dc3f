package service

import (
	"math/rand"
	"time"
)

// backoffDelay is min(base*2^attempt + jitter, maxDelay), jitter drawn from [0, maxJitter).
func backoffDelay(attempt int, base, maxDelay, maxJitter time.Duration, rnd func(int64) int64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := maxDelay
	if attempt < 32 {
		if d := base << uint(attempt); d > 0 && d < maxDelay {
			delay = d
		}
	}
	if maxJitter > 0 {
		delay += time.Duration(rnd(int64(maxJitter)))
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

func defaultJitter(n int64) int64 {
	return rand.Int63n(n)
}
