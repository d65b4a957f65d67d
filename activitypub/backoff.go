package activitypub

import (
	"math/rand/v2"
	"time"
)

const (
	backoffBase = time.Minute
	backoffMax  = 8 * time.Hour
)

// apBackoff returns the delay before the next attempt after attempts failures:
// (2^attempts - 1) minutes, capped at eight hours, plus up to 20% jitter.
func apBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := backoffMax
	if attempts < 20 {
		delay = time.Duration(1<<attempts-1) * backoffBase
		if delay > backoffMax {
			delay = backoffMax
		}
	}
	jitter := time.Duration(rand.Int64N(int64(delay)/5 + 1))
	return delay + jitter
}
