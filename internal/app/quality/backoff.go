package quality

import (
	"math/rand/v2"
	"time"
)

// Backoff is the wait before reconnect attempt n (1-based): Base doubled per
// attempt plus up to MaxJitter of random jitter.
type Backoff struct {
	Base      time.Duration
	MaxJitter time.Duration
	// Jitter returns a value in [0, n). Defaults to rand.Int64N.
	Jitter func(n int64) int64
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := min(attempt-1, 30)
	d := b.Base << shift
	if b.MaxJitter > 0 {
		jitter := b.Jitter
		if jitter == nil {
			jitter = rand.Int64N
		}
		d += time.Duration(jitter(int64(b.MaxJitter)))
	}
	return d
}
