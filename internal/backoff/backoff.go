// Package backoff provides retry delay strategies for failed jobs.
// Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	Delay(attempt int) time.Duration
}

// ExponentialWithJitter doubles the delay each attempt, caps it at Max,
// and adds up to JitterFrac of uniform jitter on top. The result is
// floored to whole seconds so callers get stable, comparable delays.
type ExponentialWithJitter struct {
	Base       time.Duration
	Max        time.Duration
	JitterFrac float64
}

// New returns the default strategy: 2s base, 60s cap, 10% jitter.
func New() *ExponentialWithJitter {
	return &ExponentialWithJitter{
		Base:       2 * time.Second,
		Max:        60 * time.Second,
		JitterFrac: 0.1,
	}
}

// Delay returns min(Max, Base*2^(attempt-1)) plus up to JitterFrac jitter.
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Base) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	if e.JitterFrac > 0 {
		d += d * e.JitterFrac * rand.Float64() //nolint:gosec // jitter needs no crypto rand
	}
	return time.Duration(d).Truncate(time.Second)
}
