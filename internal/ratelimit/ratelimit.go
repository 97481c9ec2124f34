package ratelimit

import (
	"sync"
	"time"
)

// Limiter caps requests per source key within a sliding time window.
// Timestamps older than the window are pruned lazily on each check.
type Limiter struct {
	mu       sync.Mutex
	window   time.Duration
	max      int
	requests map[string][]time.Time
	now      func() time.Time
}

// New creates a sliding-window limiter admitting max requests per window.
func New(max int, window time.Duration) *Limiter {
	return &Limiter{
		window:   window,
		max:      max,
		requests: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Allow reports whether the source may proceed, recording the request
// if admitted.
func (l *Limiter) Allow(sourceKey string) bool {
	ok, _ := l.AllowN(sourceKey, l.max)
	return ok
}

// AllowN is Allow with a per-call maximum, used when an authenticated
// key carries its own allowance. A non-positive max falls back to the
// limiter default. On rejection it returns the duration until the
// oldest recorded request leaves the window.
func (l *Limiter) AllowN(sourceKey string, max int) (bool, time.Duration) {
	if max <= 0 {
		max = l.max
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	stamps := l.requests[sourceKey]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= max {
		l.requests[sourceKey] = kept
		retryAfter := kept[0].Add(l.window).Sub(now)
		return false, retryAfter
	}

	l.requests[sourceKey] = append(kept, now)
	return true, 0
}

// Remaining returns how many requests the source has left in the
// current window without consuming one.
func (l *Limiter) Remaining(sourceKey string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	count := 0
	for _, ts := range l.requests[sourceKey] {
		if ts.After(cutoff) {
			count++
		}
	}
	if count >= l.max {
		return 0
	}
	return l.max - count
}

// Sweep removes sources whose every timestamp has left the window,
// bounding memory for idle callers. Intended to run periodically.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	removed := 0
	for key, stamps := range l.requests {
		live := false
		for _, ts := range stamps {
			if ts.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.requests, key)
			removed++
		}
	}
	return removed
}

// EndpointKey composes a per-endpoint window key so each API surface
// gets an independent budget for the same source.
func EndpointKey(source, path string) string {
	return source + ":" + path
}
