package server

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window limiter keyed by an arbitrary string (client IP for auth
// endpoints).
type RateLimiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (r *RateLimiter) Allow(key string) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	kept, ok := slide(r.hits[key], now, r.window, r.limit)
	if len(kept) == 0 {
		delete(r.hits, key)
	} else {
		r.hits[key] = kept
	}
	return ok
}

// slide drops hits older than window and appends now when fewer than limit remain.
func slide(hits []time.Time, now time.Time, window time.Duration, limit int) ([]time.Time, bool) {
	cutoff := now.Add(-window)
	idx := 0
	for _, ts := range hits {
		if ts.After(cutoff) {
			hits[idx] = ts
			idx++
		}
	}
	hits = hits[:idx]
	if len(hits) >= limit {
		return hits, false
	}
	return append(hits, now), true
}
