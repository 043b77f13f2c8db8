// Package ratelimit admits page dispatches per domain. State is
// process-local: one token bucket per domain, created on first sight.
// Candidates rejected here stay PENDING and are reconsidered next tick.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DomainLimiter is a token-bucket admission check keyed by domain.
type DomainLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// New builds a limiter allowing requests per window against each domain,
// with the given burst.
func New(requests int, window time.Duration, burst int) *DomainLimiter {
	return &DomainLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(requests) / window.Seconds()),
		burst:    burst,
	}
}

// Allow reports whether one request against domain fits the budget now,
// consuming a token when it does.
func (d *DomainLimiter) Allow(domain string) bool {
	d.mu.Lock()
	lim, ok := d.limiters[domain]
	if !ok {
		lim = rate.NewLimiter(d.limit, d.burst)
		d.limiters[domain] = lim
	}
	d.mu.Unlock()
	return lim.Allow()
}

// Prune drops all per-domain state once the map grows past max entries.
// Buckets re-fill from scratch afterwards; momentarily over-admitting a
// domain is acceptable, unbounded memory is not.
func (d *DomainLimiter) Prune(max int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.limiters) > max {
		d.limiters = make(map[string]*rate.Limiter)
	}
}

// Len returns the number of domains currently tracked.
func (d *DomainLimiter) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.limiters)
}
