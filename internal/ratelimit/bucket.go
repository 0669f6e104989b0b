// Package ratelimit implements per-identity token buckets plus an optional
// global requests-per-minute guard backed by Redis sliding window counters
// with atomic Lua scripts.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// maxRetryAfter caps the Retry-After hint when the bucket cannot refill
// (refill rate zero). One hour is long enough to make clients back off
// without advertising "never".
const maxRetryAfterSeconds = 3600

// Limits describes one bucket shape.
type Limits struct {
	// RPS is the refill rate in tokens per second.
	RPS float64
	// Burst is the bucket capacity.
	Burst int
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	// RetryAfterSeconds is the whole-second wait until a token will be
	// available. Zero when Allowed.
	RetryAfterSeconds int
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter admits requests per identity using token buckets. Buckets are
// created on first use with the limits the caller passes; idle buckets are
// evicted once they have been full for a while.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	now func() time.Time

	lastSweep time.Time
}

const sweepInterval = 10 * time.Minute

// NewLimiter creates an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Admit takes one token from the identity's bucket. When the bucket is
// empty the request is denied with a Retry-After hint derived from the
// refill rate.
func (l *Limiter) Admit(id string, lim Limits) Decision {
	if lim.Burst <= 0 {
		lim.Burst = 1
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= sweepInterval {
		l.sweep(now, lim)
		l.lastSweep = now
	}

	b, ok := l.buckets[id]
	if !ok {
		b = &bucket{tokens: float64(lim.Burst), lastRefill: now}
		l.buckets[id] = b
	}

	// Refill by elapsed time, capped at capacity.
	if lim.RPS > 0 {
		elapsed := now.Sub(b.lastRefill).Seconds()
		b.tokens = math.Min(float64(lim.Burst), b.tokens+elapsed*lim.RPS)
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true}
	}

	return Decision{RetryAfterSeconds: retryAfter(b.tokens, lim.RPS)}
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// sweep drops buckets that have been idle long enough to be full again.
// Called with l.mu held.
func (l *Limiter) sweep(now time.Time, lim Limits) {
	idle := time.Hour
	if lim.RPS > 0 {
		idle = time.Duration(float64(lim.Burst)/lim.RPS*float64(time.Second)) + time.Minute
	}
	for id, b := range l.buckets {
		if now.Sub(b.lastRefill) > idle {
			delete(l.buckets, id)
		}
	}
}

func retryAfter(tokens, rps float64) int {
	if rps <= 0 {
		return maxRetryAfterSeconds
	}
	secs := int(math.Ceil((1 - tokens) / rps))
	if secs < 1 {
		secs = 1
	}
	if secs > maxRetryAfterSeconds {
		secs = maxRetryAfterSeconds
	}
	return secs
}
