package registry

import (
	"sync"
	"time"
)

// Circuit breaker defaults.
const (
	BreakerErrorThreshold  = 5
	BreakerTimeWindow      = 60 * time.Second
	BreakerHalfOpenTimeout = 30 * time.Second
)

// breakerState represents the operational state of a per-worker breaker.
//
//	breakerClosed   — normal operation; the worker receives dispatches.
//	breakerOpen     — the worker is failing; it is skipped by dispatch.
//	breakerHalfOpen — recovery probe; one request is allowed through.
type breakerState int

const (
	breakerClosed   breakerState = 0
	breakerOpen     breakerState = 1
	breakerHalfOpen breakerState = 2
)

// BreakerConfig holds circuit breaker tuning parameters. Zero values fall
// back to the package-level defaults.
type BreakerConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window for counting errors. Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

func (c *BreakerConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return BreakerErrorThreshold
}

func (c *BreakerConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return BreakerTimeWindow
}

func (c *BreakerConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return BreakerHalfOpenTimeout
}

// workerBreaker holds per-worker breaker state.
type workerBreaker struct {
	mu sync.Mutex

	state         breakerState
	errorCount    int
	windowStart   time.Time // start of the current error-counting window
	openedAt      time.Time // when the breaker was tripped (for half-open timer)
	probeInflight bool      // true while a half-open probe is in flight
}

// Breaker manages independent circuit breakers keyed by worker URL. Workers
// come and go with the pool, so breakers are created on first use rather
// than from a fixed list. Safe for concurrent use.
type Breaker struct {
	mu       sync.RWMutex
	breakers map[string]*workerBreaker
	cfg      BreakerConfig
}

// NewBreaker creates a Breaker with the given thresholds.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		breakers: make(map[string]*workerBreaker),
		cfg:      cfg,
	}
}

// Allow reports whether the worker at url should receive the next dispatch.
//
//   - Closed  → always true.
//   - Open    → false, unless the half-open timeout has elapsed, in which case
//     the breaker transitions to HalfOpen and allows one probe.
//   - HalfOpen → true only if no probe is currently in flight.
func (b *Breaker) Allow(url string) bool {
	wb := b.get(url)

	wb.mu.Lock()
	defer wb.mu.Unlock()

	switch wb.state {
	case breakerClosed:
		return true

	case breakerOpen:
		if time.Since(wb.openedAt) >= b.cfg.halfOpenTimeout() {
			wb.state = breakerHalfOpen
			wb.probeInflight = true
			return true
		}
		return false

	case breakerHalfOpen:
		if wb.probeInflight {
			return false
		}
		wb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess marks a successful dispatch to url and resets the breaker to
// Closed regardless of its previous state.
func (b *Breaker) RecordSuccess(url string) {
	wb := b.get(url)

	wb.mu.Lock()
	defer wb.mu.Unlock()

	wb.state = breakerClosed
	wb.errorCount = 0
	wb.probeInflight = false
	wb.windowStart = time.Now()
}

// RecordFailure increments the error counter for url. When the counter
// reaches ErrorThreshold within TimeWindow the breaker opens.
func (b *Breaker) RecordFailure(url string) {
	wb := b.get(url)

	wb.mu.Lock()
	defer wb.mu.Unlock()

	now := time.Now()

	// Reset counter when the rolling window has expired.
	if now.Sub(wb.windowStart) > b.cfg.timeWindow() {
		wb.errorCount = 0
		wb.windowStart = now
	}

	wb.errorCount++
	wb.probeInflight = false

	if wb.errorCount >= b.cfg.errorThreshold() {
		wb.state = breakerOpen
		wb.openedAt = now
	}
}

// StateLabel returns a human-readable state name for metrics and logs:
// "closed", "open", or "half_open".
func (b *Breaker) StateLabel(url string) string {
	wb := b.get(url)
	wb.mu.Lock()
	defer wb.mu.Unlock()
	switch wb.state {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (b *Breaker) get(url string) *workerBreaker {
	b.mu.RLock()
	wb, ok := b.breakers[url]
	b.mu.RUnlock()
	if ok {
		return wb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if wb, ok = b.breakers[url]; ok {
		return wb
	}
	wb = &workerBreaker{state: breakerClosed, windowStart: time.Now()}
	b.breakers[url] = wb
	return wb
}
