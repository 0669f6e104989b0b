// Package registry tracks the generation worker pool.
//
// Workers announce themselves with periodic heartbeats (POST /register);
// absence of heartbeats is the sole failure signal. A worker whose last
// heartbeat is older than the staleness window is excluded from dispatch,
// and evicted entirely after a longer grace window. Eviction is lazy — it
// happens during heartbeat writes, never in a background sweeper.
//
// Dispatch reads operate on an immutable snapshot swapped atomically on
// every write, so a burst of heartbeats never serializes Pick calls.
package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults. The staleness window is 2× the expected heartbeat interval so a
// single dropped heartbeat does not flap the worker out of rotation.
const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultStaleAfter        = 2 * DefaultHeartbeatInterval
	DefaultEvictAfter        = 10 * DefaultHeartbeatInterval
)

// ErrNoWorker is returned by Pick when no active worker of the requested
// type exists. The gateway maps it to a 503 — requests are never queued
// server-side waiting for capacity.
var ErrNoWorker = errors.New("registry: no active worker available")

// Heartbeat is the self-reported status message a worker POSTs periodically.
type Heartbeat struct {
	URL               string  `json:"url"`
	Type              string  `json:"type"`
	QueueSize         int     `json:"queueSize"`
	TotalRequests     uint64  `json:"totalRequests"`
	Errors            uint64  `json:"errors"`
	RequestsPerSecond float64 `json:"requestsPerSecond"`
}

// WorkerRecord is the registry's best-known state for one worker, keyed by URL.
type WorkerRecord struct {
	Heartbeat
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// Registry is the shared worker map. Safe for concurrent use: many heartbeat
// writers, many dispatch readers.
type Registry struct {
	mu   sync.Mutex // serializes writers only
	snap atomic.Pointer[map[string]WorkerRecord]

	staleAfter time.Duration
	evictAfter time.Duration

	now func() time.Time // injectable clock for tests
}

// Options tunes the registry windows. Zero values use the defaults.
type Options struct {
	// StaleAfter is the window after the last heartbeat during which a
	// worker is considered active. Default: 2× heartbeat interval (30s).
	StaleAfter time.Duration

	// EvictAfter is the grace window after which a silent worker's record is
	// dropped entirely. Must be ≥ StaleAfter. Default: 150s.
	EvictAfter time.Duration
}

// New creates an empty Registry.
func New(opts Options) *Registry {
	stale := opts.StaleAfter
	if stale <= 0 {
		stale = DefaultStaleAfter
	}
	evict := opts.EvictAfter
	if evict < stale {
		evict = DefaultEvictAfter
	}

	r := &Registry{
		staleAfter: stale,
		evictAfter: evict,
		now:        time.Now,
	}
	empty := make(map[string]WorkerRecord)
	r.snap.Store(&empty)
	return r
}

// Register upserts the record for hb.URL. Heartbeats are best-effort: the
// write always succeeds and the most recent heartbeat wins per key.
// Records past the eviction grace window are dropped during the rebuild.
func (r *Registry) Register(hb Heartbeat) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.snap.Load()
	next := make(map[string]WorkerRecord, len(old)+1)
	for url, rec := range old {
		if now.Sub(rec.LastHeartbeatAt) > r.evictAfter {
			continue
		}
		next[url] = rec
	}
	next[hb.URL] = WorkerRecord{Heartbeat: hb, LastHeartbeatAt: now}

	r.snap.Store(&next)
}

// ListActive returns all records of the given type whose last heartbeat is
// within the staleness window, in no particular order. An empty workerType
// matches every type.
func (r *Registry) ListActive(workerType string) []WorkerRecord {
	now := r.now()
	snap := *r.snap.Load()

	out := make([]WorkerRecord, 0, len(snap))
	for _, rec := range snap {
		if workerType != "" && rec.Type != workerType {
			continue
		}
		if now.Sub(rec.LastHeartbeatAt) > r.staleAfter {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Pick selects the active worker of the given type with the lowest reported
// queueSize; ties are broken by lowest error count, then arbitrarily.
// Returns ErrNoWorker when the active set is empty.
func (r *Registry) Pick(workerType string) (WorkerRecord, error) {
	best, ok := PickBest(r.ListActive(workerType))
	if !ok {
		return WorkerRecord{}, ErrNoWorker
	}
	return best, nil
}

// PickBest applies the dispatch ordering (min queueSize, then min errors) to
// an arbitrary candidate slice. Exposed so callers that pre-filter the active
// set (e.g. by circuit breaker state) reuse the same selection rule.
func PickBest(records []WorkerRecord) (WorkerRecord, bool) {
	if len(records) == 0 {
		return WorkerRecord{}, false
	}
	best := records[0]
	for _, rec := range records[1:] {
		if rec.QueueSize < best.QueueSize ||
			(rec.QueueSize == best.QueueSize && rec.Errors < best.Errors) {
			best = rec
		}
	}
	return best, true
}

// Snapshot returns every record currently held, active or stale, for the
// GET /register monitoring endpoint.
func (r *Registry) Snapshot() []WorkerRecord {
	snap := *r.snap.Load()
	out := make([]WorkerRecord, 0, len(snap))
	for _, rec := range snap {
		out = append(out, rec)
	}
	return out
}

// Len returns the number of records currently held (including stale ones
// not yet evicted).
func (r *Registry) Len() int {
	return len(*r.snap.Load())
}
