package cache

import (
	"context"
	"math"
	"sync"
	"time"
)

// DefaultSimilarityThreshold is the minimum cosine similarity for a semantic
// hit. The value is a tunable, not a contract: 0.92 keeps paraphrases of the
// same prompt together while rejecting prompts that merely share a topic.
const DefaultSimilarityThreshold = 0.92

const defaultMaxEntries = 4096

// Embedder turns a prompt into a vector. The production implementation calls
// an embedding model; tests inject a deterministic fake.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type semEntry struct {
	vec         []float32
	norm        float64
	value       []byte
	contentType string
	expiresAt   time.Time
}

// SemanticIndex is an in-process vector index over previously served
// responses. Entries expire by TTL (evaluated lazily) and the index is
// bounded: when full, the oldest entry is dropped.
//
// The index is intentionally per-instance. Embedding vectors are cheap to
// rebuild from traffic and replicating them buys little — unlike the exact
// cache, a semantic hit is already an approximation.
type SemanticIndex struct {
	mu      sync.RWMutex
	entries []semEntry

	embedder   Embedder
	threshold  float64
	maxEntries int

	now func() time.Time
}

// NewSemanticIndex creates an index using the given embedder. A threshold
// ≤ 0 uses DefaultSimilarityThreshold; maxEntries ≤ 0 uses the default cap.
func NewSemanticIndex(embedder Embedder, threshold float64, maxEntries int) *SemanticIndex {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &SemanticIndex{
		embedder:   embedder,
		threshold:  threshold,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Lookup embeds text and returns the closest non-expired entry at or above
// the similarity threshold. Embedding failures are reported as a miss —
// semantic matching fails open like every other cache path.
func (s *SemanticIndex) Lookup(ctx context.Context, text string) ([]byte, string, bool) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil || len(vec) == 0 {
		return nil, "", false
	}
	qNorm := norm(vec)
	if qNorm == 0 {
		return nil, "", false
	}

	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	bestSim := s.threshold
	bestIdx := -1
	for i := range s.entries {
		e := &s.entries[i]
		if now.After(e.expiresAt) || len(e.vec) != len(vec) {
			continue
		}
		sim := dot(vec, e.vec) / (qNorm * e.norm)
		if sim >= bestSim {
			bestSim = sim
			bestIdx = i
		}
	}

	if bestIdx < 0 {
		return nil, "", false
	}
	return s.entries[bestIdx].value, s.entries[bestIdx].contentType, true
}

// Store embeds text and records the response for future semantic lookups.
// Failures are swallowed: a missing index entry only costs a recomputation.
func (s *SemanticIndex) Store(ctx context.Context, text string, value []byte, contentType string, ttl time.Duration) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil || len(vec) == 0 {
		return
	}
	n := norm(vec)
	if n == 0 {
		return
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	now := s.now()
	entry := semEntry{
		vec:         vec,
		norm:        n,
		value:       value,
		contentType: contentType,
		expiresAt:   now.Add(ttl),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Compact expired entries in place before growing.
	live := s.entries[:0]
	for _, e := range s.entries {
		if !now.After(e.expiresAt) {
			live = append(live, e)
		}
	}
	s.entries = live

	if len(s.entries) >= s.maxEntries {
		s.entries = s.entries[1:] // drop the oldest
	}
	s.entries = append(s.entries, entry)
}

// Len returns the number of entries currently indexed (including entries
// that may have expired but not yet been compacted).
func (s *SemanticIndex) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func norm(v []float32) float64 {
	return math.Sqrt(dot(v, v))
}
