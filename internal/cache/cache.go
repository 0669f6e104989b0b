// Package cache implements the gateway's response cache.
//
// Two matching modes are layered:
//   - Exact: the normalized request is hashed and looked up byte-for-byte
//     in a Redis or in-process backend.
//   - Semantic: on exact miss, prompt-based requests are embedded and
//     matched against stored vectors by cosine similarity.
//
// Caching is a performance optimization, not a correctness dependency: every
// backend failure fails open and the request proceeds as a miss.
package cache

import (
	"context"
	"time"
)

// Store is the exact-match key/value backend. Implementations must degrade
// gracefully — Get reports a miss on any backend error.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Status classifies a lookup outcome. It maps directly onto the X-Cache and
// X-Cache-Type response headers.
type Status int

const (
	StatusMiss Status = iota
	StatusExact
	StatusSemantic
	StatusBypass
)

// String returns the X-Cache-Type header value ("" for miss/bypass).
func (s Status) String() string {
	switch s {
	case StatusExact:
		return "EXACT"
	case StatusSemantic:
		return "SEMANTIC"
	default:
		return ""
	}
}

// Hit reports whether the lookup found a response to serve.
func (s Status) Hit() bool { return s == StatusExact || s == StatusSemantic }

// Result is the outcome of a Layer lookup.
type Result struct {
	Status      Status
	Value       []byte
	ContentType string
}
