package cache

import (
	"context"
	"log/slog"
	"time"
)

// Layer combines the exact store, the optional semantic index, and the
// bypass rules into the lookup/store surface the gateway uses. Every
// dependency may be nil; a fully-nil Layer degrades to a pass-through.
type Layer struct {
	exact  Store
	sem    *SemanticIndex
	bypass *BypassList
	ttl    time.Duration
	log    *slog.Logger
}

// NewLayer wires a cache layer. ttl ≤ 0 defaults to one hour.
func NewLayer(exact Store, sem *SemanticIndex, bypass *BypassList, ttl time.Duration, log *slog.Logger) *Layer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Layer{
		exact:  exact,
		sem:    sem,
		bypass: bypass,
		ttl:    ttl,
		log:    log,
	}
}

// TTL returns the layer's entry lifetime.
func (l *Layer) TTL() time.Duration {
	if l == nil {
		return 0
	}
	return l.ttl
}

// Lookup resolves a request against the cache. The exact store is consulted
// first; on a miss, the semantic index is tried when a prompt is available.
// Bypassed models short-circuit to Bypass without touching either tier.
func (l *Layer) Lookup(ctx context.Context, key, model, prompt string) Result {
	if l == nil {
		return Result{Status: StatusBypass}
	}
	if l.bypass.Matches(model) {
		return Result{Status: StatusBypass}
	}

	if l.exact != nil {
		if val, ok := l.exact.Get(ctx, key); ok {
			return Result{Status: StatusExact, Value: val}
		}
	}

	if l.sem != nil && prompt != "" {
		if val, ct, ok := l.sem.Lookup(ctx, prompt); ok {
			return Result{Status: StatusSemantic, Value: val, ContentType: ct}
		}
	}

	return Result{Status: StatusMiss}
}

// Store records a served response in both tiers and reports whether the
// entry was written. Failures are logged and dropped; caching never affects
// the response already sent.
func (l *Layer) Store(ctx context.Context, key, model, prompt string, value []byte, contentType string) bool {
	if l == nil || len(value) == 0 {
		return false
	}
	if l.bypass.Matches(model) {
		return false
	}

	stored := false
	if l.exact != nil {
		if err := l.exact.Set(ctx, key, value, l.ttl); err != nil {
			l.log.Warn("cache store failed", "key", key, "error", err)
		} else {
			stored = true
		}
	}

	if l.sem != nil && prompt != "" {
		l.sem.Store(ctx, prompt, value, contentType, l.ttl)
		stored = true
	}
	return stored
}
