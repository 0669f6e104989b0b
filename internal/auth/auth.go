// Package auth resolves API keys to identities. Keys live in configuration;
// only their SHA-256 hashes are kept in memory, so a heap dump never exposes
// a usable credential.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/valyala/fasthttp"
)

// Tier orders identities by entitlement. Higher tiers get larger token
// buckets and access to paid models.
type Tier string

const (
	TierAnonymous Tier = "anonymous"
	TierSeed      Tier = "seed"
	TierFlower    Tier = "flower"
	TierNectar    Tier = "nectar"
)

// ErrInvalidKey is returned when a presented key is not in the keychain.
var ErrInvalidKey = errors.New("auth: invalid api key")

// Identity is the resolved caller of a request.
type Identity struct {
	// UserID is the stable billing subject. Anonymous identities use
	// "anon:<ip>" and are never billed.
	UserID string
	Tier   Tier
	// KeyID is the hex SHA-256 of the presented key, empty for anonymous.
	KeyID string
}

// Anonymous reports whether the identity was derived from the client IP
// rather than a key.
func (id Identity) Anonymous() bool {
	return id.Tier == TierAnonymous
}

// KeyEntry describes one configured API key.
type KeyEntry struct {
	Key    string
	UserID string
	Tier   Tier
	// RPS and Burst override the tier's default bucket when > 0.
	RPS   float64
	Burst int
}

// Keychain maps hashed API keys to their entries.
type Keychain struct {
	byHash map[string]KeyEntry
}

// NewKeychain hashes the given entries into a lookup table. Entries with an
// empty key or user ID are skipped.
func NewKeychain(entries []KeyEntry) *Keychain {
	kc := &Keychain{byHash: make(map[string]KeyEntry, len(entries))}
	for _, e := range entries {
		if e.Key == "" || e.UserID == "" {
			continue
		}
		if e.Tier == "" {
			e.Tier = TierSeed
		}
		h := hashKey(e.Key)
		e.Key = "" // only the hash is retained
		kc.byHash[h] = e
	}
	return kc
}

// Len returns the number of keys configured.
func (kc *Keychain) Len() int {
	if kc == nil {
		return 0
	}
	return len(kc.byHash)
}

// Resolve authenticates a request. The key is read from the Authorization
// bearer header first, then the "key" query parameter. A request without a
// key resolves to an anonymous identity keyed by client IP; a request with
// an unknown key fails with ErrInvalidKey.
func (kc *Keychain) Resolve(ctx *fasthttp.RequestCtx) (Identity, error) {
	key := extractKey(ctx)
	if key == "" {
		return Identity{
			UserID: "anon:" + ctx.RemoteIP().String(),
			Tier:   TierAnonymous,
		}, nil
	}

	h := hashKey(key)
	entry, ok := kc.lookup(h)
	if !ok {
		return Identity{}, ErrInvalidKey
	}

	return Identity{
		UserID: entry.UserID,
		Tier:   entry.Tier,
		KeyID:  h,
	}, nil
}

// Entry returns the key entry for a resolved identity, for per-key bucket
// overrides. Returns false for anonymous identities.
func (kc *Keychain) Entry(id Identity) (KeyEntry, bool) {
	if id.KeyID == "" {
		return KeyEntry{}, false
	}
	return kc.lookup(id.KeyID)
}

func (kc *Keychain) lookup(hash string) (KeyEntry, bool) {
	if kc == nil {
		return KeyEntry{}, false
	}
	e, ok := kc.byHash[hash]
	return e, ok
}

func extractKey(ctx *fasthttp.RequestCtx) string {
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	if token := parseBearerToken(raw); token != "" {
		return token
	}
	return strings.TrimSpace(string(ctx.QueryArgs().Peek("key")))
}

func parseBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
