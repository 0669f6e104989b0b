package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// volatileFields are request fields that must not influence the cache key:
// caller-identifying material and per-request randomness. Two requests that
// differ only in these fields are still "the same generation".
var volatileFields = map[string]struct{}{
	"key":           {},
	"token":         {},
	"authorization": {},
	"seed":          {},
	"nofeed":        {},
	"referrer":      {},
	"request_id":    {},
}

// KeyRequest carries the parts of a request that identify a generation for
// caching purposes.
type KeyRequest struct {
	// Method is the HTTP method; GET and POST variants of the same prompt
	// hash differently because their semantics differ.
	Method string

	// Model is the logical model name the request targets.
	Model string

	// Body is the raw JSON body for POST requests (nil for GET).
	Body []byte

	// Params are the query parameters for GET requests.
	Params map[string]string
}

// Key returns the deterministic exact-cache key for r.
//
// The request is first normalized — volatile fields stripped, object keys
// ordered canonically — and then hashed with SHA-256, so byte-identical
// normalized requests always collide and differing ones never do (within
// hash-space collision probability). The key is prefixed "gen:" to namespace
// it in shared Redis deployments.
func Key(r KeyRequest) string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(r.Method)))
	h.Write([]byte{'\n'})
	h.Write([]byte(r.Model))
	h.Write([]byte{'\n'})
	h.Write(normalizeBody(r.Body))
	h.Write([]byte{'\n'})
	h.Write(normalizeParams(r.Params))

	return "gen:" + hex.EncodeToString(h.Sum(nil))
}

// normalizeBody canonicalizes a JSON body: volatile top-level fields are
// removed and keys are serialized in sorted order. Non-JSON bodies are used
// verbatim — they still hash deterministically.
func normalizeBody(body []byte) []byte {
	if len(body) == 0 {
		return nil
	}

	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return body
	}

	for f := range volatileFields {
		delete(m, f)
	}

	// encoding/json serializes map keys in sorted order, which gives us the
	// canonical form for free.
	out, err := json.Marshal(m)
	if err != nil {
		return body
	}
	return out
}

// normalizeParams serializes query parameters as "k=v" pairs in sorted key
// order, volatile keys removed.
func normalizeParams(params map[string]string) []byte {
	if len(params) == 0 {
		return nil
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		if _, volatile := volatileFields[strings.ToLower(k)]; volatile {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
	}
	return []byte(sb.String())
}
