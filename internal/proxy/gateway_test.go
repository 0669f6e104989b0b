package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/pollenlabs/gen-gateway/internal/auth"
	"github.com/pollenlabs/gen-gateway/internal/backend"
	"github.com/pollenlabs/gen-gateway/internal/cache"
	"github.com/pollenlabs/gen-gateway/internal/ratelimit"
	"github.com/pollenlabs/gen-gateway/internal/registry"
)

// --- helpers ----------------------------------------------------------------

// funcGenerator adapts a function to the backend.Generator interface.
type funcGenerator struct {
	name string
	fn   func(ctx context.Context, req *backend.Request) (*backend.Response, error)
}

func (g *funcGenerator) Name() string { return g.name }

func (g *funcGenerator) Generate(ctx context.Context, req *backend.Request) (*backend.Response, error) {
	return g.fn(ctx, req)
}

func (g *funcGenerator) HealthCheck(context.Context) error { return nil }

func okGenerator(name string) *funcGenerator {
	return &funcGenerator{
		name: name,
		fn: func(_ context.Context, req *backend.Request) (*backend.Response, error) {
			return &backend.Response{
				ID:      "resp-" + req.RequestID,
				Model:   req.Model,
				Content: "hello from " + name,
				Usage:   backend.Usage{InputTokens: 10, OutputTokens: 5},
			}, nil
		},
	}
}

func failGenerator(name string, err error) *funcGenerator {
	return &funcGenerator{
		name: name,
		fn: func(context.Context, *backend.Request) (*backend.Response, error) {
			return nil, err
		},
	}
}

func testCacheLayer(t *testing.T) *cache.Layer {
	t.Helper()
	mem := cache.NewMemoryStore(context.Background())
	t.Cleanup(mem.Close)
	return cache.NewLayer(mem, nil, nil, time.Hour, slog.New(slog.DiscardHandler))
}

func testKeychain() *auth.Keychain {
	return auth.NewKeychain([]auth.KeyEntry{
		{Key: "sk-test", UserID: "user-1", Tier: auth.TierFlower},
	})
}

func defaultTierLimits() map[auth.Tier]ratelimit.Limits {
	return map[auth.Tier]ratelimit.Limits{
		auth.TierAnonymous: {RPS: 100, Burst: 100},
		auth.TierSeed:      {RPS: 100, Burst: 100},
		auth.TierFlower:    {RPS: 100, Burst: 100},
		auth.TierNectar:    {RPS: 100, Burst: 100},
	}
}

// serveGateway starts the gateway's full router and middleware pipeline on an
// in-memory listener. Returns an HTTP client routed to it.
func serveGateway(t *testing.T, gw *Gateway) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	srv := &fasthttp.Server{Handler: gw.Handler(nil)}
	go func() {
		_ = srv.Serve(ln)
	}()
	t.Cleanup(func() {
		_ = srv.Shutdown()
		_ = ln.Close()
	})

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
		Timeout: 5 * time.Second,
	}
}

func newTestGateway(t *testing.T, mutate func(*Options)) *Gateway {
	t.Helper()
	opts := Options{
		Logger:   slog.New(slog.DiscardHandler),
		Registry: registry.New(registry.Options{}),
		Backends: map[string]backend.Generator{
			"pool":        okGenerator("pool"),
			"openai":      okGenerator("openai"),
			"openai-fast": okGenerator("openai-fast"),
		},
		Keychain:        testKeychain(),
		Limiter:         ratelimit.NewLimiter(),
		TierLimits:      defaultTierLimits(),
		Cache:           testCacheLayer(t),
		FallbackTimeout: time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts)
}

func postChat(t *testing.T, client *http.Client, apiKey string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, "http://gateway/v1/chat/completions", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("decoding %q: %v", raw, err)
	}
}

// --- chat dispatch ----------------------------------------------------------

func TestChatCompletionRoundTrip(t *testing.T) {
	gw := newTestGateway(t, nil)
	client := serveGateway(t, gw)

	resp := postChat(t, client, "sk-test", map[string]any{
		"model":    "openai",
		"messages": []map[string]string{{"role": "user", "content": "say hello"}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Cache"); got != "MISS" {
		t.Errorf("X-Cache = %q, want MISS", got)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}

	var out chatResponse
	decodeBody(t, resp, &out)
	if out.Object != "chat.completion" {
		t.Errorf("object = %q, want chat.completion", out.Object)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "hello from openai" {
		t.Errorf("unexpected choices: %+v", out.Choices)
	}
	if out.Usage.TotalTokens != 15 {
		t.Errorf("total tokens = %d, want 15", out.Usage.TotalTokens)
	}
}

func TestChatCompletionCacheHit(t *testing.T) {
	gw := newTestGateway(t, nil)
	client := serveGateway(t, gw)

	body := map[string]any{
		"model":    "openai",
		"messages": []map[string]string{{"role": "user", "content": "cache me"}},
	}

	first := postChat(t, client, "sk-test", body)
	var firstOut chatResponse
	decodeBody(t, first, &firstOut)
	if got := first.Header.Get("X-Cache"); got != "MISS" {
		t.Fatalf("first X-Cache = %q, want MISS", got)
	}

	// The store happens off the response path; give it a moment.
	deadline := time.Now().Add(2 * time.Second)
	for {
		second := postChat(t, client, "sk-test", body)
		if second.Header.Get("X-Cache") == "HIT" {
			if got := second.Header.Get("X-Cache-Type"); got != "EXACT" {
				t.Fatalf("X-Cache-Type = %q, want EXACT", got)
			}
			var secondOut chatResponse
			decodeBody(t, second, &secondOut)
			if secondOut.Choices[0].Message.Content != firstOut.Choices[0].Message.Content {
				t.Fatal("cached body differs from original")
			}
			return
		}
		second.Body.Close()
		if time.Now().After(deadline) {
			t.Fatal("second request never hit the cache")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestChatCompletionUnknownModel(t *testing.T) {
	gw := newTestGateway(t, nil)
	client := serveGateway(t, gw)

	resp := postChat(t, client, "sk-test", map[string]any{
		"model":    "nope",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestChatCompletionInvalidBody(t *testing.T) {
	gw := newTestGateway(t, nil)
	client := serveGateway(t, gw)

	req, _ := http.NewRequest(http.MethodPost, "http://gateway/v1/chat/completions", bytes.NewReader([]byte("{not json")))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

// --- auth -------------------------------------------------------------------

func TestInvalidKeyRejected(t *testing.T) {
	gw := newTestGateway(t, nil)
	client := serveGateway(t, gw)

	resp := postChat(t, client, "sk-wrong", map[string]any{
		"model":    "openai",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	var out struct {
		Error struct {
			Type string `json:"type"`
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Error.Type != "authentication_error" {
		t.Errorf("error type = %q, want authentication_error", out.Error.Type)
	}
}

func TestAnonymousPaidModelRejected(t *testing.T) {
	gw := newTestGateway(t, nil)
	client := serveGateway(t, gw)

	// "openai" is a paid model; no key means anonymous.
	resp := postChat(t, client, "", map[string]any{
		"model":    "openai",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAnonymousFreeModelAllowed(t *testing.T) {
	gw := newTestGateway(t, nil)
	client := serveGateway(t, gw)

	resp := postChat(t, client, "", map[string]any{
		"model":    "openai-fast",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

// --- rate limiting ----------------------------------------------------------

func TestRateLimitExceeded(t *testing.T) {
	gw := newTestGateway(t, func(o *Options) {
		o.TierLimits = map[auth.Tier]ratelimit.Limits{
			auth.TierFlower: {RPS: 0.001, Burst: 2},
		}
	})
	client := serveGateway(t, gw)

	body := map[string]any{
		"model":    "openai",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	}
	for i := 0; i < 2; i++ {
		resp := postChat(t, client, "sk-test", body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, resp.StatusCode)
		}
	}

	resp := postChat(t, client, "sk-test", body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}

	var out struct {
		Error struct {
			RetryAfterSeconds int `json:"retryAfterSeconds"`
		} `json:"error"`
	}
	decodeBody(t, resp, &out)
	if out.Error.RetryAfterSeconds < 1 {
		t.Errorf("retryAfterSeconds = %d, want >= 1", out.Error.RetryAfterSeconds)
	}
}

// --- dispatch failures ------------------------------------------------------

func TestNoWorkerAvailable(t *testing.T) {
	gw := newTestGateway(t, func(o *Options) {
		o.Backends["pool"] = failGenerator("pool", registry.ErrNoWorker)
	})
	client := serveGateway(t, gw)

	resp, err := client.Get("http://gateway/prompt/a%20cat?model=flux")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}

	var out struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Error.Code != "no_worker_available" {
		t.Errorf("error code = %q, want no_worker_available", out.Error.Code)
	}
}

func TestBackendTimeoutMapsTo504(t *testing.T) {
	gw := newTestGateway(t, func(o *Options) {
		o.FallbackTimeout = 50 * time.Millisecond
		// flux has no fallback, so a stalled pool surfaces as a timeout.
		o.Backends["pool"] = &funcGenerator{
			name: "pool",
			fn: func(ctx context.Context, _ *backend.Request) (*backend.Response, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}
	})
	client := serveGateway(t, gw)

	resp, err := client.Get("http://gateway/prompt/slow?model=flux")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", resp.StatusCode)
	}
}

func TestFallbackServesWhenPrimaryFails(t *testing.T) {
	gw := newTestGateway(t, func(o *Options) {
		o.Backends["openai"] = failGenerator("openai", errors.New("upstream exploded"))
	})
	client := serveGateway(t, gw)

	// "openai" falls back to "openai-fast".
	resp := postChat(t, client, "sk-test", map[string]any{
		"model":    "openai",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out chatResponse
	decodeBody(t, resp, &out)
	if out.Choices[0].Message.Content != "hello from openai-fast" {
		t.Errorf("content = %q, want fallback response", out.Choices[0].Message.Content)
	}
}

// --- prompt endpoint --------------------------------------------------------

func TestPromptEndpoint(t *testing.T) {
	var got *backend.Request
	gw := newTestGateway(t, func(o *Options) {
		o.Backends["pool"] = &funcGenerator{
			name: "pool",
			fn: func(_ context.Context, req *backend.Request) (*backend.Response, error) {
				got = req
				return &backend.Response{
					Raw:         []byte{0x89, 'P', 'N', 'G'},
					ContentType: "image/png",
					Worker:      "http://worker-1",
				}, nil
			},
		}
	})
	client := serveGateway(t, gw)

	resp, err := client.Get("http://gateway/prompt/a%20red%20fox?model=flux&width=512&height=768&seed=42")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q, want image/png", ct)
	}

	if got == nil {
		t.Fatal("backend never called")
	}
	if got.Prompt != "a red fox" {
		t.Errorf("prompt = %q, want %q", got.Prompt, "a red fox")
	}
	if got.Width != 512 || got.Height != 768 || got.Seed != 42 {
		t.Errorf("dimensions = %dx%d seed %d", got.Width, got.Height, got.Seed)
	}
}

func TestPromptDefaultsToFlux(t *testing.T) {
	var gotModel string
	gw := newTestGateway(t, func(o *Options) {
		o.Backends["pool"] = &funcGenerator{
			name: "pool",
			fn: func(_ context.Context, req *backend.Request) (*backend.Response, error) {
				gotModel = req.Model
				return &backend.Response{Content: "ok"}, nil
			},
		}
	})
	client := serveGateway(t, gw)

	resp, err := client.Get("http://gateway/prompt/hello")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if gotModel != "flux" {
		t.Errorf("model = %q, want flux", gotModel)
	}
}

// --- worker registration ----------------------------------------------------

func TestRegisterRoundTrip(t *testing.T) {
	gw := newTestGateway(t, nil)
	client := serveGateway(t, gw)

	hb := registry.Heartbeat{
		URL:       "http://worker-1:5002",
		Type:      "flux",
		QueueSize: 3,
	}
	raw, _ := json.Marshal(hb)
	resp, err := client.Post("http://gateway/register", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d, want 200", resp.StatusCode)
	}

	list, err := client.Get("http://gateway/register")
	if err != nil {
		t.Fatal(err)
	}
	var records []registry.WorkerRecord
	decodeBody(t, list, &records)
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].URL != hb.URL || records[0].Type != hb.Type || records[0].QueueSize != 3 {
		t.Errorf("unexpected record: %+v", records[0])
	}
}

func TestRegisterValidation(t *testing.T) {
	gw := newTestGateway(t, nil)
	client := serveGateway(t, gw)

	cases := []struct {
		name string
		hb   registry.Heartbeat
	}{
		{"missing url", registry.Heartbeat{Type: "flux"}},
		{"relative url", registry.Heartbeat{URL: "worker-1", Type: "flux"}},
		{"missing type", registry.Heartbeat{URL: "http://worker-1:5002"}},
		{"negative queue", registry.Heartbeat{URL: "http://worker-1:5002", Type: "flux", QueueSize: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, _ := json.Marshal(tc.hb)
			resp, err := client.Post("http://gateway/register", "application/json", bytes.NewReader(raw))
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

// --- operational routes -----------------------------------------------------

func TestModelsEndpoint(t *testing.T) {
	gw := newTestGateway(t, nil)
	client := serveGateway(t, gw)

	resp, err := client.Get("http://gateway/models")
	if err != nil {
		t.Fatal(err)
	}
	var models []modelInfo
	decodeBody(t, resp, &models)
	if len(models) != len(backend.Models) {
		t.Fatalf("models = %d, want %d", len(models), len(backend.Models))
	}

	byName := make(map[string]modelInfo, len(models))
	for _, m := range models {
		byName[m.Name] = m
	}
	if m := byName["flux"]; m.Kind != "image" || !m.Free {
		t.Errorf("flux = %+v", m)
	}
	if m := byName["claude"]; m.Kind != "text" || m.Free || m.Fallback != "openai" {
		t.Errorf("claude = %+v", m)
	}
}

func TestHealthEndpoint(t *testing.T) {
	gw := newTestGateway(t, nil)
	client := serveGateway(t, gw)

	resp, err := client.Get("http://gateway/health")
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	decodeBody(t, resp, &out)
	if out["status"] != "ok" {
		t.Errorf("status = %v, want ok", out["status"])
	}
}
