// Package proxy implements the gateway's HTTP surface: worker heartbeats,
// generation endpoints, and operational routes.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/pollenlabs/gen-gateway/internal/analytics"
	"github.com/pollenlabs/gen-gateway/internal/auth"
	"github.com/pollenlabs/gen-gateway/internal/backend"
	"github.com/pollenlabs/gen-gateway/internal/billing"
	"github.com/pollenlabs/gen-gateway/internal/cache"
	"github.com/pollenlabs/gen-gateway/internal/fallback"
	"github.com/pollenlabs/gen-gateway/internal/metrics"
	"github.com/pollenlabs/gen-gateway/internal/ratelimit"
	"github.com/pollenlabs/gen-gateway/internal/registry"
	"github.com/pollenlabs/gen-gateway/pkg/apierr"
)

// Options configures a Gateway. Registry and Backends are required; every
// other dependency is optional and nil-safe.
type Options struct {
	Logger   *slog.Logger
	Registry *registry.Registry
	Backends map[string]backend.Generator

	Keychain   *auth.Keychain
	Limiter    *ratelimit.Limiter
	TierLimits map[auth.Tier]ratelimit.Limits
	RPMLimiter *ratelimit.RPMLimiter

	Cache *cache.Layer

	Billing   *billing.Recorder
	Analytics *analytics.Logger
	Metrics   *metrics.Registry

	// FallbackTimeout bounds the primary backend before the fallback is
	// raced in. Zero uses the backend default.
	FallbackTimeout time.Duration

	CORSOrigins []string
	Version     string
}

// Gateway dispatches generation requests across the worker pool and hosted
// backends, fronted by auth, rate limits, and the cache layer.
type Gateway struct {
	log      *slog.Logger
	reg      *registry.Registry
	backends map[string]backend.Generator

	keychain   *auth.Keychain
	limiter    *ratelimit.Limiter
	tierLimits map[auth.Tier]ratelimit.Limits
	rpm        *ratelimit.RPMLimiter

	cache *cache.Layer

	billing   *billing.Recorder
	analytics *analytics.Logger
	metrics   *metrics.Registry

	fallbackTimeout time.Duration

	corsOrigins []string
	version     string
}

// New creates a Gateway from Options.
func New(opts Options) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.FallbackTimeout
	if timeout <= 0 {
		timeout = backend.GenerateTimeout
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	return &Gateway{
		log:             log,
		reg:             opts.Registry,
		backends:        opts.Backends,
		keychain:        opts.Keychain,
		limiter:         opts.Limiter,
		tierLimits:      opts.TierLimits,
		rpm:             opts.RPMLimiter,
		cache:           opts.Cache,
		billing:         opts.Billing,
		analytics:       opts.Analytics,
		metrics:         opts.Metrics,
		fallbackTimeout: timeout,
		corsOrigins:     opts.CORSOrigins,
		version:         version,
	}
}

// chat completion wire types (OpenAI-compatible surface).
type (
	chatMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	chatRequest struct {
		Model       string        `json:"model"`
		Messages    []chatMessage `json:"messages"`
		Temperature float64       `json:"temperature"`
		MaxTokens   int           `json:"max_tokens"`
		Seed        int           `json:"seed"`
	}
	chatChoice struct {
		Index        int         `json:"index"`
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	}
	chatUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}
	chatResponse struct {
		ID      string       `json:"id"`
		Object  string       `json:"object"`
		Created int64        `json:"created"`
		Model   string       `json:"model"`
		Choices []chatChoice `json:"choices"`
		Usage   chatUsage    `json:"usage"`
	}
)

// handleChat serves POST /v1/chat/completions.
func (g *Gateway) handleChat(ctx *fasthttp.RequestCtx) {
	var req chatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON body", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		req.Model = "openai"
	}
	if len(req.Messages) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "messages must not be empty", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	msgs := make([]backend.Message, 0, len(req.Messages))
	prompt := ""
	for _, m := range req.Messages {
		msgs = append(msgs, backend.Message{Role: m.Role, Content: m.Content})
		if m.Role == "user" || m.Role == "" {
			prompt = m.Content // last user turn drives semantic matching
		}
	}

	g.serve(ctx, serveParams{
		model:          req.Model,
		prompt:         prompt,
		hitContentType: "application/json",
		build: func(id auth.Identity, requestID string) *backend.Request {
			return &backend.Request{
				Model:       req.Model,
				Messages:    msgs,
				Temperature: req.Temperature,
				MaxTokens:   req.MaxTokens,
				Seed:        req.Seed,
				RequestID:   requestID,
				UserID:      id.UserID,
			}
		},
		writeBody: g.writeChatResponse,
	})
}

// handlePrompt serves GET /prompt/{text}: prompt in the path, options in the
// query string. Used for image models and quick text generations.
func (g *Gateway) handlePrompt(ctx *fasthttp.RequestCtx) {
	text, _ := ctx.UserValue("text").(string)
	if text == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "prompt must not be empty", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	args := ctx.QueryArgs()
	model := string(args.Peek("model"))
	if model == "" {
		model = "flux"
	}

	g.serve(ctx, serveParams{
		model:  model,
		prompt: text,
		build: func(id auth.Identity, requestID string) *backend.Request {
			return &backend.Request{
				Model:     model,
				Prompt:    text,
				System:    string(args.Peek("system")),
				Seed:      args.GetUintOrZero("seed"),
				Width:     args.GetUintOrZero("width"),
				Height:    args.GetUintOrZero("height"),
				RequestID: requestID,
				UserID:    id.UserID,
			}
		},
		writeBody: func(ctx *fasthttp.RequestCtx, resp *backend.Response) []byte {
			if len(resp.Raw) > 0 {
				ctx.SetContentType(resp.ContentType)
				ctx.SetBody(resp.Raw)
				return resp.Raw
			}
			ctx.SetContentType("text/plain; charset=utf-8")
			body := []byte(resp.Content)
			ctx.SetBody(body)
			return body
		},
	})
}

type serveParams struct {
	model  string
	prompt string
	// hitContentType is used for exact-store hits, which persist raw bytes
	// without a content type. Empty means sniff from the payload.
	hitContentType string
	build          func(id auth.Identity, requestID string) *backend.Request
	// writeBody writes the success response and returns the bytes that
	// should be cached.
	writeBody func(ctx *fasthttp.RequestCtx, resp *backend.Response) []byte
}

// serve runs the shared dispatch flow: authenticate, admit, consult the
// cache, generate with fallback, respond, then record billing and analytics
// off the response path.
func (g *Gateway) serve(ctx *fasthttp.RequestCtx, p serveParams) {
	start := time.Now()
	requestID, _ := ctx.UserValue("request_id").(string)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	spec, ok := backend.Resolve(p.model)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusNotFound, "unknown model "+strconv.Quote(p.model), apierr.TypeInvalidRequest, apierr.CodeModelNotFound)
		return
	}

	identity, err := g.authenticate(ctx, spec)
	if err != nil {
		return // response already written
	}

	if !g.admit(ctx, identity) {
		return
	}

	key := g.cacheKey(ctx, spec, p)

	res := g.lookupCache(ctx, key, spec, p.prompt)
	if res.Status.Hit() {
		g.writeCacheHit(ctx, res, p.hitContentType)
		g.observe(spec, identity, nil, res.Status, fasthttp.StatusOK, requestID, time.Since(start), false)
		return
	}
	// Bypassed paths carry no cache headers at all.
	if res.Status == cache.StatusMiss {
		ctx.Response.Header.Set("X-Cache", "MISS")
	}

	resp, usedFallback, err := g.generate(ctx, spec, p.build(identity, requestID))
	if err != nil {
		status := g.writeGenerateError(ctx, spec, err)
		g.observe(spec, identity, nil, cache.StatusMiss, status, requestID, time.Since(start), usedFallback)
		return
	}

	body := p.writeBody(ctx, resp)
	contentType := string(ctx.Response.Header.ContentType())

	g.storeCache(key, spec, p.prompt, body, contentType)
	g.recordBilling(spec, identity, requestID, resp)
	g.observe(spec, identity, resp, cache.StatusMiss, fasthttp.StatusOK, requestID, time.Since(start), usedFallback)
}

// authenticate resolves the caller and enforces the free-model gate.
// On failure the 401 is already written and a non-nil error returned.
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx, spec backend.ModelSpec) (auth.Identity, error) {
	if g.keychain == nil {
		return auth.Identity{UserID: "anon:" + ctx.RemoteIP().String(), Tier: auth.TierAnonymous}, nil
	}

	identity, err := g.keychain.Resolve(ctx)
	if err != nil {
		apierr.WriteUnauthorized(ctx, "")
		return auth.Identity{}, err
	}
	if identity.Anonymous() && !spec.Free {
		apierr.WriteUnauthorized(ctx, "model "+strconv.Quote(spec.Name)+" requires an API key")
		return auth.Identity{}, auth.ErrInvalidKey
	}
	return identity, nil
}

// admit runs the per-identity token bucket and the optional global RPM
// guard. On denial the 429 is already written.
func (g *Gateway) admit(ctx *fasthttp.RequestCtx, identity auth.Identity) bool {
	if g.limiter != nil {
		d := g.limiter.Admit(identity.UserID, g.limitsFor(identity))
		if !d.Allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("denied")
			}
			apierr.WriteRateLimit(ctx, d.RetryAfterSeconds)
			return false
		}
		if g.metrics != nil {
			g.metrics.RecordRateLimit("allowed")
		}
	}

	if g.rpm != nil {
		allowed, _ := g.rpm.Allow(ctx)
		if !allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("denied_global")
			}
			apierr.WriteRateLimit(ctx, 60)
			return false
		}
	}
	return true
}

func (g *Gateway) limitsFor(identity auth.Identity) ratelimit.Limits {
	if g.keychain != nil {
		if entry, ok := g.keychain.Entry(identity); ok && entry.RPS > 0 {
			return ratelimit.Limits{RPS: entry.RPS, Burst: entry.Burst}
		}
	}
	if lim, ok := g.tierLimits[identity.Tier]; ok {
		return lim
	}
	return ratelimit.Limits{RPS: 1, Burst: 5}
}

func (g *Gateway) cacheKey(ctx *fasthttp.RequestCtx, spec backend.ModelSpec, p serveParams) string {
	params := make(map[string]string)
	ctx.QueryArgs().VisitAll(func(k, v []byte) {
		params[string(k)] = string(v)
	})

	body := ctx.PostBody()
	if len(body) == 0 {
		body = []byte(p.prompt)
	}

	return cache.Key(cache.KeyRequest{
		Method: string(ctx.Method()),
		Model:  spec.Name,
		Body:   body,
		Params: params,
	})
}

func (g *Gateway) lookupCache(ctx *fasthttp.RequestCtx, key string, spec backend.ModelSpec, prompt string) cache.Result {
	if g.cache == nil {
		return cache.Result{Status: cache.StatusBypass}
	}
	res := g.cache.Lookup(ctx, key, spec.Name, prompt)
	if g.metrics != nil {
		switch res.Status {
		case cache.StatusExact:
			g.metrics.RecordCacheLookup("exact")
		case cache.StatusSemantic:
			g.metrics.RecordCacheLookup("semantic")
		case cache.StatusBypass:
			g.metrics.RecordCacheLookup("bypass")
		default:
			g.metrics.RecordCacheLookup("miss")
		}
	}
	return res
}

func (g *Gateway) writeCacheHit(ctx *fasthttp.RequestCtx, res cache.Result, fallbackContentType string) {
	ctx.Response.Header.Set("X-Cache", "HIT")
	ctx.Response.Header.Set("X-Cache-Type", res.Status.String())
	switch {
	case res.ContentType != "":
		ctx.SetContentType(res.ContentType)
	case fallbackContentType != "":
		ctx.SetContentType(fallbackContentType)
	default:
		ctx.SetContentType(http.DetectContentType(res.Value))
	}
	ctx.SetBody(res.Value)
}

// generate runs the primary backend raced against the model's fallback.
func (g *Gateway) generate(ctx *fasthttp.RequestCtx, spec backend.ModelSpec, req *backend.Request) (*backend.Response, bool, error) {
	primaryGen, ok := g.backends[spec.Backend]
	if !ok {
		return nil, false, errors.New("backend " + spec.Backend + " not configured")
	}

	primary := func(c context.Context) (*backend.Response, error) {
		return primaryGen.Generate(c, req)
	}

	var fb fallback.Call[*backend.Response]
	var fallbackStarted atomic.Bool
	if fallbackGen, ok := g.backends[spec.Fallback]; ok && spec.Fallback != "" {
		fb = func(c context.Context) (*backend.Response, error) {
			fallbackStarted.Store(true)
			return fallbackGen.Generate(c, req)
		}
	}

	resp, err := fallback.Race(ctx, primary, fb, g.fallbackTimeout)
	usedFallback := fallbackStarted.Load()

	if g.metrics != nil {
		switch {
		case err != nil:
			g.metrics.RecordFallback(spec.Name, "failed")
		case usedFallback:
			g.metrics.RecordFallback(spec.Name, "fallback")
		default:
			g.metrics.RecordFallback(spec.Name, "primary")
		}
	}

	return resp, usedFallback, err
}

// writeGenerateError maps backend failures onto the client-facing error
// taxonomy and returns the HTTP status written.
func (g *Gateway) writeGenerateError(ctx *fasthttp.RequestCtx, spec backend.ModelSpec, err error) int {
	g.log.Warn("generation failed",
		"model", spec.Name,
		"backend", spec.Backend,
		"error", err,
	)

	switch {
	case errors.Is(err, registry.ErrNoWorker):
		apierr.WriteNoWorker(ctx, spec.Name)
		return fasthttp.StatusServiceUnavailable

	case errors.Is(err, context.DeadlineExceeded):
		apierr.WriteTimeout(ctx)
		return fasthttp.StatusGatewayTimeout

	default:
		var sc backend.StatusCoder
		if errors.As(err, &sc) {
			apierr.WriteBackendError(ctx, sc.HTTPStatus(), "generation backend error")
			return ctx.Response.StatusCode()
		}
		apierr.Write(ctx, fasthttp.StatusBadGateway, "generation backend error", apierr.TypeBackendError, apierr.CodeBackendError)
		return fasthttp.StatusBadGateway
	}
}

func (g *Gateway) writeChatResponse(ctx *fasthttp.RequestCtx, resp *backend.Response) []byte {
	out := chatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: resp.Content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	body, _ := json.Marshal(out)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	return body
}

// storeCache persists a served response for future hits. Failures are
// absorbed by the cache layer.
func (g *Gateway) storeCache(key string, spec backend.ModelSpec, prompt string, body []byte, contentType string) {
	if g.cache == nil {
		return
	}
	// Detached context: a client disconnect must not abort the store.
	storeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	go func() {
		defer cancel()
		ok := g.cache.Store(storeCtx, key, spec.Name, prompt, body, contentType)
		if g.metrics != nil {
			g.metrics.RecordCacheStore(ok)
		}
	}()
}

// recordBilling enqueues a billing event for paid generations by
// authenticated identities. Never blocks the response path.
func (g *Gateway) recordBilling(spec backend.ModelSpec, identity auth.Identity, requestID string, resp *backend.Response) {
	if g.billing == nil || spec.Free || identity.Anonymous() {
		return
	}

	var md billing.Metadata
	switch spec.Kind {
	case backend.KindImage:
		md.Image = &billing.ImageMetadata{Model: spec.Name}
	default:
		md.Text = &billing.TextMetadata{
			Model:            spec.Name,
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
		}
	}

	g.billing.Record(billing.NewEvent(spec.EventName, identity.UserID, requestID, md))
	if g.metrics != nil {
		g.metrics.RecordBillingEvent("recorded")
	}
}

func (g *Gateway) observe(spec backend.ModelSpec, identity auth.Identity, resp *backend.Response, cacheStatus cache.Status, status int, requestID string, dur time.Duration, usedFallback bool) {
	cacheLabel := cacheStatus.String()
	if g.metrics != nil {
		g.metrics.ObserveRequest(spec.Name, status, cacheLabel, dur)
		if resp != nil {
			g.metrics.AddTokens(spec.Name, resp.Usage.InputTokens, resp.Usage.OutputTokens)
		}
	}

	if g.analytics == nil {
		return
	}
	entry := analytics.Entry{
		UserID:      identity.UserID,
		Model:       spec.Name,
		Backend:     spec.Backend,
		CacheStatus: cacheLabel,
		LatencyMs:   clampUint16(dur.Milliseconds()),
		Status:      uint16(status),
		Fallback:    usedFallback,
	}
	if id, err := uuid.Parse(requestID); err == nil {
		entry.ID = id
	}
	if resp != nil {
		entry.Worker = resp.Worker
		entry.InputTokens = uint32(resp.Usage.InputTokens)
		entry.OutputTokens = uint32(resp.Usage.OutputTokens)
	}
	g.analytics.Log(entry)
}

func clampUint16(v int64) uint16 {
	if v < 0 {
		return 0
	}
	if v > 65535 {
		return 65535
	}
	return uint16(v)
}
