// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis, SQLite journal, ClickHouse)
//  2. initBackends — worker pool + hosted generation backends
//  3. initServices — cache layer, auth, rate limits, billing, analytics
//  4. initGateway  — HTTP surface + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/pollenlabs/gen-gateway/internal/analytics"
	"github.com/pollenlabs/gen-gateway/internal/backend"
	"github.com/pollenlabs/gen-gateway/internal/billing"
	gwcache "github.com/pollenlabs/gen-gateway/internal/cache"
	"github.com/pollenlabs/gen-gateway/internal/config"
	"github.com/pollenlabs/gen-gateway/internal/metrics"
	"github.com/pollenlabs/gen-gateway/internal/proxy"
	"github.com/pollenlabs/gen-gateway/internal/registry"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	reg      *registry.Registry
	breaker  *registry.Breaker
	backends map[string]backend.Generator

	memStore   *gwcache.MemoryStore
	cacheLayer *gwcache.Layer

	billingStore *billing.Store
	recorder     *billing.Recorder
	deliverer    *billing.Deliverer

	reqLogger *analytics.Logger

	prom *metrics.Registry

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"backends", a.initBackends},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and background loops, blocking until ctx is
// cancelled or a component fails. It closes the app gracefully on return.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Int("backends", len(a.backends)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	if a.deliverer != nil {
		g.Go(func() error {
			return a.deliverer.Run(gctx)
		})
	}

	if a.billingStore != nil && a.prom != nil {
		g.Go(func() error {
			a.billingBacklogLoop(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// billingBacklogLoop refreshes the backlog gauge every 30 seconds.
func (a *App) billingBacklogLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := a.billingStore.CountByStatus(ctx)
			if err != nil {
				continue
			}
			for status, n := range counts {
				a.prom.SetBillingBacklog(status, n)
			}
		}
	}
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("analytics close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.log.Error("billing recorder close error", slog.String("error", err.Error()))
		}
		a.recorder = nil
	}
	if a.billingStore != nil {
		if err := a.billingStore.Close(); err != nil {
			a.log.Error("billing store close error", slog.String("error", err.Error()))
		}
		a.billingStore = nil
	}
	if a.memStore != nil {
		a.memStore.Close()
		a.memStore = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// buildBackends creates the generator map from non-empty API keys. The pool
// backend is always present — image models only need registered workers.
func buildBackends(ctx context.Context, cfg *config.Config, reg *registry.Registry, breaker *registry.Breaker, log *slog.Logger) (map[string]backend.Generator, error) {
	backends := map[string]backend.Generator{
		"pool": backend.NewPool(reg, breaker, nil),
	}

	if cfg.OpenAI.APIKey != "" {
		model := cfg.OpenAI.Model
		if model == "" {
			model = "gpt-4o"
		}
		backends["openai"] = backend.NewOpenAICompat(backend.OpenAICompatConfig{
			Name:           "openai",
			APIKey:         cfg.OpenAI.APIKey,
			BaseURL:        cfg.OpenAI.BaseURL,
			UpstreamModel:  model,
			EmbeddingModel: cfg.Cache.Semantic.EmbeddingModel,
		})
		backends["openai-fast"] = backend.NewOpenAICompat(backend.OpenAICompatConfig{
			Name:          "openai-fast",
			APIKey:        cfg.OpenAI.APIKey,
			BaseURL:       cfg.OpenAI.BaseURL,
			UpstreamModel: "gpt-4o-mini",
		})
		backends["openai-large"] = backend.NewOpenAICompat(backend.OpenAICompatConfig{
			Name:          "openai-large",
			APIKey:        cfg.OpenAI.APIKey,
			BaseURL:       cfg.OpenAI.BaseURL,
			UpstreamModel: "gpt-4.1",
		})
	}

	if cfg.Anthropic.APIKey != "" {
		var opts []backend.AnthropicOption
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, backend.WithAnthropicBaseURL(cfg.Anthropic.BaseURL))
		}
		if cfg.Anthropic.Model != "" {
			opts = append(opts, backend.WithAnthropicModel(cfg.Anthropic.Model))
		}
		backends["anthropic"] = backend.NewAnthropic(cfg.Anthropic.APIKey, opts...)
	}

	if cfg.Gemini.APIKey != "" {
		var opts []backend.GeminiOption
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, backend.WithGeminiBaseURL(cfg.Gemini.BaseURL))
		}
		if cfg.Gemini.Model != "" {
			opts = append(opts, backend.WithGeminiModel(cfg.Gemini.Model))
		}
		g, err := backend.NewGemini(ctx, cfg.Gemini.APIKey, opts...)
		if err != nil {
			// A broken Gemini client should not take the whole gateway down;
			// the model's fallback still serves.
			log.Warn("gemini backend disabled", slog.String("error", err.Error()))
		} else {
			backends["gemini"] = g
		}
	}

	return backends, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
