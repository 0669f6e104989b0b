package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pollenlabs/gen-gateway/internal/analytics"
	"github.com/pollenlabs/gen-gateway/internal/auth"
	"github.com/pollenlabs/gen-gateway/internal/backend"
	"github.com/pollenlabs/gen-gateway/internal/billing"
	gwcache "github.com/pollenlabs/gen-gateway/internal/cache"
	"github.com/pollenlabs/gen-gateway/internal/metrics"
	"github.com/pollenlabs/gen-gateway/internal/proxy"
	"github.com/pollenlabs/gen-gateway/internal/ratelimit"
	"github.com/pollenlabs/gen-gateway/internal/registry"
)

// initInfra establishes optional external connections. Redis is required
// only for the redis cache mode or the global RPM limit; the billing journal
// opens whenever billing is enabled.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" || a.cfg.RateLimit.RPMLimit > 0 {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.Billing.DBPath != "" {
		store, err := billing.OpenStore(a.cfg.Billing.DBPath)
		if err != nil {
			return fmt.Errorf("billing journal: %w", err)
		}
		a.billingStore = store
		a.log.Info("billing journal open", slog.String("path", a.cfg.Billing.DBPath))
	}

	return nil
}

// initBackends builds the worker registry, circuit breaker, and generator map.
func (a *App) initBackends(ctx context.Context) error {
	a.reg = registry.New(registry.Options{
		StaleAfter: a.cfg.Registry.StaleAfter,
		EvictAfter: a.cfg.Registry.EvictAfter,
	})
	a.breaker = registry.NewBreaker(registry.BreakerConfig{
		ErrorThreshold:  a.cfg.Breaker.ErrorThreshold,
		TimeWindow:      a.cfg.Breaker.TimeWindow,
		HalfOpenTimeout: a.cfg.Breaker.HalfOpenTimeout,
	})

	backends, err := buildBackends(a.baseCtx, a.cfg, a.reg, a.breaker, a.log)
	if err != nil {
		return err
	}
	a.backends = backends

	names := make([]string, 0, len(backends))
	for n := range backends {
		names = append(names, n)
	}
	a.log.Info("backends loaded", slog.Any("backends", names))

	return nil
}

// initServices creates the cache layer, billing pipeline, analytics logger,
// and the Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	// ── Exact cache store ─────────────────────────────────────────────────────
	var exact gwcache.Store
	switch a.cfg.Cache.Mode {
	case "redis":
		exact = gwcache.NewRedisStoreFromClient(a.rdb)
		a.log.Info("cache backend: redis")
	case "memory":
		a.memStore = gwcache.NewMemoryStore(ctx)
		exact = a.memStore
		a.log.Info("cache backend: memory (in-process)")
	case "none":
		a.log.Info("cache backend: disabled")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	// ── Semantic tier ─────────────────────────────────────────────────────────
	var sem *gwcache.SemanticIndex
	if a.cfg.Cache.Semantic.Enabled {
		embedder, ok := a.backends["openai"].(backend.Embedder)
		if !ok {
			return fmt.Errorf("semantic cache requires the openai backend")
		}
		sem = gwcache.NewSemanticIndex(embedder, a.cfg.Cache.Semantic.Threshold, a.cfg.Cache.Semantic.MaxEntries)
		a.log.Info("semantic cache enabled",
			slog.Float64("threshold", a.cfg.Cache.Semantic.Threshold),
			slog.Int("max_entries", a.cfg.Cache.Semantic.MaxEntries),
		)
	}

	// ── Layer assembly ────────────────────────────────────────────────────────
	if a.cfg.Cache.Mode != "none" {
		bypass, err := gwcache.NewBypassList(a.cfg.Cache.BypassExact, a.cfg.Cache.BypassPatterns)
		if err != nil {
			return fmt.Errorf("cache bypass rules: %w", err)
		}
		if bypass.Len() > 0 {
			a.log.Info("cache bypass rules loaded", slog.Int("rules", bypass.Len()))
		}
		a.cacheLayer = gwcache.NewLayer(exact, sem, bypass, a.cfg.Cache.TTL, a.log)
	}

	// ── Billing pipeline ──────────────────────────────────────────────────────
	if a.billingStore != nil {
		a.recorder = billing.NewRecorder(a.baseCtx, a.billingStore, a.log)
		if a.cfg.Billing.Endpoint != "" {
			a.deliverer = billing.NewDeliverer(a.billingStore, billing.DelivererOptions{
				Endpoint:    a.cfg.Billing.Endpoint,
				Token:       a.cfg.Billing.Token,
				Interval:    a.cfg.Billing.Interval,
				MaxAttempts: a.cfg.Billing.MaxAttempts,
				BackoffBase: a.cfg.Billing.BackoffBase,
				DeliveryRPS: a.cfg.Billing.DeliveryRPS,
			}, a.log)
			a.log.Info("billing delivery enabled", slog.String("endpoint", a.cfg.Billing.Endpoint))
		}
	}

	// ── Analytics ─────────────────────────────────────────────────────────────
	switch a.cfg.Analytics.Sink {
	case "clickhouse":
		sink, err := analytics.NewClickHouseSink(ctx, analytics.ClickHouseConfig{
			Addr:     []string{a.cfg.Analytics.ClickHouse.Addr},
			Database: a.cfg.Analytics.ClickHouse.Database,
			Username: a.cfg.Analytics.ClickHouse.Username,
			Password: a.cfg.Analytics.ClickHouse.Password,
		})
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.reqLogger, err = analytics.New(a.baseCtx, sink)
		if err != nil {
			return err
		}
		a.log.Info("analytics sink: clickhouse", slog.String("addr", a.cfg.Analytics.ClickHouse.Addr))
	case "slog":
		var err error
		a.reqLogger, err = analytics.New(a.baseCtx, analytics.NewSlogSink(a.log))
		if err != nil {
			return err
		}
	case "none":
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	entries, err := a.cfg.KeyEntries()
	if err != nil {
		return err
	}
	keychain := auth.NewKeychain(entries)
	if keychain.Len() > 0 {
		a.log.Info("api keys loaded", slog.Int("keys", keychain.Len()))
	}

	var rpm *ratelimit.RPMLimiter
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		rpm = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("global rate limit enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	a.gw = proxy.New(proxy.Options{
		Logger:          a.log,
		Registry:        a.reg,
		Backends:        a.backends,
		Keychain:        keychain,
		Limiter:         ratelimit.NewLimiter(),
		TierLimits:      a.cfg.TierLimits(),
		RPMLimiter:      rpm,
		Cache:           a.cacheLayer,
		Billing:         a.recorder,
		Analytics:       a.reqLogger,
		Metrics:         a.prom,
		FallbackTimeout: a.cfg.FallbackTimeout,
		CORSOrigins:     a.cfg.CORSOrigins,
		Version:         a.version,
	})

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}
