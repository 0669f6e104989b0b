// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// The gateway starts with no hosted backend keys configured — image
// generation only needs workers to register. Text models require the
// corresponding backend key.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/pollenlabs/gen-gateway/internal/auth"
	"github.com/pollenlabs/gen-gateway/internal/ratelimit"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Registry controls the worker heartbeat windows.
	Registry RegistryConfig

	// Breaker controls the per-worker circuit breaker.
	Breaker BreakerConfig

	// Redis holds the connection URL for the Redis-backed cache and the
	// global RPM limiter. Required only when Cache.Mode is "redis".
	Redis RedisConfig

	// Cache controls the response cache.
	Cache CacheConfig

	// RateLimit controls per-identity and global request limits.
	RateLimit RateLimitConfig

	// Billing controls the local event journal and upstream delivery.
	Billing BillingConfig

	// FallbackTimeout bounds the primary backend before the model's
	// fallback is tried. Default: 30s.
	FallbackTimeout time.Duration

	// Hosted text backends. A backend with an empty API key is not wired.
	OpenAI    BackendConfig
	Anthropic BackendConfig
	Gemini    BackendConfig

	// APIKeys is the static keychain. Each entry has the form
	// "key:userID:tier" with optional ":rps:burst" overrides appended,
	// e.g. "sk-abc:user-1:flower:10:20".
	APIKeys []string

	// Analytics controls the request log sink.
	Analytics AnalyticsConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default).
	CORSOrigins []string
}

// RegistryConfig controls worker staleness and eviction windows.
type RegistryConfig struct {
	// StaleAfter is how long after its last heartbeat a worker stays
	// dispatchable. Default: 30s.
	StaleAfter time.Duration

	// EvictAfter is how long a silent worker's record is retained before it
	// is dropped entirely. Default: 150s.
	EvictAfter time.Duration
}

// BreakerConfig controls the per-worker circuit breaker.
type BreakerConfig struct {
	// ErrorThreshold is the number of errors within TimeWindow that trip
	// the breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the exact-cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process TTL cache. No external deps; not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// BypassExact is a list of exact model names that must never be cached.
	BypassExact []string

	// BypassPatterns is a list of Go regular expressions matched against
	// model names. Requests whose model matches any pattern are not cached.
	BypassPatterns []string

	// Semantic controls the embedding-based cache tier.
	Semantic SemanticConfig
}

// SemanticConfig controls the semantic cache tier. It requires an OpenAI
// backend key for embeddings and is disabled by default.
type SemanticConfig struct {
	Enabled bool

	// Threshold is the minimum cosine similarity for a semantic hit,
	// in (0, 1]. Default: 0.92.
	Threshold float64

	// MaxEntries bounds the in-memory index. Default: 4096.
	MaxEntries int

	// EmbeddingModel names the embedding model. Default: text-embedding-3-small.
	EmbeddingModel string
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// Per-tier token buckets.
	Anonymous TierLimit
	Seed      TierLimit
	Flower    TierLimit
	Nectar    TierLimit

	// RPMLimit is the maximum requests per minute allowed globally across
	// all identities, enforced via Redis. 0 disables it. Default: 0.
	RPMLimit int
}

// TierLimit is one tier's token bucket shape.
type TierLimit struct {
	// RPS is the refill rate in tokens per second.
	RPS float64
	// Burst is the bucket capacity.
	Burst int
}

// BillingConfig controls the billing event pipeline.
type BillingConfig struct {
	// DBPath is the SQLite journal path. Empty disables billing entirely.
	// Use ":memory:" for tests only — events would not survive a restart.
	DBPath string

	// Endpoint is the upstream billing collector URL. Empty records events
	// locally without delivering them.
	Endpoint string

	// Token authenticates deliveries to the collector.
	Token string

	// Interval between delivery sweeps. Default: 5s.
	Interval time.Duration

	// MaxAttempts before an event is abandoned. Default: 8.
	MaxAttempts int

	// BackoffBase is the first retry delay; it doubles per attempt.
	// Default: 10s.
	BackoffBase time.Duration

	// DeliveryRPS paces posts to the collector. 0 means unpaced.
	DeliveryRPS float64
}

// BackendConfig holds configuration for one hosted backend.
type BackendConfig struct {
	// APIKey enables the backend. Leave empty to disable it.
	APIKey string

	// BaseURL overrides the backend's default API endpoint.
	// Useful for local mocks and development.
	BaseURL string

	// Model overrides the upstream model the backend pins requests to.
	Model string
}

// AnalyticsConfig controls the request log sink.
type AnalyticsConfig struct {
	// Sink is one of: "clickhouse", "slog", "none". Default: "slog".
	Sink string

	ClickHouse ClickHouseConfig
}

// ClickHouseConfig holds the request log warehouse connection.
type ClickHouseConfig struct {
	// Addr is host:port of the ClickHouse native endpoint.
	Addr     string
	Database string
	Username string
	Password string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("HEARTBEAT_STALE_AFTER", "30s")
	v.SetDefault("HEARTBEAT_EVICT_AFTER", "150s")

	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("SEMANTIC_CACHE_ENABLED", false)
	v.SetDefault("SEMANTIC_CACHE_THRESHOLD", 0.92)
	v.SetDefault("SEMANTIC_CACHE_MAX_ENTRIES", 4096)
	v.SetDefault("SEMANTIC_CACHE_EMBEDDING_MODEL", "text-embedding-3-small")

	// Tier buckets. Anonymous callers share one bucket per client IP.
	v.SetDefault("RATE_ANONYMOUS_RPS", 1.0)
	v.SetDefault("RATE_ANONYMOUS_BURST", 5)
	v.SetDefault("RATE_SEED_RPS", 3.0)
	v.SetDefault("RATE_SEED_BURST", 10)
	v.SetDefault("RATE_FLOWER_RPS", 10.0)
	v.SetDefault("RATE_FLOWER_BURST", 30)
	v.SetDefault("RATE_NECTAR_RPS", 30.0)
	v.SetDefault("RATE_NECTAR_BURST", 100)
	v.SetDefault("RPM_LIMIT", 0)

	v.SetDefault("BILLING_DB_PATH", "billing.db")
	v.SetDefault("BILLING_INTERVAL", "5s")
	v.SetDefault("BILLING_MAX_ATTEMPTS", 8)
	v.SetDefault("BILLING_BACKOFF_BASE", "10s")
	v.SetDefault("BILLING_DELIVERY_RPS", 0.0)

	v.SetDefault("FALLBACK_TIMEOUT", "30s")

	v.SetDefault("ANALYTICS_SINK", "slog")
	v.SetDefault("CLICKHOUSE_DATABASE", "default")
	v.SetDefault("CLICKHOUSE_USERNAME", "default")

	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Registry: RegistryConfig{
			StaleAfter: v.GetDuration("HEARTBEAT_STALE_AFTER"),
			EvictAfter: v.GetDuration("HEARTBEAT_EVICT_AFTER"),
		},

		Breaker: BreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:           strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:            v.GetDuration("CACHE_TTL"),
			BypassExact:    v.GetStringSlice("CACHE_BYPASS_EXACT"),
			BypassPatterns: v.GetStringSlice("CACHE_BYPASS_PATTERNS"),
			Semantic: SemanticConfig{
				Enabled:        v.GetBool("SEMANTIC_CACHE_ENABLED"),
				Threshold:      v.GetFloat64("SEMANTIC_CACHE_THRESHOLD"),
				MaxEntries:     v.GetInt("SEMANTIC_CACHE_MAX_ENTRIES"),
				EmbeddingModel: v.GetString("SEMANTIC_CACHE_EMBEDDING_MODEL"),
			},
		},

		RateLimit: RateLimitConfig{
			Anonymous: TierLimit{RPS: v.GetFloat64("RATE_ANONYMOUS_RPS"), Burst: v.GetInt("RATE_ANONYMOUS_BURST")},
			Seed:      TierLimit{RPS: v.GetFloat64("RATE_SEED_RPS"), Burst: v.GetInt("RATE_SEED_BURST")},
			Flower:    TierLimit{RPS: v.GetFloat64("RATE_FLOWER_RPS"), Burst: v.GetInt("RATE_FLOWER_BURST")},
			Nectar:    TierLimit{RPS: v.GetFloat64("RATE_NECTAR_RPS"), Burst: v.GetInt("RATE_NECTAR_BURST")},
			RPMLimit:  v.GetInt("RPM_LIMIT"),
		},

		Billing: BillingConfig{
			DBPath:      v.GetString("BILLING_DB_PATH"),
			Endpoint:    v.GetString("BILLING_ENDPOINT"),
			Token:       v.GetString("BILLING_TOKEN"),
			Interval:    v.GetDuration("BILLING_INTERVAL"),
			MaxAttempts: v.GetInt("BILLING_MAX_ATTEMPTS"),
			BackoffBase: v.GetDuration("BILLING_BACKOFF_BASE"),
			DeliveryRPS: v.GetFloat64("BILLING_DELIVERY_RPS"),
		},

		FallbackTimeout: v.GetDuration("FALLBACK_TIMEOUT"),

		OpenAI: BackendConfig{
			APIKey:  v.GetString("OPENAI_API_KEY"),
			BaseURL: v.GetString("OPENAI_BASE_URL"),
			Model:   v.GetString("OPENAI_MODEL"),
		},
		Anthropic: BackendConfig{
			APIKey:  v.GetString("ANTHROPIC_API_KEY"),
			BaseURL: v.GetString("ANTHROPIC_BASE_URL"),
			Model:   v.GetString("ANTHROPIC_MODEL"),
		},
		Gemini: BackendConfig{
			APIKey:  v.GetString("GOOGLE_API_KEY"),
			BaseURL: v.GetString("GEMINI_BASE_URL"),
			Model:   v.GetString("GEMINI_MODEL"),
		},

		APIKeys: v.GetStringSlice("API_KEYS"),

		Analytics: AnalyticsConfig{
			Sink: strings.ToLower(v.GetString("ANALYTICS_SINK")),
			ClickHouse: ClickHouseConfig{
				Addr:     v.GetString("CLICKHOUSE_ADDR"),
				Database: v.GetString("CLICKHOUSE_DATABASE"),
				Username: v.GetString("CLICKHOUSE_USERNAME"),
				Password: v.GetString("CLICKHOUSE_PASSWORD"),
			},
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory, none", c.Cache.Mode)
	}
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when CACHE_MODE=redis; set CACHE_MODE=memory to use the built-in in-process cache")
	}

	if c.Cache.Semantic.Enabled {
		if c.Cache.Semantic.Threshold <= 0 || c.Cache.Semantic.Threshold > 1 {
			return fmt.Errorf("config: SEMANTIC_CACHE_THRESHOLD must be in (0, 1], got %v", c.Cache.Semantic.Threshold)
		}
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("config: SEMANTIC_CACHE_ENABLED requires OPENAI_API_KEY for embeddings")
		}
	}

	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: RPM_LIMIT requires REDIS_URL")
	}

	if c.Breaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.Breaker.ErrorThreshold)
	}
	if c.Breaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}

	if c.Billing.Endpoint != "" && c.Billing.DBPath == "" {
		return fmt.Errorf("config: BILLING_ENDPOINT requires BILLING_DB_PATH")
	}
	if c.Billing.MaxAttempts < 1 {
		return fmt.Errorf("config: BILLING_MAX_ATTEMPTS must be ≥ 1, got %d", c.Billing.MaxAttempts)
	}

	switch c.Analytics.Sink {
	case "clickhouse", "slog", "none":
	default:
		return fmt.Errorf("config: invalid ANALYTICS_SINK %q; must be one of: clickhouse, slog, none", c.Analytics.Sink)
	}
	if c.Analytics.Sink == "clickhouse" && c.Analytics.ClickHouse.Addr == "" {
		return fmt.Errorf("config: CLICKHOUSE_ADDR is required when ANALYTICS_SINK=clickhouse")
	}

	if _, err := c.KeyEntries(); err != nil {
		return err
	}

	return nil
}

// TierLimits converts the configured buckets into the limiter's shape.
func (c *Config) TierLimits() map[auth.Tier]ratelimit.Limits {
	return map[auth.Tier]ratelimit.Limits{
		auth.TierAnonymous: {RPS: c.RateLimit.Anonymous.RPS, Burst: c.RateLimit.Anonymous.Burst},
		auth.TierSeed:      {RPS: c.RateLimit.Seed.RPS, Burst: c.RateLimit.Seed.Burst},
		auth.TierFlower:    {RPS: c.RateLimit.Flower.RPS, Burst: c.RateLimit.Flower.Burst},
		auth.TierNectar:    {RPS: c.RateLimit.Nectar.RPS, Burst: c.RateLimit.Nectar.Burst},
	}
}

// KeyEntries parses the API_KEYS entries into keychain form.
func (c *Config) KeyEntries() ([]auth.KeyEntry, error) {
	entries := make([]auth.KeyEntry, 0, len(c.APIKeys))
	for i, raw := range c.APIKeys {
		parts := strings.Split(raw, ":")
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("config: API_KEYS[%d]: want key:userID[:tier[:rps:burst]]", i)
		}
		e := auth.KeyEntry{Key: parts[0], UserID: parts[1]}
		if len(parts) > 2 && parts[2] != "" {
			tier := auth.Tier(parts[2])
			switch tier {
			case auth.TierSeed, auth.TierFlower, auth.TierNectar:
				e.Tier = tier
			default:
				return nil, fmt.Errorf("config: API_KEYS[%d]: unknown tier %q", i, parts[2])
			}
		}
		if len(parts) > 4 {
			rps, err := strconv.ParseFloat(parts[3], 64)
			if err != nil {
				return nil, fmt.Errorf("config: API_KEYS[%d]: bad rps %q", i, parts[3])
			}
			burst, err := strconv.Atoi(parts[4])
			if err != nil {
				return nil, fmt.Errorf("config: API_KEYS[%d]: bad burst %q", i, parts[4])
			}
			e.RPS, e.Burst = rps, burst
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
