package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/nulpointcorp/gateway-core/internal/accounting"
	"github.com/nulpointcorp/gateway-core/internal/authcache"
	"github.com/nulpointcorp/gateway-core/internal/breaker"
	npCache "github.com/nulpointcorp/gateway-core/internal/cache"
	"github.com/nulpointcorp/gateway-core/internal/metrics"
	"github.com/nulpointcorp/gateway-core/internal/proxy"
	"github.com/nulpointcorp/gateway-core/internal/ratelimit"
	"github.com/nulpointcorp/gateway-core/internal/tokencount"
)

// staticPrices is the per-provider per-token price table used to cost
// completions. A real deployment would load this from the plans/pricing
// tables in the datastore; hardcoded here since that table's schema is owned
// externally.
var staticPrices = map[string]proxy.PricePoint{
	"openai":     {InputPerToken: 0.0000025, OutputPerToken: 0.00001},
	"anthropic":  {InputPerToken: 0.000003, OutputPerToken: 0.000015},
	"gemini":     {InputPerToken: 0.00000125, OutputPerToken: 0.000005},
	"mistral":    {InputPerToken: 0.000002, OutputPerToken: 0.000006},
	"groq":       {InputPerToken: 0.00000059, OutputPerToken: 0.00000079},
	"deepseek":   {InputPerToken: 0.00000027, OutputPerToken: 0.0000011},
	"together":   {InputPerToken: 0.0000009, OutputPerToken: 0.0000009},
	"vertexai":   {InputPerToken: 0.00000125, OutputPerToken: 0.000005},
	"bedrock":    {InputPerToken: 0.000003, OutputPerToken: 0.000015},
	"azure":      {InputPerToken: 0.0000025, OutputPerToken: 0.00001},
}

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the LLM provider map. At least one provider must be
// configured; startup fails here when none is.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache backend and Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		// ExactCache wraps the already-connected Redis client.
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = npCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initAdmission builds the authentication, rate-limiting, circuit-breaking,
// routing, and accounting subsystems the orchestrator (Gateway) consults on
// every request. Each is independently optional: a nil value on the
// resulting GatewayOptions degrades that concern rather than failing
// startup, the same way initServices degrades caching when CACHE_MODE=none.
func (a *App) initAdmission(ctx context.Context) error {
	var cacheImpl npCache.Cache
	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
	case "memory":
		cacheImpl = a.memCache
	}

	a.tokenCounter = tokencount.New()

	if a.cfg.SessionSecret != "" {
		a.sessionVerifier = authcache.NewSessionVerifier([]byte(a.cfg.SessionSecret))
		a.log.Info("session-history prefix enabled")
	} else {
		a.log.Info("session-history prefix disabled: SESSION_SECRET not configured")
	}

	if cacheImpl != nil {
		a.authCache = authcache.New(cacheImpl, a.cfg.AuthCache.PositiveTTL, a.cfg.AuthCache.NegativeTTL)
		a.rateManager = ratelimit.New(cacheImpl)
		a.anonLimiter = ratelimit.NewAnonymousLimiter(cacheImpl, a.cfg.Anonymous.DailyLimit, a.cfg.Anonymous.AllowedModels)
		a.log.Info("admission subsystems enabled", slog.Int("anon_daily_limit", a.cfg.Anonymous.DailyLimit))
	} else {
		a.log.Warn("auth cache / rate limiting disabled: no cache backend configured")
	}

	a.concurrency = ratelimit.NewConcurrencyLimiter(int64(a.cfg.Failover.MaxRetries) * 8)

	a.breakers = breaker.New(breaker.Config{
		ErrorThreshold:     a.cfg.CircuitBreaker.ErrorThreshold,
		ErrorRatio:         a.cfg.CircuitBreaker.ErrorRatio,
		MinSamples:         a.cfg.CircuitBreaker.MinSamples,
		Window:             a.cfg.CircuitBreaker.TimeWindow,
		HalfOpenTimeout:    a.cfg.CircuitBreaker.HalfOpenTimeout,
		RequiredSuccesses:  a.cfg.CircuitBreaker.RequiredSuccesses,
		PersistenceEnabled: cacheImpl != nil,
	}, cacheImpl)

	a.modelRouter = proxy.NewModelRouter(a.prom.Aggregates, staticPrices, a.breakers)

	if a.cfg.Datastore.DSN != "" {
		db, err := sql.Open("pgx", a.cfg.Datastore.DSN)
		if err != nil {
			return fmt.Errorf("datastore: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("datastore: ping: %w", err)
		}
		a.db = db

		var chSink *accounting.ClickHouseSink
		if a.cfg.ClickHouse.DSN != "" {
			conn, err := clickhouse.Open(&clickhouse.Options{Addr: []string{a.cfg.ClickHouse.DSN}})
			if err != nil {
				a.log.Warn("clickhouse connect failed, analytics sink disabled", slog.String("error", err.Error()))
			} else {
				chSink = accounting.NewClickHouseSink(conn, a.log)
				a.chSink = chSink
			}
		}

		a.accountSvc = accounting.New(accounting.NewSQLDatastore(db), accountingErrorSink{a.log}, chSink)
		a.log.Info("accounting enabled", slog.Bool("clickhouse", chSink != nil))
	} else {
		a.log.Warn("accounting disabled: DATASTORE_DSN not configured")
	}

	return nil
}

// accountingErrorSink adapts the app logger to accounting.ErrorSink so a
// failed post-flight commit is durably logged even with no other sink wired.
type accountingErrorSink struct {
	log *slog.Logger
}

func (s accountingErrorSink) LogFailedCommit(ctx context.Context, ev accounting.UsageEvent, err error) {
	s.log.ErrorContext(ctx, "accounting_commit_failed",
		slog.String("request_id", ev.RequestID),
		slog.String("user_id", ev.UserID),
		slog.String("error", err.Error()),
	)
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	// ── Determine cache implementation ────────────────────────────────────────
	var cacheImpl npCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — gateway handles nil gracefully (no caching)
	}

	// ── Build the gateway ────────────────────────────────────────────────────
	opts := proxy.GatewayOptions{
		Logger:             a.log,
		MaxRetries:         a.cfg.Failover.MaxRetries,
		ProviderTimeout:    a.cfg.Failover.ProviderTimeout,
		CacheTTL:           a.cfg.Cache.TTL,
		Metrics:            a.prom,
		AllowClientAPIKeys: a.cfg.AllowClientAPIKeys,
		BreakerConfig: breaker.Config{
			ErrorThreshold:     a.cfg.CircuitBreaker.ErrorThreshold,
			ErrorRatio:         a.cfg.CircuitBreaker.ErrorRatio,
			MinSamples:         a.cfg.CircuitBreaker.MinSamples,
			Window:             a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout:    a.cfg.CircuitBreaker.HalfOpenTimeout,
			RequiredSuccesses:  a.cfg.CircuitBreaker.RequiredSuccesses,
		},
		AuthCache:        a.authCache,
		SessionVerifier:  a.sessionVerifier,
		Router:           a.modelRouter,
		Breakers:         a.breakers,
		RateLimiter:      a.rateManager,
		Concurrency:      a.concurrency,
		AnonLimiter:      a.anonLimiter,
		Accounting:       a.accountSvc,
		TokenCounter:     a.tokenCounter,
		DefaultPlanLimit: proxy.PlanLimit{RequestsPerMinute: a.cfg.RateLimit.DefaultRequestsPerMinute, TokensPerMinute: a.cfg.RateLimit.DefaultTokensPerMinute},
		Prices:           staticPrices,
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.provs, cacheImpl, cacheReady, opts)

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiters(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	// Async request logger — not wired in the open-source build.
	// In the managed version this connects to ClickHouse for analytics.
	// Request metadata is still written via slog (see gateway.go logRequest).

	// CORS.
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Cache exclusions.
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
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
