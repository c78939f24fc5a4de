package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"
	goredis "github.com/redis/go-redis/v9"

	mem "engagekit/adapters/memory"
	redisAdapter "engagekit/adapters/redis"
	sqlxAdapter "engagekit/adapters/sqlx"
	"engagekit/api/httpapi"
	"engagekit/breaker"
	"engagekit/config"
	"engagekit/core"
	"engagekit/engine"
	"engagekit/fallback"
	"engagekit/integrations/webhook"
	"engagekit/leaderboard"
	"engagekit/ratelimit"
	"engagekit/realtime"
	"engagekit/reconcile"
	"engagekit/sources"
	"engagekit/submission"
)

// Options are process-level inputs that precede configuration loading.
type Options struct {
	ConfigPath string
}

// App aggregates the assembled components.
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Storage     engine.Storage
	Breakers    *breaker.Registry
	Limiter     *ratelimit.Limiter
	Points      *engine.PointsService
	Submissions *submission.Service
	Scheduler   *reconcile.Scheduler
	Hub         *realtime.Hub
	Leaderboard *leaderboard.SkipList
	Webhooks    *webhook.Sink
	Handler     *echo.Echo
	Server      *http.Server
}

func provideConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.LoadFromFile(opts.ConfigPath)
	}
	return config.Load()
}

func provideLogger(cfg *config.Config) *slog.Logger {
	return setupLogging(cfg)
}

// provideRedis returns nil when shared state is disabled.
func provideRedis(cfg *config.Config, log *slog.Logger) (*goredis.Client, func(), error) {
	if !cfg.Redis.Enabled {
		return nil, func() {}, nil
	}
	client, err := redisAdapter.NewClient(cfg.Redis.Config)
	if err != nil {
		return nil, nil, err
	}
	log.Info("redis connected", "addr", cfg.Redis.Addr)
	return client, func() { _ = client.Close() }, nil
}

func provideStorage(ctx context.Context, cfg *config.Config, log *slog.Logger) (engine.Storage, func(), error) {
	store, err := setupStorage(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {}
	if c, ok := store.(io.Closer); ok {
		cleanup = func() {
			if err := c.Close(); err != nil {
				log.Warn("closing storage", "error", err)
			}
		}
	}
	return store, cleanup, nil
}

func provideBreakerStore(rdb *goredis.Client, cfg *config.Config) breaker.Store {
	if rdb == nil {
		return breaker.NewMemoryStore()
	}
	return redisAdapter.NewBreakerStore(rdb, cfg.Redis.KeyPrefix)
}

func provideLimiterStore(rdb *goredis.Client, cfg *config.Config) ratelimit.Store {
	if rdb == nil {
		return ratelimit.NewMemoryStore()
	}
	return redisAdapter.NewRateLimitStore(rdb, cfg.Redis.KeyPrefix)
}

func provideEngagementCache(rdb *goredis.Client, cfg *config.Config) sources.Cache {
	if !cfg.Cache.Enabled {
		return nil
	}
	if rdb == nil {
		return sources.NewMemoryCache()
	}
	return redisAdapter.NewEngagementCache(rdb, cfg.Redis.KeyPrefix)
}

func provideLimiter(store ratelimit.Store, log *slog.Logger) *ratelimit.Limiter {
	return ratelimit.New(store, log)
}

func provideBreakers(cfg *config.Config, store breaker.Store, log *slog.Logger) *breaker.Registry {
	reg := breaker.NewRegistry(store, cfg.Breaker, log)
	for _, src := range cfg.FallbackConfig().Order {
		reg.For(src)
	}
	return reg
}

func provideClients(cfg *config.Config, cache sources.Cache, log *slog.Logger) []sources.Client {
	clients := []sources.Client{
		sources.NewPrimaryAPI(cfg.Sources.Primary.PrimaryAPIConfig, nil),
		sources.NewPublicEmbed(cfg.Sources.Embed.PublicEmbedConfig, nil),
	}
	if cache == nil {
		return clients
	}
	for i, c := range clients {
		clients[i] = sources.NewCached(c, cache, cfg.Cache.TTL, log)
	}
	return clients
}

func provideOrchestrator(cfg *config.Config, clients []sources.Client, breakers *breaker.Registry, limiter *ratelimit.Limiter, log *slog.Logger) *fallback.Orchestrator {
	return fallback.New(clients, breakers, limiter, cfg.FallbackConfig(), log)
}

func provideEventBus() (*engine.EventBus, func()) {
	bus := engine.NewEventBus(engine.DispatchAsync)
	return bus, bus.Close
}

func providePoints(storage engine.Storage, cfg *config.Config, bus *engine.EventBus, log *slog.Logger) *engine.PointsService {
	return engine.NewPointsService(storage, cfg.Scoring, bus, engine.UUIDGenerator{}, log)
}

func provideHub(bus *engine.EventBus) *realtime.Hub {
	hub := realtime.NewHub()
	hub.Attach(bus)
	return hub
}

// leaderboardSeedLimit bounds how many persisted totals are loaded at startup.
const leaderboardSeedLimit = 10000

func provideLeaderboard(ctx context.Context, storage engine.Storage, bus *engine.EventBus, log *slog.Logger) *leaderboard.SkipList {
	board := leaderboard.NewSkipList()
	if src, ok := storage.(leaderboard.TotalsSource); ok {
		if n, err := leaderboard.Seed(ctx, board, src, leaderboardSeedLimit); err != nil {
			log.Warn("leaderboard seed failed", "error", err)
		} else {
			log.Debug("leaderboard seeded", "users", n)
		}
	}
	leaderboard.Attach(board, bus)
	return board
}

// provideWebhooks returns nil when no endpoints are configured.
func provideWebhooks(cfg *config.Config, bus *engine.EventBus, log *slog.Logger) *webhook.Sink {
	if len(cfg.Webhooks.Endpoints) == 0 {
		return nil
	}
	sink := webhook.New(cfg.Webhooks.Endpoints,
		webhook.WithClient(&http.Client{Timeout: cfg.Webhooks.Timeout}),
		webhook.WithSecret(cfg.Webhooks.Secret),
		webhook.WithEventTypes(cfg.WebhookEvents()...),
		webhook.WithLogger(log),
	)
	sink.Attach(bus)
	return sink
}

func provideSubmissions(storage engine.Storage, points *engine.PointsService, limiter *ratelimit.Limiter, orch *fallback.Orchestrator, cfg *config.Config, log *slog.Logger) *submission.Service {
	gate := ratelimit.NewGate(limiter, cfg.Submission.Gate)
	return submission.New(storage, points, gate, orch, cfg.Submission.Config, log)
}

func provideScheduler(storage engine.Storage, points *engine.PointsService, orch *fallback.Orchestrator, cfg *config.Config, log *slog.Logger) *reconcile.Scheduler {
	return reconcile.New(storage, points, orch, cfg.Reconciliation, log)
}

func provideHandler(ctx context.Context, cfg *config.Config, log *slog.Logger, subs *submission.Service, storage engine.Storage, breakers *breaker.Registry, limiter *ratelimit.Limiter, sched *reconcile.Scheduler, hub *realtime.Hub, board *leaderboard.SkipList) *echo.Echo {
	return httpapi.New(httpapi.Deps{
		Submissions: subs,
		Storage:     storage,
		Breakers:    breakers,
		Limiter:     limiter,
		Scheduler:   sched,
		Hub:         hub,
		Leaderboard: board,
		Log:         log,
		BaseContext: ctx,
	}, httpapi.Options{
		AllowCORSOrigin:  cfg.Server.CORSOrigin,
		APIKeys:          cfg.Security.APIKeys,
		AdminKeys:        cfg.Security.AdminKeys,
		UserHeader:       cfg.Server.UserHeader,
		RateLimitEnabled: cfg.Security.EnableRateLimit,
		RateLimitRPM:     cfg.Security.RateLimit.RequestsPerMinute,
		AccessLog:        cfg.Server.AccessLog,
	})
}

func provideServer(cfg *config.Config, handler *echo.Echo) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
}

// setupLogging configures the logger based on configuration.
func setupLogging(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Logging.Level),
	}

	var out io.Writer = os.Stdout
	if cfg.Logging.Output == "stderr" {
		out = os.Stderr
	}

	switch cfg.Logging.Format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	if len(cfg.Logging.Attributes) > 0 {
		handler = handler.WithAttrs(convertAttributes(cfg.Logging.Attributes))
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// convertAttributes converts map[string]string to []slog.Attr.
func convertAttributes(attrs map[string]string) []slog.Attr {
	var result []slog.Attr
	for k, v := range attrs {
		result = append(result, slog.String(k, v))
	}
	return result
}

// setupStorage creates the appropriate storage adapter based on configuration.
func setupStorage(ctx context.Context, cfg *config.Config) (engine.Storage, error) {
	switch cfg.Storage.Adapter {
	case "memory":
		return mem.New(), nil
	case "sql":
		if cfg.Storage.SQL.Driver == sqlxAdapter.DriverSQLite {
			if dir := filepath.Dir(cfg.Storage.SQL.DSN); dir != "." && !isDSN(cfg.Storage.SQL.DSN) {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("create sqlite directory: %w", err)
				}
			}
		}
		return sqlxAdapter.New(ctx, cfg.Storage.SQL)
	default:
		return nil, fmt.Errorf("unknown storage adapter: %s", cfg.Storage.Adapter)
	}
}

func isDSN(s string) bool {
	return strings.HasPrefix(s, "file:") || strings.Contains(s, "?")
}

// sourcesInOrder lists the configured fetch order for startup logs.
func sourcesInOrder(cfg *config.Config) []core.Source {
	return cfg.FallbackConfig().Order
}
