package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/af-corp/aiproxy/internal/auth"
	"github.com/af-corp/aiproxy/internal/cache"
	"github.com/af-corp/aiproxy/internal/config"
	"github.com/af-corp/aiproxy/internal/dispatch"
	"github.com/af-corp/aiproxy/internal/gateway"
	"github.com/af-corp/aiproxy/internal/ratelimit"
	"github.com/af-corp/aiproxy/internal/router"
	"github.com/af-corp/aiproxy/internal/telemetry"
	"github.com/af-corp/aiproxy/internal/transcript"
)

var version = "dev"

func main() {
	configDir := flag.String("config-dir", "configs", "path to configuration directory")
	flag.Parse()

	level := new(slog.LevelVar)
	loader := config.NewLoader(*configDir, slog.Default())
	if err := loader.Load(); err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := loader.Config()

	logger := newLogger(os.Stdout, cfg.Telemetry, level)
	slog.SetDefault(logger)

	if err := run(loader, logger, level); err != nil {
		logger.Error("aiproxy exited", "error", err)
		os.Exit(1)
	}
}

func run(loader *config.Loader, logger *slog.Logger, level *slog.LevelVar) error {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	snap := loader.Snapshot()
	cfg := snap.Config
	metrics := telemetry.NewMetrics(nil)

	rdb := connectRedis(ctx, cfg.Redis, logger)
	if rdb != nil {
		defer rdb.Close()
	}

	// Trace sinks
	sinks := telemetry.MultiSink{metrics}
	switch cfg.Telemetry.TraceSink {
	case config.TraceSinkSlog:
		sinks = append(sinks, telemetry.LogSink{Logger: logger})
	case config.TraceSinkPostgres:
		pool, err := connectPostgres(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer pool.Close()
		async := telemetry.NewAsyncSink(telemetry.NewPgSink(pool, logger), cfg.Telemetry.SinkBuffer, metrics.RecordTraceDropped)
		defer async.Close()
		sinks = append(sinks, async)
	}

	// Provider routing
	routing := snap.Routing
	health := router.NewHealthTracker(routing.CircuitBreaker.FailureThreshold, routing.CircuitBreaker.RecoveryProbeInterval)
	health.OnStateChange(func(provider string, from, to router.CircuitState) {
		logger.Warn("circuit state changed", "provider", provider, "from", from.String(), "to", to.String())
		metrics.SetCircuitState(provider, int(to))
	})
	table, err := router.NewRoutingTable(routing.Rules, routing.Default)
	if err != nil {
		return fmt.Errorf("build routing table: %w", err)
	}
	registry := router.BuildFromConfig(snap.Providers)
	rt := router.New(table, registry, health)

	opts := []dispatch.Option{
		dispatch.WithSink(sinks),
		dispatch.WithMetrics(metrics),
		dispatch.WithTracerProvider(otel.GetTracerProvider()),
		dispatch.WithSettings(dispatch.SettingsFromConfig(snap)),
		dispatch.WithLogger(logger),
		dispatch.WithBudget(ratelimit.NewTokenBudget(rdb, func() int64 {
			return loader.Config().Limits.DailyTokenBudget
		})),
	}

	if c := buildCache(ctx, cfg.Cache, rdb, metrics, logger); c != nil {
		opts = append(opts, dispatch.WithCache(c))
	}

	if cfg.Transcript.Enabled {
		tl, durability, err := openTranscript(cfg.Transcript)
		if err != nil {
			return err
		}
		defer tl.Close()
		opts = append(opts, dispatch.WithTranscript(tl, durability))
		logger.Info("transcript enabled", "dir", cfg.Transcript.Dir, "durability", durability)
	}

	dispatcher := dispatch.New(rt, opts...)

	var verifier atomic.Pointer[auth.Verifier]
	verifier.Store(auth.NewVerifier(cfg.Auth))

	loader.OnReload(func(s *config.Snapshot) {
		next, err := router.NewRoutingTable(s.Routing.Rules, s.Routing.Default)
		if err != nil {
			logger.Error("keeping previous routing table", "error", err)
		} else {
			rt.SetTable(next)
		}
		registry.Replace(router.BuildFromConfig(s.Providers))
		dispatcher.Configure(dispatch.SettingsFromConfig(s))
		verifier.Store(auth.NewVerifier(s.Config.Auth))
		if err := level.UnmarshalText([]byte(s.Config.Telemetry.LogLevel)); err != nil {
			logger.Warn("invalid log level", "level", s.Config.Telemetry.LogLevel)
		}
		logger.Info("configuration applied", "rules", len(s.Routing.Rules), "providers", len(registry.Names()))
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	}

	handler := gateway.NewHandler(dispatcher, rt, func() int64 {
		return loader.Config().Server.MaxBodyBytes
	}, logger)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(gateway.RequestID)

	r.Get("/health", handler.Health(version))
	r.Handle(cfg.Telemetry.MetricsPath, promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(verifier.Load))
		r.Use(ratelimit.Middleware(ratelimit.NewLimiter(rdb), func() int {
			return loader.Config().Limits.RequestsPerMinute
		}, metrics))
		r.Post("/v1/chat/completions", handler.ChatCompletions)
		r.Post("/v1/embeddings", handler.Embeddings)
		r.Get("/v1/routes", handler.Routes)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		logger.Info("aiproxy starting", "addr", addr, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), loader.Config().Server.GracefulShutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	logger.Info("aiproxy stopped")
	return nil
}

func newLogger(w io.Writer, cfg config.TelemetryConfig, level *slog.LevelVar) *slog.Logger {
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level.Set(slog.LevelInfo)
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// connectRedis returns nil when redis is not configured or unreachable;
// redis-backed features then fail open.
func connectRedis(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) *redis.Client {
	if len(cfg.Addresses) == 0 || cfg.Addresses[0] == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addresses[0],
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not reachable (rate limits and budgets disabled)", "error", err)
		rdb.Close()
		return nil
	}
	logger.Info("redis connected", "addr", cfg.Addresses[0])
	return rdb
}

func connectPostgres(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		slog.Warn("database not reachable (traces will be dropped until it is)", "error", err)
	}
	return pool, nil
}

// buildCache returns nil when caching is disabled. The redis backend falls
// back to memory when redis is unavailable.
func buildCache(ctx context.Context, cfg config.CacheConfig, rdb *redis.Client, metrics *telemetry.Metrics, logger *slog.Logger) *cache.Cache {
	switch cfg.Backend {
	case config.CacheBackendNone:
		return nil
	case config.CacheBackendRedis:
		if rdb != nil {
			logger.Info("response cache enabled", "backend", "redis", "prefix", cfg.Path, "ttl", cfg.TTL())
			return cache.New(cache.NewRedisStore(rdb, cfg.Path), cache.WithLogger(logger))
		}
		logger.Warn("redis cache backend unavailable, using memory")
	}
	store := cache.NewMemoryStore(cfg.MaxEntries)
	if cfg.EvictionInterval > 0 {
		go store.RunJanitor(ctx, cfg.EvictionInterval, metrics.RecordCacheEvictions)
	}
	logger.Info("response cache enabled", "backend", "memory", "max_entries", cfg.MaxEntries, "ttl", cfg.TTL())
	return cache.New(store, cache.WithLogger(logger))
}

func openTranscript(cfg config.TranscriptConfig) (*transcript.FileLogger, transcript.Durability, error) {
	durability, err := transcript.ParseDurability(cfg.Durability)
	if err != nil {
		return nil, "", err
	}
	var opts []transcript.FileOption
	if cfg.Redact {
		opts = append(opts, transcript.WithRedactor(transcript.NewRedactor(transcript.DefaultPatterns()...)))
	}
	l, err := transcript.NewFileLogger(cfg.Dir, cfg.SegmentMB, opts...)
	if err != nil {
		return nil, "", fmt.Errorf("open transcript: %w", err)
	}
	return l, durability, nil
}
