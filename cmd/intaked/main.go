// Package main is the entry point for the intake service. It hosts live
// equipment selection sessions behind an HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/intake/internal/catalog"
	"github.com/pitabwire/intake/internal/config"
	"github.com/pitabwire/intake/internal/emission"
	"github.com/pitabwire/intake/internal/observability"
	"github.com/pitabwire/intake/internal/policy"
	"github.com/pitabwire/intake/internal/session"
	"github.com/pitabwire/intake/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags and pick up a local .env, if any.
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, ".env error: %v\n", err)
		return 1
	}

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "intaked", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.InitMetrics(reg)

	// Step 4: Load and compile the category policy.
	pol, err := buildPolicy(cfg.Policy)
	if err != nil {
		logger.Error("policy load failed", zap.Error(err))
		return 1
	}

	// Step 5: Build the catalog source.
	client := catalog.NewClient(cfg.Backend, logger.Named("backend"), metrics)
	source := catalog.NewCachedSource(client, cfg.CatalogCache.TTL, cfg.CatalogCache.MaxEntries, metrics)

	// Step 6: Initialize the emission sink.
	sink, sinkCheck, err := buildEmissionSink(ctx, cfg.Emission, logger)
	if err != nil {
		logger.Error("emission sink initialization failed", zap.Error(err))
		return 1
	}

	// Step 7: Initialize idempotency store (optional).
	idempotencyStore, idempotencyCheck, idempotencyCloser, err := buildIdempotencyStore(cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}

	// Step 8: Build the session manager.
	manager := session.NewManager(session.Options{
		Config:        cfg.Engine,
		Policy:        pol,
		Source:        source,
		Sink:          sink,
		Logger:        logger.Named("session"),
		Metrics:       metrics,
		EngineMetrics: metrics,
	})

	// Step 9: Build HTTP router.
	readiness := observability.ReadinessChecks{
		PolicyLoaded:     func() bool { return pol != nil },
		EmissionSink:     sinkCheck,
		IdempotencyStore: idempotencyCheck,
		Backend:          client,
	}
	router := transport.NewRouter(transport.Dependencies{
		Config:      cfg,
		Manager:     manager,
		Sink:        sink,
		Limiter:     session.NewLimiter(cfg.RateLimit),
		Idempotency: idempotencyStore,
		Readiness:   readiness,
		Metrics:     metrics,
		Gatherer:    reg,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 10: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	go manager.RunReaper(bgCtx, cfg.Engine.ReapInterval)

	// Step 11: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("emission_driver", cfg.Emission.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Cancel background tasks and unmount every live session.
	bgCancel()
	manager.Close()

	// Close stores.
	if err := sink.Close(); err != nil {
		logger.Error("emission sink close error", zap.Error(err))
	}
	if idempotencyCloser != nil {
		idempotencyCloser()
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildPolicy loads the policy table from cfg.Path, or the built-in table
// when no path is configured.
func buildPolicy(cfg config.PolicyConfig) (*policy.Policy, error) {
	var (
		table *policy.Table
		err   error
	)
	if cfg.Path == "" {
		table, err = policy.Default()
	} else {
		table, err = policy.LoadFile(cfg.Path)
	}
	if err != nil {
		return nil, err
	}
	return policy.New(table)
}

// buildEmissionSink creates the emission sink based on config. The returned
// checker is nil for sinks without a remote dependency.
func buildEmissionSink(ctx context.Context, cfg config.EmissionConfig, logger *zap.Logger) (emission.Sink, observability.HealthChecker, error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory emission sink")
		return emission.NewMemory(), nil, nil

	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("emission sink: %s environment variable not set", cfg.AddrEnv)
		}
		rdb := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("emission sink: redis ping: %w", err)
		}
		logger.Info("using redis emission sink", zap.String("addr", addr))
		check := observability.CheckFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		return emission.NewRedis(rdb, cfg.TTL), check, nil

	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("emission sink: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("emission sink: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("emission sink: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("emission sink: ping: %w", err)
		}

		sink := emission.NewPostgres(pool)
		if err := sink.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("emission sink: migrate: %w", err)
		}
		logger.Info("using postgres emission sink")
		return sink, observability.CheckFunc(sink.Ping), nil

	case "sqlite":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("emission sink: %s environment variable not set", cfg.DSNEnv)
		}
		sink, err := emission.OpenSQLite(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("emission sink: %w", err)
		}
		logger.Info("using sqlite emission sink", zap.String("dsn", dsn))
		return sink, observability.CheckFunc(sink.Ping), nil

	default:
		return nil, nil, fmt.Errorf("unsupported emission driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (session.IdempotencyStore, observability.HealthChecker, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil, nil
	}

	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return session.NewMemoryIdempotencyStore(), nil, nil, nil
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}
		rdb := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		store := session.NewRedisIdempotencyStore(rdb)
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return store, observability.CheckFunc(store.Ping), func() { rdb.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}
