// Package main is the entry point for the askd query server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/askgrid/askd/internal/aggregator"
	"github.com/askgrid/askd/internal/config"
	"github.com/askgrid/askd/internal/directory"
	"github.com/askgrid/askd/internal/observability"
	"github.com/askgrid/askd/internal/transport"
	"github.com/askgrid/askd/internal/workflow"
	"github.com/askgrid/askd/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

// persistTimeout bounds hook-driven writes to the query store. Hooks run on
// the stream consumption goroutine, outside any request context.
const persistTimeout = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

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

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "askd", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Query result store.
	store, storeCloser, err := buildQueryStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("query store initialization failed", zap.Error(err))
		return 1
	}

	// Directory search with a result cache in front.
	dirClient := directory.NewClient(
		cfg.Directory.BaseURL,
		os.Getenv(cfg.Directory.TokenEnv),
		cfg.Directory.Timeout,
	)
	searchCache, cacheCloser, err := buildSearchCache(ctx, cfg.Directory.Cache, logger)
	if err != nil {
		logger.Error("search cache initialization failed", zap.Error(err))
		return 1
	}
	searcher := directory.NewCachedSearcher(dirClient, searchCache, cfg.Directory.Cache.TTL).
		WithStats(metrics)

	// Aggregation stream behind a circuit breaker.
	aggClient := aggregator.NewClient(
		cfg.Aggregator.BaseURL,
		os.Getenv(cfg.Aggregator.TokenEnv),
		cfg.Aggregator.ConnectTimeout,
		logger,
	)
	breaker := aggregator.NewCircuitBreaker(
		cfg.Aggregator.CircuitBreaker.FailureThreshold,
		cfg.Aggregator.CircuitBreaker.SuccessThreshold,
		cfg.Aggregator.CircuitBreaker.Cooldown,
	)
	streamer := aggregator.NewBreakerStreamer(aggClient, breaker).WithStats(metrics)

	// Session manager with persistence hooks.
	sessions := transport.NewManager(
		searcher,
		streamer,
		queryHooks(store, metrics, logger),
		workflow.Options{
			MinQueryLength:     cfg.Query.MinQueryLength,
			RelevanceThreshold: cfg.Query.RelevanceThreshold,
			TopK:               cfg.Query.TopK,
		},
		cfg.Query.SessionIdleTimeout,
		logger,
		metrics,
	)
	sessions.Start()
	defer sessions.Close()

	// Authentication.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
	auth := transport.NewJWTAuthenticator(cfg.Identity, jwks, logger)

	readiness := observability.ReadinessChecks{
		Directory: dirClient,
		AggregatorOpen: func() bool {
			return breaker.State() == aggregator.BreakerOpen
		},
	}
	if hc, ok := store.(observability.HealthChecker); ok {
		readiness.QueryStore = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Authenticate: auth.Middleware,
		Sessions:     sessions,
		Store:        store,
		Searcher:     searcher,
		Readiness:    readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.String("search_cache", cfg.Directory.Cache.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

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

	sessions.Close()

	if storeCloser != nil {
		storeCloser()
	}
	if cacheCloser != nil {
		cacheCloser()
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// queryHooks builds the per-session driver hooks that persist completed
// runs and audit events.
func queryHooks(store workflow.QueryStore, metrics *observability.Metrics, logger *zap.Logger) transport.HookFactory {
	return func(s *transport.Session) workflow.Hooks {
		return workflow.Hooks{
			OnComplete: func(result model.QueryResult) {
				metrics.RecordQueryCompletion("complete", time.Since(s.SubmittedAt()))

				ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
				defer cancel()

				record := model.QueryRecord{
					ID:          uuid.NewString(),
					TenantID:    s.TenantID,
					SubjectID:   s.SubjectID,
					Query:       result.Query,
					Content:     result.Content,
					SourcePaths: result.SourcePaths,
					Sources:     result.Sources,
					CreatedAt:   time.Now(),
				}
				if err := store.Create(ctx, record); err != nil {
					logger.Error("query record persistence failed",
						zap.String("session_id", s.ID), zap.Error(err))
				} else {
					metrics.RecordQueryRecordStored()
				}

				event := model.QueryEvent{
					ID:        uuid.NewString(),
					SessionID: s.ID,
					TenantID:  s.TenantID,
					SubjectID: s.SubjectID,
					Phase:     model.PhaseComplete,
					Timestamp: time.Now(),
				}
				if err := store.AppendEvent(ctx, event); err != nil {
					logger.Error("query event persistence failed",
						zap.String("session_id", s.ID), zap.Error(err))
				}
			},
			OnError: func(message string) {
				metrics.RecordQueryCompletion("error", time.Since(s.SubmittedAt()))

				ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
				defer cancel()

				event := model.QueryEvent{
					ID:        uuid.NewString(),
					SessionID: s.ID,
					TenantID:  s.TenantID,
					SubjectID: s.SubjectID,
					Phase:     model.PhaseError,
					Detail:    message,
					Timestamp: time.Now(),
				}
				if err := store.AppendEvent(ctx, event); err != nil {
					logger.Error("query event persistence failed",
						zap.String("session_id", s.ID), zap.Error(err))
				}
			},
		}
	}
}

// buildQueryStore creates the query store based on config.
func buildQueryStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (workflow.QueryStore, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory query store")
		return workflow.NewMemoryQueryStore(), nil, nil
	case "postgres", "":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("query store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("query store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("query store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("query store: ping: %w", err)
		}

		return workflow.NewPgQueryStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported query store driver: %q", cfg.Driver)
	}
}

// buildSearchCache creates the directory search result cache based on config.
func buildSearchCache(ctx context.Context, cfg config.SearchCacheConfig, logger *zap.Logger) (directory.ResultCache, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory search cache")
		return directory.NewMemoryResultCache(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("search cache: %s environment variable not set", cfg.AddrEnv)
		}

		client := redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   cfg.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("search cache: ping: %w", err)
		}

		return directory.NewRedisResultCache(client), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported search cache driver: %q", cfg.Driver)
	}
}
