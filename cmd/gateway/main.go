// Package main is the entry point for the scoring gateway server.
//
// This server exposes the HTTP surface (§6.1) that client SDKs and the
// scoring backends sit behind: identity, authentication, metered billing,
// and rate-limit enforcement in front of the scoring routes.
//
// The server initializes:
// 1. Configuration from the environment
// 2. PostgreSQL (source of truth) and an optional Redis cache
// 3. Identity, rate-limit, and billing services
// 4. The HTTP middleware chain (CORS, recovery, logging, auth, rate limit, billing)
// 5. Scoring route adapters per configured backend
//
// Lifecycle mirrors the teacher's cmd/api/main.go: load config, wire
// dependencies, serve, wait for a shutdown signal, drain gracefully.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/kelpejol/scoring-gateway/internal/billing"
	"github.com/kelpejol/scoring-gateway/internal/config"
	"github.com/kelpejol/scoring-gateway/internal/httpapi"
	"github.com/kelpejol/scoring-gateway/internal/identity"
	"github.com/kelpejol/scoring-gateway/internal/metrics"
	"github.com/kelpejol/scoring-gateway/internal/middleware"
	"github.com/kelpejol/scoring-gateway/internal/ratelimit"
	"github.com/kelpejol/scoring-gateway/internal/scoring"
	"github.com/kelpejol/scoring-gateway/internal/store"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stdout).Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	logger.Info().
		Str("environment", cfg.Environment).
		Str("http_port", cfg.HTTPPort).
		Msg("starting scoring gateway")

	db, err := store.Open(cfg.StoreDSN, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgresql")
	}
	defer db.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.Migrate(migrateCtx); err != nil {
		logger.Fatal().Err(err).Msg("failed to run schema migrations")
	}
	migrateCancel()
	logger.Info().Msg("schema migrations applied")

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPasswd,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			PoolSize:     50,
			MinIdleConns: 10,
		})

		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable, rate-limit cache degrades to direct store reads")
			redisClient = nil
		}
		pingCancel()
	}

	idSvc := identity.New(db, cfg.ServerPepper, store.RateLimitDefaults(cfg.DefaultLimits), logger)
	rlSvc := ratelimit.New(db, redisClient, logger)
	billingSvc := billing.New(db, cfg.Cost, logger)

	if redisClient != nil {
		go runCacheReconciler(context.Background(), rlSvc, logger)
	}

	mux := http.NewServeMux()

	accountHandler := httpapi.NewHandler(idSvc, billingSvc, rlSvc, logger)
	accountHandler.RegisterRoutes(mux)

	scoringHandler := buildScoringHandler(cfg, logger)
	scoringHandler.RegisterRoutes(mux)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			logger.Warn().Err(err).Msg("readiness check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	mux.Handle("/metrics", metrics.Handler())

	billedPrefixes := []string{"/api/"}
	excludedFromAuth := []string{"/auth/register", "/auth/login", "/auth/generate-key", "/health", "/ready", "/metrics"}
	requireAuth := []string{"/auth/my-keys", "/auth/revoke-key/", "/billing/", "/api/"}
	authn := middleware.NewAuthenticator(idSvc, excludedFromAuth, requireAuth)
	limiter := middleware.NewRateLimiter(rlSvc, billedPrefixes)
	biller := middleware.NewBiller(billingSvc, rlSvc, billedPrefixes)

	handler := middleware.Chain(mux,
		middleware.CORS(cfg.CORSOrigins),
		middleware.Recovery(logger),
		middleware.Logging(logger),
		authn.Middleware(),
		limiter.Middleware(),
		biller.Middleware(),
	)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ScoringTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("shutdown complete")
}

// buildScoringHandler wires one HTTPScorer per configured scoring backend
// (§4.9): a route is registered for each cost-table entry that has a
// backend URL (entries without one are skipped), and batch-ness mirrors
// the cost table's Batch flag.
func buildScoringHandler(cfg *config.Config, logger zerolog.Logger) *scoring.Handler {
	var routes []scoring.Route
	for path, entry := range cfg.Cost.Entries {
		backendURL, ok := cfg.ScoringBackends[path]
		if !ok {
			continue
		}
		routes = append(routes, scoring.Route{
			Path:    path,
			Scorer:  scoring.NewHTTPScorer(backendURL, cfg.ScoringTimeout),
			IsBatch: entry.Batch,
		})
	}
	return scoring.NewHandler(logger, routes...)
}

// runCacheReconciler periodically corrects rate-limit cache drift against
// the canonical Postgres counts. Replaces the teacher's startup/periodic
// Redis-from-Postgres sync step, adapted to this domain's cache shape
// (internal/ratelimit.Service.Reconcile) since this gateway has no fixed
// "every customer" population to preload the way balances did.
func runCacheReconciler(ctx context.Context, rlSvc *ratelimit.Service, logger zerolog.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checked, corrected, err := rlSvc.Reconcile(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("rate limit cache reconciliation failed")
				continue
			}
			if corrected > 0 {
				logger.Info().Int("checked", checked).Int("corrected", corrected).Msg("rate limit cache drift corrected")
			}
		}
	}
}

// setupLogger mirrors the teacher's setupLogger: pretty console output in
// development, structured JSON in production.
func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	}

	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", "scoring-gateway").
		Str("environment", environment).
		Logger()
}
