package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/servision-wang/data-processing/internal/config"
	"github.com/servision-wang/data-processing/internal/ledger"
	"github.com/servision-wang/data-processing/internal/logger"
	"github.com/servision-wang/data-processing/internal/metrics"
	"github.com/servision-wang/data-processing/internal/scoring"
	"github.com/servision-wang/data-processing/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger.Setup(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("store init failed", "store", cfg.Store, "err", err)
		os.Exit(1)
	}
	defer cleanup()

	// --- WebSocket hub ---
	hub := scoring.NewHub()
	go hub.Run(ctx)

	// --- Scoring service ---
	svc := scoring.NewService(st, ledger.New(cfg.HistoryLimit), hub, cfg.UserHeader)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+cfg.UserHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"scoring"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Mount("/api/v1", svc.Routes())

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("scoring server listening", "port", cfg.Port, "store", cfg.Store)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down scoring server...")
	stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("scoring server stopped")
}

// openStore builds the configured primary store, wrapped in a Redis
// read-through cache when REDIS_URL is set. The returned cleanup releases
// its connections.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	lock := store.LockOptions{
		Timeout:       cfg.LockTimeout,
		RetryInterval: cfg.LockRetryInterval,
	}

	var (
		st      store.Store
		cleanup []func()
	)
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	switch cfg.Store {
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool, lock)
		if err := pg.EnsureSchema(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case config.StoreFile:
		fs, err := store.NewFileStore(cfg.DataDir, lock)
		if err != nil {
			return nil, nil, err
		}
		st = fs
		slog.Info("using file store", "dir", cfg.DataDir)

	default:
		slog.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore(lock)
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	}

	return st, closeAll, nil
}
