package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/accountant/internal/accountant"
	"github.com/atmx/accountant/internal/config"
	"github.com/atmx/accountant/internal/lock"
	"github.com/atmx/accountant/internal/market"
	"github.com/atmx/accountant/internal/metrics"
	"github.com/atmx/accountant/internal/scheduler"
	"github.com/atmx/accountant/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration", "err", err)
		os.Exit(1)
	}

	level, _ := config.ParseLevel(cfg.Log.Level)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store and locks ---
	var st store.Store
	var locker lock.Locker = lock.NewKeyedMutex()
	var cleanup []func()

	if dbURL := cfg.Storage.DatabaseURL; dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured. Redis also
		// makes the account locks hold across instances.
		if redisURL := cfg.Storage.RedisURL; redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Storage.CacheTTL)
			locker = lock.NewRedisLocker(rdb, cfg.Schedule.LockTTL)
			slog.Info("Redis cache and distributed locks enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- WebSocket hub ---
	hub := accountant.NewHub(logger)
	go hub.Run()
	defer hub.Close()

	// --- Accountant service ---
	resolver := market.NewResolver(st, cfg.Market.PriceMaxAge)
	svc := accountant.NewService(st, locker, resolver, hub, logger)

	rebalanceJob := func(ctx context.Context, id string) error {
		_, err := svc.Rebalance(ctx, id)
		return err
	}
	inventoryJob := func(ctx context.Context, id string) error {
		_, err := svc.UpdateInventories(ctx, id)
		return err
	}
	schedulers := []*scheduler.Scheduler{
		scheduler.New(accountant.OpRebalance, cfg.Schedule.RebalanceInterval, cfg.Schedule.Workers, st, rebalanceJob, logger),
		scheduler.New(accountant.OpInventory, cfg.Schedule.InventoryInterval, cfg.Schedule.Workers, st, inventoryJob, logger),
	}

	var wg sync.WaitGroup
	for _, s := range schedulers {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("scheduler stopped", "err", err)
			}
		}()
	}

	// --- HTTP router (operations only) ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"accountant"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Proposed orders, transfers and ledger entries.
		r.Get("/ws", hub.HandleWS)
		svc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("accountant listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down accountant...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	wg.Wait()
	slog.Info("accountant stopped")
}
