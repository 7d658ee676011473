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

	"github.com/predictr/ledger-engine/internal/api"
	"github.com/predictr/ledger-engine/internal/config"
	"github.com/predictr/ledger-engine/internal/dedup"
	"github.com/predictr/ledger-engine/internal/deposit"
	"github.com/predictr/ledger-engine/internal/matching"
	"github.com/predictr/ledger-engine/internal/metrics"
	"github.com/predictr/ledger-engine/internal/order"
	"github.com/predictr/ledger-engine/internal/queue"
	"github.com/predictr/ledger-engine/internal/reservation"
	"github.com/predictr/ledger-engine/internal/settlement"
	"github.com/predictr/ledger-engine/internal/solana"
	"github.com/predictr/ledger-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Redis: cache, dedup store, work queues ---
	var pub queue.Publisher = queue.NewMemoryPublisher()
	var dd dedup.Store = dedup.NewMemoryStore()
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })

		st = store.NewCachedStore(st, rdb, 30*time.Second)
		pub = queue.NewRedisPublisher(rdb)
		dd = dedup.NewRedisStore(rdb)
		slog.Info("Redis enabled", "roles", "cache,dedup,queues")
	} else {
		slog.Warn("REDIS_URL not set, using in-process queues and dedup (development only)")
	}

	// --- Services ---
	reservations := reservation.NewManager(st, pub, logger)
	settlements := settlement.NewProcessor(st, pub, logger)
	engine := matching.NewClient(cfg.MatchingEngineURL, nil)
	orders := order.NewService(st, reservations, settlements, engine, logger)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Deposit indexing ---
	if cfg.DepositsEnabled() {
		rpc := solana.NewHTTPClient(cfg.SolanaRPCURL)
		processor := deposit.NewProcessor(rpc, st, dd, pub, cfg.CustodyTokenAccount, cfg.USDCMint, logger)
		indexer := deposit.NewIndexer(processor, rpc, cfg.CustodyWallet, cfg.BackfillInterval, logger)

		watcher, err := solana.NewWatcher(rootCtx, cfg.SolanaWSURL, cfg.CustodyWallet, nil, logger)
		if err != nil {
			slog.Error("solana websocket connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { watcher.Close() })

		go indexer.Run(rootCtx, watcher.Signatures())
		slog.Info("deposit indexer started", "wallet", cfg.CustodyWallet)
	} else {
		slog.Warn("Solana endpoints not configured, deposit indexing disabled")
	}

	// --- HTTP router ---
	handlers := api.NewHandlers(st, orders, reservations, cfg.CustodyWallet)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"ledger-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", handlers.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("ledger-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-rootCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down ledger-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("ledger-engine stopped")
}
