package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/leadscope/backend/internal/cache"
	"github.com/leadscope/backend/internal/circuitbreaker"
	"github.com/leadscope/backend/internal/config"
	"github.com/leadscope/backend/internal/database"
	"github.com/leadscope/backend/internal/handlers"
	"github.com/leadscope/backend/internal/ledger"
	"github.com/leadscope/backend/internal/middleware"
	"github.com/leadscope/backend/internal/pipeline"
	"github.com/leadscope/backend/internal/providers"
	"github.com/leadscope/backend/internal/tasks"
	"github.com/leadscope/backend/internal/verify"
	"github.com/leadscope/backend/internal/websocket"
)

func main() {
	logger := log.New(os.Stdout, "[Server] ", log.LstdFlags)

	// .env is optional; production deployments inject real env vars.
	if err := godotenv.Load(); err == nil {
		logger.Println("loaded environment from .env")
	}

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	store := buildStore(cfg, logger)
	cacheStore := buildCache(cfg, logger)
	led := ledger.New(buildLedgerStore(cfg, logger))

	breakers := circuitbreaker.NewProviderBreakers()
	provider := providers.NewClient(cfg.Providers, store, breakers)
	verifier := verify.NewVerifier(cfg.Providers, cfg.Verify, store, breakers)

	driver := pipeline.NewDriver(cfg, store, cacheStore, led, provider, verifier)
	svc := tasks.NewService(cfg, store, cacheStore, led, driver)

	streamer := websocket.NewProgressStreamer(store)
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		MaxPerMinute: cfg.Credits.SubmitsPerMinute,
	})

	router := handlers.NewRouter(svc, streamer, limiter)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go streamer.Run(ctx)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Printf("listening on :%s (env=%s)", cfg.Server.Port, cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
	logger.Println("stopped")
}

// buildStore prefers Supabase; without credentials it falls back to the
// in-memory store so the server still runs in local development.
func buildStore(cfg *config.Config, logger *log.Logger) database.Store {
	if cfg.Database.SupabaseURL != "" && cfg.Database.SupabaseKey != "" {
		store, err := database.NewSupabaseStore(cfg.Database.SupabaseURL, cfg.Database.SupabaseKey)
		if err != nil {
			logger.Fatalf("supabase store: %v", err)
		}
		logger.Println("task store: supabase")
		return store
	}
	logger.Println("task store: in-memory (SUPABASE_URL not set)")
	return database.NewMemoryStore()
}

func buildCache(cfg *config.Config, logger *log.Logger) cache.Store {
	if cfg.Redis.Addr != "" {
		store, err := cache.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err == nil {
			logger.Printf("cache: redis at %s", cfg.Redis.Addr)
			return store
		}
		logger.Printf("cache: redis unavailable (%v), using in-memory", err)
	}
	return cache.NewMemoryStore()
}

func buildLedgerStore(cfg *config.Config, logger *log.Logger) ledger.Store {
	if cfg.Database.PostgresURL != "" {
		db, err := sql.Open("postgres", cfg.Database.PostgresURL)
		if err != nil {
			logger.Fatalf("open postgres: %v", err)
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			logger.Fatalf("ping postgres: %v", err)
		}
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		logger.Println("ledger: postgres")
		return ledger.NewPostgresStore(db)
	}
	logger.Println("ledger: in-memory (DATABASE_URL not set)")
	return ledger.NewMemoryStore()
}
