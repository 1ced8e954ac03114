package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"kasirinaja/offline/internal/app"
	"kasirinaja/offline/internal/cache"
	"kasirinaja/offline/internal/config"
	"kasirinaja/offline/internal/httpapi"
	"kasirinaja/offline/internal/remote"
	"kasirinaja/offline/internal/session"
	"kasirinaja/offline/internal/store"
	"kasirinaja/offline/internal/store/memory"
	pgstore "kasirinaja/offline/internal/store/postgres"
	"kasirinaja/offline/internal/store/sqlite"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 2)

	ls, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("local store unavailable: %v", err)
	}
	closers = append(closers, ls.Close)

	sess := session.New(ls)
	var authority remote.Authority
	if cfg.APIBaseURL != "" {
		authority = remote.NewHTTP(cfg.APIBaseURL, sess, cfg.RequestTimeout())
		log.Printf("authority: %s", cfg.APIBaseURL)
	} else {
		authority = remote.NewMemory()
		log.Println("authority: in-memory (demo mode, nothing leaves this process)")
	}

	planCache := cache.PlanCache(cache.NoopPlanCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisPlanCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using noop cache", err)
		} else {
			planCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("cache: redis")
		}
	} else {
		log.Println("cache: noop")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	agent := app.New(app.Options{
		Config:     cfg,
		Store:      ls,
		Remote:     authority,
		Session:    sess,
		PlanCache:  planCache,
		Registerer: registry,
	})
	if err := agent.Start(ctx); err != nil {
		log.Fatalf("agent start: %v", err)
	}

	api := httpapi.New(agent, cfg.AllowedOrigin, registry)
	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Subscriptions are long-lived; the websocket loop sets its own deadlines.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("POS agent listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	agent.Close()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("agent stopped")
}

func openStore(ctx context.Context, cfg config.Config) (store.LocalStore, error) {
	switch cfg.LocalStore {
	case "memory":
		log.Println("local store: in-memory")
		return memory.New(), nil
	case "postgres":
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, namespace(cfg))
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		log.Println("local store: postgres")
		return pg, nil
	default:
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite %s: %w", cfg.SQLitePath, err)
		}
		log.Printf("local store: sqlite %s", cfg.SQLitePath)
		return s, nil
	}
}

func namespace(cfg config.Config) string {
	if cfg.SellerID != "" {
		return cfg.SellerID
	}
	return "default"
}

func validateConfig(cfg config.Config) error {
	switch cfg.LocalStore {
	case "sqlite":
		if cfg.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH must be set for the sqlite store")
		}
	case "postgres":
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL must be set for the postgres store")
		}
	case "memory":
	default:
		return fmt.Errorf("LOCAL_STORE must be sqlite, postgres or memory, got %q", cfg.LocalStore)
	}
	if cfg.AccessToken != "" && cfg.APIBaseURL == "" {
		return fmt.Errorf("API_BASE_URL must be set when ACCESS_TOKEN is")
	}
	return nil
}
