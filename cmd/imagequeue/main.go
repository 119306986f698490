// Command imagequeue runs the image-generation job control plane's
// HTTP surface, grounded on control_plane/main.go's wiring order:
// storage, then domain services, then the WebSocket hub, then routes,
// then http.ListenAndServe under a signal-driven graceful shutdown.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/nick227/imagequeue/internal/auth"
	"github.com/nick227/imagequeue/internal/breaker"
	"github.com/nick227/imagequeue/internal/cache"
	"github.com/nick227/imagequeue/internal/config"
	"github.com/nick227/imagequeue/internal/credit"
	"github.com/nick227/imagequeue/internal/httpapi"
	"github.com/nick227/imagequeue/internal/providers"
	"github.com/nick227/imagequeue/internal/queue"
	"github.com/nick227/imagequeue/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	var st store.Store
	pg, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Printf("postgres unavailable (%v), falling back to in-memory store", err)
		st = store.NewMemoryStore()
	} else {
		st = pg
	}

	var balances credit.BalanceStore
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("redis unavailable (%v), using in-memory credit store", err)
		balances = credit.NewMemoryStore(nil)
	} else {
		redisBalances, err := cache.NewRedisBalanceStore(ctx, cfg.RedisAddr, cfg.RedisPassword, 0)
		if err != nil {
			log.Printf("redis balance store init failed (%v), using in-memory credit store", err)
			balances = credit.NewMemoryStore(nil)
		} else {
			balances = redisBalances
		}
	}
	guard := credit.NewGuard(balances)

	breakers := breaker.NewManager(cfg.BreakerDefaults)
	for service, svcCfg := range cfg.BreakerOverrides {
		breakers.ConfigureService(service, svcCfg)
	}

	registry := providers.NewRegistry(breakers,
		providers.NewHTTPAdapter("openai", "https://api.openai.com/v1/images/generations", os.Getenv("OPENAI_API_KEY")),
		providers.NewHTTPAdapter("dezgo", "https://api.dezgo.com/generate", os.Getenv("DEZGO_API_KEY")),
		providers.NewHTTPAdapter("google", "https://generativelanguage.googleapis.com/v1/images:generate", os.Getenv("GOOGLE_API_KEY")),
	)

	manager := queue.NewManager(queue.Config{Concurrency: cfg.Concurrency})
	manager.Start()

	if cfg.JWTSecret == "" {
		log.Println("WARNING: JWT_SECRET not set, using an insecure development-only default")
		cfg.JWTSecret = "insecure-development-only-secret-32bytes"
	}
	signer, err := auth.NewSigner([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.JWTAudience, 24*time.Hour)
	if err != nil {
		log.Fatalf("failed to initialize auth signer: %v", err)
	}

	api := httpapi.NewAPI(manager, breakers, guard, registry, st, signer)

	hubCtx, cancelHub := context.WithCancel(ctx)
	go api.RunMetricsHub(hubCtx)

	mux := http.NewServeMux()
	mux.Handle("/", api.Routes())
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	go func() {
		log.Printf("imagequeue listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("shutdown signal received, draining queue...")

	outcome := manager.GracefulShutdown(30 * time.Second)
	log.Printf("queue shutdown outcome: %s", outcome)

	cancelHub()
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown error: %v", err)
	}
}
