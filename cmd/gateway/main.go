package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/llmgate/llmgate/config"
	"github.com/llmgate/llmgate/internal/pricing"
	"github.com/llmgate/llmgate/internal/proxy"
	"github.com/llmgate/llmgate/internal/quota"
	"github.com/llmgate/llmgate/internal/telemetry"
	"github.com/llmgate/llmgate/internal/tenant"
	"github.com/llmgate/llmgate/internal/upstream"
	"github.com/llmgate/llmgate/internal/usage"
	"github.com/llmgate/llmgate/internal/worker"
	"github.com/llmgate/llmgate/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("llmgate", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	ctx := context.Background()

	// 3. Connect Redis (optional: quota and rate limiting bypass without it)
	var quotaStore quota.Store
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to ping redis: %v", err)
		}
		log.Println("Redis connected")

		quotaStore = quota.NewRedisStore(rdb)
		if cfg.DefaultRateLimitTPM > 0 {
			limiter = ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
		}
	} else {
		log.Println("REDIS_ADDR not set, quota enforcement disabled")
	}

	// 4. Connect PostgreSQL (optional: local usage log persistence)
	var usageStore usage.Store
	if cfg.PostgresDSN != "" {
		pgPool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect postgres: %v", err)
		}
		defer pgPool.Close()

		if err := pgPool.Ping(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		log.Println("PostgreSQL connected")

		usageStore = usage.NewPostgresStore(pgPool)
	}

	// 5. Build the vendor registry
	registry, err := upstream.NewRegistry(cfg)
	if err != nil {
		log.Fatalf("failed to build upstream registry: %v", err)
	}

	// 6. Admission control and metering
	gate := quota.NewGate(quotaStore, cfg.DailyTokenLimit, cfg.BillingEnabled)
	emitter := usage.NewEmitter(cfg.BillingEndpoint, cfg.BillingToken, cfg.BillingEnabled)
	pool := worker.NewPool(4, 256)
	defer pool.Close()

	tracer := otel.GetTracerProvider().Tracer("llmgate")

	// 7. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(proxy.Recoverer)
	r.Use(tenant.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"llmgate"}`))
	})

	if usageStore != nil {
		usageHandler := proxy.NewUsageHandler(usageStore)
		r.Get("/v1/usage", usageHandler.HandleUsage)
	}

	// 8. Mount vendor proxies
	proxy.Mount(r, proxy.Deps{
		Registry: registry,
		Table:    pricing.DefaultTable(),
		Gate:     gate,
		Limiter:  limiter,
		Emitter:  emitter,
		Store:    usageStore,
		Pool:     pool,
		Tracer:   tracer,
	})

	// 9. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("LLM gateway starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
