package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clinicflow/queue-service/internal/config"
	"clinicflow/queue-service/internal/httpapi"
	"clinicflow/queue-service/internal/store/postgres"
	"clinicflow/queue-service/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()

	shutdownTelemetry := telemetry.Setup("queue-service")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			log.Printf("telemetry shutdown error: %v", err)
		}
	}()

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	entryStore := postgres.NewStore(pool, postgres.Options{
		ConflictRetries:       cfg.ConflictRetries,
		EstimatedVisitMinutes: cfg.EstimatedVisitMinutes,
	})
	handler := httpapi.NewHandler(entryStore)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:     cfg.RateLimitPerMinute,
		IPBurst:         cfg.RateLimitBurst,
		TenantPerMinute: cfg.TenantRateLimitPerMinute,
		TenantBurst:     cfg.TenantRateLimitBurst,
	})

	chain := httpapi.AuthMiddleware(entryStore, handler.Routes())
	chain = limiter.Middleware(chain)
	chain = httpapi.LoggingMiddleware(chain)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(chain, "queue-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("queue-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	go func() {
		if cfg.CallGrace <= 0 || cfg.SkipScanInterval <= 0 {
			return
		}
		ticker := time.NewTicker(cfg.SkipScanInterval)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			count, err := entryStore.AutoSkip(ctx, cfg.CallGrace, cfg.SkipBatchSize)
			cancel()
			if err != nil {
				log.Printf("auto skip error: %v", err)
				continue
			}
			if count > 0 {
				log.Printf("auto skip marked %d entries", count)
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
