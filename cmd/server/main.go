// Package main is the entrypoint for the upscaler API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/upscaler/internal/admission"
	"github.com/kiranshivaraju/upscaler/internal/api"
	"github.com/kiranshivaraju/upscaler/internal/api/handler"
	mw "github.com/kiranshivaraju/upscaler/internal/api/middleware"
	"github.com/kiranshivaraju/upscaler/internal/cache"
	"github.com/kiranshivaraju/upscaler/internal/capacity"
	"github.com/kiranshivaraju/upscaler/internal/compute"
	"github.com/kiranshivaraju/upscaler/internal/config"
	"github.com/kiranshivaraju/upscaler/internal/dispatch"
	"github.com/kiranshivaraju/upscaler/internal/lifecycle"
	"github.com/kiranshivaraju/upscaler/internal/ratelimit"
	"github.com/kiranshivaraju/upscaler/internal/store"
	"github.com/kiranshivaraju/upscaler/internal/supervisor"
	"github.com/kiranshivaraju/upscaler/internal/webhook"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast on anything invalid
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"accounts", len(cfg.Vendor.Accounts),
		"rate_limit_backend", cfg.RateLimit.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Assemble the job pipeline
	pgStore := store.NewPostgresStore(pool)
	jobs := lifecycle.NewManager(pgStore, redisCache)
	registry := capacity.NewRegistry(pgStore, cfg.Vendor.Accounts)
	dispatcher := dispatch.New(
		compute.NewHTTPClient(cfg.Vendor.BaseURL, cfg.Vendor.Timeout),
		cfg.Vendor.WebhookBaseURL,
		cfg.Vendor.WebhookToken,
	)
	limiter := ratelimit.New(cfg.RateLimit, redisCache)

	// The supervisor fires into the controller, which schedules on the
	// supervisor; the closure breaks the construction cycle.
	var ctrl *admission.Controller
	sup := supervisor.New(cfg.Queue, func(ctx context.Context, jobID uuid.UUID) {
		if err := ctrl.Expire(ctx, jobID); err != nil {
			slog.Error("expire job failed", "job_id", jobID, "error", err)
		}
	})
	ctrl = admission.NewController(limiter, jobs, registry, dispatcher, sup, redisCache)
	receiver := webhook.NewReceiver(jobs, sup, ctrl)

	// 6. Start the reconciler; its first sweep recovers state left by a
	// previous process.
	reconciler := supervisor.NewReconciler(jobs, ctrl, sup, cfg.Queue)
	reconciler.Start(ctx)
	slog.Info("reconciler started", "interval", cfg.Queue.ReconcileInterval)

	// 7. Build router with dependencies
	deps := api.Dependencies{
		Auth:         mw.NewAuth(cfg.Auth.ServiceKeyHashes),
		WebhookToken: cfg.Vendor.WebhookToken,

		HealthHandler:  handler.NewHealthHandler(pgStore, redisCache),
		RunHandler:     handler.NewRunHandler(ctrl),
		QueueStatus:    handler.NewQueueStatusHandler(ctrl),
		GetJob:         handler.NewGetJobHandler(ctrl),
		JobStatus:      handler.NewJobStatusHandler(ctrl),
		CancelJob:      handler.NewCancelJobHandler(ctrl),
		WebhookHandler: handler.NewWebhookHandler(receiver),
		BalanceHandler: handler.NewBalanceHandler(pgStore),
		LedgerHandler:  handler.NewLedgerHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	var serveErr error
	select {
	case err := <-errCh:
		serveErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("server shutdown: %w", err)
	}

	// Stop background work after the listener so no new jobs arrive
	// mid-drain. Running jobs keep their rows and are re-armed on restart.
	reconciler.Stop()
	sup.Shutdown()
	ctrl.Wait()

	if serveErr != nil {
		return serveErr
	}
	slog.Info("server stopped gracefully")
	return nil
}
