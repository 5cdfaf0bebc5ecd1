// Package main is the entrypoint for the segpipe API server.
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

	"github.com/medscanhq/segpipe/internal/api"
	mw "github.com/medscanhq/segpipe/internal/api/middleware"
	"github.com/medscanhq/segpipe/internal/blob"
	"github.com/medscanhq/segpipe/internal/config"
	"github.com/medscanhq/segpipe/internal/pipeline"
	"github.com/medscanhq/segpipe/internal/queue"
	"github.com/medscanhq/segpipe/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env)

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
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Connect to the task queue
	taskQueue, err := queue.NewRedisQueue(cfg.Redis.URL, cfg.Worker.LeaseTimeout)
	if err != nil {
		return fmt.Errorf("create task queue: %w", err)
	}
	defer taskQueue.Close()

	if err := taskQueue.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Connect to blob storage
	blobs, err := blob.NewMinioStore(ctx, cfg.Blob.Endpoint, cfg.Blob.AccessKey,
		cfg.Blob.SecretKey, cfg.Blob.Bucket, cfg.Blob.UseSSL)
	if err != nil {
		return fmt.Errorf("create blob store: %w", err)
	}
	slog.Info("blob storage connected", "bucket", cfg.Blob.Bucket)

	// 6. Build service and router
	pgStore := store.NewPostgresStore(pool)
	svc := pipeline.NewService(pgStore, taskQueue, blobs, cfg.Worker.PresignTTL, slog.Default())

	deps := api.Dependencies{
		Service:   svc,
		RateLimit: mw.NewRateLimit(taskQueue, cfg.Server.RequestsPerMin),
	}
	router := api.NewRouter(deps)

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
