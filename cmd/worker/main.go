// Package main is the entrypoint for the segpipe inference worker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/medscanhq/segpipe/internal/blob"
	"github.com/medscanhq/segpipe/internal/config"
	"github.com/medscanhq/segpipe/internal/engine"
	"github.com/medscanhq/segpipe/internal/queue"
	"github.com/medscanhq/segpipe/internal/store"
	"github.com/medscanhq/segpipe/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "providers", cfg.Worker.Providers, "slots", cfg.Worker.Slots)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	taskQueue, err := queue.NewRedisQueue(cfg.Redis.URL, cfg.Worker.LeaseTimeout)
	if err != nil {
		return fmt.Errorf("create task queue: %w", err)
	}
	defer taskQueue.Close()

	if err := taskQueue.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	blobs, err := blob.NewMinioStore(ctx, cfg.Blob.Endpoint, cfg.Blob.AccessKey,
		cfg.Blob.SecretKey, cfg.Blob.Bucket, cfg.Blob.UseSSL)
	if err != nil {
		return fmt.Errorf("create blob store: %w", err)
	}
	slog.Info("blob storage connected", "bucket", cfg.Blob.Bucket)

	providers, err := engine.ParseProviders(cfg.Worker.Providers)
	if err != nil {
		return fmt.Errorf("parse providers: %w", err)
	}
	runtime := engine.NewOnnxRuntime(cfg.Worker.ModelsPath, cfg.Worker.OnnxLibraryPath)
	eng := engine.New(runtime, providers, cfg.Worker.ModelCacheSize, slog.Default())
	defer eng.Close()

	pgStore := store.NewPostgresStore(pool)
	runner := worker.NewRunner(pgStore, taskQueue, blobs, eng,
		cfg.Worker.FinalizeAttempts, slog.Default())
	workerPool := worker.NewPool(runner, taskQueue, pgStore, cfg.Worker.Slots,
		cfg.Worker.ReapInterval, cfg.Worker.StallTimeout, slog.Default())

	slog.Info("worker started")
	workerPool.Run(ctx)
	slog.Info("worker stopped gracefully")
	return nil
}
