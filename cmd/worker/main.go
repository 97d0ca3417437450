package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"rollcall/internal/app"
	"rollcall/internal/config"
	"rollcall/internal/logging"
	"rollcall/internal/workers"
)

// Worker consumes recount jobs and keeps each session's stored present count
// current.
func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.QueueBackend == config.BackendMemory || cfg.StoreBackend == config.BackendMemory {
		logger.Fatal("worker needs shared backends",
			zap.String("queue", cfg.QueueBackend),
			zap.String("store", cfg.StoreBackend))
	}

	deps, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer deps.Close()

	if err := workers.NewRecount(deps.Jobs, deps.Backend, logger).Run(ctx); err != nil {
		logger.Error("worker stopped with error", zap.Error(err))
	}
}
