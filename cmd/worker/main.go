package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"faceattend/internal/config"
	"faceattend/internal/logging"
	"faceattend/internal/presence"
	"faceattend/internal/queue"
	"faceattend/internal/store"
)

// Worker consumes attendance sightings from Redis and keeps the presence board current.
func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.QueueBackend != "redis" {
		logger.Fatal("worker needs QUEUE_BACKEND=redis; the memory queue is drained inside the api process",
			zap.String("queue_backend", cfg.QueueBackend))
	}
	rdb := store.NewRedis(cfg.RedisAddr)
	if rdb == nil {
		logger.Fatal("REDIS_ADDR is required")
	}
	defer rdb.Close()

	if !rdb.Healthy(ctx) {
		logger.Warn("redis not reachable yet, consumer will keep retrying")
	}

	q := queue.NewRedisQueue(rdb.Client, queue.DefaultKey, logger)
	tracker := presence.NewRedis(rdb.Client)

	logger.Info("worker started, waiting for sightings", zap.String("queue", queue.DefaultKey))
	if err := presence.Consume(ctx, q, tracker, logger); err != nil {
		logger.Fatal("worker failed", zap.Error(err))
	}
	logger.Info("worker stopped")
}
