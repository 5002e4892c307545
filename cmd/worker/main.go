package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/internal/config"
	"github.com/arbiterhq/arbiter/internal/cron"
	"github.com/arbiterhq/arbiter/internal/db"
	"github.com/arbiterhq/arbiter/internal/embeddings"
	"github.com/arbiterhq/arbiter/internal/ingest"
	"github.com/arbiterhq/arbiter/internal/jobs"
	"github.com/arbiterhq/arbiter/internal/llm"
	_ "github.com/arbiterhq/arbiter/internal/metrics" // register collectors
	"github.com/arbiterhq/arbiter/internal/ocr"
	"github.com/arbiterhq/arbiter/internal/override"
	"github.com/arbiterhq/arbiter/internal/pricing"
	"github.com/arbiterhq/arbiter/internal/ratelimit"
)

const (
	cleanupInterval = 6 * time.Hour
	healthInterval  = 24 * time.Hour
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	store, err := db.New(cfg.DatabaseURL, db.PoolConfig{}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer store.Close()

	redisOpts, err := redis.ParseURL(cfg.CacheURL)
	if err != nil {
		logger.Fatal("Failed to parse cache URL", zap.Error(err))
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	stopPricing := pricing.Watch(logger)
	defer stopPricing()

	llmClient := llm.New(cfg.LLMAPIKey, cfg.ChatModel, store, logger)
	embedder := embeddings.New(embeddings.Config{
		APIKey:     cfg.LLMAPIKey,
		Model:      cfg.EmbeddingModel,
		Dimensions: cfg.EmbeddingDims,
	}, rdb, store, logger)

	bus := jobs.NewStatusBus(rdb, time.Hour)
	queue := jobs.NewQueue(rdb, "ingest", bus, logger)
	limiter := ratelimit.New(rdb, logger)

	ocrClient := ocr.New(cfg.OCREndpoint, cfg.OCRCredentials, logger)
	pipeline := ingest.New(store, embedder, ocrClient, queue, limiter, cfg.ChunkTTL, logger)
	overrides := override.New(store, llmClient, logger)

	worker := jobs.NewWorker(queue, bus, logger)
	pipeline.Register(worker, overrides)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	maintenance := cron.New(store, logger)
	go runMaintenance(ctx, maintenance, logger)

	go worker.Run(ctx)
	logger.Info("Ingestion worker running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutting down")
	cancel()
	time.Sleep(time.Second)
}

func runMaintenance(ctx context.Context, r *cron.Runner, logger *zap.Logger) {
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()
	health := time.NewTicker(healthInterval)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanup.C:
			if err := r.Cleanup(ctx); err != nil {
				logger.Error("Cleanup run failed", zap.Error(err))
			}
		case <-health.C:
			if _, err := r.CheckSourceHealth(ctx); err != nil {
				logger.Error("Health sweep failed", zap.Error(err))
			}
		}
	}
}
