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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/internal/answer"
	"github.com/arbiterhq/arbiter/internal/budget"
	"github.com/arbiterhq/arbiter/internal/cache"
	"github.com/arbiterhq/arbiter/internal/config"
	"github.com/arbiterhq/arbiter/internal/conflict"
	"github.com/arbiterhq/arbiter/internal/db"
	"github.com/arbiterhq/arbiter/internal/embeddings"
	"github.com/arbiterhq/arbiter/internal/httpapi"
	"github.com/arbiterhq/arbiter/internal/jobs"
	"github.com/arbiterhq/arbiter/internal/llm"
	_ "github.com/arbiterhq/arbiter/internal/metrics" // register collectors
	"github.com/arbiterhq/arbiter/internal/pricing"
	"github.com/arbiterhq/arbiter/internal/ratelimit"
	"github.com/arbiterhq/arbiter/internal/retrieval"
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

	engine := retrieval.New(store, embedder, cache.NewEmbeddingMemo(0), logger)
	answerer := answer.NewService(answer.NewGenerator(llmClient), store, cfg.ChatModel, logger)

	server := httpapi.New(httpapi.Config{
		Store:          store,
		Engine:         engine,
		Conflicts:      conflict.New(llmClient, logger),
		Answerer:       answerer,
		Limiter:        ratelimit.New(rdb, logger),
		Gate:           budget.New(store, cfg.DailyBudgetUSD, logger),
		Answers:        cache.NewAnswerCache(rdb, cfg.AnswerCacheTTL, logger),
		Queue:          queue,
		Bus:            bus,
		FrontendOrigin: cfg.FrontendOrigin,
		Logger:         logger,
	})

	go func() {
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("Metrics server listening", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 6 * time.Minute, // SSE streams stay open up to five minutes
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("API server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("Shutdown incomplete", zap.Error(err))
	}
}
