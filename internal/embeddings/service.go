// Package embeddings generates dense vectors for chunks and questions, with
// a process-local LRU tier and a shared Redis tier in front of the API.
package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/arbiterhq/arbiter/internal/db"
	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/internal/pricing"
	"github.com/arbiterhq/arbiter/internal/tracing"
)

// ErrEmbeddingUnavailable reports a transport failure talking to the
// embedding API. Ingestion persists null embeddings and proceeds.
var ErrEmbeddingUnavailable = errors.New("embedding service unavailable")

// Inputs longer than this are truncated before submission.
const maxInputChars = 30000

const redisTTL = 24 * time.Hour

// CostStore receives one row per paid embedding call.
type CostStore interface {
	InsertAPICost(ctx context.Context, c *db.APICost) error
}

// Config for the embedding service.
type Config struct {
	APIKey       string
	Model        string
	Dimensions   int
	LocalEntries int
	RequestsPerS float64
}

// Service generates embeddings, order- and length-preserving per batch.
type Service struct {
	api     openai.Client
	model   string
	dims    int
	rdb     *redis.Client
	costs   CostStore
	limiter *rate.Limiter
	logger  *zap.Logger

	mu      sync.Mutex
	local   map[string][]float32
	localN  int
	maxsize int
}

// New builds the embedding service. rdb and costs may be nil in tests.
func New(cfg Config, rdb *redis.Client, costs CostStore, logger *zap.Logger) *Service {
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 1536
	}
	if cfg.LocalEntries <= 0 {
		cfg.LocalEntries = 2048
	}
	if cfg.RequestsPerS <= 0 {
		cfg.RequestsPerS = 5
	}
	return &Service{
		api:     openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:   cfg.Model,
		dims:    cfg.Dimensions,
		rdb:     rdb,
		costs:   costs,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerS), 1),
		logger:  logger,
		local:   make(map[string][]float32),
		maxsize: cfg.LocalEntries,
	}
}

// Dimensions returns the configured vector width.
func (s *Service) Dimensions() int {
	return s.dims
}

// Embed returns the embedding of one text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts preserving order and length. Empty inputs map to
// the zero vector without an API call.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))

	var uncachedIdx []int
	var uncachedTexts []string
	for i, text := range texts {
		t := truncate(text)
		if strings.TrimSpace(t) == "" {
			results[i] = make([]float32, s.dims)
			continue
		}
		key := cacheKey(s.model, t)
		if vec := s.localGet(key); vec != nil {
			metrics.EmbeddingCacheHits.WithLabelValues("local").Inc()
			results[i] = vec
			continue
		}
		if vec := s.redisGet(ctx, key); vec != nil {
			metrics.EmbeddingCacheHits.WithLabelValues("redis").Inc()
			s.localSet(key, vec)
			results[i] = vec
			continue
		}
		uncachedIdx = append(uncachedIdx, i)
		uncachedTexts = append(uncachedTexts, t)
	}

	if len(uncachedTexts) == 0 {
		return results, nil
	}

	vecs, err := s.callAPI(ctx, uncachedTexts)
	if err != nil {
		return nil, err
	}
	for j, idx := range uncachedIdx {
		results[idx] = vecs[j]
		key := cacheKey(s.model, uncachedTexts[j])
		s.localSet(key, vecs[j])
		s.redisSet(ctx, key, vecs[j])
	}
	return results, nil
}

func (s *Service) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}

	ctx, span := tracing.StartSpan(ctx, "embeddings.batch",
		attribute.String("model", s.model),
		attribute.Int("batch_size", len(texts)),
	)
	start := time.Now()

	resp, err := s.api.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model:      openai.EmbeddingModel(s.model),
		Input:      openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Dimensions: openai.Int(int64(s.dims)),
	})
	elapsed := time.Since(start)
	if err != nil {
		metrics.RecordEmbeddingMetrics(s.model, "error", elapsed.Seconds())
		tracing.EndSpan(span, err)
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	tracing.EndSpan(span, nil)
	metrics.RecordEmbeddingMetrics(s.model, "ok", elapsed.Seconds())

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs",
			ErrEmbeddingUnavailable, len(resp.Data), len(texts))
	}

	s.recordCost(ctx, int(resp.Usage.PromptTokens))

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		out[d.Index] = vec
	}
	return out, nil
}

func (s *Service) recordCost(ctx context.Context, tokens int) {
	if s.costs == nil {
		return
	}
	err := s.costs.InsertAPICost(ctx, &db.APICost{
		RequestID:   uuid.NewString(),
		Endpoint:    "embedding",
		Model:       s.model,
		InputTokens: tokens,
		CostUSD:     pricing.CostForTokens(s.model, tokens),
	})
	if err != nil {
		s.logger.Warn("Failed to record embedding cost", zap.Error(err))
	}
}

func truncate(text string) string {
	if len(text) > maxInputChars {
		return text[:maxInputChars]
	}
	return text
}

func cacheKey(model, text string) string {
	h := sha256.Sum256([]byte(text))
	return "emb:" + model + ":" + hex.EncodeToString(h[:])
}

func (s *Service) localGet(key string) []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local[key]
}

func (s *Service) localSet(key string, vec []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.local) >= s.maxsize {
		// Cheap reset instead of LRU bookkeeping.
		s.local = make(map[string][]float32)
	}
	s.local[key] = vec
}

func (s *Service) redisGet(ctx context.Context, key string) []float32 {
	if s.rdb == nil {
		return nil
	}
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil
	}
	return vec
}

func (s *Service) redisSet(ctx context.Context, key string, vec []float32) {
	if s.rdb == nil {
		return
	}
	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, key, data, redisTTL).Err(); err != nil {
		s.logger.Debug("Embedding cache write failed", zap.Error(err))
	}
}
