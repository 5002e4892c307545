// Package override detects expansion chunks that replace specific base
// rules. It runs once after each successful expansion ingestion and writes
// directed supersession edges consumed at answer time.
package override

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/internal/db"
	"github.com/arbiterhq/arbiter/internal/llm"
	"github.com/arbiterhq/arbiter/internal/metrics"
)

// Language that signals a rule replacement. Chunks without any of these
// phrases never reach the embedding or model stages.
var keywordRe = regexp.MustCompile(`(?i)\b(instead|replaces?|ignores?|supersedes?|overrides?|in\s+place\s+of|rather\s+than|no\s+longer|use\s+this\s+(rule|ability)|takes?\s+precedence|now\s+(you|players?|the)|changes?\s+to)\b`)

const (
	neighborLimit = 3
	minSimilarity = 0.82
	minConfidence = 70
)

const systemPrompt = `You are a board game rules analyst. An expansion rule may replace a specific base game rule. Decide whether the expansion excerpt overrides the base excerpt. Respond with strict JSON only:
{"is_override": true|false, "confidence": 0-100, "evidence_phrase": "<short phrase from the expansion text showing the replacement>"}`

// Store is the persistence surface the detector needs.
type Store interface {
	ChunksForSource(ctx context.Context, sourceID int64) ([]db.Chunk, error)
	NearestBaseChunks(ctx context.Context, gameID int64, embedding []float32, limit int, minSimilarity float64) ([]db.SearchHit, error)
	SetOverride(ctx context.Context, chunkID, overridesChunkID int64, confidence int, evidence string) error
}

type classification struct {
	IsOverride     bool   `json:"is_override"`
	Confidence     int    `json:"confidence"`
	EvidencePhrase string `json:"evidence_phrase"`
}

// Detector writes supersession edges for one expansion source.
type Detector struct {
	store     Store
	completer llm.Completer
	logger    *zap.Logger
}

// New builds a detector.
func New(store Store, completer llm.Completer, logger *zap.Logger) *Detector {
	return &Detector{store: store, completer: completer, logger: logger}
}

// KeywordGate reports whether the text contains override language.
func KeywordGate(text string) bool {
	return keywordRe.MatchString(text)
}

// Run scans the expansion source's chunks and writes at most one edge per
// chunk. Cost is bounded by one model call per keyword-matching chunk
// regardless of base corpus size. Per-chunk failures are logged and skipped.
func (d *Detector) Run(ctx context.Context, gameID, sourceID int64) (int, error) {
	chunks, err := d.store.ChunksForSource(ctx, sourceID)
	if err != nil {
		return 0, fmt.Errorf("load expansion chunks: %w", err)
	}

	written := 0
	for _, chunk := range chunks {
		if !KeywordGate(chunk.ChunkText) {
			continue
		}
		if chunk.Embedding == nil {
			continue
		}

		neighbors, err := d.store.NearestBaseChunks(ctx, gameID,
			chunk.Embedding.Slice(), neighborLimit, minSimilarity)
		if err != nil {
			d.logger.Warn("Base neighbor search failed",
				zap.Int64("chunk_id", chunk.ID), zap.Error(err))
			continue
		}
		if len(neighbors) == 0 {
			continue
		}

		// Only the single best candidate goes to the model.
		best := neighbors[0]
		cls, err := d.classify(ctx, chunk.ChunkText, best.ChunkText)
		if err != nil {
			d.logger.Warn("Override classification failed",
				zap.Int64("chunk_id", chunk.ID), zap.Error(err))
			continue
		}
		if !cls.IsOverride || cls.Confidence < minConfidence {
			continue
		}

		if err := d.store.SetOverride(ctx, chunk.ID, best.ID, cls.Confidence, cls.EvidencePhrase); err != nil {
			d.logger.Error("Failed to write override edge",
				zap.Int64("chunk_id", chunk.ID), zap.Error(err))
			continue
		}
		metrics.OverrideEdgesWritten.Inc()
		written++
		d.logger.Info("Override edge written",
			zap.Int64("chunk_id", chunk.ID),
			zap.Int64("overrides_chunk_id", best.ID),
			zap.Int("confidence", cls.Confidence),
		)
	}
	return written, nil
}

func (d *Detector) classify(ctx context.Context, expansionText, baseText string) (*classification, error) {
	user := fmt.Sprintf("Expansion excerpt:\n%s\n\nBase game excerpt:\n%s", expansionText, baseText)
	raw, err := d.completer.Complete(ctx, llm.Request{
		Purpose:     "override",
		System:      systemPrompt,
		User:        user,
		Temperature: 0.0,
		MaxTokens:   200,
	})
	if err != nil {
		return nil, err
	}
	obj, err := llm.ExtractJSON(raw)
	if err != nil {
		return nil, err
	}
	var cls classification
	if err := json.Unmarshal(obj, &cls); err != nil {
		return nil, fmt.Errorf("malformed classification: %w", err)
	}
	return &cls, nil
}
