// Package retrieval implements hybrid search: lexical and vector ranking run
// in parallel, scores are fused, precedence boosts applied, and top
// candidates expanded with their page neighbors.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arbiterhq/arbiter/internal/cache"
	"github.com/arbiterhq/arbiter/internal/db"
	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/internal/tracing"
)

// Weights and floors of the score fusion.
const (
	bm25Weight          = 0.4
	vectorWeight        = 0.6
	minVectorSimilarity = 0.3

	errataBoost              = 0.15
	disabledExpansionPenalty = 0.05
)

// Store is the search surface of the persistence layer.
type Store interface {
	KeywordSearch(ctx context.Context, query string, sourceIDs []int64, limit int) ([]db.SearchHit, error)
	VectorSearch(ctx context.Context, embedding []float32, sourceIDs []int64, limit int, minSimilarity float64) ([]db.SearchHit, error)
}

// Embedder produces the query embedding.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Params configures one search.
type Params struct {
	Query        string
	SourceIDs    []int64
	GameID       int64
	ExpansionIDs []int64 // ordered, highest priority first
	KeywordLimit int
	VectorLimit  int
	FinalLimit   int
	ExpandTopK   int
}

func (p *Params) applyDefaults() {
	if p.KeywordLimit <= 0 {
		p.KeywordLimit = 30
	}
	if p.VectorLimit <= 0 {
		p.VectorLimit = 30
	}
	if p.FinalLimit <= 0 {
		p.FinalLimit = 12
	}
	if p.ExpandTopK <= 0 {
		p.ExpandTopK = 5
	}
}

// Candidate is one scored chunk.
type Candidate struct {
	db.SearchHit
	BM25Norm   float64
	VectorNorm float64
	FinalScore float64
}

// Result is the outcome of one hybrid search.
type Result struct {
	// Chunks is the final ordered list after adjacency expansion.
	Chunks []Candidate
	// Top holds the top pre-expansion candidates, up to five, for conflict
	// detection.
	Top []Candidate
	// QueryEmbedding is the query vector, nil when the embedder was
	// unavailable and ranking fell back to lexical scores.
	QueryEmbedding []float32
}

// Engine runs hybrid searches.
type Engine struct {
	store    Store
	embedder Embedder
	memo     *cache.EmbeddingMemo
	logger   *zap.Logger
}

// New builds an engine. memo may be nil to disable query-embedding memoing.
func New(store Store, embedder Embedder, memo *cache.EmbeddingMemo, logger *zap.Logger) *Engine {
	return &Engine{store: store, embedder: embedder, memo: memo, logger: logger}
}

// Search runs the full hybrid pipeline. When the embedder is unavailable the
// vector leg is skipped and ranking falls back to lexical scores alone.
func (e *Engine) Search(ctx context.Context, p Params) (*Result, error) {
	p.applyDefaults()
	ctx, span := tracing.StartSpan(ctx, "retrieval.search")
	start := time.Now()

	embedding := e.queryEmbedding(ctx, p.Query)

	var keywordHits, vectorHits []db.SearchHit
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := e.store.KeywordSearch(gctx, p.Query, p.SourceIDs, p.KeywordLimit)
		if err != nil {
			return fmt.Errorf("keyword leg: %w", err)
		}
		keywordHits = hits
		return nil
	})
	if embedding != nil {
		g.Go(func() error {
			hits, err := e.store.VectorSearch(gctx, embedding, p.SourceIDs, p.VectorLimit, minVectorSimilarity)
			if err != nil {
				return fmt.Errorf("vector leg: %w", err)
			}
			vectorHits = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		metrics.RetrievalSearches.WithLabelValues("error").Inc()
		tracing.EndSpan(span, err)
		return nil, err
	}
	tracing.EndSpan(span, nil)

	merged := fuse(keywordHits, vectorHits, p.ExpansionIDs)

	// Deterministic order: score descending, chunk id ascending on ties.
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].FinalScore != merged[j].FinalScore {
			return merged[i].FinalScore > merged[j].FinalScore
		}
		return merged[i].ID < merged[j].ID
	})

	candidates := merged
	if len(candidates) > p.FinalLimit {
		candidates = candidates[:p.FinalLimit]
	}

	top := candidates
	if len(top) > 5 {
		top = top[:5]
	}

	result := &Result{
		Chunks:         expandAdjacent(candidates, merged, p.ExpandTopK),
		Top:            append([]Candidate(nil), top...),
		QueryEmbedding: embedding,
	}

	metrics.RetrievalSearches.WithLabelValues("ok").Inc()
	metrics.RetrievalLatency.Observe(time.Since(start).Seconds())
	return result, nil
}

// queryEmbedding consults the process-local memo before calling the
// embedder. Failures degrade to lexical-only search.
func (e *Engine) queryEmbedding(ctx context.Context, query string) []float32 {
	key := cache.NormalizeQuestion(query)
	if e.memo != nil {
		if vec := e.memo.Get(key); vec != nil {
			return vec
		}
	}
	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		e.logger.Warn("Query embedding unavailable, lexical-only search", zap.Error(err))
		return nil
	}
	if e.memo != nil {
		e.memo.Set(key, vec)
	}
	return vec
}

// fuse merges both legs by chunk id, min-max normalizes each score column,
// blends them, and applies precedence boosts.
func fuse(keywordHits, vectorHits []db.SearchHit, expansionIDs []int64) []Candidate {
	byID := make(map[int64]*Candidate)
	for _, h := range keywordHits {
		c := &Candidate{SearchHit: h}
		c.BM25Norm = h.Score
		byID[h.ID] = c
	}
	for _, h := range vectorHits {
		if c, ok := byID[h.ID]; ok {
			c.VectorNorm = h.Score
			continue
		}
		c := &Candidate{SearchHit: h}
		c.Score = 0
		c.VectorNorm = h.Score
		byID[h.ID] = c
	}
	if len(byID) == 0 {
		return nil
	}

	var bm25, vec []float64
	for _, c := range byID {
		bm25 = append(bm25, c.BM25Norm)
		vec = append(vec, c.VectorNorm)
	}
	bmMin, bmMax := minMax(bm25)
	vMin, vMax := minMax(vec)

	priority := make(map[int64]int, len(expansionIDs))
	for i, id := range expansionIDs {
		priority[id] = i
	}

	out := make([]Candidate, 0, len(byID))
	for _, c := range byID {
		c.BM25Norm = normalize(c.BM25Norm, bmMin, bmMax)
		c.VectorNorm = normalize(c.VectorNorm, vMin, vMax)
		base := bm25Weight*c.BM25Norm + vectorWeight*c.VectorNorm
		c.FinalScore = base + boost(c, priority)
		out = append(out, *c)
	}
	return out
}

// boost applies source-precedence adjustments: errata and FAQ rise, enabled
// expansions rise by priority, disabled expansions sink.
func boost(c *Candidate, priority map[int64]int) float64 {
	switch c.PrecedenceLevel {
	case db.PrecedenceErrata:
		return errataBoost
	case db.PrecedenceExpansion:
		if c.ExpansionID != nil {
			if idx, ok := priority[*c.ExpansionID]; ok {
				b := 0.10 - 0.01*float64(idx)
				if b < 0.05 {
					b = 0.05
				}
				return b
			}
		}
		return -disabledExpansionPenalty
	default:
		return 0
	}
}

func minMax(vals []float64) (float64, float64) {
	lo, hi := vals[0], vals[0]
	for _, v := range vals[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// normalize min-max scales v; a degenerate column maps everything to 1.
func normalize(v, lo, hi float64) float64 {
	if hi == lo {
		return 1
	}
	return (v - lo) / (hi - lo)
}

// expandAdjacent inserts the (source_id, chunk_index +/- 1) neighbors of the
// top k candidates, but only when the neighbor already appears in the wider
// candidate set. Order per candidate is [prev, chunk, next].
func expandAdjacent(candidates, wider []Candidate, topK int) []Candidate {
	byPosition := make(map[int64]map[int]Candidate)
	for _, c := range wider {
		if byPosition[c.SourceID] == nil {
			byPosition[c.SourceID] = make(map[int]Candidate)
		}
		byPosition[c.SourceID][c.ChunkIndex] = c
	}

	seen := make(map[int64]bool)
	var out []Candidate
	add := func(c Candidate) {
		if seen[c.ID] {
			return
		}
		seen[c.ID] = true
		out = append(out, c)
	}

	for i, c := range candidates {
		if i < topK {
			if prev, ok := byPosition[c.SourceID][c.ChunkIndex-1]; ok {
				add(prev)
			}
			add(c)
			if next, ok := byPosition[c.SourceID][c.ChunkIndex+1]; ok {
				add(next)
			}
			continue
		}
		add(c)
	}
	return out
}
