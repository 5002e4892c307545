package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/internal/cache"
	"github.com/arbiterhq/arbiter/internal/db"
)

type fakeStore struct {
	keywordHits []db.SearchHit
	vectorHits  []db.SearchHit
	keywordErr  error
}

func (f *fakeStore) KeywordSearch(ctx context.Context, query string, sourceIDs []int64, limit int) ([]db.SearchHit, error) {
	return f.keywordHits, f.keywordErr
}

func (f *fakeStore) VectorSearch(ctx context.Context, embedding []float32, sourceIDs []int64, limit int, minSimilarity float64) ([]db.SearchHit, error) {
	return f.vectorHits, nil
}

type fakeEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	return f.vec, f.err
}

func hit(id, sourceID int64, index, precedence int, score float64) db.SearchHit {
	return db.SearchHit{
		ID: id, SourceID: sourceID, ChunkIndex: index,
		PrecedenceLevel: precedence, Score: score,
		SourceType: "rulebook", ChunkText: "text",
	}
}

func expansionHit(id, sourceID int64, index int, expansionID int64, score float64) db.SearchHit {
	h := hit(id, sourceID, index, db.PrecedenceExpansion, score)
	h.ExpansionID = &expansionID
	h.SourceType = "expansion"
	return h
}

func TestSearchBlendsAndRanks(t *testing.T) {
	store := &fakeStore{
		keywordHits: []db.SearchHit{
			hit(1, 1, 0, db.PrecedenceBase, 0.9),
			hit(2, 1, 1, db.PrecedenceBase, 0.1),
		},
		vectorHits: []db.SearchHit{
			hit(2, 1, 1, db.PrecedenceBase, 0.95),
			hit(1, 1, 0, db.PrecedenceBase, 0.40),
		},
	}
	engine := New(store, &fakeEmbedder{vec: []float32{1}}, nil, zap.NewNop())

	res, err := engine.Search(context.Background(), Params{Query: "q", SourceIDs: []int64{1}})
	require.NoError(t, err)
	require.Len(t, res.Chunks, 2)

	// Chunk 1: bm25_norm=1, vec_norm=0 -> 0.4. Chunk 2: bm25_norm=0,
	// vec_norm=1 -> 0.6. Vector-favored chunk wins.
	assert.Equal(t, int64(2), res.Chunks[0].ID)
	assert.InDelta(t, 0.6, res.Chunks[0].FinalScore, 1e-9)
	assert.InDelta(t, 0.4, res.Chunks[1].FinalScore, 1e-9)
}

func TestSearchDegenerateColumnNormalizesToOne(t *testing.T) {
	store := &fakeStore{
		keywordHits: []db.SearchHit{
			hit(1, 1, 0, db.PrecedenceBase, 0.5),
			hit(2, 1, 5, db.PrecedenceBase, 0.5),
		},
	}
	engine := New(store, &fakeEmbedder{err: errors.New("down")}, nil, zap.NewNop())

	res, err := engine.Search(context.Background(), Params{Query: "q", SourceIDs: []int64{1}})
	require.NoError(t, err)
	require.Len(t, res.Chunks, 2)
	for _, c := range res.Chunks {
		assert.Equal(t, 1.0, c.BM25Norm)
	}
	// Ties break on ascending chunk id.
	assert.Equal(t, int64(1), res.Chunks[0].ID)
}

func TestSearchPrecedenceBoosts(t *testing.T) {
	enabled := int64(7)
	store := &fakeStore{
		keywordHits: []db.SearchHit{
			hit(1, 1, 0, db.PrecedenceBase, 0.5),
			func() db.SearchHit {
				h := hit(2, 2, 0, db.PrecedenceErrata, 0.5)
				h.SourceType = "errata"
				return h
			}(),
			expansionHit(3, 3, 0, enabled, 0.5),
			expansionHit(4, 4, 0, 99, 0.5), // not enabled
		},
	}
	engine := New(store, &fakeEmbedder{err: errors.New("down")}, nil, zap.NewNop())

	res, err := engine.Search(context.Background(), Params{
		Query:        "q",
		SourceIDs:    []int64{1, 2, 3, 4},
		ExpansionIDs: []int64{enabled},
	})
	require.NoError(t, err)
	require.Len(t, res.Chunks, 4)

	scores := make(map[int64]float64)
	for _, c := range res.Chunks {
		scores[c.ID] = c.FinalScore
	}
	// Both columns are degenerate, so every base score is 0.4+0.6 = 1.0 and
	// only the boosts separate the candidates.
	assert.InDelta(t, 1.0+0.15, scores[2], 1e-9, "errata boost")
	assert.InDelta(t, 1.0+0.10, scores[3], 1e-9, "enabled expansion, priority 0")
	assert.InDelta(t, 1.0-0.05, scores[4], 1e-9, "disabled expansion penalty")
	assert.InDelta(t, 1.0, scores[1], 1e-9, "base untouched")
}

func TestSearchEnabledExpansionPriorityFloor(t *testing.T) {
	exp := int64(5)
	c := Candidate{SearchHit: db.SearchHit{PrecedenceLevel: db.PrecedenceExpansion, ExpansionID: &exp}}

	assert.InDelta(t, 0.10, boost(&c, map[int64]int{exp: 0}), 1e-9)
	assert.InDelta(t, 0.07, boost(&c, map[int64]int{exp: 3}), 1e-9)
	// Far down the priority list the boost floors at 0.05.
	assert.InDelta(t, 0.05, boost(&c, map[int64]int{exp: 9}), 1e-9)
}

func TestSearchAdjacencyExpansion(t *testing.T) {
	// Chunk 10 (index 5) is top; its neighbors at index 4 and 6 are in the
	// wider set but ranked below the final cut.
	var hits []db.SearchHit
	hits = append(hits, hit(10, 1, 5, db.PrecedenceBase, 0.9))
	hits = append(hits, hit(11, 1, 4, db.PrecedenceBase, 0.05))
	hits = append(hits, hit(12, 1, 6, db.PrecedenceBase, 0.02))
	for i := 0; i < 12; i++ {
		hits = append(hits, hit(int64(20+i), 2, i*10+100, db.PrecedenceBase, 0.5-float64(i)*0.01))
	}
	store := &fakeStore{keywordHits: hits}
	engine := New(store, &fakeEmbedder{err: errors.New("down")}, nil, zap.NewNop())

	res, err := engine.Search(context.Background(), Params{Query: "q", SourceIDs: []int64{1, 2}})
	require.NoError(t, err)

	// Order around the winner is [prev, chunk, next].
	require.GreaterOrEqual(t, len(res.Chunks), 3)
	assert.Equal(t, int64(11), res.Chunks[0].ID)
	assert.Equal(t, int64(10), res.Chunks[1].ID)
	assert.Equal(t, int64(12), res.Chunks[2].ID)
}

func TestSearchTopIsPreExpansion(t *testing.T) {
	var hits []db.SearchHit
	for i := 0; i < 8; i++ {
		hits = append(hits, hit(int64(i+1), 1, i*10, db.PrecedenceBase, 0.9-float64(i)*0.1))
	}
	store := &fakeStore{keywordHits: hits}
	engine := New(store, &fakeEmbedder{err: errors.New("down")}, nil, zap.NewNop())

	res, err := engine.Search(context.Background(), Params{Query: "q", SourceIDs: []int64{1}})
	require.NoError(t, err)
	require.Len(t, res.Top, 5)
	assert.Equal(t, int64(1), res.Top[0].ID)
}

func TestSearchMemoSkipsEmbedder(t *testing.T) {
	memo := cache.NewEmbeddingMemo(0)
	emb := &fakeEmbedder{vec: []float32{1, 2}}
	store := &fakeStore{}
	engine := New(store, emb, memo, zap.NewNop())

	_, err := engine.Search(context.Background(), Params{Query: "Same question?", SourceIDs: []int64{1}})
	require.NoError(t, err)
	_, err = engine.Search(context.Background(), Params{Query: "same QUESTION", SourceIDs: []int64{1}})
	require.NoError(t, err)

	assert.Equal(t, 1, emb.calls, "second search should hit the memo")
}

func TestSearchKeywordFailure(t *testing.T) {
	store := &fakeStore{keywordErr: errors.New("db down")}
	engine := New(store, &fakeEmbedder{err: errors.New("down")}, nil, zap.NewNop())

	_, err := engine.Search(context.Background(), Params{Query: "q", SourceIDs: []int64{1}})
	assert.Error(t, err)
}
