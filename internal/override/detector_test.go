package override

import (
	"context"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/internal/db"
	"github.com/arbiterhq/arbiter/internal/llm"
)

type fakeStore struct {
	chunks    []db.Chunk
	neighbors []db.SearchHit
	edges     []edge
}

type edge struct {
	chunkID, overridesID int64
	confidence           int
	evidence             string
}

func (f *fakeStore) ChunksForSource(ctx context.Context, sourceID int64) ([]db.Chunk, error) {
	return f.chunks, nil
}

func (f *fakeStore) NearestBaseChunks(ctx context.Context, gameID int64, embedding []float32, limit int, minSim float64) ([]db.SearchHit, error) {
	return f.neighbors, nil
}

func (f *fakeStore) SetOverride(ctx context.Context, chunkID, overridesChunkID int64, confidence int, evidence string) error {
	f.edges = append(f.edges, edge{chunkID, overridesChunkID, confidence, evidence})
	return nil
}

type fakeCompleter struct {
	response string
	calls    int
}

func (f *fakeCompleter) Complete(ctx context.Context, req llm.Request) (string, error) {
	f.calls++
	return f.response, nil
}

func expansionChunk(id int64, text string) db.Chunk {
	vec := pgvector.NewVector([]float32{0.1, 0.2})
	return db.Chunk{ID: id, ChunkText: text, Embedding: &vec, PrecedenceLevel: db.PrecedenceExpansion}
}

func TestKeywordGate(t *testing.T) {
	matches := []string{
		"Use this rule instead of the base setup.",
		"This ability replaces the standard draw step.",
		"Players no longer discard at end of turn.",
		"The new limit takes precedence over the old one.",
		"Now you may hold five cards.",
		"Ignore the movement restriction on page 4.",
	}
	for _, text := range matches {
		assert.True(t, KeywordGate(text), "expected gate to match %q", text)
	}

	misses := []string{
		"Draw two cards at the start of your turn.",
		"The dragon moves three spaces.",
	}
	for _, text := range misses {
		assert.False(t, KeywordGate(text), "expected gate to skip %q", text)
	}
}

func TestRunWritesHighConfidenceEdge(t *testing.T) {
	store := &fakeStore{
		chunks: []db.Chunk{
			expansionChunk(10, "Players draw three cards instead of two."),
			expansionChunk(11, "A plain rule with no replacement language."),
		},
		neighbors: []db.SearchHit{
			{ID: 5, ChunkText: "Players draw two cards.", Score: 0.9},
			{ID: 6, ChunkText: "Unrelated rule.", Score: 0.85},
		},
	}
	fc := &fakeCompleter{response: `{"is_override": true, "confidence": 85, "evidence_phrase": "instead of two"}`}
	d := New(store, fc, zap.NewNop())

	written, err := d.Run(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	// One model call: only the keyword-matching chunk, only its best
	// neighbor.
	assert.Equal(t, 1, fc.calls)
	require.Len(t, store.edges, 1)
	assert.Equal(t, edge{10, 5, 85, "instead of two"}, store.edges[0])
}

func TestRunLowConfidenceWritesNothing(t *testing.T) {
	store := &fakeStore{
		chunks:    []db.Chunk{expansionChunk(10, "Use this rule instead.")},
		neighbors: []db.SearchHit{{ID: 5, ChunkText: "base", Score: 0.9}},
	}
	fc := &fakeCompleter{response: `{"is_override": true, "confidence": 60, "evidence_phrase": "x"}`}
	d := New(store, fc, zap.NewNop())

	written, err := d.Run(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Zero(t, written)
	assert.Empty(t, store.edges)
}

func TestRunNotAnOverride(t *testing.T) {
	store := &fakeStore{
		chunks:    []db.Chunk{expansionChunk(10, "Players no longer discard.")},
		neighbors: []db.SearchHit{{ID: 5, ChunkText: "base", Score: 0.9}},
	}
	fc := &fakeCompleter{response: `{"is_override": false, "confidence": 90, "evidence_phrase": ""}`}
	d := New(store, fc, zap.NewNop())

	written, err := d.Run(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Zero(t, written)
}

func TestRunNoNeighborsSkipsModel(t *testing.T) {
	store := &fakeStore{
		chunks: []db.Chunk{expansionChunk(10, "Use this rule instead.")},
	}
	fc := &fakeCompleter{response: `{"is_override": true, "confidence": 99, "evidence_phrase": "x"}`}
	d := New(store, fc, zap.NewNop())

	written, err := d.Run(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Zero(t, written)
	assert.Zero(t, fc.calls)
}

func TestRunSkipsChunksWithoutEmbeddings(t *testing.T) {
	store := &fakeStore{
		chunks:    []db.Chunk{{ID: 10, ChunkText: "Use this rule instead."}},
		neighbors: []db.SearchHit{{ID: 5, Score: 0.9}},
	}
	fc := &fakeCompleter{response: `{"is_override": true, "confidence": 99, "evidence_phrase": "x"}`}
	d := New(store, fc, zap.NewNop())

	written, err := d.Run(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Zero(t, written)
	assert.Zero(t, fc.calls)
}
