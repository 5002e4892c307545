package conflict

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/internal/db"
	"github.com/arbiterhq/arbiter/internal/llm"
	"github.com/arbiterhq/arbiter/internal/retrieval"
)

type fakeCompleter struct {
	response string
	err      error
	calls    int
}

func (f *fakeCompleter) Complete(ctx context.Context, req llm.Request) (string, error) {
	f.calls++
	return f.response, f.err
}

func candidate(id int64, precedence int, score float64) retrieval.Candidate {
	return retrieval.Candidate{
		SearchHit: db.SearchHit{
			ID: id, PrecedenceLevel: precedence,
			SourceType: "rulebook", ChunkText: "some rule text", PageNumber: 3,
		},
		FinalScore: score,
	}
}

func TestCheckGateRequiresNearTie(t *testing.T) {
	fc := &fakeCompleter{response: `{"is_conflict": true, "explanation": "x", "resolution": "y"}`}
	d := New(fc, zap.NewNop())

	top := []retrieval.Candidate{candidate(1, 1, 0.90), candidate(2, 2, 0.70)}
	assert.Nil(t, d.Check(context.Background(), "q", top))
	assert.Zero(t, fc.calls, "gate must not call the model")
}

func TestCheckGateRequiresDifferentPrecedence(t *testing.T) {
	fc := &fakeCompleter{response: `{"is_conflict": true, "explanation": "x", "resolution": "y"}`}
	d := New(fc, zap.NewNop())

	top := []retrieval.Candidate{candidate(1, 2, 0.82), candidate(2, 2, 0.80)}
	assert.Nil(t, d.Check(context.Background(), "q", top))
	assert.Zero(t, fc.calls)
}

func TestCheckDetectsConflict(t *testing.T) {
	fc := &fakeCompleter{response: `{"is_conflict": true, "explanation": "The expansion allows two actions.", "resolution": "The expansion rule applies when enabled."}`}
	d := New(fc, zap.NewNop())

	top := []retrieval.Candidate{candidate(1, 1, 0.82), candidate(2, 2, 0.79)}
	det := d.Check(context.Background(), "How many actions?", top)
	require.NotNil(t, det)
	assert.True(t, det.IsConflict)
	assert.Equal(t,
		"Note: The expansion allows two actions. The expansion rule applies when enabled.",
		det.Note())
	assert.Equal(t, 1, fc.calls)
}

func TestCheckModelSaysNo(t *testing.T) {
	fc := &fakeCompleter{response: `{"is_conflict": false, "explanation": "", "resolution": ""}`}
	d := New(fc, zap.NewNop())

	top := []retrieval.Candidate{candidate(1, 1, 0.82), candidate(2, 3, 0.79)}
	assert.Nil(t, d.Check(context.Background(), "q", top))
}

func TestCheckSwallowsModelErrors(t *testing.T) {
	fc := &fakeCompleter{err: errors.New("llm down")}
	d := New(fc, zap.NewNop())

	top := []retrieval.Candidate{candidate(1, 1, 0.82), candidate(2, 2, 0.79)}
	assert.Nil(t, d.Check(context.Background(), "q", top))
}

func TestCheckFewerThanTwoCandidates(t *testing.T) {
	d := New(&fakeCompleter{}, zap.NewNop())
	assert.Nil(t, d.Check(context.Background(), "q", []retrieval.Candidate{candidate(1, 1, 0.9)}))
}
