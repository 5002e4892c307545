// Package conflict decides whether two near-tied top candidates from
// different precedence levels contradict each other on the asked question.
package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/internal/llm"
	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/internal/retrieval"
)

// The detector only fires when the top two scores are this close and the
// candidates carry different precedence levels.
const scoreGate = 0.05

const systemPrompt = `You are a board game rules analyst. Decide whether two rule excerpts contradict each other with respect to the question. Respond with strict JSON only:
{"is_conflict": true|false, "explanation": "<one sentence>", "resolution": "<one sentence naming which source applies and why>"}`

// Detection is the adjudicated outcome.
type Detection struct {
	IsConflict  bool   `json:"is_conflict"`
	Explanation string `json:"explanation"`
	Resolution  string `json:"resolution"`
}

// Note renders the user-facing conflict note.
func (d *Detection) Note() string {
	return strings.TrimSpace("Note: " + d.Explanation + " " + d.Resolution)
}

// Detector adjudicates near-ties with one strict-JSON model call.
type Detector struct {
	completer llm.Completer
	logger    *zap.Logger
}

// New builds a detector.
func New(completer llm.Completer, logger *zap.Logger) *Detector {
	return &Detector{completer: completer, logger: logger}
}

// Check inspects the top candidates and returns a detection when the two
// best are near-tied across precedence levels and the model confirms a
// contradiction. It returns nil when the gate does not fire, the model says
// no, or the call fails; a missed conflict note never fails the answer.
func (d *Detector) Check(ctx context.Context, question string, top []retrieval.Candidate) *Detection {
	if len(top) < 2 {
		return nil
	}
	first, second := top[0], top[1]
	if diff := first.FinalScore - second.FinalScore; diff > scoreGate || diff < -scoreGate {
		return nil
	}
	if first.PrecedenceLevel == second.PrecedenceLevel {
		return nil
	}

	user := fmt.Sprintf(
		"Question: %s\n\nExcerpt A (%s, page %d):\n%s\n\nExcerpt B (%s, page %d):\n%s",
		question,
		first.SourceType, first.PageNumber, first.ChunkText,
		second.SourceType, second.PageNumber, second.ChunkText,
	)

	raw, err := d.completer.Complete(ctx, llm.Request{
		Purpose:     "conflict",
		System:      systemPrompt,
		User:        user,
		Temperature: 0.0,
		MaxTokens:   300,
	})
	if err != nil {
		d.logger.Warn("Conflict check failed", zap.Error(err))
		return nil
	}

	obj, err := llm.ExtractJSON(raw)
	if err != nil {
		d.logger.Warn("Conflict check returned no JSON", zap.String("raw", raw))
		return nil
	}
	var det Detection
	if err := json.Unmarshal(obj, &det); err != nil {
		d.logger.Warn("Conflict check JSON malformed", zap.Error(err))
		return nil
	}
	if !det.IsConflict {
		return nil
	}
	metrics.ConflictsDetected.Inc()
	return &det
}
