// Package answer turns retrieved rulebook chunks into a verified, cited
// verdict. Every quote the model produces is checked against the indexed
// text before it is shown to a player.
package answer

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/internal/db"
	"github.com/arbiterhq/arbiter/internal/retrieval"
)

const (
	excerptLen         = 200
	supersededQuoteLen = 300
	relevantSections   = 3
)

// Store is the persistence surface the service needs for supersession
// lookups.
type Store interface {
	GetChunk(ctx context.Context, id int64) (*db.Chunk, error)
	GetChunkWithSource(ctx context.Context, id int64) (*db.SearchHit, error)
	ExpansionName(ctx context.Context, id int64) (string, error)
}

// Citation is one verified (or attempted) quote attribution.
type Citation struct {
	ChunkID    int64  `json:"chunk_id"`
	Quote      string `json:"quote"`
	Page       int    `json:"page"`
	SourceType string `json:"source_type"`
	Verified   bool   `json:"verified"`
}

// RelevantSection is a pointer to source material offered when no quote
// could be verified.
type RelevantSection struct {
	ChunkID    int64  `json:"chunk_id"`
	Page       int    `json:"page"`
	SourceType string `json:"source_type"`
	Excerpt    string `json:"excerpt"`
}

// SupersededRule describes a base rule that the cited expansion text
// replaces.
type SupersededRule struct {
	Quote      string `json:"quote"`
	Page       int    `json:"page"`
	SourceType string `json:"source_type"`
	Reason     string `json:"reason"`
	Confidence int    `json:"confidence"`
}

// Result is the full answer returned to the API layer.
type Result struct {
	Verdict          string            `json:"verdict"`
	Confidence       string            `json:"confidence"`
	ConfidenceReason string            `json:"confidence_reason,omitempty"`
	Verified         bool              `json:"verified"`
	Citations        []Citation        `json:"citations"`
	RelevantSections []RelevantSection `json:"relevant_sections,omitempty"`
	SupersededRule   *SupersededRule   `json:"superseded_rule,omitempty"`
	ConflictNote     string            `json:"conflict_note,omitempty"`
	Notes            []string          `json:"notes,omitempty"`
	ModelUsed        string            `json:"model_used"`
}

// Service orchestrates generation, verification, and supersession lookup.
type Service struct {
	gen    *Generator
	store  Store
	model  string
	logger *zap.Logger
}

// NewService builds the answer service. model is recorded on every result.
func NewService(gen *Generator, store Store, model string, logger *zap.Logger) *Service {
	return &Service{gen: gen, store: store, model: model, logger: logger}
}

// Answer produces a verified answer for the question over the retrieved
// chunks. conflictNote is non-empty when the conflict detector flagged the
// top candidates.
func (s *Service) Answer(ctx context.Context, question string, ret *retrieval.Result, conflictNote string) (*Result, error) {
	payload, err := s.gen.Generate(ctx, question, ret.Chunks, false)
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	vr := s.verifyPayload(payload, ret.Chunks)
	if !vr.Verified {
		// One strict retry at temperature zero before giving up on a quote.
		strict, err := s.gen.Generate(ctx, question, ret.Chunks, true)
		if err != nil {
			s.logger.Warn("Strict regeneration failed", zap.Error(err))
		} else {
			payload = strict
			vr = s.verifyPayload(payload, ret.Chunks)
		}
	}

	topScore, nextScore := topScores(ret.Top)
	level, reason := ComputeConfidence(vr.Verified, topScore, nextScore, conflictNote != "")

	result := &Result{
		Verdict:          payload.Verdict,
		Confidence:       level,
		ConfidenceReason: reason,
		Verified:         vr.Verified,
		ConflictNote:     conflictNote,
		Notes:            payload.Notes,
		ModelUsed:        s.model,
	}

	if !vr.Verified {
		result.RelevantSections = relevantFrom(ret.Chunks)
		result.Notes = append(result.Notes,
			"The exact quote could not be verified against the indexed rulebook text; the sections above are the closest matches.")
		return result, nil
	}

	cited := candidateByID(ret.Chunks, vr.ChunkID)
	result.Citations = []Citation{{
		ChunkID:    cited.ID,
		Quote:      payload.QuoteExact,
		Page:       cited.PageNumber,
		SourceType: cited.SourceType,
		Verified:   true,
	}}
	if vr.Relabeled {
		result.Notes = append(result.Notes,
			fmt.Sprintf("The quote was located in chunk %d rather than the chunk the model cited.", cited.ID))
	}

	if sup := s.supersession(ctx, cited); sup != nil {
		result.SupersededRule = sup
	}
	return result, nil
}

func (s *Service) verifyPayload(p *Payload, chunks []retrieval.Candidate) VerifyResult {
	if strings.TrimSpace(p.QuoteExact) == "" {
		return VerifyResult{Verified: false}
	}
	return Verify(p.QuoteExact, p.QuoteChunkID, chunks)
}

// supersession reports the base rule the cited chunk replaces, if the
// override detector recorded an edge for it. Lookup failures degrade to no
// annotation.
func (s *Service) supersession(ctx context.Context, cited *retrieval.Candidate) *SupersededRule {
	if cited == nil || cited.OverridesChunkID == nil {
		return nil
	}

	base, err := s.store.GetChunkWithSource(ctx, *cited.OverridesChunkID)
	if err != nil {
		s.logger.Warn("Superseded chunk lookup failed",
			zap.Int64("chunk_id", *cited.OverridesChunkID), zap.Error(err))
		return nil
	}

	confidence := 0
	if full, err := s.store.GetChunk(ctx, cited.ID); err == nil && full.OverrideConfidence != nil {
		confidence = *full.OverrideConfidence
	}

	reason := "An expansion rule supersedes this base rule"
	if cited.ExpansionID != nil {
		if name, err := s.store.ExpansionName(ctx, *cited.ExpansionID); err == nil {
			reason = fmt.Sprintf("%s supersedes this base rule", name)
		}
	}

	return &SupersededRule{
		Quote:      truncate(base.ChunkText, supersededQuoteLen),
		Page:       base.PageNumber,
		SourceType: base.SourceType,
		Reason:     reason,
		Confidence: confidence,
	}
}

func topScores(top []retrieval.Candidate) (float64, float64) {
	switch len(top) {
	case 0:
		return 0, 0
	case 1:
		return top[0].FinalScore, 0
	default:
		return top[0].FinalScore, top[1].FinalScore
	}
}

func candidateByID(chunks []retrieval.Candidate, id int64) *retrieval.Candidate {
	for i := range chunks {
		if chunks[i].ID == id {
			return &chunks[i]
		}
	}
	return nil
}

func relevantFrom(chunks []retrieval.Candidate) []RelevantSection {
	n := relevantSections
	if len(chunks) < n {
		n = len(chunks)
	}
	sections := make([]RelevantSection, 0, n)
	for _, c := range chunks[:n] {
		sections = append(sections, RelevantSection{
			ChunkID:    c.ID,
			Page:       c.PageNumber,
			SourceType: c.SourceType,
			Excerpt:    truncate(c.ChunkText, excerptLen),
		})
	}
	return sections
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max]) + "..."
}
