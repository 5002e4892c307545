package answer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/arbiterhq/arbiter/internal/llm"
	"github.com/arbiterhq/arbiter/internal/retrieval"
)

const systemPrompt = `You are a precise board game rules arbiter. Answer questions using ONLY the rulebook excerpts provided.

Rules:
1. Base your verdict solely on the provided excerpts. Never use outside knowledge of the game.
2. Quote the single most relevant passage EXACTLY as it appears in the excerpt, character for character.
3. Name the chunk id the quote comes from using the [Chunk N] header above the excerpt.
4. If an errata or expansion excerpt contradicts a base rulebook excerpt, the errata or expansion wins; say so in a note.
5. If the excerpts do not answer the question, say so plainly and set confidence to "low".

Respond with strict JSON only, no prose outside the object:
{"verdict": "<direct answer to the question>", "quote_exact": "<verbatim passage>", "quote_chunk_id": <chunk id>, "page": <page number>, "source_type": "<rulebook|expansion|errata|faq|reference_card>", "confidence": "<high|medium|low>", "notes": ["<optional clarifications>"]}`

const strictSystemPrompt = systemPrompt + `

CRITICAL RULES for this attempt: your previous quote could not be found in the excerpts. Copy the quote character-for-character from one excerpt, including punctuation and capitalization. Do not paraphrase, abbreviate, or merge passages. If you cannot find a verbatim passage that supports the verdict, return an empty string for quote_exact.`

// Payload is the model's structured answer.
type Payload struct {
	Verdict      string   `json:"verdict"`
	QuoteExact   string   `json:"quote_exact"`
	QuoteChunkID int64    `json:"quote_chunk_id"`
	Page         int      `json:"page"`
	SourceType   string   `json:"source_type"`
	Confidence   string   `json:"confidence"`
	Notes        []string `json:"notes"`
}

// Generator produces structured answers from retrieved chunks.
type Generator struct {
	completer llm.Completer
}

// NewGenerator builds a generator.
func NewGenerator(completer llm.Completer) *Generator {
	return &Generator{completer: completer}
}

// buildUserPrompt labels each excerpt with its chunk id and attribution so
// the model can cite it back.
func buildUserPrompt(question string, chunks []retrieval.Candidate) string {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\n\nRulebook excerpts:\n\n")
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		parts = append(parts, fmt.Sprintf("[Chunk %d] (Page %d, %s)\n%s",
			c.ID, c.PageNumber, c.SourceType, c.ChunkText))
	}
	b.WriteString(strings.Join(parts, "\n---\n"))
	return b.String()
}

// Generate asks the model for an answer. strict=true is the regeneration
// path after a failed verification and runs at temperature zero.
func (g *Generator) Generate(ctx context.Context, question string, chunks []retrieval.Candidate, strict bool) (*Payload, error) {
	system := systemPrompt
	temperature := 0.1
	purpose := "answer"
	if strict {
		system = strictSystemPrompt
		temperature = 0.0
		purpose = "answer_strict"
	}

	raw, err := g.completer.Complete(ctx, llm.Request{
		Purpose:     purpose,
		System:      system,
		User:        buildUserPrompt(question, chunks),
		Temperature: temperature,
		MaxTokens:   1000,
	})
	if err != nil {
		return nil, err
	}

	obj, err := llm.ExtractJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("answer payload: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(obj, &p); err != nil {
		return nil, fmt.Errorf("answer payload: %w", err)
	}
	if strings.TrimSpace(p.Verdict) == "" {
		return nil, fmt.Errorf("answer payload: missing verdict")
	}
	switch p.Confidence {
	case "high", "medium", "low":
	default:
		p.Confidence = "medium"
	}
	return &p, nil
}
