package db

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Source types, mapped to precedence levels at ingestion time.
const (
	SourceTypeRulebook      = "rulebook"
	SourceTypeExpansion     = "expansion"
	SourceTypeFAQ           = "faq"
	SourceTypeErrata        = "errata"
	SourceTypeReferenceCard = "reference_card"
)

// Precedence levels carried on chunks.
const (
	PrecedenceBase      = 1
	PrecedenceExpansion = 2
	PrecedenceErrata    = 3
)

// PrecedenceForSourceType maps a source type to the precedence level its
// chunks carry.
func PrecedenceForSourceType(sourceType string) int {
	switch sourceType {
	case SourceTypeExpansion:
		return PrecedenceExpansion
	case SourceTypeFAQ, SourceTypeErrata:
		return PrecedenceErrata
	default:
		return PrecedenceBase
	}
}

// Game is an immutable catalog entry; the slug is the stable external handle.
type Game struct {
	ID         int64     `db:"id" json:"id"`
	Name       string    `db:"name" json:"name"`
	Slug       string    `db:"slug" json:"slug"`
	ExternalID *string   `db:"external_id" json:"external_id,omitempty"`
	CoverURL   *string   `db:"cover_url" json:"cover_url,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Expansion belongs to a game and orders itself by display_order.
type Expansion struct {
	ID           int64      `db:"id" json:"id"`
	GameID       int64      `db:"game_id" json:"game_id"`
	Name         string     `db:"name" json:"name"`
	Code         string     `db:"code" json:"code"`
	ReleaseDate  *time.Time `db:"release_date" json:"release_date,omitempty"`
	DisplayOrder int        `db:"display_order" json:"display_order"`
}

// Source is the unit of (re)ingestion. (game_id, edition, source_type) is
// unique.
type Source struct {
	ID             int64      `db:"id" json:"id"`
	GameID         int64      `db:"game_id" json:"game_id"`
	ExpansionID    *int64     `db:"expansion_id" json:"expansion_id,omitempty"`
	Edition        string     `db:"edition" json:"edition"`
	SourceType     string     `db:"source_type" json:"source_type"`
	SourceURL      *string    `db:"source_url" json:"source_url,omitempty"`
	FileHash       *string    `db:"file_hash" json:"-"`
	NeedsOCR       bool       `db:"needs_ocr" json:"needs_ocr"`
	NeedsReingest  bool       `db:"needs_reingest" json:"needs_reingest"`
	LastIngestedAt *time.Time `db:"last_ingested_at" json:"last_ingested_at,omitempty"`
}

// Chunk is the unit of indexing and retrieval. Chunks are recreated whole on
// re-ingestion, never edited in place.
type Chunk struct {
	ID                 int64            `db:"id" json:"id"`
	SourceID           int64            `db:"source_id" json:"source_id"`
	PageNumber         int              `db:"page_number" json:"page_number"`
	ChunkIndex         int              `db:"chunk_index" json:"chunk_index"`
	SectionTitle       *string          `db:"section_title" json:"section_title,omitempty"`
	ChunkText          string           `db:"chunk_text" json:"chunk_text"`
	Embedding          *pgvector.Vector `db:"embedding" json:"-"`
	PrecedenceLevel    int              `db:"precedence_level" json:"precedence_level"`
	OverridesChunkID   *int64           `db:"overrides_chunk_id" json:"overrides_chunk_id,omitempty"`
	OverrideConfidence *int             `db:"override_confidence" json:"override_confidence,omitempty"`
	OverrideEvidence   *string          `db:"override_evidence" json:"override_evidence,omitempty"`
	PhaseTags          pq.StringArray   `db:"phase_tags" json:"phase_tags,omitempty"`
	ExpiresAt          *time.Time       `db:"expires_at" json:"-"`
}

// NewChunk is the insert shape used by the ingestion pipeline.
type NewChunk struct {
	PageNumber   int
	ChunkIndex   int
	SectionTitle *string
	ChunkText    string
	Embedding    *pgvector.Vector
}

// SearchHit is a chunk joined with its source attribution and a raw score
// from one retrieval leg.
type SearchHit struct {
	ID               int64   `db:"id"`
	SourceID         int64   `db:"source_id"`
	PageNumber       int     `db:"page_number"`
	ChunkIndex       int     `db:"chunk_index"`
	SectionTitle     *string `db:"section_title"`
	ChunkText        string  `db:"chunk_text"`
	PrecedenceLevel  int     `db:"precedence_level"`
	OverridesChunkID *int64  `db:"overrides_chunk_id"`
	ExpansionID      *int64  `db:"expansion_id"`
	SourceType       string  `db:"source_type"`
	Score            float64 `db:"score"`
}

// AskHistory records one answered question.
type AskHistory struct {
	ID                 int64            `db:"id"`
	GameID             int64            `db:"game_id"`
	Edition            *string          `db:"edition"`
	ExpansionsUsed     pq.Int64Array    `db:"expansions_used"`
	Question           string           `db:"question"`
	NormalizedQuestion string           `db:"normalized_question"`
	QuestionEmbedding  *pgvector.Vector `db:"question_embedding"`
	Verdict            string           `db:"verdict"`
	Confidence         string           `db:"confidence"`
	ConfidenceReason   *string          `db:"confidence_reason"`
	Citations          json.RawMessage  `db:"citations"`
	ResponseTimeMs     int              `db:"response_time_ms"`
	ModelUsed          *string          `db:"model_used"`
	CreatedAt          time.Time        `db:"created_at"`
}

// Feedback is a user judgement on an answered question.
type Feedback struct {
	ID              int64     `db:"id"`
	AskHistoryID    int64     `db:"ask_history_id"`
	FeedbackType    string    `db:"feedback_type"`
	SelectedChunkID *int64    `db:"selected_chunk_id"`
	UserNote        *string   `db:"user_note"`
	CreatedAt       time.Time `db:"created_at"`
}

// SourceHealth is an append-only record of one upstream check.
type SourceHealth struct {
	ID            int64     `db:"id"`
	SourceID      int64     `db:"source_id"`
	CheckedAt     time.Time `db:"checked_at"`
	Status        string    `db:"status"`
	HTTPCode      *int      `db:"http_code"`
	FileHash      *string   `db:"file_hash"`
	ContentLength *int64    `db:"content_length"`
	Error         *string   `db:"error"`
}

// APICost is one paid upstream call, written before the call returns.
type APICost struct {
	ID           int64     `db:"id"`
	RequestID    string    `db:"request_id"`
	Endpoint     string    `db:"endpoint"`
	Model        string    `db:"model"`
	InputTokens  int       `db:"input_tokens"`
	OutputTokens int       `db:"output_tokens"`
	CostUSD      float64   `db:"cost_usd"`
	CacheHit     bool      `db:"cache_hit"`
	CreatedAt    time.Time `db:"created_at"`
}
