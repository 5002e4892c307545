package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

const searchColumns = `
	c.id, c.source_id, c.page_number, c.chunk_index, c.section_title,
	c.chunk_text, c.precedence_level, c.overrides_chunk_id,
	s.expansion_id, s.source_type`

// KeywordSearch ranks non-expired chunks of the given sources with full-text
// search. Scores are raw ts_rank_cd values.
func (s *Store) KeywordSearch(ctx context.Context, query string, sourceIDs []int64, limit int) ([]SearchHit, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}
	q := `
		SELECT ` + searchColumns + `,
		       ts_rank_cd(c.tsv, plainto_tsquery('english', $1)) AS score
		FROM chunks c
		JOIN sources s ON s.id = c.source_id
		WHERE c.source_id = ANY($2)
		  AND (c.expires_at IS NULL OR c.expires_at > now())
		  AND c.tsv @@ plainto_tsquery('english', $1)
		ORDER BY score DESC, c.id ASC
		LIMIT $3`
	var hits []SearchHit
	if err := s.db.SelectContext(ctx, &hits, q, query, pq.Array(sourceIDs), limit); err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	return hits, nil
}

// VectorSearch ranks non-expired chunks by cosine similarity against the
// query embedding, dropping anything below minSimilarity.
func (s *Store) VectorSearch(ctx context.Context, embedding []float32, sourceIDs []int64, limit int, minSimilarity float64) ([]SearchHit, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}
	vec := pgvector.NewVector(embedding)
	q := `
		SELECT ` + searchColumns + `,
		       1 - (c.embedding <=> $1) AS score
		FROM chunks c
		JOIN sources s ON s.id = c.source_id
		WHERE c.source_id = ANY($2)
		  AND c.embedding IS NOT NULL
		  AND (c.expires_at IS NULL OR c.expires_at > now())
		  AND 1 - (c.embedding <=> $1) >= $3
		ORDER BY c.embedding <=> $1 ASC, c.id ASC
		LIMIT $4`
	var hits []SearchHit
	if err := s.db.SelectContext(ctx, &hits, q, vec, pq.Array(sourceIDs), minSimilarity, limit); err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return hits, nil
}

// GetChunk returns a chunk by id.
func (s *Store) GetChunk(ctx context.Context, id int64) (*Chunk, error) {
	var c Chunk
	err := s.db.GetContext(ctx, &c,
		`SELECT id, source_id, page_number, chunk_index, section_title, chunk_text,
		        embedding, precedence_level, overrides_chunk_id, override_confidence,
		        override_evidence, phase_tags, expires_at
		 FROM chunks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk: %w", err)
	}
	return &c, nil
}

// GetChunkWithSource returns a chunk joined with its source attribution.
func (s *Store) GetChunkWithSource(ctx context.Context, id int64) (*SearchHit, error) {
	var hit SearchHit
	q := `
		SELECT ` + searchColumns + `, 0::float8 AS score
		FROM chunks c
		JOIN sources s ON s.id = c.source_id
		WHERE c.id = $1`
	err := s.db.GetContext(ctx, &hit, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk with source: %w", err)
	}
	return &hit, nil
}

// ChunksForSource returns a source's live chunks in chunk_index order,
// embeddings included. Used by the override detector.
func (s *Store) ChunksForSource(ctx context.Context, sourceID int64) ([]Chunk, error) {
	var chunks []Chunk
	err := s.db.SelectContext(ctx, &chunks,
		`SELECT id, source_id, page_number, chunk_index, section_title, chunk_text,
		        embedding, precedence_level, overrides_chunk_id, override_confidence,
		        override_evidence, phase_tags, expires_at
		 FROM chunks
		 WHERE source_id = $1 AND (expires_at IS NULL OR expires_at > now())
		 ORDER BY chunk_index`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("chunks for source: %w", err)
	}
	return chunks, nil
}

// NearestBaseChunks returns the game's closest precedence-1 chunks to the
// given embedding, floor minSimilarity.
func (s *Store) NearestBaseChunks(ctx context.Context, gameID int64, embedding []float32, limit int, minSimilarity float64) ([]SearchHit, error) {
	vec := pgvector.NewVector(embedding)
	q := `
		SELECT ` + searchColumns + `,
		       1 - (c.embedding <=> $1) AS score
		FROM chunks c
		JOIN sources s ON s.id = c.source_id
		WHERE s.game_id = $2
		  AND c.precedence_level = 1
		  AND c.embedding IS NOT NULL
		  AND (c.expires_at IS NULL OR c.expires_at > now())
		  AND 1 - (c.embedding <=> $1) >= $3
		ORDER BY c.embedding <=> $1 ASC, c.id ASC
		LIMIT $4`
	var hits []SearchHit
	if err := s.db.SelectContext(ctx, &hits, q, vec, gameID, minSimilarity, limit); err != nil {
		return nil, fmt.Errorf("nearest base chunks: %w", err)
	}
	return hits, nil
}

// SetOverride writes a supersession edge on an expansion chunk.
func (s *Store) SetOverride(ctx context.Context, chunkID, overridesChunkID int64, confidence int, evidence string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chunks
		 SET overrides_chunk_id = $2, override_confidence = $3, override_evidence = $4
		 WHERE id = $1`,
		chunkID, overridesChunkID, confidence, evidence)
	if err != nil {
		return fmt.Errorf("set override: %w", err)
	}
	return nil
}

// ReplaceSourceChunks deletes a source's chunks and inserts the new set under
// one transaction, then stamps the source row. If anything fails the source
// keeps its prior state.
func (s *Store) ReplaceSourceChunks(ctx context.Context, sourceID int64, fileHash string, precedence int, expiresAt time.Time, chunks []NewChunk) error {
	return s.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM chunks WHERE source_id = $1`, sourceID); err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}

		stmt, err := tx.PreparexContext(ctx,
			`INSERT INTO chunks
			   (source_id, page_number, chunk_index, section_title, chunk_text,
			    embedding, precedence_level, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, c := range chunks {
			var emb interface{}
			if c.Embedding != nil {
				emb = *c.Embedding
			}
			if _, err := stmt.ExecContext(ctx,
				sourceID, c.PageNumber, c.ChunkIndex, c.SectionTitle, c.ChunkText,
				emb, precedence, expiresAt); err != nil {
				return fmt.Errorf("insert chunk %d: %w", c.ChunkIndex, err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE sources
			 SET file_hash = $2, needs_ocr = FALSE, needs_reingest = FALSE,
			     last_ingested_at = now()
			 WHERE id = $1`,
			sourceID, fileHash); err != nil {
			return fmt.Errorf("update source: %w", err)
		}
		return nil
	})
}

// DeleteExpiredChunks removes chunks past their expiry and returns the ids of
// sources left with no live chunks.
func (s *Store) DeleteExpiredChunks(ctx context.Context) (int64, []int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, nil, fmt.Errorf("delete expired chunks: %w", err)
	}
	deleted, _ := res.RowsAffected()

	var emptied []int64
	err = s.db.SelectContext(ctx, &emptied,
		`SELECT s.id FROM sources s
		 WHERE s.last_ingested_at IS NOT NULL
		   AND NOT EXISTS (SELECT 1 FROM chunks c WHERE c.source_id = s.id)
		 ORDER BY s.id`)
	if err != nil {
		return deleted, nil, fmt.Errorf("find emptied sources: %w", err)
	}
	return deleted, emptied, nil
}
