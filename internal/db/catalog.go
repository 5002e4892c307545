package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// GetGame returns a game by id.
func (s *Store) GetGame(ctx context.Context, id int64) (*Game, error) {
	var g Game
	err := s.db.GetContext(ctx, &g, `SELECT * FROM games WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get game: %w", err)
	}
	return &g, nil
}

// ListGames returns the catalog ordered by name.
func (s *Store) ListGames(ctx context.Context) ([]Game, error) {
	var games []Game
	if err := s.db.SelectContext(ctx, &games, `SELECT * FROM games ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list games: %w", err)
	}
	return games, nil
}

// ListExpansions returns a game's expansions in display order.
func (s *Store) ListExpansions(ctx context.Context, gameID int64) ([]Expansion, error) {
	var exps []Expansion
	err := s.db.SelectContext(ctx, &exps,
		`SELECT * FROM expansions WHERE game_id = $1 ORDER BY display_order, id`, gameID)
	if err != nil {
		return nil, fmt.Errorf("list expansions: %w", err)
	}
	return exps, nil
}

// GetExpansions returns the named expansions of a game, preserving no
// particular order.
func (s *Store) GetExpansions(ctx context.Context, gameID int64, ids []int64) ([]Expansion, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var exps []Expansion
	err := s.db.SelectContext(ctx, &exps,
		`SELECT * FROM expansions WHERE game_id = $1 AND id = ANY($2)`,
		gameID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("get expansions: %w", err)
	}
	return exps, nil
}

// ExpansionName returns the display name of an expansion.
func (s *Store) ExpansionName(ctx context.Context, id int64) (string, error) {
	var name string
	err := s.db.GetContext(ctx, &name, `SELECT name FROM expansions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("expansion name: %w", err)
	}
	return name, nil
}

// GetSource returns a source by id.
func (s *Store) GetSource(ctx context.Context, id int64) (*Source, error) {
	var src Source
	err := s.db.GetContext(ctx, &src, `SELECT * FROM sources WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get source: %w", err)
	}
	return &src, nil
}

// SourcesForAsk returns the sources consulted for a question: the game's
// sources for the requested edition plus expansion sources for the enabled
// expansions. An empty edition matches every edition.
func (s *Store) SourcesForAsk(ctx context.Context, gameID int64, edition string, expansionIDs []int64) ([]Source, error) {
	query := `
		SELECT * FROM sources
		WHERE game_id = $1
		  AND ($2 = '' OR edition = $2 OR source_type = 'expansion')
		  AND (expansion_id IS NULL OR expansion_id = ANY($3))
		ORDER BY id`
	var sources []Source
	if err := s.db.SelectContext(ctx, &sources, query, gameID, edition, pq.Array(expansionIDs)); err != nil {
		return nil, fmt.Errorf("sources for ask: %w", err)
	}
	return sources, nil
}

// BaseSources returns the game's precedence-1 sources for the catalog
// detail view.
func (s *Store) BaseSources(ctx context.Context, gameID int64) ([]Source, error) {
	var sources []Source
	err := s.db.SelectContext(ctx, &sources,
		`SELECT * FROM sources
		 WHERE game_id = $1 AND source_type IN ('rulebook', 'reference_card')
		 ORDER BY id`, gameID)
	if err != nil {
		return nil, fmt.Errorf("base sources: %w", err)
	}
	return sources, nil
}

// ListSourcesWithURL returns every source that has an upstream URL, for the
// health-check job.
func (s *Store) ListSourcesWithURL(ctx context.Context) ([]Source, error) {
	var sources []Source
	err := s.db.SelectContext(ctx, &sources,
		`SELECT * FROM sources WHERE source_url IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sources with url: %w", err)
	}
	return sources, nil
}

// UnindexedSourceIDs filters the given sources down to those with no live
// chunks, i.e. the ones that must be ingested before answering.
func (s *Store) UnindexedSourceIDs(ctx context.Context, sourceIDs []int64) ([]int64, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}
	var ids []int64
	query := `
		SELECT s.id FROM sources s
		WHERE s.id = ANY($1)
		  AND NOT EXISTS (
			SELECT 1 FROM chunks c
			WHERE c.source_id = s.id
			  AND (c.expires_at IS NULL OR c.expires_at > now())
		  )
		ORDER BY s.id`
	if err := s.db.SelectContext(ctx, &ids, query, pq.Array(sourceIDs)); err != nil {
		return nil, fmt.Errorf("unindexed sources: %w", err)
	}
	return ids, nil
}

// MarkNeedsOCR flags a source whose native text extraction was insufficient.
func (s *Store) MarkNeedsOCR(ctx context.Context, sourceID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sources SET needs_ocr = TRUE WHERE id = $1`, sourceID)
	if err != nil {
		return fmt.Errorf("mark needs_ocr: %w", err)
	}
	return nil
}

// MarkNeedsReingest flags sources whose upstream content changed or whose
// chunks expired.
func (s *Store) MarkNeedsReingest(ctx context.Context, sourceIDs []int64) error {
	if len(sourceIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sources SET needs_reingest = TRUE WHERE id = ANY($1)`, pq.Array(sourceIDs))
	if err != nil {
		return fmt.Errorf("mark needs_reingest: %w", err)
	}
	return nil
}
