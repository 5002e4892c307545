package db

import (
	"context"
	"fmt"
)

// InsertAPICost logs one paid upstream call.
func (s *Store) InsertAPICost(ctx context.Context, c *APICost) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_costs
		   (request_id, endpoint, model, input_tokens, output_tokens, cost_usd, cache_hit)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.RequestID, c.Endpoint, c.Model, c.InputTokens, c.OutputTokens, c.CostUSD, c.CacheHit)
	if err != nil {
		return fmt.Errorf("insert api cost: %w", err)
	}
	return nil
}

// DailySpend returns the summed cost of the trailing 24 hours.
func (s *Store) DailySpend(ctx context.Context) (float64, error) {
	var total float64
	err := s.db.GetContext(ctx, &total,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM api_costs
		 WHERE created_at > now() - interval '24 hours'`)
	if err != nil {
		return 0, fmt.Errorf("daily spend: %w", err)
	}
	return total, nil
}

// InsertSourceHealth appends one upstream check result.
func (s *Store) InsertSourceHealth(ctx context.Context, h *SourceHealth) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO source_health
		   (source_id, status, http_code, file_hash, content_length, error)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		h.SourceID, h.Status, h.HTTPCode, h.FileHash, h.ContentLength, h.Error)
	if err != nil {
		return fmt.Errorf("insert source health: %w", err)
	}
	return nil
}
