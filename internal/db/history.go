package db

import (
	"context"
	"fmt"
	"time"
)

// InsertAskHistory persists one answered question and returns its id.
func (s *Store) InsertAskHistory(ctx context.Context, h *AskHistory) (int64, error) {
	var emb interface{}
	if h.QuestionEmbedding != nil {
		emb = *h.QuestionEmbedding
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO ask_history
		   (game_id, edition, expansions_used, question, normalized_question,
		    question_embedding, verdict, confidence, confidence_reason, citations,
		    response_time_ms, model_used)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id`,
		h.GameID, h.Edition, h.ExpansionsUsed, h.Question, h.NormalizedQuestion,
		emb, h.Verdict, h.Confidence, h.ConfidenceReason, h.Citations,
		h.ResponseTimeMs, h.ModelUsed).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert ask history: %w", err)
	}
	return id, nil
}

// AskHistoryExists reports whether an answer history row exists, used to
// validate feedback submissions.
func (s *Store) AskHistoryExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM ask_history WHERE id = $1)`, id)
	if err != nil {
		return false, fmt.Errorf("ask history exists: %w", err)
	}
	return exists, nil
}

// InsertFeedback persists user feedback and returns its id.
func (s *Store) InsertFeedback(ctx context.Context, f *Feedback) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO feedback (ask_history_id, feedback_type, selected_chunk_id, user_note)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		f.AskHistoryID, f.FeedbackType, f.SelectedChunkID, f.UserNote).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert feedback: %w", err)
	}
	return id, nil
}

// DeleteOldHistory removes answer history older than the retention window.
func (s *Store) DeleteOldHistory(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM ask_history WHERE created_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(retention.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("delete old history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
