package httpapi

import (
	"net/http"

	"github.com/arbiterhq/arbiter/internal/db"
)

var feedbackTypes = map[string]bool{
	"helpful":              true,
	"wrong_quote":          true,
	"wrong_interpretation": true,
	"missing_context":      true,
	"wrong_source":         true,
}

type feedbackRequest struct {
	AskHistoryID    int64   `json:"ask_history_id"`
	FeedbackType    string  `json:"feedback_type"`
	SelectedChunkID *int64  `json:"selected_chunk_id"`
	UserNote        *string `json:"user_note"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body", err.Error())
		return
	}
	if !feedbackTypes[req.FeedbackType] {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown feedback_type", req.FeedbackType)
		return
	}

	exists, err := s.store.AskHistoryExists(r.Context(), req.AskHistoryID)
	if err != nil {
		s.internalError(w, "history lookup failed", err)
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "not_found", "answer not found", "")
		return
	}

	id, err := s.store.InsertFeedback(r.Context(), &db.Feedback{
		AskHistoryID:    req.AskHistoryID,
		FeedbackType:    req.FeedbackType,
		SelectedChunkID: req.SelectedChunkID,
		UserNote:        req.UserNote,
	})
	if err != nil {
		s.internalError(w, "feedback insert failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "feedback_id": id})
}
