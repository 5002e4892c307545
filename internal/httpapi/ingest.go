package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/arbiterhq/arbiter/internal/db"
	"github.com/arbiterhq/arbiter/internal/ingest"
	"github.com/arbiterhq/arbiter/internal/jobs"
)

type ingestRequest struct {
	SourceID int64 `json:"source_id"`
	Force    bool  `json:"force"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body", err.Error())
		return
	}
	if req.SourceID <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "source_id is required", "")
		return
	}

	decision := s.limiter.AllowIngest(r.Context(), clientIP(r))
	writeRateHeaders(w, decision)
	if !decision.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision)))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many ingestion requests", "")
		return
	}

	source, err := s.store.GetSource(r.Context(), req.SourceID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "source not found", "")
			return
		}
		s.internalError(w, "source lookup failed", err)
		return
	}
	if source.SourceURL == nil || *source.SourceURL == "" {
		writeError(w, http.StatusUnprocessableEntity, "no_url", "source has no downloadable URL", "")
		return
	}

	task, err := jobs.NewTask(ingest.TaskIngestSource, ingest.Args{
		SourceID: req.SourceID,
		Force:    req.Force,
	})
	if err != nil {
		s.internalError(w, "task build failed", err)
		return
	}
	if err := s.queue.Enqueue(r.Context(), task); err != nil {
		s.internalError(w, "enqueue failed", err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":           true,
		"job_id":            task.ID,
		"source_id":         req.SourceID,
		"status_url":        fmt.Sprintf("/ingest/%s/status", task.ID),
		"events_url":        fmt.Sprintf("/ingest/%s/events", task.ID),
		"estimated_seconds": estimatedSecondsPerSource,
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	st, err := s.bus.Get(r.Context(), jobID)
	if err != nil {
		s.internalError(w, "status lookup failed", err)
		return
	}
	if st == nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown or expired job", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"job_id":  jobID,
		"status":  st,
	})
}
