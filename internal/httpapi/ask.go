package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/internal/answer"
	"github.com/arbiterhq/arbiter/internal/cache"
	"github.com/arbiterhq/arbiter/internal/db"
	"github.com/arbiterhq/arbiter/internal/ingest"
	"github.com/arbiterhq/arbiter/internal/jobs"
	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/internal/ratelimit"
	"github.com/arbiterhq/arbiter/internal/retrieval"
)

// estimatedSecondsPerSource drives the indexing ETA shown to clients.
const estimatedSecondsPerSource = 45

type askRequest struct {
	GameID       int64   `json:"game_id"`
	Question     string  `json:"question"`
	Edition      string  `json:"edition"`
	ExpansionIDs []int64 `json:"expansion_ids"`
	SessionID    string  `json:"session_id"`
}

// askResponse flattens the answer fields to the top level alongside the
// request metadata.
type askResponse struct {
	Success bool `json:"success"`
	*answer.Result
	Cached         bool  `json:"cached"`
	ResponseTimeMs int64 `json:"response_time_ms"`
	HistoryID      int64 `json:"history_id,omitempty"`
}

type indexingResponse struct {
	Status           string   `json:"status"`
	JobID            string   `json:"job_id"`
	JobIDs           []string `json:"job_ids"`
	StatusURL        string   `json:"status_url"`
	SourcesToIndex   int      `json:"sources_to_index"`
	SourceIDs        []int64  `json:"source_ids"`
	EstimatedSeconds int      `json:"estimated_seconds"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req askRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body", err.Error())
		return
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(req.Question)); n < 5 || n > 1000 {
		writeError(w, http.StatusBadRequest, "invalid_question",
			"question must be between 5 and 1000 characters", "")
		return
	}
	if req.GameID <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "game_id is required", "")
		return
	}

	if ok, retryAt := s.gate.Allow(ctx); !ok {
		writeJSON(w, http.StatusServiceUnavailable, errorEnvelope{
			Error:      "daily budget exhausted",
			ErrorCode:  "budget_exhausted",
			Detail:     "the service has reached its daily spending limit",
			RetryAfter: retryAt.Format(time.RFC3339),
		})
		return
	}

	decision := s.limiter.AllowAsk(ctx, clientIP(r), req.SessionID)
	writeRateHeaders(w, decision)
	if !decision.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision)))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", "")
		return
	}

	if _, err := s.store.GetGame(ctx, req.GameID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "game not found", "")
			return
		}
		s.internalError(w, "game lookup failed", err)
		return
	}

	if len(req.ExpansionIDs) > 0 {
		exps, err := s.store.GetExpansions(ctx, req.GameID, req.ExpansionIDs)
		if err != nil {
			s.internalError(w, "expansion lookup failed", err)
			return
		}
		if len(exps) != len(req.ExpansionIDs) {
			writeError(w, http.StatusBadRequest, "unknown_expansion",
				"one or more expansion_ids do not belong to this game", "")
			return
		}
	}

	cacheKey := cache.Key(req.GameID, req.Edition, req.ExpansionIDs, req.Question)
	if payload := s.answers.Get(ctx, cacheKey); payload != nil {
		var cached answer.Result
		if err := json.Unmarshal(payload, &cached); err == nil {
			metrics.AsksTotal.WithLabelValues("cached").Inc()
			writeJSON(w, http.StatusOK, askResponse{
				Success:        true,
				Result:         &cached,
				Cached:         true,
				ResponseTimeMs: time.Since(start).Milliseconds(),
			})
			return
		}
		s.logger.Warn("Discarding unreadable cached answer", zap.String("key", cacheKey))
	}

	sources, err := s.store.SourcesForAsk(ctx, req.GameID, req.Edition, req.ExpansionIDs)
	if err != nil {
		s.internalError(w, "source lookup failed", err)
		return
	}
	if len(sources) == 0 {
		writeError(w, http.StatusNotFound, "no_sources", "no rulebook sources for this game", "")
		return
	}

	sourceIDs := make([]int64, len(sources))
	for i, src := range sources {
		sourceIDs[i] = src.ID
	}

	unindexed, err := s.store.UnindexedSourceIDs(ctx, sourceIDs)
	if err != nil {
		s.internalError(w, "index check failed", err)
		return
	}
	if len(unindexed) > 0 {
		s.respondIndexing(ctx, w, unindexed)
		return
	}

	ret, err := s.engine.Search(ctx, retrieval.Params{
		Query:        req.Question,
		SourceIDs:    sourceIDs,
		GameID:       req.GameID,
		ExpansionIDs: req.ExpansionIDs,
	})
	if err != nil {
		s.internalError(w, "retrieval failed", err)
		return
	}
	if len(ret.Chunks) == 0 {
		writeError(w, http.StatusNotFound, "no_matches", "no relevant rules found for this question", "")
		return
	}

	conflictNote := ""
	if det := s.conflicts.Check(ctx, req.Question, ret.Top); det != nil {
		conflictNote = det.Note()
	}

	res, err := s.answerer.Answer(ctx, req.Question, ret, conflictNote)
	if err != nil {
		s.internalError(w, "answer generation failed", err)
		return
	}

	elapsed := time.Since(start).Milliseconds()
	historyID := s.recordHistory(ctx, &req, res, ret.QueryEmbedding, elapsed)

	if res.Verified {
		if payload, err := json.Marshal(res); err == nil {
			s.answers.Set(ctx, cacheKey, payload)
		}
	}

	metrics.AsksTotal.WithLabelValues(res.Confidence).Inc()
	metrics.AskDuration.Observe(time.Since(start).Seconds())
	writeJSON(w, http.StatusOK, askResponse{
		Success:        true,
		Result:         res,
		ResponseTimeMs: elapsed,
		HistoryID:      historyID,
	})
}

// respondIndexing enqueues one ingestion job per unindexed source and tells
// the client to poll.
func (s *Server) respondIndexing(ctx context.Context, w http.ResponseWriter, unindexed []int64) {
	jobIDs := make([]string, 0, len(unindexed))
	for _, sourceID := range unindexed {
		task, err := jobs.NewTask(ingest.TaskIngestSource, ingest.Args{SourceID: sourceID})
		if err != nil {
			s.internalError(w, "task build failed", err)
			return
		}
		if err := s.queue.Enqueue(ctx, task); err != nil {
			s.internalError(w, "enqueue failed", err)
			return
		}
		jobIDs = append(jobIDs, task.ID)
	}

	writeJSON(w, http.StatusAccepted, indexingResponse{
		Status:           "indexing",
		JobID:            jobIDs[0],
		JobIDs:           jobIDs,
		StatusURL:        fmt.Sprintf("/ingest/%s/status", jobIDs[0]),
		SourcesToIndex:   len(unindexed),
		SourceIDs:        unindexed,
		EstimatedSeconds: estimatedSecondsPerSource * len(unindexed),
	})
}

func (s *Server) recordHistory(ctx context.Context, req *askRequest, res *answer.Result, queryEmbedding []float32, elapsedMs int64) int64 {
	citations, err := json.Marshal(res.Citations)
	if err != nil {
		citations = []byte("[]")
	}
	var edition *string
	if req.Edition != "" {
		edition = &req.Edition
	}
	var reason *string
	if res.ConfidenceReason != "" {
		reason = &res.ConfidenceReason
	}
	var embedding *pgvector.Vector
	if queryEmbedding != nil {
		vec := pgvector.NewVector(queryEmbedding)
		embedding = &vec
	}

	model := res.ModelUsed
	id, err := s.store.InsertAskHistory(ctx, &db.AskHistory{
		GameID:             req.GameID,
		Edition:            edition,
		ExpansionsUsed:     pq.Int64Array(req.ExpansionIDs),
		Question:           req.Question,
		NormalizedQuestion: cache.NormalizeQuestion(req.Question),
		QuestionEmbedding:  embedding,
		Verdict:            res.Verdict,
		Confidence:         res.Confidence,
		ConfidenceReason:   reason,
		Citations:          citations,
		ResponseTimeMs:     int(elapsedMs),
		ModelUsed:          &model,
	})
	if err != nil {
		s.logger.Error("Failed to record ask history", zap.Error(err))
		return 0
	}
	return id
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal_error", msg, "")
}

func writeRateHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

func retryAfterSeconds(d ratelimit.Decision) int {
	secs := int(time.Until(d.ResetAt).Seconds()) + 1
	if secs < 1 {
		secs = 1
	}
	return secs
}
