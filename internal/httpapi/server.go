// Package httpapi exposes the question, catalog, ingestion, and feedback
// endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/internal/answer"
	"github.com/arbiterhq/arbiter/internal/budget"
	"github.com/arbiterhq/arbiter/internal/cache"
	"github.com/arbiterhq/arbiter/internal/conflict"
	"github.com/arbiterhq/arbiter/internal/db"
	"github.com/arbiterhq/arbiter/internal/jobs"
	"github.com/arbiterhq/arbiter/internal/ratelimit"
	"github.com/arbiterhq/arbiter/internal/retrieval"
)

// Store is the persistence surface of the HTTP layer.
type Store interface {
	GetGame(ctx context.Context, id int64) (*db.Game, error)
	ListGames(ctx context.Context) ([]db.Game, error)
	ListExpansions(ctx context.Context, gameID int64) ([]db.Expansion, error)
	GetExpansions(ctx context.Context, gameID int64, ids []int64) ([]db.Expansion, error)
	GetSource(ctx context.Context, id int64) (*db.Source, error)
	BaseSources(ctx context.Context, gameID int64) ([]db.Source, error)
	SourcesForAsk(ctx context.Context, gameID int64, edition string, expansionIDs []int64) ([]db.Source, error)
	UnindexedSourceIDs(ctx context.Context, sourceIDs []int64) ([]int64, error)
	InsertAskHistory(ctx context.Context, h *db.AskHistory) (int64, error)
	AskHistoryExists(ctx context.Context, id int64) (bool, error)
	InsertFeedback(ctx context.Context, f *db.Feedback) (int64, error)
	Ping(ctx context.Context) error
}

// Searcher runs hybrid retrieval.
type Searcher interface {
	Search(ctx context.Context, p retrieval.Params) (*retrieval.Result, error)
}

// ConflictChecker flags near-tied candidates from different precedence
// levels.
type ConflictChecker interface {
	Check(ctx context.Context, question string, top []retrieval.Candidate) *conflict.Detection
}

// Answerer produces verified answers.
type Answerer interface {
	Answer(ctx context.Context, question string, ret *retrieval.Result, conflictNote string) (*answer.Result, error)
}

// Server wires the handlers to their dependencies.
type Server struct {
	store          Store
	engine         Searcher
	conflicts      ConflictChecker
	answerer       Answerer
	limiter        *ratelimit.Limiter
	gate           *budget.Gate
	answers        *cache.AnswerCache
	queue          *jobs.Queue
	bus            *jobs.StatusBus
	frontendOrigin string
	logger         *zap.Logger
	sseMaxDuration time.Duration
}

// Config carries the server dependencies.
type Config struct {
	Store          Store
	Engine         Searcher
	Conflicts      ConflictChecker
	Answerer       Answerer
	Limiter        *ratelimit.Limiter
	Gate           *budget.Gate
	Answers        *cache.AnswerCache
	Queue          *jobs.Queue
	Bus            *jobs.StatusBus
	FrontendOrigin string
	Logger         *zap.Logger
}

// New builds the server.
func New(cfg Config) *Server {
	return &Server{
		store:          cfg.Store,
		engine:         cfg.Engine,
		conflicts:      cfg.Conflicts,
		answerer:       cfg.Answerer,
		limiter:        cfg.Limiter,
		gate:           cfg.Gate,
		answers:        cfg.Answers,
		queue:          cfg.Queue,
		bus:            cfg.Bus,
		frontendOrigin: cfg.FrontendOrigin,
		logger:         cfg.Logger,
		sseMaxDuration: sseMaxDuration,
	}
}

// Routes returns the handler tree.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ask", s.handleAsk)
	mux.HandleFunc("GET /games", s.handleListGames)
	mux.HandleFunc("GET /games/{id}", s.handleGetGame)
	mux.HandleFunc("GET /games/{id}/expansions", s.handleListExpansions)
	mux.HandleFunc("POST /ingest", s.handleIngest)
	mux.HandleFunc("GET /ingest/{job_id}/status", s.handleJobStatus)
	mux.HandleFunc("GET /ingest/{job_id}/events", s.handleJobEvents)
	mux.HandleFunc("POST /feedback", s.handleFeedback)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return s.cors(s.logRequests(mux))
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.frontendOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.frontendOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Session-ID")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("Request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "unhealthy", "database unreachable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorEnvelope is the uniform error shape of every non-2xx response.
type errorEnvelope struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	ErrorCode  string `json:"error_code"`
	Detail     string `json:"detail,omitempty"`
	RetryAfter string `json:"retry_after,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, msg, detail string) {
	writeJSON(w, status, errorEnvelope{Error: msg, ErrorCode: code, Detail: detail})
}

// clientIP prefers the first X-Forwarded-For hop; the service runs behind a
// proxy in production.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
