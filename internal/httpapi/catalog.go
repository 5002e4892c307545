package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/arbiterhq/arbiter/internal/db"
)

func (s *Server) handleListGames(w http.ResponseWriter, r *http.Request) {
	games, err := s.store.ListGames(r.Context())
	if err != nil {
		s.internalError(w, "game list failed", err)
		return
	}
	if games == nil {
		games = []db.Game{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "games": games})
}

func (s *Server) handleGetGame(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	game, err := s.store.GetGame(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "game not found", "")
			return
		}
		s.internalError(w, "game lookup failed", err)
		return
	}
	sources, err := s.store.BaseSources(r.Context(), id)
	if err != nil {
		s.internalError(w, "source lookup failed", err)
		return
	}
	if sources == nil {
		sources = []db.Source{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "game": game, "sources": sources})
}

func (s *Server) handleListExpansions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.store.GetGame(r.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "game not found", "")
			return
		}
		s.internalError(w, "game lookup failed", err)
		return
	}
	exps, err := s.store.ListExpansions(r.Context(), id)
	if err != nil {
		s.internalError(w, "expansion list failed", err)
		return
	}
	if exps == nil {
		exps = []db.Expansion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "expansions": exps})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid "+name, "")
		return 0, false
	}
	return id, true
}
