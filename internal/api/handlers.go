package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/datapack-cli/internal/blocks"
	"github.com/sells-group/datapack-cli/internal/model"
	"github.com/sells-group/datapack-cli/internal/store"
)

// blockView is a block record annotated with whether it is still active.
type blockView struct {
	blocks.Record
	Active bool `json:"active"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	zap.L().Error("api: request failed", zap.String("path", r.URL.Path), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

// intParam parses an optional non-negative integer query parameter.
func intParam(r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) listBlocks(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Blocks.List(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	activeOnly := r.URL.Query().Get("active") == "true"
	now := s.nowFunc()
	out := make([]blockView, 0, len(recs))
	for _, rec := range recs {
		v := blockView{Record: rec, Active: rec.Active(now)}
		if activeOnly && !v.Active {
			continue
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) getBlock(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Blocks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "block not found")
		return
	}
	writeJSON(w, http.StatusOK, blockView{Record: *rec, Active: rec.Active(s.nowFunc())})
}

func (s *server) clearBlock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.deps.Blocks.Get(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "block not found")
		return
	}
	if err := s.deps.Blocks.Clear(r.Context(), id); err != nil {
		s.internalError(w, r, err)
		return
	}
	zap.L().Info("api: block cleared", zap.String("id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) cleanupBlocks(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Blocks.CleanupExpired(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, ok := intParam(r, "offset")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	filter := store.RunFilter{
		IndustryID: r.URL.Query().Get("industry"),
		Status:     model.Status(r.URL.Query().Get("status")),
		Limit:      limit,
		Offset:     offset,
	}
	switch filter.Status {
	case "", model.StatusComplete, model.StatusPartial, model.StatusFailed:
	default:
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	runs, err := s.deps.Runs.ListRuns(r.Context(), filter)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if runs == nil {
		runs = []model.IndustryRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *server) listAttempts(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = store.MacroScope
	}
	attempts, err := s.deps.Runs.ListAttempts(r.Context(), chi.URLParam(r, "id"), scope)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []model.SourceAttempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (s *server) stats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stats == nil {
		writeError(w, http.StatusNotFound, "stats disabled")
		return
	}
	hours, ok := intParam(r, "lookback_hours")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid lookback_hours")
		return
	}
	if hours == 0 {
		hours = s.deps.LookbackHours
	}
	snap, err := s.deps.Stats.Collect(r.Context(), hours)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
