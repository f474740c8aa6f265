package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/satchel/squire/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// listLimit parses the "limit" query param, clamping to sane bounds.
func listLimit(r *http.Request) int {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit
}

func (s *Server) handleAPIRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	laneID := r.URL.Query().Get("lane")
	runs, err := s.cfg.Store.ListRuns(r.Context(), laneID, listLimit(r))
	if err != nil {
		slog.Error("api: list runs failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"runs": runs})
}

func (s *Server) handleAPIJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	jobs, err := s.cfg.Store.ListJobs(r.Context())
	if err != nil {
		slog.Error("api: list jobs failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jobs": jobs})
}

func (s *Server) handleAPIQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	status := store.QueueStatus(r.URL.Query().Get("status"))
	items, err := s.cfg.Store.ListQueueItems(r.Context(), status, listLimit(r))
	if err != nil {
		slog.Error("api: list queue failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	pending, running, err := s.cfg.Store.QueueDepth(r.Context())
	if err != nil {
		slog.Error("api: queue depth failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"items":   items,
		"pending": pending,
		"running": running,
	})
}
