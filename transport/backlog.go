package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/c360/runwatch/backlog"
)

// backlogResponse is the replay read result.
type backlogResponse struct {
	Channel string          `json:"channel"`
	Events  []backlog.Entry `json:"events"`
}

// handleBacklog serves GET /backlog?channel=<name>&limit=<n>, returning the
// channel's retained events oldest first.
func (s *Server) handleBacklog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	channel := r.URL.Query().Get("channel")
	if channel == "" {
		s.writeJSONError(w, http.StatusBadRequest, "channel query parameter is required")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	events := []backlog.Entry{}
	if s.store != nil {
		var err error
		events, err = s.store.Recent(r.Context(), channel, limit)
		if err != nil {
			s.logger.Warn("backlog read failed", "channel", channel, "error", err)
			s.writeJSONError(w, http.StatusServiceUnavailable, "backlog temporarily unavailable")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(backlogResponse{Channel: channel, Events: events}); err != nil {
		s.logger.Warn("backlog response write failed", "error", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	data, _ := json.Marshal(map[string]any{
		"error":  message,
		"status": statusCode,
	})
	_, _ = w.Write(data)
}
