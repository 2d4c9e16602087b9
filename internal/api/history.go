package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/gray-logic-modembridge/internal/history"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// handleListMessages returns the most recent relayed messages, newest first.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "history not configured")
		return
	}

	limit, ok := parseHistoryLimit(r.URL.Query().Get("limit"))
	if !ok {
		writeBadRequest(w, "limit must be between 1 and 500")
		return
	}

	msgs, err := s.history.RecentMessages(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing messages failed", "error", err)
		writeInternalError(w, "failed to read history")
		return
	}
	if msgs == nil {
		msgs = []history.Message{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"count":    len(msgs),
	})
}

// handleListLinkEvents returns the most recent link events, newest first.
func (s *Server) handleListLinkEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "history not configured")
		return
	}

	limit, ok := parseHistoryLimit(r.URL.Query().Get("limit"))
	if !ok {
		writeBadRequest(w, "limit must be between 1 and 500")
		return
	}

	events, err := s.history.RecentLinkEvents(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing link events failed", "error", err)
		writeInternalError(w, "failed to read history")
		return
	}
	if events == nil {
		events = []history.LinkEvent{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// parseHistoryLimit parses the limit query parameter. Empty means the default.
func parseHistoryLimit(raw string) (int, bool) {
	if raw == "" {
		return defaultHistoryLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxHistoryLimit {
		return 0, false
	}
	return limit, true
}
