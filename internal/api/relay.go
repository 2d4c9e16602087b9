package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/gray-logic-modembridge/internal/bridges/esp01"
)

// requestAccepted is returned for queued publish and topic requests. The
// outcome arrives later as an AckMessage on the local broker.
type requestAccepted struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// handleStatus returns the bridge's current health and link counters.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.relay == nil {
		writeUnavailable(w, "bridge not running")
		return
	}
	writeJSON(w, http.StatusOK, s.relay.Status())
}

// handlePublish queues an upstream publish through the modem.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		writeUnavailable(w, "bridge not running")
		return
	}

	var req esp01.PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Topic == "" {
		writeBadRequest(w, "topic is required")
		return
	}
	if req.QoS > 2 {
		writeBadRequest(w, "qos must be 0, 1, or 2")
		return
	}

	id, err := s.relay.SubmitPublish(req)
	s.writeSubmitResult(w, id, err)
}

// handleSetTopics queues a replacement of the upstream subscription set.
func (s *Server) handleSetTopics(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		writeUnavailable(w, "bridge not running")
		return
	}

	var req esp01.TopicsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	id, err := s.relay.SubmitTopics(req)
	s.writeSubmitResult(w, id, err)
}

func (s *Server) writeSubmitResult(w http.ResponseWriter, id string, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, requestAccepted{ID: id, Status: "queued"})
	case errors.Is(err, esp01.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, ErrCodeQueueFull, "request queue full, retry later")
	case errors.Is(err, esp01.ErrBridgeStopped):
		writeUnavailable(w, "bridge stopped")
	default:
		s.logger.Error("relay request failed", "id", id, "error", err)
		writeInternalError(w, "failed to queue request")
	}
}
