package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics represents the metrics response.
type SystemMetrics struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeMetrics `json:"runtime"`
	WebSocket     WSMetrics      `json:"websocket"`
	MQTT          MQTTMetrics    `json:"mqtt"`
	Modem         *ModemMetrics  `json:"modem,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int    `json:"connected_clients"`
	DroppedEvents    uint64 `json:"dropped_events"`
}

// MQTTMetrics contains local broker statistics.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// ModemMetrics summarises the upstream link.
type ModemMetrics struct {
	Status           string `json:"status"`
	State            string `json:"state"`
	Connected        bool   `json:"connected"`
	MessagesReceived uint64 `json:"messages_received"`
	CommandsSent     uint64 `json:"commands_sent"`
	CommandsFailed   uint64 `json:"commands_failed"`
	CommandsTimedOut uint64 `json:"commands_timed_out"`
	Disconnects      uint64 `json:"disconnects"`
}

// handleMetrics returns process and link metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
			DroppedEvents:    s.hub.Dropped(),
		},
	}

	if s.mqtt != nil {
		metrics.MQTT = MQTTMetrics{
			Connected: s.mqtt.IsConnected(),
		}
	}

	if s.relay != nil {
		h := s.relay.Status()
		m := &ModemMetrics{Status: string(h.Status)}
		if h.Connection != nil {
			m.State = h.Connection.State
			m.Connected = h.Connection.Status == "connected"
		}
		if h.Statistics != nil {
			m.MessagesReceived = h.Statistics.MessagesReceived
			m.CommandsSent = h.Statistics.CommandsSent
			m.CommandsFailed = h.Statistics.CommandsFailed
			m.CommandsTimedOut = h.Statistics.CommandsTimedOut
			m.Disconnects = h.Statistics.Disconnects
		}
		metrics.Modem = m
	}

	writeJSON(w, http.StatusOK, metrics)
}
