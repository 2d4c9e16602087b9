package esp01

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// measurementLink is the time-series measurement for link counters.
const measurementLink = "modem_link"

// HealthReporter periodically publishes bridge health to the local broker
// and, when a metrics writer is configured, the link counters as a point.
type HealthReporter struct {
	bridgeID  string
	version   string
	broker    string
	startTime time.Time
	interval  time.Duration
	publisher HealthPublisher
	stats     StatsSource
	metrics   MetricsWriter

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// StatsSource provides link statistics. *Link implements it.
type StatsSource interface {
	Stats() LinkStats
}

// MetricsWriter writes a single time-series point.
type MetricsWriter interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]any)
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	BridgeID string
	Version  string

	// Broker is host:port of the upstream broker, reported verbatim.
	Broker string

	// Interval is how often to publish health status.
	// Default: 30 seconds.
	Interval time.Duration

	Publisher HealthPublisher
	Stats     StatsSource

	// Metrics is optional.
	Metrics MetricsWriter
}

// NewHealthReporter creates a new health reporter.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval == 0 {
		interval = 30 * time.Second
	}

	return &HealthReporter{
		bridgeID:  cfg.BridgeID,
		version:   cfg.Version,
		broker:    cfg.Broker,
		startTime: time.Now(),
		interval:  interval,
		publisher: cfg.Publisher,
		stats:     cfg.Stats,
		metrics:   cfg.Metrics,
		done:      make(chan struct{}),
	}
}

// Start begins periodic health reporting. Call Stop to shut down.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop stops reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown
		h.publishStatus(HealthStopping, "")
	})
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bridge starting")
}

// PublishNow publishes the current health status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

// Snapshot returns the current health without publishing it.
func (h *HealthReporter) Snapshot() HealthMessage {
	status, reason := h.determineStatus()
	msg := NewHealthMessage(h.bridgeID, h.version, h.broker, status, h.snapshot(), h.startTime)
	msg.Reason = reason
	return msg
}

// LWTPayload returns the last will payload for the local broker connection.
func (h *HealthReporter) LWTPayload() ([]byte, error) {
	return json.Marshal(NewLWTMessage(h.bridgeID))
}

// LWTTopic returns the topic for the last will.
func (h *HealthReporter) LWTTopic() string {
	return HealthTopic(h.bridgeID)
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.report()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			h.report()
		}
	}
}

func (h *HealthReporter) report() {
	if err := h.PublishNow(); err != nil {
		h.logError("failed to publish health", err)
	}
	h.writeMetrics()
}

// determineStatus evaluates the current bridge status.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.stats == nil {
		return HealthDegraded, "no link"
	}
	s := h.stats.Stats()
	if !s.Connected {
		return HealthDegraded, "upstream " + s.State
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) snapshot() LinkStats {
	if h.stats == nil {
		return LinkStats{State: StateIdle.String()}
	}
	return h.stats.Stats()
}

func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return nil
	}

	msg := NewHealthMessage(h.bridgeID, h.version, h.broker, status, h.snapshot(), h.startTime)
	if reason != "" {
		msg.Reason = reason
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return h.publisher.Publish(HealthTopic(h.bridgeID), payload, 1, true)
}

func (h *HealthReporter) writeMetrics() {
	if h.metrics == nil {
		return
	}
	s := h.snapshot()

	connected := int64(0)
	if s.Connected {
		connected = 1
	}

	h.metrics.WritePoint(measurementLink,
		map[string]string{"bridge": h.bridgeID},
		map[string]any{
			"connected":          connected,
			"commands_sent":      int64(s.CommandsSent),
			"commands_failed":    int64(s.CommandsFailed),
			"commands_timed_out": int64(s.CommandsTimedOut),
			"messages_received":  int64(s.MessagesReceived),
			"parse_failures":     int64(s.ParseFailures),
			"disconnects":        int64(s.Disconnects),
			"uptime_seconds":     int64(time.Since(h.startTime).Seconds()),
		},
	)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
