package esp01

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nerrad567/gray-logic-modembridge/internal/peripheral"
)

// Display texts shown while the bridge moves through its lifecycle.
const (
	displayBoot      = "BOOT"
	displayWifi      = "WIFI"
	displayMQTT      = "MQTT"
	displayRunning   = "RUN"
	displayConnected = "OK"
	displayError     = "ERR"
)

// Message directions recorded in history.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Channels passed to EventSink.Broadcast.
const (
	ChannelMessage = "modem.message"
	ChannelLink    = "modem.link"
)

// Link events recorded in history.
const (
	EventWifiJoined   = "wifi_joined"
	EventWifiFailed   = "wifi_failed"
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventClosed       = "closed"
)

// Bridge runs the modem's cooperative poll loop and connects it to the
// local broker, history store, telemetry and peripherals.
//
// All modem I/O happens on the goroutine calling Run. Other goroutines
// reach the modem only through the bounded request queue.
type Bridge struct {
	cfg       *Config
	modem     *Modem
	clock     Clock
	mqtt      MQTTClient
	store     MessageStore
	telemetry Telemetry
	display   Display
	sensor    Sensor
	events    EventSink
	health    *HealthReporter

	requests chan request

	// Poll goroutine state
	wasConnected bool
	lastSensor   time.Time
	lastPrune    time.Time

	// Shutdown coordination
	done      chan struct{}
	stopOnce  sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	logger Logger
}

// MQTTClient is the local broker connection.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
}

// MessageStore persists message and link history.
// It is optional; if nil, nothing is recorded.
type MessageStore interface {
	RecordMessage(ctx context.Context, topic, payload, direction string) error
	RecordLinkEvent(ctx context.Context, event, detail string) error
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Telemetry writes time-series points. It is optional.
type Telemetry interface {
	MetricsWriter

	// WriteTopicValue records a numeric upstream payload.
	WriteTopicValue(bridgeID, topic string, value float64)

	// WriteSensorReading records a local sensor reading taken at at.
	WriteSensorReading(bridgeID string, temperature, humidity float64, at time.Time)
}

// Display shows short status texts.
type Display interface {
	ShowText(text string) error
}

// Sensor reads the local temperature and humidity sensor.
type Sensor interface {
	Read(ctx context.Context) peripheral.Reading
}

// EventSink receives live bridge events, typically a WebSocket hub.
// Broadcast is called on the poll goroutine and must not block.
type EventSink interface {
	Broadcast(channel string, payload any)
}

// LinkEventPayload is broadcast on ChannelLink.
type LinkEventPayload struct {
	Bridge string `json:"bridge"`
	Event  string `json:"event"`
	Detail string `json:"detail,omitempty"`
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// Config is the bridge configuration. Required.
	Config *Config

	// Modem is the component stack over the serial port. Required.
	Modem *Modem

	// MQTTClient is the local broker. Optional; without it the bridge
	// neither relays nor reports health.
	MQTTClient MQTTClient

	Store     MessageStore
	Telemetry Telemetry
	Display   Display
	Sensor    Sensor
	Events    EventSink
	Logger    Logger
}

// request is a relay request waiting for the poll goroutine.
type request struct {
	kind    string
	id      string
	publish PublishRequest
	topics  []string
}

// NewBridge creates a new bridge. Call Start, then Run.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Modem == nil {
		return nil, fmt.Errorf("modem is required")
	}

	cfg := *opts.Config
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		cfg:       &cfg,
		modem:     opts.Modem,
		clock:     opts.Modem.Executor.clock,
		mqtt:      opts.MQTTClient,
		store:     opts.Store,
		telemetry: opts.Telemetry,
		display:   opts.Display,
		sensor:    opts.Sensor,
		events:    opts.Events,
		requests:  make(chan request, cfg.QueueSize),
		done:      make(chan struct{}),
		ctx:       ctx,
		ctxCancel: ctxCancel,
		logger:    loggerOrNop(opts.Logger),
	}

	var metrics MetricsWriter
	if opts.Telemetry != nil {
		metrics = opts.Telemetry
	}
	var publisher HealthPublisher
	if opts.MQTTClient != nil {
		publisher = opts.MQTTClient
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  cfg.BridgeID,
		Version:   cfg.Version,
		Broker:    cfg.brokerAddress(),
		Interval:  cfg.HealthInterval,
		Publisher: publisher,
		Stats:     opts.Modem.Link,
		Metrics:   metrics,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Health returns the bridge's health reporter.
func (b *Bridge) Health() *HealthReporter {
	return b.health
}

// Status returns the bridge's current health without publishing it.
func (b *Bridge) Status() HealthMessage {
	return b.health.Snapshot()
}

// Start initialises the modem, joins WiFi and configures the upstream
// session. It blocks for the WiFi join. The first connect attempt
// happens on the first loop iteration.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logger.Error("failed to publish starting status", "error", err)
	}

	b.show(displayBoot)
	if !b.modem.Init() {
		b.logger.Warn("modem not answering, continuing")
	}

	b.show(displayWifi)
	if !b.modem.Wifi.Join(ctx, b.cfg.WiFi.SSID, b.cfg.WiFi.Password, b.cfg.WiFi.JoinTimeout) {
		b.show(displayError)
		b.recordEvent(ctx, EventWifiFailed, b.cfg.WiFi.SSID)
		return fmt.Errorf("%w: ssid %q", ErrWifiJoinFailed, b.cfg.WiFi.SSID)
	}
	b.recordEvent(ctx, EventWifiJoined, b.cfg.WiFi.SSID)
	b.logger.Info("wifi joined", "ssid", b.cfg.WiFi.SSID)

	b.show(displayMQTT)
	if err := b.modem.Session.Setup(b.cfg.Upstream); err != nil {
		b.show(displayError)
		return fmt.Errorf("configuring upstream session: %w", err)
	}
	b.modem.Parser.SetMessageHandler(b.handleUpstreamMessage)

	if b.mqtt != nil {
		for _, topic := range []string{PublishTopic(b.cfg.BridgeID), TopicsTopic(b.cfg.BridgeID)} {
			if err := b.mqtt.Subscribe(topic, 1, b.handleRelayMessage); err != nil {
				return fmt.Errorf("subscribe to %s: %w", topic, err)
			}
			b.logger.Info("subscribed to relay requests", "topic", topic)
		}
	}

	b.health.Start(ctx)
	b.show(displayRunning)

	b.logger.Info("bridge started",
		"bridge_id", b.cfg.BridgeID,
		"upstream", b.cfg.brokerAddress(),
		"topics", len(b.cfg.Upstream.Topics))
	return nil
}

// Run drives the poll loop until ctx is cancelled or Stop is called,
// then closes the upstream session.
func (b *Bridge) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.LoopInterval)
	defer ticker.Stop()

	for {
		b.step(ctx)

		select {
		case <-ctx.Done():
			b.shutdownSession()
			return nil
		case <-b.done:
			b.shutdownSession()
			return nil
		case <-ticker.C:
		}
	}
}

// Stop stops health reporting and ends Run. Safe to call multiple times.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.ctxCancel()
		b.health.Stop()
		b.logger.Info("bridge stopped")
	})
}

// SubmitPublish queues an upstream publish and returns its request id.
// Safe for concurrent use.
func (b *Bridge) SubmitPublish(req PublishRequest) (string, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	return req.ID, b.enqueue(request{kind: RequestKindPublish, id: req.ID, publish: req})
}

// SubmitTopics queues a replacement of the upstream topic set and returns
// its request id. Safe for concurrent use.
func (b *Bridge) SubmitTopics(req TopicsRequest) (string, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	return req.ID, b.enqueue(request{kind: RequestKindTopics, id: req.ID, topics: req.Topics})
}

func (b *Bridge) enqueue(req request) error {
	select {
	case <-b.done:
		return ErrBridgeStopped
	default:
	}

	select {
	case b.requests <- req:
		return nil
	default:
		b.logger.Warn("relay request dropped", "id", req.id, "kind", req.kind, "queue", cap(b.requests))
		return ErrQueueFull
	}
}

// step runs one loop iteration: unsolicited input, session state,
// queued requests, then periodic work.
func (b *Bridge) step(ctx context.Context) {
	b.modem.Parser.PollOnce()
	connected := b.modem.Session.Maintain()
	b.trackConnectivity(ctx, connected)
	b.drainRequests(ctx)
	b.periodic(ctx)
}

func (b *Bridge) trackConnectivity(ctx context.Context, connected bool) {
	if connected == b.wasConnected {
		return
	}
	b.wasConnected = connected

	if connected {
		b.show(displayConnected)
		b.recordEvent(ctx, EventConnected, b.modem.Session.ClientID())
		b.logger.Info("upstream session up", "client_id", b.modem.Session.ClientID())
	} else {
		b.show(displayMQTT)
		b.recordEvent(ctx, EventDisconnected, b.modem.Session.State().String())
		b.logger.Warn("upstream session down", "state", b.modem.Session.State().String())
	}

	if err := b.health.PublishNow(); err != nil {
		b.logger.Error("failed to publish health", "error", err)
	}
}

func (b *Bridge) drainRequests(ctx context.Context) {
	for {
		select {
		case req := <-b.requests:
			b.execute(ctx, req)
		default:
			return
		}
	}
}

func (b *Bridge) execute(ctx context.Context, req request) {
	var err error

	switch req.kind {
	case RequestKindPublish:
		p := req.publish
		err = b.modem.Session.Publish(p.Topic, p.Payload, p.QoS, p.Retain)
		if err == nil {
			b.recordMessage(ctx, p.Topic, p.Payload, DirectionOutbound)
		}
	case RequestKindTopics:
		err = b.modem.Session.SetTopics(req.topics)
	default:
		err = fmt.Errorf("unknown request kind %q", req.kind)
	}

	if err != nil {
		b.logger.Warn("relay request failed", "id", req.id, "kind", req.kind, "error", err)
	}
	b.publishAck(req.id, req.kind, err)
}

func (b *Bridge) periodic(ctx context.Context) {
	now := b.clock.Now()

	if b.sensor != nil && (b.lastSensor.IsZero() || now.Sub(b.lastSensor) >= b.cfg.SensorInterval) {
		b.lastSensor = now
		b.readSensor(ctx)
	}

	if b.store != nil && b.cfg.Retention > 0 &&
		(b.lastPrune.IsZero() || now.Sub(b.lastPrune) >= b.cfg.PruneInterval) {
		b.lastPrune = now
		n, err := b.store.Prune(ctx, b.cfg.Retention)
		if err != nil {
			b.logger.Error("history prune failed", "error", err)
		} else if n > 0 {
			b.logger.Info("history pruned", "rows", n)
		}
	}
}

func (b *Bridge) readSensor(ctx context.Context) {
	r := b.sensor.Read(ctx)
	if !r.OK {
		b.logger.Warn("sensor read failed", "code", r.Code.String())
		return
	}

	if b.telemetry != nil {
		b.telemetry.WriteSensorReading(b.cfg.BridgeID, r.Temperature, r.Humidity, r.At)
	}

	if b.cfg.SensorTopicBase == "" || !b.modem.Session.IsConnected() {
		return
	}
	readings := []struct {
		suffix string
		value  float64
	}{
		{"Temp", r.Temperature},
		{"Hum", r.Humidity},
	}
	for _, rd := range readings {
		topic := b.cfg.SensorTopicBase + "/" + rd.suffix
		payload := strconv.FormatFloat(rd.value, 'f', 1, 64)
		if err := b.modem.Session.Publish(topic, payload, 0, false); err != nil {
			b.logger.Warn("sensor publish failed", "topic", topic, "error", err)
			continue
		}
		b.recordMessage(ctx, topic, payload, DirectionOutbound)
	}
}

// handleUpstreamMessage runs on the poll goroutine for every message the
// modem delivers.
func (b *Bridge) handleUpstreamMessage(topic, payload string) {
	b.logger.Debug("upstream message", "topic", topic, "bytes", len(payload))

	msg := InboundMessage{
		Bridge:     b.cfg.BridgeID,
		Topic:      topic,
		Payload:    payload,
		ReceivedAt: b.clock.Now().UTC(),
	}
	if b.events != nil {
		b.events.Broadcast(ChannelMessage, msg)
	}

	if b.mqtt != nil && b.mqtt.IsConnected() {
		data, err := json.Marshal(msg)
		if err == nil {
			err = b.mqtt.Publish(InboundTopic(b.cfg.BridgeID, topic), data, 1, false)
		}
		if err != nil {
			b.logger.Error("failed to relay upstream message", "topic", topic, "error", err)
		}
	}

	b.recordMessage(b.ctx, topic, payload, DirectionInbound)

	if b.telemetry != nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(payload), 64); err == nil {
			b.telemetry.WriteTopicValue(b.cfg.BridgeID, topic, v)
		}
	}
}

// handleRelayMessage runs on the MQTT client's goroutine. It only parses
// and queues; the poll goroutine executes.
func (b *Bridge) handleRelayMessage(topic string, payload []byte) {
	var (
		id   string
		kind string
		err  error
	)

	switch topic {
	case PublishTopic(b.cfg.BridgeID):
		kind = RequestKindPublish
		var req PublishRequest
		if err = json.Unmarshal(payload, &req); err == nil {
			id, err = b.SubmitPublish(req)
		}
	case TopicsTopic(b.cfg.BridgeID):
		kind = RequestKindTopics
		var req TopicsRequest
		if err = json.Unmarshal(payload, &req); err == nil {
			id, err = b.SubmitTopics(req)
		}
	default:
		b.logger.Warn("unexpected relay topic", "topic", topic)
		return
	}

	if err != nil {
		if id == "" {
			id = uuid.NewString()
		}
		b.logger.Warn("relay request rejected", "topic", topic, "error", err)
		b.publishAck(id, kind, err)
	}
}

func (b *Bridge) publishAck(id, kind string, err error) {
	if b.mqtt == nil || !b.mqtt.IsConnected() {
		return
	}

	ack := AckMessage{
		ID:        id,
		Request:   kind,
		Success:   err == nil,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		ack.Error = err.Error()
	}

	data, mErr := json.Marshal(ack)
	if mErr != nil {
		b.logger.Error("failed to encode ack", "error", mErr)
		return
	}
	if pErr := b.mqtt.Publish(AckTopic(b.cfg.BridgeID), data, 1, false); pErr != nil {
		b.logger.Error("failed to publish ack", "id", id, "error", pErr)
	}
}

func (b *Bridge) shutdownSession() {
	b.modem.Session.Close()
	b.show(displayBoot)
	// The bridge context may already be cancelled.
	b.recordEvent(context.WithoutCancel(b.ctx), EventClosed, "")
	b.logger.Info("upstream session closed")
}

func (b *Bridge) show(text string) {
	if b.display == nil {
		return
	}
	if err := b.display.ShowText(text); err != nil {
		b.logger.Warn("display update failed", "text", text, "error", err)
	}
}

func (b *Bridge) recordMessage(ctx context.Context, topic, payload, direction string) {
	if b.store == nil {
		return
	}
	if err := b.store.RecordMessage(ctx, topic, payload, direction); err != nil {
		b.logger.Error("failed to record message", "topic", topic, "error", err)
	}
}

func (b *Bridge) recordEvent(ctx context.Context, event, detail string) {
	if b.events != nil {
		b.events.Broadcast(ChannelLink, LinkEventPayload{Bridge: b.cfg.BridgeID, Event: event, Detail: detail})
	}
	if b.store == nil {
		return
	}
	if err := b.store.RecordLinkEvent(ctx, event, detail); err != nil {
		b.logger.Error("failed to record link event", "event", event, "error", err)
	}
}
