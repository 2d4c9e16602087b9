package esp01

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nerrad567/gray-logic-modembridge/internal/peripheral"
)

// MockMQTTClient is a mock local broker for bridge tests.
type MockMQTTClient struct {
	mu            sync.Mutex
	connected     bool
	published     []MockPublishedMessage
	subscriptions map[string]func(topic string, payload []byte)
	publishErr    error
}

// MockPublishedMessage records a published message.
type MockPublishedMessage struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected:     true,
		subscriptions: make(map[string]func(topic string, payload []byte)),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, MockPublishedMessage{topic, payload, qos, retained})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, _ byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) SetConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

// Deliver simulates a message arriving on a subscribed topic.
func (m *MockMQTTClient) Deliver(topic string, payload []byte) {
	m.mu.Lock()
	handler := m.subscriptions[topic]
	m.mu.Unlock()
	if handler != nil {
		handler(topic, payload)
	}
}

// MessagesOn returns the messages published to topic.
func (m *MockMQTTClient) MessagesOn(topic string) []MockPublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MockPublishedMessage
	for _, p := range m.published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

type storedMessage struct {
	topic, payload, direction string
}

type mockStore struct {
	mu       sync.Mutex
	messages []storedMessage
	events   []string
	prunes   []time.Duration
}

func (s *mockStore) RecordMessage(_ context.Context, topic, payload, direction string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, storedMessage{topic, payload, direction})
	return nil
}

func (s *mockStore) RecordLinkEvent(_ context.Context, event, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *mockStore) Prune(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prunes = append(s.prunes, olderThan)
	return 0, nil
}

func (s *mockStore) hasEvent(event string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e == event {
			return true
		}
	}
	return false
}

type mockTelemetry struct {
	mu       sync.Mutex
	values   map[string]float64
	readings [][2]float64
	points   []string
}

func newMockTelemetry() *mockTelemetry {
	return &mockTelemetry{values: make(map[string]float64)}
}

func (m *mockTelemetry) WritePoint(measurement string, _ map[string]string, _ map[string]any) {
	m.mu.Lock()
	m.points = append(m.points, measurement)
	m.mu.Unlock()
}

func (m *mockTelemetry) WriteTopicValue(_, topic string, value float64) {
	m.mu.Lock()
	m.values[topic] = value
	m.mu.Unlock()
}

func (m *mockTelemetry) WriteSensorReading(_ string, temperature, humidity float64, _ time.Time) {
	m.mu.Lock()
	m.readings = append(m.readings, [2]float64{temperature, humidity})
	m.mu.Unlock()
}

type mockDisplay struct {
	mu    sync.Mutex
	texts []string
}

func (d *mockDisplay) ShowText(text string) error {
	d.mu.Lock()
	d.texts = append(d.texts, text)
	d.mu.Unlock()
	return nil
}

func (d *mockDisplay) last() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.texts) == 0 {
		return ""
	}
	return d.texts[len(d.texts)-1]
}

type mockSensor struct {
	reading peripheral.Reading
	reads   int
}

func (s *mockSensor) Read(context.Context) peripheral.Reading {
	s.reads++
	return s.reading
}

type mockEvents struct {
	mu       sync.Mutex
	channels []string
	payloads []any
}

func (e *mockEvents) Broadcast(channel string, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.channels = append(e.channels, channel)
	e.payloads = append(e.payloads, payload)
}

type bridgeFixture struct {
	bridge  *Bridge
	port    *fakePort
	clock   *fakeClock
	mqtt    *MockMQTTClient
	store   *mockStore
	metrics *mockTelemetry
	display *mockDisplay
	events  *mockEvents
}

func testBridgeConfig() *Config {
	return &Config{
		BridgeID: "gh",
		WiFi:     WiFiConfig{SSID: "farm", Password: "pw", JoinTimeout: 3 * time.Second},
		Upstream: SessionConfig{
			Host:   "192.168.0.24",
			Topics: []string{"Sensor/GH1/Center/Temp"},
			QoS:    1,
		},
	}
}

func newBridgeFixture(t *testing.T, cfg *Config, respond func(string) []string, sensor Sensor) *bridgeFixture {
	t.Helper()

	m, port, clock := newTestModem(respond)
	f := &bridgeFixture{
		port:    port,
		clock:   clock,
		mqtt:    NewMockMQTTClient(),
		store:   &mockStore{},
		metrics: newMockTelemetry(),
		display: &mockDisplay{},
		events:  &mockEvents{},
	}

	b, err := NewBridge(BridgeOptions{
		Config:     cfg,
		Modem:      m,
		MQTTClient: f.mqtt,
		Store:      f.store,
		Telemetry:  f.metrics,
		Display:    f.display,
		Sensor:     sensor,
		Events:     f.events,
	})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	t.Cleanup(b.Stop)
	f.bridge = b
	return f
}

func startBridge(t *testing.T, f *bridgeFixture) {
	t.Helper()
	if err := f.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

// connectBridge steps the loop until the upstream session is connected.
func connectBridge(t *testing.T, f *bridgeFixture) {
	t.Helper()
	for i := 0; i < 5; i++ {
		f.bridge.step(context.Background())
		if f.bridge.modem.Session.State() == StateConnected {
			return
		}
	}
	t.Fatalf("session state = %v, want connected", f.bridge.modem.Session.State())
}

func decodeAck(t *testing.T, msg MockPublishedMessage) AckMessage {
	t.Helper()
	var ack AckMessage
	if err := json.Unmarshal(msg.Payload, &ack); err != nil {
		t.Fatalf("ack payload: %v", err)
	}
	return ack
}

func TestNewBridgeValidation(t *testing.T) {
	m, _, _ := newTestModem(okResponder)

	noSSID := testBridgeConfig()
	noSSID.WiFi.SSID = ""

	badID := testBridgeConfig()
	badID.BridgeID = "gh/1"

	tests := []struct {
		name string
		opts BridgeOptions
	}{
		{"nil config", BridgeOptions{Modem: m}},
		{"nil modem", BridgeOptions{Config: testBridgeConfig()}},
		{"missing ssid", BridgeOptions{Config: noSSID, Modem: m}},
		{"bridge id with separator", BridgeOptions{Config: badID, Modem: m}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBridge(tt.opts); err == nil {
				t.Error("NewBridge() error = nil, want error")
			}
		})
	}
}

func TestNewBridgeAppliesDefaults(t *testing.T) {
	cfg := testBridgeConfig()
	cfg.BridgeID = ""
	f := newBridgeFixture(t, cfg, okResponder, nil)

	if f.bridge.cfg.BridgeID != DefaultBridgeID {
		t.Errorf("BridgeID = %q, want %q", f.bridge.cfg.BridgeID, DefaultBridgeID)
	}
	if cap(f.bridge.requests) != DefaultQueueSize {
		t.Errorf("queue size = %d, want %d", cap(f.bridge.requests), DefaultQueueSize)
	}
	if cfg.BridgeID != "" {
		t.Error("NewBridge modified the caller's config")
	}
}

func TestBridgeStart(t *testing.T) {
	f := newBridgeFixture(t, testBridgeConfig(), okResponder, nil)
	startBridge(t, f)

	cmds := f.port.commands()
	want := []string{"AT", "ATE0", `AT+CWJAP="farm","pw"`}
	if len(cmds) != len(want) {
		t.Fatalf("commands = %q, want %q", cmds, want)
	}
	for i := range want {
		if cmds[i] != want[i] {
			t.Errorf("command %d = %q, want %q", i, cmds[i], want[i])
		}
	}

	wantTexts := []string{"BOOT", "WIFI", "MQTT", "RUN"}
	if got := strings.Join(f.display.texts, ","); got != strings.Join(wantTexts, ",") {
		t.Errorf("display = %s, want %s", got, strings.Join(wantTexts, ","))
	}

	for _, topic := range []string{PublishTopic("gh"), TopicsTopic("gh")} {
		if _, ok := f.mqtt.subscriptions[topic]; !ok {
			t.Errorf("not subscribed to %s", topic)
		}
	}
	if !f.store.hasEvent(EventWifiJoined) {
		t.Error("wifi_joined not recorded")
	}
}

func TestBridgeStartWifiFailure(t *testing.T) {
	f := newBridgeFixture(t, testBridgeConfig(), verbResponder(map[string][]string{
		"AT+CWJAP": {"ERROR"},
	}), nil)

	err := f.bridge.Start(context.Background())
	if !errors.Is(err, ErrWifiJoinFailed) {
		t.Fatalf("Start() error = %v, want ErrWifiJoinFailed", err)
	}
	if f.display.last() != "ERR" {
		t.Errorf("display = %q, want ERR", f.display.last())
	}
	if !f.store.hasEvent(EventWifiFailed) {
		t.Error("wifi_failed not recorded")
	}
	if f.bridge.modem.Session.Maintain() {
		t.Error("session configured after failed join")
	}
}

func TestBridgeConnectsAndRelaysInbound(t *testing.T) {
	f := newBridgeFixture(t, testBridgeConfig(), okResponder, nil)
	startBridge(t, f)
	connectBridge(t, f)

	if f.display.last() != "OK" {
		t.Errorf("display = %q, want OK", f.display.last())
	}
	if !f.store.hasEvent(EventConnected) {
		t.Error("connected not recorded")
	}

	f.port.feedLines(`+MQTTSUBRECV:0,"Sensor/GH1/Center/Temp",4,23.5`)
	f.bridge.step(context.Background())

	relayed := f.mqtt.MessagesOn(InboundTopic("gh", "Sensor/GH1/Center/Temp"))
	if len(relayed) != 1 {
		t.Fatalf("relayed %d messages, want 1", len(relayed))
	}
	var msg InboundMessage
	if err := json.Unmarshal(relayed[0].Payload, &msg); err != nil {
		t.Fatalf("inbound payload: %v", err)
	}
	if msg.Bridge != "gh" || msg.Topic != "Sensor/GH1/Center/Temp" || msg.Payload != "23.5" {
		t.Errorf("inbound = %+v", msg)
	}
	if relayed[0].QoS != 1 || relayed[0].Retained {
		t.Errorf("QoS/retained = %d/%v, want 1/false", relayed[0].QoS, relayed[0].Retained)
	}

	if v, ok := f.metrics.values["Sensor/GH1/Center/Temp"]; !ok || v != 23.5 {
		t.Errorf("telemetry value = %v (%v), want 23.5", v, ok)
	}

	want := storedMessage{"Sensor/GH1/Center/Temp", "23.5", DirectionInbound}
	if len(f.store.messages) != 1 || f.store.messages[0] != want {
		t.Errorf("stored = %+v, want [%+v]", f.store.messages, want)
	}
}

func TestBridgeBroadcastsEvents(t *testing.T) {
	f := newBridgeFixture(t, testBridgeConfig(), okResponder, nil)
	startBridge(t, f)
	connectBridge(t, f)

	f.port.feedLines(`+MQTTSUBRECV:0,"Sensor/GH1/Center/Temp",4,23.5`)
	f.bridge.step(context.Background())

	f.events.mu.Lock()
	defer f.events.mu.Unlock()

	var links []string
	var inbound []InboundMessage
	for i, ch := range f.events.channels {
		switch ch {
		case ChannelLink:
			links = append(links, f.events.payloads[i].(LinkEventPayload).Event)
		case ChannelMessage:
			inbound = append(inbound, f.events.payloads[i].(InboundMessage))
		}
	}

	wantLinks := []string{EventWifiJoined, EventConnected}
	if len(links) != len(wantLinks) || links[0] != wantLinks[0] || links[1] != wantLinks[1] {
		t.Errorf("link events = %v, want %v", links, wantLinks)
	}
	if len(inbound) != 1 || inbound[0].Payload != "23.5" {
		t.Errorf("inbound events = %+v", inbound)
	}
}

func TestBridgeStatus(t *testing.T) {
	f := newBridgeFixture(t, testBridgeConfig(), okResponder, nil)
	if got := f.bridge.Status(); got.Status != HealthDegraded || got.Bridge != "gh" {
		t.Errorf("Status() before connect = %+v", got)
	}

	startBridge(t, f)
	connectBridge(t, f)

	got := f.bridge.Status()
	if got.Status != HealthHealthy || got.Reason != "" {
		t.Errorf("Status() = %+v, want healthy", got)
	}
	if got.Connection == nil || got.Connection.Status != "connected" {
		t.Errorf("connection = %+v", got.Connection)
	}
}

func TestBridgeNonNumericPayloadSkipsTelemetry(t *testing.T) {
	f := newBridgeFixture(t, testBridgeConfig(), okResponder, nil)
	startBridge(t, f)
	connectBridge(t, f)

	f.port.feedLines(`+MQTTSUBRECV:0,"Sensor/GH1/Center/Temp",4,high`)
	f.bridge.step(context.Background())

	if len(f.metrics.values) != 0 {
		t.Errorf("telemetry = %v, want none", f.metrics.values)
	}
	if len(f.mqtt.MessagesOn(InboundTopic("gh", "Sensor/GH1/Center/Temp"))) != 1 {
		t.Error("non-numeric payload not relayed")
	}
}

func TestBridgePublishRequest(t *testing.T) {
	f := newBridgeFixture(t, testBridgeConfig(), okResponder, nil)
	startBridge(t, f)
	connectBridge(t, f)
	f.port.resetCommands()

	f.mqtt.Deliver(PublishTopic("gh"), []byte(`{"id":"r1","topic":"cmd/valve","payload":"open","qos":1}`))

	if n := countVerb(f.port.commands(), "AT+MQTTPUB"); n != 0 {
		t.Fatalf("publish executed on the broker goroutine")
	}

	f.bridge.step(context.Background())

	if cmds := f.port.commands(); countVerb(cmds, "AT+MQTTPUB") != 1 ||
		!strings.Contains(strings.Join(cmds, "\n"), `AT+MQTTPUB=0,"cmd/valve","open",1,0`) {
		t.Errorf("commands = %q", cmds)
	}

	acks := f.mqtt.MessagesOn(AckTopic("gh"))
	if len(acks) != 1 {
		t.Fatalf("acks = %d, want 1", len(acks))
	}
	ack := decodeAck(t, acks[0])
	if ack.ID != "r1" || !ack.Success || ack.Request != RequestKindPublish {
		t.Errorf("ack = %+v", ack)
	}

	found := false
	for _, m := range f.store.messages {
		if m == (storedMessage{"cmd/valve", "open", DirectionOutbound}) {
			found = true
		}
	}
	if !found {
		t.Errorf("outbound publish not stored: %+v", f.store.messages)
	}
}

func TestBridgePublishRequestWhileDisconnected(t *testing.T) {
	f := newBridgeFixture(t, testBridgeConfig(), okResponder, nil)
	startBridge(t, f)

	if _, err := f.bridge.SubmitPublish(PublishRequest{ID: "r2", Topic: "cmd/valve", Payload: "open"}); err != nil {
		t.Fatalf("SubmitPublish() error = %v", err)
	}
	f.bridge.drainRequests(context.Background())

	acks := f.mqtt.MessagesOn(AckTopic("gh"))
	if len(acks) != 1 {
		t.Fatalf("acks = %d, want 1", len(acks))
	}
	ack := decodeAck(t, acks[0])
	if ack.Success || !strings.Contains(ack.Error, "not connected") {
		t.Errorf("ack = %+v, want not connected failure", ack)
	}
}

func TestBridgeRejectsInvalidRequestPayload(t *testing.T) {
	f := newBridgeFixture(t, testBridgeConfig(), okResponder, nil)
	startBridge(t, f)

	f.mqtt.Deliver(PublishTopic("gh"), []byte(`{not json`))

	acks := f.mqtt.MessagesOn(AckTopic("gh"))
	if len(acks) != 1 {
		t.Fatalf("acks = %d, want 1", len(acks))
	}
	ack := decodeAck(t, acks[0])
	if ack.Success || ack.ID == "" || ack.Request != RequestKindPublish {
		t.Errorf("ack = %+v", ack)
	}
	if len(f.bridge.requests) != 0 {
		t.Error("invalid request was queued")
	}
}

func TestBridgeTopicsRequestResubscribes(t *testing.T) {
	f := newBridgeFixture(t, testBridgeConfig(), okResponder, nil)
	startBridge(t, f)
	connectBridge(t, f)
	f.port.resetCommands()

	f.mqtt.Deliver(TopicsTopic("gh"), []byte(`{"id":"t1","topics":["Sensor/GH3/Center/Temp","Sensor/GH3/Center/Hum"]}`))
	f.bridge.step(context.Background())
	f.bridge.step(context.Background())

	got := subscribedTopics(f.port.commands())
	want := []string{"Sensor/GH3/Center/Temp", "Sensor/GH3/Center/Hum"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("subscribed = %q, want %q", got, want)
	}
	if n := countVerb(f.port.commands(), "AT+MQTTCONN"); n != 0 {
		t.Errorf("reconnected %d times, want 0", n)
	}

	acks := f.mqtt.MessagesOn(AckTopic("gh"))
	if len(acks) != 1 || !decodeAck(t, acks[0]).Success {
		t.Errorf("acks = %d, want one success", len(acks))
	}
}

func TestBridgeQueueFull(t *testing.T) {
	cfg := testBridgeConfig()
	cfg.QueueSize = 1
	f := newBridgeFixture(t, cfg, okResponder, nil)

	if _, err := f.bridge.SubmitPublish(PublishRequest{Topic: "a/b", Payload: "1"}); err != nil {
		t.Fatalf("first SubmitPublish() error = %v", err)
	}
	if _, err := f.bridge.SubmitPublish(PublishRequest{Topic: "a/b", Payload: "2"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("second SubmitPublish() error = %v, want ErrQueueFull", err)
	}
}

func TestBridgeSubmitGeneratesID(t *testing.T) {
	f := newBridgeFixture(t, testBridgeConfig(), okResponder, nil)

	id, err := f.bridge.SubmitTopics(TopicsRequest{Topics: []string{"a/b"}})
	if err != nil {
		t.Fatalf("SubmitTopics() error = %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("id %q is not a UUID: %v", id, err)
	}

	id, _ = f.bridge.SubmitPublish(PublishRequest{ID: "mine", Topic: "a/b"})
	if id != "mine" {
		t.Errorf("id = %q, want caller's id", id)
	}
}

func TestBridgeSubmitAfterStop(t *testing.T) {
	f := newBridgeFixture(t, testBridgeConfig(), okResponder, nil)
	f.bridge.Stop()
	f.bridge.Stop()

	if _, err := f.bridge.SubmitPublish(PublishRequest{Topic: "a/b"}); !errors.Is(err, ErrBridgeStopped) {
		t.Errorf("SubmitPublish() error = %v, want ErrBridgeStopped", err)
	}
}

func TestBridgeTracksDisconnect(t *testing.T) {
	f := newBridgeFixture(t, testBridgeConfig(), okResponder, nil)
	startBridge(t, f)
	connectBridge(t, f)

	f.port.feedLines("+MQTTDISCONNECTED:0")
	f.bridge.step(context.Background())

	if !f.store.hasEvent(EventDisconnected) {
		t.Error("disconnected not recorded")
	}
	if f.display.last() != "MQTT" {
		t.Errorf("display = %q, want MQTT", f.display.last())
	}

	// The next iterations reconnect and resubscribe.
	connectBridge(t, f)
	if f.display.last() != "OK" {
		t.Errorf("display after reconnect = %q, want OK", f.display.last())
	}
}

func TestBridgeSensorReadings(t *testing.T) {
	cfg := testBridgeConfig()
	cfg.SensorTopicBase = "Sensor/GH9/Center"
	sensor := &mockSensor{reading: peripheral.Reading{Temperature: 21.5, Humidity: 40, OK: true}}
	f := newBridgeFixture(t, cfg, okResponder, sensor)
	startBridge(t, f)
	connectBridge(t, f)

	reads := sensor.reads
	f.bridge.step(context.Background())
	if sensor.reads != reads {
		t.Errorf("sensor read before the interval elapsed")
	}

	f.port.resetCommands()
	f.clock.Advance(DefaultSensorInterval)
	f.bridge.step(context.Background())

	if sensor.reads != reads+1 {
		t.Errorf("reads = %d, want %d", sensor.reads, reads+1)
	}
	cmds := strings.Join(f.port.commands(), "\n")
	for _, want := range []string{
		`AT+MQTTPUB=0,"Sensor/GH9/Center/Temp","21.5",0,0`,
		`AT+MQTTPUB=0,"Sensor/GH9/Center/Hum","40.0",0,0`,
	} {
		if !strings.Contains(cmds, want) {
			t.Errorf("missing %s in %q", want, cmds)
		}
	}
	if n := len(f.metrics.readings); n == 0 || f.metrics.readings[n-1] != [2]float64{21.5, 40} {
		t.Errorf("telemetry readings = %v", f.metrics.readings)
	}
}

func TestBridgeSensorFailureSkipsOutputs(t *testing.T) {
	cfg := testBridgeConfig()
	cfg.SensorTopicBase = "Sensor/GH9/Center"
	sensor := &mockSensor{reading: peripheral.Reading{OK: false, Code: peripheral.ChecksumError}}
	f := newBridgeFixture(t, cfg, okResponder, sensor)
	startBridge(t, f)
	connectBridge(t, f)

	f.clock.Advance(DefaultSensorInterval)
	f.bridge.step(context.Background())

	if len(f.metrics.readings) != 0 {
		t.Errorf("telemetry written for failed reading: %v", f.metrics.readings)
	}
	if strings.Contains(strings.Join(f.port.commands(), "\n"), "Sensor/GH9") {
		t.Error("failed reading published upstream")
	}
}

func TestBridgePrunesHistory(t *testing.T) {
	cfg := testBridgeConfig()
	cfg.Retention = 7 * 24 * time.Hour
	f := newBridgeFixture(t, cfg, okResponder, nil)
	startBridge(t, f)

	f.bridge.step(context.Background())
	f.bridge.step(context.Background())
	if len(f.store.prunes) != 1 || f.store.prunes[0] != cfg.Retention {
		t.Fatalf("prunes = %v, want one with %v", f.store.prunes, cfg.Retention)
	}

	f.clock.Advance(DefaultPruneInterval)
	f.bridge.step(context.Background())
	if len(f.store.prunes) != 2 {
		t.Errorf("prunes = %d, want 2", len(f.store.prunes))
	}
}

func TestBridgeRunClosesSessionOnCancel(t *testing.T) {
	f := newBridgeFixture(t, testBridgeConfig(), okResponder, nil)
	startBridge(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := f.bridge.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if n := countVerb(f.port.commands(), "AT+MQTTCLEAN"); n != 1 {
		t.Errorf("AT+MQTTCLEAN sent %d times, want 1", n)
	}
	if f.bridge.modem.Link.Connected() {
		t.Error("link connected after Run returned")
	}
	if !f.store.hasEvent(EventClosed) {
		t.Error("closed not recorded")
	}
}

func TestBridgeRunEndsOnStop(t *testing.T) {
	cfg := testBridgeConfig()
	cfg.LoopInterval = time.Millisecond
	f := newBridgeFixture(t, cfg, okResponder, nil)
	startBridge(t, f)

	errCh := make(chan error, 1)
	go func() { errCh <- f.bridge.Run(context.Background()) }()

	f.bridge.Stop()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after Stop")
	}
}
