package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-modembridge/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
// Broker-backed tests skip unless a broker listens on 127.0.0.1:1883.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "modembridge-test",
		},
		QoS:       1,
		KeepAlive: 30,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func testWill(bridgeID string) Will {
	return Will{
		Topic:    "graylogic/health/modem/" + bridgeID,
		Payload:  []byte(`{"status":"offline"}`),
		QoS:      1,
		Retained: true,
	}
}

var (
	brokerOnce sync.Once
	brokerUp   bool
)

func connectOrSkip(t *testing.T, clientID string) *Client {
	t.Helper()
	brokerOnce.Do(func() {
		conn, err := net.DialTimeout("tcp", "127.0.0.1:1883", 500*time.Millisecond)
		if err == nil {
			brokerUp = true
			conn.Close()
		}
	})
	if !brokerUp {
		t.Skip("no MQTT broker on 127.0.0.1:1883")
	}

	cfg := testConfig()
	cfg.Broker.ClientID = clientID
	client, err := Connect(cfg, testWill(clientID))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return client
}

// =============================================================================
// Option Tests
// =============================================================================

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth = config.MQTTAuthConfig{Username: "bridge", Password: "secret"}

	opts := buildClientOptions(cfg, testWill("gh"))

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want tcp://127.0.0.1:1883", opts.Servers)
	}
	if opts.ClientID != "modembridge-test" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "bridge" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q", opts.Username, opts.Password)
	}
	if opts.KeepAlive != 30 {
		t.Errorf("KeepAlive = %d, want 30", opts.KeepAlive)
	}
	if !opts.AutoReconnect || !opts.CleanSession {
		t.Error("AutoReconnect and CleanSession should be enabled")
	}
	if opts.MaxReconnectInterval != 5*time.Second {
		t.Errorf("MaxReconnectInterval = %v, want 5s", opts.MaxReconnectInterval)
	}
	if opts.TLSConfig != nil {
		t.Error("TLSConfig set without TLS enabled")
	}
	if !opts.WillEnabled || opts.WillTopic != "graylogic/health/modem/gh" {
		t.Errorf("will = %v %q", opts.WillEnabled, opts.WillTopic)
	}
	if string(opts.WillPayload) != `{"status":"offline"}` || opts.WillQos != 1 || !opts.WillRetained {
		t.Errorf("will payload/qos/retained = %s/%d/%v", opts.WillPayload, opts.WillQos, opts.WillRetained)
	}
}

func TestBuildClientOptions_TLSAndDefaultKeepAlive(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.KeepAlive = 0

	opts := buildClientOptions(cfg, testWill("gh"))

	if opts.Servers[0].Scheme != "ssl" {
		t.Errorf("scheme = %q, want ssl", opts.Servers[0].Scheme)
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tls.VersionTLS12 {
		t.Errorf("TLSConfig = %+v, want TLS 1.2 minimum", opts.TLSConfig)
	}
	if opts.KeepAlive != int64(defaultKeepAlive/time.Second) {
		t.Errorf("KeepAlive = %d, want default", opts.KeepAlive)
	}
}

func TestConnect_RejectsBadWill(t *testing.T) {
	tests := []struct {
		name string
		will Will
		want error
	}{
		{"empty topic", Will{Payload: []byte("offline")}, ErrInvalidTopic},
		{"bad qos", Will{Topic: "graylogic/health/modem/gh", QoS: 3}, ErrInvalidQoS},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := Connect(testConfig(), tt.will)
			if !errors.Is(err, tt.want) {
				t.Errorf("Connect() error = %v, want %v", err, tt.want)
			}
			if client != nil {
				t.Error("Connect() returned a client for a bad will")
			}
		})
	}
}

// =============================================================================
// Validation Tests (no broker)
// =============================================================================

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v, want nil", err)
	}
}

func TestIsConnected_InitialState(t *testing.T) {
	client := &Client{}
	if client.IsConnected() {
		t.Error("IsConnected() = true for unconnected client")
	}
}

func TestValidationBeforeConnection(t *testing.T) {
	client := &Client{subs: make(map[string]subscription)}
	noop := func(string, []byte) error { return nil }

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"publish empty topic", client.Publish("", []byte("x"), 1, false), ErrInvalidTopic},
		{"publish bad qos", client.Publish("t", []byte("x"), 3, false), ErrInvalidQoS},
		{"publish oversized", client.Publish("t", make([]byte, maxPayloadSize+1), 1, false), ErrPublishFailed},
		{"publish disconnected", client.Publish("t", []byte("x"), 1, false), ErrNotConnected},
		{"subscribe empty topic", client.Subscribe("", 1, noop), ErrInvalidTopic},
		{"subscribe bad qos", client.Subscribe("t", 3, noop), ErrInvalidQoS},
		{"subscribe nil handler", client.Subscribe("t", 1, nil), ErrSubscribeFailed},
		{"subscribe disconnected", client.Subscribe("t", 1, noop), ErrNotConnected},
		{"health check disconnected", client.HealthCheck(context.Background()), ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.want) {
				t.Errorf("error = %v, want %v", tt.err, tt.want)
			}
		})
	}

	if len(client.subs) != 0 {
		t.Errorf("subs = %v, rejected subscriptions should not be remembered", client.subs)
	}
}

type mockLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *mockLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *mockLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestWrapHandler(t *testing.T) {
	logger := &mockLogger{}
	client := &Client{}
	client.SetLogger(logger)

	var got string
	client.wrapHandler(func(topic string, payload []byte) error {
		got = topic + "=" + string(payload)
		return nil
	})(nil, fakeMessage{topic: "a/b", payload: []byte("1")})
	if got != "a/b=1" {
		t.Errorf("handler saw %q", got)
	}

	client.wrapHandler(func(string, []byte) error {
		return errors.New("bad payload")
	})(nil, fakeMessage{topic: "a/b"})

	client.wrapHandler(func(string, []byte) error {
		panic("boom")
	})(nil, fakeMessage{topic: "a/b"})

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.warns) != 1 || len(logger.errors) != 1 {
		t.Errorf("warns=%v errors=%v, want one of each", logger.warns, logger.errors)
	}
}

func TestDisconnectCallback(t *testing.T) {
	logger := &mockLogger{}
	client := &Client{}
	client.connected.Store(true)
	client.SetLogger(logger)
	var gotErr error
	client.SetOnDisconnect(func(err error) { gotErr = err })

	cause := errors.New("pingresp not received")
	client.handleDisconnect(cause)

	if !errors.Is(gotErr, cause) {
		t.Errorf("callback error = %v, want %v", gotErr, cause)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after disconnect")
	}
	if len(logger.warns) != 1 {
		t.Errorf("warns = %v, want the connection loss logged", logger.warns)
	}
}

// =============================================================================
// Broker Tests
// =============================================================================

func TestConnectAndClose(t *testing.T) {
	client := connectOrSkip(t, "modembridge-test-connect")

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() expected error for cancelled context")
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
}

func TestPublishSubscribeRoundtrip(t *testing.T) {
	sub := connectOrSkip(t, "modembridge-test-sub")
	defer sub.Close()
	pub := connectOrSkip(t, "modembridge-test-pub")
	defer pub.Close()

	received := make(chan string, 1)
	err := sub.Subscribe("graylogic/modem/roundtrip/#", 1, func(topic string, payload []byte) error {
		received <- topic + "=" + string(payload)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	sub.subsMu.RLock()
	_, remembered := sub.subs["graylogic/modem/roundtrip/#"]
	sub.subsMu.RUnlock()
	if !remembered {
		t.Error("subscription not remembered for reconnect")
	}

	time.Sleep(100 * time.Millisecond)
	if err := pub.Publish("graylogic/modem/roundtrip/ack", []byte(`{"ok":true}`), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-received:
		if got != `graylogic/modem/roundtrip/ack={"ok":true}` {
			t.Errorf("received %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}

}
