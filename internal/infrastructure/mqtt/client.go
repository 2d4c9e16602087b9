package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-modembridge/internal/infrastructure/config"
)

// Client is the bridge's connection to the local broker. Upstream messages
// are relayed onto it, publish requests are read from it, and the bridge
// health topic lives on it with a Last Will.
//
// Subscriptions are remembered and re-issued after every reconnect, since
// the session is clean. All methods are safe for concurrent use.
type Client struct {
	client pahomqtt.Client

	connected atomic.Bool

	subs   map[string]subscription
	subsMu sync.RWMutex

	onConnect    func()
	onDisconnect func(err error)
	callbackMu   sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// Logger receives handler failures and connection loss.
// *logging.Logger satisfies it.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// MessageHandler handles one message. paho calls it from its own goroutine;
// a returned error is logged.
type MessageHandler func(topic string, payload []byte) error

// Will is left with the broker and published if the bridge drops off
// without closing. The bridge uses its health topic and an offline payload.
type Will struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Connect dials the broker and waits for the first connection. After that,
// paho reconnects on its own with backoff between cfg.Reconnect delays.
func Connect(cfg config.MQTTConfig, will Will) (*Client, error) {
	if will.Topic == "" {
		return nil, fmt.Errorf("%w: last will", ErrInvalidTopic)
	}
	if will.QoS > maxQoS {
		return nil, fmt.Errorf("%w: last will", ErrInvalidQoS)
	}

	c := &Client{subs: make(map[string]subscription)}

	opts := buildClientOptions(cfg, will)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The connect handler runs on its own goroutine and may lag the token.
	c.connected.Store(true)
	return c, nil
}

func (c *Client) handleConnect() {
	c.connected.Store(true)
	c.restoreSubscriptions()

	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.connected.Store(false)
	c.logWarn("MQTT connection lost", "error", err)

	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// restoreSubscriptions re-issues every remembered subscription. It must not
// block: paho runs it on the connect path.
func (c *Client) restoreSubscriptions() {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()

	for topic, sub := range c.subs {
		topic := topic
		token := c.client.Subscribe(topic, sub.qos, c.wrapHandler(sub.handler))
		go func() {
			if !token.WaitTimeout(operationTimeout) {
				c.logWarn("MQTT resubscribe timed out", "topic", topic)
				return
			}
			if err := token.Error(); err != nil {
				c.logWarn("MQTT resubscribe failed", "topic", topic, "error", err)
			}
		}()
	}
}

// Close disconnects after letting in-flight publishes drain. The Last Will
// is not sent on a clean disconnect, so the bridge publishes its own
// stopping status first. Closing a client that never connected is a no-op.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	c.client.Disconnect(disconnectQuiesceMillis)
	c.connected.Store(false)
	return nil
}

// HealthCheck reports ErrNotConnected while the broker link is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether the broker link is up.
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client != nil && c.client.IsConnected()
}

// SetOnConnect sets a callback for each connection made after it is set,
// which in practice means reconnects.
func (c *Client) SetOnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// SetOnDisconnect sets a callback for connection loss.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = callback
	c.callbackMu.Unlock()
}

func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) logWarn(msg string, args ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()
	if logger != nil {
		logger.Warn(msg, args...)
	}
}

func (c *Client) logError(msg string, args ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()
	if logger != nil {
		logger.Error(msg, args...)
	}
}

// wrapHandler adapts a MessageHandler to paho and keeps a panicking
// handler from taking down paho's router goroutine.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.logError("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.logWarn("MQTT handler returned error", "topic", msg.Topic(), "error", err)
		}
	}
}
