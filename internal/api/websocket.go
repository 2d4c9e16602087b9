package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-modembridge/internal/bridges/esp01"
	"github.com/nerrad567/gray-logic-modembridge/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-modembridge/internal/infrastructure/logging"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	wsSendBufferSize = 256
)

// Applied when the websocket config leaves a field at zero.
const (
	defaultWSMaxMessageSize = 8192
	defaultWSPingInterval   = 30
	defaultWSPongTimeout    = 10
)

// wsChannels are the event channels a client may subscribe to.
var wsChannels = []string{esp01.ChannelMessage, esp01.ChannelLink}

// WSMessage is the envelope for every frame in either direction.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe frames.
//
//	{"type":"subscribe","id":"1","payload":{"channels":["modem.message"],"topics":["Sensor/GH1/#"]}}
type WSSubscribePayload struct {
	Channels []string `json:"channels"`

	// Topics narrows modem.message events to upstream topics matching any
	// of these MQTT filters. Empty means every topic. Ignored on unsubscribe.
	Topics []string `json:"topics,omitempty"`
}

// Hub fans bridge events out to WebSocket clients. It satisfies
// esp01.EventSink: Broadcast never blocks the poll loop, and an event is
// dropped for any client whose buffer is full.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex

	dropped atomic.Uint64
}

// WSClient is one WebSocket connection and its subscriptions.
type WSClient struct {
	hub     *Hub
	conn    *websocket.Conn
	subject string // token subject the ticket was issued to

	// send is never closed; done signals the writer to stop.
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// subs maps a channel to its topic filters; nil means every topic.
	subs map[string][]string
	mu   sync.RWMutex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// CORS middleware has already vetted the origin.
		return true
	},
}

// NewHub creates a hub, filling zero config fields with defaults.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultWSMaxMessageSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultWSPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultWSPongTimeout
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

func newWSClient(hub *Hub, conn *websocket.Conn, subject string) *WSClient {
	return &WSClient{
		hub:     hub,
		conn:    conn,
		subject: subject,
		send:    make(chan []byte, wsSendBufferSize),
		done:    make(chan struct{}),
		subs:    make(map[string][]string),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", count, "subject", client.subject)
}

// Unregister removes client and stops its writer. Repeat calls are no-ops.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	delete(h.clients, client)
	count := len(h.clients)
	h.mu.Unlock()

	client.stop()
	h.logger.Debug("websocket client disconnected", "clients", count)
}

// Broadcast sends an event on channel to every client subscribed to it
// whose topic filters admit the payload.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "channel", channel, "error", err)
		return
	}
	topic, hasTopic := eventTopic(payload)

	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if !client.wants(channel, topic, hasTopic) {
			continue
		}
		if !client.trySend(data) {
			if h.dropped.Add(1)%100 == 1 {
				h.logger.Warn("websocket client too slow, events dropped",
					"subject", client.subject, "dropped_total", h.dropped.Load())
			}
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many events were skipped for full client buffers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.stop()
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
}

// eventTopic extracts the upstream topic from message events.
func eventTopic(payload any) (string, bool) {
	switch m := payload.(type) {
	case esp01.InboundMessage:
		return m.Topic, true
	case *esp01.InboundMessage:
		return m.Topic, true
	}
	return "", false
}

// handleWebSocket upgrades a request carrying a ticket from
// POST /auth/ws-ticket. Browsers cannot set headers on the upgrade, so the
// single-use ticket stands in for the bearer token.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	entry, ok := s.tickets.consume(ticket)
	if !ok {
		writeUnauthorized(w, "invalid or expired ticket")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newWSClient(s.hub, conn, entry.subject)
	s.hub.Register(client)

	go client.writePump(s.hub.cfg)
	go client.readPump(s.hub.cfg)
}

func (c *WSClient) stop() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	wait := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(wait)) }

	//nolint:errcheck // A failed deadline surfaces as a read error
	extend()
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "subject", c.subject, "error", err)
			}
			return
		}
		//nolint:errcheck // A failed deadline surfaces as a read error
		extend()
		c.handleFrame(frame)
	}
}

func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	ticker := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	write := func(kind int, data []byte) error {
		//nolint:errcheck // A failed deadline surfaces as a write error
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data := <-c.send:
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			//nolint:errcheck // Connection is closing either way
			write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

func (c *WSClient) handleFrame(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		var sub WSSubscribePayload
		if err := decodePayload(msg.Payload, &sub); err != nil {
			c.sendError(msg.ID, "invalid "+msg.Type+" payload")
			return
		}
		if err := c.applySubscription(sub, msg.Type == WSTypeSubscribe); err != nil {
			c.sendError(msg.ID, err.Error())
			return
		}
		key := "unsubscribed"
		if msg.Type == WSTypeSubscribe {
			key = "subscribed"
			c.hub.logger.Info("websocket client subscribed",
				"subject", c.subject, "channels", sub.Channels, "topics", sub.Topics)
		}
		c.sendResponse(msg.ID, WSTypeResponse, map[string]any{key: sub.Channels})
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// decodePayload re-decodes the generic payload of a WSMessage into v.
func decodePayload(payload any, v any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// applySubscription validates the whole request before changing anything.
func (c *WSClient) applySubscription(sub WSSubscribePayload, subscribe bool) error {
	if len(sub.Channels) == 0 {
		return fmt.Errorf("no channels given")
	}
	for _, ch := range sub.Channels {
		if !slices.Contains(wsChannels, ch) {
			return fmt.Errorf("unknown channel %q (want one of %s)", ch, strings.Join(wsChannels, ", "))
		}
	}
	if subscribe {
		for _, f := range sub.Topics {
			if !validTopicFilter(f) {
				return fmt.Errorf("invalid topic filter %q", f)
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range sub.Channels {
		if !subscribe {
			delete(c.subs, ch)
			continue
		}
		var filters []string
		if ch == esp01.ChannelMessage && len(sub.Topics) > 0 {
			filters = slices.Clone(sub.Topics)
		}
		c.subs[ch] = filters
	}
	return nil
}

// wants reports whether an event on channel should reach this client.
// Topic filters only apply to events that carry a topic.
func (c *WSClient) wants(channel, topic string, hasTopic bool) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	filters, ok := c.subs[channel]
	if !ok {
		return false
	}
	if len(filters) == 0 || !hasTopic {
		return true
	}
	for _, f := range filters {
		if topicMatches(f, topic) {
			return true
		}
	}
	return false
}

// trySend queues data without blocking. It reports false when the buffer
// is full or the client has gone.
func (c *WSClient) trySend(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *WSClient) sendResponse(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}

// validTopicFilter applies MQTT filter rules: "+" and "#" take a whole
// level, and "#" only the last one.
func validTopicFilter(filter string) bool {
	if filter == "" {
		return false
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return false
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return false
		}
	}
	return true
}

// topicMatches applies an MQTT filter to a topic. "sport/#" matches
// "sport" itself, as in MQTT.
func topicMatches(filter, topic string) bool {
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")

	for i, f := range fl {
		if f == "#" {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
