package esp01

import (
	"fmt"
	"time"
)

// InboundMessage is relayed to the local broker for every message the
// modem receives upstream.
// Topic: graylogic/modem/{bridge}/inbound/{upstream topic}
// QoS: 1, Retained: No
type InboundMessage struct {
	// Bridge is the bridge identifier.
	Bridge string `json:"bridge"`

	// Topic is the upstream topic the message arrived on.
	Topic string `json:"topic"`

	// Payload is the message text as the modem delivered it.
	Payload string `json:"payload"`

	// ReceivedAt is when the poll loop parsed the line (UTC).
	ReceivedAt time.Time `json:"received_at"`
}

// PublishRequest asks the bridge to publish upstream through the modem.
// Topic: graylogic/modem/{bridge}/publish
type PublishRequest struct {
	// ID correlates the acknowledgement. Generated when empty.
	ID string `json:"id,omitempty"`

	Topic   string `json:"topic"`
	Payload string `json:"payload"`
	QoS     byte   `json:"qos"`
	Retain  bool   `json:"retain"`
}

// TopicsRequest replaces the upstream subscription set.
// Topic: graylogic/modem/{bridge}/topics
type TopicsRequest struct {
	// ID correlates the acknowledgement. Generated when empty.
	ID string `json:"id,omitempty"`

	Topics []string `json:"topics"`
}

// AckMessage reports the outcome of a relay request.
// Topic: graylogic/modem/{bridge}/ack
// QoS: 1, Retained: No
type AckMessage struct {
	ID        string    `json:"id"`
	Request   string    `json:"request"` // "publish" or "topics"
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Relay request kinds used in AckMessage.Request.
const (
	RequestKindPublish = "publish"
	RequestKindTopics  = "topics"
)

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates the upstream session is connected.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the bridge runs but the upstream session is down.
	HealthDegraded HealthStatus = "degraded"

	// HealthOffline is published by the broker as the last will.
	HealthOffline HealthStatus = "offline"

	// HealthStarting indicates the bridge is joining WiFi and connecting.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports the bridge's operational status.
// Topic: graylogic/health/modem/{bridge}
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge        string            `json:"bridge"`
	Timestamp     time.Time         `json:"timestamp"`
	Status        HealthStatus      `json:"status"`
	Version       string            `json:"version,omitempty"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Connection    *ConnectionStatus `json:"connection,omitempty"`
	Statistics    *BridgeStatistics `json:"statistics,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// ConnectionStatus describes the upstream session.
type ConnectionStatus struct {
	// Status is "connected" or "disconnected".
	Status string `json:"status"`

	// State is the session state machine's state.
	State string `json:"state"`

	// Broker is host:port of the upstream broker.
	Broker string `json:"broker"`

	// LastActivity is when the modem last sent a byte.
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// BridgeStatistics contains link counters.
type BridgeStatistics struct {
	MessagesReceived uint64 `json:"messages_received"`
	CommandsSent     uint64 `json:"commands_sent"`
	CommandsFailed   uint64 `json:"commands_failed"`
	CommandsTimedOut uint64 `json:"commands_timed_out"`
	ParseFailures    uint64 `json:"parse_failures"`
	LinesTruncated   uint64 `json:"lines_truncated"`
	Connects         uint64 `json:"connects"`
	Disconnects      uint64 `json:"disconnects"`
}

// NewHealthMessage creates a health status message.
func NewHealthMessage(bridgeID, version, broker string, status HealthStatus, stats LinkStats, startTime time.Time) HealthMessage {
	msg := HealthMessage{
		Bridge:        bridgeID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       version,
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
		Connection: &ConnectionStatus{
			Status: "disconnected",
			State:  stats.State,
			Broker: broker,
		},
		Statistics: &BridgeStatistics{
			MessagesReceived: stats.MessagesReceived,
			CommandsSent:     stats.CommandsSent,
			CommandsFailed:   stats.CommandsFailed,
			CommandsTimedOut: stats.CommandsTimedOut,
			ParseFailures:    stats.ParseFailures,
			LinesTruncated:   stats.LinesTruncated,
			Connects:         stats.Connects,
			Disconnects:      stats.Disconnects,
		},
	}

	if stats.Connected {
		msg.Connection.Status = "connected"
	}
	if !stats.LastActivity.IsZero() {
		last := stats.LastActivity.UTC()
		msg.Connection.LastActivity = &last
	}
	return msg
}

// NewLWTMessage creates the last will published by the local broker if
// the bridge disappears.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// Topic helpers

const (
	// TopicPrefix is the base of every local broker topic.
	TopicPrefix = "graylogic"
)

// InboundTopic returns the relay topic for an upstream message.
// Example: graylogic/modem/esp01/inbound/Sensor/GH1/Center/Temp
func InboundTopic(bridgeID, upstreamTopic string) string {
	return fmt.Sprintf("%s/modem/%s/inbound/%s", TopicPrefix, bridgeID, upstreamTopic)
}

// PublishTopic returns the topic the bridge takes publish requests from.
// Example: graylogic/modem/esp01/publish
func PublishTopic(bridgeID string) string {
	return fmt.Sprintf("%s/modem/%s/publish", TopicPrefix, bridgeID)
}

// TopicsTopic returns the topic the bridge takes topic-set replacements from.
// Example: graylogic/modem/esp01/topics
func TopicsTopic(bridgeID string) string {
	return fmt.Sprintf("%s/modem/%s/topics", TopicPrefix, bridgeID)
}

// AckTopic returns the topic for relay request acknowledgements.
// Example: graylogic/modem/esp01/ack
func AckTopic(bridgeID string) string {
	return fmt.Sprintf("%s/modem/%s/ack", TopicPrefix, bridgeID)
}

// HealthTopic returns the topic for bridge health.
// Example: graylogic/health/modem/esp01
func HealthTopic(bridgeID string) string {
	return fmt.Sprintf("%s/health/modem/%s", TopicPrefix, bridgeID)
}
