package esp01

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Bridge defaults.
const (
	DefaultBridgeID       = "esp01"
	DefaultQueueSize      = 32
	DefaultLoopInterval   = 100 * time.Millisecond
	DefaultJoinTimeout    = 20 * time.Second
	DefaultHealthInterval = 30 * time.Second
	DefaultSensorInterval = 5 * time.Second
	DefaultPruneInterval  = 24 * time.Hour
	DefaultRetention      = 30 * 24 * time.Hour
	DefaultStatusTopic    = "Lastwill/Esp01Modem/Status"
)

// DefaultTopics is the upstream topic set the greenhouse firmware subscribes to.
var DefaultTopics = []string{
	"Sensor/GH1/Center/Temp",
	"Sensor/GH1/Center/Hum",
	"Sensor/GH2/Center/Temp",
	"Sensor/GH2/Center/Hum",
	"Sensor/GH3/Center/Temp",
	"Sensor/GH3/Center/Hum",
	"Sensor/GH4/Center/Temp",
	"Sensor/GH4/Center/Hum",
	"Sensor/Spare/1",
	"Sensor/Spare/2",
}

// Config holds the bridge configuration. It is assembled by the caller,
// usually from the application config file.
type Config struct {
	// BridgeID names the bridge in local topics and health messages.
	BridgeID string

	// Version is reported in health messages.
	Version string

	WiFi WiFiConfig

	// Upstream is the broker the modem connects to.
	Upstream SessionConfig

	// QueueSize bounds the relay request queue.
	QueueSize int

	// LoopInterval is the pause between poll loop iterations.
	LoopInterval time.Duration

	// HealthInterval is how often health is published.
	HealthInterval time.Duration

	// SensorInterval is how often the local sensor is read.
	SensorInterval time.Duration

	// SensorTopicBase, when set, publishes readings upstream to
	// {base}/Temp and {base}/Hum.
	SensorTopicBase string

	// Retention is how long history rows are kept. Zero disables pruning.
	Retention time.Duration

	// PruneInterval is how often history is pruned.
	PruneInterval time.Duration
}

// WiFiConfig holds the access point credentials.
type WiFiConfig struct {
	SSID     string
	Password string

	// JoinTimeout bounds the whole join, across retries.
	JoinTimeout time.Duration
}

// applyDefaults fills zero values.
func (c *Config) applyDefaults() {
	if c.BridgeID == "" {
		c.BridgeID = DefaultBridgeID
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.LoopInterval <= 0 {
		c.LoopInterval = DefaultLoopInterval
	}
	if c.WiFi.JoinTimeout <= 0 {
		c.WiFi.JoinTimeout = DefaultJoinTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.SensorInterval <= 0 {
		c.SensorInterval = DefaultSensorInterval
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = DefaultPruneInterval
	}
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []string

	if strings.ContainsAny(c.BridgeID, "/+#") {
		errs = append(errs, "bridge id must not contain MQTT separators or wildcards")
	}
	if c.WiFi.SSID == "" {
		errs = append(errs, "wifi ssid is required")
	}
	if err := c.Upstream.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.SensorTopicBase != "" {
		if err := validateTopic(c.SensorTopicBase + "/Temp"); err != nil {
			errs = append(errs, fmt.Sprintf("sensor topic base: %v", err))
		}
	}

	if len(errs) > 0 {
		return errors.New("invalid bridge config: " + strings.Join(errs, "; "))
	}
	return nil
}

// brokerAddress formats host:port for health messages.
func (c *Config) brokerAddress() string {
	port := c.Upstream.Port
	if port == 0 {
		port = DefaultBrokerPort
	}
	return fmt.Sprintf("%s:%d", c.Upstream.Host, port)
}
