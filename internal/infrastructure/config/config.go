package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the modem bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge      BridgeConfig      `yaml:"bridge"`
	Serial      SerialConfig      `yaml:"serial"`
	Modem       ModemConfig       `yaml:"modem"`
	WiFi        WiFiConfig        `yaml:"wifi"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Database    DatabaseConfig    `yaml:"database"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Logging     LoggingConfig     `yaml:"logging"`
	Peripherals PeripheralsConfig `yaml:"peripherals"`
	Health      HealthConfig      `yaml:"health"`
	API         APIConfig         `yaml:"api"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	Security    SecurityConfig    `yaml:"security"`
}

// BridgeConfig identifies the bridge and sizes its poll loop.
type BridgeConfig struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	QueueSize    int    `yaml:"queue_size"`
	LoopInterval int    `yaml:"loop_interval_ms"`
}

// SerialConfig describes the UART the modem is attached to.
type SerialConfig struct {
	Port        string      `yaml:"port"`
	Baud        int         `yaml:"baud"`
	ReadTimeout int         `yaml:"read_timeout_ms"`
	Reset       ResetConfig `yaml:"reset"`
}

// ResetConfig describes the modem reset line.
type ResetConfig struct {
	// Line is "rts", "dtr" or "none".
	Line   string `yaml:"line"`
	Hold   int    `yaml:"hold_ms"`
	Settle int    `yaml:"settle_ms"`
}

// ModemConfig tunes the AT command layer.
type ModemConfig struct {
	LineCapacity       int `yaml:"line_capacity"`
	PollInterval       int `yaml:"poll_interval_ms"`
	JoinAttemptTimeout int `yaml:"join_attempt_timeout"`
}

// WiFiConfig holds access point credentials.
type WiFiConfig struct {
	SSID        string `yaml:"ssid"`
	Password    string `yaml:"password"`
	JoinTimeout int    `yaml:"join_timeout"`
}

// UpstreamConfig describes the broker the modem connects to.
type UpstreamConfig struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	Username     string   `yaml:"username"`
	Password     string   `yaml:"password"`
	ClientIDSeed string   `yaml:"client_id_seed"`
	KeepAlive    int      `yaml:"keepalive"`
	StatusTopic  string   `yaml:"status_topic"`
	Topics       []string `yaml:"topics"`
	QoS          int      `yaml:"qos"`
}

// MQTTConfig contains local MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	KeepAlive int                 `yaml:"keepalive"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path          string `yaml:"path"`
	WALMode       bool   `yaml:"wal_mode"`
	BusyTimeout   int    `yaml:"busy_timeout"`
	RetentionDays int    `yaml:"retention_days"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// PeripheralsConfig contains the local display and sensor settings.
type PeripheralsConfig struct {
	Display DisplayConfig `yaml:"display"`
	Sensor  SensorConfig  `yaml:"sensor"`
}

// DisplayConfig enables the status display.
type DisplayConfig struct {
	Enabled bool `yaml:"enabled"`
	Width   int  `yaml:"width"`
}

// SensorConfig configures the temperature/humidity sensor.
type SensorConfig struct {
	Enabled   bool   `yaml:"enabled"`
	DeviceDir string `yaml:"device_dir"`
	Interval  int    `yaml:"interval"`
	TopicBase string `yaml:"topic_base"`
}

// HealthConfig configures health reporting.
type HealthConfig struct {
	Interval int `yaml:"interval"`
}

// APIConfig contains the local status API settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// SecurityConfig contains API authentication settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"` // minutes
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: MODEMBRIDGE_SECTION_KEY
// For example: MODEMBRIDGE_SERIAL_PORT, MODEMBRIDGE_UPSTREAM_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with the firmware's defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:           "esp01",
			Name:         "ESP-01 modem bridge",
			QueueSize:    32,
			LoopInterval: 100,
		},
		Serial: SerialConfig{
			Port:        "/dev/ttyUSB0",
			Baud:        115200,
			ReadTimeout: 10,
			Reset: ResetConfig{
				Line:   "rts",
				Hold:   100,
				Settle: 200,
			},
		},
		Modem: ModemConfig{
			LineCapacity:       512,
			PollInterval:       1,
			JoinAttemptTimeout: 5,
		},
		WiFi: WiFiConfig{
			JoinTimeout: 20,
		},
		Upstream: UpstreamConfig{
			Port:         1883,
			ClientIDSeed: "Pico",
			KeepAlive:    60,
			StatusTopic:  "Lastwill/Esp01Modem/Status",
			Topics: []string{
				"Sensor/GH1/Center/Temp",
				"Sensor/GH1/Center/Hum",
				"Sensor/GH2/Center/Temp",
				"Sensor/GH2/Center/Hum",
				"Sensor/GH3/Center/Temp",
				"Sensor/GH3/Center/Hum",
				"Sensor/GH4/Center/Temp",
				"Sensor/GH4/Center/Hum",
			},
			QoS: 0,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "modembridge",
			},
			QoS:       1,
			KeepAlive: 60,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Database: DatabaseConfig{
			Path:          "./data/modembridge.db",
			WALMode:       true,
			BusyTimeout:   5,
			RetentionDays: 30,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Peripherals: PeripheralsConfig{
			Display: DisplayConfig{
				Enabled: true,
				Width:   4,
			},
			Sensor: SensorConfig{
				DeviceDir: "/sys/bus/iio/devices/iio:device0",
				Interval:  5,
			},
		},
		Health: HealthConfig{
			Interval: 30,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 10,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: MODEMBRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Serial
	if v := os.Getenv("MODEMBRIDGE_SERIAL_PORT"); v != "" {
		cfg.Serial.Port = v
	}

	// WiFi
	if v := os.Getenv("MODEMBRIDGE_WIFI_SSID"); v != "" {
		cfg.WiFi.SSID = v
	}
	if v := os.Getenv("MODEMBRIDGE_WIFI_PASSWORD"); v != "" {
		cfg.WiFi.Password = v
	}

	// Upstream
	if v := os.Getenv("MODEMBRIDGE_UPSTREAM_HOST"); v != "" {
		cfg.Upstream.Host = v
	}
	if v := os.Getenv("MODEMBRIDGE_UPSTREAM_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Upstream.Port = port
		}
	}
	if v := os.Getenv("MODEMBRIDGE_UPSTREAM_USERNAME"); v != "" {
		cfg.Upstream.Username = v
	}
	if v := os.Getenv("MODEMBRIDGE_UPSTREAM_PASSWORD"); v != "" {
		cfg.Upstream.Password = v
	}

	// Local MQTT
	if v := os.Getenv("MODEMBRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("MODEMBRIDGE_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}

	// Database
	if v := os.Getenv("MODEMBRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("MODEMBRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("MODEMBRIDGE_INFLUXDB_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.InfluxDB.Enabled = enabled
		}
	}

	// Logging
	if v := os.Getenv("MODEMBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// API
	if v := os.Getenv("MODEMBRIDGE_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("MODEMBRIDGE_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// Security - JWT secret (always override in production)
	if v := os.Getenv("MODEMBRIDGE_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Field limits of the modem firmware.
const (
	maxTopics      = 12
	maxTopicLength = 127
	maxFieldLength = 63

	minJWTSecretLength = 32
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	// Bridge
	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	} else if strings.ContainsAny(c.Bridge.ID, "/+#") {
		errs = append(errs, "bridge.id must not contain '/', '+' or '#'")
	}
	if c.Bridge.QueueSize < 1 {
		errs = append(errs, "bridge.queue_size must be at least 1")
	}

	// Serial
	if c.Serial.Port == "" {
		errs = append(errs, "serial.port is required")
	}
	if c.Serial.Baud <= 0 {
		errs = append(errs, "serial.baud must be positive")
	}
	switch c.Serial.Reset.Line {
	case "rts", "dtr", "none", "":
	default:
		errs = append(errs, "serial.reset.line must be rts, dtr or none")
	}

	// Modem
	if c.Modem.LineCapacity < 2 {
		errs = append(errs, "modem.line_capacity must be at least 2")
	}

	// WiFi
	if c.WiFi.SSID == "" {
		errs = append(errs, "wifi.ssid is required (set MODEMBRIDGE_WIFI_SSID environment variable)")
	}

	// Upstream
	if c.Upstream.Host == "" {
		errs = append(errs, "upstream.host is required")
	}
	if c.Upstream.Port < 1 || c.Upstream.Port > 65535 {
		errs = append(errs, "upstream.port must be between 1 and 65535")
	}
	if c.Upstream.QoS < 0 || c.Upstream.QoS > 2 {
		errs = append(errs, "upstream.qos must be 0, 1, or 2")
	}
	for name, v := range map[string]string{
		"host":           c.Upstream.Host,
		"username":       c.Upstream.Username,
		"password":       c.Upstream.Password,
		"client_id_seed": c.Upstream.ClientIDSeed,
	} {
		if len(v) > maxFieldLength {
			errs = append(errs, fmt.Sprintf("upstream.%s must be at most %d bytes", name, maxFieldLength))
		}
	}
	if len(c.Upstream.Topics) > maxTopics {
		errs = append(errs, fmt.Sprintf("upstream.topics allows at most %d topics", maxTopics))
	}
	for _, t := range c.Upstream.Topics {
		if t == "" || len(t) > maxTopicLength {
			errs = append(errs, fmt.Sprintf("upstream.topics entry %q must be 1-%d bytes", t, maxTopicLength))
		}
	}

	// Local MQTT
	if c.MQTT.Enabled {
		if c.MQTT.Broker.Host == "" {
			errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
	}

	// Database
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.RetentionDays < 0 {
		errs = append(errs, "database.retention_days must not be negative")
	}

	// InfluxDB
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	// API
	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required when api is enabled (set MODEMBRIDGE_JWT_SECRET environment variable)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, fmt.Sprintf("security.jwt.secret must be at least %d characters", minJWTSecretLength))
		}
		if c.API.TLS.Enabled && (c.API.TLS.CertFile == "" || c.API.TLS.KeyFile == "") {
			errs = append(errs, "api.tls.cert_file and api.tls.key_file are required when tls is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetLoopInterval returns the poll loop interval as a Duration.
func (c *Config) GetLoopInterval() time.Duration {
	return time.Duration(c.Bridge.LoopInterval) * time.Millisecond
}

// GetReadTimeout returns the serial read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.Serial.ReadTimeout) * time.Millisecond
}

// GetJoinTimeout returns the overall WiFi join timeout as a Duration.
func (c *Config) GetJoinTimeout() time.Duration {
	return time.Duration(c.WiFi.JoinTimeout) * time.Second
}

// GetHealthInterval returns the health reporting interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Health.Interval) * time.Second
}

// GetSensorInterval returns the sensor read interval as a Duration.
func (c *Config) GetSensorInterval() time.Duration {
	return time.Duration(c.Peripherals.Sensor.Interval) * time.Second
}

// GetTokenTTL returns the lifetime of issued API tokens.
func (c *Config) GetTokenTTL() time.Duration {
	return time.Duration(c.Security.JWT.AccessTokenTTL) * time.Minute
}

// GetRetention returns how long history is kept. Zero disables pruning.
func (c *Config) GetRetention() time.Duration {
	return time.Duration(c.Database.RetentionDays) * 24 * time.Hour
}
