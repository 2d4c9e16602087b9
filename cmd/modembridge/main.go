// modembridge drives an ESP-01 AT-firmware modem over a serial line and
// relays its upstream MQTT session onto a local broker.
//
// The modem owns the only connection to the upstream broker. This process
// joins Wi-Fi, keeps that session alive, forwards every upstream message to
// the local broker, and accepts publish and topic-change requests back.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/gray-logic-modembridge/internal/api"
	"github.com/nerrad567/gray-logic-modembridge/internal/bridges/esp01"
	"github.com/nerrad567/gray-logic-modembridge/internal/history"
	"github.com/nerrad567/gray-logic-modembridge/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-modembridge/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-modembridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-modembridge/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-modembridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-modembridge/internal/infrastructure/serialport"
	"github.com/nerrad567/gray-logic-modembridge/internal/peripheral"
	"github.com/nerrad567/gray-logic-modembridge/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/modembridge.yaml"

func main() {
	if len(os.Args) > 1 {
		var err error
		switch os.Args[1] {
		case "token":
			err = issueToken(os.Args[2:], os.Stdout)
		case "migrate":
			err = runMigrate(context.Background(), os.Args[2:], os.Stdout)
		default:
			err = fmt.Errorf("unknown command %q", os.Args[1])
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting modembridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"bridge_id", cfg.Bridge.ID,
		"name", cfg.Bridge.Name,
	)

	// History store
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	applied, migrateErr := db.Migrate(ctx, migrations.FS)
	if migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", db.Path(), "migrations_applied", applied)
	store := history.NewSQLiteRepository(db)

	// Telemetry (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			stats := influxClient.Stats()
			log.Info("closing InfluxDB connection", "points_written", stats.Points, "write_failures", stats.Failures)
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Local broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = connectMQTT(cfg, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
	} else {
		log.Info("local MQTT disabled, relaying to history only")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	// Modem
	port, err := openSerial(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing serial port")
		if closeErr := port.Close(); closeErr != nil {
			log.Error("error closing serial port", "error", closeErr)
		}
	}()

	modem, err := esp01.NewModem(port, esp01.ModemOptions{
		LineCapacity:       cfg.Modem.LineCapacity,
		PollInterval:       time.Duration(cfg.Modem.PollInterval) * time.Millisecond,
		JoinAttemptTimeout: time.Duration(cfg.Modem.JoinAttemptTimeout) * time.Second,
		Logger:             log.Component("esp01"),
	})
	if err != nil {
		return fmt.Errorf("creating modem: %w", err)
	}

	opts := esp01.BridgeOptions{
		Config: bridgeConfig(cfg, version),
		Modem:  modem,
		Store:  store,
		Logger: log.Component("bridge"),
	}
	if mqttClient != nil {
		opts.MQTTClient = &mqttBridgeAdapter{client: mqttClient}
	}
	if influxClient != nil {
		opts.Telemetry = influxClient
	}
	if cfg.Peripherals.Display.Enabled {
		opts.Display = peripheral.NewLogDisplay(log.Component("display"), cfg.Peripherals.Display.Width)
	}
	if cfg.Peripherals.Sensor.Enabled {
		opts.Sensor = peripheral.NewIIOSensor(cfg.Peripherals.Sensor.DeviceDir)
	}
	var hub *api.Hub
	if cfg.API.Enabled {
		hub = api.NewHub(cfg.WebSocket, log.Component("api"))
		opts.Events = hub
	}

	bridge, err := esp01.NewBridge(opts)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	defer bridge.Stop()

	// Status API (optional)
	if cfg.API.Enabled {
		apiServer, apiErr := startAPI(ctx, cfg, log, hub, bridge, store, mqttClient)
		if apiErr != nil {
			return apiErr
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}

	log.Info("initialisation complete, running until shutdown signal")
	if err := bridge.Run(ctx); err != nil {
		return fmt.Errorf("running bridge: %w", err)
	}

	log.Info("modembridge stopped")
	return nil
}

// startAPI creates and starts the status API around the bridge's event hub.
func startAPI(ctx context.Context, cfg *config.Config, log *logging.Logger, hub *api.Hub,
	bridge *esp01.Bridge, store *history.SQLiteRepository, mqttClient *mqtt.Client,
) (*api.Server, error) {
	deps := api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   log.Component("api"),
		Relay:    bridge,
		History:  store,
		Hub:      hub,
		Version:  version,
	}
	if mqttClient != nil {
		deps.MQTT = mqttClient
	}

	server, err := api.New(deps)
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting API server: %w", err)
	}
	log.Info("API server started", "host", cfg.API.Host, "port", cfg.API.Port)
	return server, nil
}

// issueToken implements "modembridge token <subject>": it prints a bearer
// token for the status API signed with the configured secret.
func issueToken(args []string, out io.Writer) error {
	if len(args) != 1 || args[0] == "" {
		return errors.New("usage: modembridge token <subject>")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Security.JWT.Secret == "" {
		return errors.New("security.jwt.secret is not set")
	}

	token, err := api.IssueToken(args[0], cfg.Security.JWT.Secret, cfg.GetTokenTTL())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

// runMigrate implements "modembridge migrate [up|down|status]" against the
// configured history database. The daemon migrates up on start; down and
// status are for operators.
func runMigrate(ctx context.Context, args []string, out io.Writer) error {
	action := "status"
	if len(args) > 0 {
		action = args[0]
	}
	if len(args) > 1 {
		return errors.New("usage: modembridge migrate [up|down|status]")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck // Process exits next

	switch action {
	case "up":
		n, err := db.Migrate(ctx, migrations.FS)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "applied %d migration(s) to %s\n", n, db.Path())
		return err

	case "down":
		version, err := db.Rollback(ctx, migrations.FS)
		if err != nil {
			return err
		}
		if version == "" {
			_, err = fmt.Fprintln(out, "nothing to roll back")
			return err
		}
		_, err = fmt.Fprintf(out, "rolled back %s\n", version)
		return err

	case "status":
		states, err := db.MigrationStatus(ctx, migrations.FS)
		if err != nil {
			return err
		}
		for _, st := range states {
			applied := "pending"
			if st.Applied {
				applied = "applied " + st.AppliedAt.Format(time.RFC3339)
			}
			if _, err := fmt.Fprintf(out, "%s %s %s\n", st.Version, st.Name, applied); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown migrate action %q (want up, down or status)", action)
	}
}

// getConfigPath returns MODEMBRIDGE_CONFIG if set, otherwise the default path.
func getConfigPath() string {
	if path := os.Getenv("MODEMBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// bridgeConfig maps the application config onto the bridge's own config.
func bridgeConfig(cfg *config.Config, version string) *esp01.Config {
	topicBase := ""
	if cfg.Peripherals.Sensor.Enabled {
		topicBase = cfg.Peripherals.Sensor.TopicBase
	}

	return &esp01.Config{
		BridgeID: cfg.Bridge.ID,
		Version:  version,
		WiFi: esp01.WiFiConfig{
			SSID:        cfg.WiFi.SSID,
			Password:    cfg.WiFi.Password,
			JoinTimeout: cfg.GetJoinTimeout(),
		},
		Upstream: esp01.SessionConfig{
			Host:         cfg.Upstream.Host,
			Port:         cfg.Upstream.Port,
			Username:     cfg.Upstream.Username,
			Password:     cfg.Upstream.Password,
			ClientIDSeed: cfg.Upstream.ClientIDSeed,
			Topics:       cfg.Upstream.Topics,
			QoS:          byte(cfg.Upstream.QoS), // #nosec G115 -- validated 0-2
			KeepAlive:    cfg.Upstream.KeepAlive,
			StatusTopic:  cfg.Upstream.StatusTopic,
		},
		QueueSize:       cfg.Bridge.QueueSize,
		LoopInterval:    cfg.GetLoopInterval(),
		HealthInterval:  cfg.GetHealthInterval(),
		SensorInterval:  cfg.GetSensorInterval(),
		SensorTopicBase: topicBase,
		Retention:       cfg.GetRetention(),
	}
}

// connectMQTT connects to the local broker with the bridge's offline health
// message as Last Will.
func connectMQTT(cfg *config.Config, log *logging.Logger) (*mqtt.Client, error) {
	lwt, err := json.Marshal(esp01.NewLWTMessage(cfg.Bridge.ID))
	if err != nil {
		return nil, fmt.Errorf("building last will: %w", err)
	}

	client, err := mqtt.Connect(cfg.MQTT, mqtt.Will{
		Topic:    esp01.HealthTopic(cfg.Bridge.ID),
		Payload:  lwt,
		QoS:      1,
		Retained: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}

	client.SetLogger(log)
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)
	return client, nil
}

// openSerial opens the modem UART and pulses its reset line.
func openSerial(cfg *config.Config, log *logging.Logger) (*serialport.Port, error) {
	port, err := serialport.Open(cfg.Serial)
	if err != nil {
		if !errors.Is(err, serialport.ErrNoPort) {
			log.Error("serial port unavailable",
				"port", cfg.Serial.Port,
				"available", serialport.Available(),
			)
		}
		return nil, fmt.Errorf("opening serial port: %w", err)
	}

	if err := port.Reset(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("resetting modem: %w", err)
	}

	log.Info("serial port open",
		"port", port.Name(),
		"baud", cfg.Serial.Baud,
		"read_timeout", cfg.GetReadTimeout(),
		"reset_line", cfg.Serial.Reset.Line,
	)
	return port, nil
}

// healthCheck verifies infrastructure connections. Optional clients may be nil.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface, whose subscribe handlers return nothing.
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
