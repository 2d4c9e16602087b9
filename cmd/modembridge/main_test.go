package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-modembridge/internal/api"
	"github.com/nerrad567/gray-logic-modembridge/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-modembridge/internal/infrastructure/database"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "modembridge.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("MODEMBRIDGE_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil || !strings.Contains(err.Error(), "loading config") {
		t.Fatalf("run() error = %v, want loading config failure", err)
	}
}

func TestRun_SerialPortUnavailable(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	t.Setenv("MODEMBRIDGE_CONFIG", writeTestConfig(t, `
bridge:
  id: "test"
serial:
  port: "/dev/modembridge-does-not-exist"
wifi:
  ssid: "farmmain"
upstream:
  host: "192.168.0.24"
mqtt:
  enabled: false
database:
  path: "`+dbPath+`"
logging:
  level: error
  format: text
  output: stderr
`))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil || !strings.Contains(err.Error(), "opening serial port") {
		t.Fatalf("run() error = %v, want serial port failure", err)
	}

	// The history database is created and migrated before the modem is touched.
	if _, statErr := os.Stat(dbPath); statErr != nil {
		t.Errorf("database not created: %v", statErr)
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("MODEMBRIDGE_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("MODEMBRIDGE_CONFIG", "/etc/modembridge.yaml")
	if got := getConfigPath(); got != "/etc/modembridge.yaml" {
		t.Errorf("getConfigPath() = %q, want env override", got)
	}
}

func TestBridgeConfig(t *testing.T) {
	cfg, err := config.Load(writeTestConfig(t, `
bridge:
  id: "gh-north"
wifi:
  ssid: "farmmain"
  password: "pw"
upstream:
  host: "192.168.0.24"
  qos: 1
  topics: ["Sensor/GH1/Center/Temp"]
peripherals:
  sensor:
    enabled: true
    topic_base: "Sensor/Bridge"
`))
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}

	got := bridgeConfig(cfg, "1.0.0")

	if got.BridgeID != "gh-north" || got.Version != "1.0.0" {
		t.Errorf("identity = %q/%q", got.BridgeID, got.Version)
	}
	if got.WiFi.SSID != "farmmain" || got.WiFi.JoinTimeout != 20*time.Second {
		t.Errorf("wifi = %+v", got.WiFi)
	}
	if got.Upstream.Host != "192.168.0.24" || got.Upstream.Port != 1883 || got.Upstream.QoS != 1 {
		t.Errorf("upstream = %+v", got.Upstream)
	}
	if len(got.Upstream.Topics) != 1 || got.Upstream.StatusTopic != "Lastwill/Esp01Modem/Status" {
		t.Errorf("upstream topics = %v status = %q", got.Upstream.Topics, got.Upstream.StatusTopic)
	}
	if got.SensorTopicBase != "Sensor/Bridge" {
		t.Errorf("SensorTopicBase = %q", got.SensorTopicBase)
	}
	if got.Retention != 30*24*time.Hour || got.LoopInterval != 100*time.Millisecond {
		t.Errorf("retention/loop = %v/%v", got.Retention, got.LoopInterval)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("mapped config invalid: %v", err)
	}
}

func TestBridgeConfig_SensorDisabledDropsTopicBase(t *testing.T) {
	cfg := &config.Config{}
	cfg.Peripherals.Sensor.TopicBase = "Sensor/Bridge"

	if got := bridgeConfig(cfg, "dev"); got.SensorTopicBase != "" {
		t.Errorf("SensorTopicBase = %q, want empty when sensor disabled", got.SensorTopicBase)
	}
}

func TestHealthCheck_NilOptionalClients(t *testing.T) {
	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "health.db"),
		BusyTimeout: 1,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	defer db.Close() //nolint:errcheck // Test cleanup

	if err := healthCheck(context.Background(), db, nil, nil); err != nil {
		t.Errorf("healthCheck() error = %v", err)
	}
}

func TestIssueToken(t *testing.T) {
	secret := strings.Repeat("k", 40)
	t.Setenv("MODEMBRIDGE_CONFIG", writeTestConfig(t, `
wifi:
  ssid: "farmmain"
upstream:
  host: "192.168.0.24"
`))
	t.Setenv("MODEMBRIDGE_JWT_SECRET", secret)

	var out bytes.Buffer
	if err := issueToken([]string{"ops"}, &out); err != nil {
		t.Fatalf("issueToken() error = %v", err)
	}

	claims, err := api.ParseToken(strings.TrimSpace(out.String()), secret)
	if err != nil {
		t.Fatalf("printed token does not parse: %v", err)
	}
	if claims.Subject != "ops" {
		t.Errorf("subject = %q, want ops", claims.Subject)
	}
}

func TestIssueToken_Errors(t *testing.T) {
	t.Setenv("MODEMBRIDGE_CONFIG", writeTestConfig(t, `
wifi:
  ssid: "farmmain"
upstream:
  host: "192.168.0.24"
`))
	t.Setenv("MODEMBRIDGE_JWT_SECRET", "")

	var out bytes.Buffer
	if err := issueToken(nil, &out); err == nil || !strings.Contains(err.Error(), "usage") {
		t.Errorf("issueToken(nil) error = %v, want usage", err)
	}
	if err := issueToken([]string{"ops"}, &out); err == nil || !strings.Contains(err.Error(), "secret") {
		t.Errorf("issueToken() without secret error = %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("output = %q, want nothing", out.String())
	}
}

func TestRunMigrate(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	t.Setenv("MODEMBRIDGE_CONFIG", writeTestConfig(t, `
wifi:
  ssid: "farmmain"
upstream:
  host: "192.168.0.24"
`))
	t.Setenv("MODEMBRIDGE_DATABASE_PATH", dbPath)
	ctx := context.Background()

	steps := []struct {
		args []string
		want string
	}{
		{args: nil, want: "20260301_120000 modem_history pending"},
		{args: []string{"up"}, want: "applied 1 migration(s) to " + dbPath},
		{args: []string{"up"}, want: "applied 0 migration(s)"},
		{args: []string{"status"}, want: "20260301_120000 modem_history applied "},
		{args: []string{"down"}, want: "rolled back 20260301_120000"},
		{args: []string{"down"}, want: "nothing to roll back"},
	}

	for _, step := range steps {
		var out bytes.Buffer
		if err := runMigrate(ctx, step.args, &out); err != nil {
			t.Fatalf("runMigrate(%q) error = %v", step.args, err)
		}
		if !strings.Contains(out.String(), step.want) {
			t.Errorf("runMigrate(%q) output = %q, want it to contain %q", step.args, out.String(), step.want)
		}
	}
}

func TestRunMigrate_BadArgs(t *testing.T) {
	t.Setenv("MODEMBRIDGE_CONFIG", writeTestConfig(t, `
wifi:
  ssid: "farmmain"
upstream:
  host: "192.168.0.24"
`))
	t.Setenv("MODEMBRIDGE_DATABASE_PATH", filepath.Join(t.TempDir(), "history.db"))

	tests := [][]string{
		{"sideways"},
		{"up", "extra"},
	}
	for _, args := range tests {
		if err := runMigrate(context.Background(), args, &bytes.Buffer{}); err == nil {
			t.Errorf("runMigrate(%q) succeeded, want error", args)
		}
	}
}
