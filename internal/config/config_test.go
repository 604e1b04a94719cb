package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  port: 9090
mqtt:
  host: broker.local
  broker_port: 8883
  use_tls: true
  max_clients: 25
database:
  path: /tmp/sensorhub-test/sensors.db
  retention_days: 30
alerts:
  temp_threshold_high: 35.0
  temp_threshold_low: 10.0
  hysteresis: 1.5
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.MQTT.BrokerPort == nil || *cfg.MQTT.BrokerPort != 8883 {
		t.Errorf("expected broker_port 8883, got %v", cfg.MQTT.BrokerPort)
	}
	if !cfg.MQTT.UseTLS {
		t.Error("expected use_tls true")
	}
	if got := cfg.Database.Retention(); got != 30*24*time.Hour {
		t.Errorf("expected 30d retention, got %s", got)
	}
	if cfg.Alerts.Hysteresis != 1.5 {
		t.Errorf("expected hysteresis 1.5, got %v", cfg.Alerts.Hysteresis)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
mqtt:
  broker_port: 1883
database:
  path: /tmp/x.db
  retention_days: 7
`))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Ingest.TopicPattern != "sensors/+/+" {
		t.Errorf("expected default topic pattern, got %q", cfg.Ingest.TopicPattern)
	}
	if cfg.Ingest.QueueSize != 1024 {
		t.Errorf("expected default queue size 1024, got %d", cfg.Ingest.QueueSize)
	}
	if cfg.Ingest.MaxClockSkew != 5*time.Minute {
		t.Errorf("expected default clock skew 5m, got %s", cfg.Ingest.MaxClockSkew)
	}
	if cfg.Database.EvictionInterval != time.Hour {
		t.Errorf("expected default eviction interval 1h, got %s", cfg.Database.EvictionInterval)
	}
	if cfg.Alerts.Hysteresis != 1.0 {
		t.Errorf("expected default hysteresis 1.0, got %v", cfg.Alerts.Hysteresis)
	}
}

func TestLoad_MissingRequiredKeys(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantKey string
	}{
		{
			name: "missing broker_port",
			yaml: `
database:
  path: /tmp/x.db
  retention_days: 7
`,
			wantKey: "mqtt.broker_port",
		},
		{
			name: "missing database path",
			yaml: `
mqtt:
  broker_port: 1883
database:
  retention_days: 7
`,
			wantKey: "database.path",
		},
		{
			name: "missing retention",
			yaml: `
mqtt:
  broker_port: 1883
database:
  path: /tmp/x.db
`,
			wantKey: "database.retention_days",
		},
		{
			name: "email enabled without smtp server",
			yaml: `
mqtt:
  broker_port: 1883
database:
  path: /tmp/x.db
  retention_days: 7
alerts:
  email_enabled: true
`,
			wantKey: "alerts.smtp_server",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("expected error for missing key")
			}
			if !errors.Is(err, ErrMissingKey) {
				t.Errorf("expected ErrMissingKey, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantKey) {
				t.Errorf("error should name key %q, got: %v", tt.wantKey, err)
			}
		})
	}
}

func TestLoad_UnknownKeysIgnored(t *testing.T) {
	_, err := Load(writeConfig(t, validYAML+`
dashboard:
  theme: dark
`))
	if err != nil {
		t.Fatalf("unknown keys should be ignored, got: %v", err)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("SENSORHUB_TEST_DB", "/tmp/env-expanded.db")
	cfg, err := Load(writeConfig(t, `
mqtt:
  broker_port: 1883
database:
  path: ${SENSORHUB_TEST_DB}
  retention_days: 7
`))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if *cfg.Database.Path != "/tmp/env-expanded.db" {
		t.Errorf("expected env-expanded path, got %q", *cfg.Database.Path)
	}
}

func TestCompiledRules(t *testing.T) {
	high := 35.0
	low := 10.0
	explicitHigh := 50.0

	cfg, err := Load(writeConfig(t, `
mqtt:
  broker_port: 1883
database:
  path: /tmp/x.db
  retention_days: 7
alerts:
  temp_threshold_high: 35.0
  temp_threshold_low: 10.0
  hysteresis: 2.0
  rules:
    - device_id: boiler_1
      metric: temperature
      high: 50.0
`))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	rules := cfg.Alerts.CompiledRules()
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}

	// Explicit rule comes first so it wins for its device.
	if rules[0].DeviceID != "boiler_1" || rules[0].High == nil || *rules[0].High != explicitHigh {
		t.Errorf("expected explicit boiler_1 rule first, got %+v", rules[0])
	}
	if rules[0].Hysteresis != 2.0 {
		t.Errorf("explicit rule should inherit hysteresis 2.0, got %v", rules[0].Hysteresis)
	}

	// Wildcard fallback from the threshold pair.
	w := rules[1]
	if w.DeviceID != "*" || w.Metric != "temperature" {
		t.Errorf("expected wildcard temperature rule, got %+v", w)
	}
	if w.High == nil || *w.High != high || w.Low == nil || *w.Low != low {
		t.Errorf("wildcard rule thresholds wrong: %+v", w)
	}
}

func TestStore_Reload(t *testing.T) {
	path := writeConfig(t, validYAML)
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	before := store.Snapshot()
	if before.Server.Port != 9090 {
		t.Fatalf("unexpected initial port %d", before.Server.Port)
	}

	// Rewrite the file and reload.
	updated := strings.Replace(validYAML, "port: 9090", "port: 9191", 1)
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}
	if err := store.Reload(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	// The old snapshot is untouched; the new one sees the change.
	if before.Server.Port != 9090 {
		t.Error("captured snapshot mutated by reload")
	}
	if store.Snapshot().Server.Port != 9191 {
		t.Errorf("expected reloaded port 9191, got %d", store.Snapshot().Server.Port)
	}
}

func TestStore_ReloadKeepsOldOnError(t *testing.T) {
	path := writeConfig(t, validYAML)
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	if err := os.WriteFile(path, []byte("mqtt: {}\n"), 0644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}
	if err := store.Reload(); err == nil {
		t.Fatal("expected reload error for invalid config")
	}

	// Previous snapshot stays active.
	if store.Snapshot().Server.Port != 9090 {
		t.Errorf("expected old snapshot to stay active, got port %d", store.Snapshot().Server.Port)
	}
}
