package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/savegress/sensorhub/internal/alerts"
	"github.com/savegress/sensorhub/internal/config"
	"github.com/savegress/sensorhub/internal/ingest"
	"github.com/savegress/sensorhub/internal/metrics"
	"github.com/savegress/sensorhub/internal/storage"
	"github.com/savegress/sensorhub/pkg/models"
)

const testConfigYAML = `
mqtt:
  broker_port: 8883
database:
  path: /tmp/unused.db
  retention_days: 7
alerts:
  temp_threshold_high: 35.0
  temp_threshold_low: 10.0
`

type testEnv struct {
	server   *Server
	store    *storage.SQLiteStore
	engine   *alerts.Engine
	counters *metrics.Counters
	cfgPath  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(testConfigYAML), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfgStore, err := config.NewStore(cfgPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	store, err := storage.NewSQLiteStore(filepath.Join(dir, "sensors.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	counters := metrics.New()
	engine := alerts.NewEngine(cfgStore, store, counters)
	svc := ingest.NewService(cfgStore, store, engine, counters)

	return &testEnv{
		server:   NewServer(cfgStore, store, engine, svc, counters),
		store:    store,
		engine:   engine,
		counters: counters,
		cfgPath:  cfgPath,
	}
}

func (env *testEnv) get(t *testing.T, path string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("GET %s: bad response body: %v", path, err)
	}
	return rec, resp
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)
	rec, resp := env.get(t, "/health")
	if rec.Code != http.StatusOK || !resp.Success {
		t.Errorf("expected healthy 200, got %d %+v", rec.Code, resp)
	}
}

func TestListSensors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now()

	env.store.Append(ctx, &models.SensorReading{DeviceID: "dev_a", Metric: "temperature", Value: 1, Timestamp: now})
	env.store.Append(ctx, &models.SensorReading{DeviceID: "dev_b", Metric: "humidity", Value: 2, Timestamp: now})

	rec, resp := env.get(t, "/api/sensors")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	data := resp.Data.(map[string]interface{})
	if data["count"].(float64) != 2 {
		t.Errorf("expected 2 sensors, got %v", data["count"])
	}
}

func TestGetReadings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)

	for i := 0; i < 5; i++ {
		env.store.Append(ctx, &models.SensorReading{
			DeviceID:  "dev",
			Metric:    "temperature",
			Value:     float64(20 + i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}

	from := strconv.FormatInt(base.Unix(), 10)
	to := strconv.FormatInt(base.Add(3*time.Minute).Unix(), 10)
	rec, resp := env.get(t, "/api/sensors/dev/readings?metric=temperature&from="+from+"&to="+to)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %+v", rec.Code, resp)
	}

	data := resp.Data.(map[string]interface{})
	readings := data["readings"].([]interface{})
	// [from, to): the reading at minute 3 is excluded.
	if len(readings) != 3 {
		t.Fatalf("expected 3 readings, got %d", len(readings))
	}
	for i, raw := range readings {
		r := raw.(map[string]interface{})
		if r["value"].(float64) != float64(20+i) {
			t.Errorf("position %d: unexpected value %v", i, r["value"])
		}
	}
}

func TestGetReadings_BadParams(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		path string
	}{
		{"missing metric", "/api/sensors/dev/readings"},
		{"bad from", "/api/sensors/dev/readings?metric=temperature&from=lastweek"},
		{"bad timeout", "/api/sensors/dev/readings?metric=temperature&timeout=fast"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := env.get(t, tt.path)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
			if resp.Success || resp.Error == "" {
				t.Errorf("expected error response, got %+v", resp)
			}
		})
	}
}

func TestGetReadings_UnknownSensorIsEmpty(t *testing.T) {
	env := newTestEnv(t)
	rec, resp := env.get(t, "/api/sensors/ghost/readings?metric=temperature")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for empty result, got %d", rec.Code)
	}
	data := resp.Data.(map[string]interface{})
	if data["count"].(float64) != 0 {
		t.Errorf("expected 0 readings, got %v", data["count"])
	}
}

func TestGetStatus(t *testing.T) {
	env := newTestEnv(t)
	env.counters.Received.Add(10)
	env.counters.QueueDropped.Add(2)
	env.counters.MarkEviction(time.Now())

	rec, resp := env.get(t, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	data := resp.Data.(map[string]interface{})
	if data["broker"] != "disconnected" {
		t.Errorf("expected disconnected broker, got %v", data["broker"])
	}
	counters := data["counters"].(map[string]interface{})
	if counters["received"].(float64) != 10 || counters["queue_dropped"].(float64) != 2 {
		t.Errorf("unexpected counters: %v", counters)
	}
	if _, ok := data["last_eviction"]; !ok {
		t.Error("expected last_eviction after MarkEviction")
	}
}

func TestListAlerts(t *testing.T) {
	env := newTestEnv(t)
	env.engine.Start(context.Background())
	defer env.engine.Stop()

	env.engine.Evaluate(&models.SensorReading{
		DeviceID: "dev", Metric: "temperature", Value: 40, Timestamp: time.Now(),
	})

	rec, resp := env.get(t, "/api/alerts")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	data := resp.Data.(map[string]interface{})
	alertsList := data["alerts"].([]interface{})
	if len(alertsList) != 1 {
		t.Fatalf("expected 1 alert state, got %d", len(alertsList))
	}
	st := alertsList[0].(map[string]interface{})
	if st["status"] != "high_alert" {
		t.Errorf("expected high_alert, got %v", st["status"])
	}
}

func TestReloadConfig(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/alerts/config", nil)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	// Break the file: reload fails with 400, old snapshot stays active.
	if err := os.WriteFile(env.cfgPath, []byte("mqtt: {}\n"), 0644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}
	rec = httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/alerts/config", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid reload, got %d", rec.Code)
	}
}
