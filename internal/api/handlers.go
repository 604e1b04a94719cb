package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/savegress/sensorhub/internal/alerts"
	"github.com/savegress/sensorhub/internal/config"
	"github.com/savegress/sensorhub/internal/ingest"
	"github.com/savegress/sensorhub/internal/metrics"
	"github.com/savegress/sensorhub/internal/storage"
)

const defaultQueryTimeout = 10 * time.Second

// Handlers contains all HTTP handlers
type Handlers struct {
	cfg      *config.Store
	store    storage.ReadingStore
	engine   *alerts.Engine
	ingest   *ingest.Service
	counters *metrics.Counters
	started  time.Time
}

type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{Success: false, Error: message})
}

// HealthCheck returns the health status
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ListSensors returns the known device/metric pairs
func (h *Handlers) ListSensors(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.ListSensors(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sensors")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sensors": keys,
		"count":   len(keys),
	})
}

// GetReadings returns the ordered reading sequence for one sensor in
// [from, to). The caller may bound storage I/O with a timeout parameter;
// exceeding it yields 504 with no partial result.
func (h *Handlers) GetReadings(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		writeError(w, http.StatusBadRequest, "metric parameter is required")
		return
	}

	from, to, err := parseTimeRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	timeout := defaultQueryTimeout
	if t := r.URL.Query().Get("timeout"); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = d
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	readings, err := h.store.Query(ctx, deviceID, metric, from, to)
	if err != nil {
		if errors.Is(err, storage.ErrTimeout) {
			writeError(w, http.StatusGatewayTimeout, "query timed out")
			return
		}
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_id": deviceID,
		"metric":    metric,
		"from":      from,
		"to":        to,
		"readings":  readings,
		"count":     len(readings),
	})
}

// GetStatus returns process health and per-component counters
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"broker":         h.ingest.ConnState().String(),
		"counters":       h.counters.Snapshot(),
	}
	if last := h.counters.LastEviction(); !last.IsZero() {
		status["last_eviction"] = last
	}
	writeJSON(w, http.StatusOK, status)
}

// ListAlerts returns the current alert state snapshots
func (h *Handlers) ListAlerts(w http.ResponseWriter, r *http.Request) {
	states := h.engine.States()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": states,
		"count":  len(states),
	})
}

// ReloadConfig atomically swaps the active configuration snapshot. On
// failure the previous snapshot stays active.
func (h *Handlers) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	if err := h.cfg.Reload(); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("reload failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// parseTimeRange reads from/to query parameters as RFC3339 or unix
// seconds. Defaults: from = 24h ago, to = now.
func parseTimeRange(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now()
	from := now.Add(-24 * time.Hour)
	to := now

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid from: %q", v)
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to: %q", v)
		}
		to = t
	}
	return from, to, nil
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if sec, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Unix(0, int64(sec*float64(time.Second))), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", v)
}
