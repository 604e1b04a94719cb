package models

import (
	"fmt"
	"time"
)

// AlertStatus represents the alert state of a sensor metric
type AlertStatus string

const (
	StatusNormal    AlertStatus = "normal"
	StatusHighAlert AlertStatus = "high_alert"
	StatusLowAlert  AlertStatus = "low_alert"
)

// SensorKey identifies one metric stream from one device
type SensorKey struct {
	DeviceID string `json:"device_id"`
	Metric   string `json:"metric"`
}

func (k SensorKey) String() string {
	return k.DeviceID + "/" + k.Metric
}

// SensorReading is a single telemetry sample received from a device.
// Readings are immutable after construction; the ingestion service hands
// them to storage and alerting without either consumer mutating them.
type SensorReading struct {
	DeviceID string  `json:"device_id"`
	Metric   string  `json:"metric"`
	Value    float64 `json:"value"`
	// Timestamp is device-reported when within the clock-skew bound,
	// otherwise the server receipt time (see ClockCorrected).
	Timestamp time.Time `json:"timestamp"`
	// Sequence is a per-device monotonic counter; HasSequence reports
	// whether the device supplied one.
	Sequence    int64 `json:"sequence,omitempty"`
	HasSequence bool  `json:"-"`
	// ClockCorrected marks readings whose device timestamp was replaced
	// by the server receipt time.
	ClockCorrected bool `json:"clock_corrected,omitempty"`
}

// Key returns the sensor key for this reading
func (r *SensorReading) Key() SensorKey {
	return SensorKey{DeviceID: r.DeviceID, Metric: r.Metric}
}

// AlertRule is one threshold rule. DeviceID may be "*" to match any device.
// High and Low are optional; a rule with neither is invalid.
type AlertRule struct {
	DeviceID   string   `json:"device_id" yaml:"device_id"`
	Metric     string   `json:"metric" yaml:"metric"`
	High       *float64 `json:"high,omitempty" yaml:"high,omitempty"`
	Low        *float64 `json:"low,omitempty" yaml:"low,omitempty"`
	Hysteresis float64  `json:"hysteresis" yaml:"hysteresis"`
}

// Matches reports whether the rule applies to the given key.
func (r *AlertRule) Matches(key SensorKey) bool {
	if r.Metric != key.Metric {
		return false
	}
	return r.DeviceID == "*" || r.DeviceID == key.DeviceID
}

// Validate checks the rule is internally consistent.
func (r *AlertRule) Validate() error {
	if r.Metric == "" {
		return fmt.Errorf("alert rule: metric is required")
	}
	if r.High == nil && r.Low == nil {
		return fmt.Errorf("alert rule for %s/%s: at least one of high, low is required", r.DeviceID, r.Metric)
	}
	if r.High != nil && r.Low != nil && *r.High <= *r.Low {
		return fmt.Errorf("alert rule for %s/%s: high %.4g must exceed low %.4g", r.DeviceID, r.Metric, *r.High, *r.Low)
	}
	if r.Hysteresis < 0 {
		return fmt.Errorf("alert rule for %s/%s: hysteresis must not be negative", r.DeviceID, r.Metric)
	}
	return nil
}

// AlertState is the derived per-key alert status. Owned by the alert
// engine; the copy persisted to storage is a read-only snapshot.
type AlertState struct {
	DeviceID  string      `json:"device_id"`
	Metric    string      `json:"metric"`
	Status    AlertStatus `json:"status"`
	Since     time.Time   `json:"since"`
	LastValue float64     `json:"last_value"`
}

// AlertEvent describes one status transition, dispatched to notifiers.
type AlertEvent struct {
	ID        string      `json:"id"`
	DeviceID  string      `json:"device_id"`
	Metric    string      `json:"metric"`
	OldStatus AlertStatus `json:"old_status"`
	NewStatus AlertStatus `json:"new_status"`
	Value     float64     `json:"value"`
	Since     time.Time   `json:"since"`
}
