package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/savegress/sensorhub/internal/config"
	"github.com/savegress/sensorhub/pkg/models"
)

// ErrMalformedPayload marks messages that cannot become a valid reading.
// They are logged, counted, and dropped, never fatal.
var ErrMalformedPayload = errors.New("malformed payload")

// ErrStaleReading marks a duplicate or out-of-order retransmission
// detected via the per-device sequence counter.
var ErrStaleReading = errors.New("stale reading")

// wirePayload is the JSON shape published by devices. Only value is
// required; timestamp and sequence are optional.
type wirePayload struct {
	Value     *float64        `json:"value"`
	Timestamp json.RawMessage `json:"timestamp"`
	Sequence  *int64          `json:"sequence"`
}

// parseTopic extracts device and metric from sensors/{device_id}/{metric}.
func parseTopic(topic string) (deviceID, metric string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("%w: unexpected topic %q", ErrMalformedPayload, topic)
	}
	return parts[1], parts[2], nil
}

// decodeReading turns one inbound message into a SensorReading. A device
// timestamp further than maxSkew from the server receipt time is replaced
// by the receipt time and the reading is flagged ClockCorrected.
func decodeReading(topic string, payload []byte, now time.Time, maxSkew time.Duration, bounds map[string]*config.ValueBounds) (*models.SensorReading, error) {
	deviceID, metric, err := parseTopic(topic)
	if err != nil {
		return nil, err
	}

	var wire wirePayload
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if wire.Value == nil {
		return nil, fmt.Errorf("%w: value is required", ErrMalformedPayload)
	}

	if b, ok := bounds[metric]; ok && b != nil {
		if *wire.Value < b.Min || *wire.Value > b.Max {
			return nil, fmt.Errorf("%w: %s value %.4g outside [%.4g, %.4g]", ErrMalformedPayload, metric, *wire.Value, b.Min, b.Max)
		}
	}

	r := &models.SensorReading{
		DeviceID:  deviceID,
		Metric:    metric,
		Value:     *wire.Value,
		Timestamp: now,
	}
	if wire.Sequence != nil {
		r.Sequence = *wire.Sequence
		r.HasSequence = true
	}

	if len(wire.Timestamp) > 0 {
		ts, err := parseTimestamp(wire.Timestamp)
		if err != nil {
			return nil, err
		}
		skew := now.Sub(ts)
		if skew < 0 {
			skew = -skew
		}
		if skew > maxSkew {
			// Device clock is off; keep the reading with server time.
			r.ClockCorrected = true
		} else {
			r.Timestamp = ts
		}
	}

	return r, nil
}

// parseTimestamp accepts RFC3339 strings or unix seconds.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		ts, err := time.Parse(time.RFC3339, str)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrMalformedPayload, str)
		}
		return ts, nil
	}
	var sec float64
	if err := json.Unmarshal(raw, &sec); err == nil {
		return time.Unix(0, int64(sec*float64(time.Second))), nil
	}
	return time.Time{}, fmt.Errorf("%w: bad timestamp %s", ErrMalformedPayload, strconv.Quote(string(raw)))
}
