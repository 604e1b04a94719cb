package storage

import (
	"context"
	"errors"
	"time"

	"github.com/savegress/sensorhub/pkg/models"
)

// ErrTimeout is returned when a query exceeds its caller-supplied
// deadline. Reads are side-effect-free, so a timed-out query leaves no
// partial state behind.
var ErrTimeout = errors.New("storage: query timeout")

// ReadingStore is the durable store for sensor readings and the alert
// state snapshot table.
type ReadingStore interface {
	// Append persists one reading durably before returning.
	Append(ctx context.Context, reading *models.SensorReading) error

	// Query returns readings for a device and metric in [from, to),
	// ascending by timestamp then arrival order. An empty range yields
	// an empty slice, never an error.
	Query(ctx context.Context, deviceID, metric string, from, to time.Time) ([]models.SensorReading, error)

	// LatestReading returns the most recent reading for a key, or nil
	// if none exists.
	LatestReading(ctx context.Context, deviceID, metric string) (*models.SensorReading, error)

	// ListSensors returns the distinct device/metric pairs seen so far.
	ListSensors(ctx context.Context) ([]models.SensorKey, error)

	// Evict removes all readings strictly older than cutoff and returns
	// how many were removed. Idempotent and safe to run concurrently
	// with Append and Query.
	Evict(ctx context.Context, cutoff time.Time) (int64, error)

	// UpsertAlertState persists the read-only alert state snapshot.
	UpsertAlertState(ctx context.Context, state models.AlertState) error

	// ListAlertStates returns the persisted alert state snapshots.
	ListAlertStates(ctx context.Context) ([]models.AlertState, error)

	// Close releases the underlying database.
	Close() error
}
