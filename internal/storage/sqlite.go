package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/savegress/sensorhub/pkg/models"
)

// evictBatchSize bounds how long one eviction batch can hold the write
// path. Eviction loops over batches so appends never wait longer than a
// single batch.
const evictBatchSize = 500

// SQLiteStore is a SQLite-backed ReadingStore. The database runs in WAL
// mode with synchronous=FULL so a successful Append means the record has
// reached disk, not a buffer.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		metric TEXT NOT NULL,
		value REAL NOT NULL,
		ts_ns INTEGER NOT NULL,
		seq INTEGER,
		clock_corrected INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_readings_key_ts ON readings(device_id, metric, ts_ns);
	CREATE INDEX IF NOT EXISTS idx_readings_ts ON readings(ts_ns);

	CREATE TABLE IF NOT EXISTS alert_states (
		device_id TEXT NOT NULL,
		metric TEXT NOT NULL,
		status TEXT NOT NULL,
		since_ns INTEGER NOT NULL,
		last_value REAL NOT NULL,
		PRIMARY KEY (device_id, metric)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append persists one reading. The insert is a single statement, so
// concurrent appends from different devices cannot interleave inside a
// record.
func (s *SQLiteStore) Append(ctx context.Context, r *models.SensorReading) error {
	var seq interface{}
	if r.HasSequence {
		seq = r.Sequence
	}
	corrected := 0
	if r.ClockCorrected {
		corrected = 1
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO readings (device_id, metric, value, ts_ns, seq, clock_corrected) VALUES (?, ?, ?, ?, ?, ?)`,
		r.DeviceID, r.Metric, r.Value, r.Timestamp.UnixNano(), seq, corrected)
	if err != nil {
		return fmt.Errorf("append reading: %w", err)
	}
	return nil
}

// Query returns readings in [from, to) ordered by timestamp then arrival.
func (s *SQLiteStore) Query(ctx context.Context, deviceID, metric string, from, to time.Time) ([]models.SensorReading, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, metric, value, ts_ns, seq, clock_corrected
		FROM readings
		WHERE device_id = ? AND metric = ? AND ts_ns >= ? AND ts_ns < ?
		ORDER BY ts_ns, id
	`, deviceID, metric, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, mapQueryErr(ctx, err)
	}
	defer rows.Close()

	readings := []models.SensorReading{}
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, mapQueryErr(ctx, err)
	}
	return readings, nil
}

// LatestReading returns the most recent reading for a key, nil if none.
func (s *SQLiteStore) LatestReading(ctx context.Context, deviceID, metric string) (*models.SensorReading, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT device_id, metric, value, ts_ns, seq, clock_corrected
		FROM readings
		WHERE device_id = ? AND metric = ?
		ORDER BY ts_ns DESC, id DESC
		LIMIT 1
	`, deviceID, metric)

	r, err := scanReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapQueryErr(ctx, err)
	}
	return &r, nil
}

// ListSensors returns distinct device/metric pairs.
func (s *SQLiteStore) ListSensors(ctx context.Context) ([]models.SensorKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT device_id, metric FROM readings ORDER BY device_id, metric`)
	if err != nil {
		return nil, mapQueryErr(ctx, err)
	}
	defer rows.Close()

	keys := []models.SensorKey{}
	for rows.Next() {
		var k models.SensorKey
		if err := rows.Scan(&k.DeviceID, &k.Metric); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Evict removes readings strictly older than cutoff in bounded batches.
// A reading exactly at the cutoff is retained.
func (s *SQLiteStore) Evict(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	cutoffNs := cutoff.UnixNano()
	for {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM readings WHERE id IN (
				SELECT id FROM readings WHERE ts_ns < ? LIMIT ?
			)
		`, cutoffNs, evictBatchSize)
		if err != nil {
			return total, fmt.Errorf("evict batch: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
		if n < evictBatchSize {
			return total, nil
		}
	}
}

// UpsertAlertState mirrors the engine's in-memory state for API reads.
func (s *SQLiteStore) UpsertAlertState(ctx context.Context, st models.AlertState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_states (device_id, metric, status, since_ns, last_value)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id, metric) DO UPDATE SET
			status = excluded.status,
			since_ns = excluded.since_ns,
			last_value = excluded.last_value
	`, st.DeviceID, st.Metric, string(st.Status), st.Since.UnixNano(), st.LastValue)
	if err != nil {
		return fmt.Errorf("upsert alert state: %w", err)
	}
	return nil
}

// ListAlertStates returns the persisted snapshots ordered by key.
func (s *SQLiteStore) ListAlertStates(ctx context.Context) ([]models.AlertState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, metric, status, since_ns, last_value
		FROM alert_states ORDER BY device_id, metric
	`)
	if err != nil {
		return nil, mapQueryErr(ctx, err)
	}
	defer rows.Close()

	states := []models.AlertState{}
	for rows.Next() {
		var st models.AlertState
		var status string
		var sinceNs int64
		if err := rows.Scan(&st.DeviceID, &st.Metric, &status, &sinceNs, &st.LastValue); err != nil {
			return nil, err
		}
		st.Status = models.AlertStatus(status)
		st.Since = time.Unix(0, sinceNs)
		states = append(states, st)
	}
	return states, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReading(row rowScanner) (models.SensorReading, error) {
	var r models.SensorReading
	var tsNs int64
	var seq sql.NullInt64
	var corrected int
	if err := row.Scan(&r.DeviceID, &r.Metric, &r.Value, &tsNs, &seq, &corrected); err != nil {
		return r, err
	}
	r.Timestamp = time.Unix(0, tsNs)
	if seq.Valid {
		r.Sequence = seq.Int64
		r.HasSequence = true
	}
	r.ClockCorrected = corrected != 0
	return r, nil
}

func mapQueryErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
