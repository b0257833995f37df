package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/parking-lock-sync/backend/internal/storage/models"
)

// TelemetryRepository stores the bounded sensor series and system log.
type TelemetryRepository struct {
	BaseRepository
	opts Options
}

// NewTelemetryRepository creates a telemetry repository with retention caps.
func NewTelemetryRepository(db *DB, opts Options) *TelemetryRepository {
	return &TelemetryRepository{BaseRepository: NewBaseRepository(db), opts: opts.withDefaults()}
}

// AppendSensorReadings inserts samples and evicts the oldest past the cap.
func (r *TelemetryRepository) AppendSensorReadings(ctx context.Context, readings ...models.SensorReading) error {
	if len(readings) == 0 {
		return nil
	}
	return r.Transaction(ctx, func(tx *sql.Tx) error {
		for _, s := range readings {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO sensor_readings (lock_id, sensor_type, value, timestamp) VALUES (?, ?, ?, ?)
			`, s.LockID, s.SensorType, s.Value, utc(s.Timestamp)); err != nil {
				return fmt.Errorf("inserting sensor reading: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM sensor_readings WHERE id NOT IN (
				SELECT id FROM sensor_readings ORDER BY id DESC LIMIT ?
			)
		`, r.opts.SensorCap); err != nil {
			return fmt.Errorf("trimming sensor readings: %w", err)
		}
		return nil
	})
}

// ListSensorReadings returns samples at or after since, newest first.
func (r *TelemetryRepository) ListSensorReadings(ctx context.Context, lockID string, since time.Time) ([]models.SensorReading, error) {
	query := `SELECT id, lock_id, sensor_type, value, timestamp FROM sensor_readings WHERE timestamp >= ?`
	args := []any{utc(since)}
	if lockID != "" {
		query += ` AND lock_id = ?`
		args = append(args, lockID)
	}
	rows, err := r.DB().QueryContext(ctx, query+` ORDER BY id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sensor readings: %w", err)
	}
	defer rows.Close()

	var out []models.SensorReading
	for rows.Next() {
		var s models.SensorReading
		if err := rows.Scan(&s.ID, &s.LockID, &s.SensorType, &s.Value, &s.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning sensor reading: %w", err)
		}
		s.Timestamp = s.Timestamp.UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// AppendSystemLog inserts an entry and evicts the oldest past the cap.
func (r *TelemetryRepository) AppendSystemLog(ctx context.Context, e models.SystemLogEntry) (models.SystemLogEntry, error) {
	err := r.Transaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO system_logs (type, message, level, timestamp) VALUES (?, ?, ?, ?)
		`, e.Type, e.Message, e.Level, utc(e.Timestamp))
		if err != nil {
			return fmt.Errorf("inserting system log: %w", err)
		}
		if e.ID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("reading system log id: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM system_logs WHERE id NOT IN (
				SELECT id FROM system_logs ORDER BY id DESC LIMIT ?
			)
		`, r.opts.LogCap); err != nil {
			return fmt.Errorf("trimming system logs: %w", err)
		}
		return nil
	})
	return e, err
}

// ListSystemLogs returns up to limit entries, newest first.
func (r *TelemetryRepository) ListSystemLogs(ctx context.Context, limit int) ([]models.SystemLogEntry, error) {
	if limit <= 0 {
		limit = r.opts.LogCap
	}
	rows, err := r.DB().QueryContext(ctx, `
		SELECT id, type, message, level, timestamp FROM system_logs ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying system logs: %w", err)
	}
	defer rows.Close()

	var out []models.SystemLogEntry
	for rows.Next() {
		var e models.SystemLogEntry
		if err := rows.Scan(&e.ID, &e.Type, &e.Message, &e.Level, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning system log: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
