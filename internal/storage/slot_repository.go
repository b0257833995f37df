package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/parking-lock-sync/backend/internal/storage/models"
)

// SlotRepository provides data access for parking slots.
type SlotRepository struct {
	BaseRepository
}

// NewSlotRepository creates a new slot repository.
func NewSlotRepository(db *DB) *SlotRepository {
	return &SlotRepository{BaseRepository: NewBaseRepository(db)}
}

const slotColumns = `id, lot_id, lock_id, gateway_id, status, arm_position, battery_level,
	signal_strength, vehicle_detected, last_update, last_report_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlot(row rowScanner) (models.ParkingSlot, error) {
	var (
		slot       models.ParkingSlot
		lastReport sql.NullTime
	)
	err := row.Scan(
		&slot.ID, &slot.LotID, &slot.LockID, &slot.GatewayID, &slot.Status, &slot.ArmPosition,
		&slot.BatteryLevel, &slot.SignalStrength, &slot.VehicleDetected, &slot.LastUpdate, &lastReport,
	)
	if err != nil {
		return models.ParkingSlot{}, err
	}
	if lastReport.Valid {
		slot.LastReportAt = lastReport.Time.UTC()
	}
	slot.LastUpdate = slot.LastUpdate.UTC()
	return slot, nil
}

func lastReportValue(slot models.ParkingSlot) sql.NullTime {
	if slot.LastReportAt.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: slot.LastReportAt.UTC(), Valid: true}
}

// Upsert inserts a slot or refreshes its bindings, leaving live state alone.
func (r *SlotRepository) Upsert(ctx context.Context, slot models.ParkingSlot) error {
	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO parking_slots (`+slotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			lot_id = excluded.lot_id, lock_id = excluded.lock_id, gateway_id = excluded.gateway_id
	`,
		slot.ID, slot.LotID, slot.LockID, slot.GatewayID, slot.Status, slot.ArmPosition,
		slot.BatteryLevel, slot.SignalStrength, slot.VehicleDetected, utc(slot.LastUpdate), lastReportValue(slot),
	)
	if err != nil {
		return fmt.Errorf("upserting slot: %w", err)
	}
	return nil
}

// GetByID retrieves a slot by its ID.
func (r *SlotRepository) GetByID(ctx context.Context, id string) (models.ParkingSlot, error) {
	row := r.DB().QueryRowContext(ctx, `SELECT `+slotColumns+` FROM parking_slots WHERE id = ?`, id)
	slot, err := scanSlot(row)
	if err != nil {
		return models.ParkingSlot{}, notFound(err, "slot", id)
	}
	return slot, nil
}

// GetByLockID retrieves the slot bound to a lock.
func (r *SlotRepository) GetByLockID(ctx context.Context, lockID string) (models.ParkingSlot, error) {
	row := r.DB().QueryRowContext(ctx, `SELECT `+slotColumns+` FROM parking_slots WHERE lock_id = ?`, lockID)
	slot, err := scanSlot(row)
	if err != nil {
		return models.ParkingSlot{}, notFound(err, "lock", lockID)
	}
	return slot, nil
}

// List retrieves slots ordered by id, optionally restricted to one lot.
func (r *SlotRepository) List(ctx context.Context, lotID string) ([]models.ParkingSlot, error) {
	query := `SELECT ` + slotColumns + ` FROM parking_slots`
	var args []any
	if lotID != "" {
		query += ` WHERE lot_id = ?`
		args = append(args, lotID)
	}
	rows, err := r.DB().QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying slots: %w", err)
	}
	defer rows.Close()

	var slots []models.ParkingSlot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning slot: %w", err)
		}
		slots = append(slots, slot)
	}
	return slots, rows.Err()
}

// Update writes every mutable field of a slot.
func (r *SlotRepository) Update(ctx context.Context, slot models.ParkingSlot) error {
	return updateSlot(ctx, r.DB(), slot)
}

func updateSlot(ctx context.Context, q Queryable, slot models.ParkingSlot) error {
	result, err := q.ExecContext(ctx, `
		UPDATE parking_slots SET
			status = ?, arm_position = ?, battery_level = ?, signal_strength = ?,
			vehicle_detected = ?, last_update = ?, last_report_at = ?
		WHERE id = ?
	`,
		slot.Status, slot.ArmPosition, slot.BatteryLevel, slot.SignalStrength,
		slot.VehicleDetected, utc(slot.LastUpdate), lastReportValue(slot), slot.ID,
	)
	if err != nil {
		return fmt.Errorf("updating slot: %w", err)
	}
	return expectRow(result, "slot", slot.ID)
}
