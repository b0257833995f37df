package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/parking-lock-sync/backend/internal/storage/models"
)

// LotRepository provides data access for parking lots.
type LotRepository struct {
	BaseRepository
}

// NewLotRepository creates a new lot repository.
func NewLotRepository(db *DB) *LotRepository {
	return &LotRepository{BaseRepository: NewBaseRepository(db)}
}

const lotColumns = `id, name, address, latitude, longitude, total_slots, available_slots, created_at`

// Upsert inserts a lot or refreshes its display fields.
func (r *LotRepository) Upsert(ctx context.Context, lot models.ParkingLot) error {
	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO parking_lots (`+lotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, address = excluded.address,
			latitude = excluded.latitude, longitude = excluded.longitude
	`,
		lot.ID, lot.Name, lot.Address, lot.Latitude, lot.Longitude,
		lot.TotalSlots, lot.AvailableSlots, utc(lot.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting lot: %w", err)
	}
	return nil
}

// GetByID retrieves a lot by its ID.
func (r *LotRepository) GetByID(ctx context.Context, q Queryable, id string) (models.ParkingLot, error) {
	var lot models.ParkingLot
	err := q.QueryRowContext(ctx, `SELECT `+lotColumns+` FROM parking_lots WHERE id = ?`, id).Scan(
		&lot.ID, &lot.Name, &lot.Address, &lot.Latitude, &lot.Longitude,
		&lot.TotalSlots, &lot.AvailableSlots, &lot.CreatedAt,
	)
	if err != nil {
		return models.ParkingLot{}, notFound(err, "lot", id)
	}
	return lot, nil
}

// List retrieves all lots ordered by id.
func (r *LotRepository) List(ctx context.Context) ([]models.ParkingLot, error) {
	rows, err := r.DB().QueryContext(ctx, `SELECT `+lotColumns+` FROM parking_lots ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying lots: %w", err)
	}
	defer rows.Close()

	var lots []models.ParkingLot
	for rows.Next() {
		var lot models.ParkingLot
		if err := rows.Scan(
			&lot.ID, &lot.Name, &lot.Address, &lot.Latitude, &lot.Longitude,
			&lot.TotalSlots, &lot.AvailableSlots, &lot.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning lot: %w", err)
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

// Recount derives total and available slots from slot rows in a single
// transaction.
func (r *LotRepository) Recount(ctx context.Context, lotID string) (models.ParkingLot, error) {
	var lot models.ParkingLot
	err := r.Transaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE parking_lots SET
				total_slots = (SELECT COUNT(*) FROM parking_slots WHERE lot_id = ?),
				available_slots = (SELECT COUNT(*) FROM parking_slots WHERE lot_id = ? AND status = 'free')
			WHERE id = ?
		`, lotID, lotID, lotID)
		if err != nil {
			return fmt.Errorf("recounting lot: %w", err)
		}
		if err := expectRow(result, "lot", lotID); err != nil {
			return err
		}
		lot, err = r.GetByID(ctx, tx, lotID)
		return err
	})
	return lot, err
}
