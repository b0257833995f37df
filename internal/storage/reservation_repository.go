package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/parking-lock-sync/backend/internal/protocol"
	"github.com/parking-lock-sync/backend/internal/storage/models"
)

// ReservationRepository provides data access for reservations.
type ReservationRepository struct {
	BaseRepository
}

// NewReservationRepository creates a new reservation repository.
func NewReservationRepository(db *DB) *ReservationRepository {
	return &ReservationRepository{BaseRepository: NewBaseRepository(db)}
}

const reservationColumns = `id, slot_id, plate_number, user_name, user_phone, start_time, end_time,
	status, confirmed_at, created_at, updated_at`

func scanReservation(row rowScanner) (models.Reservation, error) {
	var (
		res       models.Reservation
		confirmed sql.NullTime
	)
	err := row.Scan(
		&res.ID, &res.SlotID, &res.PlateNumber, &res.UserName, &res.UserPhone,
		&res.StartTime, &res.EndTime, &res.Status, &confirmed, &res.CreatedAt, &res.UpdatedAt,
	)
	if err != nil {
		return models.Reservation{}, err
	}
	res.ConfirmedAt = timePtr(confirmed)
	res.StartTime = res.StartTime.UTC()
	res.EndTime = res.EndTime.UTC()
	res.CreatedAt = res.CreatedAt.UTC()
	res.UpdatedAt = res.UpdatedAt.UTC()
	return res, nil
}

// Create inserts a reservation. A second active reservation for the same
// slot violates a unique index and is reported as ErrSlotUnavailable.
func (r *ReservationRepository) Create(ctx context.Context, res models.Reservation) error {
	return insertReservation(ctx, r.DB(), res)
}

func insertReservation(ctx context.Context, q Queryable, res models.Reservation) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		res.ID, res.SlotID, res.PlateNumber, res.UserName, res.UserPhone,
		utc(res.StartTime), utc(res.EndTime), res.Status, nullTime(res.ConfirmedAt),
		utc(res.CreatedAt), utc(res.UpdatedAt),
	)
	if err != nil {
		if sqliteErr, ok := err.(sqlite3.Error); ok && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: inserting reservation: %v", protocol.ErrSlotUnavailable, err)
		}
		return fmt.Errorf("inserting reservation: %w", err)
	}
	return nil
}

// GetByID retrieves a reservation by its ID.
func (r *ReservationRepository) GetByID(ctx context.Context, id string) (models.Reservation, error) {
	row := r.DB().QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	res, err := scanReservation(row)
	if err != nil {
		return models.Reservation{}, notFound(err, "reservation", id)
	}
	return res, nil
}

// Update writes the mutable fields of a reservation.
func (r *ReservationRepository) Update(ctx context.Context, res models.Reservation) error {
	return updateReservation(ctx, r.DB(), res)
}

func updateReservation(ctx context.Context, q Queryable, res models.Reservation) error {
	result, err := q.ExecContext(ctx, `
		UPDATE reservations SET
			status = ?, end_time = ?, confirmed_at = ?, updated_at = ?
		WHERE id = ?
	`, res.Status, utc(res.EndTime), nullTime(res.ConfirmedAt), utc(res.UpdatedAt), res.ID)
	if err != nil {
		return fmt.Errorf("updating reservation: %w", err)
	}
	return expectRow(result, "reservation", res.ID)
}

// List retrieves reservations matching q, newest first.
func (r *ReservationRepository) List(ctx context.Context, q ReservationQuery) ([]models.Reservation, error) {
	var (
		where []string
		args  []any
	)
	if q.SlotID != "" {
		where = append(where, "slot_id = ?")
		args = append(args, q.SlotID)
	}
	if len(q.Statuses) > 0 {
		marks := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			marks[i] = "?"
			args = append(args, s)
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	query := `SELECT ` + reservationColumns + ` FROM reservations`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	rows, err := r.DB().QueryContext(ctx, query+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying reservations: %w", err)
	}
	defer rows.Close()

	var out []models.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning reservation: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}
