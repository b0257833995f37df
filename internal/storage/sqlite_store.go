package storage

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/parking-lock-sync/backend/internal/storage/models"
	"pkt.systems/pslog"
)

// SQLiteStore implements Store on top of the SQLite repositories.
type SQLiteStore struct {
	db           *DB
	lots         *LotRepository
	slots        *SlotRepository
	reservations *ReservationRepository
	telemetry    *TelemetryRepository
}

// OpenSQLite opens (or creates) parking.db under dataDir and applies
// migrations.
func OpenSQLite(ctx context.Context, dataDir string, opts Options, logger pslog.Logger) (*SQLiteStore, error) {
	db, err := NewDB(ctx, filepath.Join(dataDir, "parking.db"))
	if err != nil {
		return nil, err
	}
	if err := RunMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return NewSQLiteStore(db, opts), nil
}

// NewSQLiteStore wraps a migrated database.
func NewSQLiteStore(db *DB, opts Options) *SQLiteStore {
	return &SQLiteStore{
		db:           db,
		lots:         NewLotRepository(db),
		slots:        NewSlotRepository(db),
		reservations: NewReservationRepository(db),
		telemetry:    NewTelemetryRepository(db, opts),
	}
}

func (s *SQLiteStore) UpsertLot(ctx context.Context, lot models.ParkingLot) error {
	return s.lots.Upsert(ctx, lot)
}

func (s *SQLiteStore) GetLot(ctx context.Context, id string) (models.ParkingLot, error) {
	return s.lots.GetByID(ctx, s.db, id)
}

func (s *SQLiteStore) ListLots(ctx context.Context) ([]models.ParkingLot, error) {
	return s.lots.List(ctx)
}

func (s *SQLiteStore) RecountLot(ctx context.Context, lotID string) (models.ParkingLot, error) {
	return s.lots.Recount(ctx, lotID)
}

func (s *SQLiteStore) UpsertSlot(ctx context.Context, slot models.ParkingSlot) error {
	return s.slots.Upsert(ctx, slot)
}

func (s *SQLiteStore) GetSlot(ctx context.Context, id string) (models.ParkingSlot, error) {
	return s.slots.GetByID(ctx, id)
}

func (s *SQLiteStore) GetSlotByLock(ctx context.Context, lockID string) (models.ParkingSlot, error) {
	return s.slots.GetByLockID(ctx, lockID)
}

func (s *SQLiteStore) ListSlots(ctx context.Context, lotID string) ([]models.ParkingSlot, error) {
	return s.slots.List(ctx, lotID)
}

func (s *SQLiteStore) UpdateSlot(ctx context.Context, slot models.ParkingSlot) error {
	return s.slots.Update(ctx, slot)
}

func (s *SQLiteStore) CreateReservation(ctx context.Context, r models.Reservation) error {
	return s.reservations.Create(ctx, r)
}

func (s *SQLiteStore) GetReservation(ctx context.Context, id string) (models.Reservation, error) {
	return s.reservations.GetByID(ctx, id)
}

func (s *SQLiteStore) UpdateReservation(ctx context.Context, r models.Reservation) error {
	return s.reservations.Update(ctx, r)
}

func (s *SQLiteStore) ReserveSlot(ctx context.Context, r models.Reservation, slot models.ParkingSlot) error {
	if err := pairCheck(r, slot); err != nil {
		return err
	}
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if err := updateSlot(ctx, tx, slot); err != nil {
			return err
		}
		return insertReservation(ctx, tx, r)
	})
}

func (s *SQLiteStore) CloseReservation(ctx context.Context, r models.Reservation, slot models.ParkingSlot) error {
	if err := pairCheck(r, slot); err != nil {
		return err
	}
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if err := updateReservation(ctx, tx, r); err != nil {
			return err
		}
		return updateSlot(ctx, tx, slot)
	})
}

func (s *SQLiteStore) ListReservations(ctx context.Context, q ReservationQuery) ([]models.Reservation, error) {
	return s.reservations.List(ctx, q)
}

func (s *SQLiteStore) AppendSensorReadings(ctx context.Context, readings ...models.SensorReading) error {
	return s.telemetry.AppendSensorReadings(ctx, readings...)
}

func (s *SQLiteStore) ListSensorReadings(ctx context.Context, lockID string, since time.Time) ([]models.SensorReading, error) {
	return s.telemetry.ListSensorReadings(ctx, lockID, since)
}

func (s *SQLiteStore) AppendSystemLog(ctx context.Context, e models.SystemLogEntry) (models.SystemLogEntry, error) {
	return s.telemetry.AppendSystemLog(ctx, e)
}

func (s *SQLiteStore) ListSystemLogs(ctx context.Context, limit int) ([]models.SystemLogEntry, error) {
	return s.telemetry.ListSystemLogs(ctx, limit)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
