package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/parking-lock-sync/backend/internal/protocol"
	"github.com/parking-lock-sync/backend/internal/storage/models"
)

// Default retention caps.
const (
	DefaultSensorCap = 1000
	DefaultLogCap    = 100
)

// ReservationQuery narrows a reservation listing. Empty fields match all.
type ReservationQuery struct {
	Statuses []models.ReservationStatus
	SlotID   string
}

func (q ReservationQuery) matches(r *models.Reservation) bool {
	if q.SlotID != "" && r.SlotID != q.SlotID {
		return false
	}
	if len(q.Statuses) == 0 {
		return true
	}
	for _, s := range q.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

// Store persists the authority's canonical records. Implementations return
// copies; callers never alias stored state. Lookups of unknown ids wrap
// protocol.ErrNotFound.
type Store interface {
	UpsertLot(ctx context.Context, lot models.ParkingLot) error
	GetLot(ctx context.Context, id string) (models.ParkingLot, error)
	ListLots(ctx context.Context) ([]models.ParkingLot, error)
	// RecountLot recomputes total and available slots from slot statuses
	// atomically and returns the updated lot.
	RecountLot(ctx context.Context, lotID string) (models.ParkingLot, error)

	UpsertSlot(ctx context.Context, slot models.ParkingSlot) error
	GetSlot(ctx context.Context, id string) (models.ParkingSlot, error)
	GetSlotByLock(ctx context.Context, lockID string) (models.ParkingSlot, error)
	// ListSlots returns slots ordered by id, optionally restricted to a lot.
	ListSlots(ctx context.Context, lotID string) ([]models.ParkingSlot, error)
	UpdateSlot(ctx context.Context, slot models.ParkingSlot) error

	CreateReservation(ctx context.Context, r models.Reservation) error
	GetReservation(ctx context.Context, id string) (models.Reservation, error)
	UpdateReservation(ctx context.Context, r models.Reservation) error
	// ReserveSlot stores a new reservation and writes its slot as one
	// atomic step; on failure neither record changes.
	ReserveSlot(ctx context.Context, r models.Reservation, slot models.ParkingSlot) error
	// CloseReservation writes an ended reservation and its slot as one
	// atomic step; on failure neither record changes.
	CloseReservation(ctx context.Context, r models.Reservation, slot models.ParkingSlot) error
	// ListReservations returns matching reservations, newest first.
	ListReservations(ctx context.Context, q ReservationQuery) ([]models.Reservation, error)

	// AppendSensorReadings records samples, evicting the oldest past the cap.
	AppendSensorReadings(ctx context.Context, readings ...models.SensorReading) error
	// ListSensorReadings returns samples since the given time, newest first.
	// An empty lockID matches every lock.
	ListSensorReadings(ctx context.Context, lockID string, since time.Time) ([]models.SensorReading, error)

	// AppendSystemLog records an entry and returns it with its id assigned.
	AppendSystemLog(ctx context.Context, e models.SystemLogEntry) (models.SystemLogEntry, error)
	// ListSystemLogs returns up to limit entries, newest first.
	ListSystemLogs(ctx context.Context, limit int) ([]models.SystemLogEntry, error)

	Close() error
}

// Options bounds the append-only series.
type Options struct {
	SensorCap int
	LogCap    int
}

func (o Options) withDefaults() Options {
	if o.SensorCap <= 0 {
		o.SensorCap = DefaultSensorCap
	}
	if o.LogCap <= 0 {
		o.LogCap = DefaultLogCap
	}
	return o
}

// pairCheck rejects a reservation written together with a different slot.
func pairCheck(r models.Reservation, slot models.ParkingSlot) error {
	if r.SlotID != slot.ID {
		return fmt.Errorf("%w: reservation %s belongs to slot %s, not %s", protocol.ErrInvalidArgument, r.ID, r.SlotID, slot.ID)
	}
	return nil
}
