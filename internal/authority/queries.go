package authority

import (
	"context"
	"fmt"
	"time"

	"github.com/parking-lock-sync/backend/internal/protocol"
	"github.com/parking-lock-sync/backend/internal/storage"
	"github.com/parking-lock-sync/backend/internal/storage/models"
)

// Reservation listing filters.
const (
	FilterActive  = "active"
	FilterExpired = "expired"
	FilterAll     = "all"
)

// ListLots returns every lot with its derived availability.
func (a *Authority) ListLots(ctx context.Context) ([]models.ParkingLot, error) {
	return a.store.ListLots(ctx)
}

// ListSlots returns slots enriched with lot names and active reservations,
// optionally restricted to one lot.
func (a *Authority) ListSlots(ctx context.Context, lotID string) ([]models.SlotView, error) {
	slots, err := a.store.ListSlots(ctx, lotID)
	if err != nil {
		return nil, err
	}
	lots := make(map[string]models.ParkingLot)
	views := make([]models.SlotView, 0, len(slots))
	for _, slot := range slots {
		view, err := a.slotView(ctx, slot, lots)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

// GetSlot returns one enriched slot.
func (a *Authority) GetSlot(ctx context.Context, slotID string) (models.SlotView, error) {
	slot, err := a.store.GetSlot(ctx, slotID)
	if err != nil {
		return models.SlotView{}, err
	}
	return a.slotView(ctx, slot, nil)
}

func (a *Authority) slotView(ctx context.Context, slot models.ParkingSlot, lots map[string]models.ParkingLot) (models.SlotView, error) {
	view := models.SlotView{ParkingSlot: slot}
	lot, ok := lots[slot.LotID]
	if !ok {
		var err error
		if lot, err = a.store.GetLot(ctx, slot.LotID); err != nil {
			return view, fmt.Errorf("loading lot for %s: %w", slot.ID, err)
		}
		if lots != nil {
			lots[slot.LotID] = lot
		}
	}
	view.LotName = lot.Name

	res, err := a.activeReservation(ctx, slot.ID)
	if err != nil {
		return view, err
	}
	if res != nil {
		end := res.EndTime
		view.ReservationID = res.ID
		view.PlateNumber = res.PlateNumber
		view.UserName = res.UserName
		view.EndTime = &end
	}
	return view, nil
}

// ListReservations returns reservations for one of the listing filters:
// active, expired (expired, or still active past the end time) or all.
func (a *Authority) ListReservations(ctx context.Context, filter string) ([]models.ReservationView, error) {
	var q storage.ReservationQuery
	switch filter {
	case "", FilterAll:
	case FilterActive:
		q.Statuses = []models.ReservationStatus{models.ReservationActive}
	case FilterExpired:
		q.Statuses = []models.ReservationStatus{models.ReservationActive, models.ReservationExpired}
	default:
		return nil, fmt.Errorf("%w: unknown filter %q", protocol.ErrInvalidArgument, filter)
	}
	list, err := a.store.ListReservations(ctx, q)
	if err != nil {
		return nil, err
	}

	now := a.clock.Now()
	slots := make(map[string]models.ParkingSlot)
	lots := make(map[string]models.ParkingLot)
	out := make([]models.ReservationView, 0, len(list))
	for _, res := range list {
		if filter == FilterExpired && res.IsActive() && !res.PastEnd(now) {
			continue
		}
		view := models.ReservationView{Reservation: res}
		slot, ok := slots[res.SlotID]
		if !ok {
			if slot, err = a.store.GetSlot(ctx, res.SlotID); err == nil {
				slots[res.SlotID] = slot
			}
		}
		view.LockID = slot.LockID
		view.LotID = slot.LotID
		if slot.LotID != "" {
			lot, ok := lots[slot.LotID]
			if !ok {
				if lot, err = a.store.GetLot(ctx, slot.LotID); err == nil {
					lots[slot.LotID] = lot
				}
			}
			view.LotName = lot.Name
		}
		out = append(out, view)
	}
	return out, nil
}

// GetReservation returns one reservation by id.
func (a *Authority) GetReservation(ctx context.Context, id string) (models.Reservation, error) {
	return a.store.GetReservation(ctx, id)
}

// SensorData returns sensor samples recorded within the last window,
// newest first. An empty lockID returns samples from every lock.
func (a *Authority) SensorData(ctx context.Context, lockID string, window time.Duration) ([]models.SensorReading, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return a.store.ListSensorReadings(ctx, lockID, a.clock.Now().Add(-window))
}

// SystemLogs returns up to limit entries, newest first.
func (a *Authority) SystemLogs(ctx context.Context, limit int) ([]models.SystemLogEntry, error) {
	return a.store.ListSystemLogs(ctx, limit)
}

// DashboardStats aggregates slot and reservation counts across all lots.
func (a *Authority) DashboardStats(ctx context.Context) (models.DashboardStats, error) {
	var stats models.DashboardStats
	slots, err := a.store.ListSlots(ctx, "")
	if err != nil {
		return stats, err
	}
	for _, slot := range slots {
		stats.TotalSlots++
		switch slot.Status {
		case protocol.StatusFree:
			stats.AvailableSlots++
		case protocol.StatusOccupied:
			stats.OccupiedSlots++
		case protocol.StatusReserved:
			stats.ReservedSlots++
		}
	}
	active, err := a.store.ListReservations(ctx, storage.ReservationQuery{
		Statuses: []models.ReservationStatus{models.ReservationActive},
	})
	if err != nil {
		return stats, err
	}
	stats.ActiveReservations = len(active)
	return stats, nil
}
