package authority

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/parking-lock-sync/backend/internal/protocol"
	"github.com/parking-lock-sync/backend/internal/storage"
	"github.com/parking-lock-sync/backend/internal/storage/models"
)

// DefaultReservationDuration applies when a request carries no duration.
const DefaultReservationDuration = time.Hour

// ArrivalMessage is the provisional feedback returned by Arrive. Occupancy
// is only recorded once the lock reports the vehicle.
const ArrivalMessage = "Lock opened! Park your vehicle now."

// ReservationRequest describes a new reservation.
type ReservationRequest struct {
	SlotID      string
	PlateNumber string
	UserName    string
	UserPhone   string
	Duration    time.Duration
}

// ArrivalResult is returned by Arrive.
type ArrivalResult struct {
	Reservation models.Reservation `json:"reservation"`
	CommandID   string             `json:"command_id"`
	Message     string             `json:"message"`
}

func (r *ReservationRequest) normalize() error {
	r.SlotID = strings.TrimSpace(r.SlotID)
	r.PlateNumber = strings.TrimSpace(r.PlateNumber)
	r.UserName = strings.TrimSpace(r.UserName)
	r.UserPhone = strings.TrimSpace(r.UserPhone)
	if r.SlotID == "" {
		return fmt.Errorf("%w: slot_id is required", protocol.ErrInvalidArgument)
	}
	if r.PlateNumber == "" {
		return fmt.Errorf("%w: plate_number is required", protocol.ErrInvalidArgument)
	}
	if r.Duration < 0 {
		return fmt.Errorf("%w: duration must be positive", protocol.ErrInvalidArgument)
	}
	if r.Duration == 0 {
		r.Duration = DefaultReservationDuration
	}
	return nil
}

// activeReservation returns the active reservation holding slotID, if any.
func (a *Authority) activeReservation(ctx context.Context, slotID string) (*models.Reservation, error) {
	list, err := a.store.ListReservations(ctx, storage.ReservationQuery{
		SlotID:   slotID,
		Statuses: []models.ReservationStatus{models.ReservationActive},
	})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

// CreateReservation reserves a free slot. The check-and-reserve is atomic per
// slot; a caller that finds the slot anything but free gets
// ErrSlotUnavailable. The canonical slot flips to reserved before the lock
// acknowledges, and a failed or lost reserve command does not roll it back.
func (a *Authority) CreateReservation(ctx context.Context, req ReservationRequest) (models.Reservation, error) {
	if err := req.normalize(); err != nil {
		return models.Reservation{}, err
	}

	// Unknown slots fail here, before a per-slot mutex is allocated.
	if _, err := a.store.GetSlot(ctx, req.SlotID); err != nil {
		return models.Reservation{}, err
	}
	unlock := a.lockSlot(req.SlotID)
	defer unlock()

	slot, err := a.store.GetSlot(ctx, req.SlotID)
	if err != nil {
		return models.Reservation{}, err
	}
	if slot.Status != protocol.StatusFree {
		return models.Reservation{}, fmt.Errorf("%w: slot %s is %s", protocol.ErrSlotUnavailable, slot.ID, slot.Status)
	}
	existing, err := a.activeReservation(ctx, slot.ID)
	if err != nil {
		return models.Reservation{}, err
	}
	if existing != nil {
		return models.Reservation{}, fmt.Errorf("%w: slot %s is held by reservation %s", protocol.ErrSlotUnavailable, slot.ID, existing.ID)
	}

	now := a.clock.Now()
	res := models.Reservation{
		ID:          a.newID(),
		SlotID:      slot.ID,
		PlateNumber: req.PlateNumber,
		UserName:    req.UserName,
		UserPhone:   req.UserPhone,
		StartTime:   now,
		EndTime:     now.Add(req.Duration),
		Status:      models.ReservationActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	slot.Status = protocol.StatusReserved
	slot.LastUpdate = now
	if err := a.store.ReserveSlot(ctx, res, slot); err != nil {
		return models.Reservation{}, fmt.Errorf("reserving slot %s: %w", slot.ID, err)
	}
	a.recount(ctx, slot.LotID)
	a.metrics.ReservationTransition(string(models.ReservationActive))
	a.logger.Info("authority.reservation.created", "reservation_id", res.ID, "slot_id", slot.ID, "plate", res.PlateNumber, "end_time", res.EndTime)
	a.systemLog(ctx, "reservation", models.LevelInfo, "Reservation %s created for %s on %s", res.ID, res.PlateNumber, slot.ID)
	a.publishSlot(ctx, slot.ID)

	minutes := int(req.Duration.Round(time.Minute) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	data := protocol.ReservationData{
		ReservationID: res.ID,
		PlateNumber:   res.PlateNumber,
		UserName:      res.UserName,
		Duration:      minutes,
		Timestamp:     now,
	}
	resID := res.ID
	_, _ = a.dispatch(ctx, slot, protocol.ActionReserve, data, func(r protocol.StatusReport) bool {
		return r.Reservation != nil && r.Reservation.ReservationID == resID
	})
	return res, nil
}

// Arrive opens the lock of an active reservation so the vehicle can enter.
// It returns once the open command is dispatched and does not change the
// canonical slot status.
func (a *Authority) Arrive(ctx context.Context, reservationID string) (ArrivalResult, error) {
	res, err := a.store.GetReservation(ctx, reservationID)
	if err != nil {
		return ArrivalResult{}, err
	}

	unlock := a.lockSlot(res.SlotID)
	defer unlock()

	if res, err = a.requireActive(ctx, reservationID); err != nil {
		return ArrivalResult{}, err
	}
	slot, err := a.store.GetSlot(ctx, res.SlotID)
	if err != nil {
		return ArrivalResult{}, err
	}
	commandID, err := a.dispatch(ctx, slot, protocol.ActionOpen, nil, nil)
	if err != nil {
		return ArrivalResult{}, err
	}
	a.logger.Info("authority.reservation.arrival", "reservation_id", res.ID, "slot_id", slot.ID, "command_id", commandID)
	a.systemLog(ctx, "reservation", models.LevelInfo, "Vehicle %s arriving at %s", res.PlateNumber, slot.ID)
	return ArrivalResult{Reservation: res, CommandID: commandID, Message: ArrivalMessage}, nil
}

// Cancel ends an active reservation, forces its slot free and asks the lock
// to release.
func (a *Authority) Cancel(ctx context.Context, reservationID string) (models.Reservation, error) {
	res, err := a.store.GetReservation(ctx, reservationID)
	if err != nil {
		return models.Reservation{}, err
	}

	unlock := a.lockSlot(res.SlotID)
	defer unlock()

	if res, err = a.requireActive(ctx, reservationID); err != nil {
		return models.Reservation{}, err
	}
	res, err = a.endReservation(ctx, res, models.ReservationCancelled)
	if err != nil {
		return models.Reservation{}, err
	}
	a.systemLog(ctx, "reservation", models.LevelInfo, "Reservation %s cancelled", res.ID)
	return res, nil
}

func (a *Authority) requireActive(ctx context.Context, reservationID string) (models.Reservation, error) {
	res, err := a.store.GetReservation(ctx, reservationID)
	if err != nil {
		return models.Reservation{}, err
	}
	if !res.IsActive() {
		return models.Reservation{}, fmt.Errorf("active reservation %s: %w", reservationID, protocol.ErrNotFound)
	}
	return res, nil
}

// endReservation moves an active reservation to status, frees its slot and
// dispatches a best-effort release. The caller holds the slot lock.
func (a *Authority) endReservation(ctx context.Context, res models.Reservation, status models.ReservationStatus) (models.Reservation, error) {
	slot, err := a.store.GetSlot(ctx, res.SlotID)
	if err != nil {
		return models.Reservation{}, err
	}
	now := a.clock.Now()
	res.Status = status
	res.UpdatedAt = now
	slot.Status = protocol.StatusFree
	slot.VehicleDetected = false
	slot.ArmPosition = protocol.ArmDown
	slot.LastUpdate = now
	if err := a.store.CloseReservation(ctx, res, slot); err != nil {
		return models.Reservation{}, fmt.Errorf("closing reservation %s: %w", res.ID, err)
	}
	a.metrics.ReservationTransition(string(status))
	a.recount(ctx, slot.LotID)
	a.logger.Info("authority.reservation.ended", "reservation_id", res.ID, "slot_id", slot.ID, "status", status)
	a.publishSlot(ctx, slot.ID)

	_, _ = a.dispatch(ctx, slot, protocol.ActionRelease, nil, func(r protocol.StatusReport) bool {
		return r.Status == protocol.StatusFree
	})
	return res, nil
}
