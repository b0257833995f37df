package authority

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/parking-lock-sync/backend/internal/metrics"
	"github.com/parking-lock-sync/backend/internal/protocol"
	"github.com/parking-lock-sync/backend/internal/storage/models"
)

func (a *Authority) onUpLink(topic string, payload []byte) {
	ctx := a.baseContext()
	report, err := protocol.DecodeStatusReport(payload)
	if err != nil {
		a.metrics.Malformed(protocol.KindUpLink)
		a.logger.Warn("authority.report.malformed", "topic", topic, "error", err)
		a.systemLog(ctx, "protocol", models.LevelWarn, "Dropped malformed status report on %s", topic)
		return
	}
	if _, err := a.HandleStatusReport(ctx, report); err != nil && !errors.Is(err, protocol.ErrNotFound) {
		a.logger.Error("authority.report.apply_failed", "lock_id", report.LockID, "error", err)
	}
}

// HandleStatusReport reconciles the canonical slot with a lock's
// self-contained snapshot and returns the outcome (see metrics.Report*).
//
// Reports older than the last applied device timestamp are discarded. A
// report carrying the same timestamp is a re-publish; it is ignored while an
// optimistic write on the slot awaits confirmation, unless it confirms that
// write. Everything else overwrites the slot's mutable fields.
func (a *Authority) HandleStatusReport(ctx context.Context, report protocol.StatusReport) (string, error) {
	slot, err := a.store.GetSlotByLock(ctx, report.LockID)
	if err != nil {
		if errors.Is(err, protocol.ErrNotFound) {
			a.metrics.Report(metrics.ReportUnknownLock)
			a.logger.Warn("authority.report.unknown_lock", "lock_id", report.LockID, "gateway_id", report.GatewayID)
		}
		return metrics.ReportUnknownLock, err
	}

	unlock := a.lockSlot(slot.ID)
	defer unlock()

	if slot, err = a.store.GetSlot(ctx, slot.ID); err != nil {
		return "", err
	}
	logger := a.logger.With("lock_id", report.LockID, "slot_id", slot.ID)

	first := slot.LastReportAt.IsZero()
	newer := first || report.Timestamp.After(slot.LastReportAt)
	switch {
	case !first && report.Timestamp.Before(slot.LastReportAt):
		a.metrics.Report(metrics.ReportStale)
		logger.Debug("authority.report.stale", "report_ts", report.Timestamp, "last_ts", slot.LastReportAt)
		return metrics.ReportStale, nil
	case !newer && a.slotAwaiting(slot.ID) && !a.confirmedBy(slot.ID, report):
		a.metrics.Report(metrics.ReportIgnored)
		logger.Debug("authority.report.ignored", "report_ts", report.Timestamp)
		return metrics.ReportIgnored, nil
	}

	prev := slot
	slot.Status = report.Status
	slot.BatteryLevel = report.BatteryLevel
	slot.SignalStrength = report.SignalStrength
	slot.ArmPosition = report.ArmPosition
	slot.VehicleDetected = report.VehicleDetected
	slot.LastUpdate = report.Timestamp
	slot.LastReportAt = report.Timestamp
	if err := a.store.UpdateSlot(ctx, slot); err != nil {
		return "", err
	}
	a.recount(ctx, slot.LotID)
	a.supersede(slot.ID)
	a.metrics.Report(metrics.ReportApplied)

	if newer {
		a.recordSensors(ctx, report)
	}
	if prev.Status != slot.Status {
		logger.Info("authority.slot.status", "from", prev.Status, "to", slot.Status, "vehicle_detected", slot.VehicleDetected)
		a.systemLog(ctx, "lock", models.LevelInfo, "%s is now %s", slot.ID, slot.Status)
	}
	a.reconcileReservation(ctx, prev, report)
	a.publishSlot(ctx, slot.ID)
	return metrics.ReportApplied, nil
}

func (a *Authority) recordSensors(ctx context.Context, report protocol.StatusReport) {
	err := a.store.AppendSensorReadings(ctx,
		models.SensorReading{LockID: report.LockID, SensorType: models.SensorBattery, Value: report.BatteryLevel, Timestamp: report.Timestamp},
		models.SensorReading{LockID: report.LockID, SensorType: models.SensorSignal, Value: report.SignalStrength, Timestamp: report.Timestamp},
	)
	if err != nil {
		a.logger.Warn("authority.sensors.append_failed", "lock_id", report.LockID, "error", err)
	}
}

// reconcileReservation keeps the active reservation of a slot in step with
// what the lock reports. A lock showing the reservation confirms it. A lock
// that later reports free on its own ends a confirmed reservation: completed
// if a vehicle had been parked, expired otherwise. Unconfirmed reservations
// are left alone since the report may predate the reserve command.
func (a *Authority) reconcileReservation(ctx context.Context, prev models.ParkingSlot, report protocol.StatusReport) {
	res, err := a.activeReservation(ctx, prev.ID)
	if err != nil {
		a.logger.Warn("authority.reservation.lookup_failed", "slot_id", prev.ID, "error", err)
		return
	}
	if res == nil {
		return
	}
	now := a.clock.Now()

	switch {
	case res.ConfirmedAt == nil && report.Reservation != nil && report.Reservation.ReservationID == res.ID:
		res.ConfirmedAt = &now
		res.UpdatedAt = now
		if err := a.store.UpdateReservation(ctx, *res); err != nil {
			a.logger.Warn("authority.reservation.confirm_failed", "reservation_id", res.ID, "error", err)
			return
		}
		a.logger.Info("authority.reservation.confirmed", "reservation_id", res.ID)

	case res.ConfirmedAt != nil && report.Status == protocol.StatusFree:
		status := models.ReservationExpired
		if prev.Status == protocol.StatusOccupied || prev.VehicleDetected {
			status = models.ReservationCompleted
		}
		res.Status = status
		res.UpdatedAt = now
		if err := a.store.UpdateReservation(ctx, *res); err != nil {
			a.logger.Warn("authority.reservation.close_failed", "reservation_id", res.ID, "error", err)
			return
		}
		a.metrics.ReservationTransition(string(status))
		a.logger.Info("authority.reservation.closed_by_lock", "reservation_id", res.ID, "status", status)
		a.systemLog(ctx, "reservation", models.LevelInfo, "Reservation %s %s by lock %s", res.ID, status, report.LockID)
	}
}

func (a *Authority) onHeartbeat(topic string, payload []byte) {
	ctx := a.baseContext()
	hb, err := protocol.DecodeHeartbeat(payload)
	if err != nil {
		a.metrics.Malformed(protocol.KindHeartbeat)
		a.logger.Warn("authority.heartbeat.malformed", "topic", topic, "error", err)
		a.systemLog(ctx, "protocol", models.LevelWarn, "Dropped malformed heartbeat on %s", topic)
		return
	}
	a.HandleHeartbeat(hb)
}

// HandleHeartbeat refreshes the gateway registry.
func (a *Authority) HandleHeartbeat(hb protocol.Heartbeat) {
	info := models.GatewayInfo{
		ID:         hb.GatewayID,
		Status:     hb.Status,
		Locks:      append([]string(nil), hb.Locks...),
		LocksCount: hb.LocksCount,
		Uptime:     hb.Uptime,
		LastSeen:   a.clock.Now(),
	}
	a.gwMu.Lock()
	_, known := a.gateways[hb.GatewayID]
	a.gateways[hb.GatewayID] = info
	a.gwMu.Unlock()

	a.metrics.Heartbeat(hb.GatewayID)
	if !known {
		a.logger.Info("authority.gateway.online", "gateway_id", hb.GatewayID, "locks", hb.LocksCount)
	}
	a.notifier.Heartbeat(info)
}

// Gateways returns the gateways seen so far, ordered by id.
func (a *Authority) Gateways() []models.GatewayInfo {
	a.gwMu.RLock()
	defer a.gwMu.RUnlock()
	out := make([]models.GatewayInfo, 0, len(a.gateways))
	for _, g := range a.gateways {
		g.Locks = append([]string(nil), g.Locks...)
		out = append(out, g)
	}
	slices.SortFunc(out, func(x, y models.GatewayInfo) int { return strings.Compare(x.ID, y.ID) })
	return out
}
