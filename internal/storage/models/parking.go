// Package models contains the canonical records owned by the reservation
// authority.
package models

import (
	"time"

	"github.com/parking-lock-sync/backend/internal/protocol"
)

// ParkingLot groups slots at one site. AvailableSlots is derived from the
// slot statuses and only written by a store recount.
type ParkingLot struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Address        string    `json:"address"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	TotalSlots     int       `json:"total_slots"`
	AvailableSlots int       `json:"available_slots"`
	CreatedAt      time.Time `json:"created_at"`
}

// ParkingSlot is the authority's canonical view of one lock.
type ParkingSlot struct {
	ID              string               `json:"id"`
	LotID           string               `json:"lot_id"`
	LockID          string               `json:"lock_id"`
	GatewayID       string               `json:"gateway_id"`
	Status          protocol.LockStatus  `json:"status"`
	ArmPosition     protocol.ArmPosition `json:"arm_position"`
	BatteryLevel    float64              `json:"battery_level"`
	SignalStrength  float64              `json:"signal_strength"`
	VehicleDetected bool                 `json:"vehicle_detected"`
	LastUpdate      time.Time            `json:"last_update"`
	// LastReportAt is the device timestamp of the last applied status
	// report. Reports older than this are stale.
	LastReportAt time.Time `json:"last_report_at"`
}

// SlotView is a slot enriched with its lot name and active reservation.
type SlotView struct {
	ParkingSlot
	LotName       string     `json:"lot_name"`
	ReservationID string     `json:"reservation_id,omitempty"`
	PlateNumber   string     `json:"plate_number,omitempty"`
	UserName      string     `json:"user_name,omitempty"`
	EndTime       *time.Time `json:"end_time,omitempty"`
}

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationExpired   ReservationStatus = "expired"
	ReservationCompleted ReservationStatus = "completed"
)

// Reservation holds a slot for one plate between StartTime and EndTime.
type Reservation struct {
	ID          string            `json:"id"`
	SlotID      string            `json:"slot_id"`
	PlateNumber string            `json:"plate_number"`
	UserName    string            `json:"user_name,omitempty"`
	UserPhone   string            `json:"user_phone,omitempty"`
	StartTime   time.Time         `json:"start_time"`
	EndTime     time.Time         `json:"end_time"`
	Status      ReservationStatus `json:"status"`
	// ConfirmedAt is set once a status report shows the lock holding this
	// reservation.
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsActive reports whether the reservation still holds its slot.
func (r *Reservation) IsActive() bool {
	return r.Status == ReservationActive
}

// PastEnd reports whether the reservation's end time is before now.
func (r *Reservation) PastEnd(now time.Time) bool {
	return r.EndTime.Before(now)
}

// ReservationView is a reservation enriched with slot and lot details.
type ReservationView struct {
	Reservation
	LockID  string `json:"lock_id"`
	LotID   string `json:"lot_id"`
	LotName string `json:"lot_name"`
}
