// Package protocol defines the command/acknowledgment contract between the
// reservation authority and lock gateways, plus the topic namespace it
// travels on.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// LockStatus is the logical state of a parking lock.
type LockStatus string

const (
	StatusFree     LockStatus = "free"
	StatusReserved LockStatus = "reserved"
	StatusOccupied LockStatus = "occupied"
)

// Valid reports whether s is a known lock status.
func (s LockStatus) Valid() bool {
	switch s {
	case StatusFree, StatusReserved, StatusOccupied:
		return true
	}
	return false
}

// ArmPosition is the physical position of the mechanical arm.
type ArmPosition string

const (
	ArmUp   ArmPosition = "up"
	ArmDown ArmPosition = "down"
)

// Action names a command a lock can execute.
type Action string

const (
	ActionReserve Action = "reserve"
	ActionRelease Action = "release"
	ActionOpen    Action = "open"
	ActionStatus  Action = "status"
)

// DefaultReservationMinutes applies when a reserve command carries no duration.
const DefaultReservationMinutes = 60

// Command is sent from the authority to a gateway on its down_link topic.
type Command struct {
	CommandID string          `json:"commandId"`
	LockID    string          `json:"lockId"`
	Action    Action          `json:"action"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Acknowledgment answers exactly one Command, correlated by CommandID.
type Acknowledgment struct {
	CommandID string    `json:"commandId"`
	GatewayID string    `json:"gatewayId"`
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ReservationData is the payload of a reserve command and the reservation
// snapshot a lock keeps while reserved or occupied.
type ReservationData struct {
	ReservationID string    `json:"reservationId"`
	PlateNumber   string    `json:"plateNumber"`
	UserName      string    `json:"userName,omitempty"`
	Duration      int       `json:"duration"`
	Timestamp     time.Time `json:"timestamp"`
}

// DurationOrDefault returns the reservation duration, defaulting to an hour.
func (r ReservationData) DurationOrDefault() time.Duration {
	if r.Duration <= 0 {
		return DefaultReservationMinutes * time.Minute
	}
	return time.Duration(r.Duration) * time.Minute
}

// MagneticReading is the magnetic presence sensor detail of a status report.
type MagneticReading struct {
	Value           float64 `json:"value"`
	Threshold       float64 `json:"threshold"`
	VehicleDetected bool    `json:"vehicleDetected"`
}

// BatteryReading is the battery sensor detail of a status report.
type BatteryReading struct {
	Level         float64 `json:"level"`
	Status        string  `json:"status"`
	EstimatedDays int     `json:"estimatedDays"`
}

// SignalReading is the radio signal sensor detail of a status report.
type SignalReading struct {
	Strength float64 `json:"strength"`
	Quality  string  `json:"quality"`
}

// SensorReadings groups the per-sensor detail of a status report.
type SensorReadings struct {
	Magnetic MagneticReading `json:"magnetic"`
	Battery  BatteryReading  `json:"battery"`
	Signal   SignalReading   `json:"signal"`
}

// StatusReport is an unsolicited, self-contained lock snapshot published on
// the up_link topic.
type StatusReport struct {
	LockID          string           `json:"lockId"`
	GatewayID       string           `json:"gatewayId"`
	Status          LockStatus       `json:"status"`
	BatteryLevel    float64          `json:"batteryLevel"`
	SignalStrength  float64          `json:"signalStrength"`
	ArmPosition     ArmPosition      `json:"armPosition"`
	VehicleDetected bool             `json:"vehicleDetected"`
	Reservation     *ReservationData `json:"reservation"`
	Timestamp       time.Time        `json:"timestamp"`
	Sensors         *SensorReadings  `json:"sensors,omitempty"`
}

// Heartbeat is published periodically by each gateway.
type Heartbeat struct {
	GatewayID  string    `json:"gatewayId"`
	Status     string    `json:"status"`
	LocksCount int       `json:"locksCount"`
	Locks      []string  `json:"locks"`
	Timestamp  time.Time `json:"timestamp"`
	Uptime     float64   `json:"uptime"`
}

// DecodeCommand parses and validates a command envelope.
func DecodeCommand(payload []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return cmd, fmt.Errorf("%w: decoding command: %v", ErrTransport, err)
	}
	if cmd.CommandID == "" {
		return cmd, fmt.Errorf("%w: command missing commandId", ErrTransport)
	}
	return cmd, nil
}

// DecodeAcknowledgment parses and validates an acknowledgment envelope.
func DecodeAcknowledgment(payload []byte) (Acknowledgment, error) {
	var ack Acknowledgment
	if err := json.Unmarshal(payload, &ack); err != nil {
		return ack, fmt.Errorf("%w: decoding acknowledgment: %v", ErrTransport, err)
	}
	if ack.CommandID == "" {
		return ack, fmt.Errorf("%w: acknowledgment missing commandId", ErrTransport)
	}
	return ack, nil
}

// DecodeStatusReport parses and validates a status report.
func DecodeStatusReport(payload []byte) (StatusReport, error) {
	var report StatusReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return report, fmt.Errorf("%w: decoding status report: %v", ErrTransport, err)
	}
	if report.LockID == "" {
		return report, fmt.Errorf("%w: status report missing lockId", ErrTransport)
	}
	if !report.Status.Valid() {
		return report, fmt.Errorf("%w: status report has invalid status %q", ErrTransport, report.Status)
	}
	return report, nil
}

// DecodeHeartbeat parses and validates a heartbeat.
func DecodeHeartbeat(payload []byte) (Heartbeat, error) {
	var hb Heartbeat
	if err := json.Unmarshal(payload, &hb); err != nil {
		return hb, fmt.Errorf("%w: decoding heartbeat: %v", ErrTransport, err)
	}
	if hb.GatewayID == "" {
		return hb, fmt.Errorf("%w: heartbeat missing gatewayId", ErrTransport)
	}
	return hb, nil
}

// DecodeReservationData parses the payload of a reserve command.
func DecodeReservationData(data json.RawMessage) (ReservationData, error) {
	var r ReservationData
	if len(data) == 0 {
		return r, fmt.Errorf("%w: reserve command carries no data", ErrTransport)
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("%w: decoding reservation data: %v", ErrTransport, err)
	}
	return r, nil
}
