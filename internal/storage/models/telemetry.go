package models

import "time"

// Sensor types recorded from status reports.
const (
	SensorBattery = "battery"
	SensorSignal  = "signal"
)

// SensorReading is one sample of a lock's battery or signal series.
type SensorReading struct {
	ID         int64     `json:"id"`
	LockID     string    `json:"lock_id"`
	SensorType string    `json:"sensor_type"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
}

// LogLevel is the severity of a system log entry.
type LogLevel string

const (
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// SystemLogEntry is an operator-facing event kept in a bounded,
// newest-first log.
type SystemLogEntry struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Level     LogLevel  `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

// GatewayInfo is the authority's registry entry for a gateway, refreshed by
// heartbeats.
type GatewayInfo struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	Locks      []string  `json:"locks"`
	LocksCount int       `json:"locks_count"`
	Uptime     float64   `json:"uptime"`
	LastSeen   time.Time `json:"last_seen"`
}

// DashboardStats aggregates slot and reservation counts.
type DashboardStats struct {
	TotalSlots         int `json:"totalSlots"`
	AvailableSlots     int `json:"availableSlots"`
	OccupiedSlots      int `json:"occupiedSlots"`
	ReservedSlots      int `json:"reservedSlots"`
	ActiveReservations int `json:"activeReservations"`
}
