package lock

import (
	"math"
	"time"

	"github.com/parking-lock-sync/backend/internal/protocol"
)

const (
	magneticThreshold  = 500
	magneticMax        = 1000
	lowBatteryLevel    = 20
	batteryDrainPerDay = 0.1
)

// magneticSensor reports vehicle presence when its reading exceeds the
// threshold.
type magneticSensor struct {
	lock      *Lock
	threshold float64
	reading   float64
}

// sampleLocked drifts the reading and returns the resulting transition, if
// any. The caller emits the change after releasing the mutex.
func (m *magneticSensor) sampleLocked() bool {
	l := m.lock
	if drift := l.opts.MagneticDrift; drift > 0 {
		m.reading += (l.opts.Rand.Float64() - 0.5) * 2 * drift
	}
	m.reading = clamp(m.reading, 0, magneticMax)
	return m.evaluateLocked()
}

func (m *magneticSensor) evaluateLocked() bool {
	l := m.lock
	present := m.reading > m.threshold
	switch {
	case present && !l.vehicleDetected:
		return l.onVehicleDetectedLocked()
	case !present && l.vehicleDetected:
		return l.onVehicleLeftLocked()
	}
	return false
}

// arriveLocked forces a reading well above the threshold.
func (m *magneticSensor) arriveLocked() bool {
	m.reading = float64(600 + m.lock.opts.Rand.IntN(300))
	return m.evaluateLocked()
}

// departLocked forces a reading well below the threshold.
func (m *magneticSensor) departLocked() bool {
	m.reading = float64(100 + m.lock.opts.Rand.IntN(200))
	return m.evaluateLocked()
}

func (m *magneticSensor) readingLocked() protocol.MagneticReading {
	return protocol.MagneticReading{
		Value:           m.reading,
		Threshold:       m.threshold,
		VehicleDetected: m.reading > m.threshold,
	}
}

// batterySensor drains the lock's battery by elapsed time.
type batterySensor struct {
	lock *Lock
	last time.Time
	warn bool
}

func (b *batterySensor) sampleLocked(now time.Time) {
	l := b.lock
	elapsed := now.Sub(b.last)
	b.last = now
	if elapsed > 0 {
		l.battery = math.Max(0, l.battery-elapsed.Hours()/24*batteryDrainPerDay)
	}
	low := l.battery < lowBatteryLevel
	if low && !b.warn {
		l.logger.Warn("lock.battery.low", "level", l.battery)
	}
	b.warn = low
}

func (b *batterySensor) readingLocked() protocol.BatteryReading {
	level := b.lock.battery
	status := "good"
	if level <= lowBatteryLevel {
		status = "low"
	}
	return protocol.BatteryReading{
		Level:         level,
		Status:        status,
		EstimatedDays: int(math.Floor(level / batteryDrainPerDay)),
	}
}

func (l *Lock) sampleSignalLocked() {
	if jitter := l.opts.SignalJitter; jitter > 0 {
		l.signal += (l.opts.Rand.Float64() - 0.5) * 2 * jitter
	}
	l.signal = clamp(l.signal, 0, 100)
}

func signalReading(strength float64) protocol.SignalReading {
	quality := "poor"
	switch {
	case strength > 70:
		quality = "excellent"
	case strength > 50:
		quality = "good"
	case strength > 30:
		quality = "fair"
	}
	return protocol.SignalReading{Strength: strength, Quality: quality}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
