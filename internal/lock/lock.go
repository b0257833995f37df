// Package lock simulates a parking-slot lock: a finite-state machine over
// free, reserved and occupied, driven by gateway commands and by its own
// sensors and actuators.
package lock

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/parking-lock-sync/backend/internal/clock"
	"github.com/parking-lock-sync/backend/internal/logging"
	"github.com/parking-lock-sync/backend/internal/protocol"
	"pkt.systems/pslog"
)

// Options tunes the simulated hardware. Zero values select the defaults
// noted on each field; probabilities use a negative value to mean zero.
type Options struct {
	Clock  clock.Clock
	Logger pslog.Logger
	Rand   *rand.Rand

	// ArmMotion is how long the mechanical arm takes to move (2s).
	ArmMotion time.Duration
	// SensorInterval drives magnetic, battery and signal sampling (5s).
	SensorInterval time.Duration
	// BehaviourInterval drives departures, local expiry and tamper alarms (10s).
	BehaviourInterval time.Duration
	// ArrivalDelay and ArrivalJitter bound the vehicle check after open (3s + 0..2s).
	ArrivalDelay  time.Duration
	ArrivalJitter time.Duration
	// AlarmDuration is how long the tamper alarm plays (5s).
	AlarmDuration time.Duration

	ArrivalChance   float64 // 0.8
	DepartureChance float64 // 0.05
	TamperChance    float64 // 0.02

	// MagneticDrift is the maximum per-tick drift of the magnetic reading (10).
	MagneticDrift float64
	// SignalJitter is the maximum per-tick change of signal strength (5).
	SignalJitter float64
}

func (o Options) withDefaults() Options {
	o.Clock = clock.Ensure(o.Clock)
	o.Logger = logging.Ensure(o.Logger)
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	o.ArmMotion = durationOr(o.ArmMotion, 2*time.Second)
	o.SensorInterval = durationOr(o.SensorInterval, 5*time.Second)
	o.BehaviourInterval = durationOr(o.BehaviourInterval, 10*time.Second)
	o.ArrivalDelay = durationOr(o.ArrivalDelay, 3*time.Second)
	if o.ArrivalJitter == 0 {
		o.ArrivalJitter = 2 * time.Second
	}
	o.AlarmDuration = durationOr(o.AlarmDuration, 5*time.Second)
	o.ArrivalChance = chanceOr(o.ArrivalChance, 0.8)
	o.DepartureChance = chanceOr(o.DepartureChance, 0.05)
	o.TamperChance = chanceOr(o.TamperChance, 0.02)
	o.MagneticDrift = chanceOr(o.MagneticDrift, 10)
	o.SignalJitter = chanceOr(o.SignalJitter, 5)
	return o
}

func durationOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func chanceOr(v, def float64) float64 {
	switch {
	case v < 0:
		return 0
	case v == 0:
		return def
	}
	return v
}

// ChangeFunc receives a full snapshot whenever the lock's state changes.
type ChangeFunc func(protocol.StatusReport)

// Lock is one simulated parking-slot lock.
type Lock struct {
	id        string
	gatewayID string
	opts      Options
	clock     clock.Clock
	logger    pslog.Logger

	mu              sync.Mutex
	status          protocol.LockStatus
	battery         float64
	signal          float64
	vehicleDetected bool
	reservation     *protocol.ReservationData
	lastUpdate      time.Time

	arm      *mechanicalArm
	magnetic *magneticSensor
	drain    *batterySensor
	speaker  *speaker

	onChange ChangeFunc
	running  bool
	// timers holds callbacks that have not fired yet, so Stop can cancel them.
	timers   map[uint64]clock.Timer
	timerSeq uint64
}

// New constructs a free lock with its arm down. Call Start to run the
// sensor simulation.
func New(id, gatewayID string, opts Options) *Lock {
	opts = opts.withDefaults()
	l := &Lock{
		id:        id,
		gatewayID: gatewayID,
		opts:      opts,
		clock:     opts.Clock,
		logger:    logging.Subsystem(opts.Logger, "lock").With("lock_id", id, "gateway_id", gatewayID),
		status:    protocol.StatusFree,
		battery:   float64(70 + opts.Rand.IntN(30)),
		signal:    float64(80 + opts.Rand.IntN(20)),
		timers:    make(map[uint64]clock.Timer),
	}
	l.lastUpdate = l.clock.Now()
	l.arm = &mechanicalArm{lock: l, position: protocol.ArmDown}
	l.magnetic = &magneticSensor{lock: l, threshold: magneticThreshold, reading: float64(50 + opts.Rand.IntN(100))}
	l.drain = &batterySensor{lock: l, last: l.lastUpdate}
	l.speaker = &speaker{lock: l}
	return l
}

// ID returns the lock identifier.
func (l *Lock) ID() string { return l.id }

// GatewayID returns the owning gateway identifier.
func (l *Lock) GatewayID() string { return l.gatewayID }

// OnChange installs the status-changed notification. It is invoked outside
// the lock's mutex and may call back into the lock.
func (l *Lock) OnChange(fn ChangeFunc) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// Status returns the current snapshot.
func (l *Lock) Status() protocol.StatusReport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Execute dispatches a gateway command to the operation named by action and
// returns the human-readable result message.
func (l *Lock) Execute(action protocol.Action, data json.RawMessage) (string, error) {
	switch action {
	case protocol.ActionReserve:
		r, err := protocol.DecodeReservationData(data)
		if err != nil {
			return "", err
		}
		return l.Reserve(r)
	case protocol.ActionRelease:
		return l.Release()
	case protocol.ActionOpen:
		return l.OpenForParking()
	case protocol.ActionStatus:
		return "Status reported", nil
	}
	return "", fmt.Errorf("%w: %q", protocol.ErrUnknownAction, action)
}

// Reserve moves a free lock to reserved and raises the arm. If the arm is
// mid-motion the state change is rolled back and ErrBusy is returned.
func (l *Lock) Reserve(data protocol.ReservationData) (string, error) {
	l.mu.Lock()
	if l.status != protocol.StatusFree {
		status := l.status
		l.mu.Unlock()
		return "", fmt.Errorf("%w: lock is currently %s", protocol.ErrInvalidState, status)
	}
	l.status = protocol.StatusReserved
	data.Timestamp = l.clock.Now()
	l.reservation = &data
	if err := l.arm.raiseLocked(); err != nil {
		l.status = protocol.StatusFree
		l.reservation = nil
		l.mu.Unlock()
		return "", err
	}
	snap := l.touchLocked()
	l.mu.Unlock()

	l.logger.Info("lock.reserved", "plate", data.PlateNumber, "reservation_id", data.ReservationID)
	l.emit(snap)
	return "Lock reserved successfully", nil
}

// Release frees a reserved or occupied lock and lowers the arm.
func (l *Lock) Release() (string, error) {
	l.mu.Lock()
	if l.status == protocol.StatusFree {
		l.mu.Unlock()
		return "", fmt.Errorf("%w: lock is already free", protocol.ErrInvalidState)
	}
	prevStatus, prevReservation, prevDetected := l.status, l.reservation, l.vehicleDetected
	l.status = protocol.StatusFree
	l.reservation = nil
	l.vehicleDetected = false
	if err := l.arm.lowerLocked(); err != nil {
		l.status, l.reservation, l.vehicleDetected = prevStatus, prevReservation, prevDetected
		l.mu.Unlock()
		return "", err
	}
	snap := l.touchLocked()
	l.mu.Unlock()

	l.logger.Info("lock.released")
	l.emit(snap)
	return "Lock released successfully", nil
}

// OpenForParking lowers the arm of a reserved lock without changing its
// logical status and schedules a vehicle-arrival check.
func (l *Lock) OpenForParking() (string, error) {
	l.mu.Lock()
	if l.status != protocol.StatusReserved {
		status := l.status
		l.mu.Unlock()
		return "", fmt.Errorf("%w: cannot open lock in %s state", protocol.ErrInvalidState, status)
	}
	if err := l.arm.lowerLocked(); err != nil {
		l.mu.Unlock()
		return "", err
	}
	snap := l.touchLocked()
	delay := l.opts.ArrivalDelay
	if l.opts.ArrivalJitter > 0 {
		delay += time.Duration(l.opts.Rand.Int64N(int64(l.opts.ArrivalJitter)))
	}
	l.afterLocked(delay, l.arrivalCheck)
	l.mu.Unlock()

	l.logger.Info("lock.opened")
	l.emit(snap)
	return "Lock opened for parking", nil
}

func (l *Lock) arrivalCheck() {
	l.mu.Lock()
	arrive := l.status == protocol.StatusReserved && l.opts.Rand.Float64() < l.opts.ArrivalChance
	l.mu.Unlock()
	if arrive {
		l.SimulateVehicleArrival()
	}
}

// onVehicleDetectedLocked applies the reserved → occupied transition. It
// reports whether the state changed.
func (l *Lock) onVehicleDetectedLocked() bool {
	if l.status != protocol.StatusReserved || l.vehicleDetected {
		return false
	}
	l.vehicleDetected = true
	l.status = protocol.StatusOccupied
	return true
}

// onVehicleLeftLocked frees the lock after a detected vehicle departs.
func (l *Lock) onVehicleLeftLocked() bool {
	if !l.vehicleDetected {
		return false
	}
	l.vehicleDetected = false
	l.status = protocol.StatusFree
	l.reservation = nil
	l.arm.forceLowerLocked()
	return true
}

func (l *Lock) touchLocked() protocol.StatusReport {
	l.lastUpdate = l.clock.Now()
	return l.snapshotLocked()
}

func (l *Lock) snapshotLocked() protocol.StatusReport {
	var reservation *protocol.ReservationData
	if l.reservation != nil {
		r := *l.reservation
		reservation = &r
	}
	return protocol.StatusReport{
		LockID:          l.id,
		GatewayID:       l.gatewayID,
		Status:          l.status,
		BatteryLevel:    l.battery,
		SignalStrength:  l.signal,
		ArmPosition:     l.arm.position,
		VehicleDetected: l.vehicleDetected,
		Reservation:     reservation,
		Timestamp:       l.lastUpdate,
		Sensors: &protocol.SensorReadings{
			Magnetic: l.magnetic.readingLocked(),
			Battery:  l.drain.readingLocked(),
			Signal:   signalReading(l.signal),
		},
	}
}

func (l *Lock) emit(snap protocol.StatusReport) {
	l.mu.Lock()
	fn := l.onChange
	l.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

// afterLocked schedules f and tracks its timer until it fires. The entry is
// removed under l.mu, which the caller holds while registering it.
func (l *Lock) afterLocked(d time.Duration, f func()) {
	l.timerSeq++
	id := l.timerSeq
	l.timers[id] = l.clock.AfterFunc(d, func() {
		l.mu.Lock()
		delete(l.timers, id)
		l.mu.Unlock()
		f()
	})
}

// pendingTimers returns how many tracked callbacks have not fired.
func (l *Lock) pendingTimers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}
