package lock

import (
	"errors"
	"time"

	"github.com/parking-lock-sync/backend/internal/protocol"
)

// Start begins the periodic sensor and behaviour simulation. It is a no-op
// on a running lock.
func (l *Lock) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.running = true
	l.scheduleLocked(l.opts.SensorInterval, l.sensorTick)
	l.scheduleLocked(l.opts.BehaviourInterval, l.behaviourTick)
	l.logger.Info("lock.started")
}

// Stop halts the simulation and cancels scheduled callbacks. An arm motion
// already under way still completes.
func (l *Lock) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.running = false
	for id, t := range l.timers {
		t.Stop()
		delete(l.timers, id)
	}
	l.logger.Info("lock.stopped")
}

func (l *Lock) scheduleLocked(d time.Duration, tick func()) {
	l.afterLocked(d, func() {
		l.mu.Lock()
		running := l.running
		l.mu.Unlock()
		if !running {
			return
		}
		tick()
		l.mu.Lock()
		if l.running {
			l.scheduleLocked(d, tick)
		}
		l.mu.Unlock()
	})
}

func (l *Lock) sensorTick() {
	l.mu.Lock()
	changed := l.magnetic.sampleLocked()
	l.drain.sampleLocked(l.clock.Now())
	l.sampleSignalLocked()
	var snap protocol.StatusReport
	if changed {
		snap = l.touchLocked()
	}
	l.mu.Unlock()
	if changed {
		l.logChange(snap)
		l.emit(snap)
	}
}

func (l *Lock) behaviourTick() {
	l.mu.Lock()
	rnd := l.opts.Rand
	depart := l.status == protocol.StatusOccupied && rnd.Float64() < l.opts.DepartureChance
	expired := false
	if l.status == protocol.StatusReserved && l.reservation != nil {
		deadline := l.reservation.Timestamp.Add(l.reservation.DurationOrDefault())
		expired = l.clock.Now().After(deadline)
	}
	if rnd.Float64() < l.opts.TamperChance {
		l.speaker.tamperAlarmLocked()
	}
	l.mu.Unlock()

	if depart {
		l.SimulateVehicleDeparture()
	}
	if expired {
		l.logger.Info("lock.reservation.expired")
		if _, err := l.Release(); err != nil && !errors.Is(err, protocol.ErrInvalidState) {
			l.logger.Warn("lock.reservation.expire_failed", "error", err)
		}
	}
}

// SimulateVehicleArrival drives the magnetic reading above the threshold.
func (l *Lock) SimulateVehicleArrival() {
	l.mu.Lock()
	changed := l.magnetic.arriveLocked()
	l.finishAutonomous(changed)
}

// SimulateVehicleDeparture drives the magnetic reading below the threshold.
func (l *Lock) SimulateVehicleDeparture() {
	l.mu.Lock()
	changed := l.magnetic.departLocked()
	l.finishAutonomous(changed)
}

// OnVehicleDetected applies the reserved to occupied transition. It returns
// false when the lock is not reserved or already holds a vehicle.
func (l *Lock) OnVehicleDetected() bool {
	l.mu.Lock()
	changed := l.onVehicleDetectedLocked()
	l.finishAutonomous(changed)
	return changed
}

// OnVehicleLeft frees the lock after a detected vehicle departs. It returns
// false when no vehicle was detected.
func (l *Lock) OnVehicleLeft() bool {
	l.mu.Lock()
	changed := l.onVehicleLeftLocked()
	l.finishAutonomous(changed)
	return changed
}

// finishAutonomous releases the mutex acquired by the caller and emits the
// change, if any.
func (l *Lock) finishAutonomous(changed bool) {
	if !changed {
		l.mu.Unlock()
		return
	}
	snap := l.touchLocked()
	l.mu.Unlock()
	l.logChange(snap)
	l.emit(snap)
}

func (l *Lock) logChange(snap protocol.StatusReport) {
	switch snap.Status {
	case protocol.StatusOccupied:
		l.logger.Info("lock.vehicle.detected")
	case protocol.StatusFree:
		l.logger.Info("lock.vehicle.left")
	}
}
