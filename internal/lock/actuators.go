package lock

import (
	"fmt"

	"github.com/parking-lock-sync/backend/internal/protocol"
)

// mechanicalArm models the barrier. Position changes only once the motion
// timer completes; a request made while moving fails with ErrBusy. All
// methods ending in Locked require the owning lock's mutex.
type mechanicalArm struct {
	lock         *Lock
	position     protocol.ArmPosition
	moving       bool
	pendingLower bool
}

func (a *mechanicalArm) raiseLocked() error {
	return a.moveLocked(protocol.ArmUp)
}

func (a *mechanicalArm) lowerLocked() error {
	return a.moveLocked(protocol.ArmDown)
}

// forceLowerLocked lowers the arm now, or once the current motion finishes.
func (a *mechanicalArm) forceLowerLocked() {
	if a.moving {
		a.pendingLower = true
		return
	}
	_ = a.moveLocked(protocol.ArmDown)
}

func (a *mechanicalArm) moveLocked(target protocol.ArmPosition) error {
	if a.moving {
		return fmt.Errorf("%w: arm is currently moving", protocol.ErrBusy)
	}
	if a.position == target {
		return nil
	}
	a.moving = true
	a.lock.logger.Debug("lock.arm.moving", "target", target)
	a.lock.clock.AfterFunc(a.lock.opts.ArmMotion, func() { a.settle(target) })
	return nil
}

func (a *mechanicalArm) settle(target protocol.ArmPosition) {
	l := a.lock
	l.mu.Lock()
	a.position = target
	a.moving = false
	if a.pendingLower {
		a.pendingLower = false
		_ = a.moveLocked(protocol.ArmDown)
	}
	snap := l.touchLocked()
	l.mu.Unlock()

	l.logger.Debug("lock.arm.settled", "position", target)
	l.emit(snap)
}

// speaker plays the tamper alarm. It never changes lock state.
type speaker struct {
	lock    *Lock
	playing bool
}

func (s *speaker) tamperAlarmLocked() {
	if s.playing {
		return
	}
	s.playing = true
	s.lock.logger.Warn("lock.tamper_alarm")
	s.lock.afterLocked(s.lock.opts.AlarmDuration, func() {
		s.lock.mu.Lock()
		s.playing = false
		s.lock.mu.Unlock()
		s.lock.logger.Info("lock.tamper_alarm.stopped")
	})
}
