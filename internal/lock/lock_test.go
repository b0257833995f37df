package lock

import (
	"encoding/json"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/parking-lock-sync/backend/internal/clock"
	"github.com/parking-lock-sync/backend/internal/protocol"
)

type recorder struct {
	mu    sync.Mutex
	snaps []protocol.StatusReport
}

func (r *recorder) record(s protocol.StatusReport) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder) all() []protocol.StatusReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.StatusReport(nil), r.snaps...)
}

func newTestLock(t *testing.T, mutate func(*Options)) (*Lock, *clock.Manual, *recorder) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	opts := Options{
		Clock:           clk,
		Rand:            rand.New(rand.NewPCG(1, 2)),
		ArrivalJitter:   -1,
		ArrivalChance:   1,
		DepartureChance: -1,
		TamperChance:    -1,
		MagneticDrift:   -1,
		SignalJitter:    -1,
	}
	if mutate != nil {
		mutate(&opts)
	}
	l := New("lock_gw_1", "gw", opts)
	rec := &recorder{}
	l.OnChange(rec.record)
	return l, clk, rec
}

func assertNeverDetectedWhileFree(t *testing.T, snaps []protocol.StatusReport) {
	t.Helper()
	for i, s := range snaps {
		if s.VehicleDetected && s.Status == protocol.StatusFree {
			t.Fatalf("snapshot %d reports a vehicle on a free lock: %+v", i, s)
		}
	}
}

func TestReserveReleaseCycle(t *testing.T) {
	t.Parallel()

	l, clk, rec := newTestLock(t, nil)
	if _, err := l.Reserve(protocol.ReservationData{ReservationID: "r1", PlateNumber: "AB123"}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	st := l.Status()
	if st.Status != protocol.StatusReserved || st.Reservation == nil || st.Reservation.PlateNumber != "AB123" {
		t.Fatalf("unexpected status after reserve: %+v", st)
	}
	if st.ArmPosition != protocol.ArmDown {
		t.Fatalf("arm should still be moving, got %s", st.ArmPosition)
	}
	clk.Advance(2 * time.Second)
	if got := l.Status().ArmPosition; got != protocol.ArmUp {
		t.Fatalf("expected arm up after motion, got %s", got)
	}

	if _, err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	clk.Advance(2 * time.Second)
	st = l.Status()
	if st.Status != protocol.StatusFree || st.Reservation != nil || st.ArmPosition != protocol.ArmDown {
		t.Fatalf("unexpected status after release: %+v", st)
	}
	// reserve, arm settle, release, arm settle
	if n := len(rec.all()); n != 4 {
		t.Fatalf("expected 4 change notifications, got %d", n)
	}
	assertNeverDetectedWhileFree(t, rec.all())
}

func TestInvalidTransitions(t *testing.T) {
	t.Parallel()

	l, clk, _ := newTestLock(t, nil)
	if _, err := l.Release(); !errors.Is(err, protocol.ErrInvalidState) {
		t.Fatalf("release of free lock: expected invalid state, got %v", err)
	}
	if _, err := l.OpenForParking(); !errors.Is(err, protocol.ErrInvalidState) {
		t.Fatalf("open of free lock: expected invalid state, got %v", err)
	}
	if _, err := l.Reserve(protocol.ReservationData{PlateNumber: "A"}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	clk.Advance(2 * time.Second)
	if _, err := l.Reserve(protocol.ReservationData{PlateNumber: "B"}); !errors.Is(err, protocol.ErrInvalidState) {
		t.Fatalf("second reserve: expected invalid state, got %v", err)
	}
	if got := l.Status().Reservation.PlateNumber; got != "A" {
		t.Fatalf("reservation overwritten: %s", got)
	}
}

func TestBusyArmRollsBack(t *testing.T) {
	t.Parallel()

	l, clk, _ := newTestLock(t, nil)
	if _, err := l.Reserve(protocol.ReservationData{ReservationID: "r1", PlateNumber: "AB123"}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := l.Release(); !errors.Is(err, protocol.ErrBusy) {
		t.Fatalf("expected busy while arm moves, got %v", err)
	}
	st := l.Status()
	if st.Status != protocol.StatusReserved || st.Reservation == nil {
		t.Fatalf("busy release must not change state: %+v", st)
	}
	if _, err := l.OpenForParking(); !errors.Is(err, protocol.ErrBusy) {
		t.Fatalf("expected busy open, got %v", err)
	}

	clk.Advance(2 * time.Second)
	if _, err := l.Release(); err != nil {
		t.Fatalf("release after motion: %v", err)
	}
	// The arm is lowering; a new reserve that needs to raise it is rejected
	// and the lock stays free.
	if _, err := l.Reserve(protocol.ReservationData{PlateNumber: "CD456"}); !errors.Is(err, protocol.ErrBusy) {
		t.Fatalf("expected busy reserve, got %v", err)
	}
	if st := l.Status(); st.Status != protocol.StatusFree || st.Reservation != nil {
		t.Fatalf("busy reserve must roll back: %+v", st)
	}
}

func TestOpenArrivalAndDeparture(t *testing.T) {
	t.Parallel()

	l, clk, rec := newTestLock(t, nil)
	if _, err := l.Reserve(protocol.ReservationData{ReservationID: "r1", PlateNumber: "AB123"}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	clk.Advance(2 * time.Second)
	if _, err := l.OpenForParking(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if st := l.Status(); st.Status != protocol.StatusReserved {
		t.Fatalf("open must not change logical status, got %s", st.Status)
	}
	clk.Advance(5 * time.Second)
	st := l.Status()
	if st.Status != protocol.StatusOccupied || !st.VehicleDetected || st.ArmPosition != protocol.ArmDown {
		t.Fatalf("expected occupied with arm down, got %+v", st)
	}
	if !st.Sensors.Magnetic.VehicleDetected {
		t.Fatal("magnetic reading should be above threshold")
	}

	l.SimulateVehicleDeparture()
	st = l.Status()
	if st.Status != protocol.StatusFree || st.VehicleDetected || st.Reservation != nil {
		t.Fatalf("expected free after departure, got %+v", st)
	}

	snaps := rec.all()
	assertNeverDetectedWhileFree(t, snaps)
	sawReserved := false
	for _, s := range snaps {
		if s.Status == protocol.StatusReserved {
			sawReserved = true
		}
		if s.Status == protocol.StatusOccupied && !sawReserved {
			t.Fatal("occupied reported before reserved")
		}
	}
}

func TestVehicleDetectedOnlyFromReserved(t *testing.T) {
	t.Parallel()

	l, _, rec := newTestLock(t, nil)
	if l.OnVehicleDetected() {
		t.Fatal("a free lock must not become occupied")
	}
	if l.OnVehicleLeft() {
		t.Fatal("no vehicle to leave")
	}
	l.SimulateVehicleArrival()
	if st := l.Status(); st.Status != protocol.StatusFree || st.VehicleDetected {
		t.Fatalf("arrival at a free lock changed state: %+v", st)
	}
	if n := len(rec.all()); n != 0 {
		t.Fatalf("expected no notifications, got %d", n)
	}
}

func TestLocalReservationExpiry(t *testing.T) {
	t.Parallel()

	l, clk, _ := newTestLock(t, nil)
	l.Start()
	defer l.Stop()

	if _, err := l.Reserve(protocol.ReservationData{ReservationID: "r1", PlateNumber: "AB123", Duration: 1}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	clk.Advance(50 * time.Second)
	if st := l.Status(); st.Status != protocol.StatusReserved {
		t.Fatalf("expired too early: %s", st.Status)
	}
	clk.Advance(30 * time.Second)
	clk.Advance(2 * time.Second)
	st := l.Status()
	if st.Status != protocol.StatusFree || st.ArmPosition != protocol.ArmDown {
		t.Fatalf("expected local expiry to free the lock, got %+v", st)
	}
}

func TestTamperAlarmLeavesStateAlone(t *testing.T) {
	t.Parallel()

	l, clk, rec := newTestLock(t, func(o *Options) { o.TamperChance = 1 })
	l.Start()
	defer l.Stop()
	clk.Advance(30 * time.Second)
	if st := l.Status(); st.Status != protocol.StatusFree {
		t.Fatalf("tamper alarm changed status: %s", st.Status)
	}
	if n := len(rec.all()); n != 0 {
		t.Fatalf("tamper alarm emitted %d changes", n)
	}
}

func TestExecuteDispatch(t *testing.T) {
	t.Parallel()

	l, _, _ := newTestLock(t, nil)
	if _, err := l.Execute("explode", nil); !errors.Is(err, protocol.ErrUnknownAction) {
		t.Fatalf("expected unknown action, got %v", err)
	}
	if _, err := l.Execute(protocol.ActionReserve, json.RawMessage(`{bad`)); !errors.Is(err, protocol.ErrTransport) {
		t.Fatalf("expected decode failure, got %v", err)
	}
	data, _ := json.Marshal(protocol.ReservationData{ReservationID: "r9", PlateNumber: "ZZ1", Duration: 30})
	msg, err := l.Execute(protocol.ActionReserve, data)
	if err != nil || msg == "" {
		t.Fatalf("reserve via execute: %q %v", msg, err)
	}
	if st := l.Status(); st.Reservation == nil || st.Reservation.Duration != 30 {
		t.Fatalf("unexpected reservation snapshot %+v", st.Reservation)
	}
	if _, err := l.Execute(protocol.ActionStatus, nil); err != nil {
		t.Fatalf("status: %v", err)
	}
}

func TestSensorReadings(t *testing.T) {
	t.Parallel()

	l, clk, _ := newTestLock(t, nil)
	l.Start()
	defer l.Stop()
	before := l.Status().BatteryLevel
	clk.Advance(48 * time.Hour)
	st := l.Status()
	if st.BatteryLevel >= before {
		t.Fatalf("battery did not drain: %v -> %v", before, st.BatteryLevel)
	}
	if d := before - st.BatteryLevel; d < 0.19 || d > 0.21 {
		t.Fatalf("expected about 0.2%% drain over two days, got %v", d)
	}
	if st.Sensors.Signal.Quality != "excellent" {
		t.Fatalf("expected excellent signal for %v", st.SignalStrength)
	}
	if got := signalReading(40).Quality; got != "fair" {
		t.Fatalf("signal 40 quality = %s", got)
	}
}

func TestStopCancelsArrivalCheckAfterManyTicks(t *testing.T) {
	t.Parallel()

	l, clk, _ := newTestLock(t, func(o *Options) {
		o.SensorInterval = time.Second
		o.BehaviourInterval = time.Hour
		o.ArrivalDelay = 10 * time.Minute
	})
	l.Start()
	if _, err := l.Reserve(protocol.ReservationData{ReservationID: "r1", PlateNumber: "AB123", Timestamp: clk.Now()}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	clk.Advance(2 * time.Second)
	if _, err := l.OpenForParking(); err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 100; i++ {
		clk.Advance(time.Second)
	}
	// Sensor tick, behaviour tick and the arrival check.
	if n := l.pendingTimers(); n != 3 {
		t.Fatalf("expected 3 tracked timers, got %d", n)
	}

	l.Stop()
	if n := l.pendingTimers(); n != 0 {
		t.Fatalf("stop left %d tracked timers", n)
	}
	clk.Advance(15 * time.Minute)
	if st := l.Status(); st.Status != protocol.StatusReserved || st.VehicleDetected {
		t.Fatalf("arrival check ran after stop: %+v", st)
	}
}
