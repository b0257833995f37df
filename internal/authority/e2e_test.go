package authority

import (
	"context"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/parking-lock-sync/backend/internal/clock"
	"github.com/parking-lock-sync/backend/internal/gateway"
	"github.com/parking-lock-sync/backend/internal/lock"
	"github.com/parking-lock-sync/backend/internal/metrics"
	"github.com/parking-lock-sync/backend/internal/protocol"
	"github.com/parking-lock-sync/backend/internal/storage"
	"github.com/parking-lock-sync/backend/internal/storage/models"
	"github.com/parking-lock-sync/backend/internal/transport"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type system struct {
	harness
	bus      *transport.Bus
	gateways map[string]*gateway.Gateway
}

// newSystem wires the authority, the in-process bus and simulated gateways
// for the default topology. Random behaviour is pinned: vehicles always
// arrive after an open, never leave on their own, and locks never expire
// reservations locally within a test.
func newSystem(t *testing.T) *system {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewManual(t0)
	bus := transport.NewBus()
	store := storage.NewMemoryStore(storage.Options{})
	n := &recordingNotifier{}
	a, err := New(Options{Store: store, Transport: bus, Clock: clk, Metrics: metrics.New(), Notifier: n})
	if err != nil {
		t.Fatalf("new authority: %v", err)
	}
	topo := DefaultTopology()
	if err := a.Seed(ctx, topo); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start authority: %v", err)
	}

	s := &system{
		harness:  harness{a: a, clock: clk, store: store, notifier: n},
		bus:      bus,
		gateways: make(map[string]*gateway.Gateway),
	}
	rnd := rand.New(rand.NewPCG(11, 13))
	for _, lot := range topo.Lots {
		for _, spec := range lot.Gateways {
			locks := gateway.SpawnLocks(spec.ID, spec.Locks, lock.Options{
				Clock:             clk,
				Rand:              rnd,
				BehaviourInterval: time.Hour,
				ArrivalJitter:     -1,
				ArrivalChance:     1,
				DepartureChance:   -1,
				TamperChance:      -1,
				MagneticDrift:     -1,
				SignalJitter:      -1,
			})
			gw := gateway.New(spec.ID, bus, locks, gateway.Options{Clock: clk})
			if err := gw.Start(ctx); err != nil {
				t.Fatalf("start gateway: %v", err)
			}
			s.gateways[spec.ID] = gw
		}
	}
	t.Cleanup(func() {
		for _, gw := range s.gateways {
			gw.Stop()
		}
		bus.Close()
	})

	waitFor(t, "initial status reports", func() bool {
		slots, _ := store.ListSlots(ctx, "")
		for _, slot := range slots {
			if slot.LastReportAt.IsZero() {
				return false
			}
		}
		return len(slots) == 6
	})
	return s
}

func (s *system) lock(t *testing.T, gatewayID, lockID string) *lock.Lock {
	t.Helper()
	l, ok := s.gateways[gatewayID].Lock(lockID)
	if !ok {
		t.Fatalf("lock %s not bound to %s", lockID, gatewayID)
	}
	return l
}

func (s *system) settled(t *testing.T) {
	t.Helper()
	waitFor(t, "commands to resolve", func() bool { return s.a.PendingCommands() == 0 })
}

func TestEndToEndParkingSession(t *testing.T) {
	t.Parallel()

	s := newSystem(t)
	ctx := context.Background()
	l := s.lock(t, "gateway_001", "lock_gateway_001_1")

	s.clock.Advance(time.Second)
	res := s.reserve(t, "slot_001")
	waitFor(t, "lock to confirm the reservation", func() bool {
		r, err := s.store.GetReservation(ctx, res.ID)
		return err == nil && r.ConfirmedAt != nil
	})
	s.settled(t)
	if got := l.Status(); got.Status != protocol.StatusReserved || got.Reservation.ReservationID != res.ID {
		t.Fatalf("lock did not reserve: %+v", got)
	}

	s.clock.Advance(2 * time.Second)
	waitFor(t, "arm raised", func() bool { return s.slot(t, "slot_001").ArmPosition == protocol.ArmUp })

	if _, err := s.a.Arrive(ctx, res.ID); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	s.settled(t)
	if got := s.slot(t, "slot_001").Status; got != protocol.StatusReserved {
		t.Fatalf("arrival must wait for the lock, slot is %s", got)
	}

	s.clock.Advance(5 * time.Second)
	waitFor(t, "vehicle detected", func() bool {
		slot := s.slot(t, "slot_001")
		return slot.Status == protocol.StatusOccupied && slot.VehicleDetected
	})
	s.assertAvailability(t)

	l.SimulateVehicleDeparture()
	waitFor(t, "reservation completed", func() bool {
		r, err := s.store.GetReservation(ctx, res.ID)
		return err == nil && r.Status == models.ReservationCompleted
	})
	slot := s.slot(t, "slot_001")
	if slot.Status != protocol.StatusFree || slot.VehicleDetected || slot.ArmPosition != protocol.ArmDown {
		t.Fatalf("slot not free after departure: %+v", slot)
	}
	if got := s.lot(t, "lot_001").AvailableSlots; got != 3 {
		t.Fatalf("availability = %d, want 3", got)
	}
	s.assertAvailability(t)
}

func TestEndToEndExpiry(t *testing.T) {
	t.Parallel()

	s := newSystem(t)
	ctx := context.Background()
	l := s.lock(t, "gateway_002", "lock_gateway_002_1")

	s.clock.Advance(time.Second)
	res, err := s.a.CreateReservation(ctx, ReservationRequest{SlotID: "slot_004", PlateNumber: "XY987", Duration: time.Minute})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s.settled(t)

	s.clock.Advance(61 * time.Second)
	n, err := s.a.ExpireReservations(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expire: n=%d err=%v", n, err)
	}
	if got := s.reservation(t, res.ID).Status; got != models.ReservationExpired {
		t.Fatalf("reservation = %s", got)
	}
	if got := s.slot(t, "slot_004").Status; got != protocol.StatusFree {
		t.Fatalf("slot must be freed without waiting for the lock, got %s", got)
	}

	waitFor(t, "lock released", func() bool { return l.Status().Status == protocol.StatusFree })
	s.settled(t)
	if got := s.slot(t, "slot_004").Status; got != protocol.StatusFree {
		t.Fatalf("slot = %s", got)
	}
	if n, _ := s.a.ExpireReservations(ctx); n != 0 {
		t.Fatalf("second sweep expired %d", n)
	}
	if gws := s.a.Gateways(); len(gws) != 2 {
		t.Fatalf("expected both gateways from heartbeats, got %+v", gws)
	}
	s.assertAvailability(t)
}

func TestEndToEndUnknownLockCommand(t *testing.T) {
	t.Parallel()

	s := newSystem(t)
	ctx := context.Background()
	before, _ := s.store.ListSlots(ctx, "")

	ghost := models.ParkingSlot{ID: "slot_ghost", LockID: "lock_gateway_001_9", GatewayID: "gateway_001"}
	if _, err := s.a.dispatch(ctx, ghost, protocol.ActionRelease, nil, nil); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	s.settled(t)

	waitFor(t, "failed acknowledgment logged", func() bool {
		logs, _ := s.a.SystemLogs(ctx, 10)
		for _, e := range logs {
			if e.Level == models.LevelWarn && strings.Contains(e.Message, "Lock not found") {
				return true
			}
		}
		return false
	})
	after, _ := s.store.ListSlots(ctx, "")
	for i := range before {
		if before[i].Status != after[i].Status {
			t.Fatalf("slot %s changed: %s -> %s", before[i].ID, before[i].Status, after[i].Status)
		}
	}
}
