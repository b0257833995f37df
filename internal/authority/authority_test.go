package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parking-lock-sync/backend/internal/clock"
	"github.com/parking-lock-sync/backend/internal/metrics"
	"github.com/parking-lock-sync/backend/internal/protocol"
	"github.com/parking-lock-sync/backend/internal/storage"
	"github.com/parking-lock-sync/backend/internal/storage/models"
	"github.com/parking-lock-sync/backend/internal/transport"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type published struct {
	topic string
	cmd   protocol.Command
}

// fakeTransport records commands synchronously.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []published
	handlers map[string]transport.Handler
	fail     error
}

func (f *fakeTransport) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	cmd, err := protocol.DecodeCommand(payload)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, published{topic: topic, cmd: cmd})
	return nil
}

func (f *fakeTransport) Subscribe(filter string, h transport.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[string]transport.Handler)
	}
	f.handlers[filter] = h
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func (f *fakeTransport) commands() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.sent...)
}

func (f *fakeTransport) last(t *testing.T) published {
	t.Helper()
	cmds := f.commands()
	if len(cmds) == 0 {
		t.Fatal("no command published")
	}
	return cmds[len(cmds)-1]
}

// recordingNotifier counts outbound events.
type recordingNotifier struct {
	status, acks, logs, heartbeats atomic.Int64
}

func (n *recordingNotifier) StatusUpdate(models.SlotView)       { n.status.Add(1) }
func (n *recordingNotifier) CommandAck(protocol.Acknowledgment) { n.acks.Add(1) }
func (n *recordingNotifier) SystemLog(models.SystemLogEntry)    { n.logs.Add(1) }
func (n *recordingNotifier) Heartbeat(models.GatewayInfo)       { n.heartbeats.Add(1) }

type harness struct {
	a        *Authority
	tr       *fakeTransport
	clock    *clock.Manual
	store    storage.Store
	notifier *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, storage.NewMemoryStore(storage.Options{}))
}

func newHarnessWithStore(t *testing.T, store storage.Store) *harness {
	t.Helper()
	clk := clock.NewManual(t0)
	tr := &fakeTransport{}
	n := &recordingNotifier{}
	var seq atomic.Int64
	a, err := New(Options{
		Store:     store,
		Transport: tr,
		Clock:     clk,
		Metrics:   metrics.New(),
		Notifier:  n,
		NewID:     func() string { return fmt.Sprintf("id-%03d", seq.Add(1)) },
	})
	if err != nil {
		t.Fatalf("new authority: %v", err)
	}
	ctx := context.Background()
	if err := a.Seed(ctx, DefaultTopology()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	return &harness{a: a, tr: tr, clock: clk, store: store, notifier: n}
}

func (h *harness) slot(t *testing.T, id string) models.ParkingSlot {
	t.Helper()
	slot, err := h.store.GetSlot(context.Background(), id)
	if err != nil {
		t.Fatalf("get slot %s: %v", id, err)
	}
	return slot
}

func (h *harness) lot(t *testing.T, id string) models.ParkingLot {
	t.Helper()
	lot, err := h.store.GetLot(context.Background(), id)
	if err != nil {
		t.Fatalf("get lot %s: %v", id, err)
	}
	return lot
}

func (h *harness) reservation(t *testing.T, id string) models.Reservation {
	t.Helper()
	res, err := h.store.GetReservation(context.Background(), id)
	if err != nil {
		t.Fatalf("get reservation %s: %v", id, err)
	}
	return res
}

// assertAvailability checks every lot's availability matches its free slots.
func (h *harness) assertAvailability(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	lots, err := h.store.ListLots(ctx)
	if err != nil {
		t.Fatalf("list lots: %v", err)
	}
	for _, lot := range lots {
		slots, err := h.store.ListSlots(ctx, lot.ID)
		if err != nil {
			t.Fatalf("list slots: %v", err)
		}
		free := 0
		for _, s := range slots {
			if s.Status == protocol.StatusFree {
				free++
			}
		}
		if lot.AvailableSlots != free || lot.TotalSlots != len(slots) {
			t.Fatalf("lot %s availability %d/%d, slots say %d/%d", lot.ID, lot.AvailableSlots, lot.TotalSlots, free, len(slots))
		}
	}
}

func report(lockID string, status protocol.LockStatus, ts time.Time) protocol.StatusReport {
	r := protocol.StatusReport{
		LockID:         lockID,
		GatewayID:      "gateway_001",
		Status:         status,
		BatteryLevel:   88,
		SignalStrength: 91,
		ArmPosition:    protocol.ArmDown,
		Timestamp:      ts,
	}
	if status != protocol.StatusFree {
		r.ArmPosition = protocol.ArmUp
	}
	if status == protocol.StatusOccupied {
		r.VehicleDetected = true
		r.ArmPosition = protocol.ArmDown
	}
	return r
}

func withReservation(r protocol.StatusReport, id string) protocol.StatusReport {
	r.Reservation = &protocol.ReservationData{ReservationID: id, PlateNumber: "AB123"}
	return r
}

func (h *harness) apply(t *testing.T, r protocol.StatusReport) string {
	t.Helper()
	outcome, err := h.a.HandleStatusReport(context.Background(), r)
	if err != nil {
		t.Fatalf("apply report: %v", err)
	}
	return outcome
}

func (h *harness) reserve(t *testing.T, slotID string) models.Reservation {
	t.Helper()
	res, err := h.a.CreateReservation(context.Background(), ReservationRequest{
		SlotID: slotID, PlateNumber: "AB123", UserName: "Ada", Duration: time.Hour,
	})
	if err != nil {
		t.Fatalf("create reservation: %v", err)
	}
	return res
}

func TestCreateReservation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	before := h.lot(t, "lot_001").AvailableSlots
	res := h.reserve(t, "slot_001")

	if res.Status != models.ReservationActive || !res.EndTime.Equal(t0.Add(time.Hour)) {
		t.Fatalf("unexpected reservation %+v", res)
	}
	if got := h.slot(t, "slot_001").Status; got != protocol.StatusReserved {
		t.Fatalf("slot status = %s", got)
	}
	if got := h.lot(t, "lot_001").AvailableSlots; got != before-1 {
		t.Fatalf("availability %d, want %d", got, before-1)
	}
	h.assertAvailability(t)

	cmd := h.tr.last(t)
	if cmd.topic != "/gateway_001/down_link" || cmd.cmd.Action != protocol.ActionReserve || cmd.cmd.LockID != "lock_gateway_001_1" {
		t.Fatalf("unexpected command %+v", cmd)
	}
	data, err := protocol.DecodeReservationData(cmd.cmd.Data)
	if err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.ReservationID != res.ID || data.PlateNumber != "AB123" || data.Duration != 60 {
		t.Fatalf("unexpected reserve data %+v", data)
	}
	if h.notifier.status.Load() == 0 {
		t.Fatal("expected a status_update event")
	}
}

func TestCreateReservationValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.a.CreateReservation(ctx, ReservationRequest{SlotID: "slot_001", PlateNumber: "  "}); !errors.Is(err, protocol.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := h.a.CreateReservation(ctx, ReservationRequest{SlotID: "slot_001", PlateNumber: "X", Duration: -time.Minute}); !errors.Is(err, protocol.ErrInvalidArgument) {
		t.Fatalf("expected invalid duration, got %v", err)
	}
	if _, err := h.a.CreateReservation(ctx, ReservationRequest{SlotID: "slot_404", PlateNumber: "X"}); !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	h.reserve(t, "slot_002")
	if _, err := h.a.CreateReservation(ctx, ReservationRequest{SlotID: "slot_002", PlateNumber: "Y"}); !errors.Is(err, protocol.ErrSlotUnavailable) {
		t.Fatalf("expected slot unavailable, got %v", err)
	}
	res, err := h.a.CreateReservation(ctx, ReservationRequest{SlotID: "slot_003", PlateNumber: "Z"})
	if err != nil {
		t.Fatalf("default duration: %v", err)
	}
	if got := res.EndTime.Sub(res.StartTime); got != DefaultReservationDuration {
		t.Fatalf("default duration = %v", got)
	}
}

func TestConcurrentReservationsOnOneSlot(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	const callers = 16
	var (
		wg          sync.WaitGroup
		start       = make(chan struct{})
		successes   atomic.Int64
		unavailable atomic.Int64
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := h.a.CreateReservation(context.Background(), ReservationRequest{
				SlotID: "slot_001", PlateNumber: fmt.Sprintf("P%02d", i),
			})
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, protocol.ErrSlotUnavailable):
				unavailable.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if successes.Load() != 1 || unavailable.Load() != callers-1 {
		t.Fatalf("successes=%d unavailable=%d", successes.Load(), unavailable.Load())
	}
	active, err := h.store.ListReservations(context.Background(), storage.ReservationQuery{
		SlotID: "slot_001", Statuses: []models.ReservationStatus{models.ReservationActive},
	})
	if err != nil || len(active) != 1 {
		t.Fatalf("expected one active reservation, got %d (%v)", len(active), err)
	}
	h.assertAvailability(t)
}

func TestArriveThenOccupiedReport(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	res := h.reserve(t, "slot_001")

	result, err := h.a.Arrive(context.Background(), res.ID)
	if err != nil {
		t.Fatalf("arrive: %v", err)
	}
	if result.Message != ArrivalMessage || result.CommandID == "" {
		t.Fatalf("unexpected arrival result %+v", result)
	}
	if cmd := h.tr.last(t); cmd.cmd.Action != protocol.ActionOpen || cmd.cmd.CommandID != result.CommandID {
		t.Fatalf("expected open command, got %+v", cmd)
	}
	if got := h.slot(t, "slot_001").Status; got != protocol.StatusReserved {
		t.Fatalf("arrive must not change canonical status, got %s", got)
	}

	if outcome := h.apply(t, report("lock_gateway_001_1", protocol.StatusOccupied, t0.Add(5*time.Second))); outcome != metrics.ReportApplied {
		t.Fatalf("outcome = %s", outcome)
	}
	slot := h.slot(t, "slot_001")
	if slot.Status != protocol.StatusOccupied || !slot.VehicleDetected {
		t.Fatalf("expected occupied, got %+v", slot)
	}
	h.assertAvailability(t)

	if _, err := h.a.Arrive(context.Background(), "missing"); !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCancelForcesSlotFree(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	res := h.reserve(t, "slot_001")
	h.apply(t, report("lock_gateway_001_1", protocol.StatusOccupied, t0.Add(time.Second)))

	cancelled, err := h.a.Cancel(context.Background(), res.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.ReservationCancelled || h.reservation(t, res.ID).Status != models.ReservationCancelled {
		t.Fatalf("reservation not cancelled: %+v", cancelled)
	}
	slot := h.slot(t, "slot_001")
	if slot.Status != protocol.StatusFree || slot.VehicleDetected || slot.ArmPosition != protocol.ArmDown {
		t.Fatalf("slot not forced free: %+v", slot)
	}
	if cmd := h.tr.last(t); cmd.cmd.Action != protocol.ActionRelease {
		t.Fatalf("expected release command, got %+v", cmd)
	}
	h.assertAvailability(t)

	if _, err := h.a.Cancel(context.Background(), res.ID); !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("second cancel: expected not found, got %v", err)
	}
	if _, err := h.a.Arrive(context.Background(), res.ID); !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("arrive on cancelled: expected not found, got %v", err)
	}
}

func TestStaleReportIsDiscarded(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.apply(t, report("lock_gateway_001_2", protocol.StatusFree, t0.Add(10*time.Second)))
	if outcome := h.apply(t, report("lock_gateway_001_2", protocol.StatusOccupied, t0.Add(5*time.Second))); outcome != metrics.ReportStale {
		t.Fatalf("expected stale, got %s", outcome)
	}
	if got := h.slot(t, "slot_002").Status; got != protocol.StatusFree {
		t.Fatalf("stale report applied: %s", got)
	}
}

func TestReportApplicationIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	r := report("lock_gateway_001_3", protocol.StatusFree, t0.Add(time.Second))
	r.BatteryLevel = 42
	h.apply(t, r)
	first := h.slot(t, "slot_003")
	readings, _ := h.a.SensorData(context.Background(), "lock_gateway_001_3", time.Hour)

	h.clock.Advance(time.Second)
	if outcome := h.apply(t, r); outcome != metrics.ReportApplied {
		t.Fatalf("duplicate outcome = %s", outcome)
	}
	if second := h.slot(t, "slot_003"); second != first {
		t.Fatalf("duplicate changed state:\n%+v\n%+v", first, second)
	}
	again, _ := h.a.SensorData(context.Background(), "lock_gateway_001_3", time.Hour)
	if len(again) != len(readings) || len(readings) != 2 {
		t.Fatalf("sensor series changed on duplicate: %d -> %d", len(readings), len(again))
	}
}

func TestRepublishIgnoredWhileReserveInFlight(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.apply(t, report("lock_gateway_001_1", protocol.StatusFree, t0))
	res := h.reserve(t, "slot_001")

	// A heartbeat re-publish of the pre-reserve state must not undo the
	// optimistic write.
	if outcome := h.apply(t, report("lock_gateway_001_1", protocol.StatusFree, t0)); outcome != metrics.ReportIgnored {
		t.Fatalf("expected ignored, got %s", outcome)
	}
	if got := h.slot(t, "slot_001").Status; got != protocol.StatusReserved {
		t.Fatalf("optimistic reserve undone: %s", got)
	}

	// The lock's confirmation carries the same timestamp on a coarse clock
	// but names the reservation, so it is applied.
	confirm := withReservation(report("lock_gateway_001_1", protocol.StatusReserved, t0), res.ID)
	if outcome := h.apply(t, confirm); outcome != metrics.ReportApplied {
		t.Fatalf("expected confirmation to apply, got %s", outcome)
	}
	if h.reservation(t, res.ID).ConfirmedAt == nil {
		t.Fatal("reservation not confirmed")
	}
}

func TestFailedAckReleasesHold(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.apply(t, report("lock_gateway_001_1", protocol.StatusFree, t0))
	res := h.reserve(t, "slot_001")
	cmd := h.tr.last(t)

	h.a.HandleAcknowledgment(context.Background(), protocol.Acknowledgment{
		CommandID: cmd.cmd.CommandID, GatewayID: "gateway_001", Success: false, Message: "actuator busy: arm is currently moving",
	})
	if h.a.PendingCommands() != 0 {
		t.Fatalf("failed ack should resolve the command, %d pending", h.a.PendingCommands())
	}
	if outcome := h.apply(t, report("lock_gateway_001_1", protocol.StatusFree, t0)); outcome != metrics.ReportApplied {
		t.Fatalf("expected device truth to apply, got %s", outcome)
	}
	if got := h.slot(t, "slot_001").Status; got != protocol.StatusFree {
		t.Fatalf("slot = %s", got)
	}
	// The reservation record is left for cancel or expiry.
	if got := h.reservation(t, res.ID).Status; got != models.ReservationActive {
		t.Fatalf("reservation = %s", got)
	}
	h.assertAvailability(t)
	if h.notifier.acks.Load() != 1 {
		t.Fatalf("expected one command_ack event, got %d", h.notifier.acks.Load())
	}
}

func TestUnmatchedAckIsLoggedAndDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.a.HandleAcknowledgment(context.Background(), protocol.Acknowledgment{CommandID: "ghost", GatewayID: "gateway_002", Success: true})
	logs, err := h.a.SystemLogs(context.Background(), 1)
	if err != nil || len(logs) != 1 {
		t.Fatalf("system logs: %v %+v", err, logs)
	}
	if logs[0].Level != models.LevelWarn || logs[0].Type != "command" {
		t.Fatalf("unexpected log entry %+v", logs[0])
	}
	if h.notifier.acks.Load() != 0 {
		t.Fatal("unmatched ack must not be forwarded")
	}
}

func TestUnresolvedCommandsAreReported(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.reserve(t, "slot_004")
	if n := h.a.ResolveTimedOutCommands(context.Background()); n != 0 {
		t.Fatalf("resolved %d commands too early", n)
	}
	h.clock.Advance(31 * time.Second)
	if n := h.a.ResolveTimedOutCommands(context.Background()); n != 1 {
		t.Fatalf("expected one unresolved command, got %d", n)
	}
	if h.a.PendingCommands() != 0 {
		t.Fatal("unresolved command still pending")
	}
	if len(h.tr.commands()) != 1 {
		t.Fatal("commands must never be resent")
	}
}

func TestConfirmedReservationClosedByLock(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		occupied bool
		want     models.ReservationStatus
	}{
		{"vehicle left", true, models.ReservationCompleted},
		{"local expiry", false, models.ReservationExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			res := h.reserve(t, "slot_001")
			h.apply(t, withReservation(report("lock_gateway_001_1", protocol.StatusReserved, t0.Add(time.Second)), res.ID))
			if tc.occupied {
				h.apply(t, withReservation(report("lock_gateway_001_1", protocol.StatusOccupied, t0.Add(2*time.Second)), res.ID))
			}
			h.apply(t, report("lock_gateway_001_1", protocol.StatusFree, t0.Add(3*time.Second)))

			if got := h.reservation(t, res.ID).Status; got != tc.want {
				t.Fatalf("reservation = %s, want %s", got, tc.want)
			}
			h.assertAvailability(t)
		})
	}
}

func TestUnconfirmedReservationSurvivesFreeReport(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	res := h.reserve(t, "slot_001")
	h.apply(t, report("lock_gateway_001_1", protocol.StatusFree, t0.Add(time.Second)))
	if got := h.reservation(t, res.ID).Status; got != models.ReservationActive {
		t.Fatalf("reservation = %s", got)
	}
	if got := h.slot(t, "slot_001").Status; got != protocol.StatusFree {
		t.Fatalf("slot should follow the report, got %s", got)
	}
	h.assertAvailability(t)
}

func TestUnknownLockReport(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	outcome, err := h.a.HandleStatusReport(context.Background(), report("lock_ghost_1", protocol.StatusOccupied, t0))
	if !errors.Is(err, protocol.ErrNotFound) || outcome != metrics.ReportUnknownLock {
		t.Fatalf("expected unknown lock, got %s %v", outcome, err)
	}
}

func TestTransportFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.tr.setFail(fmt.Errorf("%w: broker down", protocol.ErrTransport))

	res, err := h.a.CreateReservation(context.Background(), ReservationRequest{SlotID: "slot_001", PlateNumber: "AB123"})
	if err != nil {
		t.Fatalf("optimistic create must succeed without the lock: %v", err)
	}
	if got := h.slot(t, "slot_001").Status; got != protocol.StatusReserved {
		t.Fatalf("slot = %s", got)
	}
	if _, err := h.a.Arrive(context.Background(), res.ID); !errors.Is(err, protocol.ErrTransport) {
		t.Fatalf("expected transport error from arrive, got %v", err)
	}
	logs, _ := h.a.SystemLogs(context.Background(), 10)
	sawError := false
	for _, e := range logs {
		if e.Level == models.LevelError {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("expected an error system log entry")
	}
}

func TestMalformedInboundMessagesAreDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.tr.mu.Lock()
	handlers := h.tr.handlers
	h.tr.mu.Unlock()
	for _, filter := range []string{protocol.FilterUpLink, protocol.FilterDownLinkAck, protocol.FilterHeartbeat} {
		handlers[filter]("/gateway_001/x", []byte("{nope"))
	}
	logs, _ := h.a.SystemLogs(context.Background(), 10)
	if len(logs) != 3 {
		t.Fatalf("expected three warnings, got %d", len(logs))
	}

	hb, _ := json.Marshal(protocol.Heartbeat{GatewayID: "gateway_001", Status: "online", LocksCount: 3, Locks: []string{"a", "b", "c"}, Timestamp: t0})
	handlers[protocol.FilterHeartbeat]("/gateway_001/heartbeat", hb)
	gws := h.a.Gateways()
	if len(gws) != 1 || gws[0].ID != "gateway_001" || gws[0].LocksCount != 3 {
		t.Fatalf("unexpected gateway registry %+v", gws)
	}
}

func TestQueries(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	first := h.reserve(t, "slot_001")
	second := h.reserve(t, "slot_004")
	h.apply(t, report("lock_gateway_001_2", protocol.StatusOccupied, t0.Add(time.Second)))
	if _, err := h.a.Cancel(ctx, second.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	stats, err := h.a.DashboardStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := models.DashboardStats{TotalSlots: 6, AvailableSlots: 4, OccupiedSlots: 1, ReservedSlots: 1, ActiveReservations: 1}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}

	slots, err := h.a.ListSlots(ctx, "lot_001")
	if err != nil || len(slots) != 3 {
		t.Fatalf("list slots: %v %d", err, len(slots))
	}
	if slots[0].LotName != "Downtown Parking" || slots[0].ReservationID != first.ID || slots[0].PlateNumber != "AB123" || slots[0].EndTime == nil {
		t.Fatalf("slot view not enriched: %+v", slots[0])
	}

	all, _ := h.a.ListReservations(ctx, FilterAll)
	active, _ := h.a.ListReservations(ctx, FilterActive)
	if len(all) != 2 || len(active) != 1 || active[0].ID != first.ID || active[0].LotName != "Downtown Parking" {
		t.Fatalf("listing: all=%d active=%+v", len(all), active)
	}
	expired, _ := h.a.ListReservations(ctx, FilterExpired)
	if len(expired) != 0 {
		t.Fatalf("nothing expired yet, got %d", len(expired))
	}
	h.clock.Advance(2 * time.Hour)
	expired, _ = h.a.ListReservations(ctx, FilterExpired)
	if len(expired) != 1 || expired[0].ID != first.ID {
		t.Fatalf("active past end should list as expired, got %+v", expired)
	}
	if _, err := h.a.ListReservations(ctx, "bogus"); !errors.Is(err, protocol.ErrInvalidArgument) {
		t.Fatalf("expected invalid filter, got %v", err)
	}

	lots, err := h.a.ListLots(ctx)
	if err != nil || len(lots) != 2 || lots[1].Name != "Mall Parking" {
		t.Fatalf("lots: %v %+v", err, lots)
	}
}

func TestTopologyValidation(t *testing.T) {
	t.Parallel()

	bad := Topology{Lots: []LotSpec{
		{ID: "a", Gateways: []GatewaySpec{{ID: "g", Locks: 1}}},
		{ID: "b", Gateways: []GatewaySpec{{ID: "g", Locks: 1}}},
	}}
	if err := bad.Validate(); !errors.Is(err, protocol.ErrInvalidArgument) {
		t.Fatalf("expected duplicate gateway error, got %v", err)
	}
	slots := DefaultTopology().Slots()
	if len(slots) != 6 || slots[3].ID != "slot_004" || slots[3].LockID != "lock_gateway_002_1" || slots[3].LotID != "lot_002" {
		t.Fatalf("unexpected slots %+v", slots)
	}
}

var errDiskFull = errors.New("disk full")

// failingStore fails the next paired reservation/slot write the way a
// rolled-back transaction would: with nothing written.
type failingStore struct {
	*storage.MemoryStore
	failNext atomic.Bool
}

func (s *failingStore) ReserveSlot(ctx context.Context, r models.Reservation, slot models.ParkingSlot) error {
	if s.failNext.CompareAndSwap(true, false) {
		return errDiskFull
	}
	return s.MemoryStore.ReserveSlot(ctx, r, slot)
}

func (s *failingStore) CloseReservation(ctx context.Context, r models.Reservation, slot models.ParkingSlot) error {
	if s.failNext.CompareAndSwap(true, false) {
		return errDiskFull
	}
	return s.MemoryStore.CloseReservation(ctx, r, slot)
}

func (h *harness) activeOn(t *testing.T, slotID string) []models.Reservation {
	t.Helper()
	list, err := h.store.ListReservations(context.Background(), storage.ReservationQuery{
		SlotID:   slotID,
		Statuses: []models.ReservationStatus{models.ReservationActive},
	})
	if err != nil {
		t.Fatalf("list reservations: %v", err)
	}
	return list
}

func TestFailedReservationWriteLeavesNoPartialState(t *testing.T) {
	t.Parallel()

	store := &failingStore{MemoryStore: storage.NewMemoryStore(storage.Options{})}
	h := newHarnessWithStore(t, store)
	ctx := context.Background()
	req := ReservationRequest{SlotID: "slot_001", PlateNumber: "AB123", Duration: time.Hour}

	store.failNext.Store(true)
	if _, err := h.a.CreateReservation(ctx, req); !errors.Is(err, errDiskFull) {
		t.Fatalf("expected disk full, got %v", err)
	}
	if got := h.slot(t, "slot_001").Status; got != protocol.StatusFree {
		t.Fatalf("slot status = %s after failed create", got)
	}
	if n := len(h.activeOn(t, "slot_001")); n != 0 {
		t.Fatalf("failed create left %d active reservations", n)
	}
	if n := len(h.tr.commands()); n != 0 {
		t.Fatalf("failed create dispatched %d commands", n)
	}
	h.assertAvailability(t)

	res, err := h.a.CreateReservation(ctx, req)
	if err != nil {
		t.Fatalf("retry create: %v", err)
	}

	store.failNext.Store(true)
	if _, err := h.a.Cancel(ctx, res.ID); !errors.Is(err, errDiskFull) {
		t.Fatalf("expected disk full, got %v", err)
	}
	if got := h.reservation(t, res.ID).Status; got != models.ReservationActive {
		t.Fatalf("reservation status = %s after failed cancel", got)
	}
	if got := h.slot(t, "slot_001").Status; got != protocol.StatusReserved {
		t.Fatalf("slot status = %s after failed cancel", got)
	}

	if _, err := h.a.Cancel(ctx, res.ID); err != nil {
		t.Fatalf("retry cancel: %v", err)
	}
	if got := h.slot(t, "slot_001").Status; got != protocol.StatusFree {
		t.Fatalf("slot status = %s after cancel", got)
	}
	h.assertAvailability(t)
}

func TestUnknownSlotAllocatesNoMutex(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	for i := 0; i < 5; i++ {
		_, err := h.a.CreateReservation(context.Background(), ReservationRequest{
			SlotID: fmt.Sprintf("slot_9%02d", i), PlateNumber: "AB123",
		})
		if !errors.Is(err, protocol.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	}
	h.a.slotMu.Lock()
	defer h.a.slotMu.Unlock()
	for id := range h.a.slotLocks {
		if strings.HasPrefix(id, "slot_9") {
			t.Fatalf("mutex allocated for unknown slot %s", id)
		}
	}
}
