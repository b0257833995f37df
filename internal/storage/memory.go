package storage

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/parking-lock-sync/backend/internal/protocol"
	"github.com/parking-lock-sync/backend/internal/storage/models"
)

// MemoryStore keeps every record in process memory.
type MemoryStore struct {
	opts Options

	mu           sync.RWMutex
	lots         map[string]models.ParkingLot
	slots        map[string]models.ParkingSlot
	reservations map[string]models.Reservation
	sensors      []models.SensorReading
	logs         []models.SystemLogEntry
	sensorSeq    int64
	logSeq       int64
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:         opts.withDefaults(),
		lots:         make(map[string]models.ParkingLot),
		slots:        make(map[string]models.ParkingSlot),
		reservations: make(map[string]models.Reservation),
	}
}

func (s *MemoryStore) UpsertLot(_ context.Context, lot models.ParkingLot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.lots[lot.ID]; ok {
		existing.Name = lot.Name
		existing.Address = lot.Address
		existing.Latitude = lot.Latitude
		existing.Longitude = lot.Longitude
		lot = existing
	}
	s.lots[lot.ID] = lot
	return nil
}

func (s *MemoryStore) GetLot(_ context.Context, id string) (models.ParkingLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lot, ok := s.lots[id]
	if !ok {
		return models.ParkingLot{}, fmt.Errorf("lot %s: %w", id, protocol.ErrNotFound)
	}
	return lot, nil
}

func (s *MemoryStore) ListLots(_ context.Context) ([]models.ParkingLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ParkingLot, 0, len(s.lots))
	for _, lot := range s.lots {
		out = append(out, lot)
	}
	slices.SortFunc(out, func(a, b models.ParkingLot) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *MemoryStore) RecountLot(_ context.Context, lotID string) (models.ParkingLot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lot, ok := s.lots[lotID]
	if !ok {
		return models.ParkingLot{}, fmt.Errorf("lot %s: %w", lotID, protocol.ErrNotFound)
	}
	total, free := 0, 0
	for _, slot := range s.slots {
		if slot.LotID != lotID {
			continue
		}
		total++
		if slot.Status == protocol.StatusFree {
			free++
		}
	}
	lot.TotalSlots = total
	lot.AvailableSlots = free
	s.lots[lotID] = lot
	return lot, nil
}

func (s *MemoryStore) UpsertSlot(_ context.Context, slot models.ParkingSlot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, other := range s.slots {
		if id != slot.ID && other.LockID == slot.LockID {
			return fmt.Errorf("%w: lock %s already bound to slot %s", protocol.ErrInvalidArgument, slot.LockID, id)
		}
	}
	if existing, ok := s.slots[slot.ID]; ok {
		existing.LotID = slot.LotID
		existing.LockID = slot.LockID
		existing.GatewayID = slot.GatewayID
		slot = existing
	}
	s.slots[slot.ID] = slot
	return nil
}

func (s *MemoryStore) GetSlot(_ context.Context, id string) (models.ParkingSlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.slots[id]
	if !ok {
		return models.ParkingSlot{}, fmt.Errorf("slot %s: %w", id, protocol.ErrNotFound)
	}
	return slot, nil
}

func (s *MemoryStore) GetSlotByLock(_ context.Context, lockID string) (models.ParkingSlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, slot := range s.slots {
		if slot.LockID == lockID {
			return slot, nil
		}
	}
	return models.ParkingSlot{}, fmt.Errorf("lock %s: %w", lockID, protocol.ErrNotFound)
}

func (s *MemoryStore) ListSlots(_ context.Context, lotID string) ([]models.ParkingSlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ParkingSlot, 0, len(s.slots))
	for _, slot := range s.slots {
		if lotID == "" || slot.LotID == lotID {
			out = append(out, slot)
		}
	}
	slices.SortFunc(out, func(a, b models.ParkingSlot) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *MemoryStore) UpdateSlot(_ context.Context, slot models.ParkingSlot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[slot.ID]; !ok {
		return fmt.Errorf("slot %s: %w", slot.ID, protocol.ErrNotFound)
	}
	s.slots[slot.ID] = slot
	return nil
}

func (s *MemoryStore) CreateReservation(_ context.Context, r models.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reservations[r.ID]; ok {
		return fmt.Errorf("%w: reservation %s already exists", protocol.ErrInvalidArgument, r.ID)
	}
	s.reservations[r.ID] = cloneReservation(r)
	return nil
}

func (s *MemoryStore) GetReservation(_ context.Context, id string) (models.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[id]
	if !ok {
		return models.Reservation{}, fmt.Errorf("reservation %s: %w", id, protocol.ErrNotFound)
	}
	return cloneReservation(r), nil
}

func (s *MemoryStore) UpdateReservation(_ context.Context, r models.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reservations[r.ID]; !ok {
		return fmt.Errorf("reservation %s: %w", r.ID, protocol.ErrNotFound)
	}
	s.reservations[r.ID] = cloneReservation(r)
	return nil
}

func (s *MemoryStore) ReserveSlot(_ context.Context, r models.Reservation, slot models.ParkingSlot) error {
	if err := pairCheck(r, slot); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[slot.ID]; !ok {
		return fmt.Errorf("slot %s: %w", slot.ID, protocol.ErrNotFound)
	}
	if _, ok := s.reservations[r.ID]; ok {
		return fmt.Errorf("%w: reservation %s already exists", protocol.ErrInvalidArgument, r.ID)
	}
	if r.IsActive() {
		for id, other := range s.reservations {
			if other.SlotID == r.SlotID && other.IsActive() {
				return fmt.Errorf("%w: slot %s is held by reservation %s", protocol.ErrSlotUnavailable, r.SlotID, id)
			}
		}
	}
	s.slots[slot.ID] = slot
	s.reservations[r.ID] = cloneReservation(r)
	return nil
}

func (s *MemoryStore) CloseReservation(_ context.Context, r models.Reservation, slot models.ParkingSlot) error {
	if err := pairCheck(r, slot); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[slot.ID]; !ok {
		return fmt.Errorf("slot %s: %w", slot.ID, protocol.ErrNotFound)
	}
	if _, ok := s.reservations[r.ID]; !ok {
		return fmt.Errorf("reservation %s: %w", r.ID, protocol.ErrNotFound)
	}
	s.slots[slot.ID] = slot
	s.reservations[r.ID] = cloneReservation(r)
	return nil
}

func (s *MemoryStore) ListReservations(_ context.Context, q ReservationQuery) ([]models.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Reservation
	for _, r := range s.reservations {
		if q.matches(&r) {
			out = append(out, cloneReservation(r))
		}
	}
	slices.SortFunc(out, func(a, b models.Reservation) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return out, nil
}

func (s *MemoryStore) AppendSensorReadings(_ context.Context, readings ...models.SensorReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range readings {
		s.sensorSeq++
		r.ID = s.sensorSeq
		s.sensors = append(s.sensors, r)
	}
	if over := len(s.sensors) - s.opts.SensorCap; over > 0 {
		s.sensors = append([]models.SensorReading(nil), s.sensors[over:]...)
	}
	return nil
}

func (s *MemoryStore) ListSensorReadings(_ context.Context, lockID string, since time.Time) ([]models.SensorReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.SensorReading
	for i := len(s.sensors) - 1; i >= 0; i-- {
		r := s.sensors[i]
		if lockID != "" && r.LockID != lockID {
			continue
		}
		if r.Timestamp.Before(since) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *MemoryStore) AppendSystemLog(_ context.Context, e models.SystemLogEntry) (models.SystemLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logSeq++
	e.ID = s.logSeq
	s.logs = append([]models.SystemLogEntry{e}, s.logs...)
	if len(s.logs) > s.opts.LogCap {
		s.logs = s.logs[:s.opts.LogCap]
	}
	return e, nil
}

func (s *MemoryStore) ListSystemLogs(_ context.Context, limit int) ([]models.SystemLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.logs)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]models.SystemLogEntry(nil), s.logs[:n]...), nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneReservation(r models.Reservation) models.Reservation {
	if r.ConfirmedAt != nil {
		t := *r.ConfirmedAt
		r.ConfirmedAt = &t
	}
	return r
}

var _ Store = (*MemoryStore)(nil)
