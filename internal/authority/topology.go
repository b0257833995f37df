package authority

import (
	"context"
	"fmt"

	"github.com/parking-lock-sync/backend/internal/protocol"
	"github.com/parking-lock-sync/backend/internal/storage/models"
)

// Topology describes lots, the gateways serving them and how many locks
// each gateway carries.
type Topology struct {
	Lots []LotSpec `mapstructure:"lots" json:"lots"`
}

// LotSpec is one lot in a Topology.
type LotSpec struct {
	ID        string        `mapstructure:"id" json:"id"`
	Name      string        `mapstructure:"name" json:"name"`
	Address   string        `mapstructure:"address" json:"address"`
	Latitude  float64       `mapstructure:"latitude" json:"latitude"`
	Longitude float64       `mapstructure:"longitude" json:"longitude"`
	Gateways  []GatewaySpec `mapstructure:"gateways" json:"gateways"`
}

// GatewaySpec is one gateway in a LotSpec.
type GatewaySpec struct {
	ID    string `mapstructure:"id" json:"id"`
	Locks int    `mapstructure:"locks" json:"locks"`
}

// DefaultTopology is two lots, each served by one gateway with three locks.
func DefaultTopology() Topology {
	return Topology{Lots: []LotSpec{
		{
			ID: "lot_001", Name: "Downtown Parking", Address: "123 Main St",
			Latitude: 40.7128, Longitude: -74.0060,
			Gateways: []GatewaySpec{{ID: "gateway_001", Locks: 3}},
		},
		{
			ID: "lot_002", Name: "Mall Parking", Address: "456 Shopping Ave",
			Latitude: 40.7589, Longitude: -73.9851,
			Gateways: []GatewaySpec{{ID: "gateway_002", Locks: 3}},
		},
	}}
}

// Validate checks ids are present and unique.
func (t Topology) Validate() error {
	seen := make(map[string]bool)
	for _, lot := range t.Lots {
		if lot.ID == "" {
			return fmt.Errorf("%w: topology lot without id", protocol.ErrInvalidArgument)
		}
		if seen["lot:"+lot.ID] {
			return fmt.Errorf("%w: duplicate lot %s", protocol.ErrInvalidArgument, lot.ID)
		}
		seen["lot:"+lot.ID] = true
		for _, gw := range lot.Gateways {
			if gw.ID == "" || gw.Locks <= 0 {
				return fmt.Errorf("%w: lot %s has an invalid gateway", protocol.ErrInvalidArgument, lot.ID)
			}
			if seen["gw:"+gw.ID] {
				return fmt.Errorf("%w: duplicate gateway %s", protocol.ErrInvalidArgument, gw.ID)
			}
			seen["gw:"+gw.ID] = true
		}
	}
	return nil
}

// Slots expands the topology into slot records. Slot ids are numbered
// across the whole topology (slot_001, slot_002, ...).
func (t Topology) Slots() []models.ParkingSlot {
	var slots []models.ParkingSlot
	n := 0
	for _, lot := range t.Lots {
		for _, gw := range lot.Gateways {
			for i := 1; i <= gw.Locks; i++ {
				n++
				slots = append(slots, models.ParkingSlot{
					ID:             fmt.Sprintf("slot_%03d", n),
					LotID:          lot.ID,
					LockID:         protocol.LockID(gw.ID, i),
					GatewayID:      gw.ID,
					Status:         protocol.StatusFree,
					ArmPosition:    protocol.ArmDown,
					BatteryLevel:   100,
					SignalStrength: 100,
				})
			}
		}
	}
	return slots
}

// Seed writes the topology's lots and slots and recounts availability.
// Existing slots keep their live state.
func (a *Authority) Seed(ctx context.Context, t Topology) error {
	if err := t.Validate(); err != nil {
		return err
	}
	now := a.clock.Now()
	for _, lot := range t.Lots {
		if err := a.store.UpsertLot(ctx, models.ParkingLot{
			ID: lot.ID, Name: lot.Name, Address: lot.Address,
			Latitude: lot.Latitude, Longitude: lot.Longitude, CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("seeding lot %s: %w", lot.ID, err)
		}
	}
	for _, slot := range t.Slots() {
		slot.LastUpdate = now
		if err := a.store.UpsertSlot(ctx, slot); err != nil {
			return fmt.Errorf("seeding slot %s: %w", slot.ID, err)
		}
	}
	for _, lot := range t.Lots {
		a.recount(ctx, lot.ID)
	}
	a.logger.Info("authority.seeded", "lots", len(t.Lots))
	return nil
}
