package websocket

import (
	"github.com/parking-lock-sync/backend/internal/clock"
	"github.com/parking-lock-sync/backend/internal/protocol"
	"github.com/parking-lock-sync/backend/internal/storage/models"
)

// EventBroadcaster turns authority events into WebSocket messages.
type EventBroadcaster struct {
	hub   *Hub
	clock clock.Clock
}

// NewEventBroadcaster creates a new event broadcaster.
func NewEventBroadcaster(hub *Hub, clk clock.Clock) *EventBroadcaster {
	return &EventBroadcaster{hub: hub, clock: clock.Ensure(clk)}
}

// StatusUpdate sends the full snapshot of a slot whose canonical state changed.
func (b *EventBroadcaster) StatusUpdate(slot models.SlotView) {
	b.broadcast(TypeStatusUpdate, slot)
}

// CommandAck forwards a gateway acknowledgment.
func (b *EventBroadcaster) CommandAck(ack protocol.Acknowledgment) {
	b.broadcast(TypeCommandAck, ack)
}

// SystemLog sends a newly appended system log entry.
func (b *EventBroadcaster) SystemLog(entry models.SystemLogEntry) {
	b.broadcast(TypeSystemLog, entry)
}

// Heartbeat sends the refreshed registry entry of a gateway.
func (b *EventBroadcaster) Heartbeat(info models.GatewayInfo) {
	b.broadcast(TypeHeartbeat, info)
}

func (b *EventBroadcaster) broadcast(t MessageType, payload any) {
	data, err := NewMessage(t, payload, b.clock.Now()).JSON()
	if err != nil {
		b.hub.logger.Error("websocket.encode_failed", "type", t, "error", err)
		return
	}
	b.hub.Broadcast(data)
}
