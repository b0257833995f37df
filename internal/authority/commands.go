package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parking-lock-sync/backend/internal/protocol"
	"github.com/parking-lock-sync/backend/internal/storage/models"
)

// pendingCommand tracks a dispatched command until it is acknowledged or
// times out. Commands backing an optimistic canonical write also hold the
// slot's equal-timestamp reports off until the device confirms the change.
type pendingCommand struct {
	cmd       protocol.Command
	slotID    string
	gatewayID string
	sentAt    time.Time
	// confirms reports whether a status report reflects this command's
	// effect. Nil for commands without an optimistic write.
	confirms   func(protocol.StatusReport) bool
	acked      bool
	superseded bool
}

// holdsSlot reports whether the command still shields the optimistic
// canonical state from re-published device state.
func (p *pendingCommand) holdsSlot() bool {
	return p.confirms != nil && !p.superseded
}

// dispatch publishes a command to the slot's gateway. The caller holds the
// slot lock so commands for one slot leave in mutation order.
func (a *Authority) dispatch(ctx context.Context, slot models.ParkingSlot, action protocol.Action, data any, confirms func(protocol.StatusReport) bool) (string, error) {
	cmd := protocol.Command{
		CommandID: a.newID(),
		LockID:    slot.LockID,
		Action:    action,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return "", fmt.Errorf("encoding %s data: %w", action, err)
		}
		cmd.Data = raw
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("encoding %s command: %w", action, err)
	}

	a.pendingMu.Lock()
	a.pending[cmd.CommandID] = &pendingCommand{
		cmd:       cmd,
		slotID:    slot.ID,
		gatewayID: slot.GatewayID,
		sentAt:    a.clock.Now(),
		confirms:  confirms,
	}
	a.pendingMu.Unlock()

	pubCtx, cancel := context.WithTimeout(ctx, a.publishTimeout)
	defer cancel()
	if err := a.transport.Publish(pubCtx, protocol.Topics(slot.GatewayID).DownLink, payload); err != nil {
		a.pendingMu.Lock()
		delete(a.pending, cmd.CommandID)
		a.pendingMu.Unlock()
		a.logger.Warn("authority.command.send_failed", "command_id", cmd.CommandID, "lock_id", slot.LockID, "action", action, "error", err)
		a.systemLog(ctx, "command", models.LevelError, "Failed to send %s command to %s: %v", action, slot.LockID, err)
		return "", fmt.Errorf("sending %s to %s: %w", action, slot.LockID, err)
	}

	a.metrics.CommandDispatched(string(action))
	a.logger.Info("authority.command.sent", "command_id", cmd.CommandID, "lock_id", slot.LockID, "gateway_id", slot.GatewayID, "action", action)
	return cmd.CommandID, nil
}

// SendStatusRequest asks the lock bound to slotID to re-publish its status.
func (a *Authority) SendStatusRequest(ctx context.Context, slotID string) (string, error) {
	slot, err := a.store.GetSlot(ctx, slotID)
	if err != nil {
		return "", err
	}
	return a.dispatch(ctx, slot, protocol.ActionStatus, nil, nil)
}

// slotAwaiting reports whether an optimistic write on slotID is still
// waiting for device confirmation.
func (a *Authority) slotAwaiting(slotID string) bool {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	for _, p := range a.pending {
		if p.slotID == slotID && p.holdsSlot() {
			return true
		}
	}
	return false
}

// confirmedBy reports whether report confirms a command holding slotID.
func (a *Authority) confirmedBy(slotID string, report protocol.StatusReport) bool {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	for _, p := range a.pending {
		if p.slotID == slotID && p.holdsSlot() && p.confirms(report) {
			return true
		}
	}
	return false
}

// supersede releases every hold on slotID once newer device state has been
// applied. Acknowledged commands are resolved and dropped.
func (a *Authority) supersede(slotID string) {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	for id, p := range a.pending {
		if p.slotID != slotID {
			continue
		}
		p.superseded = true
		if p.acked {
			delete(a.pending, id)
		}
	}
}

func (a *Authority) onAck(topic string, payload []byte) {
	ctx := a.baseContext()
	ack, err := protocol.DecodeAcknowledgment(payload)
	if err != nil {
		a.metrics.Malformed(protocol.KindDownLinkAck)
		a.logger.Warn("authority.ack.malformed", "topic", topic, "error", err)
		a.systemLog(ctx, "protocol", models.LevelWarn, "Dropped malformed acknowledgment on %s", topic)
		return
	}
	a.HandleAcknowledgment(ctx, ack)
}

// HandleAcknowledgment correlates ack with its command. Unknown command ids
// are logged and discarded.
func (a *Authority) HandleAcknowledgment(ctx context.Context, ack protocol.Acknowledgment) {
	a.pendingMu.Lock()
	p, ok := a.pending[ack.CommandID]
	if ok {
		switch {
		case !ack.Success, p.superseded, p.confirms == nil:
			delete(a.pending, ack.CommandID)
		default:
			p.acked = true
		}
	}
	a.pendingMu.Unlock()

	if !ok {
		a.metrics.AckUnmatched()
		a.logger.Warn("authority.ack.unmatched", "command_id", ack.CommandID, "gateway_id", ack.GatewayID)
		a.systemLog(ctx, "command", models.LevelWarn, "Unmatched acknowledgment %s from %s", ack.CommandID, ack.GatewayID)
		return
	}

	a.metrics.Acknowledged(ack.Success)
	logger := a.logger.With("command_id", ack.CommandID, "lock_id", p.cmd.LockID, "action", p.cmd.Action)
	if ack.Success {
		logger.Info("authority.ack.success", "message", ack.Message)
		a.systemLog(ctx, "command", models.LevelInfo, "%s on %s: %s", p.cmd.Action, p.cmd.LockID, ack.Message)
	} else {
		logger.Warn("authority.ack.failure", "message", ack.Message)
		a.systemLog(ctx, "command", models.LevelWarn, "%s on %s failed: %s", p.cmd.Action, p.cmd.LockID, ack.Message)
	}
	a.notifier.CommandAck(ack)
}

// ResolveTimedOutCommands drops commands that stayed unacknowledged past
// the acknowledgment window and returns how many were reported. Commands
// are never resent.
func (a *Authority) ResolveTimedOutCommands(ctx context.Context) int {
	now := a.clock.Now()
	var expired []*pendingCommand
	a.pendingMu.Lock()
	for id, p := range a.pending {
		if now.Sub(p.sentAt) <= a.ackTimeout {
			continue
		}
		delete(a.pending, id)
		if !p.acked {
			expired = append(expired, p)
		}
	}
	a.pendingMu.Unlock()

	for _, p := range expired {
		a.metrics.CommandUnresolved()
		a.logger.Warn("authority.command.unresolved", "command_id", p.cmd.CommandID, "lock_id", p.cmd.LockID, "action", p.cmd.Action, "sent_at", p.sentAt)
		a.systemLog(ctx, "command", models.LevelWarn, "No acknowledgment for %s on %s after %s", p.cmd.Action, p.cmd.LockID, a.ackTimeout)
	}
	return len(expired)
}

// PendingCommands returns the number of commands awaiting resolution.
func (a *Authority) PendingCommands() int {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	return len(a.pending)
}
