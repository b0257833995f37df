// Package gateway binds a fixed set of simulated locks to a gateway topic
// namespace: it executes inbound commands, acknowledges each exactly once,
// publishes status snapshots and emits periodic heartbeats.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/parking-lock-sync/backend/internal/clock"
	"github.com/parking-lock-sync/backend/internal/lock"
	"github.com/parking-lock-sync/backend/internal/logging"
	"github.com/parking-lock-sync/backend/internal/protocol"
	"github.com/parking-lock-sync/backend/internal/transport"
	"pkt.systems/pslog"
)

// Options configures a Gateway.
type Options struct {
	Clock             clock.Clock
	Logger            pslog.Logger
	HeartbeatInterval time.Duration
	PublishTimeout    time.Duration
}

// Gateway owns a set of locks and speaks the device side of the protocol.
type Gateway struct {
	id        string
	topics    protocol.TopicSet
	transport transport.Transport
	clock     clock.Clock
	logger    pslog.Logger
	interval  time.Duration
	timeout   time.Duration

	locks map[string]*lock.Lock
	order []string

	mu        sync.Mutex
	ctx       context.Context
	running   bool
	startedAt time.Time
	heartbeat clock.Timer
}

// New binds locks to gateway id over t.
func New(id string, t transport.Transport, locks []*lock.Lock, opts Options) *Gateway {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	g := &Gateway{
		id:        id,
		topics:    protocol.Topics(id),
		transport: t,
		clock:     clock.Ensure(opts.Clock),
		logger:    logging.Subsystem(opts.Logger, "gateway").With("gateway_id", id),
		interval:  opts.HeartbeatInterval,
		timeout:   opts.PublishTimeout,
		locks:     make(map[string]*lock.Lock, len(locks)),
		ctx:       context.Background(),
	}
	for _, l := range locks {
		g.locks[l.ID()] = l
		g.order = append(g.order, l.ID())
	}
	return g
}

// SpawnLocks creates count locks for gatewayID using the conventional ids.
// When opts.Rand is set each lock gets its own source seeded from it.
func SpawnLocks(gatewayID string, count int, opts lock.Options) []*lock.Lock {
	locks := make([]*lock.Lock, 0, count)
	seed := opts.Rand
	for i := 1; i <= count; i++ {
		if seed != nil {
			opts.Rand = rand.New(rand.NewPCG(seed.Uint64(), seed.Uint64()))
		}
		locks = append(locks, lock.New(protocol.LockID(gatewayID, i), gatewayID, opts))
	}
	return locks
}

// ID returns the gateway identifier.
func (g *Gateway) ID() string { return g.id }

// Topics returns the gateway's topic namespace.
func (g *Gateway) Topics() protocol.TopicSet { return g.topics }

// LockIDs returns the bound lock identifiers in binding order.
func (g *Gateway) LockIDs() []string {
	return append([]string(nil), g.order...)
}

// Lock returns the bound lock with the given id.
func (g *Gateway) Lock(id string) (*lock.Lock, bool) {
	l, ok := g.locks[id]
	return l, ok
}

// Start subscribes to the command topic, starts every lock, publishes the
// initial status of each and schedules heartbeats.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return nil
	}
	g.ctx = ctx
	g.running = true
	g.startedAt = g.clock.Now()
	g.mu.Unlock()

	if err := g.transport.Subscribe(g.topics.DownLink, g.handleCommand); err != nil {
		g.mu.Lock()
		g.running = false
		g.mu.Unlock()
		return fmt.Errorf("gateway %s: subscribe: %w", g.id, err)
	}
	for _, id := range g.order {
		l := g.locks[id]
		l.OnChange(g.publishStatus)
		l.Start()
		g.publishStatus(l.Status())
	}

	g.mu.Lock()
	g.heartbeat = g.clock.AfterFunc(g.interval, g.heartbeatTick)
	g.mu.Unlock()
	g.logger.Info("gateway.started", "locks", len(g.order), "down_link", g.topics.DownLink)
	return nil
}

// Stop cancels heartbeats and stops every lock's simulation. Inbound
// commands already queued are still acknowledged.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	if g.heartbeat != nil {
		g.heartbeat.Stop()
		g.heartbeat = nil
	}
	g.mu.Unlock()
	for _, id := range g.order {
		g.locks[id].Stop()
	}
	g.logger.Info("gateway.stopped")
}

func (g *Gateway) heartbeatTick() {
	g.mu.Lock()
	running := g.running
	g.mu.Unlock()
	if !running {
		return
	}
	g.SendHeartbeat()
	g.mu.Lock()
	if g.running {
		g.heartbeat = g.clock.AfterFunc(g.interval, g.heartbeatTick)
	}
	g.mu.Unlock()
}

// SendHeartbeat publishes the liveness record and re-publishes every bound
// lock's status.
func (g *Gateway) SendHeartbeat() {
	g.mu.Lock()
	started := g.startedAt
	g.mu.Unlock()
	now := g.clock.Now()
	hb := protocol.Heartbeat{
		GatewayID:  g.id,
		Status:     "online",
		LocksCount: len(g.order),
		Locks:      g.LockIDs(),
		Timestamp:  now,
		Uptime:     now.Sub(started).Seconds(),
	}
	g.publish(g.topics.Heartbeat, hb)
	for _, id := range g.order {
		g.publishStatus(g.locks[id].Status())
	}
}

func (g *Gateway) handleCommand(_ string, payload []byte) {
	cmd, err := protocol.DecodeCommand(payload)
	if err != nil {
		g.logger.Warn("gateway.command.malformed", "error", err)
		return
	}
	logger := g.logger.With("command_id", cmd.CommandID, "lock_id", cmd.LockID, "action", cmd.Action)

	l, ok := g.locks[cmd.LockID]
	if !ok {
		logger.Warn("gateway.command.unknown_lock")
		g.acknowledge(cmd, false, "Lock not found")
		return
	}

	msg, err := l.Execute(cmd.Action, cmd.Data)
	if err != nil {
		logger.Warn("gateway.command.failed", "error", err)
		g.acknowledge(cmd, false, err.Error())
		return
	}
	if cmd.Action == protocol.ActionStatus {
		g.publishStatus(l.Status())
	}
	logger.Info("gateway.command.executed", "message", msg)
	g.acknowledge(cmd, true, msg)
}

func (g *Gateway) acknowledge(cmd protocol.Command, success bool, message string) {
	g.publish(g.topics.DownLinkAck, protocol.Acknowledgment{
		CommandID: cmd.CommandID,
		GatewayID: g.id,
		Success:   success,
		Message:   message,
		Timestamp: g.clock.Now(),
	})
}

func (g *Gateway) publishStatus(report protocol.StatusReport) {
	g.publish(g.topics.UpLink, report)
}

func (g *Gateway) publish(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		g.logger.Error("gateway.publish.encode", "topic", topic, "error", err)
		return
	}
	g.mu.Lock()
	base := g.ctx
	g.mu.Unlock()
	ctx, cancel := context.WithTimeout(base, g.timeout)
	defer cancel()
	if err := g.transport.Publish(ctx, topic, payload); err != nil {
		g.logger.Warn("gateway.publish.failed", "topic", topic, "error", err)
	}
}
