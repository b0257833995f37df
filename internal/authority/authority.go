// Package authority owns the canonical lot, slot and reservation state. It
// applies the reservation lifecycle, issues commands to gateways and
// reconciles the canonical view with the status reports locks publish.
package authority

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parking-lock-sync/backend/internal/clock"
	"github.com/parking-lock-sync/backend/internal/logging"
	"github.com/parking-lock-sync/backend/internal/metrics"
	"github.com/parking-lock-sync/backend/internal/protocol"
	"github.com/parking-lock-sync/backend/internal/storage"
	"github.com/parking-lock-sync/backend/internal/storage/models"
	"github.com/parking-lock-sync/backend/internal/transport"
	"pkt.systems/pslog"
)

// Notifier receives the events the authority emits for live dashboards.
// Implementations must not block.
type Notifier interface {
	StatusUpdate(slot models.SlotView)
	CommandAck(ack protocol.Acknowledgment)
	SystemLog(entry models.SystemLogEntry)
	Heartbeat(info models.GatewayInfo)
}

type nopNotifier struct{}

func (nopNotifier) StatusUpdate(models.SlotView)       {}
func (nopNotifier) CommandAck(protocol.Acknowledgment) {}
func (nopNotifier) SystemLog(models.SystemLogEntry)    {}
func (nopNotifier) Heartbeat(models.GatewayInfo)       {}

// Options configures an Authority. Store and Transport are required.
type Options struct {
	Store     storage.Store
	Transport transport.Transport
	Clock     clock.Clock
	Logger    pslog.Logger
	Metrics   *metrics.Metrics
	Notifier  Notifier
	// AckTimeout is how long a command may stay unacknowledged before the
	// sweeper reports it unresolved (30s).
	AckTimeout time.Duration
	// PublishTimeout bounds a single command publish (5s).
	PublishTimeout time.Duration
	// NewID generates reservation and command ids (uuid).
	NewID func() string
}

// Authority is the single logical writer of canonical parking state.
type Authority struct {
	store          storage.Store
	transport      transport.Transport
	clock          clock.Clock
	logger         pslog.Logger
	metrics        *metrics.Metrics
	notifier       Notifier
	ackTimeout     time.Duration
	publishTimeout time.Duration
	newID          func() string

	slotMu    sync.Mutex
	slotLocks map[string]*sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingCommand

	gwMu     sync.RWMutex
	gateways map[string]models.GatewayInfo

	ctxMu sync.RWMutex
	ctx   context.Context
}

// New constructs an Authority. Call Start to consume gateway traffic.
func New(opts Options) (*Authority, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: authority requires a store", protocol.ErrInvalidArgument)
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("%w: authority requires a transport", protocol.ErrInvalidArgument)
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 30 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Authority{
		store:          opts.Store,
		transport:      opts.Transport,
		clock:          clock.Ensure(opts.Clock),
		logger:         logging.Subsystem(opts.Logger, "authority"),
		metrics:        opts.Metrics,
		notifier:       opts.Notifier,
		ackTimeout:     opts.AckTimeout,
		publishTimeout: opts.PublishTimeout,
		newID:          opts.NewID,
		slotLocks:      make(map[string]*sync.Mutex),
		pending:        make(map[string]*pendingCommand),
		gateways:       make(map[string]models.GatewayInfo),
		ctx:            context.Background(),
	}, nil
}

// Start subscribes to status reports, acknowledgments and heartbeats from
// every gateway. ctx scopes the store operations those messages trigger.
func (a *Authority) Start(ctx context.Context) error {
	a.ctxMu.Lock()
	a.ctx = ctx
	a.ctxMu.Unlock()

	subs := []struct {
		filter string
		h      transport.Handler
	}{
		{protocol.FilterUpLink, a.onUpLink},
		{protocol.FilterDownLinkAck, a.onAck},
		{protocol.FilterHeartbeat, a.onHeartbeat},
	}
	for _, s := range subs {
		if err := a.transport.Subscribe(s.filter, s.h); err != nil {
			return fmt.Errorf("authority: subscribe %s: %w", s.filter, err)
		}
	}
	a.logger.Info("authority.started")
	return nil
}

func (a *Authority) baseContext() context.Context {
	a.ctxMu.RLock()
	defer a.ctxMu.RUnlock()
	return a.ctx
}

// lockSlot serialises every canonical mutation of one slot.
func (a *Authority) lockSlot(slotID string) func() {
	a.slotMu.Lock()
	mu, ok := a.slotLocks[slotID]
	if !ok {
		mu = &sync.Mutex{}
		a.slotLocks[slotID] = mu
	}
	a.slotMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// recount refreshes the slot's lot availability from slot statuses.
func (a *Authority) recount(ctx context.Context, lotID string) {
	if _, err := a.store.RecountLot(ctx, lotID); err != nil {
		a.logger.Error("authority.lot.recount_failed", "lot_id", lotID, "error", err)
	}
}

// systemLog records an operator-facing entry and broadcasts it.
func (a *Authority) systemLog(ctx context.Context, typ string, level models.LogLevel, format string, args ...any) {
	entry := models.SystemLogEntry{
		Type:      typ,
		Message:   fmt.Sprintf(format, args...),
		Level:     level,
		Timestamp: a.clock.Now(),
	}
	stored, err := a.store.AppendSystemLog(ctx, entry)
	if err != nil {
		a.logger.Error("authority.system_log.append_failed", "error", err)
		stored = entry
	}
	a.notifier.SystemLog(stored)
}

// publishSlot broadcasts the enriched snapshot of a slot.
func (a *Authority) publishSlot(ctx context.Context, slotID string) {
	slot, err := a.store.GetSlot(ctx, slotID)
	if err != nil {
		a.logger.Warn("authority.slot.reload_failed", "slot_id", slotID, "error", err)
		return
	}
	view, err := a.slotView(ctx, slot, nil)
	if err != nil {
		a.logger.Warn("authority.slot.view_failed", "slot_id", slotID, "error", err)
		return
	}
	a.notifier.StatusUpdate(view)
}
