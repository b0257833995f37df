package authority

import (
	"context"
	"fmt"
	"time"

	"github.com/parking-lock-sync/backend/internal/logging"
	"github.com/parking-lock-sync/backend/internal/storage"
	"github.com/parking-lock-sync/backend/internal/storage/models"
	"github.com/robfig/cron/v3"
	"pkt.systems/pslog"
)

// Sweeper periodically expires reservations past their end time and reports
// commands that were never acknowledged.
type Sweeper struct {
	cron      *cron.Cron
	authority *Authority
	logger    pslog.Logger
	interval  time.Duration
	ctx       context.Context
}

// NewSweeper creates a sweeper running every interval (30s when zero).
func NewSweeper(a *Authority, interval time.Duration, logger pslog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger = logging.Subsystem(logger, "sweeper")
	cl := cronLogger{logger}
	return &Sweeper{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		authority: a,
		logger:    logger,
		interval:  interval,
		ctx:       context.Background(),
	}
}

// Start schedules the expiry and unresolved-command scans.
func (s *Sweeper) Start(ctx context.Context) error {
	s.ctx = ctx
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, func() {
		if _, err := s.authority.ExpireReservations(s.ctx); err != nil {
			s.logger.Error("sweeper.expire.failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduling expiry sweep: %w", err)
	}
	if _, err := s.cron.AddFunc(spec, func() {
		s.authority.ResolveTimedOutCommands(s.ctx)
	}); err != nil {
		return fmt.Errorf("scheduling command scan: %w", err)
	}
	s.cron.Start()
	s.logger.Info("sweeper.started", "interval", s.interval)
	return nil
}

// Stop waits for running jobs and halts the schedule.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("sweeper.stopped")
}

// ExpireReservations marks every active reservation past its end time
// expired, frees its slot and dispatches a best-effort release. It returns
// the number of reservations expired. The local transition never waits on
// the lock.
func (a *Authority) ExpireReservations(ctx context.Context) (int, error) {
	active, err := a.store.ListReservations(ctx, storage.ReservationQuery{
		Statuses: []models.ReservationStatus{models.ReservationActive},
	})
	if err != nil {
		return 0, fmt.Errorf("listing active reservations: %w", err)
	}

	now := a.clock.Now()
	expired := 0
	for _, res := range active {
		if !res.PastEnd(now) {
			continue
		}
		if a.expireOne(ctx, res.ID, now) {
			expired++
		}
	}
	if expired > 0 {
		a.logger.Info("authority.sweep.expired", "count", expired)
	}
	return expired, nil
}

func (a *Authority) expireOne(ctx context.Context, reservationID string, now time.Time) bool {
	res, err := a.store.GetReservation(ctx, reservationID)
	if err != nil {
		a.logger.Warn("authority.sweep.lookup_failed", "reservation_id", reservationID, "error", err)
		return false
	}
	unlock := a.lockSlot(res.SlotID)
	defer unlock()

	// Re-read under the slot lock; a cancel may have won.
	if res, err = a.store.GetReservation(ctx, reservationID); err != nil || !res.IsActive() || !res.PastEnd(now) {
		return false
	}
	if _, err := a.endReservation(ctx, res, models.ReservationExpired); err != nil {
		a.logger.Error("authority.sweep.expire_failed", "reservation_id", res.ID, "error", err)
		a.systemLog(ctx, "reservation", models.LevelError, "Failed to expire reservation %s: %v", res.ID, err)
		return false
	}
	a.systemLog(ctx, "reservation", models.LevelInfo, "Reservation %s for %s expired", res.ID, res.PlateNumber)
	return true
}

// cronLogger adapts pslog to cron's logger interface.
type cronLogger struct {
	logger pslog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.logger.Debug("sweeper.cron."+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.logger.Error("sweeper.cron."+msg, append(keysAndValues, "error", err)...)
}
