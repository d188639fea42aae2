package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"docqa/internal/lock"
	"docqa/internal/store"
)

const (
	schedulerLockName = "midnight-dispatch"
	schedulerLockTTL  = 10 * time.Minute

	triggerScheduled      = "scheduled"
	triggerStartupCatchup = "startup_catchup"
)

const localDateLayout = "2006-01-02"

// Scheduler fires one dispatch sweep at local midnight. State is persisted so
// restarts neither double-fire nor silently skip a missed window, and a
// distributed lock keeps replicas from sweeping concurrently.
type Scheduler struct {
	log        *slog.Logger
	store      store.Store
	dispatcher *Dispatcher
	locker     lock.Locker
	location   *time.Location

	// now is a clock hook for tests.
	now func() time.Time
}

func NewScheduler(log *slog.Logger, st store.Store, d *Dispatcher, l lock.Locker, timezone string) (*Scheduler, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	return &Scheduler{
		log:        log,
		store:      st,
		dispatcher: d,
		locker:     l,
		location:   loc,
		now:        time.Now,
	}, nil
}

// Run blocks until ctx is done. It performs a startup catchup first, then
// sweeps at every local midnight.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.StartupCatchup(ctx); err != nil {
		s.log.Error("startup catchup failed", "err", err)
	}
	for {
		next := s.nextMidnight()
		s.log.Info("scheduler sleeping until next midnight", "next", next, "timezone", s.location.String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}
		if err := s.MidnightSweep(ctx); err != nil {
			s.log.Error("midnight sweep failed", "err", err)
		}
	}
}

func (s *Scheduler) nextMidnight() time.Time {
	now := s.now().In(s.location)
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.location).AddDate(0, 0, 1)
	return next
}

// MidnightSweep dispatches queued jobs once per local day. Replicas race on
// the lock; losers skip, and the persisted date makes the sweep idempotent
// even when the lock expires between replicas.
func (s *Scheduler) MidnightSweep(ctx context.Context) error {
	release, ok, err := s.locker.Acquire(ctx, schedulerLockName, schedulerLockTTL)
	if err != nil {
		return fmt.Errorf("acquire scheduler lock: %w", err)
	}
	if !ok {
		s.log.Info("midnight sweep already running elsewhere")
		return nil
	}
	defer release()

	state, err := s.store.SchedulerState(ctx)
	if err != nil {
		return fmt.Errorf("load scheduler state: %w", err)
	}
	today := s.now().In(s.location).Format(localDateLayout)
	if state.LastMidnightRunLocalDate == today {
		s.log.Info("midnight sweep already ran today", "date", today)
		return nil
	}

	res, err := s.dispatcher.DispatchQueued(ctx, triggerScheduled, nil)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	at := s.now().UTC()
	state.Timezone = s.location.String()
	state.LastMidnightRunLocalDate = today
	state.LastMidnightDispatchAt = &at
	state.LastMidnightDispatched = res.Dispatched
	state.LastBatchDispatchID = res.BatchID
	if err := s.store.SaveSchedulerState(ctx, state); err != nil {
		return fmt.Errorf("save scheduler state: %w", err)
	}
	s.log.Info("midnight sweep done", "date", today, "dispatched", res.Dispatched, "batch_id", res.BatchID)
	return nil
}

// StartupCatchup runs when the process boots. If the last recorded sweep is
// from an earlier local day, the window was missed while the worker was down
// and the queued backlog is dispatched immediately.
func (s *Scheduler) StartupCatchup(ctx context.Context) error {
	release, ok, err := s.locker.Acquire(ctx, schedulerLockName, schedulerLockTTL)
	if err != nil {
		return fmt.Errorf("acquire scheduler lock: %w", err)
	}
	if !ok {
		return nil
	}
	defer release()

	state, err := s.store.SchedulerState(ctx)
	if err != nil {
		return fmt.Errorf("load scheduler state: %w", err)
	}
	today := s.now().In(s.location).Format(localDateLayout)
	if state.LastMidnightRunLocalDate == today {
		return nil
	}

	res, err := s.dispatcher.DispatchQueued(ctx, triggerStartupCatchup, nil)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	at := s.now().UTC()
	state.Timezone = s.location.String()
	state.LastMidnightRunLocalDate = today
	state.LastStartupCatchupAt = &at
	state.LastStartupDispatched = res.Dispatched
	state.LastBatchDispatchID = res.BatchID
	if err := s.store.SaveSchedulerState(ctx, state); err != nil {
		return fmt.Errorf("save scheduler state: %w", err)
	}
	s.log.Info("startup catchup done", "date", today, "dispatched", res.Dispatched, "batch_id", res.BatchID)
	return nil
}
