package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/voipsms/smsd/internal/bus"
	"go.uber.org/zap"
)

// Syncer runs one sync cycle.
type Syncer interface {
	Sync(ctx context.Context, opts Options) (*Result, error)
}

// IntervalConfig supplies the periodic sync interval in days; 0 disables it.
type IntervalConfig interface {
	SyncIntervalDays() float64
}

// Scheduler triggers a full sync every configured interval, counted from the
// last full sync or the last attempt, whichever is later.
type Scheduler struct {
	syncer     Syncer
	cfg        IntervalConfig
	reconciler *Reconciler
	bus        *bus.Bus
	logger     *zap.Logger
	now        func() time.Time

	running    atomic.Bool
	reschedule chan struct{}

	lifecycle stdsync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}

	mu          stdsync.Mutex
	next        time.Time
	lastAttempt time.Time
}

// NewScheduler creates a scheduler for the given syncer.
func NewScheduler(syncer Syncer, cfg IntervalConfig, reconciler *Reconciler, b *bus.Bus, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		syncer:     syncer,
		cfg:        cfg,
		reconciler: reconciler,
		bus:        b,
		logger:     logger,
		now:        time.Now,
		reschedule: make(chan struct{}, 1),
	}
}

// Start launches the scheduling loop. It returns false if already running.
func (s *Scheduler) Start(ctx context.Context) bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	events, unsub := s.bus.Subscribe(4, bus.SyncCompleted)
	go func() {
		defer close(s.done)
		defer unsub()
		s.loop(ctx, events)
	}()

	s.logger.Info("scheduler started", zap.Float64("interval_days", s.cfg.SyncIntervalDays()))
	return true
}

// Stop stops the loop and waits for a running tick to finish.
func (s *Scheduler) Stop() bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	s.logger.Info("scheduler stopped")
	return true
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// Reschedule recomputes the next run, e.g. after the interval changed.
func (s *Scheduler) Reschedule() {
	select {
	case s.reschedule <- struct{}{}:
	default:
	}
}

// NextRun returns when the next periodic sync is due; zero when disabled.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *Scheduler) loop(ctx context.Context, events <-chan bus.Event) {
	for {
		delay, enabled := s.nextDelay(ctx)

		var timer *time.Timer
		var fire <-chan time.Time
		if enabled {
			timer = time.NewTimer(delay)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case <-s.reschedule:
			stopTimer(timer)
		case evt := <-events:
			stopTimer(timer)
			if res, ok := evt.Payload.(Result); ok && res.Full {
				s.logger.Debug("full sync completed, rescheduling")
			}
		case <-fire:
			s.safeTick(ctx)
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// nextDelay returns how long to wait for the next run and whether periodic
// sync is enabled.
func (s *Scheduler) nextDelay(ctx context.Context) (time.Duration, bool) {
	days := s.cfg.SyncIntervalDays()
	if days <= 0 {
		s.setNext(time.Time{})
		return 0, false
	}
	interval := time.Duration(days * float64(24*time.Hour))

	last, err := s.reconciler.LastFullSync(ctx)
	if err != nil {
		s.logger.Warn("failed to read last full sync", zap.Error(err))
	}

	s.mu.Lock()
	if s.lastAttempt.After(last) {
		last = s.lastAttempt
	}
	s.mu.Unlock()

	now := s.now()
	next := now
	if !last.IsZero() {
		next = last.Add(interval)
	}
	s.setNext(next)
	return max(next.Sub(now), 0), true
}

func (s *Scheduler) setNext(t time.Time) {
	s.mu.Lock()
	s.next = t
	s.mu.Unlock()
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled sync panic recovered", zap.Any("panic", r))
		}
	}()

	start := s.now()
	s.mu.Lock()
	s.lastAttempt = start
	s.mu.Unlock()

	_, err := s.syncer.Sync(ctx, Options{})
	switch {
	case errors.Is(err, ErrSyncInProgress):
		s.logger.Info("scheduled sync skipped, another sync is running")
	case err != nil:
		s.logger.Warn("scheduled sync failed", zap.Error(err))
	default:
		s.logger.Info("scheduled sync completed", zap.Duration("took", time.Since(start)))
	}
}
