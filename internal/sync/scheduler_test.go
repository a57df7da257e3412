package sync

import (
	"context"
	stdsync "sync"
	"testing"
	"time"

	"github.com/voipsms/smsd/internal/bus"
)

type countingSyncer struct {
	mu    stdsync.Mutex
	calls int
	err   error
}

func (s *countingSyncer) Sync(context.Context, Options) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return &Result{Full: true}, s.err
}

func (s *countingSyncer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type intervalConfig struct {
	mu   stdsync.Mutex
	days float64
}

func (c *intervalConfig) SyncIntervalDays() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.days
}

func (c *intervalConfig) set(days float64) {
	c.mu.Lock()
	c.days = days
	c.mu.Unlock()
}

// 50ms expressed in days.
const tinyInterval = 0.05 / 86400

func newTestScheduler(t *testing.T, syncer Syncer, cfg IntervalConfig) *Scheduler {
	t.Helper()
	r := NewReconciler(testDB(t), nil)
	s := NewScheduler(syncer, cfg, r, bus.New(), nil)
	t.Cleanup(func() { s.Stop() })
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSchedulerRunsWhenNeverSynced(t *testing.T) {
	syncer := &countingSyncer{}
	s := newTestScheduler(t, syncer, &intervalConfig{days: 1})

	if !s.Start(context.Background()) {
		t.Fatal("Start() = false")
	}
	if s.Start(context.Background()) {
		t.Error("second Start() = true")
	}
	waitFor(t, func() bool { return syncer.count() == 1 })

	// The next run is a full day after the attempt.
	waitFor(t, func() bool { return time.Until(s.NextRun()) > 23*time.Hour })
	if syncer.count() != 1 {
		t.Errorf("got %d syncs, want 1", syncer.count())
	}
}

func TestSchedulerRepeats(t *testing.T) {
	syncer := &countingSyncer{}
	s := newTestScheduler(t, syncer, &intervalConfig{days: tinyInterval})

	s.Start(context.Background())
	waitFor(t, func() bool { return syncer.count() >= 3 })
}

func TestSchedulerDisabled(t *testing.T) {
	syncer := &countingSyncer{}
	s := newTestScheduler(t, syncer, &intervalConfig{days: 0})

	s.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	if syncer.count() != 0 {
		t.Errorf("got %d syncs with scheduling disabled, want 0", syncer.count())
	}
	if !s.NextRun().IsZero() {
		t.Errorf("next run = %s, want zero", s.NextRun())
	}
}

func TestSchedulerReschedule(t *testing.T) {
	syncer := &countingSyncer{}
	cfg := &intervalConfig{days: 0}
	s := newTestScheduler(t, syncer, cfg)

	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)

	cfg.set(1)
	s.Reschedule()
	waitFor(t, func() bool { return syncer.count() == 1 })
}

func TestSchedulerStop(t *testing.T) {
	s := newTestScheduler(t, &countingSyncer{}, &intervalConfig{days: 1})
	if s.Stop() {
		t.Error("Stop() before Start() = true")
	}
	s.Start(context.Background())
	if !s.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	if !s.Stop() {
		t.Error("Stop() = false")
	}
	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
}
