// Package scheduler runs keyed callbacks repeatedly on a shared ticker.
//
// All tasks run sequentially on the scheduler's goroutine, one pass per
// tick. Tasks are removed only by Unschedule; a task that returns an error
// or panics stays scheduled and runs again on the next tick.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultInterval is the default tick interval.
const DefaultInterval = time.Millisecond

// Func is a scheduled callback.
type Func func() error

// Config configures a Scheduler.
type Config struct {
	// Interval between passes. Zero selects DefaultInterval.
	Interval time.Duration

	// Logger receives task failures. Nil discards them.
	Logger *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{Interval: DefaultInterval}
}

type task struct {
	key   string
	fn    Func
	every time.Duration
	next  time.Time
	seq   uint64
}

// Scheduler is a cooperative tick scheduler. The zero value is not usable;
// use New.
type Scheduler struct {
	interval time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	tasks map[string]*task
	seq   uint64

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a stopped scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{
		interval: cfg.Interval,
		logger:   logger,
		tasks:    make(map[string]*task),
	}
}

// Schedule runs fn on every tick under key, replacing any task with the
// same key.
func (s *Scheduler) Schedule(key string, fn func() error) {
	s.ScheduleEvery(key, 0, fn)
}

// ScheduleEvery runs fn under key at most once per every. Zero means every
// tick.
func (s *Scheduler) ScheduleEvery(key string, every time.Duration, fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.tasks[key] = &task{key: key, fn: fn, every: every, seq: s.seq}
}

// Unschedule removes the task under key. Unknown keys are ignored.
func (s *Scheduler) Unschedule(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, key)
}

// Scheduled reports whether key has a task.
func (s *Scheduler) Scheduled(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// Len returns the number of scheduled tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Tick runs one pass over all due tasks in scheduling order. Tasks removed
// or replaced during the pass are skipped.
func (s *Scheduler) Tick() {
	now := time.Now()

	s.mu.Lock()
	due := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.every > 0 && now.Before(t.next) {
			continue
		}
		due = append(due, t)
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].seq < due[j].seq })

	for _, t := range due {
		if !s.current(t) {
			continue
		}
		if t.every > 0 {
			s.mu.Lock()
			t.next = now.Add(t.every)
			s.mu.Unlock()
		}
		s.run(t)
	}
}

func (s *Scheduler) current(t *task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[t.key] == t
}

func (s *Scheduler) run(t *task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked", "key", t.key, "panic", fmt.Sprint(r))
		}
	}()
	if err := t.fn(); err != nil {
		s.logger.Debug("scheduled task failed", "key", t.key, "error", err)
	}
}

// Start runs the tick loop in a new goroutine until ctx is done or Stop is
// called. Starting a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop(ctx, s.stopCh, s.doneCh)
}

// Stop ends the tick loop and waits for the current pass to finish. It
// must not be called from inside a task.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.runMu.Unlock()
	<-done
}

// Running reports whether the tick loop is active.
func (s *Scheduler) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.runMu.Lock()
			s.running = false
			s.runMu.Unlock()
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}
