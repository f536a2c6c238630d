package erpsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval replaces a non-positive scheduler interval.
const DefaultInterval = 5 * time.Second

// CycleRunner is the piece of the engine the scheduler drives.
type CycleRunner interface {
	RunCycle(ctx context.Context) CycleReport
}

type SchedulerOptions struct {
	Interval time.Duration
	// CycleTimeout bounds one cycle. Cycles are detached from Stop so that
	// an in-flight candidate loop finishes; zero means no bound.
	CycleTimeout time.Duration
	Logger       *slog.Logger
}

// Scheduler runs one cycle per interval on a single goroutine, so its own
// cycles never overlap.
type Scheduler struct {
	runner       CycleRunner
	interval     time.Duration
	cycleTimeout time.Duration
	logger       *slog.Logger
	trigger      chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(runner CycleRunner, opts SchedulerOptions) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		logger.Warn("invalid sync interval, using default", "interval", interval.String(), "default", DefaultInterval.String())
		interval = DefaultInterval
	}
	return &Scheduler{
		runner:       runner,
		interval:     interval,
		cycleTimeout: opts.CycleTimeout,
		logger:       logger,
		trigger:      make(chan struct{}, 1),
	}
}

func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Start launches the loop. It returns false when the loop is already running.
func (s *Scheduler) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return false
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.logger.Info("sync scheduler starting", "interval", s.interval.String())
	go s.loop(loopCtx, s.done)
	return true
}

// Stop cancels the loop and waits for the current iteration to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if done == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("sync scheduler stopped")
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}

// Trigger asks the loop to start its next cycle without waiting for the
// interval. Requests made while one is pending collapse into it.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		s.runOnce(ctx)

		timer.Reset(s.interval)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.trigger:
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	cycleCtx := context.WithoutCancel(ctx)
	if s.cycleTimeout > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(cycleCtx, s.cycleTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sync cycle panicked", "panic", fmt.Sprint(r))
		}
	}()
	report := s.runner.RunCycle(cycleCtx)
	if report.Status == StatusError {
		s.logger.Warn("scheduled sync cycle reported an error", "cycle_id", report.CycleID, "step", report.Step, "error", report.Error)
	}
}
