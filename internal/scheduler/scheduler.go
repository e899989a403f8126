// Package scheduler drives ingestion cycles on a fixed interval, waking
// early when external scrape requests are pending. It is a two-state
// machine (idle, running) over an injected clock, so tests advance
// virtual time instead of sleeping.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/carsight/worker/internal/domain"
	"github.com/carsight/worker/internal/logger"
)

// State is the scheduler's externally visible state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// Clock abstracts time so the wait loop is testable.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// NewRealClock returns a Clock backed by the wall clock.
func NewRealClock() Clock { return realClock{} }

// CycleRunner executes one ingestion cycle.
type CycleRunner interface {
	Run(ctx context.Context) (domain.CycleReport, error)
}

// PendingChecker reports how many external scrape requests are waiting.
type PendingChecker interface {
	CountPending(ctx context.Context, source string) (int, error)
}

// Observer receives state changes and finished cycle reports.
type Observer interface {
	SetState(state string)
	RecordCycle(report domain.CycleReport)
}

// Options configure the scheduler.
type Options struct {
	Source       string
	Interval     time.Duration
	PollInterval time.Duration
}

// Scheduler runs cycles sequentially; cycles never overlap because the
// loop does not start a new cycle until the previous one returned.
type Scheduler struct {
	runner   CycleRunner
	pending  PendingChecker
	clock    Clock
	observer Observer
	log      logger.Interface
	opts     Options

	mu    sync.Mutex
	state State
}

// New creates a scheduler. pending and observer may be nil.
func New(runner CycleRunner, pending PendingChecker, clock Clock, observer Observer, log logger.Interface, opts Options) *Scheduler {
	return &Scheduler{
		runner:   runner,
		pending:  pending,
		clock:    clock,
		observer: observer,
		log:      log,
		opts:     opts,
		state:    StateIdle,
	}
}

// State returns the current scheduler state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run executes cycles until ctx is cancelled. The first cycle starts
// immediately; each subsequent cycle starts when the interval elapses or
// earlier when pending scrape requests are detected. Cycle failures are
// logged and the loop continues.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		s.runCycle(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !s.waitForNext(ctx) {
			return ctx.Err()
		}
	}
}

// RunOnce executes exactly one cycle and returns its error, so a
// single-cycle invocation can exit non-zero on a fatal cycle.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if err := s.runCycle(ctx); err != nil {
		return fmt.Errorf("cycle failed: %w", err)
	}
	return nil
}

func (s *Scheduler) runCycle(ctx context.Context) error {
	s.setState(StateRunning)
	defer s.setState(StateIdle)

	report, err := s.runner.Run(ctx)
	if s.observer != nil {
		s.observer.RecordCycle(report)
	}
	if err != nil {
		s.log.Error("cycle failed", "error", err, "cycle_id", report.CycleID)
	}
	return err
}

// waitForNext blocks until the next cycle should start. Returns false
// when ctx was cancelled.
func (s *Scheduler) waitForNext(ctx context.Context) bool {
	deadline := s.clock.Now().Add(s.opts.Interval)
	s.log.Info("cycle sleeping", "interval", s.opts.Interval)

	for {
		remaining := deadline.Sub(s.clock.Now())
		if remaining <= 0 {
			return true
		}

		wait := s.opts.PollInterval
		if s.pending == nil || wait <= 0 || wait > remaining {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return false
		case <-s.clock.After(wait):
		}

		if s.pending == nil {
			continue
		}
		count, err := s.pending.CountPending(ctx, s.opts.Source)
		if err != nil {
			s.log.Warn("failed to poll pending scrape requests", "error", err)
			continue
		}
		if count > 0 {
			s.log.Info("pending scrape requests detected, waking early", "pending", count)
			return true
		}
	}
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	if s.observer != nil {
		s.observer.SetState(string(state))
	}
}
