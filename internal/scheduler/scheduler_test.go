package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carsight/worker/internal/domain"
	"github.com/carsight/worker/internal/logger"
)

// fakeClock is a virtual clock. After registers a waiter that fires when
// Advance moves time past its target; registrations are announced on
// waiterAdded so tests can synchronize before advancing.
type fakeClock struct {
	mu          sync.Mutex
	now         time.Time
	waiters     []fakeWaiter
	waiterAdded chan struct{}
}

type fakeWaiter struct {
	target time.Time
	ch     chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now:         time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		waiterAdded: make(chan struct{}, 16),
	}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	ch := make(chan time.Time, 1)
	c.waiters = append(c.waiters, fakeWaiter{target: c.now.Add(d), ch: ch})
	c.mu.Unlock()
	c.waiterAdded <- struct{}{}
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.target.After(c.now) {
			w.ch <- c.now
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	c.mu.Unlock()
}

type countingRunner struct {
	mu     sync.Mutex
	runs   int
	active int
	peak   int
	err    error
}

func (r *countingRunner) Run(context.Context) (domain.CycleReport, error) {
	r.mu.Lock()
	r.runs++
	r.active++
	if r.active > r.peak {
		r.peak = r.active
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
	}()
	report := domain.CycleReport{CycleID: "test"}
	if r.err != nil {
		report.Err = r.err.Error()
	}
	return report, r.err
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

type stubPending struct {
	mu     sync.Mutex
	counts []int
	err    error
}

func (p *stubPending) CountPending(context.Context, string) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.counts) == 0 {
		return 0, nil
	}
	count := p.counts[0]
	p.counts = p.counts[1:]
	return count, nil
}

type recordingObserver struct {
	mu      sync.Mutex
	states  []string
	reports []domain.CycleReport
}

func (o *recordingObserver) SetState(state string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, state)
}

func (o *recordingObserver) RecordCycle(report domain.CycleReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reports = append(o.reports, report)
}

func TestWaitForNextWakesOnInterval(t *testing.T) {
	clock := newFakeClock()
	s := New(&countingRunner{}, nil, clock, nil, logger.NewNoOp(), Options{
		Interval: 6 * time.Hour,
	})

	done := make(chan bool, 1)
	go func() { done <- s.waitForNext(context.Background()) }()

	<-clock.waiterAdded
	clock.Advance(6 * time.Hour)

	assert.True(t, <-done)
}

func TestWaitForNextWakesEarlyOnPendingRequests(t *testing.T) {
	clock := newFakeClock()
	pending := &stubPending{counts: []int{0, 3}}
	s := New(&countingRunner{}, pending, clock, nil, logger.NewNoOp(), Options{
		Interval:     6 * time.Hour,
		PollInterval: 30 * time.Second,
	})

	done := make(chan bool, 1)
	go func() { done <- s.waitForNext(context.Background()) }()

	// First poll sees no pending work, second sees three requests.
	<-clock.waiterAdded
	clock.Advance(30 * time.Second)
	<-clock.waiterAdded
	clock.Advance(30 * time.Second)

	assert.True(t, <-done)
	assert.Less(t, clock.Now().Sub(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)), time.Hour,
		"must wake well before the interval")
}

func TestWaitForNextSurvivesPollErrors(t *testing.T) {
	clock := newFakeClock()
	s := New(&countingRunner{}, &stubPending{err: errors.New("db down")}, clock, nil, logger.NewNoOp(), Options{
		Interval:     time.Minute,
		PollInterval: 30 * time.Second,
	})

	done := make(chan bool, 1)
	go func() { done <- s.waitForNext(context.Background()) }()

	<-clock.waiterAdded
	clock.Advance(30 * time.Second)
	<-clock.waiterAdded
	clock.Advance(30 * time.Second)

	assert.True(t, <-done)
}

func TestWaitForNextReturnsFalseOnCancel(t *testing.T) {
	clock := newFakeClock()
	s := New(&countingRunner{}, nil, clock, nil, logger.NewNoOp(), Options{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() { done <- s.waitForNext(ctx) }()

	<-clock.waiterAdded
	cancel()

	assert.False(t, <-done)
}

func TestRunCyclesNeverOverlap(t *testing.T) {
	clock := newFakeClock()
	runner := &countingRunner{}
	observer := &recordingObserver{}
	s := New(runner, nil, clock, observer, logger.NewNoOp(), Options{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for n := 0; n < 3; n++ {
		<-clock.waiterAdded
		clock.Advance(time.Hour)
	}
	<-clock.waiterAdded
	cancel()
	clock.Advance(time.Hour)

	require.ErrorIs(t, <-done, context.Canceled)
	assert.GreaterOrEqual(t, runner.count(), 4)
	assert.Equal(t, 1, runner.peak, "cycles must never overlap")
	assert.Equal(t, StateIdle, s.State())

	observer.mu.Lock()
	defer observer.mu.Unlock()
	assert.NotEmpty(t, observer.reports)
	assert.Equal(t, "running", observer.states[0])
}

func TestRunOnceReportsCycleFailure(t *testing.T) {
	clock := newFakeClock()
	observer := &recordingObserver{}

	t.Run("success", func(t *testing.T) {
		runner := &countingRunner{}
		s := New(runner, nil, clock, observer, logger.NewNoOp(), Options{Interval: time.Hour})
		require.NoError(t, s.RunOnce(context.Background()))
		assert.Equal(t, 1, runner.count())
	})

	t.Run("failure", func(t *testing.T) {
		runner := &countingRunner{err: errors.New("index unreachable")}
		s := New(runner, nil, clock, observer, logger.NewNoOp(), Options{Interval: time.Hour})
		err := s.RunOnce(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "index unreachable")
	})
}
