// Package timeutil abstracts the clock so pacing and flush timers can be
// driven by tests.
package timeutil

import (
	"sync"
	"time"
)

// Clock provides the time operations used by the streaming and recording
// workers.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	// NewTimer creates a Timer that fires once after d.
	NewTimer(d time.Duration) Timer
	// NewTicker creates a Ticker that fires every d.
	NewTicker(d time.Duration) Ticker
}

// Timer represents a single event timer.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// Ticker delivers ticks at a fixed interval.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

func (RealClock) NewTimer(d time.Duration) Timer {
	return &realTimer{timer: time.NewTimer(d)}
}

func (RealClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{ticker: time.NewTicker(d)}
}

type realTimer struct {
	timer *time.Timer
}

func (t *realTimer) C() <-chan time.Time        { return t.timer.C }
func (t *realTimer) Stop() bool                 { return t.timer.Stop() }
func (t *realTimer) Reset(d time.Duration) bool { return t.timer.Reset(d) }

type realTicker struct {
	ticker *time.Ticker
}

func (t *realTicker) C() <-chan time.Time { return t.ticker.C }
func (t *realTicker) Stop()               { t.ticker.Stop() }

// MockClock is a manually advanced clock for tests. Timers and tickers fire
// only from Advance.
type MockClock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	now     time.Time
	timers  []*mockTimer
	tickers []*mockTicker
}

// NewMockClock creates a MockClock set to t.
func NewMockClock(t time.Time) *MockClock {
	c := &MockClock{now: t}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Now returns the mocked current time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Since returns the mocked time elapsed since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Advance moves the clock forward by d and fires every timer and ticker that
// has come due.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	live := c.timers[:0]
	var due []*mockTimer
	for _, t := range c.timers {
		switch {
		case !t.armed:
			t.queued = false
		case !now.Before(t.deadline):
			t.armed, t.queued = false, false
			due = append(due, t)
		default:
			live = append(live, t)
		}
	}
	c.timers = live
	var ticks []*mockTicker
	for _, t := range c.tickers {
		if !t.stopped && !now.Before(t.next) {
			t.next = now.Add(t.interval)
			ticks = append(ticks, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		send(t.ch, now)
	}
	for _, t := range ticks {
		send(t.ch, now)
	}
}

func send(ch chan time.Time, now time.Time) {
	select {
	case ch <- now:
	default:
	}
}

// BlockUntil waits until at least n timers are armed. It lets a test advance
// the clock only once a worker is waiting on it.
func (c *MockClock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.armedLocked() < n {
		c.cond.Wait()
	}
}

// Waiters returns the number of armed timers.
func (c *MockClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armedLocked()
}

func (c *MockClock) armedLocked() int {
	n := 0
	for _, t := range c.timers {
		if t.armed {
			n++
		}
	}
	return n
}

// NewTimer creates a timer that fires when the clock reaches now+d.
func (c *MockClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &mockTimer{clock: c, ch: make(chan time.Time, 1)}
	c.armLocked(t, d)
	return t
}

func (c *MockClock) armLocked(t *mockTimer, d time.Duration) {
	if !t.queued {
		c.timers = append(c.timers, t)
		t.queued = true
	}
	t.deadline = c.now.Add(d)
	t.armed = true
	c.cond.Broadcast()
}

// NewTicker creates a ticker that fires on every Advance reaching its next
// tick.
func (c *MockClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &mockTicker{clock: c, ch: make(chan time.Time, 1), interval: d, next: c.now.Add(d)}
	c.tickers = append(c.tickers, t)
	return t
}

type mockTimer struct {
	clock    *MockClock
	ch       chan time.Time
	deadline time.Time
	armed    bool
	queued   bool
}

func (t *mockTimer) C() <-chan time.Time { return t.ch }

func (t *mockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.armed
	t.armed = false
	return was
}

func (t *mockTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.armed
	t.clock.armLocked(t, d)
	return was
}

type mockTicker struct {
	clock    *MockClock
	ch       chan time.Time
	interval time.Duration
	next     time.Time
	stopped  bool
}

func (t *mockTicker) C() <-chan time.Time { return t.ch }

func (t *mockTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}
