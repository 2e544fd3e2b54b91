package sf45

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/rangefinder/internal/monitoring"
	"github.com/banshee-data/rangefinder/internal/timeutil"
)

// Event is one delivery from the streaming worker: either a sample or an
// error. Fatal errors end the run.
type Event struct {
	Seq    uint64      `json:"seq"`
	At     time.Time   `json:"at"`
	Sample PointSample `json:"sample"`
	Err    error       `json:"-"`
	Fatal  bool        `json:"fatal,omitempty"`
}

// Sink receives events in order on the worker goroutine. It must not call
// Stop on the Controller that delivers to it.
type Sink func(Event)

// ControllerOptions configure pacing.
type ControllerOptions struct {
	// Interval between polls. Zero uses the sample rate period in request
	// mode and back-to-back reads while the device streams.
	Interval time.Duration
	Clock    timeutil.Clock
}

// Controller runs a background worker that polls a Session and delivers each
// result to a Sink. State is only changed by Start and Stop.
type Controller struct {
	s     *Session
	opts  ControllerOptions
	clock timeutil.Clock

	mu     sync.Mutex // serialises Start and Stop
	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}
	exited atomic.Bool

	errMu sync.Mutex
	err   error
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// NewController attaches a controller to s. A session has at most one.
func NewController(s *Session, opts ControllerOptions) (*Controller, error) {
	if s.Closed() {
		return nil, ErrClosed
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	c := &Controller{s: s, opts: opts, clock: clock, done: closedChan}
	if err := s.attach(c); err != nil {
		return nil, err
	}
	return c, nil
}

// State reports the lifecycle state. A worker that ended on a fatal error
// reports Idle.
func (c *Controller) State() StreamingState {
	st := StreamingState(c.state.Load())
	if st == Running && c.exited.Load() {
		return Idle
	}
	return st
}

// Done is closed when the current (or last) worker exits.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns the error that ended the last run, or nil if it was stopped.
func (c *Controller) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Controller) setErr(err error) {
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
}

// Start launches the worker. It fails with ErrAlreadyRunning unless the
// controller is idle.
func (c *Controller) Start(sink Sink) error {
	if sink == nil {
		return fmt.Errorf("%w: nil sink", ErrState)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reap()
	if StreamingState(c.state.Load()) != Idle {
		return ErrAlreadyRunning
	}
	if c.s.Closed() {
		return ErrClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.setErr(nil)
	c.exited.Store(false)
	c.state.Store(int32(Running))

	go c.run(ctx, sink, done)
	return nil
}

// reap returns a worker that exited on its own to Idle. Caller holds c.mu.
func (c *Controller) reap() {
	if StreamingState(c.state.Load()) == Running && c.exited.Load() {
		c.cancel()
		<-c.done
		c.state.Store(int32(Idle))
	}
}

// Stop cancels the worker and waits for it to exit. No event is delivered
// after Stop returns. Stopping an idle controller is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if StreamingState(c.state.Load()) == Idle {
		return nil
	}
	c.state.Store(int32(Stopping))
	c.cancel()
	<-c.done
	c.state.Store(int32(Idle))
	return nil
}

// Close is Stop.
func (c *Controller) Close() error { return c.Stop() }

func (c *Controller) run(ctx context.Context, sink Sink, done chan struct{}) {
	defer func() {
		c.exited.Store(true)
		close(done)
	}()

	var seq uint64
	for ctx.Err() == nil {
		sample, err := c.s.PollOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		seq++
		ev := Event{Seq: seq, At: c.clock.Now()}
		if err != nil {
			ev.Err = err
			ev.Fatal = IsFatal(err)
			if ev.Fatal {
				monitoring.Logf("sf45: stream stopped: %v", err)
				c.setErr(err)
				sink(ev)
				return
			}
			monitoring.Logf("sf45: poll failed: %v", err)
		} else {
			ev.Sample = sample
			monitoring.Debugf("sf45: sample %d: dist=%d angle=%.2f", seq, sample.FirstDistRaw, sample.Angle)
		}
		sink(ev)

		if !c.pause(ctx) {
			return
		}
	}
}

// pause waits out the pacing interval. It returns false if ctx ended.
func (c *Controller) pause(ctx context.Context) bool {
	d := c.interval()
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := c.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C():
		return true
	}
}

func (c *Controller) interval() time.Duration {
	if c.opts.Interval > 0 {
		return c.opts.Interval
	}
	if c.s.Streaming() {
		return 0
	}
	if r, ok := c.s.CachedSampleRate(); ok {
		return r.Period()
	}
	return 0
}
