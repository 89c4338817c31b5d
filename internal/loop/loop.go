// Package loop provides the cooperative update loop that owns every task
// manager and state tracker in the process.
//
// One goroutine runs the loop. Work from other goroutines (native
// completions, caller requests) is handed over with Post and executed on that
// goroutine between ticks, so scheduler and state objects are never touched
// concurrently.
package loop

import (
	"container/heap"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned by Post after the loop stopped.
var ErrClosed = errors.New("loop: closed")

const (
	DefaultInterval     = 20 * time.Millisecond
	DefaultIdleInterval = 500 * time.Millisecond
	DefaultIdleDelay    = 2 * time.Second
)

// Ticker is advanced once per loop iteration. Tick reports whether the
// ticker still has work in progress.
type Ticker interface {
	Tick(now time.Time) bool
}

// TickerFunc adapts a function to Ticker.
type TickerFunc func(now time.Time) bool

// Tick calls f(now).
func (f TickerFunc) Tick(now time.Time) bool { return f(now) }

// Loop drives registered tickers at a fixed interval and runs posted work on
// its goroutine. After every ticker has reported idle for IdleDelay the loop
// slows down to IdleInterval; posted work or a busy tick restores the normal
// rate.
type Loop struct {
	interval     time.Duration
	idleInterval time.Duration
	idleDelay    time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu      sync.Mutex
	ingress []func()
	tickers []Ticker
	closed  bool
	wake    chan struct{}

	// loop goroutine only
	timers    timerHeap
	busy      bool
	idleSince time.Time
	lastTick  time.Time
}

// Option configures a Loop.
type Option func(*Loop)

func WithInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.interval = d
		}
	}
}

func WithIdleInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.idleInterval = d
		}
	}
}

func WithIdleDelay(d time.Duration) Option {
	return func(l *Loop) {
		if d >= 0 {
			l.idleDelay = d
		}
	}
}

// WithClock sets the time source for Run and After. Default time.Now.
func WithClock(now func() time.Time) Option { return func(l *Loop) { l.now = now } }

func WithLogger(lg *slog.Logger) Option { return func(l *Loop) { l.logger = lg } }

// New returns a loop that is not yet running.
func New(opts ...Option) *Loop {
	l := &Loop{
		interval:     DefaultInterval,
		idleInterval: DefaultIdleInterval,
		idleDelay:    DefaultIdleDelay,
		now:          time.Now,
		wake:         make(chan struct{}, 1),
		busy:         true,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l.logger = l.logger.With("component", "loop")
	return l
}

// Register adds a ticker. Tickers are advanced in registration order.
func (l *Loop) Register(t Ticker) {
	l.mu.Lock()
	l.tickers = append(l.tickers, t)
	l.mu.Unlock()
}

// Post queues fn to run on the loop goroutine. It is safe to call from any
// goroutine, including the loop goroutine itself.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.ingress = append(l.ingress, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Now returns the time of the latest tick, or the clock if no tick ran yet.
// Call it from the loop goroutine.
func (l *Loop) Now() time.Time {
	if l.lastTick.IsZero() {
		return l.now()
	}
	return l.lastTick
}

// After schedules fn to run on the loop goroutine once d has elapsed. It must
// be called from the loop goroutine; use Post to get there first.
func (l *Loop) After(d time.Duration, fn func()) *Timer {
	t := &Timer{when: l.Now().Add(d), fn: fn}
	heap.Push(&l.timers, t)
	return t
}

// Run drives the loop until ctx is done. It returns nil on cancellation.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.mu.Unlock()
	defer l.close()

	l.logger.Debug("loop started", "interval", l.interval, "idle_interval", l.idleInterval)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Debug("loop stopped")
			return nil
		case <-l.wake:
			l.Step(l.now())
		case <-timer.C:
			l.Step(l.now())
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(l.nextDelay())
	}
}

func (l *Loop) nextDelay() time.Duration {
	d := l.interval
	if !l.busy && l.lastTick.Sub(l.idleSince) >= l.idleDelay {
		d = l.idleInterval
	}
	if len(l.timers) > 0 {
		if until := l.timers[0].when.Sub(l.lastTick); until < d {
			d = max(until, 0)
		}
	}
	return d
}

func (l *Loop) close() {
	l.mu.Lock()
	l.closed = true
	l.ingress = nil
	l.mu.Unlock()
}

// Step runs posted work, due timers and one tick of every ticker at now.
// Run calls it; tests call it directly to drive the loop deterministically.
// It reports whether any ticker is busy.
func (l *Loop) Step(now time.Time) bool {
	l.lastTick = now

	l.mu.Lock()
	work := l.ingress
	l.ingress = nil
	tickers := l.tickers
	l.mu.Unlock()

	for _, fn := range work {
		l.safeRun(fn)
	}
	l.runTimers(now)

	busy := len(work) > 0
	for _, t := range tickers {
		if t.Tick(now) {
			busy = true
		}
	}
	if busy {
		l.busy = true
	} else if l.busy {
		l.busy = false
		l.idleSince = now
	}
	return busy
}

// Busy reports the result of the latest Step.
func (l *Loop) Busy() bool { return l.busy }

func (l *Loop) runTimers(now time.Time) {
	for len(l.timers) > 0 && !l.timers[0].when.After(now) {
		t := heap.Pop(&l.timers).(*Timer)
		if t.stopped {
			continue
		}
		t.fired = true
		l.safeRun(t.fn)
	}
}

func (l *Loop) safeRun(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("posted function panicked", "panic", r)
		}
	}()
	fn()
}

// Timer is a pending After call.
type Timer struct {
	when    time.Time
	fn      func()
	stopped bool
	fired   bool
}

// Stop prevents the timer from firing. It reports whether the timer was
// still pending. Like After it must be called on the loop goroutine.
func (t *Timer) Stop() bool {
	if t == nil || t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// When returns the time the timer fires.
func (t *Timer) When() time.Time { return t.when }

type timerHeap []*Timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) { *h = append(*h, x.(*Timer)) }

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
