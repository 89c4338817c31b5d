// Package device implements the per-peripheral entity: a task manager that
// serializes the peripheral's radio work, a state tracker holding its
// connection and bond state, and the retry sequence of its connection
// attempts.
//
// Exported methods may be called from any goroutine; they hand their work to
// the update loop. Everything else runs on the loop goroutine.
package device

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"bluetooth-sched/internal/event"
	"bluetooth-sched/internal/loop"
	"bluetooth-sched/internal/native"
	"bluetooth-sched/internal/retry"
	"bluetooth-sched/internal/state"
	"bluetooth-sched/internal/task"
)

// ErrNotReady is carried by read/write events refused because the device is
// not initialized.
var ErrNotReady = errors.New("device: not initialized")

// Scheduler is the part of the update loop a device needs.
type Scheduler interface {
	Post(fn func()) error
	After(d time.Duration, fn func()) *loop.Timer
	Now() time.Time
}

// ReconnectConfig controls the long-term reconnect after an unexpected
// disconnect of an initialized device.
type ReconnectConfig struct {
	Enabled     bool
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts uint64
	// Timeout bounds the whole reconnect cycle. Zero means no bound.
	Timeout time.Duration
}

// Config configures a Device.
type Config struct {
	Profiles   task.Profiles
	Policy     retry.Policy
	MaxHistory int
	// Mode is the connect mode of the first attempt of a sequence.
	Mode      native.ConnectMode
	Reconnect ReconnectConfig
	// Auth and Init run after service discovery, in that order, before the
	// device reports INITIALIZED. Either may be nil.
	Auth Transaction
	Init Transaction
	// TransactionTimeout bounds each transaction. Zero means no bound.
	TransactionTimeout time.Duration
	Logger             *slog.Logger
}

// Device is one remote peripheral.
type Device struct {
	addr   string
	name   string
	radio  native.Radio
	sched  Scheduler
	bus    *event.Bus
	cfg    Config
	logger *slog.Logger

	mgr       *task.Manager
	tracker   *state.Tracker
	pending   state.PendingIntent
	seq       *retry.Sequence
	reconnect *reconnector
	txn       *txnRun
	rssiPoll  *loop.Timer
	rssiEvery time.Duration

	mtu  int
	rssi int
}

// New returns a discovered, disconnected, unbonded device.
func New(addr, name string, radio native.Radio, sched Scheduler, bus *event.Bus, cfg Config) *Device {
	if cfg.Profiles == nil {
		cfg.Profiles = task.DefaultProfiles()
	}
	if cfg.Policy == nil {
		cfg.Policy = retry.NewDefaultPolicy(native.ConnectDirect, native.ConnectAuto)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	d := &Device{
		addr:   addr,
		name:   name,
		radio:  radio,
		sched:  sched,
		bus:    bus,
		cfg:    cfg,
		logger: logger.With("component", "device", "address", addr),
	}
	d.mgr = task.NewManager(
		task.WithName(addr),
		task.WithClock(sched.Now),
		task.WithLogger(logger),
		task.WithListener(d.onTerminal),
	)
	d.tracker = state.NewTracker(Names,
		state.WithClock(sched.Now),
		state.WithListener(d.onState),
	)
	d.seq = retry.NewSequence(addr, cfg.Policy, retry.WithMaxHistory(cfg.MaxHistory))
	d.reconnect = &reconnector{d: d, cfg: cfg.Reconnect}
	d.tracker.Set(state.Unintentional, Discovered, Disconnected, Unbonded)
	return d
}

func (d *Device) Address() string { return d.addr }
func (d *Device) Name() string    { return d.name }

// Is reports whether s is set. Safe from any goroutine.
func (d *Device) Is(s state.State) bool { return d.tracker.Is(s) }

// IsAny reports whether any state of m is set. Safe from any goroutine.
func (d *Device) IsAny(m state.Mask) bool { return d.tracker.IsAny(m) }

// StateMask returns the current states. Safe from any goroutine.
func (d *Device) StateMask() state.Mask { return d.tracker.Mask() }

// TimeInState reports how long the device has been in s.
func (d *Device) TimeInState(s state.State) time.Duration {
	return d.tracker.TimeInState(s, d.sched.Now())
}

// MTU returns the last negotiated MTU, or zero.
func (d *Device) MTU() int { return d.mtu }

// RSSI returns the last known signal strength.
func (d *Device) RSSI() int { return d.rssi }

// Tasks exposes the device's task manager for inspection.
func (d *Device) Tasks() *task.Manager { return d.mgr }

// History returns the failures of the running connect sequence.
func (d *Device) History() []retry.FailureEvent { return d.seq.History() }

// SetPolicy replaces the retry policy.
func (d *Device) SetPolicy(p retry.Policy) { d.seq.SetPolicy(p) }

// Tick advances the device's task manager.
func (d *Device) Tick(now time.Time) bool { return d.mgr.Tick(now) }

// Idle reports whether the device has no queued or executing task.
func (d *Device) Idle() bool { return d.mgr.Idle() }

func (d *Device) String() string {
	return d.addr + " " + d.tracker.String()
}

func (d *Device) post(fn func()) error { return d.sched.Post(fn) }

// apply moves the device to mask. Bits marked as pending are reported as
// intentional.
func (d *Device) apply(mask state.Mask) state.Event {
	return d.tracker.Apply(mask, d.pending.Marked())
}

func (d *Device) onState(ev state.Event) {
	d.logger.Debug("state changed",
		"enter", Names.Format(ev.Enter), "exit", Names.Format(ev.Exit), "now", Names.Format(ev.New))
	d.bus.Publish(event.NewDeviceStateEvent(d.sched.Now(), d.addr, ev, Names))
}

// add enqueues a task for this device and op.
func (d *Device) add(kind task.Kind, op *nativeOp, extra ...task.Option) *task.Task {
	opts := d.cfg.Profiles.Options(kind, append([]task.Option{task.WithOwner(d.addr), task.WithLabel(op.req.Characteristic)}, extra...)...)
	t := task.New(kind, op, opts...)
	if err := d.mgr.Add(t); err != nil {
		d.logger.Warn("task rejected", "kind", kind.String(), "error", err)
		return nil
	}
	return t
}

// complete resolves a native completion against the executing task. It runs
// on the loop goroutine. Completions of finished or interrupted runs are
// dropped.
func (d *Device) complete(c native.Completion) {
	t, ok := d.mgr.Executing(c.ID)
	if !ok {
		d.logger.Debug("dropping stale completion", "id", c.ID.String())
		return
	}
	op, _ := t.Op().(*nativeOp)
	if op != nil {
		op.result = c
	}
	if c.OK() {
		t.Succeed()
	} else {
		t.Fail(c.Error())
	}
}

// nativeOp is a task op that submits one native request.
type nativeOp struct {
	d      *Device
	req    native.Request
	result native.Completion
	// onEnd handles the terminal event of read/write style tasks.
	onEnd func(ev task.TerminalEvent, c native.Completion)
}

func (o *nativeOp) Execute(t *task.Task) error {
	req := o.req
	req.ID = t.ExecutionID()
	return o.d.radio.Submit(req, func(c native.Completion) {
		if err := o.d.post(func() { o.d.complete(c) }); err != nil {
			o.d.logger.Debug("completion after shutdown", "id", c.ID.String())
		}
	})
}

func (o *nativeOp) Abort(t *task.Task) { o.d.radio.Abort(t.ExecutionID()) }

func (d *Device) op(kind task.Kind) *nativeOp {
	return &nativeOp{d: d, req: native.Request{Kind: kind, Address: d.addr}}
}

// onTerminal runs on tick boundaries for every ended task of this device.
func (d *Device) onTerminal(ev task.TerminalEvent) {
	d.bus.Publish(event.NewTaskEvent(d.sched.Now(), ev))
	op, _ := ev.Task.Op().(*nativeOp)
	var c native.Completion
	if op != nil {
		c = op.result
	}

	switch ev.Kind {
	case task.KindConnect:
		d.onConnectEnded(ev)
	case task.KindDiscoverServices:
		d.onDiscoverEnded(ev)
	case task.KindUnbond, task.KindDisconnect:
		if ev.Outcome != task.StateSucceeded && ev.Outcome != task.StateCancelled {
			d.logger.Warn("teardown task failed", "kind", ev.Kind.String(), "error", ev.Err)
		}
	}
	if op != nil && op.onEnd != nil {
		op.onEnd(ev, c)
	}
}

func timing(ev task.TerminalEvent) retry.Timing {
	switch {
	case ev.Outcome == task.StateTimedOut:
		return retry.TimingTimedOut
	case ev.Immediate:
		return retry.TimingImmediately
	case ev.Outcome == task.StateFailed:
		return retry.TimingEventually
	default:
		return retry.TimingNotApplicable
	}
}

func rwStatus(ev task.TerminalEvent) event.ReadWriteStatus {
	switch ev.Outcome {
	case task.StateSucceeded:
		return event.RWSuccess
	case task.StateTimedOut:
		return event.RWTimedOut
	case task.StateCancelled:
		return event.RWCancelled
	default:
		return event.RWFailed
	}
}
