// Package radio implements the radio subsystem entity. It owns the adapter's
// power and scan state, the registry of known devices, and the task manager
// for radio-wide work, and it routes spontaneous native events to devices.
package radio

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"bluetooth-sched/internal/device"
	"bluetooth-sched/internal/event"
	"bluetooth-sched/internal/native"
	"bluetooth-sched/internal/state"
	"bluetooth-sched/internal/task"
)

// Radio states.
const (
	Off state.State = iota
	TurningOn
	On
	TurningOff
	Scanning
)

// Names labels the radio states.
var Names = state.Names{"OFF", "TURNING_ON", "ON", "TURNING_OFF", "SCANNING"}

var powerMask = state.Of(Off, TurningOn, On, TurningOff)

// Config configures a Radio.
type Config struct {
	// Device is used for every device the radio creates.
	Device device.Config
	Logger *slog.Logger
}

// Radio is the radio subsystem.
type Radio struct {
	native native.Radio
	sched  device.Scheduler
	bus    *event.Bus
	cfg    Config
	logger *slog.Logger

	mgr     *task.Manager
	tracker *state.Tracker
	pending state.PendingIntent
	idle    bool

	mu      sync.RWMutex
	devices map[string]*device.Device

	pumpOnce sync.Once
	pumpDone sync.WaitGroup
	closed   bool
}

// New returns a radio in the OFF state. Spontaneous native events are
// consumed once Start is called.
func New(nr native.Radio, sched device.Scheduler, bus *event.Bus, cfg Config) *Radio {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Device.Logger == nil {
		cfg.Device.Logger = logger
	}
	if cfg.Device.Profiles == nil {
		cfg.Device.Profiles = task.DefaultProfiles()
	}
	r := &Radio{
		native:  nr,
		sched:   sched,
		bus:     bus,
		cfg:     cfg,
		logger:  logger.With("component", "radio"),
		idle:    true,
		devices: make(map[string]*device.Device),
	}
	r.mgr = task.NewManager(
		task.WithName("radio"),
		task.WithClock(sched.Now),
		task.WithLogger(logger),
		task.WithListener(r.onTerminal),
	)
	r.tracker = state.NewTracker(Names,
		state.WithClock(sched.Now),
		state.WithListener(func(ev state.Event) {
			r.logger.Debug("state changed", "enter", Names.Format(ev.Enter), "exit", Names.Format(ev.Exit))
			r.bus.Publish(event.NewRadioStateEvent(r.sched.Now(), ev, Names))
		}),
	)
	r.tracker.Set(state.Unintentional, Off)
	return r
}

// Start begins consuming the native radio's spontaneous events. Each event
// is posted to the loop.
func (r *Radio) Start() {
	r.pumpOnce.Do(func() {
		r.pumpDone.Add(1)
		go r.pump()
	})
}

func (r *Radio) pump() {
	defer r.pumpDone.Done()
	for ev := range r.native.Events() {
		ev := ev
		if err := r.sched.Post(func() { r.handle(ev) }); err != nil {
			r.logger.Debug("dropping native event", "kind", ev.Kind.String(), "error", err)
		}
	}
}

// Is reports whether s is set. Safe from any goroutine.
func (r *Radio) Is(s state.State) bool { return r.tracker.Is(s) }

// StateMask returns the current states. Safe from any goroutine.
func (r *Radio) StateMask() state.Mask { return r.tracker.Mask() }

// Tasks exposes the radio-wide task manager.
func (r *Radio) Tasks() *task.Manager { return r.mgr }

func (r *Radio) String() string { return r.tracker.String() }

// AddDevice returns the device with addr, creating it if needed. It must be
// called on the loop goroutine or before the loop runs.
func (r *Radio) AddDevice(addr, name string) *device.Device {
	d, _ := r.addDevice(addr, name)
	return d
}

func (r *Radio) addDevice(addr, name string) (*device.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[addr]; ok {
		return d, false
	}
	d := device.New(addr, name, r.native, r.sched, r.bus, r.cfg.Device)
	r.devices[addr] = d
	return d, true
}

// Device returns the known device with addr.
func (r *Radio) Device(addr string) (*device.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[addr]
	return d, ok
}

// Devices returns every known device ordered by address.
func (r *Radio) Devices() []*device.Device {
	r.mu.RLock()
	out := make([]*device.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address() < out[j].Address() })
	return out
}

// Tick advances the radio's own manager and every device. It publishes an
// IdleEvent whenever the combined idle state flips.
func (r *Radio) Tick(now time.Time) bool {
	busy := r.mgr.Tick(now)
	for _, d := range r.Devices() {
		if d.Tick(now) {
			busy = true
		}
	}
	if idle := !busy; idle != r.idle {
		r.idle = idle
		r.logger.Debug("idle changed", "idle", idle)
		r.bus.Publish(event.NewIdleEvent(now, idle))
	}
	return busy
}

// Idle reports whether no task of the radio or any device is pending, as of
// the latest tick.
func (r *Radio) Idle() bool { return r.idle }

// TurnOn powers the adapter on.
func (r *Radio) TurnOn() error { return r.sched.Post(r.turnOn) }

// TurnOff cancels every device's work and powers the adapter off.
func (r *Radio) TurnOff() error { return r.sched.Post(r.turnOff) }

func (r *Radio) turnOn() {
	if r.tracker.IsAny(state.Of(On, TurningOn)) {
		return
	}
	r.pending.Mark(powerMask)
	r.setPower(TurningOn)
	r.add(task.KindTurnOn, &powerOp{r: r, on: true})
}

func (r *Radio) turnOff() {
	if r.tracker.IsAny(state.Of(Off, TurningOff)) {
		return
	}
	r.mgr.CancelFunc(task.OfKind(task.KindScan, task.KindTurnOn), task.ErrShutdown)
	for _, d := range r.Devices() {
		d.RadioOff()
	}
	r.pending.Mark(powerMask | state.Of(Scanning))
	r.setPower(TurningOff)
	r.add(task.KindTurnOff, &powerOp{r: r})
}

func (r *Radio) add(kind task.Kind, op task.Op) *task.Task {
	t := task.New(kind, op, r.cfg.Device.Profiles.Options(kind, task.WithLabel("radio"))...)
	if err := r.mgr.Add(t); err != nil {
		r.logger.Warn("task rejected", "kind", kind.String(), "error", err)
		return nil
	}
	return t
}

// setPower moves to the power state s and leaves SCANNING unless s is ON.
func (r *Radio) setPower(s state.State) {
	mask := r.tracker.Mask()&^powerMask | s.Bit()
	if s != On {
		mask &^= Scanning.Bit()
	}
	r.tracker.Apply(mask, r.pending.Marked())
}

func (r *Radio) onTerminal(ev task.TerminalEvent) {
	r.bus.Publish(event.NewTaskEvent(r.sched.Now(), ev))
	ok := ev.Outcome == task.StateSucceeded
	switch ev.Kind {
	case task.KindTurnOn:
		if !r.Is(TurningOn) {
			break
		}
		next := On
		if !ok {
			r.pending.Clear(powerMask)
			next = Off
		}
		r.setPower(next)
		r.pending.Clear(powerMask)
	case task.KindTurnOff:
		if !r.Is(TurningOff) {
			break
		}
		next := Off
		if !ok {
			r.pending.Clear(powerMask)
			next = On
		}
		r.setPower(next)
		r.pending.Clear(powerMask | state.Of(Scanning))
	case task.KindScan:
		if ev.Outcome == task.StateFailed || ev.Outcome == task.StateTimedOut {
			r.pending.Clear(state.Of(Scanning))
		}
		if r.Is(Scanning) {
			r.tracker.Apply(r.tracker.Mask()&^Scanning.Bit(), r.pending.Marked())
		}
		r.pending.Clear(state.Of(Scanning))
	}
}

// handle routes a spontaneous native event. It runs on the loop goroutine.
func (r *Radio) handle(ev native.Event) {
	switch ev.Kind {
	case native.EventPowerChanged:
		r.onPowerChanged(ev.Powered)
	case native.EventDeviceFound:
		d, isNew := r.addDevice(ev.Address, ev.Name)
		d.HandleNative(ev)
		r.bus.Publish(event.NewDiscoveryEvent(r.sched.Now(), ev.Address, d.Name(), ev.RSSI, isNew))
	default:
		if d, ok := r.Device(ev.Address); ok {
			d.HandleNative(ev)
		} else {
			r.logger.Debug("event for unknown device", "kind", ev.Kind.String(), "address", ev.Address)
		}
	}
}

func (r *Radio) onPowerChanged(powered bool) {
	switch {
	case powered && r.tracker.IsAny(state.Of(Off)):
		r.logger.Info("adapter powered on externally")
		r.setPower(On)
	case !powered && r.tracker.IsAny(state.Of(On)):
		r.logger.Warn("adapter powered off externally")
		r.mgr.CancelFunc(task.OfKind(task.KindScan), task.ErrShutdown)
		for _, d := range r.Devices() {
			d.RadioOff()
		}
		r.setPower(Off)
	}
}

// Close cancels all work with ErrShutdown, closes the native radio and waits
// for the event pump to stop. The cancellation runs on the loop; Close gives
// up waiting for it when ctx is done.
func (r *Radio) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	if err := r.sched.Post(func() {
		r.shutdown()
		close(done)
	}); err == nil {
		select {
		case <-done:
		case <-ctx.Done():
			r.logger.Warn("loop did not run shutdown", "error", ctx.Err())
		}
	}
	err := r.native.Close()
	r.pumpDone.Wait()
	return err
}

func (r *Radio) shutdown() {
	r.mgr.Close()
	for _, d := range r.Devices() {
		d.RadioOff()
		d.Tasks().Close()
	}
}

// powerOp turns the adapter on or off.
type powerOp struct {
	r  *Radio
	on bool
}

func (o *powerOp) Execute(t *task.Task) error {
	kind := task.KindTurnOff
	if o.on {
		kind = task.KindTurnOn
	}
	return o.r.submit(t, native.Request{Kind: kind, Enable: o.on})
}

// submit issues req for t and resolves t when the completion reaches the loop.
func (r *Radio) submit(t *task.Task, req native.Request) error {
	req.ID = t.ExecutionID()
	return r.native.Submit(req, func(c native.Completion) {
		err := r.sched.Post(func() {
			cur, ok := r.mgr.Executing(c.ID)
			if !ok {
				return
			}
			if c.OK() {
				cur.Succeed()
			} else {
				cur.Fail(c.Error())
			}
		})
		if err != nil {
			r.logger.Debug("completion after shutdown", "id", c.ID.String())
		}
	})
}

// stopDiscovery asks the native radio to stop scanning. The result is only
// logged.
func (r *Radio) stopDiscovery() {
	err := r.native.Submit(native.Request{ID: uuid.New(), Kind: task.KindScan}, func(c native.Completion) {
		if !c.OK() {
			r.logger.Warn("stopping discovery failed", "error", c.Error())
		}
	})
	if err != nil {
		r.logger.Warn("stopping discovery failed", "error", err)
	}
}
