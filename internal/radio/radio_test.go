package radio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-sched/internal/device"
	"bluetooth-sched/internal/event"
	"bluetooth-sched/internal/loop"
	"bluetooth-sched/internal/native"
	"bluetooth-sched/internal/retry"
	"bluetooth-sched/internal/state"
	"bluetooth-sched/internal/task"
)

const addr = "AA:BB:CC:DD:EE:02"

type harness struct {
	t     *testing.T
	now   time.Time
	loop  *loop.Loop
	fake  *native.Fake
	bus   *event.Bus
	radio *Radio

	states   []event.StateEvent
	idle     []bool
	found    []event.DiscoveryEvent
	notes    []event.NotificationEvent
	failures []event.FailureEvent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, now: time.Unix(5_000, 0)}
	h.loop = loop.New(loop.WithClock(func() time.Time { return h.now }))
	h.fake = native.NewFake()
	h.bus = event.NewBus(nil)
	event.On(h.bus, event.TypeRadioState, func(e event.StateEvent) { h.states = append(h.states, e) })
	event.On(h.bus, event.TypeIdle, func(e event.IdleEvent) { h.idle = append(h.idle, e.Idle) })
	event.On(h.bus, event.TypeDiscovery, func(e event.DiscoveryEvent) { h.found = append(h.found, e) })
	event.On(h.bus, event.TypeNotification, func(e event.NotificationEvent) { h.notes = append(h.notes, e) })
	event.On(h.bus, event.TypeFailure, func(e event.FailureEvent) { h.failures = append(h.failures, e) })

	h.radio = New(h.fake, h.loop, h.bus, Config{})
	h.loop.Register(h.radio)
	return h
}

func (h *harness) step(d time.Duration) {
	h.now = h.now.Add(d)
	h.loop.Step(h.now)
}

func (h *harness) settle() {
	for i := 0; i < 10; i++ {
		h.step(10 * time.Millisecond)
	}
}

func (h *harness) on() {
	h.t.Helper()
	require.NoError(h.t, h.radio.TurnOn())
	h.settle()
	require.True(h.t, h.radio.Is(On), "radio state %s", h.radio)
}

func (h *harness) lastState() event.StateEvent {
	require.NotEmpty(h.t, h.states)
	return h.states[len(h.states)-1]
}

func TestTurnOn(t *testing.T) {
	h := newHarness(t)
	require.Len(t, h.states, 1)
	assert.Equal(t, state.Of(Off), h.radio.StateMask())

	h.on()

	require.Len(t, h.states, 3)
	assert.True(t, h.states[1].DidEnter(TurningOn))
	assert.True(t, h.states[1].DidExit(Off))
	assert.True(t, h.states[1].WasIntentional(TurningOn))
	assert.True(t, h.states[2].DidEnter(On))
	assert.True(t, h.states[2].WasIntentional(On))
	assert.Empty(t, h.states[1].Owner)

	reqs := h.fake.RequestsOf(task.KindTurnOn)
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].Enable)
	assert.Equal(t, []bool{false, true}, h.idle)

	require.NoError(t, h.radio.TurnOn())
	h.settle()
	assert.Len(t, h.fake.RequestsOf(task.KindTurnOn), 1, "already on")
}

func TestTurnOn_Failure(t *testing.T) {
	h := newHarness(t)
	h.fake.Fail(task.KindTurnOn, native.CodeFailure)

	require.NoError(t, h.radio.TurnOn())
	h.settle()

	assert.Equal(t, state.Of(Off), h.radio.StateMask())
	last := h.lastState()
	assert.True(t, last.DidEnter(Off))
	assert.False(t, last.WasIntentional(Off))
}

func TestScan_ForDuration(t *testing.T) {
	h := newHarness(t)
	h.on()

	require.NoError(t, h.radio.StartScan(2*time.Second))
	h.settle()
	assert.True(t, h.radio.Is(Scanning))
	assert.True(t, h.lastState().WasIntentional(Scanning))

	h.step(2 * time.Second)
	h.settle()

	assert.False(t, h.radio.Is(Scanning))
	assert.True(t, h.lastState().DidExit(Scanning))
	assert.True(t, h.lastState().WasIntentional(Scanning))
	scans := h.fake.RequestsOf(task.KindScan)
	require.Len(t, scans, 2)
	assert.True(t, scans[0].Enable)
	assert.False(t, scans[1].Enable)
	assert.True(t, h.radio.Idle())
}

func TestScan_Stop(t *testing.T) {
	h := newHarness(t)
	h.on()
	var ended []event.TaskEvent
	event.On(h.bus, event.TypeTask, func(e event.TaskEvent) { ended = append(ended, e) })

	require.NoError(t, h.radio.StartScan(0))
	h.settle()
	require.True(t, h.radio.Is(Scanning))
	require.NoError(t, h.radio.StartScan(0))
	h.settle()
	assert.Len(t, h.fake.RequestsOf(task.KindScan), 1, "one scan at a time")

	require.NoError(t, h.radio.StopScan())
	h.settle()

	assert.False(t, h.radio.Is(Scanning))
	require.Len(t, ended, 1)
	assert.Equal(t, task.StateCancelled, ended[0].Outcome)
	assert.Len(t, h.fake.RequestsOf(task.KindScan), 2)
}

func TestScan_RequiresOn(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.radio.StartScan(time.Second))
	h.settle()

	assert.Empty(t, h.fake.RequestsOf(task.KindScan))
	assert.False(t, h.radio.Is(Scanning))
}

func TestTurnOff_TearsDownDevices(t *testing.T) {
	h := newHarness(t)
	h.on()
	d := h.radio.AddDevice(addr, "thermo")
	h.fake.Hold(task.KindConnect, true)
	require.NoError(t, d.Connect())
	h.settle()
	require.True(t, d.Is(device.Connecting))

	require.NoError(t, h.radio.TurnOff())
	h.settle()

	assert.Equal(t, state.Of(Off), h.radio.StateMask())
	assert.True(t, h.lastState().WasIntentional(Off))
	assert.True(t, d.Is(device.Disconnected))
	require.Len(t, h.failures, 1)
	assert.Equal(t, retry.StatusRadioTurningOff, h.failures[0].Status)
	assert.Len(t, h.fake.RequestsOf(task.KindTurnOff), 1)
	assert.Len(t, h.fake.Aborted(), 1)
}

func TestPowerChanged_External(t *testing.T) {
	h := newHarness(t)
	h.on()
	d := h.radio.AddDevice(addr, "")
	require.NoError(t, d.Connect())
	h.settle()
	require.True(t, d.Is(device.Initialized))

	require.NoError(t, h.loop.Post(func() { h.radio.handle(native.Event{Kind: native.EventPowerChanged, Powered: false}) }))
	h.settle()

	assert.Equal(t, state.Of(Off), h.radio.StateMask())
	assert.False(t, h.lastState().WasIntentional(Off))
	assert.True(t, d.Is(device.Disconnected))

	require.NoError(t, h.loop.Post(func() { h.radio.handle(native.Event{Kind: native.EventPowerChanged, Powered: true}) }))
	h.settle()
	assert.True(t, h.radio.Is(On))
	assert.False(t, h.lastState().WasIntentional(On))
}

func TestPump_RoutesNativeEvents(t *testing.T) {
	h := newHarness(t)
	h.radio.Start()

	require.True(t, h.fake.Emit(native.Event{Kind: native.EventDeviceFound, Address: addr, Name: "hr-strap", RSSI: -48}))
	require.True(t, h.fake.Emit(native.Event{Kind: native.EventDeviceFound, Address: addr, RSSI: -50}))
	require.True(t, h.fake.Emit(native.Event{Kind: native.EventNotification, Address: addr, Characteristic: "2a37", Data: []byte{72}}))
	require.True(t, h.fake.Emit(native.Event{Kind: native.EventNotification, Address: "00:00:00:00:00:00"}))
	require.NoError(t, h.fake.Close())
	h.radio.pumpDone.Wait()
	h.step(0)

	d, ok := h.radio.Device(addr)
	require.True(t, ok)
	assert.Equal(t, "hr-strap", d.Name())
	assert.Equal(t, -50, d.RSSI())
	require.Len(t, h.found, 2)
	assert.True(t, h.found[0].New)
	assert.False(t, h.found[1].New)
	require.Len(t, h.notes, 1)
	assert.Equal(t, []byte{72}, h.notes[0].Data)
	assert.Len(t, h.radio.Devices(), 1)
}

func TestDevices_Sorted(t *testing.T) {
	h := newHarness(t)
	h.radio.AddDevice("BB:00:00:00:00:00", "")
	h.radio.AddDevice("AA:00:00:00:00:00", "")
	same := h.radio.AddDevice("BB:00:00:00:00:00", "again")

	devs := h.radio.Devices()
	require.Len(t, devs, 2)
	assert.Equal(t, "AA:00:00:00:00:00", devs[0].Address())
	assert.Same(t, devs[1], same)
}

func TestClose_CancelsWithShutdown(t *testing.T) {
	fake := native.NewFake()
	l := loop.New(loop.WithInterval(time.Millisecond))
	r := New(fake, l, event.NewBus(nil), Config{})
	l.Register(r)
	d := r.AddDevice(addr, "")
	r.Start()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, l.Run(ctx))
	}()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer closeCancel()
	require.NoError(t, r.Close(closeCtx))
	require.NoError(t, r.Close(closeCtx), "close is idempotent")
	cancel()
	wg.Wait()

	noop := task.OpFunc(func(*task.Task) error { return nil })
	assert.ErrorIs(t, d.Tasks().Add(task.New(task.KindRead, noop)), task.ErrClosed)
	assert.ErrorIs(t, r.Tasks().Add(task.New(task.KindScan, noop)), task.ErrClosed)
	assert.True(t, d.Is(device.Disconnected))
}
