package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-sched/internal/event"
	"bluetooth-sched/internal/loop"
	"bluetooth-sched/internal/native"
	"bluetooth-sched/internal/retry"
	"bluetooth-sched/internal/state"
	"bluetooth-sched/internal/task"
)

const addr = "AA:BB:CC:DD:EE:01"

type harness struct {
	t     *testing.T
	now   time.Time
	loop  *loop.Loop
	radio *native.Fake
	bus   *event.Bus
	dev   *Device

	states   []event.StateEvent
	failures []event.FailureEvent
	tasks    []event.TaskEvent
	rw       []event.ReadWriteEvent
	notes    []event.NotificationEvent
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	return newHarnessOn(t, cfg, nil)
}

// newHarnessOn builds a harness whose device talks to wrap(fake) instead of
// the fake itself.
func newHarnessOn(t *testing.T, cfg Config, wrap func(*native.Fake) native.Radio) *harness {
	t.Helper()
	h := &harness{t: t, now: time.Unix(1_000, 0)}
	h.loop = loop.New(loop.WithClock(func() time.Time { return h.now }))
	h.radio = native.NewFake()
	var nr native.Radio = h.radio
	if wrap != nil {
		nr = wrap(h.radio)
	}
	h.bus = event.NewBus(nil)
	event.On(h.bus, event.TypeDeviceState, func(e event.StateEvent) { h.states = append(h.states, e) })
	event.On(h.bus, event.TypeFailure, func(e event.FailureEvent) { h.failures = append(h.failures, e) })
	event.On(h.bus, event.TypeTask, func(e event.TaskEvent) { h.tasks = append(h.tasks, e) })
	event.On(h.bus, event.TypeReadWrite, func(e event.ReadWriteEvent) { h.rw = append(h.rw, e) })
	event.On(h.bus, event.TypeNotification, func(e event.NotificationEvent) { h.notes = append(h.notes, e) })

	h.dev = New(addr, "sensor", nr, h.loop, h.bus, cfg)
	h.loop.Register(h.dev)
	return h
}

// step advances the clock by d and runs one loop step.
func (h *harness) step(d time.Duration) {
	h.now = h.now.Add(d)
	h.loop.Step(h.now)
}

// settle runs enough short steps for completions and follow-up tasks to
// propagate.
func (h *harness) settle() {
	for i := 0; i < 10; i++ {
		h.step(10 * time.Millisecond)
	}
}

func (h *harness) post(fn func()) {
	require.NoError(h.t, h.loop.Post(fn))
}

func (h *harness) connected() {
	h.t.Helper()
	require.NoError(h.t, h.dev.Connect())
	h.settle()
	require.True(h.t, h.dev.Is(Initialized), "device state %s", h.dev)
}

func (h *harness) lastState() event.StateEvent {
	require.NotEmpty(h.t, h.states)
	return h.states[len(h.states)-1]
}

func modes(reqs []native.Request) []native.ConnectMode {
	out := make([]native.ConnectMode, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.Mode)
	}
	return out
}

func TestNew_InitialState(t *testing.T) {
	h := newHarness(t, Config{})

	assert.Equal(t, state.Of(Discovered, Disconnected, Unbonded), h.dev.StateMask())
	require.Len(t, h.states, 1)
	assert.Equal(t, addr, h.states[0].Owner)
	assert.True(t, h.dev.Idle())
}

func TestConnect_ReachesInitialized(t *testing.T) {
	h := newHarness(t, Config{})

	h.connected()

	require.GreaterOrEqual(t, len(h.states), 4)
	first := h.states[1]
	assert.True(t, first.DidExit(Disconnected))
	assert.True(t, first.DidEnter(Connecting))
	assert.True(t, first.DidEnter(ConnectingOverall))
	assert.True(t, first.WasIntentional(Connecting))

	last := h.lastState()
	assert.True(t, last.DidEnter(Initialized))
	assert.True(t, last.DidExit(ConnectingOverall))
	assert.True(t, last.WasIntentional(Initialized))

	assert.Equal(t, []native.ConnectMode{native.ConnectDirect}, modes(h.radio.RequestsOf(task.KindConnect)))
	assert.Len(t, h.radio.RequestsOf(task.KindDiscoverServices), 1)
	assert.Empty(t, h.failures)
	assert.Empty(t, h.dev.History())
	assert.True(t, h.dev.Is(Discovered), "discovery survives connection changes")
}

func TestConnect_AlreadyConnected(t *testing.T) {
	h := newHarness(t, Config{})
	h.connected()

	require.NoError(t, h.dev.Connect())
	h.settle()

	require.Len(t, h.failures, 1)
	assert.Equal(t, retry.StatusAlreadyConnectingOrConnected, h.failures[0].Status)
	assert.Equal(t, retry.ActionGiveUp, h.failures[0].Decision.Action)
	assert.Len(t, h.radio.RequestsOf(task.KindConnect), 1)
	assert.True(t, h.dev.Is(Initialized))
}

func TestConnect_RetriesThenGivesUp(t *testing.T) {
	h := newHarness(t, Config{})
	h.radio.Fail(task.KindConnect, native.CodeGattError)

	require.NoError(t, h.dev.Connect())
	h.settle()

	require.Len(t, h.failures, 3)
	actions := []retry.Action{}
	for i, f := range h.failures {
		assert.Equal(t, retry.StatusNativeConnectionFailed, f.Status)
		assert.Equal(t, retry.TimingEventually, f.Timing)
		assert.Equal(t, i+1, f.AttemptCount)
		assert.Len(t, f.History, i, "history holds the earlier failures")
		assert.Equal(t, int(native.CodeGattError), f.Code)
		actions = append(actions, f.Decision.Action)
	}
	assert.Equal(t, []retry.Action{retry.ActionRetry, retry.ActionRetryWith, retry.ActionGiveUp}, actions)
	assert.Equal(t,
		[]native.ConnectMode{native.ConnectDirect, native.ConnectDirect, native.ConnectAuto},
		modes(h.radio.RequestsOf(task.KindConnect)))

	entered := false
	for _, s := range h.states {
		if s.DidEnter(RetryingConnection) {
			entered = true
		}
	}
	assert.True(t, entered)
	assert.Equal(t, state.Of(Discovered, Disconnected, Unbonded), h.dev.StateMask())
	assert.False(t, h.lastState().WasIntentional(Disconnected), "giving up is not a caller request")
	assert.Empty(t, h.dev.History())
}

func TestConnect_TimeoutFlipsModeAndRecovers(t *testing.T) {
	h := newHarness(t, Config{})
	h.radio.Hold(task.KindConnect, true)

	require.NoError(t, h.dev.Connect())
	h.step(0)
	first := h.radio.RequestsOf(task.KindConnect)
	require.Len(t, first, 1)

	h.step(task.DefaultTimeout)
	h.settle()

	require.Len(t, h.failures, 1)
	assert.Equal(t, retry.TimingTimedOut, h.failures[0].Timing)
	assert.Equal(t, retry.RetryWith(native.ConnectAuto), h.failures[0].Decision)
	assert.Contains(t, h.radio.Aborted(), first[0].ID)
	assert.Equal(t, []native.ConnectMode{native.ConnectDirect, native.ConnectAuto}, modes(h.radio.RequestsOf(task.KindConnect)))
	assert.True(t, h.dev.Is(RetryingConnection))
	assert.Len(t, h.dev.History(), 1)

	require.True(t, h.radio.CompleteKind(task.KindConnect))
	h.settle()

	assert.True(t, h.dev.Is(Initialized))
	assert.False(t, h.dev.Is(RetryingConnection))
	assert.Empty(t, h.dev.History())
}

func TestDisconnect_BypassesPolicy(t *testing.T) {
	h := newHarness(t, Config{})
	h.dev.SetPolicy(retry.PolicyFunc(func(ev retry.FailureEvent) retry.Decision {
		t.Fatalf("policy consulted for %s", ev)
		return retry.GiveUp()
	}))
	h.radio.Hold(task.KindConnect, true)

	require.NoError(t, h.dev.Connect())
	h.step(0)
	pending := h.radio.RequestsOf(task.KindConnect)
	require.Len(t, pending, 1)

	require.NoError(t, h.dev.Disconnect())
	h.settle()

	require.Len(t, h.failures, 1)
	assert.Equal(t, retry.StatusExplicitDisconnect, h.failures[0].Status)
	assert.Equal(t, retry.ActionGiveUp, h.failures[0].Decision.Action)
	assert.Contains(t, h.radio.Aborted(), pending[0].ID)
	assert.Len(t, h.radio.RequestsOf(task.KindDisconnect), 1)

	last := h.lastState()
	assert.True(t, last.DidEnter(Disconnected))
	assert.True(t, last.WasIntentional(Disconnected))
	assert.Equal(t, state.Of(Discovered, Disconnected, Unbonded), h.dev.StateMask())

	var cancelled bool
	for _, ev := range h.tasks {
		if ev.Kind == task.KindConnect {
			cancelled = ev.Outcome == task.StateCancelled
			assert.ErrorIs(t, ev.Err, task.ErrCanceled)
		}
	}
	assert.True(t, cancelled)
}

func TestRogueDisconnect_DuringDiscoveryRetries(t *testing.T) {
	h := newHarness(t, Config{})
	h.radio.Hold(task.KindDiscoverServices, true)

	require.NoError(t, h.dev.Connect())
	h.settle()
	require.True(t, h.dev.IsAny(state.Of(DiscoveringServices)))

	h.post(func() { h.dev.HandleNative(native.Event{Kind: native.EventDisconnected, Address: addr}) })
	h.settle()

	require.Len(t, h.failures, 1)
	assert.Equal(t, retry.StatusRogueDisconnect, h.failures[0].Status)
	assert.True(t, h.failures[0].Decision.ShouldRetry())
	assert.Len(t, h.radio.RequestsOf(task.KindConnect), 2)
	assert.Empty(t, h.radio.RequestsOf(task.KindDisconnect), "the link is already gone")
	assert.True(t, h.dev.Is(RetryingConnection))
	assert.True(t, h.dev.Is(DiscoveringServices))
}

func TestNativeDisconnect_LongTermReconnect(t *testing.T) {
	h := newHarness(t, Config{Reconnect: ReconnectConfig{
		Enabled:     true,
		BaseDelay:   time.Second,
		MaxDelay:    4 * time.Second,
		MaxAttempts: 3,
	}})
	h.connected()
	h.radio.Fail(task.KindConnect, native.CodeFailure)

	h.post(func() { h.dev.HandleNative(native.Event{Kind: native.EventDisconnected, Address: addr}) })
	h.step(0)

	last := h.lastState()
	assert.True(t, last.DidEnter(Disconnected))
	assert.True(t, last.DidEnter(ReconnectingLongTerm))
	assert.False(t, last.WasIntentional(Disconnected))
	assert.Len(t, h.radio.RequestsOf(task.KindConnect), 1, "first attempt waits for the backoff")

	h.step(time.Second)
	h.settle()

	require.Len(t, h.radio.RequestsOf(task.KindConnect), 2)
	require.Len(t, h.failures, 1)
	assert.True(t, h.failures[0].LongTerm)
	assert.Equal(t, retry.ActionGiveUp, h.failures[0].Decision.Action)
	assert.True(t, h.dev.IsAny(state.Of(Disconnected)))
	assert.True(t, h.dev.Is(ReconnectingLongTerm))

	h.radio.Fail(task.KindConnect, native.CodeSuccess)
	h.step(2 * time.Second)
	h.settle()

	assert.Len(t, h.radio.RequestsOf(task.KindConnect), 3)
	assert.True(t, h.dev.Is(Initialized))
	assert.False(t, h.dev.Is(ReconnectingLongTerm))
}

func TestNativeDisconnect_LongTermReconnectGivesUp(t *testing.T) {
	h := newHarness(t, Config{Reconnect: ReconnectConfig{Enabled: true, BaseDelay: time.Second, MaxAttempts: 1}})
	h.connected()
	h.radio.Fail(task.KindConnect, native.CodeFailure)

	h.post(func() { h.dev.HandleNative(native.Event{Kind: native.EventDisconnected, Address: addr}) })
	h.step(0)
	h.step(time.Second)
	h.settle()
	h.step(time.Minute)
	h.settle()

	assert.Len(t, h.radio.RequestsOf(task.KindConnect), 2)
	assert.Equal(t, state.Of(Discovered, Disconnected, Unbonded), h.dev.StateMask())
}

func TestNativeDisconnect_WithoutReconnect(t *testing.T) {
	h := newHarness(t, Config{})
	h.connected()

	h.post(func() { h.dev.HandleNative(native.Event{Kind: native.EventDisconnected, Address: addr}) })
	h.settle()

	assert.Equal(t, state.Of(Discovered, Disconnected, Unbonded), h.dev.StateMask())
	assert.False(t, h.lastState().WasIntentional(Disconnected))
	assert.Empty(t, h.failures)

	before := len(h.states)
	h.post(func() { h.dev.HandleNative(native.Event{Kind: native.EventDisconnected, Address: addr}) })
	h.settle()
	assert.Len(t, h.states, before, "a second drop changes nothing")
}

func TestRadioOff_CancelsWithShutdown(t *testing.T) {
	h := newHarness(t, Config{})
	h.radio.Hold(task.KindConnect, true)
	require.NoError(t, h.dev.Connect())
	h.step(0)

	h.post(h.dev.RadioOff)
	h.settle()

	require.Len(t, h.failures, 1)
	assert.Equal(t, retry.StatusRadioTurningOff, h.failures[0].Status)
	assert.Equal(t, retry.ActionGiveUp, h.failures[0].Decision.Action)
	require.NotEmpty(t, h.tasks)
	assert.Equal(t, task.StateCancelled, h.tasks[0].Outcome)
	assert.ErrorIs(t, h.tasks[0].Err, task.ErrShutdown)
	assert.True(t, task.WasCancelled(h.tasks[0].Err))
	assert.True(t, h.dev.Is(Disconnected))
	assert.True(t, h.dev.Idle())
}

func TestRead_RequiresInitialized(t *testing.T) {
	h := newHarness(t, Config{})
	var got []event.ReadWriteEvent

	require.NoError(t, h.dev.Read("2a37", func(e event.ReadWriteEvent) { got = append(got, e) }))
	h.settle()

	require.Len(t, got, 1)
	assert.Equal(t, event.RWNotConnected, got[0].Status)
	assert.ErrorIs(t, got[0].Err, ErrNotReady)
	assert.Empty(t, h.radio.RequestsOf(task.KindRead))
	assert.Len(t, h.rw, 1)
}

func TestReadWrite(t *testing.T) {
	h := newHarness(t, Config{})
	h.connected()
	h.radio.SetValue(task.KindReadRSSI, -61)
	var got []event.ReadWriteEvent
	cb := func(e event.ReadWriteEvent) { got = append(got, e) }

	require.NoError(t, h.dev.Write("2a06", []byte{1, 2}, cb))
	require.NoError(t, h.dev.Read("2a06", cb))
	require.NoError(t, h.dev.NegotiateMTU(247, cb))
	require.NoError(t, h.dev.ReadRSSI(cb))
	require.NoError(t, h.dev.EnableNotify("2a37", cb))
	h.settle()

	require.Len(t, got, 5)
	for _, e := range got {
		assert.True(t, e.WasSuccess(), "%s: %v", e.Kind, e.Err)
	}
	assert.Equal(t, task.KindWrite, got[0].Kind)
	assert.Equal(t, []byte{1, 2}, got[1].Data)
	assert.Equal(t, 247, got[2].MTU)
	assert.Equal(t, task.KindToggleNotify, got[3].Kind, "low priority RSSI read runs last")
	assert.Equal(t, -61, got[4].RSSI)
	assert.Equal(t, 247, h.dev.MTU())
	assert.Equal(t, -61, h.dev.RSSI())

	notify := h.radio.RequestsOf(task.KindToggleNotify)
	require.Len(t, notify, 1)
	assert.True(t, notify[0].Enable)
	assert.Equal(t, addr, notify[0].Address)
}

func TestRead_TimesOutAndIgnoresLateCompletion(t *testing.T) {
	h := newHarness(t, Config{})
	h.connected()
	h.radio.Hold(task.KindRead, true)
	var got []event.ReadWriteEvent

	require.NoError(t, h.dev.Read("2a37", func(e event.ReadWriteEvent) { got = append(got, e) }))
	h.step(0)
	h.step(task.DefaultTimeout)
	h.settle()

	require.Len(t, got, 1)
	assert.Equal(t, event.RWTimedOut, got[0].Status)
	assert.ErrorIs(t, got[0].Err, task.ErrTimeout)

	require.True(t, h.radio.CompleteKind(task.KindRead))
	h.settle()
	assert.Len(t, got, 1)
}

func TestBond(t *testing.T) {
	h := newHarness(t, Config{})
	var got []event.ReadWriteEvent

	require.NoError(t, h.dev.Bond(func(e event.ReadWriteEvent) { got = append(got, e) }))
	h.settle()

	require.Len(t, got, 1)
	assert.True(t, got[0].WasSuccess())
	assert.True(t, h.dev.Is(Bonded))
	assert.True(t, h.lastState().WasIntentional(Bonded))

	require.NoError(t, h.dev.Unbond())
	h.step(0)
	assert.True(t, h.dev.Is(Unbonded))
	assert.True(t, h.lastState().WasIntentional(Unbonded))
	h.settle()
	assert.Len(t, h.radio.RequestsOf(task.KindUnbond), 1)
}

func TestBond_LostToRemoteDisconnectIsUnintentional(t *testing.T) {
	h := newHarness(t, Config{})
	h.connected()
	h.radio.Hold(task.KindBond, true)
	var got []event.ReadWriteEvent

	require.NoError(t, h.dev.Bond(func(e event.ReadWriteEvent) { got = append(got, e) }))
	h.step(0)
	require.True(t, h.dev.Is(Bonding))
	assert.True(t, h.lastState().WasIntentional(Bonding))

	h.post(func() {
		h.dev.HandleNative(native.Event{Kind: native.EventDisconnected, Address: addr, Code: 8})
	})
	h.settle()

	require.Len(t, got, 1)
	assert.Equal(t, event.RWCancelled, got[0].Status)
	assert.True(t, h.dev.Is(Unbonded))
	var lost []event.StateEvent
	for _, e := range h.states {
		if e.DidEnter(Unbonded) {
			lost = append(lost, e)
		}
	}
	require.Len(t, lost, 1)
	assert.False(t, lost[0].WasIntentional(Unbonded))
	assert.False(t, lost[0].WasIntentional(Bonding))
}

func TestBond_SurvivesExplicitDisconnectIntentionally(t *testing.T) {
	h := newHarness(t, Config{})
	h.connected()
	h.radio.Hold(task.KindBond, true)

	require.NoError(t, h.dev.Bond(nil))
	h.step(0)
	require.NoError(t, h.dev.Disconnect())
	h.step(0)
	require.True(t, h.dev.Is(Bonding))

	require.True(t, h.radio.CompleteKind(task.KindBond))
	h.settle()
	assert.True(t, h.dev.Is(Bonded))
	assert.True(t, h.lastState().WasIntentional(Bonded))
}

func TestBond_Failure(t *testing.T) {
	h := newHarness(t, Config{})
	h.radio.Fail(task.KindBond, native.CodeFailure)
	var got []event.ReadWriteEvent

	require.NoError(t, h.dev.Bond(func(e event.ReadWriteEvent) { got = append(got, e) }))
	h.settle()

	require.Len(t, got, 1)
	assert.Equal(t, event.RWFailed, got[0].Status)
	last := h.lastState()
	assert.True(t, last.DidExit(Bonding))
	assert.True(t, last.DidEnter(Unbonded))
	assert.False(t, last.WasIntentional(Unbonded))
}

// retainingRadio keeps the requests of one kind pending and hands their
// completion callbacks to the test.
type retainingRadio struct {
	*native.Fake
	kind  task.Kind
	reqs  []native.Request
	dones []func(native.Completion)
}

func (r *retainingRadio) Submit(req native.Request, done func(native.Completion)) error {
	if req.Kind != r.kind {
		return r.Fake.Submit(req, done)
	}
	r.reqs = append(r.reqs, req)
	r.dones = append(r.dones, done)
	return nil
}

func TestReadRSSI_InterruptedRunCompletionIgnored(t *testing.T) {
	rr := &retainingRadio{kind: task.KindReadRSSI}
	h := newHarnessOn(t, Config{}, func(f *native.Fake) native.Radio {
		rr.Fake = f
		return rr
	})
	h.connected()
	var got []event.ReadWriteEvent
	cb := func(e event.ReadWriteEvent) { got = append(got, e) }

	require.NoError(t, h.dev.ReadRSSI(cb))
	h.step(0)
	require.Len(t, rr.reqs, 1)

	require.NoError(t, h.dev.Read("2a37", cb))
	h.settle()
	require.Len(t, got, 1)
	assert.Equal(t, task.KindRead, got[0].Kind)
	require.Len(t, rr.reqs, 2, "the interrupted RSSI read runs again")
	assert.NotEqual(t, rr.reqs[0].ID, rr.reqs[1].ID)
	assert.Contains(t, h.radio.Aborted(), rr.reqs[0].ID)

	rr.dones[0](native.Completion{ID: rr.reqs[0].ID, Value: -90})
	h.settle()
	assert.Len(t, got, 1, "completion of the interrupted run is dropped")
	assert.True(t, h.dev.Tasks().IsCurrent(task.OfKind(task.KindReadRSSI)))

	rr.dones[1](native.Completion{ID: rr.reqs[1].ID, Value: -40})
	h.settle()
	require.Len(t, got, 2)
	assert.True(t, got[1].WasSuccess())
	assert.Equal(t, -40, got[1].RSSI)
	assert.Equal(t, -40, h.dev.RSSI())
}

func TestRSSIPoll(t *testing.T) {
	h := newHarness(t, Config{})
	h.connected()

	require.NoError(t, h.dev.StartRSSIPoll(time.Second))
	h.step(0)
	h.step(time.Second)
	h.settle()
	assert.Len(t, h.radio.RequestsOf(task.KindReadRSSI), 1)

	h.step(time.Second)
	h.settle()
	assert.Len(t, h.radio.RequestsOf(task.KindReadRSSI), 2)

	require.NoError(t, h.dev.StopRSSIPoll())
	h.step(0)
	h.step(5 * time.Second)
	h.settle()
	assert.Len(t, h.radio.RequestsOf(task.KindReadRSSI), 2)
}

func TestHandleNative_Notification(t *testing.T) {
	h := newHarness(t, Config{})

	h.post(func() {
		h.dev.HandleNative(native.Event{Kind: native.EventNotification, Address: addr, Characteristic: "2a37", Data: []byte{9}})
	})
	h.step(0)

	require.Len(t, h.notes, 1)
	assert.Equal(t, "2a37", h.notes[0].Characteristic)
	assert.Equal(t, []byte{9}, h.notes[0].Data)
}

func TestTransitoryConnectionState(t *testing.T) {
	s, ok := TransitoryConnectionState(state.Of(Discovered, Connected, DiscoveringServices))
	assert.True(t, ok)
	assert.Equal(t, DiscoveringServices, s)

	_, ok = TransitoryConnectionState(state.Of(Discovered, Disconnected))
	assert.False(t, ok)
}
