package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-sched/internal/state"
)

var at = time.Unix(1_700_000_000, 0)

func TestBus_PublishOrder(t *testing.T) {
	bus := NewBus(nil)
	var got []string
	bus.SubscribeAll(func(Event) { got = append(got, "all") })
	bus.Subscribe(TypeIdle, func(Event) { got = append(got, "idle-1") })
	bus.Subscribe(TypeIdle, func(Event) { got = append(got, "idle-2") })
	bus.Subscribe(TypeDiscovery, func(Event) { got = append(got, "discovery") })

	bus.Publish(NewIdleEvent(at, true))

	assert.Equal(t, []string{"idle-1", "idle-2", "all"}, got)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)
	calls := 0
	id := bus.Subscribe(TypeIdle, func(Event) { calls++ })
	require.Equal(t, 1, bus.SubscriptionCount())

	assert.True(t, bus.Unsubscribe(id))
	assert.False(t, bus.Unsubscribe(id))
	bus.Publish(NewIdleEvent(at, false))
	assert.Zero(t, calls)
	assert.Zero(t, bus.SubscriptionCount())
}

func TestBus_PanicIsolated(t *testing.T) {
	bus := NewBus(nil)
	reached := false
	bus.Subscribe(TypeIdle, func(Event) { panic("bad handler") })
	bus.Subscribe(TypeIdle, func(Event) { reached = true })

	assert.NotPanics(t, func() { bus.Publish(NewIdleEvent(at, true)) })
	assert.True(t, reached)
}

func TestBus_ConcurrentSubscribe(t *testing.T) {
	bus := NewBus(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := bus.SubscribeAll(func(Event) {})
			bus.Publish(NewIdleEvent(at, true))
			bus.Unsubscribe(id)
		}()
	}
	wg.Wait()
	assert.Zero(t, bus.SubscriptionCount())
}

func TestOn_TypedHandler(t *testing.T) {
	bus := NewBus(nil)
	var got DiscoveryEvent
	On(bus, TypeDiscovery, func(ev DiscoveryEvent) { got = ev })

	bus.Publish(NewDiscoveryEvent(at, "AA:BB", "sensor", -60, true))

	assert.Equal(t, "AA:BB", got.Address)
	assert.True(t, got.New)
	assert.Equal(t, at, got.Timestamp())
}

func TestStateEvent_String(t *testing.T) {
	names := state.Names{"OFF", "ON"}
	tr := state.NewTracker(names)
	tr.Set(state.Unintentional, 0)
	ev := tr.Set(state.Intentional, 1)

	se := NewRadioStateEvent(at, ev, names)
	assert.Equal(t, TypeRadioState, se.EventType())
	assert.Equal(t, "radio enter=ON exit=OFF now=ON", se.String())
	assert.True(t, se.DidEnter(1))
}
