package state

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Intent classifies a transition as caused by a caller request or by an
// external event (remote disconnect, adapter powered off, ...).
type Intent int

const (
	Unintentional Intent = iota
	Intentional
)

// Mask returns the intent mask applied to every changed bit: all ones for
// Intentional, zero for Unintentional.
func (i Intent) Mask() Mask {
	if i == Intentional {
		return ^Mask(0)
	}
	return 0
}

func (i Intent) String() string {
	switch i {
	case Intentional:
		return "intentional"
	case Unintentional:
		return "unintentional"
	default:
		return fmt.Sprintf("Intent(%d)", int(i))
	}
}

// Event describes one transition of a Tracker.
//
// Enter and Exit never overlap, and New == (Old &^ Exit) | Enter.
// Intent only contains bits that changed.
type Event struct {
	Old    Mask
	New    Mask
	Enter  Mask
	Exit   Mask
	Intent Mask
}

// Empty reports whether the transition changed nothing.
func (e Event) Empty() bool { return e.Enter == 0 && e.Exit == 0 }

// DidEnter reports whether s became active.
func (e Event) DidEnter(s State) bool { return s.DidEnter(e.Old, e.New) }

// DidExit reports whether s became inactive.
func (e Event) DidExit(s State) bool { return s.DidExit(e.Old, e.New) }

// WasIntentional reports whether the change of s was caller-initiated.
// It is false for states that did not change.
func (e Event) WasIntentional(s State) bool { return e.Intent.Has(s) }

// IntentOf returns the intent of the change of s.
func (e Event) IntentOf(s State) Intent {
	if e.WasIntentional(s) {
		return Intentional
	}
	return Unintentional
}

// Change turns one state on or off in Tracker.Update.
type Change struct {
	State State
	On    bool
}

// On returns a change that activates s.
func On(s State) Change { return Change{State: s, On: true} }

// Off returns a change that deactivates s.
func Off(s State) Change { return Change{State: s, On: false} }

// Apply folds changes into m.
func Apply(m Mask, changes ...Change) Mask {
	for _, c := range changes {
		if c.On {
			m |= c.State.Bit()
		} else {
			m &^= c.State.Bit()
		}
	}
	return m
}

// Listener receives every non-empty transition of a Tracker.
type Listener func(Event)

// Tracker holds the active-state mask of one entity.
//
// Apply, Update and Set must only be called from the owning entity's update
// goroutine. Mask, Is, IsAny and IsAll read an atomic copy and may be called
// from anywhere.
type Tracker struct {
	names    Names
	mask     atomic.Uint32
	listener Listener

	now     func() time.Time
	entered []time.Time
	stayed  []time.Duration
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithListener sets the function notified after each non-empty transition.
func WithListener(l Listener) TrackerOption {
	return func(t *Tracker) { t.listener = l }
}

// WithClock enables time-in-state bookkeeping using now.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker returns a tracker for the given state family with an empty mask.
func NewTracker(names Names, opts ...TrackerOption) *Tracker {
	if len(names) > MaxStates {
		panic(fmt.Sprintf("state: %d states exceed mask width %d", len(names), MaxStates))
	}
	t := &Tracker{names: names}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	if t.now != nil {
		t.entered = make([]time.Time, len(names))
		t.stayed = make([]time.Duration, len(names))
	}
	return t
}

// SetListener replaces the transition listener.
func (t *Tracker) SetListener(l Listener) { t.listener = l }

// Mask returns the current set of active states.
func (t *Tracker) Mask() Mask { return Mask(t.mask.Load()) }

// Is reports whether s is active.
func (t *Tracker) Is(s State) bool { return t.Mask().Has(s) }

// IsAny reports whether at least one state of m is active.
func (t *Tracker) IsAny(m Mask) bool { return t.Mask().Any(m) }

// IsAll reports whether every state of m is active.
func (t *Tracker) IsAll(m Mask) bool { return t.Mask().All(m) }

// Apply moves the tracker to newMask in a single transition.
//
// intent marks which bits were caller-initiated; bits that did not change
// are dropped from it. The listener runs only when the mask changed. The
// returned event is empty when newMask equals the current mask.
func (t *Tracker) Apply(newMask, intent Mask) Event {
	old := t.Mask()
	ev := Event{
		Old:   old,
		New:   newMask,
		Enter: newMask &^ old,
		Exit:  old &^ newMask,
	}
	ev.Intent = intent & (ev.Enter | ev.Exit)
	if ev.Empty() {
		return ev
	}
	t.mask.Store(uint32(newMask))
	t.recordTimes(ev)
	if t.listener != nil {
		t.listener(ev)
	}
	return ev
}

// Update applies changes on top of the current mask in one transition.
func (t *Tracker) Update(intent Intent, changes ...Change) Event {
	return t.Apply(Apply(t.Mask(), changes...), intent.Mask())
}

// Set replaces the whole mask with exactly the given states.
func (t *Tracker) Set(intent Intent, states ...State) Event {
	return t.Apply(Of(states...), intent.Mask())
}

// TimeInState returns how long s has been active, or how long its most recent
// stay lasted if it is inactive. It returns zero without a clock.
func (t *Tracker) TimeInState(s State, now time.Time) time.Duration {
	if t.entered == nil || int(s) >= len(t.entered) {
		return 0
	}
	if t.Is(s) {
		return now.Sub(t.entered[s])
	}
	return t.stayed[s]
}

func (t *Tracker) recordTimes(ev Event) {
	if t.entered == nil {
		return
	}
	now := t.now()
	for _, s := range ev.Enter.States() {
		if int(s) < len(t.entered) {
			t.entered[s] = now
		}
	}
	for _, s := range ev.Exit.States() {
		if int(s) < len(t.entered) {
			t.stayed[s] = now.Sub(t.entered[s])
		}
	}
}

// Format renders a mask with this tracker's state names.
func (t *Tracker) Format(m Mask) string { return t.names.Format(m) }

func (t *Tracker) String() string { return t.names.Format(t.Mask()) }
