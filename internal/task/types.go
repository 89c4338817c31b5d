package task

import (
	"fmt"
	"strings"
)

// Priority orders tasks in a queue. Higher values run first.
type Priority int

const (
	PriorityTrivial Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = [...]string{"trivial", "low", "medium", "high", "critical"}

func (p Priority) String() string {
	if p >= 0 && int(p) < len(priorityNames) {
		return priorityNames[p]
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// ParsePriority converts a case-insensitive name to a Priority.
func ParsePriority(s string) (Priority, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range priorityNames {
		if n == name {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("task: unknown priority %q", s)
}

// State is the lifecycle state of a Task.
//
// Succeeded, Failed, TimedOut and Cancelled are terminal. Interrupted is
// transient: an interrupted task is always re-queued or ended right away.
type State int

const (
	StateQueued State = iota
	StateExecuting
	StateSucceeded
	StateFailed
	StateTimedOut
	StateInterrupted
	StateCancelled
)

// Terminal reports whether s is an ending state.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut, StateCancelled:
		return true
	default:
		return false
	}
}

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateExecuting:
		return "executing"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed-out"
	case StateInterrupted:
		return "interrupted"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Kind identifies the radio operation a task performs. It selects the
// configured timeout, priority and interruptibility.
type Kind int

const (
	KindTurnOn Kind = iota
	KindTurnOff
	KindScan
	KindConnect
	KindDisconnect
	KindBond
	KindUnbond
	KindDiscoverServices
	KindRead
	KindWrite
	KindToggleNotify
	KindNegotiateMTU
	KindReadRSSI
)

var kindNames = [...]string{
	"turn_on", "turn_off", "scan", "connect", "disconnect", "bond", "unbond",
	"discover_services", "read", "write", "toggle_notify", "negotiate_mtu", "read_rssi",
}

// Kinds returns every known kind.
func Kinds() []Kind {
	out := make([]Kind, len(kindNames))
	for i := range kindNames {
		out[i] = Kind(i)
	}
	return out
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind converts a snake_case name to a Kind.
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range kindNames {
		if n == name {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("task: unknown kind %q", s)
}
