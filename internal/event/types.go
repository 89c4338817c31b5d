// Package event defines the events the scheduler and the device and radio
// entities publish to observers, and the bus that delivers them.
package event

import (
	"fmt"
	"time"

	"bluetooth-sched/internal/retry"
	"bluetooth-sched/internal/state"
	"bluetooth-sched/internal/task"
)

// Event is the interface that all events implement.
type Event interface {
	// EventType returns "category.action", e.g. "device.state".
	EventType() string
	Timestamp() time.Time
}

const (
	TypeDeviceState  = "device.state"
	TypeRadioState   = "radio.state"
	TypeTask         = "task.ended"
	TypeFailure      = "connect.failed"
	TypeReadWrite    = "device.read_write"
	TypeNotification = "device.notification"
	TypeIdle         = "radio.idle"
	TypeDiscovery    = "radio.discovery"
)

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// StateEvent reports one transition of a device's or the radio's state mask.
type StateEvent struct {
	baseEvent
	// Owner is the device address, or empty for the radio.
	Owner string
	state.Event
	Names state.Names
}

// NewDeviceStateEvent wraps a device transition.
func NewDeviceStateEvent(at time.Time, addr string, ev state.Event, names state.Names) StateEvent {
	return StateEvent{baseEvent: baseEvent{TypeDeviceState, at}, Owner: addr, Event: ev, Names: names}
}

// NewRadioStateEvent wraps a radio transition.
func NewRadioStateEvent(at time.Time, ev state.Event, names state.Names) StateEvent {
	return StateEvent{baseEvent: baseEvent{TypeRadioState, at}, Event: ev, Names: names}
}

func (e StateEvent) String() string {
	who := e.Owner
	if who == "" {
		who = "radio"
	}
	return fmt.Sprintf("%s enter=%s exit=%s now=%s", who,
		e.Names.Format(e.Enter), e.Names.Format(e.Exit), e.Names.Format(e.New))
}

// TaskEvent reports the terminal outcome of a task.
type TaskEvent struct {
	baseEvent
	task.TerminalEvent
}

// NewTaskEvent wraps a terminal event.
func NewTaskEvent(at time.Time, ev task.TerminalEvent) TaskEvent {
	return TaskEvent{baseEvent: baseEvent{TypeTask, at}, TerminalEvent: ev}
}

// FailureEvent reports a failed connection attempt and what was decided.
type FailureEvent struct {
	baseEvent
	retry.FailureEvent
	Decision retry.Decision
}

// NewFailureEvent wraps a failure and its decision.
func NewFailureEvent(at time.Time, ev retry.FailureEvent, d retry.Decision) FailureEvent {
	return FailureEvent{baseEvent: baseEvent{TypeFailure, at}, FailureEvent: ev, Decision: d}
}

// ReadWriteStatus is the outcome of a read/write style operation.
type ReadWriteStatus int

const (
	RWSuccess ReadWriteStatus = iota
	RWFailed
	RWTimedOut
	RWCancelled
	// RWNotConnected: the request was refused because the device is not ready.
	RWNotConnected
)

func (s ReadWriteStatus) String() string {
	switch s {
	case RWSuccess:
		return "success"
	case RWFailed:
		return "failed"
	case RWTimedOut:
		return "timed_out"
	case RWCancelled:
		return "cancelled"
	case RWNotConnected:
		return "not_connected"
	default:
		return fmt.Sprintf("ReadWriteStatus(%d)", int(s))
	}
}

// ReadWriteEvent reports the result of a read, write, notification toggle,
// MTU negotiation or RSSI read.
type ReadWriteEvent struct {
	baseEvent
	Address        string
	Kind           task.Kind
	Characteristic string
	Data           []byte
	MTU            int
	RSSI           int
	Status         ReadWriteStatus
	Err            error
}

// NewReadWriteEvent builds a ReadWriteEvent; the caller fills the payload fields.
func NewReadWriteEvent(at time.Time, addr string, kind task.Kind, char string, status ReadWriteStatus, err error) ReadWriteEvent {
	return ReadWriteEvent{
		baseEvent:      baseEvent{TypeReadWrite, at},
		Address:        addr,
		Kind:           kind,
		Characteristic: char,
		Status:         status,
		Err:            err,
	}
}

// WasSuccess reports whether the operation succeeded.
func (e ReadWriteEvent) WasSuccess() bool { return e.Status == RWSuccess }

// NotificationEvent carries a value pushed by a peripheral.
type NotificationEvent struct {
	baseEvent
	Address        string
	Characteristic string
	Data           []byte
}

func NewNotificationEvent(at time.Time, addr, char string, data []byte) NotificationEvent {
	return NotificationEvent{baseEvent: baseEvent{TypeNotification, at}, Address: addr, Characteristic: char, Data: data}
}

// IdleEvent reports that the whole scheduler became idle or busy.
type IdleEvent struct {
	baseEvent
	Idle bool
}

func NewIdleEvent(at time.Time, idle bool) IdleEvent {
	return IdleEvent{baseEvent: baseEvent{TypeIdle, at}, Idle: idle}
}

// DiscoveryEvent reports a peripheral seen during a scan.
type DiscoveryEvent struct {
	baseEvent
	Address string
	Name    string
	RSSI    int
	// New is set the first time the address is seen.
	New bool
}

func NewDiscoveryEvent(at time.Time, addr, name string, rssi int, isNew bool) DiscoveryEvent {
	return DiscoveryEvent{baseEvent: baseEvent{TypeDiscovery, at}, Address: addr, Name: name, RSSI: rssi, New: isNew}
}
