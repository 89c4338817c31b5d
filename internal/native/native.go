// Package native is the boundary between the scheduler and a radio driver.
//
// A driver accepts one Request at a time from a task, answers it later
// through the done callback on a goroutine of its choosing, and reports
// spontaneous happenings (a dropped link, a device found) on its Events
// channel. Callers marshal both back onto the update loop before touching
// scheduler state.
package native

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"bluetooth-sched/internal/task"
)

var (
	// ErrRejected is the generic synchronous rejection of a request.
	ErrRejected = errors.New("native: request rejected")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("native: radio closed")
	// ErrUnsupported is returned for request kinds a driver cannot serve.
	ErrUnsupported = errors.New("native: unsupported request")
	// ErrAborted is reported when a pending request was aborted.
	ErrAborted = errors.New("native: aborted")
)

// ConnectMode selects how a connection is established.
type ConnectMode int

const (
	// ConnectDirect connects right away and fails fast.
	ConnectDirect ConnectMode = iota
	// ConnectAuto lets the stack connect whenever the peripheral shows up.
	ConnectAuto
)

func (m ConnectMode) String() string {
	if m == ConnectAuto {
		return "auto"
	}
	return "direct"
}

// Request is one native call. ID is the execution ID of the task that
// issued it.
type Request struct {
	ID             uuid.UUID
	Kind           task.Kind
	Address        string
	Service        string
	Characteristic string
	Data           []byte
	Enable         bool
	MTU            int
	Mode           ConnectMode
}

func (r Request) String() string {
	s := r.Kind.String()
	if r.Address != "" {
		s += " " + r.Address
	}
	if r.Characteristic != "" {
		s += " " + r.Characteristic
	}
	return s
}

// Code is a native completion status.
type Code int

const (
	CodeSuccess Code = 0
	// CodeFailure is an unspecified native failure.
	CodeFailure Code = 257
	// CodeGattError is the catch-all GATT error status.
	CodeGattError Code = 133
)

// Completion answers a Request.
type Completion struct {
	ID      uuid.UUID
	Code    Code
	Payload []byte
	// Value carries numeric results (RSSI, negotiated MTU).
	Value int
	Err   error
}

// OK reports whether the completion is a success.
func (c Completion) OK() bool { return c.Err == nil && c.Code == CodeSuccess }

// Error returns the completion failure as an error, or nil.
func (c Completion) Error() error {
	if c.OK() {
		return nil
	}
	if c.Err != nil {
		return c.Err
	}
	return fmt.Errorf("native: status %d", int(c.Code))
}

// EventKind identifies a spontaneous event.
type EventKind int

const (
	EventDisconnected EventKind = iota
	EventPowerChanged
	EventDeviceFound
	EventNotification
)

func (k EventKind) String() string {
	switch k {
	case EventDisconnected:
		return "disconnected"
	case EventPowerChanged:
		return "power_changed"
	case EventDeviceFound:
		return "device_found"
	case EventNotification:
		return "notification"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is something the radio reports without being asked.
type Event struct {
	Kind           EventKind
	Address        string
	Name           string
	RSSI           int
	Powered        bool
	Characteristic string
	Data           []byte
	Code           Code
}

// Radio is a native radio driver.
type Radio interface {
	// Submit issues req. A non-nil error is a synchronous rejection and done
	// is never called. Otherwise done is called exactly once, possibly from
	// another goroutine.
	Submit(req Request, done func(Completion)) error
	// Abort asks the driver to give up on the pending request with id. The
	// driver may still complete it.
	Abort(id uuid.UUID)
	// Events delivers spontaneous events until Close.
	Events() <-chan Event
	Close() error
}
