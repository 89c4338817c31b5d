package task

import "errors"

var (
	// ErrCanceled is the cause recorded on a task cancelled by an explicit caller request.
	ErrCanceled = errors.New("task: canceled")
	// ErrShutdown is the cause recorded on tasks cancelled because the managed
	// subsystem is being torn down.
	ErrShutdown = errors.New("task: subsystem shutting down")
	// ErrTimeout is the cause recorded on a task that exceeded its timeout.
	ErrTimeout = errors.New("task: timed out")
	// ErrAlreadyAdded is returned by Add when the task was already submitted to a manager.
	ErrAlreadyAdded = errors.New("task: already added")
	// ErrClosed is returned by Add after the manager was closed.
	ErrClosed = errors.New("task: manager closed")
)

// WasCancelled reports whether err is one of the cancellation causes.
func WasCancelled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, ErrShutdown)
}
