package task

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Op is the work a Task performs against the native layer.
//
// Execute issues a single non-blocking call and returns immediately. A
// non-nil error means the native layer rejected the call synchronously and
// the task fails right away. Completion arrives later, out of band, and the
// owner reports it with Task.Succeed or Task.Fail.
type Op interface {
	Execute(t *Task) error
}

// OpFunc adapts a function to Op.
type OpFunc func(t *Task) error

// Execute calls f(t).
func (f OpFunc) Execute(t *Task) error { return f(t) }

// Updater is implemented by ops that need to run on every tick while executing.
type Updater interface {
	Update(t *Task, now time.Time)
}

// Aborter is implemented by ops that can tell the native layer to give up on
// an in-flight call. It is invoked when an executing task is cancelled or
// interrupted, and on timeout only for tasks created with WithAbortOnTimeout.
type Aborter interface {
	Abort(t *Task)
}

// Task is one serialized unit of radio work.
//
// All fields are owned by the Manager the task was added to; methods must be
// called from that manager's update goroutine.
type Task struct {
	id             uuid.UUID
	kind           Kind
	op             Op
	priority       Priority
	interruptible  bool
	timeout        time.Duration
	abortOnTimeout bool
	owner          string
	label          string

	mgr       *Manager
	seq       uint64
	state     State
	err       error
	immediate bool
	execID    uuid.UUID
	runs      int

	queuedAt  time.Time
	startedAt time.Time
	endedAt   time.Time
}

// Option configures a Task.
type Option func(*Task)

// WithPriority sets the queue priority. Default PriorityMedium.
func WithPriority(p Priority) Option { return func(t *Task) { t.priority = p } }

// WithInterruptible marks the task as pre-emptible by higher priority tasks.
func WithInterruptible(v bool) Option { return func(t *Task) { t.interruptible = v } }

// WithTimeout sets how long the task may execute. Zero disables the timeout.
func WithTimeout(d time.Duration) Option { return func(t *Task) { t.timeout = d } }

// WithAbortOnTimeout makes a timeout invoke the op's Aborter.
func WithAbortOnTimeout() Option { return func(t *Task) { t.abortOnTimeout = true } }

// WithOwner records the handle of the entity that owns the task (a device
// address, or the radio). The task never references the owner itself.
func WithOwner(owner string) Option { return func(t *Task) { t.owner = owner } }

// WithLabel attaches a short description (a characteristic UUID, say) used in logs.
func WithLabel(label string) Option { return func(t *Task) { t.label = label } }

// WithID overrides the generated task ID.
func WithID(id uuid.UUID) Option { return func(t *Task) { t.id = id } }

// New creates a queued task of the given kind.
func New(kind Kind, op Op, opts ...Option) *Task {
	if op == nil {
		panic("task: New called with nil Op")
	}
	t := &Task{
		id:       uuid.New(),
		kind:     kind,
		op:       op,
		priority: PriorityMedium,
		state:    StateQueued,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

func (t *Task) ID() uuid.UUID              { return t.id }
func (t *Task) Kind() Kind                 { return t.kind }
func (t *Task) Op() Op                     { return t.op }
func (t *Task) Priority() Priority         { return t.priority }
func (t *Task) Interruptible() bool        { return t.interruptible }
func (t *Task) Timeout() time.Duration     { return t.timeout }
func (t *Task) Owner() string              { return t.owner }
func (t *Task) Label() string              { return t.label }
func (t *Task) State() State               { return t.state }
func (t *Task) QueuedAt() time.Time        { return t.queuedAt }
func (t *Task) StartedAt() time.Time       { return t.startedAt }
func (t *Task) EndedAt() time.Time         { return t.endedAt }
func (t *Task) IsTerminal() bool           { return t.state.Terminal() }
func (t *Task) IsExecuting() bool          { return t.state == StateExecuting }
func (t *Task) MoreImportant(o *Task) bool { return t.priority > o.priority }

// Err returns the cause of a failed, timed out or cancelled task.
func (t *Task) Err() error { return t.err }

// ExecutionID identifies the current execution. A fresh ID is drawn each
// time the task starts executing, so a completion carrying the ID of an
// interrupted run can be told apart from the live one.
func (t *Task) ExecutionID() uuid.UUID { return t.execID }

// Runs returns how many times the task has started executing.
func (t *Task) Runs() int { return t.runs }

// Immediate reports whether the task failed synchronously inside Execute.
func (t *Task) Immediate() bool { return t.immediate }

// TimeExecuting returns now minus the start of the current execution. It is
// zero unless the task is executing.
func (t *Task) TimeExecuting(now time.Time) time.Duration {
	if t.state != StateExecuting {
		return 0
	}
	return now.Sub(t.startedAt)
}

// Succeed ends the executing task successfully. It returns false when the
// task is not the executing task of its manager, which is how late
// completions (after a timeout or cancellation) are recognized and dropped.
func (t *Task) Succeed() bool {
	if t.mgr == nil {
		return false
	}
	return t.mgr.end(t, StateSucceeded, nil)
}

// Fail ends the executing task with err. Like Succeed it returns false for a
// task that is no longer executing.
func (t *Task) Fail(err error) bool {
	if t.mgr == nil {
		return false
	}
	if err == nil {
		err = fmt.Errorf("task: %s failed", t.kind)
	}
	return t.mgr.end(t, StateFailed, err)
}

func (t *Task) String() string {
	var sb strings.Builder
	sb.WriteString(t.kind.String())
	sb.WriteByte('(')
	sb.WriteString(t.state.String())
	if t.owner != "" {
		sb.WriteByte(' ')
		sb.WriteString(t.owner)
	}
	if t.label != "" {
		sb.WriteByte(' ')
		sb.WriteString(t.label)
	}
	sb.WriteByte(' ')
	sb.WriteString(t.priority.String())
	sb.WriteByte(' ')
	sb.WriteString(t.id.String()[:8])
	sb.WriteByte(')')
	return sb.String()
}

// LogValue implements slog.LogValuer.
func (t *Task) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("id", t.id.String()),
		slog.String("kind", t.kind.String()),
		slog.String("state", t.state.String()),
		slog.String("priority", t.priority.String()),
	}
	if t.owner != "" {
		attrs = append(attrs, slog.String("owner", t.owner))
	}
	if t.label != "" {
		attrs = append(attrs, slog.String("label", t.label))
	}
	return slog.GroupValue(attrs...)
}

// TerminalEvent reports the end of a task.
type TerminalEvent struct {
	TaskID           uuid.UUID
	Kind             Kind
	Owner            string
	Outcome          State
	Err              error
	Immediate        bool
	ElapsedTotal     time.Duration
	ElapsedExecuting time.Duration

	// Task is the ended task, for owners resolving their own bookkeeping.
	Task *Task
}

func (t *Task) terminalEvent() TerminalEvent {
	ev := TerminalEvent{
		TaskID:       t.id,
		Kind:         t.kind,
		Owner:        t.owner,
		Outcome:      t.state,
		Err:          t.err,
		Immediate:    t.immediate,
		ElapsedTotal: t.endedAt.Sub(t.queuedAt),
		Task:         t,
	}
	if !t.startedAt.IsZero() {
		ev.ElapsedExecuting = t.endedAt.Sub(t.startedAt)
	}
	return ev
}
