package task

import (
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Manager serializes tasks onto one logical execution slot.
//
// At most one task executes at a time. Adding a task never blocks: when the
// slot is free the task starts inside Add, and a higher priority task takes
// the slot from an interruptible one inside Add as well. Timeouts are checked
// cooperatively on Tick.
//
// Terminal events are buffered and delivered to the listener on tick
// boundaries, in the order the tasks ended: events produced between ticks are
// delivered at the start of the next Tick, events produced by a Tick at its
// end.
//
// A Manager is not safe for concurrent use. Every method must be called from
// the update goroutine that drives Tick.
type Manager struct {
	name     string
	now      func() time.Time
	logger   *slog.Logger
	listener func(TerminalEvent)
	onIdle   func(idle bool)

	queue     Queue
	current   *Task
	seq       uint64
	outbox    []TerminalEvent
	idle      bool
	closed    bool
	promoting bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithName labels the manager in logs.
func WithName(name string) ManagerOption { return func(m *Manager) { m.name = name } }

// WithClock sets the time source used outside of Tick. Default time.Now.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger. Default discards.
func WithLogger(l *slog.Logger) ManagerOption { return func(m *Manager) { m.logger = l } }

// WithListener sets the function receiving terminal events.
func WithListener(fn func(TerminalEvent)) ManagerOption {
	return func(m *Manager) { m.listener = fn }
}

// WithIdleListener sets the function notified when the manager becomes idle
// or busy.
func WithIdleListener(fn func(idle bool)) ManagerOption {
	return func(m *Manager) { m.onIdle = fn }
}

// NewManager returns an idle manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{now: time.Now, idle: true}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m.logger = m.logger.With("component", "task_manager")
	if m.name != "" {
		m.logger = m.logger.With("manager", m.name)
	}
	return m
}

// SetListener replaces the terminal event listener.
func (m *Manager) SetListener(fn func(TerminalEvent)) { m.listener = fn }

// Add submits t. If nothing is executing, t (or a higher priority queued
// task) starts before Add returns. If t outranks an interruptible executing
// task, that task is interrupted and put back in the queue, and t starts.
func (m *Manager) Add(t *Task) error {
	if t.mgr != nil {
		return ErrAlreadyAdded
	}
	if m.closed {
		return ErrClosed
	}
	now := m.now()
	m.seq++
	t.mgr = m
	t.seq = m.seq
	t.state = StateQueued
	t.queuedAt = now
	m.setIdle(false)

	m.logger.Debug("task added", "task", t)

	if cur := m.current; cur != nil && t.MoreImportant(cur) && cur.interruptible {
		m.requeue(cur)
	}
	m.queue.Insert(t)
	m.promote(now)
	return nil
}

// requeue aborts the executing task's native call and moves the task back
// into the queue.
func (m *Manager) requeue(cur *Task) {
	cur.state = StateInterrupted
	m.logger.Debug("task interrupted", "task", cur)
	if a, ok := cur.op.(Aborter); ok {
		a.Abort(cur)
	}
	m.current = nil
	cur.state = StateQueued
	cur.startedAt = time.Time{}
	m.queue.Insert(cur)
}

// promote starts queued tasks until one is executing or the queue is empty.
func (m *Manager) promote(now time.Time) {
	if m.promoting {
		return
	}
	m.promoting = true
	defer func() { m.promoting = false }()

	for m.current == nil {
		next := m.queue.PopFront()
		if next == nil {
			return
		}
		m.current = next
		next.state = StateExecuting
		next.startedAt = now
		next.execID = uuid.New()
		next.runs++
		m.logger.Debug("task executing", "task", next)
		if err := next.op.Execute(next); err != nil {
			if m.current == next && next.state == StateExecuting {
				next.immediate = true
				m.finish(next, StateFailed, err, now)
			}
		}
	}
}

// end is the path for Succeed and Fail.
func (m *Manager) end(t *Task, st State, err error) bool {
	if t.mgr != m || t != m.current || t.state != StateExecuting {
		m.logger.Debug("ignoring late completion", "task", t, "outcome", st.String())
		return false
	}
	now := m.now()
	m.finish(t, st, err, now)
	m.promote(now)
	return true
}

func (m *Manager) finish(t *Task, st State, err error, now time.Time) {
	t.state = st
	t.err = err
	t.endedAt = now
	if m.current == t {
		m.current = nil
	}
	if err != nil && st != StateCancelled {
		m.logger.Warn("task ended", "task", t, "error", err)
	} else {
		m.logger.Debug("task ended", "task", t)
	}
	m.outbox = append(m.outbox, t.terminalEvent())
}

// Cancel ends t with ErrCanceled, whether it is queued or executing.
// It reports whether t belonged to this manager and was not already ended.
func (m *Manager) Cancel(t *Task) bool {
	return m.CancelFunc(func(x *Task) bool { return x == t }, ErrCanceled) > 0
}

// CancelFunc cancels every queued or executing task matching pred with cause
// and returns how many were cancelled. Queue removal is immediate; the
// terminal events are delivered at the next tick boundary.
func (m *Manager) CancelFunc(pred func(*Task) bool, cause error) int {
	if cause == nil {
		cause = ErrCanceled
	}
	now := m.now()
	removed := m.queue.RemoveFunc(pred)
	for _, t := range removed {
		m.finish(t, StateCancelled, cause, now)
	}
	n := len(removed)
	if cur := m.current; cur != nil && pred(cur) {
		if a, ok := cur.op.(Aborter); ok {
			a.Abort(cur)
		}
		m.finish(cur, StateCancelled, cause, now)
		n++
	}
	m.promote(now)
	return n
}

// CancelAll cancels every task with cause.
func (m *Manager) CancelAll(cause error) int {
	return m.CancelFunc(func(*Task) bool { return true }, cause)
}

// Close cancels everything with ErrShutdown and rejects further Adds.
func (m *Manager) Close() {
	m.CancelAll(ErrShutdown)
	m.closed = true
}

// Interrupt sends the executing task t back to the queue regardless of its
// interruptible flag, then starts the highest priority queued task (which may
// be t again).
func (m *Manager) Interrupt(t *Task) bool {
	if t == nil || t != m.current || t.state != StateExecuting {
		return false
	}
	m.requeue(t)
	m.promote(m.now())
	return true
}

// Tick advances the manager to now: it delivers buffered terminal events,
// times out or updates the executing task, promotes the next task and
// reports whether any work remains.
func (m *Manager) Tick(now time.Time) bool {
	m.flush()

	if cur := m.current; cur != nil {
		if cur.timeout > 0 && now.Sub(cur.startedAt) >= cur.timeout {
			if a, ok := cur.op.(Aborter); ok && cur.abortOnTimeout {
				a.Abort(cur)
			}
			m.finish(cur, StateTimedOut, ErrTimeout, now)
		} else if u, ok := cur.op.(Updater); ok {
			u.Update(cur, now)
		}
	}
	m.promote(now)
	m.flush()

	m.setIdle(m.current == nil && m.queue.Len() == 0)
	return !m.idle
}

func (m *Manager) flush() {
	for len(m.outbox) > 0 {
		batch := m.outbox
		m.outbox = nil
		for _, ev := range batch {
			if m.listener != nil {
				m.listener(ev)
			}
		}
	}
}

func (m *Manager) setIdle(idle bool) {
	if m.idle == idle {
		return
	}
	m.idle = idle
	m.logger.Debug("idle changed", "idle", idle)
	if m.onIdle != nil {
		m.onIdle(idle)
	}
}

// Idle reports whether no task is queued or executing, as of the last Tick
// (or synchronously false after Add).
func (m *Manager) Idle() bool { return m.idle }

// Current returns the executing task, or nil.
func (m *Manager) Current() *Task { return m.current }

// Find resolves a task by ID among the executing and queued tasks.
func (m *Manager) Find(id uuid.UUID) (*Task, bool) {
	if m.current != nil && m.current.id == id {
		return m.current, true
	}
	return m.queue.Find(func(t *Task) bool { return t.id == id })
}

// Executing returns the executing task whose current execution has id. A
// completion for an earlier, interrupted run of the same task finds nothing.
func (m *Manager) Executing(id uuid.UUID) (*Task, bool) {
	if cur := m.current; cur != nil && cur.state == StateExecuting && cur.execID == id {
		return cur, true
	}
	return nil, false
}

// IsCurrent reports whether the executing task matches pred.
func (m *Manager) IsCurrent(pred func(*Task) bool) bool {
	return m.current != nil && pred(m.current)
}

// InQueue reports whether a queued task matches pred.
func (m *Manager) InQueue(pred func(*Task) bool) bool {
	return m.queue.Position(pred) >= 0
}

// IsCurrentOrQueued reports whether any task matches pred.
func (m *Manager) IsCurrentOrQueued(pred func(*Task) bool) bool {
	return m.IsCurrent(pred) || m.InQueue(pred)
}

// Position returns the queue index of the first task matching pred, or -1.
func (m *Manager) Position(pred func(*Task) bool) int { return m.queue.Position(pred) }

// Len returns the number of queued tasks, not counting the executing one.
func (m *Manager) Len() int { return m.queue.Len() }

// Queued returns the queued tasks in execution order.
func (m *Manager) Queued() []*Task { return m.queue.Snapshot() }

func (m *Manager) String() string {
	cur := "no current task"
	if m.current != nil {
		cur = m.current.String()
	}
	return cur + " " + m.queue.String()
}

// OfKind matches tasks of any of the given kinds.
func OfKind(kinds ...Kind) func(*Task) bool {
	return func(t *Task) bool {
		for _, k := range kinds {
			if t.kind == k {
				return true
			}
		}
		return false
	}
}

// OwnedBy matches tasks owned by owner.
func OwnedBy(owner string) func(*Task) bool {
	return func(t *Task) bool { return t.owner == owner }
}
