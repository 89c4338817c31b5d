package task

import (
	"sort"
	"strings"
)

// Queue is an ordered list of pending tasks.
//
// Tasks are kept by descending priority; among equal priorities the task that
// was first added to its manager comes first. The sequence number is assigned
// once, so a task that is interrupted and put back keeps its original place
// among its peers.
type Queue struct {
	tasks []*Task
}

func precedes(a, b *Task) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

// Insert places t at the soonest position its priority and sequence allow.
func (q *Queue) Insert(t *Task) {
	i := sort.Search(len(q.tasks), func(i int) bool { return precedes(t, q.tasks[i]) })
	q.tasks = append(q.tasks, nil)
	copy(q.tasks[i+1:], q.tasks[i:])
	q.tasks[i] = t
}

// Peek returns the head of the queue, or nil.
func (q *Queue) Peek() *Task {
	if len(q.tasks) == 0 {
		return nil
	}
	return q.tasks[0]
}

// PopFront removes and returns the head of the queue, or nil.
func (q *Queue) PopFront() *Task {
	if len(q.tasks) == 0 {
		return nil
	}
	t := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	return t
}

// Remove deletes t from the queue and reports whether it was present.
func (q *Queue) Remove(t *Task) bool {
	for i, x := range q.tasks {
		if x == t {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveFunc deletes every task matching pred and returns them in queue order.
func (q *Queue) RemoveFunc(pred func(*Task) bool) []*Task {
	var removed []*Task
	kept := q.tasks[:0]
	for _, t := range q.tasks {
		if pred(t) {
			removed = append(removed, t)
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(q.tasks); i++ {
		q.tasks[i] = nil
	}
	q.tasks = kept
	return removed
}

// Find returns the first task matching pred.
func (q *Queue) Find(pred func(*Task) bool) (*Task, bool) {
	if i := q.Position(pred); i >= 0 {
		return q.tasks[i], true
	}
	return nil, false
}

// Position returns the index of the first task matching pred, or -1.
func (q *Queue) Position(pred func(*Task) bool) int {
	for i, t := range q.tasks {
		if pred(t) {
			return i
		}
	}
	return -1
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int { return len(q.tasks) }

// Snapshot returns a copy of the queue in order.
func (q *Queue) Snapshot() []*Task {
	return append([]*Task(nil), q.tasks...)
}

func (q *Queue) String() string {
	if len(q.tasks) == 0 {
		return "[queue empty]"
	}
	parts := make([]string, len(q.tasks))
	for i, t := range q.tasks {
		parts[i] = t.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
