package native

import (
	"sync"

	"github.com/google/uuid"

	"bluetooth-sched/internal/task"
)

// Fake is an in-memory Radio. By default it completes every request
// successfully as soon as it is submitted (on the submitting goroutine).
// Individual kinds can be held for manual completion, rejected
// synchronously or failed.
type Fake struct {
	mu       sync.Mutex
	hold     map[task.Kind]bool
	reject   map[task.Kind]error
	fail     map[task.Kind]Code
	values   map[task.Kind]int
	payloads map[string][]byte
	pending  map[uuid.UUID]pendingReq
	requests []Request
	aborted  []uuid.UUID
	closed   bool
	events   chan Event
}

type pendingReq struct {
	req  Request
	done func(Completion)
}

// NewFake returns a Fake with an events buffer of 64.
func NewFake() *Fake {
	return &Fake{
		hold:     map[task.Kind]bool{},
		reject:   map[task.Kind]error{},
		fail:     map[task.Kind]Code{},
		values:   map[task.Kind]int{},
		payloads: map[string][]byte{},
		pending:  map[uuid.UUID]pendingReq{},
		events:   make(chan Event, 64),
	}
}

// Hold makes requests of kind stay pending until Complete.
func (f *Fake) Hold(kind task.Kind, on bool) {
	f.mu.Lock()
	f.hold[kind] = on
	f.mu.Unlock()
}

// Reject makes Submit of kind return err. A nil err clears it.
func (f *Fake) Reject(kind task.Kind, err error) {
	f.mu.Lock()
	if err == nil {
		delete(f.reject, kind)
	} else {
		f.reject[kind] = err
	}
	f.mu.Unlock()
}

// Fail makes requests of kind complete with code. CodeSuccess clears it.
func (f *Fake) Fail(kind task.Kind, code Code) {
	f.mu.Lock()
	if code == CodeSuccess {
		delete(f.fail, kind)
	} else {
		f.fail[kind] = code
	}
	f.mu.Unlock()
}

// SetValue sets the numeric result (RSSI, MTU) for kind.
func (f *Fake) SetValue(kind task.Kind, v int) {
	f.mu.Lock()
	f.values[kind] = v
	f.mu.Unlock()
}

// SetPayload sets what reads of characteristic return.
func (f *Fake) SetPayload(characteristic string, data []byte) {
	f.mu.Lock()
	f.payloads[characteristic] = data
	f.mu.Unlock()
}

// Submit implements Radio.
func (f *Fake) Submit(req Request, done func(Completion)) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	f.requests = append(f.requests, req)
	if err, ok := f.reject[req.Kind]; ok {
		f.mu.Unlock()
		return err
	}
	if f.hold[req.Kind] {
		f.pending[req.ID] = pendingReq{req: req, done: done}
		f.mu.Unlock()
		return nil
	}
	c := f.completionLocked(req)
	if req.Kind == task.KindWrite && c.OK() {
		f.payloads[req.Characteristic] = append([]byte(nil), req.Data...)
	}
	f.mu.Unlock()

	done(c)
	return nil
}

func (f *Fake) completionLocked(req Request) Completion {
	c := Completion{ID: req.ID, Value: f.values[req.Kind]}
	if code, ok := f.fail[req.Kind]; ok {
		c.Code = code
		return c
	}
	switch req.Kind {
	case task.KindRead:
		c.Payload = append([]byte(nil), f.payloads[req.Characteristic]...)
	case task.KindNegotiateMTU:
		if c.Value == 0 {
			c.Value = req.MTU
		}
	}
	return c
}

// Complete finishes a held request with c (c.ID is filled in). It reports
// whether the request was pending.
func (f *Fake) Complete(id uuid.UUID, c Completion) bool {
	f.mu.Lock()
	p, ok := f.pending[id]
	delete(f.pending, id)
	f.mu.Unlock()
	if !ok {
		return false
	}
	c.ID = id
	p.done(c)
	return true
}

// CompleteKind finishes the oldest held request of kind successfully.
func (f *Fake) CompleteKind(kind task.Kind) bool {
	req, ok := f.PendingOf(kind)
	if !ok {
		return false
	}
	f.mu.Lock()
	c := f.completionLocked(req)
	f.mu.Unlock()
	return f.Complete(req.ID, c)
}

// PendingOf returns the oldest held request of kind.
func (f *Fake) PendingOf(kind task.Kind) (Request, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.requests {
		if p, ok := f.pending[r.ID]; ok && p.req.Kind == kind {
			return p.req, true
		}
	}
	return Request{}, false
}

// Abort implements Radio. Held requests are dropped without completing.
func (f *Fake) Abort(id uuid.UUID) {
	f.mu.Lock()
	delete(f.pending, id)
	f.aborted = append(f.aborted, id)
	f.mu.Unlock()
}

// Aborted returns the IDs passed to Abort.
func (f *Fake) Aborted() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.aborted...)
}

// Requests returns every request submitted so far.
func (f *Fake) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.requests...)
}

// RequestsOf returns the submitted requests of kind.
func (f *Fake) RequestsOf(kind task.Kind) []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Request
	for _, r := range f.requests {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// Emit queues a spontaneous event. It drops the event when the buffer is
// full or the radio is closed.
func (f *Fake) Emit(ev Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	select {
	case f.events <- ev:
		return true
	default:
		return false
	}
}

// Events implements Radio.
func (f *Fake) Events() <-chan Event { return f.events }

// Close implements Radio.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.events)
	return nil
}
