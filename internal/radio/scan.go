package radio

import (
	"time"

	"bluetooth-sched/internal/native"
	"bluetooth-sched/internal/state"
	"bluetooth-sched/internal/task"
)

// StartScan scans for d, or until StopScan when d is zero. Scanning has the
// lowest priority and yields to any other radio work.
func (r *Radio) StartScan(d time.Duration) error {
	return r.sched.Post(func() { r.startScan(d) })
}

// StopScan ends a running or queued scan.
func (r *Radio) StopScan() error {
	return r.sched.Post(func() {
		r.pending.Mark(state.Of(Scanning))
		r.mgr.CancelFunc(task.OfKind(task.KindScan), task.ErrCanceled)
	})
}

func (r *Radio) startScan(d time.Duration) {
	if !r.Is(On) {
		r.logger.Warn("scan requested while radio is not on", "state", r.String())
		return
	}
	if r.mgr.IsCurrentOrQueued(task.OfKind(task.KindScan)) {
		return
	}
	r.add(task.KindScan, &scanOp{r: r, duration: d})
}

// scanOp keeps discovery running while its task executes. It ends the task
// itself once the duration has elapsed.
type scanOp struct {
	r        *Radio
	duration time.Duration
	started  bool
}

func (o *scanOp) Execute(t *task.Task) error {
	o.started = false
	return o.r.native.Submit(native.Request{ID: t.ExecutionID(), Kind: task.KindScan, Enable: true}, func(c native.Completion) {
		err := o.r.sched.Post(func() { o.onStarted(c) })
		if err != nil {
			o.r.logger.Debug("completion after shutdown", "id", c.ID.String())
		}
	})
}

func (o *scanOp) onStarted(c native.Completion) {
	t, ok := o.r.mgr.Executing(c.ID)
	if !ok {
		return
	}
	if !c.OK() {
		t.Fail(c.Error())
		return
	}
	o.started = true
	o.r.pending.Mark(state.Of(Scanning))
	o.r.tracker.Apply(o.r.tracker.Mask()|Scanning.Bit(), o.r.pending.Marked())
}

func (o *scanOp) Update(t *task.Task, now time.Time) {
	if !o.started || o.duration <= 0 || t.TimeExecuting(now) < o.duration {
		return
	}
	o.r.pending.Mark(state.Of(Scanning))
	o.r.stopDiscovery()
	t.Succeed()
}

func (o *scanOp) Abort(t *task.Task) {
	if o.started {
		o.started = false
		o.r.stopDiscovery()
		return
	}
	o.r.native.Abort(t.ExecutionID())
}
