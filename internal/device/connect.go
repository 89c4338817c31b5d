package device

import (
	"context"
	"log/slog"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"bluetooth-sched/internal/event"
	"bluetooth-sched/internal/loop"
	"bluetooth-sched/internal/native"
	"bluetooth-sched/internal/retry"
	"bluetooth-sched/internal/state"
	"bluetooth-sched/internal/task"
)

// Connect starts a connect sequence: native connect, service discovery, then
// the configured authentication and initialization transactions. Failures are
// retried as the retry policy decides.
func (d *Device) Connect() error { return d.post(d.connect) }

// Disconnect ends the connection or the running connect sequence. The
// policy is not consulted.
func (d *Device) Disconnect() error { return d.post(d.disconnect) }

// base is the current mask without any connection state.
func (d *Device) base() state.Mask { return d.StateMask() &^ connectionMask }

func (d *Device) connect() {
	if d.IsAny(state.Of(ConnectingOverall, Connected)) {
		fe := retry.FailureEvent{
			Owner:  d.addr,
			Status: retry.StatusAlreadyConnectingOrConnected,
			Timing: retry.TimingNotApplicable,
		}
		d.publishFailure(fe, retry.GiveUp())
		return
	}
	d.reconnect.stop()
	d.pending.Mark(connectionMask)
	d.seq.Begin(d.sched.Now(), d.cfg.Mode)
	d.attempt(0)
}

// attempt enters the connecting states and enqueues one native connect with
// the sequence's current mode.
func (d *Device) attempt(extra state.Mask) {
	mode, ok := d.seq.Param().(native.ConnectMode)
	if !ok {
		mode = d.cfg.Mode
	}
	d.apply(d.base() | extra | state.Of(ConnectingOverall, Connecting))
	op := d.op(task.KindConnect)
	op.req.Mode = mode
	d.add(task.KindConnect, op, task.WithAbortOnTimeout())
}

func (d *Device) onConnectEnded(ev task.TerminalEvent) {
	if !d.Is(Connecting) || ev.Outcome == task.StateCancelled {
		return
	}
	if ev.Outcome != task.StateSucceeded {
		d.connectFailed(retry.StatusNativeConnectionFailed, ev)
		return
	}
	keep := d.StateMask() & state.Of(RetryingConnection, ReconnectingLongTerm)
	d.apply(d.base() | keep | state.Of(ConnectingOverall, Connected, DiscoveringServices))
	d.add(task.KindDiscoverServices, d.op(task.KindDiscoverServices), task.WithAbortOnTimeout())
}

func (d *Device) onDiscoverEnded(ev task.TerminalEvent) {
	if !d.Is(DiscoveringServices) || ev.Outcome == task.StateCancelled {
		return
	}
	if ev.Outcome != task.StateSucceeded {
		d.connectFailed(retry.StatusDiscoveringServicesFailed, ev)
		return
	}
	d.afterServices()
}

// connectFailed runs a failed connect step through the retry sequence.
func (d *Device) connectFailed(status retry.Status, ev task.TerminalEvent) {
	f := retry.Failure{
		Status:   status,
		Timing:   timing(ev),
		LongTerm: d.Is(ReconnectingLongTerm),
		Err:      ev.Err,
	}
	if op, ok := ev.Task.Op().(*nativeOp); ok {
		f.Code = int(op.result.Code)
	}
	d.fail(f, d.IsAny(linkUp))
}

func (d *Device) fail(f retry.Failure, linkWasUp bool) {
	fe, dec := d.seq.Fail(d.sched.Now(), f)
	d.publishFailure(fe, dec)

	if linkWasUp && f.Status != retry.StatusRogueDisconnect {
		d.add(task.KindDisconnect, d.op(task.KindDisconnect))
	}
	if dec.ShouldRetry() {
		d.attempt(state.Of(RetryingConnection) | d.StateMask()&state.Of(ReconnectingLongTerm))
		return
	}
	d.pending.Clear(connectionMask)
	if f.LongTerm && d.reconnect.active {
		d.apply(d.base() | state.Of(Disconnected, ReconnectingLongTerm))
		d.reconnect.schedule()
		return
	}
	d.apply(d.base() | state.Of(Disconnected))
}

func (d *Device) publishFailure(fe retry.FailureEvent, dec retry.Decision) {
	level := slog.LevelInfo
	if fe.Status.ShouldBeReportedToUser() {
		level = slog.LevelWarn
	}
	reached, _ := TransitoryConnectionState(d.StateMask())
	d.logger.Log(context.Background(), level, "connection attempt failed",
		"status", fe.Status.String(), "timing", fe.Timing.String(), "reached", Names.Format(reached.Bit()),
		"attempt", fe.AttemptCount, "decision", dec.String(), "error", fe.Err)
	d.bus.Publish(event.NewFailureEvent(d.sched.Now(), fe, dec))
}

func (d *Device) disconnect() {
	d.reconnect.stop()
	d.stopRSSIPoll()
	d.stopTxn()
	wasUp := d.IsAny(linkUp | inSequence)
	d.mgr.CancelFunc(task.OfKind(task.KindConnect, task.KindDiscoverServices,
		task.KindRead, task.KindWrite, task.KindToggleNotify, task.KindNegotiateMTU, task.KindReadRSSI), task.ErrCanceled)
	if d.seq.Phase() == retry.PhaseAttempting {
		fe, dec := d.seq.Fail(d.sched.Now(), retry.Failure{Status: retry.StatusExplicitDisconnect, Timing: retry.TimingNotApplicable})
		d.publishFailure(fe, dec)
	}
	d.pending.Clear(connectionMask)
	d.tracker.Apply(d.base()|state.Of(Disconnected), connectionMask)
	if wasUp && !d.mgr.IsCurrentOrQueued(task.OfKind(task.KindDisconnect)) {
		d.add(task.KindDisconnect, d.op(task.KindDisconnect))
	}
}

// onNativeDisconnect handles a link drop the device did not ask for.
func (d *Device) onNativeDisconnect(code native.Code) {
	if d.Is(Disconnected) {
		return
	}
	d.stopRSSIPoll()
	d.stopTxn()
	d.pending.Clear(bondMask)
	d.mgr.CancelFunc(task.OwnedBy(d.addr), task.ErrCanceled)

	if d.IsAny(inSequence) {
		d.fail(retry.Failure{
			Status:   retry.StatusRogueDisconnect,
			Timing:   retry.TimingEventually,
			Code:     int(code),
			LongTerm: d.Is(ReconnectingLongTerm),
		}, false)
		return
	}

	d.logger.Info("link lost", "code", int(code))
	if d.reconnect.start() {
		d.apply(d.base() | state.Of(Disconnected, ReconnectingLongTerm))
		return
	}
	d.apply(d.base() | state.Of(Disconnected))
}

// onRadioOff tears the device down because the radio is going away.
func (d *Device) onRadioOff() {
	d.reconnect.stop()
	d.stopRSSIPoll()
	d.stopTxn()
	d.mgr.CancelAll(task.ErrShutdown)
	if d.seq.Phase() == retry.PhaseAttempting {
		fe, dec := d.seq.Fail(d.sched.Now(), retry.Failure{Status: retry.StatusRadioTurningOff, Timing: retry.TimingNotApplicable})
		d.publishFailure(fe, dec)
	}
	d.pending.Reset()
	mask := d.base() | state.Of(Disconnected)
	if d.Is(Bonding) {
		mask = mask&^state.Of(Bonding) | state.Of(Unbonded)
	}
	d.apply(mask)
}

// reconnector paces long-term reconnect attempts with an exponential
// backoff on the loop's timers.
type reconnector struct {
	d        *Device
	cfg      ReconnectConfig
	backoff  goretry.Backoff
	timer    *loop.Timer
	deadline time.Time
	active   bool
}

// start begins a reconnect cycle and schedules its first attempt. It
// reports false when long-term reconnect is disabled.
func (r *reconnector) start() bool {
	if !r.cfg.Enabled {
		return false
	}
	base := r.cfg.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	b := goretry.NewExponential(base)
	if r.cfg.MaxDelay > 0 {
		b = goretry.WithCappedDuration(r.cfg.MaxDelay, b)
	}
	if r.cfg.MaxAttempts > 0 {
		b = goretry.WithMaxRetries(r.cfg.MaxAttempts, b)
	}
	r.backoff = b
	r.deadline = time.Time{}
	if r.cfg.Timeout > 0 {
		r.deadline = r.d.sched.Now().Add(r.cfg.Timeout)
	}
	r.active = true
	r.schedule()
	return r.active
}

// schedule arms the timer for the next attempt, or ends the cycle when the
// backoff is exhausted or the next attempt would land past the deadline.
func (r *reconnector) schedule() {
	if !r.active {
		return
	}
	delay, stop := r.backoff.Next()
	if stop || (!r.deadline.IsZero() && r.d.sched.Now().Add(delay).After(r.deadline)) {
		r.giveUp()
		return
	}
	r.d.logger.Debug("reconnect scheduled", "in", delay)
	r.timer = r.d.sched.After(delay, r.fire)
}

func (r *reconnector) fire() {
	r.timer = nil
	if !r.active || !r.d.Is(Disconnected) {
		return
	}
	r.d.seq.Begin(r.d.sched.Now(), r.d.cfg.Mode)
	r.d.attempt(state.Of(ReconnectingLongTerm))
}

func (r *reconnector) giveUp() {
	r.d.logger.Info("long-term reconnect gave up")
	r.stop()
	if r.d.Is(ReconnectingLongTerm) {
		r.d.apply(r.d.StateMask() &^ state.Of(ReconnectingLongTerm))
	}
}

func (r *reconnector) stop() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.active = false
}
