package device

import (
	"errors"

	"bluetooth-sched/internal/loop"
	"bluetooth-sched/internal/retry"
	"bluetooth-sched/internal/state"
	"bluetooth-sched/internal/task"
)

// ErrTransactionTimeout ends a transaction that did not report back within
// Config.TransactionTimeout.
var ErrTransactionTimeout = errors.New("device: transaction timed out")

// Transaction is a series of requests run on a freshly connected device,
// such as an authentication handshake or the writes that put a peripheral
// into a known mode.
//
// Run is called on the loop goroutine. It issues its requests through the
// device, which accepts reads and writes while a transaction runs, and calls
// end exactly once with the outcome. end may be called from any goroutine. A
// non-nil error fails the connect sequence, which the retry policy may then
// retry from the native connect.
type Transaction interface {
	Run(d *Device, end func(err error))
}

// TransactionFunc adapts a function to Transaction.
type TransactionFunc func(d *Device, end func(err error))

// Run calls f(d, end).
func (f TransactionFunc) Run(d *Device, end func(err error)) { f(d, end) }

// txnRun is one running transaction. Results of a run that is no longer the
// device's current one are dropped.
type txnRun struct {
	state  state.State
	status retry.Status
	timer  *loop.Timer
}

// sequenceMask is the mask of a connect sequence past service discovery
// with the given step states added.
func (d *Device) sequenceMask(steps ...state.State) state.Mask {
	keep := d.StateMask() & state.Of(RetryingConnection, ReconnectingLongTerm)
	return d.base() | keep | state.Of(ConnectingOverall, Connected, ServicesDiscovered) | state.Of(steps...)
}

// afterServices runs the configured transactions, or finishes the sequence
// when there are none.
func (d *Device) afterServices() {
	switch {
	case d.cfg.Auth != nil:
		d.apply(d.sequenceMask(Authenticating))
		d.startTxn(d.cfg.Auth, Authenticating, retry.StatusAuthenticationFailed)
	case d.cfg.Init != nil:
		d.apply(d.sequenceMask(Authenticated, Initializing))
		d.startTxn(d.cfg.Init, Initializing, retry.StatusInitializationFailed)
	default:
		d.initialized()
	}
}

func (d *Device) startTxn(tx Transaction, s state.State, status retry.Status) {
	run := &txnRun{state: s, status: status}
	d.txn = run
	if timeout := d.cfg.TransactionTimeout; timeout > 0 {
		run.timer = d.sched.After(timeout, func() { d.endTxn(run, ErrTransactionTimeout) })
	}
	d.logger.Debug("transaction started", "state", Names.Format(s.Bit()))
	tx.Run(d, func(err error) {
		if perr := d.post(func() { d.endTxn(run, err) }); perr != nil {
			d.logger.Debug("transaction ended after shutdown", "error", perr)
		}
	})
}

func (d *Device) endTxn(run *txnRun, err error) {
	if d.txn != run {
		return
	}
	d.stopTxn()
	if !d.Is(run.state) {
		return
	}
	if err != nil {
		d.cancelTxnRequests()
		timing := retry.TimingEventually
		if errors.Is(err, ErrTransactionTimeout) {
			timing = retry.TimingTimedOut
		}
		d.fail(retry.Failure{
			Status:   run.status,
			Timing:   timing,
			LongTerm: d.Is(ReconnectingLongTerm),
			Err:      err,
		}, true)
		return
	}
	if run.state == Authenticating && d.cfg.Init != nil {
		d.apply(d.sequenceMask(Authenticated, Initializing))
		d.startTxn(d.cfg.Init, Initializing, retry.StatusInitializationFailed)
		return
	}
	d.initialized()
}

// stopTxn forgets the running transaction. Its end call, if it still comes,
// is dropped.
func (d *Device) stopTxn() {
	if d.txn == nil {
		return
	}
	if d.txn.timer != nil {
		d.txn.timer.Stop()
	}
	d.txn = nil
}

// initialized ends a successful connect sequence.
func (d *Device) initialized() {
	d.apply(d.base() | state.Of(Connected, ServicesDiscovered, Authenticated, Initialized))
	d.seq.Succeed()
	d.pending.Clear(connectionMask)
	if d.reconnect.active {
		d.logger.Info("reconnected")
		d.reconnect.stop()
	}
}

// cancelTxnRequests drops the queued requests of an abandoned transaction.
func (d *Device) cancelTxnRequests() {
	d.mgr.CancelFunc(task.OfKind(task.KindRead, task.KindWrite, task.KindToggleNotify, task.KindNegotiateMTU), task.ErrCanceled)
}
