package device

import (
	"time"

	"bluetooth-sched/internal/event"
	"bluetooth-sched/internal/native"
	"bluetooth-sched/internal/state"
	"bluetooth-sched/internal/task"
)

// ReadWriteListener receives the result of one read/write style request. It
// runs on the loop goroutine.
type ReadWriteListener func(event.ReadWriteEvent)

// Read reads characteristic.
func (d *Device) Read(characteristic string, cb ReadWriteListener) error {
	return d.post(func() {
		d.gatt(native.Request{Kind: task.KindRead, Characteristic: characteristic}, cb)
	})
}

// Write writes data to characteristic.
func (d *Device) Write(characteristic string, data []byte, cb ReadWriteListener) error {
	data = append([]byte(nil), data...)
	return d.post(func() {
		d.gatt(native.Request{Kind: task.KindWrite, Characteristic: characteristic, Data: data}, cb)
	})
}

// EnableNotify subscribes to notifications of characteristic.
func (d *Device) EnableNotify(characteristic string, cb ReadWriteListener) error {
	return d.post(func() {
		d.gatt(native.Request{Kind: task.KindToggleNotify, Characteristic: characteristic, Enable: true}, cb)
	})
}

// DisableNotify unsubscribes from notifications of characteristic.
func (d *Device) DisableNotify(characteristic string, cb ReadWriteListener) error {
	return d.post(func() {
		d.gatt(native.Request{Kind: task.KindToggleNotify, Characteristic: characteristic}, cb)
	})
}

// NegotiateMTU asks for a transfer unit of mtu bytes.
func (d *Device) NegotiateMTU(mtu int, cb ReadWriteListener) error {
	return d.post(func() {
		d.gatt(native.Request{Kind: task.KindNegotiateMTU, MTU: mtu}, cb)
	})
}

// ReadRSSI reads the signal strength. Only a live link is required.
func (d *Device) ReadRSSI(cb ReadWriteListener) error {
	return d.post(func() {
		d.gatt(native.Request{Kind: task.KindReadRSSI}, cb)
	})
}

func (d *Device) gatt(req native.Request, cb ReadWriteListener) {
	req.Address = d.addr
	ready := d.IsAny(requestReady)
	if req.Kind == task.KindReadRSSI {
		ready = d.Is(Connected)
	}
	if !ready {
		d.deliver(event.NewReadWriteEvent(d.sched.Now(), d.addr, req.Kind, req.Characteristic, event.RWNotConnected, ErrNotReady), cb)
		return
	}
	op := &nativeOp{d: d, req: req}
	op.onEnd = func(ev task.TerminalEvent, c native.Completion) {
		rw := event.NewReadWriteEvent(d.sched.Now(), d.addr, ev.Kind, req.Characteristic, rwStatus(ev), ev.Err)
		ok := ev.Outcome == task.StateSucceeded
		switch ev.Kind {
		case task.KindRead:
			rw.Data = c.Payload
		case task.KindWrite:
			rw.Data = req.Data
		case task.KindNegotiateMTU:
			if ok {
				d.mtu = c.Value
			}
			rw.MTU = d.mtu
		case task.KindReadRSSI:
			if ok {
				d.rssi = c.Value
			}
			rw.RSSI = d.rssi
		}
		d.deliver(rw, cb)
	}
	d.add(req.Kind, op)
}

func (d *Device) deliver(ev event.ReadWriteEvent, cb ReadWriteListener) {
	if !ev.WasSuccess() {
		d.logger.Debug("read/write did not succeed", "kind", ev.Kind.String(), "status", ev.Status.String(), "error", ev.Err)
	}
	if cb != nil {
		cb(ev)
	}
	d.bus.Publish(ev)
}

// Bond pairs with the device.
func (d *Device) Bond(cb ReadWriteListener) error { return d.post(func() { d.bond(cb) }) }

// Unbond removes the pairing. The device reports UNBONDED right away.
func (d *Device) Unbond() error { return d.post(d.unbond) }

func (d *Device) bond(cb ReadWriteListener) {
	if d.IsAny(state.Of(Bonding, Bonded)) {
		return
	}
	d.pending.Mark(bondMask)
	d.apply(d.StateMask()&^bondMask | state.Of(Bonding))
	op := d.op(task.KindBond)
	op.onEnd = func(ev task.TerminalEvent, _ native.Completion) {
		if d.Is(Bonding) {
			next := Bonded
			if ev.Outcome != task.StateSucceeded {
				// Failures and cancellations the caller did not ask for
				// (a dropped link) end the bond unintentionally.
				d.pending.Clear(bondMask)
				next = Unbonded
			}
			d.apply(d.StateMask()&^bondMask | state.Of(next))
		}
		d.pending.Clear(bondMask)
		d.deliver(event.NewReadWriteEvent(d.sched.Now(), d.addr, ev.Kind, "", rwStatus(ev), ev.Err), cb)
	}
	if d.add(task.KindBond, op) == nil {
		d.pending.Clear(bondMask)
		d.apply(d.StateMask()&^bondMask | state.Of(Unbonded))
	}
}

func (d *Device) unbond() {
	d.pending.Clear(bondMask)
	d.mgr.CancelFunc(task.OfKind(task.KindBond), task.ErrCanceled)
	d.tracker.Apply(d.StateMask()&^bondMask|state.Of(Unbonded), bondMask)
	d.add(task.KindUnbond, d.op(task.KindUnbond))
}

// StartRSSIPoll reads the signal strength every interval while connected.
func (d *Device) StartRSSIPoll(interval time.Duration) error {
	return d.post(func() {
		d.stopRSSIPoll()
		if interval <= 0 {
			return
		}
		d.rssiEvery = interval
		d.rssiPoll = d.sched.After(interval, d.pollRSSI)
	})
}

// StopRSSIPoll stops a poll started with StartRSSIPoll.
func (d *Device) StopRSSIPoll() error { return d.post(d.stopRSSIPoll) }

func (d *Device) stopRSSIPoll() {
	if d.rssiPoll != nil {
		d.rssiPoll.Stop()
		d.rssiPoll = nil
	}
}

func (d *Device) pollRSSI() {
	if d.Is(Connected) && !d.mgr.IsCurrentOrQueued(task.OfKind(task.KindReadRSSI)) {
		d.gatt(native.Request{Kind: task.KindReadRSSI}, nil)
	}
	d.rssiPoll = d.sched.After(d.rssiEvery, d.pollRSSI)
}

// onNotification publishes a value pushed by the peripheral.
func (d *Device) onNotification(characteristic string, data []byte) {
	d.bus.Publish(event.NewNotificationEvent(d.sched.Now(), d.addr, characteristic, data))
}

// HandleNative routes a spontaneous native event addressed to this device.
// It must run on the loop goroutine.
func (d *Device) HandleNative(ev native.Event) {
	switch ev.Kind {
	case native.EventDisconnected:
		d.onNativeDisconnect(ev.Code)
	case native.EventNotification:
		d.onNotification(ev.Characteristic, ev.Data)
	case native.EventDeviceFound:
		if ev.Name != "" {
			d.name = ev.Name
		}
		if ev.RSSI != 0 {
			d.rssi = ev.RSSI
		}
	}
}

// RadioOff tears the device down for a radio shutdown. It must run on the
// loop goroutine.
func (d *Device) RadioOff() { d.onRadioOff() }
