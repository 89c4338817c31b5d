//go:build linux

package bluez

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"bluetooth-sched/internal/native"
	"bluetooth-sched/internal/task"
)

// Radio is a native.Radio backed by the system bus.
type Radio struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	bus     *dbus.Conn
	adapter dbus.ObjectPath
	// inflight holds requests whose completion has not been delivered yet.
	inflight map[uuid.UUID]struct{}
	aborted  map[uuid.UUID]struct{}
	// resolving holds DiscoverServices requests waiting for ServicesResolved.
	resolving map[dbus.ObjectPath][]waiter
	// notifying maps characteristic paths with notifications on to their UUID.
	notifying map[dbus.ObjectPath]string

	events chan native.Event
	done   chan struct{}
	wg     sync.WaitGroup

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func()
}

type waiter struct {
	id   uuid.UUID
	done func(native.Completion)
}

var _ native.Radio = (*Radio)(nil)

// New returns a Radio. The system bus is connected lazily on first use.
func New(opts Options, logger *slog.Logger) (*Radio, error) {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Radio{
		opts:      opts,
		logger:    logger.With("component", "bluez"),
		inflight:  map[uuid.UUID]struct{}{},
		aborted:   map[uuid.UUID]struct{}{},
		resolving: map[dbus.ObjectPath][]waiter{},
		notifying: map[dbus.ObjectPath]string{},
		events:    make(chan native.Event, opts.EventBuffer),
		done:      make(chan struct{}),
	}, nil
}

// ensureBusLocked connects to the system bus, resolves the adapter and starts
// the signal watcher if not yet done.
func (r *Radio) ensureBusLocked() error {
	if r.bus != nil {
		return nil
	}
	c, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("bluez: connect system bus: %w", err)
	}
	objs, err := managed(c)
	if err != nil {
		c.Close()
		return err
	}
	ap, err := adapterPath(objs, r.opts.Adapter)
	if err != nil {
		c.Close()
		return err
	}
	r.bus = c
	r.adapter = ap
	// Close the bus last during cleanup.
	r.cleanup = append(r.cleanup, func() { r.bus.Close() })

	matches := [][]dbus.MatchOption{
		{dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesAdded")},
		{dbus.WithMatchInterface(propsIface), dbus.WithMatchMember("PropertiesChanged"), dbus.WithMatchPathNamespace(ap)},
	}
	for _, m := range matches {
		if err := c.AddMatchSignal(m...); err != nil {
			return fmt.Errorf("bluez: AddMatchSignal: %w", err)
		}
	}
	sigCh := make(chan *dbus.Signal, 64)
	c.Signal(sigCh)
	r.wg.Add(1)
	go r.watch(sigCh)
	r.cleanup = append(r.cleanup, func() {
		c.RemoveSignal(sigCh)
		for _, m := range matches {
			_ = c.RemoveMatchSignal(m...)
		}
		close(r.done)
		r.wg.Wait()
	})
	r.logger.Info("connected to bluez", "adapter", string(ap))
	return nil
}

// Submit implements native.Radio.
func (r *Radio) Submit(req native.Request, done func(native.Completion)) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return native.ErrClosed
	}
	if err := r.ensureBusLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	bus, adapter := r.bus, r.adapter
	r.mu.Unlock()

	var devPath dbus.ObjectPath
	if req.Address != "" {
		p, err := devicePath(adapter, req.Address)
		if err != nil {
			return err
		}
		devPath = p
	}

	var call func() native.Completion
	switch req.Kind {
	case task.KindTurnOn, task.KindTurnOff:
		on := req.Kind == task.KindTurnOn
		call = func() native.Completion {
			err := bus.Object(bluezService, adapter).Call(propsIface+".Set", 0, adapterIface, "Powered", dbus.MakeVariant(on)).Err
			return completion(req.ID, "Powered", err)
		}
	case task.KindScan:
		method := adapterIface + ".StopDiscovery"
		if req.Enable {
			method = adapterIface + ".StartDiscovery"
		}
		call = func() native.Completion {
			err := bus.Object(bluezService, adapter).Call(method, 0).Err
			if errorName(err) == errInProgress {
				err = nil
			}
			return completion(req.ID, method, err)
		}
	case task.KindConnect:
		call = func() native.Completion { return r.connect(bus, devPath, req) }
	case task.KindDisconnect:
		call = func() native.Completion {
			return completion(req.ID, "Disconnect", bus.Object(bluezService, devPath).Call(deviceIface+".Disconnect", 0).Err)
		}
	case task.KindBond:
		call = func() native.Completion {
			err := bus.Object(bluezService, devPath).Call(deviceIface+".Pair", 0).Err
			if errorName(err) == errAlreadyExists {
				err = nil
			}
			return completion(req.ID, "Pair", err)
		}
	case task.KindUnbond:
		call = func() native.Completion {
			return completion(req.ID, "RemoveDevice", bus.Object(bluezService, adapter).Call(adapterIface+".RemoveDevice", 0, devPath).Err)
		}
	case task.KindDiscoverServices:
		return r.awaitServices(bus, devPath, req.ID, done)
	case task.KindRead, task.KindWrite, task.KindToggleNotify:
		call = func() native.Completion { return r.gatt(bus, devPath, req) }
	case task.KindNegotiateMTU:
		call = func() native.Completion { return r.readMTU(bus, devPath, req.ID) }
	case task.KindReadRSSI:
		call = func() native.Completion {
			v, err := bus.Object(bluezService, devPath).GetProperty(deviceIface + ".RSSI")
			if err != nil {
				return completion(req.ID, "RSSI", err)
			}
			rssi, ok := v.Value().(int16)
			if !ok {
				return completion(req.ID, "RSSI", errors.New("RSSI not available"))
			}
			return native.Completion{ID: req.ID, Value: int(rssi)}
		}
	default:
		return fmt.Errorf("%w: %s", native.ErrUnsupported, req.Kind)
	}

	r.logger.Debug("submit", "request", req.String(), "id", req.ID.String())
	r.track(req.ID)
	go func() { r.finish(req.ID, done, call()) }()
	return nil
}

func (r *Radio) connect(bus *dbus.Conn, devPath dbus.ObjectPath, req native.Request) native.Completion {
	obj := bus.Object(bluezService, devPath)
	if req.Mode == native.ConnectAuto {
		if err := obj.Call(propsIface+".Set", 0, deviceIface, "Trusted", dbus.MakeVariant(true)).Err; err != nil {
			return completion(req.ID, "Trusted", err)
		}
	}
	err := obj.Call(deviceIface+".Connect", 0).Err
	if errorName(err) == errAlreadyConnected {
		err = nil
	}
	return completion(req.ID, "Connect", err)
}

func (r *Radio) gatt(bus *dbus.Conn, devPath dbus.ObjectPath, req native.Request) native.Completion {
	objs, err := managed(bus)
	if err != nil {
		return completion(req.ID, "GetManagedObjects", err)
	}
	cp, err := charPath(objs, devPath, req.Service, req.Characteristic)
	if err != nil {
		return native.Completion{ID: req.ID, Code: native.CodeFailure, Err: err}
	}
	obj := bus.Object(bluezService, cp)
	noOpts := map[string]dbus.Variant{}

	switch req.Kind {
	case task.KindRead:
		var value []byte
		err := obj.Call(gattCharIface+".ReadValue", 0, noOpts).Store(&value)
		c := completion(req.ID, "ReadValue", err)
		c.Payload = value
		return c
	case task.KindWrite:
		return completion(req.ID, "WriteValue", obj.Call(gattCharIface+".WriteValue", 0, req.Data, noOpts).Err)
	default:
		method := "StopNotify"
		if req.Enable {
			method = "StartNotify"
		}
		err := obj.Call(gattCharIface+"."+method, 0).Err
		if errorName(err) == errInProgress {
			err = nil
		}
		if err == nil {
			r.mu.Lock()
			if req.Enable {
				r.notifying[cp] = req.Characteristic
			} else {
				delete(r.notifying, cp)
			}
			r.mu.Unlock()
		}
		return completion(req.ID, method, err)
	}
}

func (r *Radio) readMTU(bus *dbus.Conn, devPath dbus.ObjectPath, id uuid.UUID) native.Completion {
	objs, err := managed(bus)
	if err != nil {
		return completion(id, "GetManagedObjects", err)
	}
	cp, ok := anyCharPath(objs, devPath)
	if !ok {
		return native.Completion{ID: id, Code: native.CodeFailure, Err: fmt.Errorf("bluez: no characteristics on %s", macFromPath(devPath))}
	}
	mtu, _ := objs[cp][gattCharIface]["MTU"].Value().(uint16)
	if mtu == 0 {
		return native.Completion{ID: id, Code: native.CodeFailure, Err: errors.New("bluez: MTU not reported")}
	}
	return native.Completion{ID: id, Value: int(mtu)}
}

// awaitServices completes immediately when ServicesResolved is already true,
// otherwise when the PropertiesChanged signal reports it.
func (r *Radio) awaitServices(bus *dbus.Conn, devPath dbus.ObjectPath, id uuid.UUID, done func(native.Completion)) error {
	r.mu.Lock()
	r.inflight[id] = struct{}{}
	r.resolving[devPath] = append(r.resolving[devPath], waiter{id: id, done: done})
	r.mu.Unlock()

	go func() {
		v, err := bus.Object(bluezService, devPath).GetProperty(deviceIface + ".ServicesResolved")
		if err != nil {
			r.resolve(devPath, completion(id, "ServicesResolved", err))
			return
		}
		if b, _ := v.Value().(bool); b {
			r.resolve(devPath, native.Completion{})
		}
	}()
	return nil
}

// resolve completes every waiter on devPath with c.
func (r *Radio) resolve(devPath dbus.ObjectPath, c native.Completion) {
	r.mu.Lock()
	ws := r.resolving[devPath]
	delete(r.resolving, devPath)
	r.mu.Unlock()
	for _, w := range ws {
		c.ID = w.id
		r.finish(w.id, w.done, c)
	}
}

func (r *Radio) track(id uuid.UUID) {
	r.mu.Lock()
	r.inflight[id] = struct{}{}
	r.mu.Unlock()
}

func (r *Radio) finish(id uuid.UUID, done func(native.Completion), c native.Completion) {
	r.mu.Lock()
	_, aborted := r.aborted[id]
	delete(r.aborted, id)
	delete(r.inflight, id)
	r.mu.Unlock()
	if aborted {
		r.logger.Debug("dropping completion of aborted request", "id", id.String())
		return
	}
	if !c.OK() {
		r.logger.Warn("request failed", "id", id.String(), "error", c.Error())
	}
	done(c)
}

// Abort implements native.Radio. BlueZ calls cannot be withdrawn, so the
// completion is dropped when it arrives. Requests already completed are
// ignored.
func (r *Radio) Abort(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inflight[id]; !ok {
		return
	}
	for p, ws := range r.resolving {
		for i, w := range ws {
			if w.id == id {
				r.resolving[p] = append(ws[:i:i], ws[i+1:]...)
				delete(r.inflight, id)
				return
			}
		}
	}
	r.aborted[id] = struct{}{}
}

// Events implements native.Radio.
func (r *Radio) Events() <-chan native.Event { return r.events }

// Scan returns the devices BlueZ currently knows that advertise one of the
// filter UUIDs (all devices when filter is empty).
func (r *Radio) Scan(filter []string) ([]Device, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, native.ErrClosed
	}
	if err := r.ensureBusLocked(); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	bus := r.bus
	r.mu.Unlock()

	objs, err := managed(bus)
	if err != nil {
		return nil, err
	}
	var out []Device
	for path, ifaces := range objs {
		if dev, ok := deviceFromIfaces(path, ifaces, filter); ok {
			out = append(out, dev)
		}
	}
	return out, nil
}

func (r *Radio) watch(sigCh <-chan *dbus.Signal) {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case sig, ok := <-sigCh:
			if !ok {
				return
			}
			r.handleSignal(sig)
		}
	}
}

func (r *Radio) handleSignal(sig *dbus.Signal) {
	if sig == nil || len(sig.Body) < 2 {
		return
	}
	switch sig.Name {
	case objManagerIface + ".InterfacesAdded":
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		if dev, ok := deviceFromIfaces(path, ifaces, nil); ok {
			r.emit(native.Event{Kind: native.EventDeviceFound, Address: dev.Address, Name: dev.Name, RSSI: dev.RSSI})
		}
	case propsIface + ".PropertiesChanged":
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		r.propertiesChanged(sig.Path, iface, changed)
	}
}

func (r *Radio) propertiesChanged(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) {
	switch iface {
	case adapterIface:
		if v, ok := changed["Powered"]; ok {
			on, _ := v.Value().(bool)
			r.emit(native.Event{Kind: native.EventPowerChanged, Powered: on})
		}
	case deviceIface:
		addr := macFromPath(path)
		if v, ok := changed["Connected"]; ok {
			if on, _ := v.Value().(bool); !on {
				r.resolve(path, native.Completion{Code: native.CodeFailure, Err: errors.New("bluez: disconnected while resolving services")})
				r.emit(native.Event{Kind: native.EventDisconnected, Address: addr})
			}
		}
		if v, ok := changed["ServicesResolved"]; ok {
			if on, _ := v.Value().(bool); on {
				r.resolve(path, native.Completion{})
			}
		}
		if v, ok := changed["RSSI"]; ok {
			rssi, _ := v.Value().(int16)
			r.emit(native.Event{Kind: native.EventDeviceFound, Address: addr, RSSI: int(rssi)})
		}
	case gattCharIface:
		v, ok := changed["Value"]
		if !ok {
			return
		}
		r.mu.Lock()
		char, on := r.notifying[path]
		r.mu.Unlock()
		if !on {
			return
		}
		data, _ := v.Value().([]byte)
		r.emit(native.Event{Kind: native.EventNotification, Address: macFromPath(path), Characteristic: char, Data: data})
	}
}

func (r *Radio) emit(ev native.Event) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

// Close is safe for concurrent and redundant calls (idempotent).
func (r *Radio) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cleanup := r.cleanup
	r.cleanup = nil
	r.mu.Unlock()

	// Run cleanup outside the lock in reverse order of registration.
	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}
	close(r.events)
	return nil
}

func managed(bus *dbus.Conn) (managedObjects, error) {
	var objs managedObjects
	call := bus.Object(bluezService, dbus.ObjectPath("/")).Call(objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func completion(id uuid.UUID, method string, err error) native.Completion {
	if err == nil {
		return native.Completion{ID: id}
	}
	code := native.CodeFailure
	if errorName(err) == errNotReady {
		code = native.CodeGattError
	}
	return native.Completion{ID: id, Code: code, Err: fmt.Errorf("bluez: %s: %w", method, err)}
}
