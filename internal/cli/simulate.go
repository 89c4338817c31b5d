package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"bluetooth-sched/internal/device"
	"bluetooth-sched/internal/event"
	"bluetooth-sched/internal/native"
	"bluetooth-sched/internal/radio"
	"bluetooth-sched/internal/task"
)

type simulation struct {
	peripherals    int
	characteristic string
	auth           []string
	scanFor        time.Duration
	flaky          bool
	rogue          bool
	reconnectDelay time.Duration
}

func newSimulateCmd(a *app) *cobra.Command {
	sim := simulation{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a scripted session against an in-memory radio",
		Long: `simulate drives the scheduler against an in-memory radio: power on,
scan, connect with retries and an authentication write, GATT requests, a
notification, an unexpected link loss with long-term reconnect, and power
off. Every event is printed as a JSON line.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := *a.cfg
			if sim.rogue {
				cfg.Reconnect.Enabled = true
				cfg.Reconnect.BaseDelay = sim.reconnectDelay
				if cfg.Reconnect.MaxDelay < sim.reconnectDelay {
					cfg.Reconnect.MaxDelay = sim.reconnectDelay
				}
			}
			authTxn, err := writesTxn(sim.auth)
			if err != nil {
				return err
			}
			fake := native.NewFake()
			s, err := newSession(&cfg, a.logger, fake, func(dc *device.Config) { dc.Auth = authTxn })
			if err != nil {
				return err
			}
			s.print(cmd.OutOrStdout())
			s.start(cmd.Context())
			err = sim.run(cmd.Context(), s, fake)
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			return errors.Join(err, s.close())
		},
	}
	f := cmd.Flags()
	f.IntVar(&sim.peripherals, "peripherals", 2, "number of peripherals the scan finds")
	f.StringVar(&sim.characteristic, "characteristic", "2a37", "characteristic used for requests")
	f.StringSliceVar(&sim.auth, "auth", []string{"2a00=01"}, "UUID=HEX written by the authentication transaction (repeatable)")
	f.DurationVar(&sim.scanFor, "scan", 500*time.Millisecond, "scan duration")
	f.BoolVar(&sim.flaky, "flaky", true, "fail the first connection attempt")
	f.BoolVar(&sim.rogue, "rogue-disconnect", true, "drop the link once and reconnect")
	f.DurationVar(&sim.reconnectDelay, "reconnect-delay", 250*time.Millisecond, "first long-term reconnect delay")
	return cmd
}

func simAddress(i int) string { return fmt.Sprintf("5A:00:00:00:00:%02X", i+1) }

func (sim simulation) run(ctx context.Context, s *session, fake *native.Fake) error {
	if sim.peripherals < 1 {
		return errors.New("simulate: at least one peripheral is needed")
	}
	fake.SetPayload(sim.characteristic, []byte{0x06, 0x48})
	fake.SetValue(task.KindReadRSSI, -58)
	fake.SetValue(task.KindNegotiateMTU, 185)

	if err := s.powerOn(ctx); err != nil {
		return err
	}
	d, err := sim.discover(ctx, s, fake)
	if err != nil {
		return err
	}

	if sim.flaky {
		fake.Fail(task.KindConnect, native.CodeGattError)
		id := event.On(s.bus, event.TypeFailure, func(event.FailureEvent) {
			fake.Fail(task.KindConnect, native.CodeSuccess)
		})
		defer s.bus.Unsubscribe(id)
	}
	if err := s.connect(ctx, d); err != nil {
		return err
	}

	steps := []func(device.ReadWriteListener) error{
		func(cb device.ReadWriteListener) error { return d.NegotiateMTU(247, cb) },
		func(cb device.ReadWriteListener) error { return d.Read(sim.characteristic, cb) },
		func(cb device.ReadWriteListener) error { return d.Write(sim.characteristic, []byte{0x01}, cb) },
		func(cb device.ReadWriteListener) error { return d.EnableNotify(sim.characteristic, cb) },
		d.ReadRSSI,
	}
	for _, step := range steps {
		if err := s.request(ctx, step); err != nil {
			return err
		}
	}

	notes := s.watch(func(ev event.Event) bool { return ev.EventType() == event.TypeNotification })
	fake.Emit(native.Event{Kind: native.EventNotification, Address: d.Address(), Characteristic: sim.characteristic, Data: []byte{0x06, 0x4a}})
	_, err = notes.next(ctx)
	notes.stop()
	if err != nil {
		return err
	}

	if sim.rogue {
		err := s.ready(ctx, d, func() error {
			if !fake.Emit(native.Event{Kind: native.EventDisconnected, Address: d.Address(), Code: 8}) {
				return errors.New("simulate: event buffer full")
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if err := s.disconnect(d); err != nil {
		return err
	}
	return s.powerOff(ctx)
}

// discover scans until every simulated peripheral was reported and returns
// the first one.
func (sim simulation) discover(ctx context.Context, s *session, fake *native.Fake) (*device.Device, error) {
	started := s.watch(func(ev event.Event) bool {
		return ev.EventType() == event.TypeRadioState && enteredAny(ev, radio.Scanning)
	})
	defer started.stop()
	found := s.watch(func(ev event.Event) bool {
		e, ok := ev.(event.DiscoveryEvent)
		return ok && e.New
	})
	defer found.stop()

	if err := s.radio.StartScan(sim.scanFor); err != nil {
		return nil, err
	}
	if _, err := started.next(ctx); err != nil {
		return nil, err
	}
	for i := 0; i < sim.peripherals; i++ {
		fake.Emit(native.Event{
			Kind:    native.EventDeviceFound,
			Address: simAddress(i),
			Name:    fmt.Sprintf("sim-%d", i+1),
			RSSI:    -40 - 5*i,
		})
	}
	for i := 0; i < sim.peripherals; i++ {
		if _, err := found.next(ctx); err != nil {
			return nil, err
		}
	}
	d, ok := s.radio.Device(simAddress(0))
	if !ok {
		return nil, fmt.Errorf("simulate: %s was not discovered", simAddress(0))
	}
	return d, nil
}

// powerOff turns the radio off and waits for OFF.
func (s *session) powerOff(ctx context.Context) error {
	w := s.watch(func(ev event.Event) bool {
		return ev.EventType() == event.TypeRadioState && enteredAny(ev, radio.Off)
	})
	defer w.stop()
	if err := s.radio.TurnOff(); err != nil {
		return err
	}
	_, err := w.next(ctx)
	return err
}
