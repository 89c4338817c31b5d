package cli

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"bluetooth-sched/internal/device"
	"bluetooth-sched/internal/event"
	"bluetooth-sched/internal/retry"
	"bluetooth-sched/internal/task"
)

func newConnectCmd(a *app) *cobra.Command {
	var (
		reads  []string
		writes []string
		notify []string
		auths  []string
		inits  []string
		mtu    int
		listen bool
	)
	cmd := &cobra.Command{
		Use:   "connect ADDRESS",
		Short: "Connect to a peripheral and run GATT requests",
		Long: `connect powers the adapter on, connects to ADDRESS, discovers its
services and then runs the requested reads, writes and subscriptions in
order. Writes given with --auth and --init run as the authentication and
initialization transactions, before the device reports INITIALIZED. With
--listen it keeps printing notifications until interrupted.`,
		Example: `  blesched connect AA:BB:CC:DD:EE:FF --read 2a19
  blesched connect AA:BB:CC:DD:EE:FF --auth fff1=a5a5 --write 2a39=01 --notify 2a37 --listen`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := strings.ToUpper(args[0])
			nr, err := a.bluez()
			if err != nil {
				return err
			}
			authTxn, err := writesTxn(auths)
			if err != nil {
				return err
			}
			initTxn, err := writesTxn(inits)
			if err != nil {
				return err
			}
			s, err := newSession(a.cfg, a.logger, nr, func(dc *device.Config) {
				dc.Auth = authTxn
				dc.Init = initTxn
			})
			if err != nil {
				return err
			}
			s.print(cmd.OutOrStdout())
			d := s.radio.AddDevice(addr, "")
			s.start(cmd.Context())

			err = s.run(cmd.Context(), d, func(ctx context.Context) error {
				if mtu > 0 {
					if err := s.request(ctx, func(cb device.ReadWriteListener) error { return d.NegotiateMTU(mtu, cb) }); err != nil {
						return err
					}
				}
				for _, c := range reads {
					if err := s.request(ctx, func(cb device.ReadWriteListener) error { return d.Read(c, cb) }); err != nil {
						return err
					}
				}
				for _, kv := range writes {
					c, data, err := parseWrite(kv)
					if err != nil {
						return err
					}
					if err := s.request(ctx, func(cb device.ReadWriteListener) error { return d.Write(c, data, cb) }); err != nil {
						return err
					}
				}
				for _, c := range notify {
					if err := s.request(ctx, func(cb device.ReadWriteListener) error { return d.EnableNotify(c, cb) }); err != nil {
						return err
					}
				}
				if a.cfg.RSSI.PollInterval > 0 {
					if err := d.StartRSSIPoll(a.cfg.RSSI.PollInterval); err != nil {
						return err
					}
				}
				if listen {
					<-ctx.Done()
				}
				return nil
			})
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			return errors.Join(err, s.close())
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&reads, "read", nil, "characteristic UUID to read (repeatable)")
	f.StringSliceVar(&writes, "write", nil, "UUID=HEX value to write (repeatable)")
	f.StringSliceVar(&notify, "notify", nil, "characteristic UUID to subscribe to (repeatable)")
	f.StringSliceVar(&auths, "auth", nil, "UUID=HEX written by the authentication transaction (repeatable)")
	f.StringSliceVar(&inits, "init", nil, "UUID=HEX written by the initialization transaction (repeatable)")
	f.IntVar(&mtu, "mtu", 0, "MTU to negotiate after connecting")
	f.BoolVar(&listen, "listen", false, "keep running and print notifications until interrupted")
	return cmd
}

func parseWrite(kv string) (string, []byte, error) {
	c, v, ok := strings.Cut(kv, "=")
	if !ok || c == "" {
		return "", nil, fmt.Errorf("write %q: want UUID=HEX", kv)
	}
	data, err := hex.DecodeString(v)
	if err != nil {
		return "", nil, fmt.Errorf("write %q: %w", kv, err)
	}
	return c, data, nil
}

// writesTxn returns a transaction writing each UUID=HEX value in order, or
// nil when kvs is empty.
func writesTxn(kvs []string) (device.Transaction, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	type write struct {
		characteristic string
		data           []byte
	}
	writes := make([]write, 0, len(kvs))
	for _, kv := range kvs {
		c, data, err := parseWrite(kv)
		if err != nil {
			return nil, err
		}
		writes = append(writes, write{c, data})
	}
	return device.TransactionFunc(func(d *device.Device, end func(error)) {
		var next func(i int)
		next = func(i int) {
			if i == len(writes) {
				end(nil)
				return
			}
			w := writes[i]
			err := d.Write(w.characteristic, w.data, func(ev event.ReadWriteEvent) {
				if !ev.WasSuccess() {
					end(fmt.Errorf("write %s: %s", w.characteristic, ev.Status))
					return
				}
				next(i + 1)
			})
			if err != nil {
				end(err)
			}
		}
		next(0)
	}), nil
}

// run powers the radio on, connects d, calls fn and disconnects again.
func (s *session) run(ctx context.Context, d *device.Device, fn func(context.Context) error) error {
	if err := s.powerOn(ctx); err != nil {
		return err
	}
	if err := s.connect(ctx, d); err != nil {
		return err
	}
	err := fn(ctx)
	if dErr := s.disconnect(d); dErr != nil {
		err = errors.Join(err, dErr)
	}
	return err
}

// ErrGaveUp is returned when every connection attempt failed.
var ErrGaveUp = errors.New("connection attempts exhausted")

// connect starts a connection sequence for d and waits until the device is
// initialized or the retry policy gives up.
func (s *session) connect(ctx context.Context, d *device.Device) error {
	return s.ready(ctx, d, d.Connect)
}

// ready calls trigger and waits for d to become initialized.
func (s *session) ready(ctx context.Context, d *device.Device, trigger func() error) error {
	states := isDeviceState(d.Address())
	w := s.watch(func(ev event.Event) bool {
		if f, ok := ev.(event.FailureEvent); ok {
			return f.Owner == d.Address()
		}
		return states(ev)
	})
	defer w.stop()
	if err := trigger(); err != nil {
		return err
	}
	for {
		ev, err := w.next(ctx)
		if err != nil {
			return err
		}
		switch e := ev.(type) {
		case event.FailureEvent:
			if e.Decision.Action == retry.ActionGiveUp {
				return fmt.Errorf("%s: %w: %s", d.Address(), ErrGaveUp, e.Status)
			}
		case event.StateEvent:
			if e.DidEnter(device.Initialized) {
				return nil
			}
		}
	}
}

// disconnect asks d to disconnect and waits for the Disconnect task to end.
// The wait is bounded by closeTimeout so an interrupted run still tears the
// link down.
func (s *session) disconnect(d *device.Device) error {
	if err := d.StopRSSIPoll(); err != nil {
		return err
	}
	w := s.watch(func(ev event.Event) bool {
		e, ok := ev.(event.TaskEvent)
		return ok && e.Owner == d.Address() && e.Kind == task.KindDisconnect
	})
	defer w.stop()
	if err := d.Disconnect(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	ev, err := w.next(ctx)
	if err != nil {
		s.logger.Warn("disconnect did not finish", "address", d.Address(), "error", err)
		return nil
	}
	if e := ev.(event.TaskEvent); e.Outcome != task.StateSucceeded {
		return fmt.Errorf("%s: disconnect %s: %v", d.Address(), e.Outcome, e.Err)
	}
	return nil
}

// request issues one read/write style call and waits for its result.
func (s *session) request(ctx context.Context, call func(device.ReadWriteListener) error) error {
	res := make(chan event.ReadWriteEvent, 1)
	if err := call(func(ev event.ReadWriteEvent) { res <- ev }); err != nil {
		return err
	}
	select {
	case ev := <-res:
		if !ev.WasSuccess() {
			return fmt.Errorf("%s %s: %s", ev.Kind, ev.Characteristic, ev.Status)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
