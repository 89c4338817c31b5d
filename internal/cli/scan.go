package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"bluetooth-sched/internal/bluez"
	"bluetooth-sched/internal/event"
	"bluetooth-sched/internal/native"
	"bluetooth-sched/internal/radio"
	"bluetooth-sched/internal/state"
)

var errPowerOn = errors.New("radio did not turn on")

// snapshotter lists the devices the platform stack already knows.
type snapshotter interface {
	Scan(filter []string) ([]bluez.Device, error)
}

func newScanCmd(a *app) *cobra.Command {
	var (
		duration time.Duration
		uuids    []string
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Power the adapter on and list nearby peripherals",
		Long: `scan powers the adapter on, scans for the given duration and lists the peripherals
found. The list is merged with the devices BlueZ already knows, which fills in
names and advertised services the scan did not report. With --uuid only
devices advertising one of the given services are listed.`,
		Example: `  blesched scan -d 5s
  blesched scan --uuid 180d --uuid 181a`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			nr, err := a.bluez()
			if err != nil {
				return err
			}
			s, err := newSession(a.cfg, a.logger, nr)
			if err != nil {
				return err
			}
			s.print(cmd.OutOrStdout())
			s.start(cmd.Context())
			err = s.scan(cmd.Context(), duration)
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			var snap []bluez.Device
			if sn, ok := nr.(snapshotter); ok && err == nil {
				if snap, err = sn.Scan(uuids); err != nil {
					err = fmt.Errorf("list known devices: %w", err)
				}
			}
			closeErr := s.close()
			if err != nil {
				return err
			}
			seen := make([]bluez.Device, 0, len(s.radio.Devices()))
			for _, d := range s.radio.Devices() {
				seen = append(seen, bluez.Device{Address: d.Address(), Name: d.Name(), RSSI: d.RSSI()})
			}
			for _, d := range listing(seen, snap, len(uuids) > 0) {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s\t%d dBm\t%s\n", d.Address, d.RSSI, d.Name)
			}
			return closeErr
		},
	}
	cmd.Flags().DurationVarP(&duration, "duration", "d", 10*time.Second, "scan duration, 0 scans until interrupted")
	cmd.Flags().StringSliceVar(&uuids, "uuid", nil, "only list devices advertising this service UUID (repeatable)")
	return cmd
}

// listing merges the devices seen during a scan with the platform snapshot,
// ordered by address. Values from the scan win. When filtered only devices
// present in the snapshot are listed, as the snapshot carries the UUIDs.
func listing(seen, snap []bluez.Device, filtered bool) []bluez.Device {
	known := make(map[string]bluez.Device, len(snap))
	for _, d := range snap {
		if d.Name == "" {
			d.Name = d.Alias
		}
		known[strings.ToUpper(d.Address)] = d
	}
	out := make([]bluez.Device, 0, len(seen)+len(snap))
	for _, d := range seen {
		key := strings.ToUpper(d.Address)
		row, ok := known[key]
		if filtered && !ok {
			continue
		}
		delete(known, key)
		row.Address = d.Address
		if d.Name != "" {
			row.Name = d.Name
		}
		if d.RSSI != 0 {
			row.RSSI = d.RSSI
		}
		out = append(out, row)
	}
	for _, d := range known {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (a *app) bluez() (native.Radio, error) {
	r, err := bluez.New(bluez.Options{Adapter: a.cfg.BlueZ.Adapter, EventBuffer: a.cfg.BlueZ.EventBuffer}, a.logger)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// powerOn turns the radio on and waits until it settles.
func (s *session) powerOn(ctx context.Context) error {
	w := s.watch(isRadioState)
	defer w.stop()
	if err := s.radio.TurnOn(); err != nil {
		return err
	}
	for {
		ev, err := w.next(ctx)
		if err != nil {
			return err
		}
		e := ev.(event.StateEvent)
		switch {
		case e.New.Has(radio.On):
			return nil
		case e.DidEnter(radio.Off):
			return errPowerOn
		}
	}
}

// scan powers the radio on and scans for d.
func (s *session) scan(ctx context.Context, d time.Duration) error {
	if err := s.powerOn(ctx); err != nil {
		return err
	}
	w := s.watch(func(ev event.Event) bool {
		e, ok := ev.(event.StateEvent)
		return ok && e.Owner == "" && e.DidExit(radio.Scanning)
	})
	defer w.stop()
	if err := s.radio.StartScan(d); err != nil {
		return err
	}
	_, err := w.next(ctx)
	return err
}

func isRadioState(ev event.Event) bool {
	return ev.EventType() == event.TypeRadioState
}

func isDeviceState(addr string) func(event.Event) bool {
	return func(ev event.Event) bool {
		e, ok := ev.(event.StateEvent)
		return ok && ev.EventType() == event.TypeDeviceState && e.Owner == addr
	}
}

// enteredAny reports whether ev is a state event entering one of ss.
func enteredAny(ev event.Event, ss ...state.State) bool {
	e, ok := ev.(event.StateEvent)
	return ok && e.Enter.Any(state.Of(ss...))
}
