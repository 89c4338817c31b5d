package cli

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"bluetooth-sched/internal/config"
	"bluetooth-sched/internal/device"
	"bluetooth-sched/internal/event"
	"bluetooth-sched/internal/loop"
	"bluetooth-sched/internal/native"
	"bluetooth-sched/internal/radio"
)

const closeTimeout = 5 * time.Second

// session wires a native radio to the loop, the radio entity and the bus.
type session struct {
	logger *slog.Logger
	bus    *event.Bus
	loop   *loop.Loop
	radio  *radio.Radio

	cancel context.CancelFunc
	done   chan error
}

func newSession(cfg *config.Config, logger *slog.Logger, nr native.Radio, configure ...func(*device.Config)) (*session, error) {
	dc, err := cfg.Device(logger)
	if err != nil {
		return nil, err
	}
	for _, fn := range configure {
		fn(&dc)
	}
	s := &session{
		logger: logger,
		bus:    event.NewBus(logger),
		loop:   loop.New(cfg.LoopOptions(logger)...),
		done:   make(chan error, 1),
	}
	s.radio = radio.New(nr, s.loop, s.bus, radio.Config{Device: dc, Logger: logger})
	s.loop.Register(s.radio)
	return s, nil
}

// print writes every published event to w as one JSON object per line.
func (s *session) print(w io.Writer) {
	enc := json.NewEncoder(w)
	s.bus.SubscribeAll(func(ev event.Event) {
		if err := enc.Encode(record(ev)); err != nil {
			s.logger.Warn("writing event failed", "error", err)
		}
	})
}

func (s *session) start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go func() { s.done <- s.loop.Run(ctx) }()
	s.radio.Start()
}

// close shuts the radio down and stops the loop.
func (s *session) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	err := s.radio.Close(ctx)
	s.cancel()
	return errors.Join(err, <-s.done)
}

// watch collects the published events accepted by match.
type watch struct {
	bus *event.Bus
	id  string
	ch  chan event.Event
}

func (s *session) watch(match func(event.Event) bool) *watch {
	w := &watch{bus: s.bus, ch: make(chan event.Event, 128)}
	w.id = s.bus.SubscribeAll(func(ev event.Event) {
		if !match(ev) {
			return
		}
		select {
		case w.ch <- ev:
		default:
		}
	})
	return w
}

// next waits for the next matching event.
func (w *watch) next(ctx context.Context) (event.Event, error) {
	select {
	case ev := <-w.ch:
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *watch) stop() { w.bus.Unsubscribe(w.id) }

// record flattens ev for JSON output.
func record(ev event.Event) map[string]any {
	rec := map[string]any{
		"type": ev.EventType(),
		"time": ev.Timestamp().Format(time.RFC3339Nano),
	}
	switch e := ev.(type) {
	case event.StateEvent:
		if e.Owner != "" {
			rec["address"] = e.Owner
		}
		rec["enter"] = e.Names.Format(e.Enter)
		rec["exit"] = e.Names.Format(e.Exit)
		rec["state"] = e.Names.Format(e.New)
		if e.Intent != 0 {
			rec["intent"] = e.Names.Format(e.Intent)
		}
	case event.TaskEvent:
		if e.Owner != "" {
			rec["address"] = e.Owner
		}
		rec["kind"] = e.Kind.String()
		rec["outcome"] = e.Outcome.String()
		rec["elapsed_ms"] = e.ElapsedTotal.Milliseconds()
		putErr(rec, e.Err)
	case event.FailureEvent:
		rec["address"] = e.Owner
		rec["status"] = e.Status.String()
		rec["timing"] = e.Timing.String()
		rec["attempt"] = e.AttemptCount
		rec["decision"] = e.Decision.Action.String()
		if e.Param != nil {
			rec["param"] = fmt.Sprint(e.Param)
		}
		if e.Code != 0 {
			rec["code"] = e.Code
		}
		putErr(rec, e.Err)
	case event.ReadWriteEvent:
		rec["address"] = e.Address
		rec["kind"] = e.Kind.String()
		rec["status"] = e.Status.String()
		if e.Characteristic != "" {
			rec["characteristic"] = e.Characteristic
		}
		if len(e.Data) > 0 {
			rec["data"] = hex.EncodeToString(e.Data)
		}
		if e.MTU != 0 {
			rec["mtu"] = e.MTU
		}
		if e.RSSI != 0 {
			rec["rssi"] = e.RSSI
		}
		putErr(rec, e.Err)
	case event.NotificationEvent:
		rec["address"] = e.Address
		rec["characteristic"] = e.Characteristic
		rec["data"] = hex.EncodeToString(e.Data)
	case event.IdleEvent:
		rec["idle"] = e.Idle
	case event.DiscoveryEvent:
		rec["address"] = e.Address
		rec["name"] = e.Name
		rec["rssi"] = e.RSSI
		rec["new"] = e.New
	}
	return rec
}

func putErr(rec map[string]any, err error) {
	if err != nil {
		rec["error"] = err.Error()
	}
}
