//go:build !linux

package bluez

import (
	"log/slog"

	"github.com/google/uuid"

	"bluetooth-sched/internal/native"
)

// Radio is unavailable off linux; New always fails.
type Radio struct{}

var _ native.Radio = (*Radio)(nil)

// New returns ErrUnsupportedPlatform.
func New(Options, *slog.Logger) (*Radio, error) { return nil, ErrUnsupportedPlatform }

func (*Radio) Submit(native.Request, func(native.Completion)) error { return ErrUnsupportedPlatform }
func (*Radio) Abort(uuid.UUID)                                      {}
func (*Radio) Events() <-chan native.Event                          { return nil }
func (*Radio) Close() error                                         { return nil }
func (*Radio) Scan([]string) ([]Device, error)                      { return nil, ErrUnsupportedPlatform }
