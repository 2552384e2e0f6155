//go:build !linux

package ioengine

import (
	"time"

	"github.com/adrabkin/iopulse/pkg/ioerr"
)

// ringAEngine stub for non-Linux platforms; Prepare always refuses.
type ringAEngine struct{}

func newRingAEngine() *ringAEngine { return &ringAEngine{} }

func (e *ringAEngine) Prepare(opts PrepareOptions) error {
	return ioerr.New(ioerr.ValidationError, "ring-a (io_uring) engine is only supported on Linux")
}
func (e *ringAEngine) Submit(op *Op) error                            { return ioerr.New(ioerr.IoFatal, "unsupported") }
func (e *ringAEngine) Reap(min, max int, t time.Duration) ([]*Op, error) { return nil, nil }
func (e *ringAEngine) InFlight() int                                  { return 0 }
func (e *ringAEngine) Teardown() error                                { return nil }
