//go:build !linux

package ioengine

import (
	"time"

	"github.com/adrabkin/iopulse/pkg/ioerr"
)

// ringBEngine stub for non-Linux platforms. Linux AIO (io_submit/
// io_getevents) has no portable equivalent.
type ringBEngine struct{}

func newRingBEngine() *ringBEngine { return &ringBEngine{} }

func (e *ringBEngine) Prepare(opts PrepareOptions) error {
	return ioerr.New(ioerr.ValidationError, "ring-b (libaio) engine is only supported on Linux")
}
func (e *ringBEngine) Submit(op *Op) error                              { return ioerr.New(ioerr.IoFatal, "unsupported") }
func (e *ringBEngine) Reap(min, max int, t time.Duration) ([]*Op, error) { return nil, nil }
func (e *ringBEngine) InFlight() int                                    { return 0 }
func (e *ringBEngine) Teardown() error                                  { return nil }
