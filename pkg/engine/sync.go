package ioengine

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/adrabkin/iopulse/pkg/ioerr"
	"github.com/adrabkin/iopulse/pkg/target"
)

// syncEngine issues positional ReadAt/WriteAt syscalls inline, one at
// a time. In-flight count never exceeds 1.
type syncEngine struct {
	f        *os.File
	binding  target.Binding
	pending  *Op
	lastDone *Op
}

func newSyncEngine() *syncEngine {
	return &syncEngine{}
}

func (e *syncEngine) Prepare(opts PrepareOptions) error {
	flags := os.O_RDWR
	if opts.ReadOnly {
		flags = os.O_RDONLY
	}
	if opts.Direct {
		flags |= syscall.O_DIRECT
	}
	f, err := os.OpenFile(opts.Binding.Path, flags, 0666)
	if err != nil {
		return ioerr.Wrap(ioerr.IoFatal, err, "sync engine open")
	}
	e.f = f
	e.binding = opts.Binding
	return nil
}

func (e *syncEngine) Submit(op *Op) error {
	if e.pending != nil {
		return ioerr.New(ioerr.IoFatal, "sync engine: in-flight count exceeded 1")
	}
	if !e.binding.Contains(op.Offset, op.Length) {
		return ioerr.New(ioerr.ValidationError, "offset outside binding range")
	}
	op.SubmitTime = time.Now()
	var n int
	var err error
	switch op.Kind {
	case Read:
		n, err = e.f.ReadAt(op.Buf, op.Offset)
	case Write:
		n, err = e.f.WriteAt(op.Buf, op.Offset)
	}
	op.DoneTime = time.Now()
	if err != nil {
		op.Err = ioerr.Wrap(ioerr.IoFatal, err, fmt.Sprintf("sync %v at %d", op.Kind, op.Offset))
		return op.Err
	}
	if n != len(op.Buf) {
		op.Err = ioerr.New(ioerr.IoFatal, fmt.Sprintf("short sync I/O: wanted %d got %d", len(op.Buf), n))
		return op.Err
	}
	e.pending = op
	return nil
}

func (e *syncEngine) Reap(min, max int, timeout time.Duration) ([]*Op, error) {
	if min > 1 {
		return nil, ioerr.New(ioerr.IoFatal, "sync engine: reap min>1 is an error")
	}
	if e.pending == nil {
		return nil, nil
	}
	done := e.pending
	e.pending = nil
	e.lastDone = done
	return []*Op{done}, nil
}

func (e *syncEngine) InFlight() int {
	if e.pending != nil {
		return 1
	}
	return 0
}

func (e *syncEngine) Teardown() error {
	if e.f == nil {
		return nil
	}
	return e.f.Close()
}
