package ioengine

import (
	"os"
	"time"

	"github.com/adrabkin/iopulse/pkg/ioerr"
	"github.com/adrabkin/iopulse/pkg/target"
	"golang.org/x/sys/unix"
)

// mappedEngine maps the target file and services ops with an aligned
// memcpy into/out of the mapping, recording completion synchronously.
// Reap is a no-op returning the most recent inline completion, which
// satisfies the contract because Submit is itself synchronous.
// Incompatible with direct access.
type mappedEngine struct {
	f        *os.File
	binding  target.Binding
	mapping  []byte
	lastDone *Op
}

func newMappedEngine() *mappedEngine {
	return &mappedEngine{}
}

func (e *mappedEngine) Prepare(opts PrepareOptions) error {
	if opts.Direct {
		return ioerr.New(ioerr.ValidationError, "mmap engine is incompatible with direct access")
	}
	flags := os.O_RDWR
	if opts.ReadOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(opts.Binding.Path, flags, 0666)
	if err != nil {
		return ioerr.Wrap(ioerr.IoFatal, err, "mmap engine open")
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return ioerr.Wrap(ioerr.IoFatal, err, "mmap engine stat")
	}
	required := opts.Binding.Hi
	if info.Size() < required {
		if opts.AutoFill == nil {
			f.Close()
			return ioerr.New(ioerr.ValidationError, "mmap target too small and no auto-fill hook provided")
		}
		if err := opts.AutoFill(opts.Binding.Path, required); err != nil {
			f.Close()
			return err
		}
	}

	prot := unix.PROT_READ
	if !opts.ReadOnly {
		prot |= unix.PROT_WRITE
	}
	mapping, err := unix.Mmap(int(f.Fd()), 0, int(required), prot, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return ioerr.Wrap(ioerr.IoFatal, err, "mmap engine mmap")
	}

	e.f = f
	e.binding = opts.Binding
	e.mapping = mapping
	return nil
}

func (e *mappedEngine) Submit(op *Op) error {
	if !e.binding.Contains(op.Offset, op.Length) {
		return ioerr.New(ioerr.ValidationError, "offset outside binding range")
	}
	op.SubmitTime = time.Now()
	region := e.mapping[op.Offset : op.Offset+op.Length]
	switch op.Kind {
	case Read:
		copy(op.Buf, region)
	case Write:
		copy(region, op.Buf)
	}
	op.DoneTime = time.Now()
	e.lastDone = op
	return nil
}

// Reap is a no-op that returns the last inline completion.
func (e *mappedEngine) Reap(min, max int, timeout time.Duration) ([]*Op, error) {
	if min > 1 {
		return nil, ioerr.New(ioerr.IoFatal, "mmap engine: reap min>1 is an error")
	}
	if e.lastDone == nil {
		return nil, nil
	}
	done := e.lastDone
	e.lastDone = nil
	return []*Op{done}, nil
}

func (e *mappedEngine) InFlight() int {
	return 0 // mmap submit is always synchronous; nothing is ever in flight between calls
}

func (e *mappedEngine) Teardown() error {
	if e.mapping != nil {
		unix.Munmap(e.mapping)
		e.mapping = nil
	}
	if e.f != nil {
		return e.f.Close()
	}
	return nil
}
