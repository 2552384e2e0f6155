//go:build linux

package ioengine

import (
	"os"
	"syscall"
	"time"
	"unsafe"

	"github.com/adrabkin/iopulse/pkg/ioerr"
	"github.com/adrabkin/iopulse/pkg/target"
	"golang.org/x/sys/unix"
)

// Linux AIO iocb opcode constants (standard 64-bit layout).
const (
	iocbCmdPRead  = 0
	iocbCmdPWrite = 1
)

type iocb struct {
	Data      uint64
	Key       uint32
	RwFlags   uint32
	OpCode    uint16
	ReqPrio   int16
	Fd        uint32
	Buf       uint64
	NBytes    uint64
	Offset    int64
	Reserved2 uint64
	Flags     uint32
	ResFd     uint32
}

type ioEvent struct {
	Data uint64
	Obj  uint64
	Res  int64
	Res2 int64
}

// ringBEngine is the libaio-backed completion-queue engine: raw Linux
// AIO via io_setup/io_submit/io_getevents syscalls.
type ringBEngine struct {
	f         *os.File
	binding   target.Binding
	ctxID     uint64
	qd        int
	inFlight  int
	submitted map[uint64]*Op
	events    []ioEvent
}

func newRingBEngine() *ringBEngine {
	return &ringBEngine{submitted: make(map[uint64]*Op)}
}

func (e *ringBEngine) Prepare(opts PrepareOptions) error {
	flags := os.O_RDWR
	if opts.ReadOnly {
		flags = os.O_RDONLY
	}
	if opts.Direct {
		flags |= syscall.O_DIRECT
	}
	f, err := os.OpenFile(opts.Binding.Path, flags, 0666)
	if err != nil {
		return ioerr.Wrap(ioerr.IoFatal, err, "ring-b engine open")
	}
	var ctxID uint64
	if _, _, errno := unix.Syscall(unix.SYS_IO_SETUP, uintptr(opts.QueueDepth), uintptr(unsafe.Pointer(&ctxID)), 0); errno != 0 {
		f.Close()
		return ioerr.Wrap(ioerr.IoFatal, errno, "ring-b io_setup")
	}
	e.f = f
	e.binding = opts.Binding
	e.ctxID = ctxID
	e.qd = opts.QueueDepth
	e.events = make([]ioEvent, opts.QueueDepth)
	return nil
}

func (e *ringBEngine) Submit(op *Op) error {
	if e.inFlight >= e.qd {
		return ioerr.New(ioerr.IoFatal, "ring-b engine: in-flight at queue depth")
	}
	if !e.binding.Contains(op.Offset, op.Length) {
		return ioerr.New(ioerr.ValidationError, "offset outside binding range")
	}
	cb := &iocb{
		Fd:     uint32(e.f.Fd()),
		Data:   op.UserData,
		Buf:    uint64(uintptr(unsafe.Pointer(&op.Buf[0]))),
		NBytes: uint64(op.Length),
		Offset: op.Offset,
	}
	if op.Kind == Read {
		cb.OpCode = iocbCmdPRead
	} else {
		cb.OpCode = iocbCmdPWrite
	}
	cbPtr := cb
	op.SubmitTime = time.Now()
	nSub, _, errno := unix.Syscall(unix.SYS_IO_SUBMIT, uintptr(e.ctxID), 1, uintptr(unsafe.Pointer(&cbPtr)))
	if errno != 0 {
		if errno == syscall.EAGAIN {
			return ioerr.Wrap(ioerr.Transient, errno, "ring-b io_submit")
		}
		return ioerr.Wrap(ioerr.IoFatal, errno, "ring-b io_submit")
	}
	if int(nSub) != 1 {
		return ioerr.New(ioerr.IoFatal, "ring-b io_submit submitted 0 iocbs")
	}
	e.submitted[op.UserData] = op
	e.inFlight++
	return nil
}

func (e *ringBEngine) Reap(min, max int, timeout time.Duration) ([]*Op, error) {
	if e.inFlight == 0 {
		return nil, nil
	}
	minNr := min
	if minNr < 1 {
		minNr = 1
	}
	if minNr > e.inFlight {
		minNr = e.inFlight
	}
	want := max
	if want > e.inFlight {
		want = e.inFlight
	}
	if want > len(e.events) {
		want = len(e.events)
	}
	nEvt, _, errno := unix.Syscall6(unix.SYS_IO_GETEVENTS, uintptr(e.ctxID), uintptr(minNr), uintptr(want), uintptr(unsafe.Pointer(&e.events[0])), 0, 0)
	if errno != 0 && errno != syscall.EINTR {
		return nil, ioerr.Wrap(ioerr.IoFatal, errno, "ring-b io_getevents")
	}
	var out []*Op
	for i := 0; i < int(nEvt); i++ {
		evt := e.events[i]
		op := e.submitted[evt.Data]
		delete(e.submitted, evt.Data)
		op.DoneTime = time.Now()
		if evt.Res < 0 {
			op.Err = ioerr.Wrap(ioerr.IoFatal, syscall.Errno(-evt.Res), "ring-b completion")
		}
		out = append(out, op)
		e.inFlight--
	}
	return out, nil
}

func (e *ringBEngine) InFlight() int { return e.inFlight }

func (e *ringBEngine) Teardown() error {
	if e.ctxID != 0 {
		unix.Syscall(unix.SYS_IO_DESTROY, uintptr(e.ctxID), 0, 0)
	}
	if e.f != nil {
		return e.f.Close()
	}
	return nil
}
