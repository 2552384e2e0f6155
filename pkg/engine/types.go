// Package ioengine defines the uniform submit/reap contract
// implemented by four backends: sync, ring-a (io_uring), ring-b
// (libaio), and mmap.
package ioengine

import (
	"time"

	"github.com/adrabkin/iopulse/pkg/target"
)

// Kind names one of the four supported engines.
type Kind string

const (
	Sync   Kind = "sync"
	RingA  Kind = "ring-a"
	RingB  Kind = "ring-b"
	Mapped Kind = "mmap"
)

// OpKind distinguishes a read from a write.
type OpKind int

const (
	Read OpKind = iota
	Write
)

// Op is a single submitted I/O. Its lifetime does not outlive the
// worker loop iteration that reaped it: callers must not retain an Op
// across loop iterations.
type Op struct {
	Kind       OpKind
	Offset     int64
	Length     int64
	Buf        []byte // the rented buffer slice this op reads into/writes from
	BufIdx     int    // buffer-pool slot index, for Return after reap
	SubmitTime time.Time
	DoneTime   time.Time
	UserData   uint64 // caller-assigned correlation id (the worker uses the slot index)
	Err        error
}

// PrepareOptions configures how an engine opens/maps its target.
type PrepareOptions struct {
	Binding    target.Binding
	Direct     bool
	ReadOnly   bool
	QueueDepth int
	BlockSize  int
	// AutoFill is invoked by the mmap engine when the underlying file is
	// smaller than the binding requires and it must be grown before
	// mapping. Engines other than mmap ignore it.
	AutoFill func(path string, requiredSize int64) error
}

// Engine is the uniform submit/reap contract implemented by all four
// backends.
type Engine interface {
	// Prepare opens and configures the underlying file handle(s). It
	// fails if the requested flags (notably direct access) are
	// incompatible with the filesystem or engine.
	Prepare(opts PrepareOptions) error

	// Submit enqueues an op for I/O. Sync and mmap engines execute and
	// reap inline; async engines enqueue and return immediately without
	// allocating. Precondition: in-flight count < queue depth.
	Submit(op *Op) error

	// Reap returns at least min completions and at most max. Sync/mmap
	// engines: min<=1 returns the last inline completion without
	// blocking; min>1 is an error. Ring-a and ring-b block until at least
	// min (at least 1) completions arrive; no engine applies timeout.
	Reap(min, max int, timeout time.Duration) ([]*Op, error)

	// InFlight reports the current number of outstanding ops.
	InFlight() int

	// Teardown drains in-flight ops best-effort and closes handles.
	Teardown() error
}

// New constructs an Engine of the given kind. Construction never opens
// the underlying file; call Prepare for that.
func New(kind Kind) (Engine, error) {
	switch kind {
	case Sync, "":
		return newSyncEngine(), nil
	case RingA:
		return newRingAEngine(), nil
	case RingB:
		return newRingBEngine(), nil
	case Mapped:
		return newMappedEngine(), nil
	default:
		return nil, &UnsupportedEngineError{Kind: kind}
	}
}

// UnsupportedEngineError is returned by New for an unrecognized Kind.
type UnsupportedEngineError struct {
	Kind Kind
}

func (e *UnsupportedEngineError) Error() string {
	return "unsupported engine kind: " + string(e.Kind)
}
