// Package target defines the on-disk files a phase drives I/O
// against, and the concrete file/offset-range view each worker
// operates on.
package target

import (
	"fmt"
	"os"

	"github.com/adrabkin/iopulse/pkg/ioerr"
)

// Mode selects how workers share the target file(s).
type Mode string

const (
	// Shared: all workers use the same file, any offset in [0, size).
	Shared Mode = "shared"
	// PerWorker: worker i uses a distinct file <base>.<i>.
	PerWorker Mode = "per-worker"
	// Partitioned: all workers share one file; worker i is restricted
	// to [i*size/N, (i+1)*size/N).
	Partitioned Mode = "partitioned"
)

// Target is a path on disk with required capacity and permission flags.
type Target struct {
	Path     string
	Size     int64
	Direct   bool
	ReadOnly bool
	// PreExisting marks a target the controller must never create or
	// grow; it is validated only.
	PreExisting bool
}

// Binding is the file/offset-range view a single worker operates on. A
// worker never issues I/O outside [Lo, Hi).
type Binding struct {
	Path   string
	Lo, Hi int64
	Worker int
}

// Contains reports whether an op at the given offset and length lies
// entirely inside the binding's range.
func (b Binding) Contains(offset, length int64) bool {
	return offset >= b.Lo && length > 0 && offset+length <= b.Hi
}

// Size returns the number of addressable bytes in the binding.
func (b Binding) Size() int64 {
	return b.Hi - b.Lo
}

// PerWorkerPath returns the file name worker i uses in per-worker mode.
func PerWorkerPath(base string, i int) string {
	return fmt.Sprintf("%s.%d", base, i)
}

// Bind expands a Target into one Binding per worker according to the
// file-distribution mode.
func Bind(t Target, mode Mode, workers int) ([]Binding, error) {
	if workers <= 0 {
		return nil, ioerr.New(ioerr.ValidationError, fmt.Sprintf("invalid worker count %d", workers))
	}
	if t.Size <= 0 {
		return nil, ioerr.New(ioerr.ValidationError, fmt.Sprintf("invalid target size %d", t.Size))
	}
	out := make([]Binding, workers)
	switch mode {
	case Shared, "":
		for i := range out {
			out[i] = Binding{Path: t.Path, Lo: 0, Hi: t.Size, Worker: i}
		}
	case PerWorker:
		for i := range out {
			out[i] = Binding{Path: PerWorkerPath(t.Path, i), Lo: 0, Hi: t.Size, Worker: i}
		}
	case Partitioned:
		if t.Size%int64(workers) != 0 {
			return nil, ioerr.New(ioerr.ValidationError,
				fmt.Sprintf("partitioned mode: size %d not divisible by %d workers", t.Size, workers))
		}
		part := t.Size / int64(workers)
		for i := range out {
			out[i] = Binding{Path: t.Path, Lo: int64(i) * part, Hi: int64(i+1) * part, Worker: i}
		}
	default:
		return nil, ioerr.New(ioerr.ValidationError, fmt.Sprintf("unknown file distribution %q", mode))
	}
	return out, nil
}

// Paths returns the distinct file paths referenced by a binding set, in
// worker order.
func Paths(bindings []Binding) []string {
	seen := map[string]bool{}
	var out []string
	for _, b := range bindings {
		if !seen[b.Path] {
			seen[b.Path] = true
			out = append(out, b.Path)
		}
	}
	return out
}

// CurrentSize returns the size of the file at path, or 0 if it does not
// exist.
func CurrentSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, ioerr.Wrap(ioerr.IoFatal, err, "stat target")
	}
	return info.Size(), nil
}

// Ensure creates the file at path (if missing) and extends it to at
// least size bytes. Content written by extension is zero-filled and
// sparse; callers that need real content run auto-fill instead.
func Ensure(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return ioerr.Wrap(ioerr.IoFatal, err, "create target")
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return ioerr.Wrap(ioerr.IoFatal, err, "stat target")
	}
	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			return ioerr.Wrap(ioerr.IoFatal, err, "extend target")
		}
	}
	return nil
}

// Unlink removes the given paths, ignoring files that are already gone.
func Unlink(paths []string) error {
	var first error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && first == nil {
			first = ioerr.Wrap(ioerr.IoFatal, err, "unlink target")
		}
	}
	return first
}
