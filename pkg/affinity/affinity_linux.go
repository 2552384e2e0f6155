//go:build linux

package affinity

import (
	"unsafe"

	"github.com/adrabkin/iopulse/pkg/ioerr"
	"golang.org/x/sys/unix"
)

const mpolBind = 2 // MPOL_BIND

// Apply pins the calling thread to worker i's CPU set and, if a NUMA
// zone hint is present, binds its memory policy to that zone. Call with
// the OS thread locked, before the worker begins issuing I/O.
func (p Plan) Apply(i int) error {
	if cpus := p.cpusFor(i); len(cpus) > 0 {
		var set unix.CPUSet
		for _, c := range cpus {
			set.Set(c)
		}
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			return ioerr.Wrap(ioerr.IoFatal, err, "sched_setaffinity")
		}
	}
	if zone := p.zoneFor(i); zone >= 0 {
		nodemask := uint64(1) << uint(zone)
		_, _, errno := unix.Syscall(unix.SYS_SET_MEMPOLICY,
			uintptr(mpolBind), uintptr(unsafe.Pointer(&nodemask)), 64)
		if errno != 0 {
			return ioerr.Wrap(ioerr.IoFatal, errno, "set_mempolicy")
		}
	}
	return nil
}
