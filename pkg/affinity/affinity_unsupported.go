//go:build !linux

package affinity

import "github.com/adrabkin/iopulse/pkg/ioerr"

// Apply is only implemented on Linux. A non-empty plan on another
// platform is an error; an empty plan is a no-op everywhere.
func (p Plan) Apply(i int) error {
	if p.Empty() {
		return nil
	}
	return ioerr.New(ioerr.ValidationError, "cpu/numa affinity is only supported on Linux")
}
