// Package affinity applies a precomputed CPU-set / NUMA-zone plan to
// worker threads. The core only consumes the plan; topology discovery
// is a collaborator.
package affinity

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/adrabkin/iopulse/pkg/ioerr"
)

// Plan is a list of CPU sets keyed by worker index, with an optional
// NUMA zone hint per worker. An empty plan applies nothing.
type Plan struct {
	CPUSets   [][]int
	NUMAZones []int
}

// Empty reports whether the plan carries no pinning at all.
func (p Plan) Empty() bool {
	return len(p.CPUSets) == 0 && len(p.NUMAZones) == 0
}

// cpusFor returns the CPU set for worker i, cycling through the plan
// when there are more workers than sets.
func (p Plan) cpusFor(i int) []int {
	if len(p.CPUSets) == 0 {
		return nil
	}
	return p.CPUSets[i%len(p.CPUSets)]
}

// zoneFor returns the NUMA zone hint for worker i, or -1 if none.
func (p Plan) zoneFor(i int) int {
	if len(p.NUMAZones) == 0 {
		return -1
	}
	return p.NUMAZones[i%len(p.NUMAZones)]
}

// ParseCPUList parses a CPU range expression like "0-3,8,10-11" into a
// list of CPU numbers in the order given, each range expanded in
// ascending order. The list is not sorted or de-duplicated.
func ParseCPUList(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			a, err1 := strconv.Atoi(lo)
			b, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil || a > b || a < 0 {
				return nil, ioerr.New(ioerr.UsageError, fmt.Sprintf("bad cpu range %q", part))
			}
			for c := a; c <= b; c++ {
				out = append(out, c)
			}
			continue
		}
		c, err := strconv.Atoi(part)
		if err != nil || c < 0 {
			return nil, ioerr.New(ioerr.UsageError, fmt.Sprintf("bad cpu %q", part))
		}
		out = append(out, c)
	}
	return out, nil
}

// ParseZoneList parses a NUMA zone list like "0,1".
func ParseZoneList(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		z, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || z < 0 {
			return nil, ioerr.New(ioerr.UsageError, fmt.Sprintf("bad numa zone %q", part))
		}
		out = append(out, z)
	}
	return out, nil
}

// FromLists builds a Plan that spreads workers one CPU each across the
// given CPU list, with the zone list cycled per worker.
func FromLists(cpus, zones []int) Plan {
	var p Plan
	for _, c := range cpus {
		p.CPUSets = append(p.CPUSets, []int{c})
	}
	p.NUMAZones = zones
	return p
}
