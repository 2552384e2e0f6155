// Package workload defines the Workload and CompletionMode data
// model, plus the validation rules the phase controller applies
// before a phase starts.
package workload

import (
	"fmt"
	"time"

	"github.com/adrabkin/iopulse/pkg/ioerr"
)

// Pattern selects sequential vs random offset generation.
type Pattern string

const (
	Sequential Pattern = "sequential"
	Random     Pattern = "random"
)

// DistKind selects the statistical distribution random offsets are
// drawn from.
type DistKind string

const (
	Uniform  DistKind = "uniform"
	Zipf     DistKind = "zipf"
	Pareto   DistKind = "pareto"
	Gaussian DistKind = "gaussian"
)

// Distribution carries a DistKind and its shape parameter(s).
type Distribution struct {
	Kind  DistKind
	Theta float64 // zipf θ
	H     float64 // pareto "80/20 knob"
	Sigma float64 // gaussian σ, as a fraction of the universe size
}

// ThinkMode selects how think-time is computed between ops.
type ThinkMode string

const (
	ThinkSleep    ThinkMode = "sleep"
	ThinkAdaptive ThinkMode = "adaptive"
)

// VerifyPattern selects the deterministic payload used for write +
// verify-on-read workloads.
type VerifyPattern string

const (
	VerifyZeros      VerifyPattern = "zeros"
	VerifyOnes       VerifyPattern = "ones"
	VerifySequential VerifyPattern = "sequential"
	VerifyRandom     VerifyPattern = "random"
)

// CompletionKind selects how a phase determines it is done.
type CompletionKind string

const (
	CompletionDuration  CompletionKind = "duration"
	CompletionTotalByte CompletionKind = "total_bytes"
	CompletionRunToDone CompletionKind = "run_until_complete"
)

// CompletionMode carries exactly one active completion rule.
type CompletionMode struct {
	Kind       CompletionKind
	Duration   time.Duration
	TotalBytes int64
}

// Workload is the full description of what I/O to drive against a
// Target during one phase.
type Workload struct {
	ReadPercent  int // 0..100
	BlockSize    int
	Pattern      Pattern
	Distribution Distribution
	QueueDepth   int

	ThinkTime    time.Duration
	ThinkMode    ThinkMode
	ThinkPercent float64 // for adaptive mode: think = latency * ThinkPercent

	Verify        bool
	VerifyPattern VerifyPattern

	WritePayload VerifyPattern // payload used for writes when not verifying
}

// Validate checks internal consistency and returns a *ioerr.Error with
// Kind ValidationError on failure.
func (w Workload) Validate() error {
	if w.ReadPercent < 0 || w.ReadPercent > 100 {
		return ioerr.New(ioerr.ValidationError, fmt.Sprintf("read percent %d out of [0,100]", w.ReadPercent))
	}
	if w.BlockSize <= 0 {
		return ioerr.New(ioerr.ValidationError, fmt.Sprintf("invalid block size %d", w.BlockSize))
	}
	if w.QueueDepth <= 0 {
		return ioerr.New(ioerr.ValidationError, fmt.Sprintf("invalid queue depth %d", w.QueueDepth))
	}
	switch w.Pattern {
	case Sequential, Random, "":
	default:
		return ioerr.New(ioerr.ValidationError, fmt.Sprintf("unknown pattern %q", w.Pattern))
	}
	if w.Pattern == Random {
		switch w.Distribution.Kind {
		case Uniform, Zipf, Pareto, Gaussian, "":
		default:
			return ioerr.New(ioerr.ValidationError, fmt.Sprintf("unknown distribution %q", w.Distribution.Kind))
		}
	}
	return nil
}

// Validate checks that exactly one completion rule is active.
func (c CompletionMode) Validate() error {
	switch c.Kind {
	case CompletionDuration:
		if c.Duration <= 0 {
			return ioerr.New(ioerr.ValidationError, "duration completion mode requires a positive duration")
		}
	case CompletionTotalByte:
		if c.TotalBytes <= 0 {
			return ioerr.New(ioerr.ValidationError, "total_bytes completion mode requires a positive byte count")
		}
	case CompletionRunToDone:
	default:
		return ioerr.New(ioerr.ValidationError, fmt.Sprintf("unknown completion mode %q", c.Kind))
	}
	return nil
}
