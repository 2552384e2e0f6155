// Package worker implements a single execution thread: it owns a
// buffer slice, RNG, engine handle, and a target binding, and
// drives the hot loop (offset generation, submit, reap, histogram and
// counter updates) until the shared termination flag is set or its
// planned work is exhausted.
package worker

import (
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adrabkin/iopulse/pkg/bufferpool"
	ioengine "github.com/adrabkin/iopulse/pkg/engine"
	"github.com/adrabkin/iopulse/pkg/histogram"
	"github.com/adrabkin/iopulse/pkg/ioerr"
	"github.com/adrabkin/iopulse/pkg/offsetgen"
	"github.com/adrabkin/iopulse/pkg/stats"
	"github.com/adrabkin/iopulse/pkg/target"
	"github.com/adrabkin/iopulse/pkg/workload"
)

const (
	// reapTimeout is passed to each reap. The engines do not apply it:
	// sync and mmap never block in reap, and ring-a and ring-b block
	// until at least one completion arrives.
	reapTimeout = 10 * time.Millisecond
	// retryBudget caps transient-submit retries per op before the error
	// is promoted to fatal.
	retryBudget = 3
)

// seedMix is the golden-ratio multiplier used to derive independent
// per-worker seeds from (global seed, worker id).
const seedMix uint64 = 0x9E3779B97F4A7C15

// seedMixSigned is seedMix reinterpreted as int64 via a runtime (not
// compile-time constant) conversion, since seedMix's value overflows
// int64 and a constant conversion would be rejected by the compiler.
var seedMixSigned = int64(seedMixVar())

func seedMixVar() uint64 { return seedMix }

// Config carries everything a worker needs; all fields are owned by the
// worker after construction except Stop, which is shared with the phase
// controller.
type Config struct {
	ID         int
	Workload   workload.Workload
	EngineKind ioengine.Kind
	Binding    target.Binding
	Direct     bool
	ReadOnly   bool

	// Seed is the run's global seed; the worker derives its RNG streams
	// from (Seed, ID) so runs are reproducible.
	Seed int64

	Stop             *atomic.Bool
	RunUntilComplete bool
	ContinueOnError  bool

	// OnFatal is invoked once with the worker's first fatal error (or
	// first verification failure when ContinueOnError is false), before
	// the worker drains and exits. May be nil.
	OnFatal func(err error)

	// AutoFill is passed through to the engine's Prepare for the mmap
	// backend's grow-before-map hook. May be nil.
	AutoFill func(path string, requiredSize int64) error

	// FSBlockSize is the filesystem's logical block size for buffer
	// alignment, 0 if unknown.
	FSBlockSize int
}

// Worker is one execution thread's state. Counters and Hist are owned
// exclusively by the worker while it runs; the aggregator reads them
// after join (or as a relaxed snapshot).
type Worker struct {
	cfg Config

	Counters stats.Counters
	Hist     *histogram.Histogram

	engine ioengine.Engine
	pool   *bufferpool.Pool
	gen    *offsetgen.Generator
	rng    *rand.Rand // read/write selection draws
	ops    []ioengine.Op

	verifyLog sync.Once
	fatal     error
}

// New constructs a worker and its exclusively-owned resources. The
// engine is not prepared until Run, so file opening happens on the
// (possibly pinned) worker thread.
func New(cfg Config) (*Worker, error) {
	eng, err := ioengine.New(cfg.EngineKind)
	if err != nil {
		return nil, ioerr.Wrap(ioerr.ValidationError, err, "construct engine")
	}
	payload := cfg.Workload.WritePayload
	if cfg.Workload.Verify {
		payload = cfg.Workload.VerifyPattern
	}
	pool, err := bufferpool.New(cfg.Workload.BlockSize, cfg.Workload.QueueDepth, cfg.FSBlockSize, payload)
	if err != nil {
		return nil, ioerr.Wrap(ioerr.IoFatal, err, "allocate buffer pool")
	}
	seed := cfg.Seed ^ int64(uint64(cfg.ID+1)*seedMix)
	gen := offsetgen.New(cfg.Binding.Lo, cfg.Binding.Hi, int64(cfg.Workload.BlockSize),
		cfg.Workload.Pattern, cfg.Workload.Distribution, seed)
	return &Worker{
		cfg:    cfg,
		Hist:   histogram.New(0),
		engine: eng,
		pool:   pool,
		gen:    gen,
		rng:    rand.New(rand.NewSource(seed ^ seedMixSigned)),
		ops:    make([]ioengine.Op, cfg.Workload.QueueDepth),
	}, nil
}

// Stats returns the worker's aggregation view.
func (w *Worker) Stats() stats.Worker {
	return stats.Worker{ID: w.cfg.ID, Counters: &w.Counters, Hist: w.Hist}
}

// Run prepares the engine, drives the hot loop to termination, drains
// in-flight ops, and tears down. It returns the worker's first fatal
// error, if any.
func (w *Worker) Run() error {
	defer w.pool.Close()
	err := w.engine.Prepare(ioengine.PrepareOptions{
		Binding:    w.cfg.Binding,
		Direct:     w.cfg.Direct,
		ReadOnly:   w.cfg.ReadOnly,
		QueueDepth: w.cfg.Workload.QueueDepth,
		BlockSize:  w.cfg.Workload.BlockSize,
		AutoFill:   w.cfg.AutoFill,
	})
	if err != nil {
		w.failFatal(err)
		return w.fatal
	}
	defer w.engine.Teardown()
	w.loop()
	return w.fatal
}

// loop is the hot path: no allocation, no cross-worker coordination per
// iteration.
func (w *Worker) loop() {
	// Sync and mmap engines complete every submit inline and expose at
	// most the last completion through Reap, so their effective depth
	// is 1 regardless of configured queue depth.
	depth := w.cfg.Workload.QueueDepth
	if w.cfg.EngineKind == ioengine.Sync || w.cfg.EngineKind == ioengine.Mapped {
		depth = 1
	}

	outstanding := 0
	for {
		stopped := w.cfg.Stop.Load() || w.fatal != nil
		exhausted := w.cfg.RunUntilComplete && w.gen.Exhausted()
		if stopped || exhausted {
			// Stop submitting; drain in-flight ops, then exit.
			if outstanding == 0 {
				return
			}
		} else {
			for outstanding < depth {
				if err := w.submitOne(); err != nil {
					w.failFatal(err)
					break
				}
				outstanding++
				if w.cfg.RunUntilComplete && w.gen.Exhausted() {
					break
				}
			}
		}

		if outstanding == 0 {
			continue
		}
		ops, err := w.engine.Reap(1, w.cfg.Workload.QueueDepth, reapTimeout)
		if err != nil {
			w.failFatal(err)
			return
		}
		for _, op := range ops {
			w.complete(op)
			outstanding--
		}
	}
}

// submitOne generates the next op and hands it to the engine, retrying
// transient submit errors up to the retry budget.
func (w *Worker) submitOne() error {
	offset, length := w.gen.Next()
	kind := ioengine.Write
	if w.rng.Intn(100) < w.cfg.Workload.ReadPercent {
		kind = ioengine.Read
	}
	idx, buf, ok := w.pool.Rent()
	if !ok {
		return ioerr.New(ioerr.IoFatal, "buffer pool exhausted below queue depth")
	}
	op := &w.ops[idx]
	*op = ioengine.Op{
		Kind:     kind,
		Offset:   offset,
		Length:   length,
		Buf:      buf,
		BufIdx:   idx,
		UserData: uint64(idx),
	}
	if w.cfg.Workload.Verify && kind == ioengine.Write {
		fillPattern(buf, offset, w.cfg.Workload.VerifyPattern, w.cfg.Seed)
	}

	for attempt := 0; ; attempt++ {
		err := w.engine.Submit(op)
		if err == nil {
			return nil
		}
		if ioerr.KindOf(err) == ioerr.Transient && attempt < retryBudget {
			continue
		}
		w.pool.Return(idx)
		if ioerr.KindOf(err) == ioerr.Transient {
			return ioerr.Wrap(ioerr.IoFatal, err, "transient submit error exceeded retry budget")
		}
		return err
	}
}

// complete records one reaped op: latency, counters, verification,
// think-time, and buffer return.
func (w *Worker) complete(op *ioengine.Op) {
	defer w.pool.Return(op.BufIdx)

	if op.Err != nil {
		w.failFatal(op.Err)
		return
	}

	lat := op.DoneTime.Sub(op.SubmitTime)
	w.Hist.Record(lat.Nanoseconds())
	switch op.Kind {
	case ioengine.Read:
		w.Counters.AddRead(op.Length)
		if w.cfg.Workload.Verify {
			w.verifyRead(op)
		}
	case ioengine.Write:
		w.Counters.AddWrite(op.Length)
	}

	if think := w.thinkFor(lat); think > 0 {
		time.Sleep(think)
		w.Counters.AddThink(think)
	}
}

func (w *Worker) thinkFor(lat time.Duration) time.Duration {
	wl := w.cfg.Workload
	switch wl.ThinkMode {
	case workload.ThinkAdaptive:
		if wl.ThinkPercent > 0 {
			return time.Duration(float64(lat) * wl.ThinkPercent / 100)
		}
		return 0
	default:
		return wl.ThinkTime
	}
}

// verifyRead compares the reaped payload to the pattern expected at the
// op's offset. Mismatches are counted and logged once per worker.
func (w *Worker) verifyRead(op *ioengine.Op) {
	if checkPattern(op.Buf, op.Offset, w.cfg.Workload.VerifyPattern, w.cfg.Seed) {
		return
	}
	w.Counters.AddVerificationFailure()
	w.verifyLog.Do(func() {
		fmt.Fprintf(os.Stderr, "iopulse: worker %d: verification mismatch at offset %d len %d\n",
			w.cfg.ID, op.Offset, op.Length)
	})
	if !w.cfg.ContinueOnError {
		w.failFatal(ioerr.New(ioerr.VerificationFailure,
			fmt.Sprintf("worker %d: payload mismatch at offset %d", w.cfg.ID, op.Offset)))
	}
}

// failFatal records the worker's first fatal error, bumps the error
// counter, and notifies the phase controller.
func (w *Worker) failFatal(err error) {
	if ioerr.KindOf(err) != ioerr.VerificationFailure {
		w.Counters.AddError()
	}
	if w.fatal != nil {
		return
	}
	w.fatal = err
	if w.cfg.OnFatal != nil {
		w.cfg.OnFatal(err)
	}
}
