// Package phase implements the phase controller: it validates each
// workload/target pairing, prepares target files
// (auto-filling content when the phase requires it), launches pinned
// workers, arms the completion condition, joins, and merges statistics
// into the run result.
package phase

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adrabkin/iopulse/pkg/affinity"
	ioengine "github.com/adrabkin/iopulse/pkg/engine"
	"github.com/adrabkin/iopulse/pkg/ioerr"
	"github.com/adrabkin/iopulse/pkg/result"
	"github.com/adrabkin/iopulse/pkg/stats"
	"github.com/adrabkin/iopulse/pkg/target"
	"github.com/adrabkin/iopulse/pkg/worker"
	"github.com/adrabkin/iopulse/pkg/workload"
)

const (
	// quotaPollInterval is the cadence of the byte-quota watcher.
	// Overshoot of up to one batch per worker past the quota is
	// acceptable.
	quotaPollInterval = 10 * time.Millisecond
	// drainGrace is the hard-deadline slack past a duration-based
	// phase's target; exceeding it is fatal (Timeout).
	drainGrace = 5 * time.Second
	// autoFillBlock is the preferred write size for auto-fill; smaller
	// sizes are used when it does not divide the target size.
	autoFillBlock = 1 << 20
)

// Phase is one contiguous workload execution against a target with a
// single completion mode.
type Phase struct {
	Name       string
	Target     target.Target
	FileDist   target.Mode
	Engine     ioengine.Kind
	Workers    int
	Workload   workload.Workload
	Completion workload.CompletionMode

	// Stonewall forbids any of the next phase's work — including its
	// preflight — from starting until every worker of this phase has
	// exited. Without it the controller overlaps the next phase's
	// target preparation with this phase's execution when the two
	// phases touch disjoint files.
	Stonewall bool

	// Bindings, when non-nil, is an imported layout installed unchanged
	// in place of bindings derived from Target and FileDist.
	Bindings []target.Binding
}

// Options carries run-wide settings shared by all phases.
type Options struct {
	Seed            int64
	NoRefill        bool
	ContinueOnError bool
	Affinity        affinity.Plan
	// Unlink removes target files after the last phase.
	Unlink bool
	// FSBlockSize is the filesystem's logical block size for buffer
	// alignment, 0 if unknown.
	FSBlockSize int
}

// Controller runs phases in sequence.
type Controller struct {
	opts Options

	fillMu sync.Mutex
}

func NewController(opts Options) *Controller {
	return &Controller{opts: opts}
}

// Run executes all phases in order and returns the run document. The
// document is always populated with whatever statistics were collected,
// even when an error terminates the run early.
//
// Workers of phase N+1 never start before every worker of phase N has
// exited. Stonewall controls the preflight only: unless the current
// phase stonewalls (or shares a file with its successor), the next
// phase's target preparation — validation, binding, auto-fill — runs
// concurrently with the current phase's execution and drain.
func (c *Controller) Run(phases []Phase) (*result.Document, error) {
	doc := &result.Document{
		RunID:     result.NewRunID(),
		StartedAt: time.Now(),
		Status:    "ok",
	}
	start := time.Now()
	var firstErr error
	var allPaths []string
	var pending chan prepared
	for i := range phases {
		p := phases[i]
		var prep prepared
		if pending != nil {
			prep = <-pending
			pending = nil
		} else {
			prep = c.prepare(p)
		}
		allPaths = append(allPaths, prep.paths...)
		if prep.err != nil {
			doc.Phases = append(doc.Phases, result.Phase{Name: p.Name})
			doc.Status = ioerr.KindOf(prep.err).String()
			firstErr = prep.err
			break
		}
		if i+1 < len(phases) && overlapNext(p, phases[i+1]) {
			next := phases[i+1]
			ch := make(chan prepared, 1)
			go func() { ch <- c.prepare(next) }()
			pending = ch
		}
		pr, err := c.executePhase(p, prep.bindings)
		doc.Phases = append(doc.Phases, pr)
		if err != nil {
			doc.Status = ioerr.KindOf(err).String()
			firstErr = err
			break
		}
	}
	if pending != nil {
		prep := <-pending
		allPaths = append(allPaths, prep.paths...)
	}
	doc.DurationS = time.Since(start).Seconds()
	if c.opts.Unlink {
		_ = target.Unlink(allPaths)
	}
	return doc, firstErr
}

// overlapNext reports whether the next phase's target preparation may
// run concurrently with cur's execution: cur must not stonewall, and
// the two phases must touch disjoint files — preparing a file that
// cur's workers are still writing would race with them.
func overlapNext(cur, next Phase) bool {
	if cur.Stonewall {
		return false
	}
	curPaths, err := phasePaths(cur)
	if err != nil {
		return false
	}
	nextPaths, err := phasePaths(next)
	if err != nil {
		return false
	}
	for _, a := range curPaths {
		for _, b := range nextPaths {
			if a == b {
				return false
			}
		}
	}
	return true
}

func phasePaths(p Phase) ([]string, error) {
	if p.Bindings != nil {
		return target.Paths(p.Bindings), nil
	}
	bindings, err := target.Bind(p.Target, p.FileDist, p.Workers)
	if err != nil {
		return nil, err
	}
	return target.Paths(bindings), nil
}

// Validate checks workload/target compatibility before any file is
// touched.
func Validate(p Phase) error {
	if err := p.Workload.Validate(); err != nil {
		return err
	}
	if err := p.Completion.Validate(); err != nil {
		return err
	}
	if p.Workers <= 0 {
		return ioerr.New(ioerr.ValidationError, fmt.Sprintf("invalid worker count %d", p.Workers))
	}
	if p.Engine == ioengine.Mapped && p.Target.Direct {
		return ioerr.New(ioerr.ValidationError, "direct access is incompatible with the mmap engine")
	}
	if p.Target.Direct && p.Workload.BlockSize%512 != 0 {
		return ioerr.New(ioerr.ValidationError,
			fmt.Sprintf("block size %d not sector-aligned for direct access", p.Workload.BlockSize))
	}
	if p.FileDist == target.Partitioned {
		if p.Target.Size%int64(p.Workers) != 0 {
			return ioerr.New(ioerr.ValidationError,
				fmt.Sprintf("partitioned: file size %d not divisible by %d workers", p.Target.Size, p.Workers))
		}
		part := p.Target.Size / int64(p.Workers)
		if part%int64(p.Workload.BlockSize) != 0 {
			return ioerr.New(ioerr.ValidationError,
				fmt.Sprintf("partitioned: block size %d does not divide partition size %d", p.Workload.BlockSize, part))
		}
	}
	if p.Completion.Kind == workload.CompletionRunToDone && p.Workload.Pattern == workload.Random {
		return ioerr.New(ioerr.ValidationError, "run_until_complete requires a sequential pattern")
	}
	if int64(p.Workload.BlockSize) > p.Target.Size {
		return ioerr.New(ioerr.ValidationError,
			fmt.Sprintf("block size %d exceeds target size %d", p.Workload.BlockSize, p.Target.Size))
	}
	return nil
}

// prepared is the outcome of a phase's preflight: validation, binding
// expansion, and target preparation.
type prepared struct {
	bindings []target.Binding
	paths    []string
	err      error
}

// prepare runs a phase's preflight. Safe to run concurrently with the
// execution of a phase touching disjoint files; AutoFill's mutex
// serializes the fills themselves.
func (c *Controller) prepare(p Phase) prepared {
	if err := Validate(p); err != nil {
		return prepared{err: err}
	}
	bindings := p.Bindings
	if bindings == nil {
		b, err := target.Bind(p.Target, p.FileDist, p.Workers)
		if err != nil {
			return prepared{err: err}
		}
		bindings = b
	}
	paths := target.Paths(bindings)
	if err := c.prepareTargets(p, bindings); err != nil {
		return prepared{bindings: bindings, paths: paths, err: err}
	}
	return prepared{bindings: bindings, paths: paths}
}

func (c *Controller) executePhase(p Phase, bindings []target.Binding) (result.Phase, error) {
	workers, st, err := c.buildWorkers(p, bindings)
	if err != nil {
		return result.Phase{Name: p.Name}, err
	}
	return c.execute(p, workers, st)
}

// prepareTargets creates/extends each target file and auto-fills
// content when the workload requires it (any reads, or the mmap
// engine).
func (c *Controller) prepareTargets(p Phase, bindings []target.Binding) error {
	needContent := p.Workload.ReadPercent > 0 || p.Engine == ioengine.Mapped
	required := map[string]int64{}
	for _, b := range bindings {
		if b.Hi > required[b.Path] {
			required[b.Path] = b.Hi
		}
	}
	for _, path := range target.Paths(bindings) {
		need := required[path]
		cur, err := target.CurrentSize(path)
		if err != nil {
			return err
		}
		if cur >= need {
			continue
		}
		if p.Target.PreExisting {
			return ioerr.New(ioerr.ValidationError,
				fmt.Sprintf("pre-existing target %s is %d bytes, %d required", path, cur, need))
		}
		if needContent {
			if c.opts.NoRefill {
				return ioerr.New(ioerr.ValidationError,
					fmt.Sprintf("target %s is %d bytes, %d required, and refill is disabled", path, cur, need))
			}
			if err := c.AutoFill(path, need); err != nil {
				return err
			}
			continue
		}
		// Write-only workload: capacity is enough, the phase's own
		// writes provide the content.
		if err := target.Ensure(path, need); err != nil {
			return err
		}
	}
	return nil
}

// AutoFill runs the internal provisioning sub-phase: a single sync,
// buffered, 100% sequential-write worker over [0, size), regardless of
// the outer phase's engine and flags. It also serves as the
// mmap engine's grow-before-map hook; the mutex keeps concurrent hook
// calls from filling the same file twice.
func (c *Controller) AutoFill(path string, size int64) error {
	c.fillMu.Lock()
	defer c.fillMu.Unlock()

	cur, err := target.CurrentSize(path)
	if err != nil {
		return err
	}
	if cur >= size {
		return nil
	}
	if err := target.Ensure(path, 0); err != nil {
		return err
	}

	bs := int64(autoFillBlock)
	for bs > 1 && size%bs != 0 {
		bs >>= 1
	}
	var stop atomic.Bool
	w, err := worker.New(worker.Config{
		ID:         0,
		EngineKind: ioengine.Sync,
		Binding:    target.Binding{Path: path, Lo: 0, Hi: size},
		Workload: workload.Workload{
			ReadPercent: 0,
			BlockSize:   int(bs),
			QueueDepth:  1,
			Pattern:     workload.Sequential,
		},
		Seed:             c.opts.Seed,
		Stop:             &stop,
		RunUntilComplete: true,
		ContinueOnError:  false,
		FSBlockSize:      c.opts.FSBlockSize,
	})
	if err != nil {
		return err
	}
	if err := w.Run(); err != nil {
		return ioerr.Wrap(ioerr.KindOf(err), err, fmt.Sprintf("auto-fill %s", path))
	}
	return nil
}

type phaseState struct {
	stop     atomic.Bool
	mu       sync.Mutex
	firstErr error
}

// onFatal records the first worker error; when continue_on_error is
// false it also terminates every worker.
func (s *phaseState) onFatal(err error, continueOnError bool) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	if !continueOnError {
		s.stop.Store(true)
	}
}

func (c *Controller) buildWorkers(p Phase, bindings []target.Binding) ([]*worker.Worker, *phaseState, error) {
	st := &phaseState{}
	workers := make([]*worker.Worker, 0, len(bindings))
	for _, b := range bindings {
		w, err := worker.New(worker.Config{
			ID:               b.Worker,
			Workload:         p.Workload,
			EngineKind:       p.Engine,
			Binding:          b,
			Direct:           p.Target.Direct,
			ReadOnly:         p.Target.ReadOnly || p.Workload.ReadPercent == 100,
			Seed:             c.opts.Seed,
			Stop:             &st.stop,
			RunUntilComplete: p.Completion.Kind == workload.CompletionRunToDone,
			ContinueOnError:  c.opts.ContinueOnError,
			OnFatal:          func(err error) { st.onFatal(err, c.opts.ContinueOnError) },
			AutoFill:         c.AutoFill,
			FSBlockSize:      c.opts.FSBlockSize,
		})
		if err != nil {
			return nil, nil, err
		}
		workers = append(workers, w)
	}
	return workers, st, nil
}

// execute launches workers behind a start gate, arms the completion
// condition, joins, and merges statistics.
func (c *Controller) execute(p Phase, workers []*worker.Worker, st *phaseState) (result.Phase, error) {
	views := make([]stats.Worker, len(workers))
	for i, w := range workers {
		views[i] = w.Stats()
	}

	gate := make(chan struct{})
	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)
		go func(i int, w *worker.Worker) {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			defer wg.Done()
			if err := c.opts.Affinity.Apply(i); err != nil {
				st.onFatal(err, false)
				return
			}
			<-gate
			_ = w.Run()
		}(i, w)
	}

	phaseStart := time.Now()
	close(gate)

	watcherDone := make(chan struct{})
	switch p.Completion.Kind {
	case workload.CompletionDuration:
		t := time.AfterFunc(p.Completion.Duration, func() { st.stop.Store(true) })
		defer t.Stop()
	case workload.CompletionTotalByte:
		go func() {
			ticker := time.NewTicker(quotaPollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-watcherDone:
					return
				case <-ticker.C:
					if stats.TotalBytes(views) >= p.Completion.TotalBytes {
						st.stop.Store(true)
						return
					}
				}
			}
		}()
	case workload.CompletionRunToDone:
		// Workers exit on their own when their planned work is
		// exhausted and their in-flight ops have drained.
	}

	joined := make(chan struct{})
	go func() {
		wg.Wait()
		close(joined)
	}()

	var phaseErr error
	if p.Completion.Kind == workload.CompletionDuration {
		select {
		case <-joined:
		case <-time.After(p.Completion.Duration + drainGrace - time.Since(phaseStart)):
			st.stop.Store(true)
			phaseErr = ioerr.New(ioerr.Timeout,
				fmt.Sprintf("phase %q exceeded hard deadline of %v", p.Name, p.Completion.Duration+drainGrace))
		}
	} else {
		<-joined
	}
	close(watcherDone)
	phaseEnd := time.Now()

	pr := stats.BuildPhase(p.Name, views, phaseEnd.Sub(phaseStart))
	if phaseErr != nil {
		return pr, phaseErr
	}

	st.mu.Lock()
	firstErr := st.firstErr
	st.mu.Unlock()
	if firstErr != nil && !c.opts.ContinueOnError {
		return pr, firstErr
	}
	if pr.VerificationFailures > 0 && !c.opts.ContinueOnError {
		return pr, ioerr.New(ioerr.VerificationFailure,
			fmt.Sprintf("phase %q: %d verification failures", p.Name, pr.VerificationFailures))
	}
	return pr, nil
}
