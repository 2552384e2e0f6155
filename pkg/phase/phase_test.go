package phase

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ioengine "github.com/adrabkin/iopulse/pkg/engine"
	"github.com/adrabkin/iopulse/pkg/ioerr"
	"github.com/adrabkin/iopulse/pkg/target"
	"github.com/adrabkin/iopulse/pkg/workload"
)

func basePhase(path string, size int64) Phase {
	return Phase{
		Name:     "test",
		Target:   target.Target{Path: path, Size: size},
		FileDist: target.Shared,
		Engine:   ioengine.Sync,
		Workers:  1,
		Workload: workload.Workload{
			ReadPercent: 0,
			BlockSize:   4096,
			QueueDepth:  1,
			Pattern:     workload.Sequential,
		},
		Completion: workload.CompletionMode{Kind: workload.CompletionRunToDone},
	}
}

func TestValidateRejections(t *testing.T) {
	p := basePhase("/x/f", 1<<20)

	bad := p
	bad.Engine = ioengine.Mapped
	bad.Target.Direct = true
	require.Equal(t, ioerr.ValidationError, ioerr.KindOf(Validate(bad)))

	bad = p
	bad.Target.Direct = true
	bad.Workload.BlockSize = 1000
	require.Equal(t, ioerr.ValidationError, ioerr.KindOf(Validate(bad)))

	bad = p
	bad.FileDist = target.Partitioned
	bad.Workers = 3
	require.Equal(t, ioerr.ValidationError, ioerr.KindOf(Validate(bad)))

	bad = p
	bad.Workload.Pattern = workload.Random
	require.Equal(t, ioerr.ValidationError, ioerr.KindOf(Validate(bad)))

	require.NoError(t, Validate(p))
}

func TestWriteOnlyPassCreatesFiles(t *testing.T) {
	const size = 512 << 10
	dir := t.TempDir()
	p := basePhase(filepath.Join(dir, "data"), size)
	p.FileDist = target.PerWorker
	p.Workers = 2

	ctrl := NewController(Options{Seed: 1})
	doc, err := ctrl.Run([]Phase{p})
	require.NoError(t, err)
	require.Equal(t, "ok", doc.Status)
	require.Len(t, doc.Phases, 1)

	pr := doc.Phases[0]
	require.Equal(t, int64(2*size/4096), pr.OpsWritten)
	require.Zero(t, pr.OpsRead)
	require.Zero(t, pr.Errors)
	for i := 0; i < 2; i++ {
		info, err := os.Stat(target.PerWorkerPath(p.Target.Path, i))
		require.NoError(t, err)
		require.Equal(t, int64(size), info.Size())
	}
}

func TestAutoFillGrowsShortTarget(t *testing.T) {
	const size = 256 << 10
	path := filepath.Join(t.TempDir(), "data")
	p := basePhase(path, size)
	p.Workload.ReadPercent = 100 // reads require content

	ctrl := NewController(Options{Seed: 1})
	doc, err := ctrl.Run([]Phase{p})
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(size), info.Size())
	require.Equal(t, int64(size/4096), doc.Phases[0].OpsRead)
}

func TestNoRefillFailsOnShortTarget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(path, nil, 0666))

	p := basePhase(path, 256<<10)
	p.Workload.ReadPercent = 100

	ctrl := NewController(Options{Seed: 1, NoRefill: true})
	doc, err := ctrl.Run([]Phase{p})
	require.Error(t, err)
	var e *ioerr.Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, ioerr.ValidationError, e.Kind)
	require.Equal(t, 3, e.Kind.ExitCode())

	// No phase executed: the result carries the phase entry with no ops.
	require.Len(t, doc.Phases, 1)
	require.Zero(t, doc.Phases[0].OpsRead+doc.Phases[0].OpsWritten)
}

func TestPartitionedWorkersCoverDistinctRanges(t *testing.T) {
	const size = 1 << 20
	path := filepath.Join(t.TempDir(), "data")
	p := basePhase(path, size)
	p.FileDist = target.Partitioned
	p.Workers = 4
	p.Workload.ReadPercent = 100

	ctrl := NewController(Options{Seed: 1})
	doc, err := ctrl.Run([]Phase{p})
	require.NoError(t, err)

	pr := doc.Phases[0]
	require.Equal(t, int64(size/4096), pr.OpsRead)
	require.Len(t, pr.Workers, 4)
	for _, w := range pr.Workers {
		// One sequential pass over one partition each.
		require.Equal(t, int64(size/4/4096), w.OpsRead)
		require.Zero(t, w.Errors)
	}
}

func TestDurationCompletion(t *testing.T) {
	const size = 1 << 20
	path := filepath.Join(t.TempDir(), "data")
	p := basePhase(path, size)
	p.Workload.ReadPercent = 100
	p.Workload.Pattern = workload.Random
	p.Completion = workload.CompletionMode{
		Kind:     workload.CompletionDuration,
		Duration: 150 * time.Millisecond,
	}

	ctrl := NewController(Options{Seed: 1})
	doc, err := ctrl.Run([]Phase{p})
	require.NoError(t, err)

	pr := doc.Phases[0]
	require.Greater(t, pr.OpsRead, int64(0))
	// Overshoot is bounded by the reap batch; one second of slack is
	// the documented ceiling.
	require.GreaterOrEqual(t, pr.DurationS, 0.15)
	require.Less(t, pr.DurationS, 1.15)
}

func TestByteQuotaCompletion(t *testing.T) {
	const size = 8 << 20
	const quota = 1 << 20
	path := filepath.Join(t.TempDir(), "data")
	p := basePhase(path, size)
	p.Workload.ReadPercent = 100
	p.Completion = workload.CompletionMode{
		Kind:       workload.CompletionTotalByte,
		TotalBytes: quota,
	}

	ctrl := NewController(Options{Seed: 1})
	doc, err := ctrl.Run([]Phase{p})
	require.NoError(t, err)
	pr := doc.Phases[0]
	require.GreaterOrEqual(t, pr.BytesRead, int64(quota))
}

func TestVerifyPhasePair(t *testing.T) {
	const size = 256 << 10
	path := filepath.Join(t.TempDir(), "data")

	write := basePhase(path, size)
	write.Name = "fill"
	write.Workload.Verify = true
	write.Workload.VerifyPattern = workload.VerifySequential

	read := write
	read.Name = "check"
	read.Workload.ReadPercent = 100

	ctrl := NewController(Options{Seed: 9})
	doc, err := ctrl.Run([]Phase{write, read})
	require.NoError(t, err)
	require.Len(t, doc.Phases, 2)
	require.Zero(t, doc.Phases[1].VerificationFailures)
	require.Equal(t, int64(size/4096), doc.Phases[1].OpsRead)
}

func TestVerificationFailureAbortsWithoutContinue(t *testing.T) {
	const size = 64 << 10
	path := filepath.Join(t.TempDir(), "data")
	require.NoError(t, target.Ensure(path, size)) // zeros, not the expected pattern

	p := basePhase(path, size)
	p.Workload.ReadPercent = 100
	p.Workload.Verify = true
	p.Workload.VerifyPattern = workload.VerifyOnes

	ctrl := NewController(Options{Seed: 1, ContinueOnError: false})
	_, err := ctrl.Run([]Phase{p})
	require.Error(t, err)
	require.Equal(t, ioerr.VerificationFailure, ioerr.KindOf(err))
	require.Equal(t, 5, ioerr.KindOf(err).ExitCode())
}

func TestMappedEnginePhaseAutoFills(t *testing.T) {
	const size = 256 << 10
	path := filepath.Join(t.TempDir(), "data")
	p := basePhase(path, size)
	p.Engine = ioengine.Mapped

	ctrl := NewController(Options{Seed: 1})
	doc, err := ctrl.Run([]Phase{p})
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(size), info.Size())
	require.Equal(t, int64(size/4096), doc.Phases[0].OpsWritten)
}

func TestUnlinkRemovesTargets(t *testing.T) {
	const size = 64 << 10
	path := filepath.Join(t.TempDir(), "data")
	p := basePhase(path, size)

	ctrl := NewController(Options{Seed: 1, Unlink: true})
	_, err := ctrl.Run([]Phase{p})
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestOverlapNext(t *testing.T) {
	a := basePhase("/x/a", 1<<20)
	b := basePhase("/x/b", 1<<20)

	require.True(t, overlapNext(a, b), "disjoint targets without stonewall overlap")

	walled := a
	walled.Stonewall = true
	require.False(t, overlapNext(walled, b), "stonewall forbids overlapping the next preflight")

	require.False(t, overlapNext(a, a), "phases sharing a file never overlap")

	perWorker := a
	perWorker.FileDist = target.PerWorker
	perWorker.Workers = 2
	sharesOne := basePhase(target.PerWorkerPath("/x/a", 1), 1<<20)
	require.False(t, overlapNext(perWorker, sharesOne), "per-worker files count toward the overlap check")
}

func TestStonewalledPhasePair(t *testing.T) {
	const size = 256 << 10
	dir := t.TempDir()

	first := basePhase(filepath.Join(dir, "a"), size)
	first.Name = "a"
	first.Stonewall = true
	second := basePhase(filepath.Join(dir, "b"), size)
	second.Name = "b"
	second.Workload.ReadPercent = 100 // forces an auto-fill preflight

	ctrl := NewController(Options{Seed: 1})
	doc, err := ctrl.Run([]Phase{first, second})
	require.NoError(t, err)
	require.Len(t, doc.Phases, 2)
	require.Equal(t, int64(size/4096), doc.Phases[0].OpsWritten)
	require.Equal(t, int64(size/4096), doc.Phases[1].OpsRead)
}

func TestOverlappedPreflightPreparesNextTarget(t *testing.T) {
	const size = 256 << 10
	dir := t.TempDir()

	first := basePhase(filepath.Join(dir, "a"), size)
	first.Name = "a"
	first.Completion = workload.CompletionMode{
		Kind:     workload.CompletionDuration,
		Duration: 100 * time.Millisecond,
	}
	first.Workload.Pattern = workload.Random
	second := basePhase(filepath.Join(dir, "b"), size)
	second.Name = "b"
	second.Workload.ReadPercent = 100 // auto-filled while phase a runs

	ctrl := NewController(Options{Seed: 1})
	doc, err := ctrl.Run([]Phase{first, second})
	require.NoError(t, err)
	require.Len(t, doc.Phases, 2)
	require.Greater(t, doc.Phases[0].OpsWritten, int64(0))
	require.Equal(t, int64(size/4096), doc.Phases[1].OpsRead)

	info, err := os.Stat(filepath.Join(dir, "b"))
	require.NoError(t, err)
	require.Equal(t, int64(size), info.Size())
}

func TestImportedBindingsInstalledUnchanged(t *testing.T) {
	const size = 512 << 10
	path := filepath.Join(t.TempDir(), "data")
	p := basePhase(path, size)
	p.Workers = 2
	p.Bindings = []target.Binding{
		{Path: path, Lo: 0, Hi: size / 2, Worker: 0},
		{Path: path, Lo: size / 2, Hi: size, Worker: 1},
	}

	ctrl := NewController(Options{Seed: 1})
	doc, err := ctrl.Run([]Phase{p})
	require.NoError(t, err)
	pr := doc.Phases[0]
	require.Equal(t, int64(size/4096), pr.OpsWritten)
	for _, w := range pr.Workers {
		require.Equal(t, int64(size/2/4096), w.OpsWritten)
	}
}
