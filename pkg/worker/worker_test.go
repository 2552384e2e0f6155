package worker

import (
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ioengine "github.com/adrabkin/iopulse/pkg/engine"
	"github.com/adrabkin/iopulse/pkg/target"
	"github.com/adrabkin/iopulse/pkg/workload"
)

func tempFile(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker-test.dat")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return path
}

func runWorker(t *testing.T, cfg Config) *Worker {
	t.Helper()
	w, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, w.Run())
	return w
}

func TestSequentialWritePass(t *testing.T) {
	const size, bs = 1 << 20, 4096
	path := tempFile(t, 0)
	var stop atomic.Bool

	w := runWorker(t, Config{
		EngineKind: ioengine.Sync,
		Binding:    target.Binding{Path: path, Lo: 0, Hi: size},
		Workload: workload.Workload{
			ReadPercent: 0,
			BlockSize:   bs,
			QueueDepth:  1,
			Pattern:     workload.Sequential,
		},
		Seed:             7,
		Stop:             &stop,
		RunUntilComplete: true,
	})

	s := w.Counters.Snapshot()
	require.Equal(t, int64(size/bs), s.OpsWritten)
	require.Equal(t, int64(size), s.BytesWritten)
	require.Zero(t, s.OpsRead)
	require.Zero(t, s.Errors)
	require.Equal(t, uint64(size/bs), w.Hist.TotalCount())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(size), info.Size())
}

// Each op is chosen read vs write against a fresh uniform draw, so the
// empirical ratio converges to the configured one.
func TestMixedRatioAccuracy(t *testing.T) {
	const size, bs = 128 << 20, 4096 // 32768 ops per pass
	path := tempFile(t, size)        // sparse; reads return zeros
	var stop atomic.Bool

	w := runWorker(t, Config{
		EngineKind: ioengine.Sync,
		Binding:    target.Binding{Path: path, Lo: 0, Hi: size},
		Workload: workload.Workload{
			ReadPercent: 70,
			BlockSize:   bs,
			QueueDepth:  1,
			Pattern:     workload.Sequential,
		},
		Seed:             42,
		Stop:             &stop,
		RunUntilComplete: true,
	})

	s := w.Counters.Snapshot()
	total := s.OpsRead + s.OpsWritten
	require.Equal(t, int64(size/bs), total)
	ratio := float64(s.OpsRead) / float64(total)
	require.LessOrEqual(t, math.Abs(ratio-0.70), 0.01,
		"empirical read ratio %f too far from configured 0.70", ratio)
	require.Equal(t, s.OpsRead*bs, s.BytesRead)
	require.Equal(t, s.OpsWritten*bs, s.BytesWritten)
}

func TestStopFlagDrainsAndExits(t *testing.T) {
	const size, bs = 1 << 20, 4096
	path := tempFile(t, size)
	var stop atomic.Bool
	stop.Store(true) // pre-armed: the worker must exit without submitting

	w := runWorker(t, Config{
		EngineKind: ioengine.Sync,
		Binding:    target.Binding{Path: path, Lo: 0, Hi: size},
		Workload: workload.Workload{
			ReadPercent: 100,
			BlockSize:   bs,
			QueueDepth:  1,
			Pattern:     workload.Random,
		},
		Seed: 1,
		Stop: &stop,
	})
	require.Zero(t, w.Counters.Snapshot().OpsRead)
}

func TestWorkerStaysInsideBinding(t *testing.T) {
	const size, bs = 1 << 20, 4096
	path := tempFile(t, size)
	var stop atomic.Bool

	// Restrict the worker to the second quarter of the file; the engine
	// rejects anything outside, so a clean run proves the generator
	// never left the binding.
	w := runWorker(t, Config{
		EngineKind: ioengine.Sync,
		Binding:    target.Binding{Path: path, Lo: size / 4, Hi: size / 2},
		Workload: workload.Workload{
			ReadPercent: 100,
			BlockSize:   bs,
			QueueDepth:  1,
			Pattern:     workload.Sequential,
		},
		Seed:             3,
		Stop:             &stop,
		RunUntilComplete: true,
	})

	s := w.Counters.Snapshot()
	require.Zero(t, s.Errors)
	require.Equal(t, int64((size/4)/bs), s.OpsRead)
}

func TestRandomDistributionStaysInsideBinding(t *testing.T) {
	const size, bs = 1 << 20, 4096
	path := tempFile(t, size)
	var stop atomic.Bool

	w, err := New(Config{
		EngineKind: ioengine.Sync,
		Binding:    target.Binding{Path: path, Lo: size / 4, Hi: size / 2},
		Workload: workload.Workload{
			ReadPercent:  100,
			BlockSize:    bs,
			QueueDepth:   1,
			Pattern:      workload.Random,
			Distribution: workload.Distribution{Kind: workload.Zipf, Theta: 1.2},
		},
		Seed: 3,
		Stop: &stop,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Run() }()
	for w.Counters.Snapshot().OpsRead < 2000 {
		time.Sleep(time.Millisecond)
	}
	stop.Store(true)
	require.NoError(t, <-done)
	require.Zero(t, w.Counters.Snapshot().Errors)
}

func TestVerifyWriteReadRoundTrip(t *testing.T) {
	const size, bs = 256 << 10, 4096
	path := tempFile(t, 0)
	var stop atomic.Bool

	wl := workload.Workload{
		ReadPercent:   0,
		BlockSize:     bs,
		QueueDepth:    1,
		Pattern:       workload.Sequential,
		Verify:        true,
		VerifyPattern: workload.VerifySequential,
	}
	runWorker(t, Config{
		EngineKind:       ioengine.Sync,
		Binding:          target.Binding{Path: path, Lo: 0, Hi: size},
		Workload:         wl,
		Seed:             11,
		Stop:             &stop,
		RunUntilComplete: true,
	})

	wl.ReadPercent = 100
	var stop2 atomic.Bool
	w := runWorker(t, Config{
		EngineKind:       ioengine.Sync,
		Binding:          target.Binding{Path: path, Lo: 0, Hi: size},
		Workload:         wl,
		Seed:             11,
		Stop:             &stop2,
		RunUntilComplete: true,
	})

	s := w.Counters.Snapshot()
	require.Equal(t, int64(size/bs), s.OpsRead)
	require.Zero(t, s.VerificationFailures)
}

func TestVerifyDetectsCorruption(t *testing.T) {
	const size, bs = 64 << 10, 4096
	path := tempFile(t, size) // zero-filled, never written with the pattern
	var stop atomic.Bool
	var fatal error

	w, err := New(Config{
		EngineKind: ioengine.Sync,
		Binding:    target.Binding{Path: path, Lo: 0, Hi: size},
		Workload: workload.Workload{
			ReadPercent:   100,
			BlockSize:     bs,
			QueueDepth:    1,
			Pattern:       workload.Sequential,
			Verify:        true,
			VerifyPattern: workload.VerifyOnes,
		},
		Seed:             5,
		Stop:             &stop,
		RunUntilComplete: true,
		ContinueOnError:  true,
		OnFatal:          func(e error) { fatal = e },
	})
	require.NoError(t, err)
	require.NoError(t, w.Run())
	require.Nil(t, fatal, "verification failures are counted, not fatal, with continue_on_error")
	require.Equal(t, int64(size/bs), w.Counters.Snapshot().VerificationFailures)
}

func TestVerifyPatternHelpers(t *testing.T) {
	buf := make([]byte, 64)
	for _, p := range []workload.VerifyPattern{
		workload.VerifyZeros, workload.VerifyOnes, workload.VerifySequential, workload.VerifyRandom,
	} {
		fillPattern(buf, 12345, p, 9)
		require.True(t, checkPattern(buf, 12345, p, 9), "pattern %s must verify against itself", p)
	}

	fillPattern(buf, 4096, workload.VerifyRandom, 9)
	require.False(t, checkPattern(buf, 8192, workload.VerifyRandom, 9),
		"random pattern must depend on the offset")
	require.False(t, checkPattern(buf, 4096, workload.VerifyRandom, 10),
		"random pattern must depend on the seed")
}

func TestMappedEngineWorker(t *testing.T) {
	const size, bs = 256 << 10, 4096
	path := tempFile(t, size)
	var stop atomic.Bool

	w := runWorker(t, Config{
		EngineKind: ioengine.Mapped,
		Binding:    target.Binding{Path: path, Lo: 0, Hi: size},
		Workload: workload.Workload{
			ReadPercent: 0,
			BlockSize:   bs,
			QueueDepth:  8, // inline engines cap effective depth at 1
			Pattern:     workload.Sequential,
		},
		Seed:             2,
		Stop:             &stop,
		RunUntilComplete: true,
	})

	s := w.Counters.Snapshot()
	require.Equal(t, int64(size/bs), s.OpsWritten)
	require.Zero(t, s.Errors)
}
