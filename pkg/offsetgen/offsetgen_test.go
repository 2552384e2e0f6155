package offsetgen

import (
	"testing"

	"github.com/adrabkin/iopulse/pkg/workload"
	"github.com/stretchr/testify/require"
)

func TestSequentialWrapsAndAligns(t *testing.T) {
	g := New(0, 4096*4, 4096, workload.Sequential, workload.Distribution{}, 1)
	var offsets []int64
	for i := 0; i < 5; i++ {
		off, length := g.Next()
		require.EqualValues(t, 4096, length)
		require.Zero(t, off%4096)
		offsets = append(offsets, off)
	}
	require.Equal(t, offsets[0], offsets[4], "must wrap after one full pass")
	require.True(t, g.Exhausted())
}

func TestUniformWithinRange(t *testing.T) {
	g := New(1000*4096, 1100*4096, 4096, workload.Random, workload.Distribution{Kind: workload.Uniform}, 42)
	for i := 0; i < 1000; i++ {
		off, length := g.Next()
		require.GreaterOrEqual(t, off, int64(1000*4096))
		require.Less(t, off+length, int64(1100*4096)+1)
	}
}

func TestZipfSkewsLowIndices(t *testing.T) {
	lo, hi := int64(0), int64(4096*1000)
	g := New(lo, hi, 4096, workload.Random, workload.Distribution{Kind: workload.Zipf, Theta: 1.5}, 7)
	counts := make(map[int64]int)
	const n = 20000
	for i := 0; i < n; i++ {
		off, _ := g.Next()
		counts[off/4096]++
	}
	// With theta>1 concentrating mass on low indices, block 0 should be
	// hit far more often than a late block.
	require.Greater(t, counts[0], counts[999])
}

func TestParetoWithinRange(t *testing.T) {
	g := New(0, 4096*500, 4096, workload.Random, workload.Distribution{Kind: workload.Pareto, H: 0.8}, 3)
	for i := 0; i < 5000; i++ {
		off, _ := g.Next()
		require.GreaterOrEqual(t, off, int64(0))
		require.Less(t, off, int64(4096*500))
	}
}

func TestGaussianWithinRange(t *testing.T) {
	g := New(0, 4096*500, 4096, workload.Random, workload.Distribution{Kind: workload.Gaussian, Sigma: 0.2}, 9)
	for i := 0; i < 5000; i++ {
		off, _ := g.Next()
		require.GreaterOrEqual(t, off, int64(0))
		require.Less(t, off, int64(4096*500))
	}
}

func TestDeterministicGivenSeed(t *testing.T) {
	g1 := New(0, 4096*1000, 4096, workload.Random, workload.Distribution{Kind: workload.Uniform}, 123)
	g2 := New(0, 4096*1000, 4096, workload.Random, workload.Distribution{Kind: workload.Uniform}, 123)
	for i := 0; i < 50; i++ {
		o1, _ := g1.Next()
		o2, _ := g2.Next()
		require.Equal(t, o1, o2)
	}
}
