// Package offsetgen converts a distribution configuration and RNG state
// into a stream of (offset, length) pairs consistent with a workload's
// access pattern.
package offsetgen

import (
	"math"
	"math/rand"

	"github.com/adrabkin/iopulse/pkg/workload"
)

// Generator produces block-aligned offsets within [lo, hi). It is not
// safe for concurrent use — each worker owns one exclusively, seeded
// from (global seed, worker id) so runs are reproducible.
type Generator struct {
	lo, hi    int64
	blockSize int64
	pattern   workload.Pattern
	dist      workload.Distribution

	rng     *rand.Rand
	zipf    *rand.Zipf
	cursor  int64 // sequential cursor, in blocks
	nblocks int64

	exhausted bool
}

// New constructs a Generator. seed should be derived from
// (globalSeed, workerID) by the caller so distinct workers get
// independent, reproducible streams.
func New(lo, hi int64, blockSize int64, pattern workload.Pattern, dist workload.Distribution, seed int64) *Generator {
	g := &Generator{
		lo: lo, hi: hi, blockSize: blockSize,
		pattern: pattern, dist: dist,
		rng: rand.New(rand.NewSource(seed)),
	}
	g.nblocks = (hi - lo) / blockSize
	if g.nblocks <= 0 {
		g.nblocks = 1
	}
	if pattern == workload.Random && dist.Kind == workload.Zipf {
		theta := dist.Theta
		if theta <= 1 {
			theta = 1.0001 // rand.Zipf requires s > 1
		}
		// v=1 concentrates mass at index 0 (the classic Zipf convention);
		// imax is the last valid index (universe size - 1).
		g.zipf = rand.NewZipf(g.rng, theta, 1, uint64(g.nblocks-1))
	}
	return g
}

// Next returns the next (offset, length) pair. Length is always
// blockSize. For sequential patterns the cursor wraps modulo the
// universe and is aligned down to the block size by construction.
func (g *Generator) Next() (offset, length int64) {
	length = g.blockSize
	switch g.pattern {
	case workload.Sequential, "":
		offset = g.lo + g.cursor*g.blockSize
		g.cursor++
		if g.cursor >= g.nblocks {
			g.cursor = 0
			g.exhausted = true
		}
		return offset, length
	default:
		return g.lo + g.sampleBlock()*g.blockSize, length
	}
}

// sampleBlock returns a block index in [0, nblocks) drawn from the
// configured distribution.
func (g *Generator) sampleBlock() int64 {
	switch g.dist.Kind {
	case workload.Zipf:
		if g.zipf != nil {
			return int64(g.zipf.Uint64())
		}
		fallthrough
	case workload.Uniform, "":
		return g.rng.Int63n(g.nblocks)
	case workload.Pareto:
		return g.sampleParetoBlock()
	case workload.Gaussian:
		return g.sampleGaussianBlock()
	default:
		return g.rng.Int63n(g.nblocks)
	}
}

// sampleParetoBlock draws from a bounded Pareto distribution via inverse
// CDF, shaped by the "80/20 knob" h in (0,1): h close to 1 concentrates
// most of the mass on a small low-index fraction of the universe; h = 0.5
// is uniform, and h below 0.5 shifts the mass toward high indices.
// There is no ecosystem library exposing
// this exact parameterization, so it's implemented directly from the
// closed-form inverse CDF.
func (g *Generator) sampleParetoBlock() int64 {
	h := g.dist.H
	if h <= 0 || h >= 1 {
		h = 0.8
	}
	// alpha chosen so that the fraction h of mass falls in the fraction
	// (1-h) of the index range, the standard 80/20 Pareto relation. With
	// CDF F(x) = 1-(1-x)^alpha, F(1-h) = h gives alpha = ln(1-h) / ln(h).
	alpha := math.Log(1-h) / math.Log(h)
	if alpha <= 0 {
		alpha = 1
	}
	u := g.rng.Float64()
	frac := 1 - math.Pow(1-u, 1/alpha)
	idx := int64(frac * float64(g.nblocks))
	return clampBlock(idx, g.nblocks)
}

// sampleGaussianBlock draws a normal variate centered on the midpoint of
// the universe with standard deviation sigma*universe, clamping to
// [0, nblocks).
func (g *Generator) sampleGaussianBlock() int64 {
	sigma := g.dist.Sigma
	if sigma <= 0 {
		sigma = 0.1
	}
	mean := float64(g.nblocks) / 2
	stddev := sigma * float64(g.nblocks)
	v := mean + g.rng.NormFloat64()*stddev
	return clampBlock(int64(v), g.nblocks)
}

func clampBlock(idx, nblocks int64) int64 {
	if idx < 0 {
		return 0
	}
	if idx >= nblocks {
		return nblocks - 1
	}
	return idx
}

// Exhausted reports whether a sequential generator has completed at
// least one full pass, for run_until_complete termination. It becomes
// true when the cursor first wraps and stays true.
func (g *Generator) Exhausted() bool {
	return g.exhausted
}
