// Package histogram implements the fixed-bucket, lock-free latency
// histogram used by every worker in IOPulse.
//
// Buckets are logarithmic in nanoseconds: bucket k covers
// [2^(k/resolution) ns, 2^((k+1)/resolution) ns), with resolution buckets
// per octave. A sample is classified by its integer log2 scaled by the
// resolution, then recorded with a single atomic increment. The bucket
// array is sized once at construction and never resized; out-of-range
// samples clamp to the extreme bucket.
package histogram

import (
	"math"
	"math/bits"
	"sync/atomic"
)

const (
	// Resolution is buckets per octave (doubling of latency).
	Resolution = 16
	// DefaultBuckets is the default bucket count: 42 octaves at
	// Resolution buckets/octave, spanning 1ns to 2^42ns (~73 minutes).
	DefaultBuckets = 42 * Resolution
)

// Histogram is a fixed-size array of atomic counters. The zero value is
// not usable; construct with New.
type Histogram struct {
	buckets []uint64
	count   uint64
	sum     uint64 // running sum of nanoseconds, for Mean(); racy-tolerant
}

// New creates a histogram with the given number of buckets. Buckets
// beyond DefaultBuckets simply extend the range covered before samples
// clamp to the extreme bucket.
func New(numBuckets int) *Histogram {
	if numBuckets <= 0 {
		numBuckets = DefaultBuckets
	}
	return &Histogram{buckets: make([]uint64, numBuckets)}
}

// bucketFor returns the bucket index for a latency in nanoseconds.
func (h *Histogram) bucketFor(ns int64) int {
	if ns < 1 {
		ns = 1
	}
	log2 := bits.Len64(uint64(ns)) - 1 // integer log2
	idx := log2 * Resolution
	// Refine within the octave using the fractional part, matching the
	// 2^(k/resolution) bucket edges.
	frac := math.Log2(float64(ns)) - float64(log2)
	idx += int(frac * Resolution)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(h.buckets) {
		idx = len(h.buckets) - 1
	}
	return idx
}

// Record records a latency sample in nanoseconds with a single atomic
// increment. Safe for exactly one owning goroutine to call concurrently
// with readers taking a Snapshot; never call Record from more than one
// goroutine on the same Histogram (workers own their histogram
// exclusively).
func (h *Histogram) Record(ns int64) {
	idx := h.bucketFor(ns)
	atomic.AddUint64(&h.buckets[idx], 1)
	atomic.AddUint64(&h.count, 1)
	atomic.AddUint64(&h.sum, uint64(ns))
}

// Snapshot copies the current bucket counts into a caller-owned slice,
// for lock-free percentile queries. The returned slice may be briefly
// stale relative to concurrent Record calls (best effort).
func (h *Histogram) Snapshot() []uint64 {
	out := make([]uint64, len(h.buckets))
	for i := range h.buckets {
		out[i] = atomic.LoadUint64(&h.buckets[i])
	}
	return out
}

// TotalCount returns the number of samples recorded so far.
func (h *Histogram) TotalCount() uint64 {
	return atomic.LoadUint64(&h.count)
}

// Mean returns the arithmetic mean latency in nanoseconds.
func (h *Histogram) Mean() float64 {
	n := atomic.LoadUint64(&h.count)
	if n == 0 {
		return 0
	}
	return float64(atomic.LoadUint64(&h.sum)) / float64(n)
}

// Merge adds other's bucket counts into h bucket-wise. Both histograms
// must have the same bucket count. Merge is associative: merging N
// worker histograms in any order yields the same result, which is what
// lets the aggregator sum workers in any order.
func (h *Histogram) Merge(other *Histogram) {
	for i := range h.buckets {
		if i >= len(other.buckets) {
			break
		}
		v := atomic.LoadUint64(&other.buckets[i])
		if v != 0 {
			atomic.AddUint64(&h.buckets[i], v)
		}
	}
	atomic.AddUint64(&h.count, atomic.LoadUint64(&other.count))
	atomic.AddUint64(&h.sum, atomic.LoadUint64(&other.sum))
}

// bucketLowerEdgeNs returns the lower edge, in nanoseconds, of bucket k.
func bucketLowerEdgeNs(k int) int64 {
	return int64(math.Exp2(float64(k) / Resolution))
}

// ValueAtQuantile walks a snapshot of bucket counts until the target
// quantile (0.0-1.0) is reached and returns the lower edge of the
// selected bucket as the tie-break. Requires no locking: the
// caller-owned snapshot is immutable once taken.
func ValueAtQuantile(snapshot []uint64, q float64) int64 {
	var total uint64
	for _, c := range snapshot {
		total += c
	}
	if total == 0 {
		return 0
	}
	if q <= 0 {
		q = 0
	}
	if q > 1 {
		q = 1
	}
	target := uint64(math.Ceil(q * float64(total)))
	if target == 0 {
		target = 1
	}
	var cum uint64
	for i, c := range snapshot {
		cum += c
		if cum >= target {
			return bucketLowerEdgeNs(i)
		}
	}
	return bucketLowerEdgeNs(len(snapshot) - 1)
}

// MaxValue returns the lower edge of the highest non-empty bucket.
func MaxValue(snapshot []uint64) int64 {
	for i := len(snapshot) - 1; i >= 0; i-- {
		if snapshot[i] != 0 {
			return bucketLowerEdgeNs(i)
		}
	}
	return 0
}
