// Package stats implements the per-worker counters and the pull-based
// aggregator. Workers own their counters exclusively and
// update them with plain atomic adds; the aggregator reads them after
// the phase join (publication happens through the termination flag), or
// during execution as a best-effort relaxed snapshot for the byte-quota
// watcher and live display.
package stats

import (
	"sync/atomic"
	"time"

	"github.com/adrabkin/iopulse/pkg/histogram"
	"github.com/adrabkin/iopulse/pkg/result"
)

// Counters is one worker's scalar statistics. All fields are updated by
// the owning worker only; readers use Snapshot.
type Counters struct {
	opsRead              int64
	opsWritten           int64
	bytesRead            int64
	bytesWritten         int64
	errors               int64
	verificationFailures int64
	thinkNs              int64
}

// Snapshot is a point-in-time copy of a worker's counters. Snapshots
// taken while the worker is still running are approximate (relaxed
// reads); snapshots taken after join are exact.
type Snapshot struct {
	OpsRead              int64
	OpsWritten           int64
	BytesRead            int64
	BytesWritten         int64
	Errors               int64
	VerificationFailures int64
	ThinkNs              int64
}

func (c *Counters) AddRead(bytes int64) {
	atomic.AddInt64(&c.opsRead, 1)
	atomic.AddInt64(&c.bytesRead, bytes)
}

func (c *Counters) AddWrite(bytes int64) {
	atomic.AddInt64(&c.opsWritten, 1)
	atomic.AddInt64(&c.bytesWritten, bytes)
}

func (c *Counters) AddError() {
	atomic.AddInt64(&c.errors, 1)
}

func (c *Counters) AddVerificationFailure() {
	atomic.AddInt64(&c.verificationFailures, 1)
}

func (c *Counters) AddThink(d time.Duration) {
	atomic.AddInt64(&c.thinkNs, int64(d))
}

// Snapshot copies the counters with atomic loads.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		OpsRead:              atomic.LoadInt64(&c.opsRead),
		OpsWritten:           atomic.LoadInt64(&c.opsWritten),
		BytesRead:            atomic.LoadInt64(&c.bytesRead),
		BytesWritten:         atomic.LoadInt64(&c.bytesWritten),
		Errors:               atomic.LoadInt64(&c.errors),
		VerificationFailures: atomic.LoadInt64(&c.verificationFailures),
		ThinkNs:              atomic.LoadInt64(&c.thinkNs),
	}
}

// Worker pairs one worker's counters and histogram for aggregation.
type Worker struct {
	ID       int
	Counters *Counters
	Hist     *histogram.Histogram
}

// TotalBytes sums bytes read+written across workers with relaxed
// snapshots. Used by the byte-quota watcher on its 10ms cadence.
func TotalBytes(workers []Worker) int64 {
	var total int64
	for _, w := range workers {
		s := w.Counters.Snapshot()
		total += s.BytesRead + s.BytesWritten
	}
	return total
}

// BuildPhase merges per-worker statistics into a phase result. Summing
// is associative: scalar counters add, histograms add bucket-wise, so
// merging in any worker order yields the same result.
func BuildPhase(name string, workers []Worker, duration time.Duration) result.Phase {
	p := result.Phase{Name: name, DurationS: duration.Seconds()}
	merged := histogram.New(0)
	for _, w := range workers {
		s := w.Counters.Snapshot()
		p.OpsRead += s.OpsRead
		p.OpsWritten += s.OpsWritten
		p.BytesRead += s.BytesRead
		p.BytesWritten += s.BytesWritten
		p.Errors += s.Errors
		p.VerificationFailures += s.VerificationFailures
		if w.Hist != nil {
			merged.Merge(w.Hist)
		}
		p.Workers = append(p.Workers, result.Worker{
			ID:                   w.ID,
			OpsRead:              s.OpsRead,
			OpsWritten:           s.OpsWritten,
			BytesRead:            s.BytesRead,
			BytesWritten:         s.BytesWritten,
			Errors:               s.Errors,
			VerificationFailures: s.VerificationFailures,
			ThinkTimeUS:          s.ThinkNs / 1000,
		})
	}

	totalOps := p.OpsRead + p.OpsWritten
	if secs := duration.Seconds(); secs > 0 {
		p.IOPS = float64(totalOps) / secs
		p.BandwidthBPS = float64(p.BytesRead+p.BytesWritten) / secs
	}
	if totalOps > 0 {
		p.ReadRatio = float64(p.OpsRead) / float64(totalOps)
		p.WriteRatio = float64(p.OpsWritten) / float64(totalOps)
	}

	snap := merged.Snapshot()
	p.LatencyUS = result.Latency{
		P50:  float64(histogram.ValueAtQuantile(snap, 0.50)) / 1000,
		P90:  float64(histogram.ValueAtQuantile(snap, 0.90)) / 1000,
		P99:  float64(histogram.ValueAtQuantile(snap, 0.99)) / 1000,
		P999: float64(histogram.ValueAtQuantile(snap, 0.999)) / 1000,
		Max:  float64(histogram.MaxValue(snap)) / 1000,
		Mean: merged.Mean() / 1000,
	}
	return p
}
