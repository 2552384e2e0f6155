// Package result defines the JSON result document emitted per run.
// Integer fields are exact; floats use microseconds for
// latency and bytes/s for bandwidth.
package result

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Latency holds the percentile summary of a merged latency histogram,
// in microseconds.
type Latency struct {
	P50  float64 `json:"p50"`
	P90  float64 `json:"p90"`
	P99  float64 `json:"p99"`
	P999 float64 `json:"p999"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
}

// Worker is the per-worker breakdown included in each phase.
type Worker struct {
	ID                   int   `json:"id"`
	OpsRead              int64 `json:"ops_read"`
	OpsWritten           int64 `json:"ops_written"`
	BytesRead            int64 `json:"bytes_read"`
	BytesWritten         int64 `json:"bytes_written"`
	Errors               int64 `json:"errors"`
	VerificationFailures int64 `json:"verification_failures"`
	ThinkTimeUS          int64 `json:"think_time_us"`
}

// Phase is one phase's merged statistics.
type Phase struct {
	Name                 string   `json:"name"`
	DurationS            float64  `json:"duration_s"`
	OpsRead              int64    `json:"ops_read"`
	OpsWritten           int64    `json:"ops_written"`
	BytesRead            int64    `json:"bytes_read"`
	BytesWritten         int64    `json:"bytes_written"`
	IOPS                 float64  `json:"iops"`
	BandwidthBPS         float64  `json:"bandwidth_bps"`
	ReadRatio            float64  `json:"read_ratio"`
	WriteRatio           float64  `json:"write_ratio"`
	LatencyUS            Latency  `json:"latency_us"`
	Errors               int64    `json:"errors"`
	VerificationFailures int64    `json:"verification_failures"`
	Workers              []Worker `json:"workers"`
}

// Document is the top-level per-run result.
type Document struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	DurationS float64   `json:"duration_s"`
	Status    string    `json:"status"`
	Phases    []Phase   `json:"phases"`
}

// NewRunID returns a random 16-hex-char run identifier.
func NewRunID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
