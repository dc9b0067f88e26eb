// Package pipeline implements the streaming engine that carves large
// inputs into adaptively sized chunks, processes them on pooled worker
// stages, and reassembles results in input order under backpressure.
package pipeline

import (
	"context"
	"time"

	"github.com/cascade-io/cascade/pkg/resource"
)

// ProcessFunc transforms one chunk. The chunk buffer is recycled after
// the call returns, so implementations that keep data must copy it.
// index is the zero-based position of the chunk in the input.
type ProcessFunc func(ctx context.Context, chunk []byte, index int) ([]byte, error)

// ProgressUpdate reports incremental progress after each placed chunk.
type ProgressUpdate struct {
	ChunkIndex     int     `json:"chunk_index"`
	ChunksComplete int     `json:"chunks_complete"`
	BytesComplete  int64   `json:"bytes_complete"`
	TotalBytes     int64   `json:"total_bytes"`
	Percent        float64 `json:"percent"`
}

// RunOptions customizes a single Run. The zero value is usable.
type RunOptions struct {
	// Name labels the run in logs.
	Name string `json:"name"`
	// MaxChunkBytes caps the adaptive chunk size below the configured
	// maximum. Zero means no extra cap.
	MaxChunkBytes int `json:"max_chunk_bytes"`
	// Concurrency is the worker count of the processing stage.
	// Zero selects the default.
	Concurrency int `json:"concurrency"`
	// OnResult, when set, receives each chunk result as soon as it is
	// placed, in completion order. The engine still accumulates the
	// ordered result set.
	OnResult func(index int, result []byte)
	// OnProgress, when set, receives a progress update after each
	// placed chunk.
	OnProgress func(ProgressUpdate)
}

// PerformanceSample records the observed cost of processing one chunk:
// which run produced it, how fast it went, and the pressure level the
// chunk was read under. The sizer blends recent samples into its next
// chunk size decision; the history spans runs.
type PerformanceSample struct {
	JobID         string         `json:"job_id"`
	ChunkBytes    int            `json:"chunk_bytes"`
	Duration      time.Duration  `json:"duration"`
	ThroughputBPS float64        `json:"throughput_bps"`
	Pressure      resource.Level `json:"pressure"`
	Timestamp     time.Time      `json:"timestamp"`
}

// RunMetrics summarizes one completed run.
type RunMetrics struct {
	Chunks          int           `json:"chunks"`
	BytesRead       int64         `json:"bytes_read"`
	BytesOut        int64         `json:"bytes_out"`
	Duration        time.Duration `json:"duration"`
	ThroughputBPS   float64       `json:"throughput_bps"`
	MinChunkBytes   int           `json:"min_chunk_bytes"`
	MaxChunkBytes   int           `json:"max_chunk_bytes"`
	AvgChunkBytes   int           `json:"avg_chunk_bytes"`
	Suspensions     int64         `json:"suspensions"`
	SuspendedFor    time.Duration `json:"suspended_for"`
	ReclaimRequests int           `json:"reclaim_requests"`
}

// RunResult carries the ordered chunk results and the run metrics.
type RunResult struct {
	// Results holds one entry per chunk, in input order.
	Results [][]byte   `json:"-"`
	Metrics RunMetrics `json:"metrics"`
}

// chunkResult is the envelope workers send to the collector.
type chunkResult struct {
	index    int
	inputLen int
	output   []byte
	err      error
}
