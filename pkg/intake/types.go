package intake

import (
	"bytes"
	"context"
	"time"
)

// Strategy identifies how an input is processed.
type Strategy string

const (
	// StrategyWholeBuffer reads the entire input and processes it in one call.
	StrategyWholeBuffer Strategy = "whole_buffer"
	// StrategyStreamed runs the input through the adaptive stream engine.
	StrategyStreamed Strategy = "streamed"
	// StrategyChunked processes fixed-size chunks sequentially with progress.
	StrategyChunked Strategy = "chunked"
)

// ChunkMeta describes the chunk handed to a ProcessFunc.
type ChunkMeta struct {
	// JobID identifies the submission the chunk belongs to.
	JobID string `json:"job_id"`
	// Index is the zero-based position of the chunk in the input.
	Index int `json:"index"`
	// TotalBytes is the declared size of the whole input.
	TotalBytes int64 `json:"total_bytes"`
}

// ProcessFunc transforms one chunk of input. The whole-buffer strategy
// calls it exactly once with the complete input. The chunk slice is
// recycled after return; implementations must copy any bytes they keep.
type ProcessFunc func(ctx context.Context, chunk []byte, meta ChunkMeta) ([]byte, error)

// ProgressSnapshot reports how far a job has advanced. Snapshots are
// emitted on chunk boundaries. TotalChunks is zero when the chunk count
// is not known up front, as with adaptive streaming.
type ProgressSnapshot struct {
	JobID          string   `json:"job_id"`
	Strategy       Strategy `json:"strategy"`
	ChunksComplete int      `json:"chunks_complete"`
	TotalChunks    int      `json:"total_chunks"`
	BytesComplete  int64    `json:"bytes_complete"`
	TotalBytes     int64    `json:"total_bytes"`
	Percent        float64  `json:"percent"`
	ThroughputBPS  float64  `json:"throughput_bps"`
	ETASeconds     float64  `json:"eta_seconds"`
}

// SubmitOptions customizes a single submission. The zero value is usable.
type SubmitOptions struct {
	// CacheKey routes the submission through the result cache when
	// non-empty: a hit skips processing entirely, a miss caches the
	// computed result under this key.
	CacheKey string
	// Deadline bounds the job end to end including retries, overriding
	// the configured job timeout. Zero keeps the configured timeout.
	Deadline time.Duration
	// MaxChunkBytes caps the adaptive chunk size of the streamed
	// strategy. Zero means no extra cap.
	MaxChunkBytes int
	// Concurrency overrides the streamed strategy's worker count.
	Concurrency int
	// OnProgress receives progress snapshots as chunks complete.
	OnProgress func(ProgressSnapshot)
	// OnPartialResult receives each chunk's output as soon as it is
	// ready. The callee owns the slice.
	OnPartialResult func(index int, output []byte)
}

// Result is the terminal output of a successful submission.
type Result struct {
	// JobID identifies the job that produced the result. Empty for
	// results served from the cache.
	JobID string `json:"job_id"`
	// Strategy is the strategy of the final successful attempt.
	Strategy Strategy `json:"strategy"`
	// Outputs holds one processed output per chunk, in input order.
	Outputs [][]byte `json:"-"`
	// BytesIn is the number of input bytes consumed.
	BytesIn int64 `json:"bytes_in"`
	// BytesOut is the number of output bytes produced.
	BytesOut int64 `json:"bytes_out"`
	// Attempts is the number of attempts the job took, zero for cache hits.
	Attempts int `json:"attempts"`
	// Duration is the end-to-end time including retries.
	Duration time.Duration `json:"duration"`
	// CacheSource names the cache tier that served the result, or
	// "compute" when it was processed by this submission. Empty when
	// the submission bypassed the cache.
	CacheSource string `json:"cache_source,omitempty"`
}

// Bytes concatenates the chunk outputs into a single slice.
func (r *Result) Bytes() []byte {
	if len(r.Outputs) == 1 {
		return r.Outputs[0]
	}
	return bytes.Join(r.Outputs, nil)
}

// cachedResult is the serialized form a Result is cached under.
type cachedResult struct {
	Strategy Strategy `json:"strategy"`
	Outputs  [][]byte `json:"outputs"`
	BytesIn  int64    `json:"bytes_in"`
	BytesOut int64    `json:"bytes_out"`
}

// Stats is a point-in-time snapshot of selector activity.
type Stats struct {
	Submitted  int64 `json:"submitted"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Retried    int64 `json:"retried"`
	Downgraded int64 `json:"downgraded"`
	Rejected   int64 `json:"rejected"`
	Active     int   `json:"active"`
}
