package intake

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cascade-io/cascade/internal/pipeline"
	"github.com/cascade-io/cascade/pkg/errors"
	"github.com/cascade-io/cascade/pkg/events"
	"github.com/cascade-io/cascade/pkg/pool"
)

// runWholeBuffer reads the full input and processes it in a single call.
func (s *Selector) runWholeBuffer(ctx context.Context, jobID string, input Input, process ProcessFunc, size int64, options SubmitOptions) (*Result, error) {
	rc, err := input.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var buf []byte
	if size > 0 {
		buf = pool.GlobalBufferPool.Get(int(size))
		defer pool.GlobalBufferPool.Put(buf)

		if _, err := io.ReadFull(rc, buf); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStream, "input read failed")
		}
	}

	started := time.Now()
	out, err := process(ctx, buf, ChunkMeta{JobID: jobID, Index: 0, TotalBytes: size})
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelError(ctx.Err())
		}
		return nil, errors.Wrap(err, errors.ErrorTypeProcessing, "processing failed")
	}
	if err := ctx.Err(); err != nil {
		return nil, cancelError(err)
	}

	if options.OnPartialResult != nil {
		options.OnPartialResult(0, out)
	}

	tput := throughput(size, time.Since(started))
	s.reportProgress(ProgressSnapshot{
		JobID:          jobID,
		Strategy:       StrategyWholeBuffer,
		ChunksComplete: 1,
		TotalChunks:    1,
		BytesComplete:  size,
		TotalBytes:     size,
		Percent:        100,
		ThroughputBPS:  tput,
	}, options, false)

	return &Result{
		Outputs:  [][]byte{out},
		BytesIn:  size,
		BytesOut: int64(len(out)),
	}, nil
}

// runStreamed hands the input to the adaptive stream engine.
func (s *Selector) runStreamed(ctx context.Context, jobID string, input Input, process ProcessFunc, size int64, options SubmitOptions) (*Result, error) {
	if s.engine == nil {
		return nil, errors.New(errors.ErrorTypeInternal, "stream engine is not configured")
	}

	rc, err := input.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	runOpts := &pipeline.RunOptions{
		Name:          jobID,
		MaxChunkBytes: options.MaxChunkBytes,
		Concurrency:   options.Concurrency,
		OnResult:      options.OnPartialResult,
	}

	started := time.Now()
	if options.OnProgress != nil {
		runOpts.OnProgress = func(u pipeline.ProgressUpdate) {
			tput := throughput(u.BytesComplete, time.Since(started))
			options.OnProgress(ProgressSnapshot{
				JobID:          jobID,
				Strategy:       StrategyStreamed,
				ChunksComplete: u.ChunksComplete,
				BytesComplete:  u.BytesComplete,
				TotalBytes:     u.TotalBytes,
				Percent:        u.Percent,
				ThroughputBPS:  tput,
				ETASeconds:     etaSeconds(u.TotalBytes-u.BytesComplete, tput),
			})
		}
	}

	run, err := s.engine.Run(ctx, rc, size, func(ctx context.Context, chunk []byte, index int) ([]byte, error) {
		return process(ctx, chunk, ChunkMeta{JobID: jobID, Index: index, TotalBytes: size})
	}, runOpts)
	if err != nil {
		return nil, err
	}

	return &Result{
		Outputs:  run.Results,
		BytesIn:  run.Metrics.BytesRead,
		BytesOut: run.Metrics.BytesOut,
	}, nil
}

// runChunked processes fixed-size chunks sequentially, emitting a
// progress event after every chunk.
func (s *Selector) runChunked(ctx context.Context, jobID string, input Input, process ProcessFunc, size int64, options SubmitOptions) (*Result, error) {
	rc, err := input.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	chunkSize := s.cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 64 << 20
	}

	totalChunks := int((size + chunkSize - 1) / chunkSize)
	outputs := make([][]byte, 0, totalChunks)

	var (
		bytesDone int64
		bytesOut  int64
	)
	started := time.Now()

	for index := 0; bytesDone < size; index++ {
		if err := ctx.Err(); err != nil {
			return nil, cancelError(err)
		}

		n := chunkSize
		if remaining := size - bytesDone; remaining < n {
			n = remaining
		}

		buf := pool.GlobalBufferPool.Get(int(n))
		if _, err := io.ReadFull(rc, buf); err != nil {
			pool.GlobalBufferPool.Put(buf)
			return nil, errors.Wrap(err, errors.ErrorTypeStream, fmt.Sprintf("chunk %d read failed", index))
		}

		out, err := process(ctx, buf, ChunkMeta{JobID: jobID, Index: index, TotalBytes: size})
		pool.GlobalBufferPool.Put(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, cancelError(ctx.Err())
			}
			return nil, errors.Wrap(err, errors.ErrorTypeProcessing, fmt.Sprintf("chunk %d failed", index))
		}

		outputs = append(outputs, out)
		bytesDone += n
		bytesOut += int64(len(out))

		if options.OnPartialResult != nil {
			options.OnPartialResult(index, out)
		}

		tput := throughput(bytesDone, time.Since(started))
		s.reportProgress(ProgressSnapshot{
			JobID:          jobID,
			Strategy:       StrategyChunked,
			ChunksComplete: index + 1,
			TotalChunks:    totalChunks,
			BytesComplete:  bytesDone,
			TotalBytes:     size,
			Percent:        float64(bytesDone) / float64(size) * 100,
			ThroughputBPS:  tput,
			ETASeconds:     etaSeconds(size-bytesDone, tput),
		}, options, true)
	}

	if err := ctx.Err(); err != nil {
		return nil, cancelError(err)
	}

	return &Result{
		Outputs:  outputs,
		BytesIn:  bytesDone,
		BytesOut: bytesOut,
	}, nil
}

// reportProgress delivers a snapshot to the caller and, for strategies
// with mandatory progress, to the event bus.
func (s *Selector) reportProgress(snap ProgressSnapshot, options SubmitOptions, publish bool) {
	if publish && s.bus != nil {
		s.bus.Publish(events.Event{
			Type:   events.TypeProgress,
			Source: "intake",
			Payload: events.ProgressPayload{
				JobID:           snap.JobID,
				ChunksProcessed: snap.ChunksComplete,
				TotalChunks:     snap.TotalChunks,
				BytesProcessed:  snap.BytesComplete,
				TotalBytes:      snap.TotalBytes,
				Percent:         snap.Percent,
				ThroughputBPS:   snap.ThroughputBPS,
				ETASeconds:      snap.ETASeconds,
			},
		})
	}
	if options.OnProgress != nil {
		options.OnProgress(snap)
	}
}

func throughput(bytes int64, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		secs = time.Nanosecond.Seconds()
	}
	return float64(bytes) / secs
}

func etaSeconds(remaining int64, tput float64) float64 {
	if tput <= 0 || remaining <= 0 {
		return 0
	}
	return float64(remaining) / tput
}
