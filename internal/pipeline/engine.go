package pipeline

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cascade-io/cascade/pkg/config"
	"github.com/cascade-io/cascade/pkg/errors"
	"github.com/cascade-io/cascade/pkg/events"
	"github.com/cascade-io/cascade/pkg/pool"
	"github.com/cascade-io/cascade/pkg/resource"
)

// Resources is the pressure signal the engine adapts to. Chunk sizing
// follows CurrentPressure and RequestReclaim is invoked when a run
// observes critical pressure between reads.
type Resources interface {
	CurrentPressure() resource.Level
	RequestReclaim() bool
}

// noopResources reports optimal pressure forever.
type noopResources struct{}

func (noopResources) CurrentPressure() resource.Level { return resource.LevelOptimal }
func (noopResources) RequestReclaim() bool            { return false }

// StreamEngine runs large inputs through a processing function in
// adaptively sized chunks. One engine serves many concurrent runs; worker
// stages are pooled across runs and torn down after an idle period.
type StreamEngine struct {
	cfg       config.StreamConfig
	resources Resources
	bus       *events.Bus
	logger    *zap.Logger
	stages    *stagePool
	history   *sampleHistory

	runs     atomic.Int64
	failures atomic.Int64
}

// EngineStats is a snapshot of engine lifetime counters.
type EngineStats struct {
	Runs         int64 `json:"runs"`
	Failures     int64 `json:"failures"`
	ActiveStages int   `json:"active_stages"`
}

// NewStreamEngine creates an engine. res may be nil, in which case the
// engine behaves as if pressure were always optimal. bus may be nil to
// disable metrics events.
func NewStreamEngine(cfg config.StreamConfig, res Resources, bus *events.Bus, logger *zap.Logger) *StreamEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if res == nil {
		res = noopResources{}
	}
	return &StreamEngine{
		cfg:       cfg,
		resources: res,
		bus:       bus,
		logger:    logger.With(zap.String("component", "stream_engine")),
		stages:    newStagePool(cfg.IdleTimeout, logger),
		history:   newSampleHistory(cfg.SampleHistory),
	}
}

// Run streams input through process and returns results in chunk order.
//
// totalBytes is the declared input size; when non-negative the run fails
// unless exactly that many bytes were read. Pass -1 when the size is
// unknown. Any chunk error fails the whole run.
func (e *StreamEngine) Run(ctx context.Context, input io.Reader, totalBytes int64, process ProcessFunc, opts *RunOptions) (*RunResult, error) {
	if input == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "input reader is nil")
	}
	if process == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "process function is nil")
	}

	var options RunOptions
	if opts != nil {
		options = *opts
	}
	name := options.Name
	if name == "" {
		name = pool.GenerateID("run")
	}
	concurrency := options.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}

	key := stageKey(concurrency, options.MaxChunkBytes)
	st, err := e.stages.acquire(key, concurrency)
	if err != nil {
		return nil, err
	}
	defer e.stages.release(key)

	e.runs.Add(1)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sizer := newChunkSizer(e.cfg, options.MaxChunkBytes, e.history, name)
	reg := newRegulator(e.cfg.BackpressureThreshold, e.cfg.ResumeLevel())

	var (
		failOnce sync.Once
		runErr   error
	)
	fail := func(err error) {
		failOnce.Do(func() {
			runErr = err
			cancel()
		})
	}

	resultCh := make(chan chunkResult, e.cfg.BackpressureThreshold)

	var (
		chunksDone atomic.Int64
		bytesDone  atomic.Int64
	)

	// The collector is the only goroutine that touches the results slice.
	var (
		collectorWg sync.WaitGroup
		results     [][]byte
		bytesOut    int64
	)
	collectorWg.Add(1)
	go func() {
		defer collectorWg.Done()
		for res := range resultCh {
			reg.complete()
			if res.err != nil {
				fail(res.err)
				continue
			}
			for len(results) <= res.index {
				results = append(results, nil)
			}
			results[res.index] = res.output
			bytesOut += int64(len(res.output))
			done := chunksDone.Add(1)
			doneBytes := bytesDone.Add(int64(res.inputLen))

			if options.OnResult != nil {
				options.OnResult(res.index, res.output)
			}
			if options.OnProgress != nil {
				update := ProgressUpdate{
					ChunkIndex:     res.index,
					ChunksComplete: int(done),
					BytesComplete:  doneBytes,
					TotalBytes:     totalBytes,
				}
				if totalBytes > 0 {
					update.Percent = float64(doneBytes) / float64(totalBytes) * 100
				}
				options.OnProgress(update)
			}
		}
	}()

	start := time.Now()
	stopMetrics := e.startMetricsLoop(runCtx, start, sizer, reg, &chunksDone, &bytesDone)

	var (
		workerWg  sync.WaitGroup
		index     int
		bytesRead int64
		reclaims  int
	)

readLoop:
	for {
		if err := reg.admit(runCtx); err != nil {
			fail(cancelError(ctx.Err()))
			break
		}

		pressure := e.resources.CurrentPressure()
		if pressure == resource.LevelCritical {
			if e.resources.RequestReclaim() {
				reclaims++
			}
		}

		size := sizer.next(pressure)
		buf := pool.GlobalBufferPool.Get(size)

		n, readErr := io.ReadFull(input, buf)
		if n > 0 {
			chunk := buf[:n]
			idx := index
			index++
			bytesRead += int64(n)

			reg.begin()
			workerWg.Add(1)
			submitErr := st.pool.Submit(func() {
				defer workerWg.Done()
				chunkStart := time.Now()
				out, perr := process(runCtx, chunk, idx)
				sizer.record(n, time.Since(chunkStart), pressure)
				pool.GlobalBufferPool.Put(buf)

				if perr != nil {
					perr = errors.Wrap(perr, errors.ErrorTypeProcessing,
						fmt.Sprintf("chunk %d failed", idx))
					resultCh <- chunkResult{index: idx, inputLen: n, err: perr}
					return
				}
				resultCh <- chunkResult{index: idx, inputLen: n, output: out}
			})
			if submitErr != nil {
				workerWg.Done()
				reg.complete()
				pool.GlobalBufferPool.Put(buf)
				fail(errors.Wrap(submitErr, errors.ErrorTypeInternal, "chunk submission failed"))
				break
			}
		} else {
			pool.GlobalBufferPool.Put(buf)
		}

		if readErr != nil {
			if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
				break
			}
			fail(errors.Wrap(readErr, errors.ErrorTypeStream, "input read failed"))
			break
		}

		select {
		case <-runCtx.Done():
			if ctx.Err() != nil {
				fail(cancelError(ctx.Err()))
			}
			break readLoop
		default:
		}
	}

	workerWg.Wait()
	close(resultCh)
	collectorWg.Wait()
	stopMetrics()

	duration := time.Since(start)

	if runErr == nil && ctx.Err() != nil {
		runErr = cancelError(ctx.Err())
	}
	if runErr == nil && totalBytes >= 0 && bytesRead != totalBytes {
		runErr = errors.New(errors.ErrorTypeStream,
			fmt.Sprintf("input size mismatch: read %d of %d declared bytes", bytesRead, totalBytes))
	}

	if runErr != nil {
		e.failures.Add(1)
		e.logger.Error("run failed",
			zap.String("run", name),
			zap.Int("chunks", index),
			zap.Int64("bytes_read", bytesRead),
			zap.Duration("duration", duration),
			zap.Error(runErr))
		return nil, runErr
	}

	suspensions, suspendedFor := reg.stats()
	chunks, _, minSeen, maxSeen, avg := sizer.runStats()
	throughput := float64(bytesRead) / maxSeconds(duration)

	e.logger.Info("run complete",
		zap.String("run", name),
		zap.Int("chunks", chunks),
		zap.Int64("bytes_read", bytesRead),
		zap.Int64("bytes_out", bytesOut),
		zap.Int("avg_chunk_bytes", avg),
		zap.Int64("suspensions", suspensions),
		zap.Duration("duration", duration))

	return &RunResult{
		Results: results,
		Metrics: RunMetrics{
			Chunks:          chunks,
			BytesRead:       bytesRead,
			BytesOut:        bytesOut,
			Duration:        duration,
			ThroughputBPS:   throughput,
			MinChunkBytes:   minSeen,
			MaxChunkBytes:   maxSeen,
			AvgChunkBytes:   avg,
			Suspensions:     suspensions,
			SuspendedFor:    suspendedFor,
			ReclaimRequests: reclaims,
		},
	}, nil
}

// startMetricsLoop emits periodic metrics events for a run and returns a
// stop function that blocks until the loop exits.
func (e *StreamEngine) startMetricsLoop(ctx context.Context, start time.Time, sizer *chunkSizer, reg *regulator, chunksDone, bytesDone *atomic.Int64) func() {
	if e.bus == nil || e.cfg.MetricsInterval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(e.cfg.MetricsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				suspensions, _ := reg.stats()
				bytes := bytesDone.Load()
				e.bus.Publish(events.Event{
					Type:   events.TypeMetrics,
					Source: "stream_engine",
					Payload: events.MetricsPayload{
						ChunksProcessed: chunksDone.Load(),
						BytesProcessed:  bytes,
						CurrentChunk:    sizer.currentSize(),
						PendingResults:  reg.pendingCount(),
						ThroughputBPS:   float64(bytes) / maxSeconds(time.Since(start)),
						Suspensions:     suspensions,
					},
				})
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

// Stats returns engine lifetime counters.
func (e *StreamEngine) Stats() EngineStats {
	return EngineStats{
		Runs:         e.runs.Load(),
		Failures:     e.failures.Load(),
		ActiveStages: e.stages.count(),
	}
}

// Close tears down pooled stages. In-flight runs must finish first.
func (e *StreamEngine) Close() {
	e.stages.close()
}

// cancelError maps a context error to the matching typed error.
func cancelError(cause error) error {
	if cause == context.DeadlineExceeded {
		return errors.Wrap(cause, errors.ErrorTypeTimeout, "run deadline exceeded")
	}
	if cause == nil {
		cause = context.Canceled
	}
	return errors.Wrap(cause, errors.ErrorTypeCancelled, "run cancelled")
}

func maxSeconds(d time.Duration) float64 {
	s := d.Seconds()
	if s <= 0 {
		return time.Nanosecond.Seconds()
	}
	return s
}
