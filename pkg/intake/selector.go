// Package intake classifies submissions by size and runs them under the
// matching processing strategy.
//
// # Overview
//
// A Selector derives one of three strategies from the input size: inputs
// up to the small threshold are buffered whole and processed in a single
// call, inputs up to the large threshold run through the adaptive stream
// engine, and anything larger is processed in fixed-size chunks with
// mandatory progress reporting. Under critical resource pressure the
// derived strategy is downgraded exactly one level toward lower memory
// use. Transient failures are retried with linear backoff, re-deriving
// the strategy on every attempt so a job admitted under pressure can
// recover its preferred strategy once pressure clears.
//
// Every admitted job produces exactly one terminal event, job_completed
// or job_failed, on the wired event bus.
//
// # Basic Usage
//
//	sel := intake.NewSelector(cfg.Intake, intake.Deps{Engine: engine}, logger)
//	res, err := sel.SubmitBytes(ctx, payload, process, nil)
//	if err != nil {
//		return err
//	}
//	fmt.Printf("processed %d bytes\n", res.BytesOut)
package intake

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cascade-io/cascade/internal/pipeline"
	"github.com/cascade-io/cascade/pkg/cache"
	"github.com/cascade-io/cascade/pkg/config"
	"github.com/cascade-io/cascade/pkg/errors"
	"github.com/cascade-io/cascade/pkg/events"
	"github.com/cascade-io/cascade/pkg/gate"
	"github.com/cascade-io/cascade/pkg/json"
	"github.com/cascade-io/cascade/pkg/metrics"
	"github.com/cascade-io/cascade/pkg/observability"
	"github.com/cascade-io/cascade/pkg/resource"
)

// Deps carries the collaborators a Selector drives. Engine is required
// for the streamed strategy; the remaining dependencies are optional and
// disable their feature when nil.
type Deps struct {
	// Engine runs the streamed strategy.
	Engine *pipeline.StreamEngine
	// Gate bounds concurrent job admission.
	Gate *gate.Gate
	// Pressure supplies the level consulted at submission and before
	// each retry.
	Pressure resource.Reader
	// Cache serves and stores results for keyed submissions.
	Cache *cache.Manager
	// Bus receives progress and terminal job events.
	Bus *events.Bus
	// Tracer wraps submissions in spans.
	Tracer *observability.Tracer
}

// Selector admits jobs and routes them to a processing strategy.
type Selector struct {
	cfg      config.IntakeConfig
	logger   *zap.Logger
	engine   *pipeline.StreamEngine
	gate     *gate.Gate
	pressure resource.Reader
	cache    *cache.Manager
	bus      *events.Bus
	tracer   *observability.Tracer
	jobs     *jobTable

	submitted  atomic.Int64
	completed  atomic.Int64
	failed     atomic.Int64
	retried    atomic.Int64
	downgraded atomic.Int64
	rejected   atomic.Int64
}

// NewSelector creates a Selector with the given configuration and
// collaborators.
func NewSelector(cfg config.IntakeConfig, deps Deps, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}

	pressure := deps.Pressure
	if pressure == nil {
		pressure = steadyPressure{}
	}

	tracer := deps.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracer("intake", config.ObservabilityConfig{})
	}

	return &Selector{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "intake")),
		engine:   deps.Engine,
		gate:     deps.Gate,
		pressure: pressure,
		cache:    deps.Cache,
		bus:      deps.Bus,
		tracer:   tracer,
		jobs:     newJobTable(),
	}
}

// steadyPressure reports optimal pressure when no monitor is wired.
type steadyPressure struct{}

func (steadyPressure) CurrentPressure() resource.Level { return resource.LevelOptimal }

// Submit classifies the input by size and processes it under the derived
// strategy. The returned Result holds the ordered chunk outputs of the
// final successful attempt.
func (s *Selector) Submit(ctx context.Context, input Input, process ProcessFunc, opts *SubmitOptions) (*Result, error) {
	if input == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "input is required")
	}
	if process == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "process function is required")
	}

	options := SubmitOptions{}
	if opts != nil {
		options = *opts
	}

	size, err := input.Size()
	if err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, errors.New(errors.ErrorTypeUnsupportedInput, "input reports negative size")
	}

	if options.CacheKey != "" && s.cache != nil {
		return s.submitCached(ctx, input, process, size, options)
	}
	return s.submit(ctx, input, process, size, options)
}

// SubmitBytes submits an in-memory payload.
func (s *Selector) SubmitBytes(ctx context.Context, data []byte, process ProcessFunc, opts *SubmitOptions) (*Result, error) {
	return s.Submit(ctx, BytesInput(data), process, opts)
}

// SubmitFile submits a file, resolving its size from the filesystem.
func (s *Selector) SubmitFile(ctx context.Context, path string, process ProcessFunc, opts *SubmitOptions) (*Result, error) {
	return s.Submit(ctx, FileInput(path), process, opts)
}

// submitCached routes the submission through the result cache. A hit
// skips admission and processing entirely; a miss runs the job and
// caches its serialized result.
func (s *Selector) submitCached(ctx context.Context, input Input, process ProcessFunc, size int64, options SubmitOptions) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "intake.submit_cached")
	defer span.End()
	span.SetAttribute("cache_key", options.CacheKey)

	started := time.Now()

	var computed *Result
	lookup, err := s.cache.GetOrCompute(ctx, options.CacheKey, func(ctx context.Context) ([]byte, error) {
		res, err := s.submit(ctx, input, process, size, options)
		if err != nil {
			return nil, err
		}
		computed = res
		return json.Marshal(cachedResult{
			Strategy: res.Strategy,
			Outputs:  res.Outputs,
			BytesIn:  res.BytesIn,
			BytesOut: res.BytesOut,
		})
	})
	if err != nil {
		span.RecordOutcome(err)
		return nil, err
	}

	span.SetAttribute("cache_source", lookup.Source)
	span.RecordOutcome(nil)

	if computed != nil {
		computed.CacheSource = lookup.Source
		return computed, nil
	}

	var cached cachedResult
	if err := json.Unmarshal(lookup.Data, &cached); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to decode cached result")
	}

	return &Result{
		Strategy:    cached.Strategy,
		Outputs:     cached.Outputs,
		BytesIn:     cached.BytesIn,
		BytesOut:    cached.BytesOut,
		Duration:    time.Since(started),
		CacheSource: lookup.Source,
	}, nil
}

func (s *Selector) submit(ctx context.Context, input Input, process ProcessFunc, size int64, options SubmitOptions) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "intake.submit")
	defer span.End()

	timeout := s.cfg.JobTimeout
	if options.Deadline > 0 {
		timeout = options.Deadline
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	strategy := s.deriveStrategy(size)
	job := s.jobs.begin(size, strategy)
	s.submitted.Add(1)

	span.SetAttribute("job_id", job.id)
	span.SetAttribute("input_bytes", size)

	log := s.logger.With(zap.String("job_id", job.id))
	log.Info("job received",
		zap.Int64("bytes", size),
		zap.String("strategy", string(strategy)))

	started := time.Now()

	if s.cfg.StrictAdmission && s.pressure.CurrentPressure() == resource.LevelCritical {
		s.rejected.Add(1)
		err := errors.New(errors.ErrorTypeResourcePressure, "job rejected under critical resource pressure")
		return nil, s.failJob(job, strategy, 1, err, time.Since(started), span, log)
	}

	if s.gate != nil {
		if err := s.gate.Acquire(ctx); err != nil {
			return nil, s.failJob(job, strategy, 1, err, time.Since(started), span, log)
		}
		defer s.gate.Release()
	}

	maxAttempts := s.cfg.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	attempts := 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := s.waitRetry(ctx, attempt, lastErr, log); err != nil {
				lastErr = err
				break
			}
		}

		strategy = s.deriveStrategy(size)
		if s.pressure.CurrentPressure() == resource.LevelCritical {
			if lower, ok := downgradeStrategy(strategy); ok {
				log.Info("downgrading strategy under critical pressure",
					zap.String("from", string(strategy)),
					zap.String("to", string(lower)))
				strategy = lower
				s.downgraded.Add(1)
				metrics.StrategyDowngrades.Inc()
			}
		}

		if attempt > 1 {
			s.retried.Add(1)
			metrics.JobRetries.WithLabelValues(string(strategy)).Inc()
		}

		s.jobs.setAttempt(job.id, attempt, strategy)
		attempts = attempt

		res, err := s.execute(ctx, job.id, input, process, size, strategy, options)
		if err == nil {
			res.JobID = job.id
			res.Strategy = strategy
			res.Attempts = attempt
			res.Duration = time.Since(started)
			s.completeJob(job, res, span, log)
			return res, nil
		}

		lastErr = err
		if !errors.IsRetryable(err) || ctx.Err() != nil {
			break
		}
		if !input.Reopenable() {
			log.Warn("input cannot be reopened, abandoning retries", zap.Error(err))
			break
		}
	}

	return nil, s.failJob(job, strategy, attempts, lastErr, time.Since(started), span, log)
}

// waitRetry blocks for the linear backoff preceding the numbered attempt.
func (s *Selector) waitRetry(ctx context.Context, attempt int, cause error, log *zap.Logger) error {
	delay := time.Duration(attempt-1) * s.cfg.RetryDelay
	log.Warn("retrying job",
		zap.Int("attempt", attempt),
		zap.Duration("backoff", delay),
		zap.Error(cause))

	if delay <= 0 {
		if ctx.Err() != nil {
			return cancelError(ctx.Err())
		}
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return cancelError(ctx.Err())
	}
}

func (s *Selector) execute(ctx context.Context, jobID string, input Input, process ProcessFunc, size int64, strategy Strategy, options SubmitOptions) (*Result, error) {
	switch strategy {
	case StrategyWholeBuffer:
		return s.runWholeBuffer(ctx, jobID, input, process, size, options)
	case StrategyStreamed:
		return s.runStreamed(ctx, jobID, input, process, size, options)
	case StrategyChunked:
		return s.runChunked(ctx, jobID, input, process, size, options)
	default:
		return nil, errors.New(errors.ErrorTypeInternal, fmt.Sprintf("unknown strategy %q", strategy))
	}
}

func (s *Selector) deriveStrategy(size int64) Strategy {
	switch {
	case size <= s.cfg.SmallThreshold:
		return StrategyWholeBuffer
	case size <= s.cfg.LargeThreshold:
		return StrategyStreamed
	default:
		return StrategyChunked
	}
}

// downgradeStrategy steps one level toward lower memory use. Chunked is
// already the most conservative level and never moves.
func downgradeStrategy(st Strategy) (Strategy, bool) {
	switch st {
	case StrategyWholeBuffer:
		return StrategyStreamed, true
	case StrategyStreamed:
		return StrategyChunked, true
	default:
		return st, false
	}
}

func (s *Selector) completeJob(job *jobRecord, res *Result, span *observability.Span, log *zap.Logger) {
	s.jobs.finish(job.id, statusCompleted)
	s.completed.Add(1)

	metrics.JobsTotal.WithLabelValues(string(res.Strategy), "completed").Inc()
	metrics.JobDuration.WithLabelValues(string(res.Strategy)).Observe(res.Duration.Seconds())
	metrics.BytesProcessed.WithLabelValues(string(res.Strategy)).Add(float64(res.BytesIn))

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:   events.TypeJobCompleted,
			Source: "intake",
			Payload: events.JobCompletedPayload{
				JobID:    job.id,
				Strategy: string(res.Strategy),
				Bytes:    res.BytesIn,
				Duration: res.Duration,
				Attempts: res.Attempts,
			},
		})
	}

	span.SetAttribute("strategy", string(res.Strategy))
	span.SetAttribute("attempts", res.Attempts)
	span.RecordOutcome(nil)

	log.Info("job completed",
		zap.String("strategy", string(res.Strategy)),
		zap.Int("attempts", res.Attempts),
		zap.Int64("bytes_in", res.BytesIn),
		zap.Int64("bytes_out", res.BytesOut),
		zap.Duration("duration", res.Duration))
}

func (s *Selector) failJob(job *jobRecord, strategy Strategy, attempts int, cause error, elapsed time.Duration, span *observability.Span, log *zap.Logger) error {
	if cause == nil {
		cause = errors.New(errors.ErrorTypeInternal, "job failed without a cause")
	}

	s.jobs.finish(job.id, statusFailed)
	s.failed.Add(1)

	metrics.JobsTotal.WithLabelValues(string(strategy), "failed").Inc()

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:   events.TypeJobFailed,
			Source: "intake",
			Payload: events.JobFailedPayload{
				JobID:    job.id,
				Strategy: string(strategy),
				Error:    cause,
				Attempts: attempts,
				Elapsed:  elapsed,
			},
		})
	}

	span.SetAttribute("strategy", string(strategy))
	span.SetAttribute("attempts", attempts)
	span.RecordOutcome(cause)

	log.Error("job failed",
		zap.String("strategy", string(strategy)),
		zap.Int("attempts", attempts),
		zap.Duration("elapsed", elapsed),
		zap.Error(cause))

	return cause
}

// cancelError converts a context error into the matching terminal error.
func cancelError(cause error) error {
	if cause == context.DeadlineExceeded {
		return errors.New(errors.ErrorTypeTimeout, "job deadline exceeded")
	}
	return errors.New(errors.ErrorTypeCancelled, "job cancelled")
}

// Stats returns a snapshot of selector activity.
func (s *Selector) Stats() Stats {
	return Stats{
		Submitted:  s.submitted.Load(),
		Completed:  s.completed.Load(),
		Failed:     s.failed.Load(),
		Retried:    s.retried.Load(),
		Downgraded: s.downgraded.Load(),
		Rejected:   s.rejected.Load(),
		Active:     s.jobs.size(),
	}
}

// ActiveJobs lists jobs that have been admitted but not yet finished.
func (s *Selector) ActiveJobs() []JobInfo {
	return s.jobs.active()
}
