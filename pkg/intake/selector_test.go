package intake

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cascade-io/cascade/internal/pipeline"
	"github.com/cascade-io/cascade/pkg/cache"
	"github.com/cascade-io/cascade/pkg/config"
	"github.com/cascade-io/cascade/pkg/errors"
	"github.com/cascade-io/cascade/pkg/events"
	"github.com/cascade-io/cascade/pkg/gate"
	"github.com/cascade-io/cascade/pkg/resource"
)

// Tiny thresholds keep test inputs small while still exercising every
// strategy: ≤1KB whole-buffer, ≤64KB streamed, beyond that chunked in
// 16KB units.
func testIntakeConfig() config.IntakeConfig {
	return config.IntakeConfig{
		SmallThreshold: 1024,
		LargeThreshold: 64 * 1024,
		ChunkSize:      16 * 1024,
		MaxRetries:     3,
		RetryDelay:     time.Millisecond,
	}
}

func testEngineConfig() config.StreamConfig {
	return config.StreamConfig{
		BaseChunkSize:         4 * 1024,
		MinChunkSize:          1024,
		MaxChunkSize:          16 * 1024,
		BackpressureThreshold: 8,
		ResumeFactor:          0.7,
		IdleTimeout:           time.Minute,
		SampleHistory:         16,
	}
}

func newTestSelector(t *testing.T, cfg config.IntakeConfig, deps Deps) *Selector {
	t.Helper()
	if deps.Engine == nil {
		deps.Engine = pipeline.NewStreamEngine(testEngineConfig(), nil, nil, zaptest.NewLogger(t))
		t.Cleanup(deps.Engine.Close)
	}
	return NewSelector(cfg, deps, zaptest.NewLogger(t))
}

// stubPressure pins the pressure level consulted by the selector.
type stubPressure struct {
	level atomic.Int32
}

func (p *stubPressure) CurrentPressure() resource.Level {
	return resource.Level(p.level.Load())
}

func copyChunk(_ context.Context, chunk []byte, _ ChunkMeta) ([]byte, error) {
	out := make([]byte, len(chunk))
	copy(out, chunk)
	return out, nil
}

func patternBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestSubmitValidatesArguments(t *testing.T) {
	s := newTestSelector(t, testIntakeConfig(), Deps{})

	_, err := s.Submit(context.Background(), nil, copyChunk, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = s.Submit(context.Background(), BytesInput(nil), nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = s.Submit(context.Background(), ReaderInput(bytes.NewReader(nil), -1), copyChunk, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnsupportedInput))
}

func TestStrategyForSize(t *testing.T) {
	cfg := testIntakeConfig()
	s := newTestSelector(t, cfg, Deps{})

	cases := []struct {
		size int64
		want Strategy
	}{
		{0, StrategyWholeBuffer},
		{cfg.SmallThreshold, StrategyWholeBuffer},
		{cfg.SmallThreshold + 1, StrategyStreamed},
		{cfg.LargeThreshold, StrategyStreamed},
		{cfg.LargeThreshold + 1, StrategyChunked},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, s.deriveStrategy(tc.size), "size %d", tc.size)
	}
}

func TestSubmitWholeBuffer(t *testing.T) {
	s := newTestSelector(t, testIntakeConfig(), Deps{})

	input := patternBytes(512)
	var calls atomic.Int32
	var gotMeta ChunkMeta
	process := func(ctx context.Context, chunk []byte, meta ChunkMeta) ([]byte, error) {
		calls.Add(1)
		gotMeta = meta
		return copyChunk(ctx, chunk, meta)
	}

	res, err := s.SubmitBytes(context.Background(), input, process, nil)
	require.NoError(t, err)

	assert.Equal(t, StrategyWholeBuffer, res.Strategy)
	assert.Equal(t, int32(1), calls.Load(), "whole-buffer processes in exactly one call")
	assert.Equal(t, input, res.Bytes())
	assert.Equal(t, int64(512), res.BytesIn)
	assert.Equal(t, int64(512), res.BytesOut)
	assert.Equal(t, 1, res.Attempts)
	assert.NotEmpty(t, res.JobID)
	assert.Equal(t, res.JobID, gotMeta.JobID)
	assert.Equal(t, 0, gotMeta.Index)
	assert.Equal(t, int64(512), gotMeta.TotalBytes)

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Submitted)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Zero(t, stats.Active)
}

func TestSubmitStreamed(t *testing.T) {
	s := newTestSelector(t, testIntakeConfig(), Deps{})

	input := patternBytes(8 * 1024)
	res, err := s.SubmitBytes(context.Background(), input, copyChunk, nil)
	require.NoError(t, err)

	assert.Equal(t, StrategyStreamed, res.Strategy)
	assert.Equal(t, input, res.Bytes())
	assert.Equal(t, int64(len(input)), res.BytesIn)
	assert.Equal(t, int64(len(input)), res.BytesOut)
}

func TestSubmitChunkedEmitsProgress(t *testing.T) {
	bus := events.NewBus(256, zaptest.NewLogger(t))
	defer bus.Close()
	sub := bus.Subscribe(events.TypeProgress)
	defer sub.Unsubscribe()

	s := newTestSelector(t, testIntakeConfig(), Deps{Bus: bus})

	// 80KB over a 64KB large threshold lands in the chunked strategy:
	// five 16KB chunks.
	input := patternBytes(80 * 1024)
	var snaps []ProgressSnapshot
	var partials []int
	opts := &SubmitOptions{
		OnProgress: func(p ProgressSnapshot) {
			snaps = append(snaps, p)
		},
		OnPartialResult: func(index int, _ []byte) {
			partials = append(partials, index)
		},
	}

	res, err := s.SubmitBytes(context.Background(), input, copyChunk, opts)
	require.NoError(t, err)

	assert.Equal(t, StrategyChunked, res.Strategy)
	assert.Equal(t, input, res.Bytes())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, partials)

	require.Len(t, snaps, 5)
	for i, p := range snaps {
		assert.Equal(t, i+1, p.ChunksComplete)
		assert.Equal(t, 5, p.TotalChunks)
		assert.Equal(t, res.JobID, p.JobID)
	}
	last := snaps[len(snaps)-1]
	assert.InDelta(t, 100.0, last.Percent, 0.01)
	assert.Equal(t, int64(len(input)), last.BytesComplete)
	assert.Positive(t, last.ThroughputBPS)
	assert.Zero(t, last.ETASeconds)

	var published int
drain:
	for {
		select {
		case evt := <-sub.C():
			payload, ok := evt.Payload.(events.ProgressPayload)
			require.True(t, ok)
			assert.Equal(t, res.JobID, payload.JobID)
			published++
		default:
			break drain
		}
	}
	assert.Equal(t, 5, published, "chunked jobs publish one progress event per chunk")
}

func TestSubmitDowngradesOneLevelUnderCritical(t *testing.T) {
	press := &stubPressure{}
	press.level.Store(int32(resource.LevelCritical))

	s := newTestSelector(t, testIntakeConfig(), Deps{Pressure: press})

	// Small input derives whole-buffer, critical pressure demotes it to
	// streamed.
	res, err := s.SubmitBytes(context.Background(), patternBytes(512), copyChunk, nil)
	require.NoError(t, err)
	assert.Equal(t, StrategyStreamed, res.Strategy)

	// Chunked is the floor; it never demotes further.
	res, err = s.SubmitBytes(context.Background(), patternBytes(80*1024), copyChunk, nil)
	require.NoError(t, err)
	assert.Equal(t, StrategyChunked, res.Strategy)

	assert.Equal(t, int64(1), s.Stats().Downgraded)
}

func TestRetryExhaustionFailsJob(t *testing.T) {
	bus := events.NewBus(64, zaptest.NewLogger(t))
	defer bus.Close()
	sub := bus.Subscribe(events.TypeJobCompleted, events.TypeJobFailed)
	defer sub.Unsubscribe()

	s := newTestSelector(t, testIntakeConfig(), Deps{Bus: bus})

	var calls atomic.Int32
	failing := func(context.Context, []byte, ChunkMeta) ([]byte, error) {
		calls.Add(1)
		return nil, fmt.Errorf("flaky backend")
	}

	_, err := s.SubmitBytes(context.Background(), patternBytes(256), failing, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeProcessing))
	assert.Equal(t, int32(4), calls.Load(), "initial attempt plus three retries")

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(3), stats.Retried)
	assert.Zero(t, stats.Completed)

	var terminal []events.Event
drain:
	for {
		select {
		case evt := <-sub.C():
			terminal = append(terminal, evt)
		default:
			break drain
		}
	}
	require.Len(t, terminal, 1)
	assert.Equal(t, events.TypeJobFailed, terminal[0].Type)
	payload, ok := terminal[0].Payload.(events.JobFailedPayload)
	require.True(t, ok)
	assert.Equal(t, 4, payload.Attempts)
}

func TestRetryRecoversAfterTransientFailures(t *testing.T) {
	s := newTestSelector(t, testIntakeConfig(), Deps{})

	input := patternBytes(256)
	var calls atomic.Int32
	process := func(ctx context.Context, chunk []byte, meta ChunkMeta) ([]byte, error) {
		if calls.Add(1) < 3 {
			return nil, fmt.Errorf("transient")
		}
		return copyChunk(ctx, chunk, meta)
	}

	res, err := s.SubmitBytes(context.Background(), input, process, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, input, res.Bytes())
	assert.Equal(t, int64(2), s.Stats().Retried)
	assert.Equal(t, int64(1), s.Stats().Completed)
}

func TestFatalErrorSkipsRetries(t *testing.T) {
	s := newTestSelector(t, testIntakeConfig(), Deps{})

	var calls atomic.Int32
	fatal := func(context.Context, []byte, ChunkMeta) ([]byte, error) {
		calls.Add(1)
		return nil, errors.New(errors.ErrorTypeProcessing, "corrupt input").MarkFatal()
	}

	_, err := s.SubmitBytes(context.Background(), patternBytes(256), fatal, nil)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, s.Stats().Retried)
}

func TestNonReopenableInputGetsOneAttempt(t *testing.T) {
	s := newTestSelector(t, testIntakeConfig(), Deps{})

	var calls atomic.Int32
	failing := func(context.Context, []byte, ChunkMeta) ([]byte, error) {
		calls.Add(1)
		return nil, fmt.Errorf("flaky backend")
	}

	// bytes.Buffer does not seek, so the input cannot restart.
	input := ReaderInput(bytes.NewBuffer(patternBytes(256)), 256)
	_, err := s.Submit(context.Background(), input, failing, nil)
	require.Error(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, s.Stats().Retried)
}

func TestExactlyOneTerminalEventPerJob(t *testing.T) {
	bus := events.NewBus(64, zaptest.NewLogger(t))
	defer bus.Close()
	sub := bus.Subscribe(events.TypeJobCompleted, events.TypeJobFailed)
	defer sub.Unsubscribe()

	s := newTestSelector(t, testIntakeConfig(), Deps{Bus: bus})

	res1, err := s.SubmitBytes(context.Background(), patternBytes(128), copyChunk, nil)
	require.NoError(t, err)

	failing := func(context.Context, []byte, ChunkMeta) ([]byte, error) {
		return nil, fmt.Errorf("flaky backend")
	}
	_, err = s.SubmitBytes(context.Background(), patternBytes(128), failing, nil)
	require.Error(t, err)

	res2, err := s.SubmitBytes(context.Background(), patternBytes(2*1024), copyChunk, nil)
	require.NoError(t, err)

	perJob := map[string]int{}
	var failures int
drain:
	for {
		select {
		case evt := <-sub.C():
			switch payload := evt.Payload.(type) {
			case events.JobCompletedPayload:
				perJob[payload.JobID]++
			case events.JobFailedPayload:
				perJob[payload.JobID]++
				failures++
			}
		default:
			break drain
		}
	}

	assert.Len(t, perJob, 3)
	assert.Equal(t, 1, failures)
	for id, count := range perJob {
		assert.Equal(t, 1, count, "job %s must have exactly one terminal event", id)
	}
	assert.Equal(t, 1, perJob[res1.JobID])
	assert.Equal(t, 1, perJob[res2.JobID])
}

func TestJobDeadlineExpires(t *testing.T) {
	s := newTestSelector(t, testIntakeConfig(), Deps{})

	slow := func(ctx context.Context, chunk []byte, meta ChunkMeta) ([]byte, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return copyChunk(ctx, chunk, meta)
		}
	}

	started := time.Now()
	_, err := s.SubmitBytes(context.Background(), patternBytes(128), slow,
		&SubmitOptions{Deadline: 20 * time.Millisecond})
	require.Error(t, err)

	assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout), "got %v", err)
	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, int64(1), s.Stats().Failed)
}

func TestStrictAdmissionRejectsUnderCritical(t *testing.T) {
	press := &stubPressure{}
	press.level.Store(int32(resource.LevelCritical))

	cfg := testIntakeConfig()
	cfg.StrictAdmission = true
	s := newTestSelector(t, cfg, Deps{Pressure: press})

	var calls atomic.Int32
	process := func(ctx context.Context, chunk []byte, meta ChunkMeta) ([]byte, error) {
		calls.Add(1)
		return copyChunk(ctx, chunk, meta)
	}

	_, err := s.SubmitBytes(context.Background(), patternBytes(128), process, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeResourcePressure))
	assert.Zero(t, calls.Load())

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Rejected)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestGateBoundsConcurrentJobs(t *testing.T) {
	g := gate.New(1, zaptest.NewLogger(t))
	t.Cleanup(g.Close)

	s := newTestSelector(t, testIntakeConfig(), Deps{Gate: g})

	var active, peak atomic.Int32
	process := func(ctx context.Context, chunk []byte, meta ChunkMeta) ([]byte, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		active.Add(-1)
		return copyChunk(ctx, chunk, meta)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.SubmitBytes(context.Background(), patternBytes(128), process, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(1), "gate capacity 1 admits one job at a time")
}

func intakeCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		FastTTL:             time.Minute,
		MediumTTL:           time.Minute,
		SlowTTL:             time.Minute,
		PredictiveTTL:       time.Minute,
		InactivityWindow:    time.Hour,
		FastCapacity:        100,
		PopularityThreshold: 10,
		PredictiveThreshold: 0.7,
		KeyDelimiter:        "_",
		CheapCost:           time.Second,
		ModerateCost:        2 * time.Second,
		PrewarmWorkers:      1,
	}
}

func TestCachedSubmission(t *testing.T) {
	cm, err := cache.NewManager(intakeCacheConfig(), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(cm.Close)

	s := newTestSelector(t, testIntakeConfig(), Deps{Cache: cm})

	input := patternBytes(512)
	var calls atomic.Int32
	process := func(ctx context.Context, chunk []byte, meta ChunkMeta) ([]byte, error) {
		calls.Add(1)
		return copyChunk(ctx, chunk, meta)
	}
	opts := &SubmitOptions{CacheKey: "report_2024"}

	first, err := s.SubmitBytes(context.Background(), input, process, opts)
	require.NoError(t, err)
	assert.Equal(t, cache.SourceCompute, first.CacheSource)
	assert.NotEmpty(t, first.JobID)
	assert.Equal(t, input, first.Bytes())

	second, err := s.SubmitBytes(context.Background(), input, process, opts)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "second submission must be served from cache")
	assert.Equal(t, string(cache.TierFast), second.CacheSource)
	assert.Empty(t, second.JobID)
	assert.Equal(t, input, second.Bytes())
	assert.Equal(t, first.BytesIn, second.BytesIn)
}

func TestCachedSubmissionComputeErrorNotCached(t *testing.T) {
	cm, err := cache.NewManager(intakeCacheConfig(), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(cm.Close)

	s := newTestSelector(t, testIntakeConfig(), Deps{Cache: cm})

	opts := &SubmitOptions{CacheKey: "report_2025"}
	fatal := func(context.Context, []byte, ChunkMeta) ([]byte, error) {
		return nil, errors.New(errors.ErrorTypeProcessing, "corrupt input").MarkFatal()
	}

	_, err = s.SubmitBytes(context.Background(), patternBytes(128), fatal, opts)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCacheCompute))

	var calls atomic.Int32
	process := func(ctx context.Context, chunk []byte, meta ChunkMeta) ([]byte, error) {
		calls.Add(1)
		return copyChunk(ctx, chunk, meta)
	}
	res, err := s.SubmitBytes(context.Background(), patternBytes(128), process, opts)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "failed computes must not be cached")
	assert.Equal(t, cache.SourceCompute, res.CacheSource)
}

func TestActiveJobsTracking(t *testing.T) {
	s := newTestSelector(t, testIntakeConfig(), Deps{})

	running := make(chan struct{}, 1)
	release := make(chan struct{})
	process := func(ctx context.Context, chunk []byte, meta ChunkMeta) ([]byte, error) {
		select {
		case running <- struct{}{}:
		default:
		}
		<-release
		return copyChunk(ctx, chunk, meta)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := s.SubmitBytes(context.Background(), patternBytes(512), process, nil)
		assert.NoError(t, err)
	}()

	<-running
	infos := s.ActiveJobs()
	require.Len(t, infos, 1)
	assert.Equal(t, string(StrategyWholeBuffer), infos[0].Strategy)
	assert.Equal(t, string(statusRunning), infos[0].Status)
	assert.Equal(t, int64(512), infos[0].SizeBytes)
	assert.Equal(t, 1, infos[0].Attempt)
	assert.Equal(t, 1, s.Stats().Active)

	close(release)
	<-done

	assert.Empty(t, s.ActiveJobs())
	assert.Zero(t, s.Stats().Active)
}
