package pipeline

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cascade-io/cascade/pkg/config"
	"github.com/cascade-io/cascade/pkg/errors"
	"github.com/cascade-io/cascade/pkg/events"
	"github.com/cascade-io/cascade/pkg/resource"
)

func testStreamConfig() config.StreamConfig {
	return config.StreamConfig{
		BaseChunkSize:         8 * 1024,
		MinChunkSize:          2 * 1024,
		MaxChunkSize:          64 * 1024,
		BackpressureThreshold: 8,
		ResumeFactor:          0.7,
		IdleTimeout:           time.Minute,
		SampleHistory:         16,
	}
}

// stubResources drives the engine with a fixed pressure level.
type stubResources struct {
	level    atomic.Int32
	reclaims atomic.Int32
}

func (s *stubResources) CurrentPressure() resource.Level {
	return resource.Level(s.level.Load())
}

func (s *stubResources) RequestReclaim() bool {
	s.reclaims.Add(1)
	return true
}

func patternBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func copyProcess(_ context.Context, chunk []byte, _ int) ([]byte, error) {
	out := make([]byte, len(chunk))
	copy(out, chunk)
	return out, nil
}

func TestRunPreservesOrderAndByteCount(t *testing.T) {
	engine := NewStreamEngine(testStreamConfig(), nil, nil, zaptest.NewLogger(t))
	defer engine.Close()

	input := patternBytes(300 * 1024)
	res, err := engine.Run(context.Background(), bytes.NewReader(input), int64(len(input)), copyProcess, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(len(input)), res.Metrics.BytesRead)
	assert.Equal(t, int64(len(input)), res.Metrics.BytesOut)
	assert.Equal(t, len(res.Results), res.Metrics.Chunks)
	assert.Greater(t, res.Metrics.Chunks, 1)

	var joined []byte
	for _, chunk := range res.Results {
		joined = append(joined, chunk...)
	}
	assert.True(t, bytes.Equal(input, joined), "reassembled output must match input byte for byte")
}

func TestRunEmptyInput(t *testing.T) {
	engine := NewStreamEngine(testStreamConfig(), nil, nil, zaptest.NewLogger(t))
	defer engine.Close()

	res, err := engine.Run(context.Background(), bytes.NewReader(nil), 0, copyProcess, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Results)
	assert.Zero(t, res.Metrics.Chunks)
	assert.Zero(t, res.Metrics.BytesRead)
}

func TestRunChunkErrorFailsRun(t *testing.T) {
	engine := NewStreamEngine(testStreamConfig(), nil, nil, zaptest.NewLogger(t))
	defer engine.Close()

	boom := errors.New(errors.ErrorTypeProcessing, "stage exploded")
	process := func(_ context.Context, chunk []byte, index int) ([]byte, error) {
		if index == 2 {
			return nil, boom
		}
		return copyProcess(nil, chunk, index)
	}

	input := patternBytes(200 * 1024)
	res, err := engine.Run(context.Background(), bytes.NewReader(input), int64(len(input)), process, nil)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errors.IsType(err, errors.ErrorTypeProcessing))

	stats := engine.Stats()
	assert.Equal(t, int64(1), stats.Failures)
}

func TestRunDeclaredSizeMismatch(t *testing.T) {
	engine := NewStreamEngine(testStreamConfig(), nil, nil, zaptest.NewLogger(t))
	defer engine.Close()

	input := patternBytes(10 * 1024)
	_, err := engine.Run(context.Background(), bytes.NewReader(input), int64(len(input))*2, copyProcess, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeStream))
}

func TestRunUnknownSizeSkipsCheck(t *testing.T) {
	engine := NewStreamEngine(testStreamConfig(), nil, nil, zaptest.NewLogger(t))
	defer engine.Close()

	input := patternBytes(10 * 1024)
	res, err := engine.Run(context.Background(), bytes.NewReader(input), -1, copyProcess, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(input)), res.Metrics.BytesRead)
}

func TestRunCancellation(t *testing.T) {
	engine := NewStreamEngine(testStreamConfig(), nil, nil, zaptest.NewLogger(t))
	defer engine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, 1)
	process := func(ctx context.Context, chunk []byte, _ int) ([]byte, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	go func() {
		<-started
		cancel()
	}()

	input := patternBytes(256 * 1024)
	_, err := engine.Run(ctx, bytes.NewReader(input), int64(len(input)), process, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCancelled) || errors.IsType(err, errors.ErrorTypeProcessing))
}

func TestRunValidatesArguments(t *testing.T) {
	engine := NewStreamEngine(testStreamConfig(), nil, nil, zaptest.NewLogger(t))
	defer engine.Close()

	_, err := engine.Run(context.Background(), nil, 0, copyProcess, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = engine.Run(context.Background(), bytes.NewReader(nil), 0, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestRunUnderCriticalPressureUsesMinChunks(t *testing.T) {
	res := &stubResources{}
	res.level.Store(int32(resource.LevelCritical))

	cfg := testStreamConfig()
	engine := NewStreamEngine(cfg, res, nil, zaptest.NewLogger(t))
	defer engine.Close()

	input := patternBytes(64 * 1024)
	result, err := engine.Run(context.Background(), bytes.NewReader(input), int64(len(input)), copyProcess, nil)
	require.NoError(t, err)

	assert.Equal(t, cfg.MinChunkSize, result.Metrics.MaxChunkBytes,
		"critical pressure must floor every chunk at the minimum size")
	assert.Positive(t, result.Metrics.ReclaimRequests)
	assert.Positive(t, res.reclaims.Load())
}

func TestRunHonorsConcurrencyLimit(t *testing.T) {
	engine := NewStreamEngine(testStreamConfig(), nil, nil, zaptest.NewLogger(t))
	defer engine.Close()

	var active, peak atomic.Int32
	process := func(_ context.Context, chunk []byte, _ int) ([]byte, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		active.Add(-1)
		out := make([]byte, len(chunk))
		copy(out, chunk)
		return out, nil
	}

	input := patternBytes(256 * 1024)
	_, err := engine.Run(context.Background(), bytes.NewReader(input), int64(len(input)), process,
		&RunOptions{Concurrency: 3})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRunCallbacks(t *testing.T) {
	engine := NewStreamEngine(testStreamConfig(), nil, nil, zaptest.NewLogger(t))
	defer engine.Close()

	var updates []ProgressUpdate
	var resultCount atomic.Int32
	opts := &RunOptions{
		OnResult: func(_ int, _ []byte) {
			resultCount.Add(1)
		},
		OnProgress: func(u ProgressUpdate) {
			updates = append(updates, u)
		},
	}

	input := patternBytes(100 * 1024)
	res, err := engine.Run(context.Background(), bytes.NewReader(input), int64(len(input)), copyProcess, opts)
	require.NoError(t, err)

	assert.Equal(t, int32(res.Metrics.Chunks), resultCount.Load())
	require.NotEmpty(t, updates)

	last := updates[len(updates)-1]
	assert.Equal(t, int64(len(input)), last.BytesComplete)
	assert.InDelta(t, 100.0, last.Percent, 0.01)
	for i := 1; i < len(updates); i++ {
		assert.Greater(t, updates[i].BytesComplete, updates[i-1].BytesComplete)
	}
}

func TestRunEmitsMetricsEvents(t *testing.T) {
	bus := events.NewBus(32, zaptest.NewLogger(t))
	defer bus.Close()
	sub := bus.Subscribe(events.TypeMetrics)

	cfg := testStreamConfig()
	cfg.MetricsInterval = 5 * time.Millisecond
	engine := NewStreamEngine(cfg, nil, bus, zaptest.NewLogger(t))
	defer engine.Close()

	slow := func(_ context.Context, chunk []byte, idx int) ([]byte, error) {
		time.Sleep(10 * time.Millisecond)
		return copyProcess(nil, chunk, idx)
	}

	input := patternBytes(64 * 1024)
	_, err := engine.Run(context.Background(), bytes.NewReader(input), int64(len(input)), slow,
		&RunOptions{Concurrency: 1})
	require.NoError(t, err)

	select {
	case evt := <-sub.C():
		assert.Equal(t, events.TypeMetrics, evt.Type)
		assert.Equal(t, "stream_engine", evt.Source)
		_, ok := evt.Payload.(events.MetricsPayload)
		assert.True(t, ok)
	default:
		t.Fatal("expected at least one metrics event during the run")
	}
}

func TestRunFeedsSharedSampleHistory(t *testing.T) {
	engine := NewStreamEngine(testStreamConfig(), nil, nil, zaptest.NewLogger(t))
	defer engine.Close()

	input := patternBytes(64 * 1024)
	_, err := engine.Run(context.Background(), bytes.NewReader(input), int64(len(input)), copyProcess,
		&RunOptions{Name: "warmup"})
	require.NoError(t, err)

	recorded := engine.history.size()
	require.Positive(t, recorded, "a completed run must leave samples behind")

	// A later run sees those samples: the blend can pull its very first
	// chunk away from the configured base size.
	_, err = engine.Run(context.Background(), bytes.NewReader(input), int64(len(input)), copyProcess,
		&RunOptions{Name: "followup"})
	require.NoError(t, err)
	assert.Greater(t, engine.history.size(), recorded)

	best, ok := engine.history.bestThroughput()
	require.True(t, ok)
	assert.Positive(t, best)
}

func TestRunReusesStages(t *testing.T) {
	engine := NewStreamEngine(testStreamConfig(), nil, nil, zaptest.NewLogger(t))
	defer engine.Close()

	input := patternBytes(32 * 1024)
	opts := &RunOptions{Concurrency: 2}
	for i := 0; i < 3; i++ {
		_, err := engine.Run(context.Background(), bytes.NewReader(input), int64(len(input)), copyProcess, opts)
		require.NoError(t, err)
	}

	stats := engine.Stats()
	assert.Equal(t, int64(3), stats.Runs)
	assert.Equal(t, 1, stats.ActiveStages, "identical runs share one stage")
}
