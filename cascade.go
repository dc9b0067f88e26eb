package cascade

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/cascade-io/cascade/internal/pipeline"
	"github.com/cascade-io/cascade/pkg/cache"
	"github.com/cascade-io/cascade/pkg/config"
	"github.com/cascade-io/cascade/pkg/errors"
	"github.com/cascade-io/cascade/pkg/events"
	"github.com/cascade-io/cascade/pkg/gate"
	"github.com/cascade-io/cascade/pkg/intake"
	"github.com/cascade-io/cascade/pkg/observability"
	"github.com/cascade-io/cascade/pkg/resource"
)

// System owns one fully wired pipeline instance: the event bus, the
// resource monitor, the admission gate, the stream engine, the result
// cache, and the intake selector. Construct it once at process start,
// call Start, and await Close before exit. There is no package-level
// shared state; independent Systems do not interfere.
type System struct {
	cfg    *config.Config
	logger *zap.Logger

	bus      *events.Bus
	monitor  *resource.Monitor
	gate     *gate.Gate
	engine   *pipeline.StreamEngine
	cache    *cache.Manager
	selector *intake.Selector
	tracer   *observability.Tracer

	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

// Stats aggregates the per-component snapshots of a System.
type Stats struct {
	Intake   intake.Stats         `json:"intake"`
	Engine   pipeline.EngineStats `json:"engine"`
	Cache    cache.Stats          `json:"cache"`
	Resource resource.Stats       `json:"resource"`
	Gate     gate.Stats           `json:"gate"`
}

// New builds a System from the configuration. A nil config selects
// defaults; a nil logger disables logging. The resource monitor does not
// sample until Start.
func New(cfg *config.Config, logger *zap.Logger) (*System, error) {
	if cfg == nil {
		cfg = config.DefaultConfig("cascade")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid configuration")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tracer, err := observability.NewTracer(cfg.Name, cfg.Observability)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to build tracer")
	}

	bus := events.NewBus(0, logger)
	monitor := resource.NewMonitor(cfg.Resource, bus, logger)
	g := gate.New(cfg.Concurrency.Permits(), logger)
	engine := pipeline.NewStreamEngine(cfg.Stream, monitor, bus, logger)

	cacheManager, err := cache.NewManager(cfg.Cache, bus, logger)
	if err != nil {
		g.Close()
		bus.Close()
		if shutdownErr := tracer.Shutdown(context.Background()); shutdownErr != nil {
			logger.Warn("tracer shutdown failed during teardown", zap.Error(shutdownErr))
		}
		return nil, err
	}

	selector := intake.NewSelector(cfg.Intake, intake.Deps{
		Engine:   engine,
		Gate:     g,
		Pressure: monitor,
		Cache:    cacheManager,
		Bus:      bus,
		Tracer:   tracer,
	}, logger)

	return &System{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "system")),
		bus:      bus,
		monitor:  monitor,
		gate:     g,
		engine:   engine,
		cache:    cacheManager,
		selector: selector,
		tracer:   tracer,
	}, nil
}

// Start begins background work, currently just resource sampling. The
// context bounds the monitor's lifetime; Close also stops it.
func (s *System) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.monitor.Start(ctx)
		s.logger.Info("system started",
			zap.String("name", s.cfg.Name),
			zap.Int("max_concurrent", s.gate.Capacity()))
	})
}

// Submit processes one input under the size-derived strategy.
func (s *System) Submit(ctx context.Context, input intake.Input, process intake.ProcessFunc, opts *intake.SubmitOptions) (*intake.Result, error) {
	return s.selector.Submit(ctx, input, process, opts)
}

// SubmitBytes processes an in-memory payload.
func (s *System) SubmitBytes(ctx context.Context, data []byte, process intake.ProcessFunc, opts *intake.SubmitOptions) (*intake.Result, error) {
	return s.selector.SubmitBytes(ctx, data, process, opts)
}

// SubmitFile processes a file, resolving its size from the filesystem.
func (s *System) SubmitFile(ctx context.Context, path string, process intake.ProcessFunc, opts *intake.SubmitOptions) (*intake.Result, error) {
	return s.selector.SubmitFile(ctx, path, process, opts)
}

// SubmitBatch processes the items with bounded concurrency, isolating
// per-item failures.
func (s *System) SubmitBatch(ctx context.Context, items []intake.BatchItem, process intake.ProcessFunc, workers int) (*intake.Summary, error) {
	return s.selector.SubmitBatch(ctx, items, process, workers)
}

// SubmitFiles processes a batch of file paths.
func (s *System) SubmitFiles(ctx context.Context, paths []string, process intake.ProcessFunc, workers int) (*intake.Summary, error) {
	return s.selector.SubmitFiles(ctx, paths, process, workers)
}

// GetOrCompute serves key from the tiered cache, running compute on a
// miss. Concurrent callers for the same key share one computation.
func (s *System) GetOrCompute(ctx context.Context, key string, compute cache.ComputeFunc) (*cache.Lookup, error) {
	return s.cache.GetOrCompute(ctx, key, compute)
}

// Subscribe registers an observer for the given event types, all types
// when none are named. The caller must Unsubscribe when done.
func (s *System) Subscribe(types ...events.Type) *events.Subscription {
	return s.bus.Subscribe(types...)
}

// Pressure returns the current resource pressure classification.
func (s *System) Pressure() resource.Level {
	return s.monitor.CurrentPressure()
}

// ResourceSnapshot returns the most recent resource sample.
func (s *System) ResourceSnapshot() resource.Snapshot {
	return s.monitor.CurrentSnapshot()
}

// Stats returns a point-in-time snapshot across all components.
func (s *System) Stats() Stats {
	return Stats{
		Intake:   s.selector.Stats(),
		Engine:   s.engine.Stats(),
		Cache:    s.cache.Stats(),
		Resource: s.monitor.GetStats(),
		Gate:     s.gate.Stats(),
	}
}

// Config returns the configuration the System was built with.
func (s *System) Config() *config.Config {
	return s.cfg
}

// Close tears the System down in reverse dependency order: sampling
// stops, the gate rejects new admissions, pooled stages and cache loops
// drain, the bus closes subscriber channels, and buffered spans flush.
// In-flight submissions should finish or be cancelled first.
func (s *System) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.monitor.Stop()
		s.gate.Close()
		s.engine.Close()
		s.cache.Close()
		s.bus.Close()
		s.closeErr = s.tracer.Shutdown(ctx)
		s.logger.Info("system closed")
	})
	return s.closeErr
}
