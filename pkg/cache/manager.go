// Package cache implements the tiered result cache: four retention
// tiers with usage-driven promotion, cost-based placement, and
// predictive pre-warming of keys that are statistically likely to be
// requested soon.
//
// # Overview
//
// Lookups walk predictive, fast, medium, slow in that order. A hit is
// copied one tier up so repeat consumers find it earlier; the slower
// copy stays until its own expiry. A full miss runs the compute
// function exactly once per key (concurrent callers share the result),
// measures its wall-clock cost, and places the value by cost and
// observed access frequency: cheap and infrequent values go to the
// short-lived fast tier, moderate ones to medium, and expensive or
// popular ones to the long-retention slow tier.
//
// Background maintenance sweeps entries that have not been accessed
// within the inactivity window, prunes the access-pattern table, and
// demotes the least-frequently-used fast entries once that tier
// outgrows its capacity. When wired to the event bus, the manager also
// listens for pressure transitions and sheds load as soon as the
// resource monitor reports critical.
//
// # Basic Usage
//
//	manager, err := cache.NewManager(cfg.Cache, bus, logger)
//	if err != nil {
//		return err
//	}
//	defer manager.Close()
//
//	lookup, err := manager.GetOrCompute(ctx, "report_2024_q3", func(ctx context.Context) ([]byte, error) {
//		return expensiveRender(ctx)
//	})
//	if err != nil {
//		return err
//	}
//	fmt.Println(lookup.Source) // "compute" first, a tier name after
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/cascade-io/cascade/pkg/compression"
	"github.com/cascade-io/cascade/pkg/config"
	"github.com/cascade-io/cascade/pkg/errors"
	"github.com/cascade-io/cascade/pkg/events"
	"github.com/cascade-io/cascade/pkg/metrics"
)

// ComputeFunc produces the value for a missing key.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Lookup is the outcome of GetOrCompute. Source is the tier that served
// the value, or SourceCompute when the compute function ran. Callers
// must not modify Data.
type Lookup struct {
	Data   []byte `json:"-"`
	Source string `json:"source"`
}

// Stats is a snapshot of manager counters and tier occupancy.
type Stats struct {
	Hits         int64          `json:"hits"`
	Misses       int64          `json:"misses"`
	Computes     int64          `json:"computes"`
	Promotions   int64          `json:"promotions"`
	Demotions    int64          `json:"demotions"`
	PrewarmSeeds int64          `json:"prewarm_seeds"`
	Swept        int64          `json:"swept"`
	Sheds        int64          `json:"sheds"`
	HitRatio     float64        `json:"hit_ratio"`
	TierEntries  map[string]int `json:"tier_entries"`
	TrackedKeys  int            `json:"tracked_keys"`
}

// Manager owns the four tiers, the access-pattern table, and the
// background maintenance loop. Safe for concurrent use.
type Manager struct {
	cfg    config.CacheConfig
	logger *zap.Logger

	predictive *store
	fast       *store
	medium     *store
	slow       *store
	order      [4]*store

	tracker     *tracker
	group       singleflight.Group
	compressor  compression.Compressor
	workers     *ants.Pool
	pressureSub *events.Subscription

	hits       atomic.Int64
	misses     atomic.Int64
	computes   atomic.Int64
	promotions atomic.Int64
	demotions  atomic.Int64
	seeds      atomic.Int64
	swept      atomic.Int64
	sheds      atomic.Int64

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewManager builds a manager from the cache section of the config and
// starts the maintenance loop when a sweep interval is configured. bus,
// when non-nil, subscribes the manager to pressure transitions so it
// can shed load under critical pressure.
func NewManager(cfg config.CacheConfig, bus *events.Bus, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var compressor compression.Compressor
	if cfg.IsCompressionEnabled() {
		algo, err := compression.ParseAlgorithm(cfg.CompressionAlgorithm)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid cache compression algorithm")
		}
		compressor, err = compression.NewCompressor(&compression.Config{
			Algorithm: algo,
			Level:     compression.Default,
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to build cache compressor")
		}
	}

	poolSize := cfg.PrewarmWorkers
	if poolSize <= 0 {
		poolSize = 1
	}
	workers, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to create cache workers")
	}

	m := &Manager{
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "cache")),
		predictive: newStore(TierPredictive),
		fast:       newStore(TierFast),
		medium:     newStore(TierMedium),
		slow:       newStore(TierSlow),
		tracker:    newTracker(cfg.PopularityThreshold, cfg.KeyDelimiter),
		compressor: compressor,
		workers:    workers,
		stopCh:     make(chan struct{}),
	}
	m.order = [4]*store{m.predictive, m.fast, m.medium, m.slow}

	if cfg.SweepInterval > 0 {
		m.wg.Add(1)
		go m.maintenanceLoop()
	}
	if bus != nil {
		m.pressureSub = bus.Subscribe(events.TypePressureChanged)
		m.wg.Add(1)
		go m.pressureLoop()
	}

	return m, nil
}

// GetOrCompute returns the cached value for key, computing and caching
// it on a miss. Concurrent calls for the same key run compute once and
// share the result. A compute failure is returned as a cache_compute
// error and nothing is cached.
func (m *Manager) GetOrCompute(ctx context.Context, key string, compute ComputeFunc) (*Lookup, error) {
	if key == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "cache key is empty")
	}
	if compute == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "compute function is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCancelled, "cache lookup cancelled")
	}

	m.tracker.record(key, time.Now())

	if lk := m.lookup(key); lk != nil {
		m.recordOutcome(lk.Source)
		return lk, nil
	}

	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		return m.fill(ctx, key, compute)
	})
	if err != nil {
		m.recordOutcome(SourceCompute)
		return nil, err
	}
	lk := v.(*Lookup)
	m.recordOutcome(lk.Source)
	return lk, nil
}

// fill runs inside the flight slot: re-check the tiers, then compute,
// place, and schedule prewarming.
func (m *Manager) fill(ctx context.Context, key string, compute ComputeFunc) (*Lookup, error) {
	// Another caller may have filled the key while this one waited for
	// the flight slot.
	if lk := m.lookup(key); lk != nil {
		return lk, nil
	}

	start := time.Now()
	data, err := compute(ctx)
	cost := time.Since(start)
	metrics.CacheComputeDuration.Observe(cost.Seconds())
	m.computes.Add(1)

	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCacheCompute, "cache compute failed")
	}

	tier := m.classifyTier(cost, m.tracker.frequency(key))
	m.store(tier).put(m.newEntry(key, data, tier))
	m.logger.Debug("cached computed value",
		zap.String("key", key),
		zap.String("tier", string(tier)),
		zap.Duration("cost", cost),
		zap.Int("bytes", len(data)))

	m.schedulePrewarm(key, data)

	return &Lookup{Data: data, Source: SourceCompute}, nil
}

// recordOutcome classifies one finished GetOrCompute by where the value
// actually came from. A caller that joined a flight and was served by
// the double-checked tier lookup scored a hit, not a miss.
func (m *Manager) recordOutcome(source string) {
	if source == SourceCompute {
		m.misses.Add(1)
		metrics.CacheRequests.WithLabelValues("none", "miss").Inc()
		return
	}
	m.hits.Add(1)
}

// lookup walks the tiers in order and returns the first live hit,
// promoting it one tier up.
func (m *Manager) lookup(key string) *Lookup {
	now := time.Now()
	for _, st := range m.order {
		e, ok := st.get(key, now)
		if !ok {
			continue
		}
		data, err := m.decode(e)
		if err != nil {
			st.remove(key)
			m.logger.Warn("dropping undecodable entry",
				zap.String("key", key),
				zap.String("tier", string(st.name)),
				zap.Error(err))
			continue
		}
		metrics.CacheRequests.WithLabelValues(string(st.name), "hit").Inc()
		m.promote(st.name, key, data, now)
		return &Lookup{Data: data, Source: string(st.name)}
	}
	return nil
}

// classifyTier picks the retention tier for a freshly computed value.
// Cheap, unremarkable values go to fast where they expire quickly;
// expensive or popular values earn the long-retention slow tier.
func (m *Manager) classifyTier(cost time.Duration, frequency int64) Tier {
	popular := frequency > m.cfg.PopularityThreshold
	switch {
	case cost > m.cfg.ModerateCost || popular:
		return TierSlow
	case cost > m.cfg.CheapCost:
		return TierMedium
	default:
		return TierFast
	}
}

// promotionTarget returns the tier a hit is copied into. Slow climbs to
// medium, medium to fast; a predictive hit confirms the speculation and
// joins the ladder at fast. Fast is the top.
func promotionTarget(t Tier) (Tier, bool) {
	switch t {
	case TierSlow:
		return TierMedium, true
	case TierMedium, TierPredictive:
		return TierFast, true
	default:
		return "", false
	}
}

// promote copies a hit one tier up. The slower entry stays in place
// until its own expiry.
func (m *Manager) promote(from Tier, key string, data []byte, now time.Time) {
	target, ok := promotionTarget(from)
	if !ok {
		return
	}
	dst := m.store(target)
	if dst.contains(key, now) {
		return
	}
	dst.put(m.newEntry(key, data, target))
	m.promotions.Add(1)
	metrics.CachePromotions.WithLabelValues(string(from), string(target)).Inc()
	m.logger.Debug("promoted entry",
		zap.String("key", key),
		zap.String("from", string(from)),
		zap.String("to", string(target)))
}

// schedulePrewarm hands predictive seeding to the worker pool. Dropped
// silently when the pool is saturated or released.
func (m *Manager) schedulePrewarm(key string, data []byte) {
	if err := m.workers.Submit(func() {
		m.prewarm(key, data)
	}); err != nil {
		m.logger.Debug("prewarm skipped", zap.String("key", key), zap.Error(err))
	}
}

// prewarm seeds the predictive tier with the just-computed value for
// every related key whose caching probability clears the threshold. A
// related key shares a delimiter token with the computed key. When any
// related key qualifies, the value is also planted under its own key as
// predicted demand.
func (m *Manager) prewarm(key string, data []byte) {
	now := time.Now()
	seeded := 0
	for _, related := range m.tracker.relatedKeys(key) {
		if m.tracker.cachingProbability(related, now) <= m.cfg.PredictiveThreshold {
			continue
		}
		if m.predictive.contains(related, now) {
			continue
		}
		m.predictive.put(m.newEntry(related, data, TierPredictive))
		m.seeds.Add(1)
		metrics.PrewarmSeeds.Inc()
		seeded++
	}
	if seeded > 0 {
		if !m.predictive.contains(key, now) {
			m.predictive.put(m.newEntry(key, data, TierPredictive))
			m.seeds.Add(1)
			metrics.PrewarmSeeds.Inc()
		}
		m.logger.Debug("seeded predictive tier",
			zap.String("key", key),
			zap.Int("related", seeded))
	}
}

// newEntry builds an entry for a tier, compressing slow-tier values
// above the size threshold.
func (m *Manager) newEntry(key string, data []byte, tier Tier) *Entry {
	e := &Entry{
		Key:        key,
		Data:       data,
		Tier:       tier,
		InsertedAt: time.Now(),
		TTL:        m.ttlFor(tier),
	}
	if tier == TierSlow && m.compressor != nil && len(data) >= m.cfg.CompressionThreshold {
		compressed, err := m.compressor.Compress(data)
		if err != nil {
			m.logger.Warn("storing slow entry uncompressed",
				zap.String("key", key), zap.Error(err))
			return e
		}
		e.Data = compressed
		e.Compressed = true
	}
	return e
}

// decode returns the entry's value, decompressing when needed.
func (m *Manager) decode(e *Entry) ([]byte, error) {
	if !e.Compressed {
		return e.Data, nil
	}
	if m.compressor == nil {
		return nil, errors.New(errors.ErrorTypeInternal, "compressed entry without compressor")
	}
	return m.compressor.Decompress(e.Data)
}

func (m *Manager) ttlFor(tier Tier) time.Duration {
	switch tier {
	case TierPredictive:
		return m.cfg.PredictiveTTL
	case TierFast:
		return m.cfg.FastTTL
	case TierMedium:
		return m.cfg.MediumTTL
	default:
		return m.cfg.SlowTTL
	}
}

func (m *Manager) store(tier Tier) *store {
	switch tier {
	case TierPredictive:
		return m.predictive
	case TierFast:
		return m.fast
	case TierMedium:
		return m.medium
	default:
		return m.slow
	}
}

// Stats returns a snapshot of manager counters and tier occupancy.
func (m *Manager) Stats() Stats {
	hits := m.hits.Load()
	misses := m.misses.Load()
	s := Stats{
		Hits:         hits,
		Misses:       misses,
		Computes:     m.computes.Load(),
		Promotions:   m.promotions.Load(),
		Demotions:    m.demotions.Load(),
		PrewarmSeeds: m.seeds.Load(),
		Swept:        m.swept.Load(),
		Sheds:        m.sheds.Load(),
		TierEntries:  make(map[string]int, len(m.order)),
		TrackedKeys:  m.tracker.len(),
	}
	if total := hits + misses; total > 0 {
		s.HitRatio = float64(hits) / float64(total)
	}
	for _, st := range m.order {
		s.TierEntries[string(st.name)] = st.len()
	}
	return s
}

// Close stops the background loops, drops the pressure subscription,
// and releases the worker pool.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
		if m.pressureSub != nil {
			m.pressureSub.Unsubscribe()
		}
		m.workers.Release()
		m.logger.Info("cache closed")
	})
}
