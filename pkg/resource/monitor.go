// Package resource provides continuous sampling of process and system
// resource usage, classifies it into pressure levels, and offers
// best-effort memory reclamation. Other components consult the current
// pressure to downgrade strategies, shrink chunk sizes, or shed cache
// weight before the process runs into real memory trouble.
package resource

import (
	"context"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/cascade-io/cascade/pkg/config"
	"github.com/cascade-io/cascade/pkg/events"
	"github.com/cascade-io/cascade/pkg/metrics"
)

// Level classifies resource usage relative to the reference ceiling.
type Level int32

const (
	// LevelOptimal means usage is below the warning threshold.
	LevelOptimal Level = iota
	// LevelWarning means usage crossed the warning threshold.
	LevelWarning
	// LevelCritical means usage crossed the critical threshold.
	LevelCritical
)

// String returns the level name used in logs, events, and metrics.
func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "optimal"
	}
}

// Reader exposes the non-blocking pressure query. Components that only
// need to consult pressure depend on this rather than the full Monitor.
type Reader interface {
	CurrentPressure() Level
}

// Snapshot is one resource sample.
type Snapshot struct {
	Timestamp            time.Time `json:"timestamp"`
	HeapAllocBytes       uint64    `json:"heap_alloc_bytes"`
	ProcessRSSBytes      uint64    `json:"process_rss_bytes"`
	SystemUsedPercent    float64   `json:"system_used_percent"`
	SystemAvailableBytes uint64    `json:"system_available_bytes"`
	CPUPercent           float64   `json:"cpu_percent"`
	Goroutines           int       `json:"goroutines"`
	CeilingBytes         uint64    `json:"ceiling_bytes"`
	Utilization          float64   `json:"utilization"`
	Level                Level     `json:"level"`
}

// Stats summarizes monitor activity since Start.
type Stats struct {
	Samples  int64    `json:"samples"`
	Reclaims int64    `json:"reclaims"`
	Last     Snapshot `json:"last"`
}

// Monitor samples resource usage on a fixed interval and classifies it.
// CurrentPressure never blocks; it reads the last classification.
type Monitor struct {
	cfg    config.ResourceConfig
	logger *zap.Logger
	bus    *events.Bus

	proc    *process.Process
	ceiling uint64

	level   atomic.Int32
	samples atomic.Int64

	lastReclaim atomic.Int64 // unix nanos of last reclaim pass
	reclaims    atomic.Int64

	mu   sync.RWMutex
	last Snapshot

	running atomic.Int32
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMonitor creates a monitor. bus may be nil when nobody listens for
// pressure transitions. The reference ceiling comes from the config, or
// from total system memory when the config leaves it unset.
func NewMonitor(cfg config.ResourceConfig, bus *events.Bus, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Monitor{
		cfg:    cfg,
		bus:    bus,
		logger: logger.With(zap.String("component", "resource")),
	}

	// Best effort: sampling falls back to runtime stats when the process
	// handle is unavailable.
	m.proc, _ = process.NewProcess(int32(os.Getpid()))

	m.ceiling = cfg.CeilingBytes()
	if m.ceiling == 0 {
		if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
			m.ceiling = vm.Total
		} else {
			m.ceiling = 4 << 30
			m.logger.Warn("system memory unknown, using fallback ceiling",
				zap.Uint64("ceiling_bytes", m.ceiling))
		}
	}

	return m
}

// Start begins periodic sampling. It takes an immediate first sample so
// CurrentPressure is meaningful right away.
func (m *Monitor) Start(ctx context.Context) {
	if !m.running.CompareAndSwap(0, 1) {
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.Sample()

	m.wg.Add(1)
	go m.loop(ctx)

	m.logger.Info("resource monitor started",
		zap.Duration("interval", m.cfg.SampleInterval),
		zap.Uint64("ceiling_bytes", m.ceiling),
		zap.Float64("warning_threshold", m.cfg.WarningThreshold),
		zap.Float64("critical_threshold", m.cfg.CriticalThreshold))
}

// Stop halts sampling. The last classification stays readable.
func (m *Monitor) Stop() {
	if !m.running.CompareAndSwap(1, 0) {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.logger.Debug("resource monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sample()
		case <-ctx.Done():
			return
		}
	}
}

// CurrentPressure returns the last classification without blocking.
func (m *Monitor) CurrentPressure() Level {
	return Level(m.level.Load())
}

// CurrentSnapshot returns a copy of the most recent sample.
func (m *Monitor) CurrentSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// GetStats returns cumulative monitor statistics.
func (m *Monitor) GetStats() Stats {
	m.mu.RLock()
	last := m.last
	m.mu.RUnlock()
	return Stats{
		Samples:  m.samples.Load(),
		Reclaims: m.reclaims.Load(),
		Last:     last,
	}
}

// Sample takes an immediate sample, updates the classification, and
// returns the snapshot. Called by the ticker loop and after reclaims.
func (m *Monitor) Sample() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	snap := Snapshot{
		Timestamp:      time.Now(),
		HeapAllocBytes: memStats.HeapAlloc,
		Goroutines:     runtime.NumGoroutine(),
		CeilingBytes:   m.ceiling,
	}

	if m.proc != nil {
		if info, err := m.proc.MemoryInfo(); err == nil {
			snap.ProcessRSSBytes = info.RSS
		}
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.SystemUsedPercent = vm.UsedPercent
		snap.SystemAvailableBytes = vm.Available
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	// Utilization is the process footprint against the reference ceiling.
	// RSS is preferred; heap allocation covers environments where the
	// process handle is unavailable.
	used := snap.ProcessRSSBytes
	if used == 0 {
		used = snap.HeapAllocBytes
	}
	snap.Utilization = float64(used) / float64(m.ceiling)
	snap.Level = m.classify(snap.Utilization)

	previous := Level(m.level.Swap(int32(snap.Level)))

	m.mu.Lock()
	m.last = snap
	m.mu.Unlock()
	m.samples.Add(1)

	metrics.PressureLevel.Set(float64(snap.Level))
	metrics.MemoryUsedBytes.Set(float64(used))

	if previous != snap.Level {
		m.announceTransition(previous, snap)
	}

	return snap
}

func (m *Monitor) classify(utilization float64) Level {
	switch {
	case utilization >= m.cfg.CriticalThreshold:
		return LevelCritical
	case utilization >= m.cfg.WarningThreshold:
		return LevelWarning
	default:
		return LevelOptimal
	}
}

func (m *Monitor) announceTransition(previous Level, snap Snapshot) {
	fields := []zap.Field{
		zap.String("previous", previous.String()),
		zap.String("current", snap.Level.String()),
		zap.Float64("utilization", snap.Utilization),
		zap.Uint64("rss_bytes", snap.ProcessRSSBytes),
	}
	if snap.Level > previous {
		m.logger.Warn("resource pressure increased", fields...)
	} else {
		m.logger.Info("resource pressure eased", fields...)
	}

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:   events.TypePressureChanged,
			Source: "resource",
			Payload: events.PressureChangedPayload{
				Previous:          previous.String(),
				Current:           snap.Level.String(),
				MemoryUsedBytes:   snap.ProcessRSSBytes,
				MemoryUtilization: snap.Utilization,
				CPUPercent:        snap.CPUPercent,
			},
		})
	}
}

// RequestReclaim runs a best-effort memory reclamation pass: two GC
// cycles followed by returning freed pages to the OS. Requests inside
// the cooldown window are dropped. Returns whether a pass ran.
func (m *Monitor) RequestReclaim() bool {
	now := time.Now().UnixNano()
	last := m.lastReclaim.Load()
	if cooldown := m.cfg.ReclaimCooldown; cooldown > 0 && now-last < cooldown.Nanoseconds() {
		return false
	}
	if !m.lastReclaim.CompareAndSwap(last, now) {
		// Another caller won the race inside this window.
		return false
	}

	start := time.Now()
	runtime.GC()
	runtime.GC() // second pass collects what the first one exposed
	debug.FreeOSMemory()

	m.reclaims.Add(1)
	metrics.ReclaimsTotal.Inc()

	snap := m.Sample()
	m.logger.Info("memory reclaim pass completed",
		zap.Duration("took", time.Since(start)),
		zap.Float64("utilization", snap.Utilization),
		zap.String("pressure", snap.Level.String()))

	return true
}
