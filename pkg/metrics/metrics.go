// Package metrics provides performance tracking and observability for Cascade
// using Prometheus metrics. It offers collectors for job throughput, stream
// chunk sizing, cache tier activity, resource pressure, and admission control.
//
// # Overview
//
// The metrics package provides:
//   - Prometheus-compatible metrics collection
//   - Pre-defined metrics for every processing stage
//   - Throughput and latency tracking utilities
//   - Thread-safe metric recording
//   - Automatic metric registration via promauto
//
// # Basic Usage
//
//	// Record a completed job
//	metrics.JobsTotal.WithLabelValues("streamed", "completed").Inc()
//
//	// Track processing latency
//	timer := metrics.NewTimer("submit")
//	result, err := selector.Submit(ctx, input, opts)
//	metrics.JobDuration.WithLabelValues("streamed").Observe(timer.Stop().Seconds())
//
//	// Track throughput
//	tracker := metrics.NewThroughputTracker("stream")
//	for chunk := range chunks {
//	    process(chunk)
//	    tracker.Increment(int64(len(chunk)))
//	}
//	bytesPerSec := tracker.GetAndReset()
//
// # Metric Types
//
// Counter: Monotonically increasing values (e.g., total jobs processed)
// Gauge: Values that can go up or down (e.g., in-flight admissions)
// Histogram: Distribution of values (e.g., chunk sizes, job durations)
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cascade"

// Intake metrics.
var (
	// JobsTotal counts terminal job outcomes.
	// Labels: strategy (whole_buffer/streamed/chunked), status (completed/failed)
	//
	// Example:
	//	metrics.JobsTotal.WithLabelValues("chunked", "completed").Inc()
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "jobs_total",
			Help:      "Total number of jobs by strategy and terminal status",
		},
		[]string{"strategy", "status"},
	)

	// JobRetries counts retry attempts after recoverable failures.
	JobRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "job_retries_total",
			Help:      "Total number of job retry attempts",
		},
		[]string{"strategy"},
	)

	// JobDuration tracks end-to-end job latency per strategy, retries included.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "job_duration_seconds",
			Help:      "End-to-end job duration in seconds",
			Buckets: []float64{
				0.001, // 1ms - cached or tiny inputs
				0.01,  // 10ms - small buffered inputs
				0.1,   // 100ms - streamed inputs
				0.5,   // 500ms
				1,     // 1s - large streamed inputs
				5,     // 5s - chunked inputs
				30,    // 30s
				120,   // 2m - chunked inputs under pressure
			},
		},
		[]string{"strategy"},
	)

	// BytesProcessed counts input bytes that completed processing.
	BytesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "bytes_processed_total",
			Help:      "Total input bytes processed",
		},
		[]string{"strategy"},
	)

	// ActiveJobs tracks jobs currently running.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "jobs_active",
			Help:      "Number of jobs currently running",
		},
	)

	// StrategyDowngrades counts submissions demoted one level under
	// critical pressure.
	StrategyDowngrades = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "strategy_downgrades_total",
			Help:      "Submissions downgraded one strategy level due to critical pressure",
		},
	)
)

// Stream engine metrics.
var (
	// ChunkBytes tracks the distribution of adaptive chunk sizes actually used.
	ChunkBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "chunk_bytes",
			Help:      "Distribution of adaptive chunk sizes in bytes",
			Buckets: []float64{
				16 * 1024,   // floor under critical pressure
				32 * 1024,   // halved once under warning
				64 * 1024,   // base chunk size
				128 * 1024,  // first growth step
				256 * 1024,  // sustained optimal conditions
				512 * 1024,  // near ceiling
				1024 * 1024, // configured ceiling
			},
		},
	)

	// BackpressureSuspensions counts reader suspensions due to pending results.
	BackpressureSuspensions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "backpressure_suspensions_total",
			Help:      "Times the chunk reader was suspended by backpressure",
		},
	)

	// BackpressureWait tracks how long the reader stayed suspended.
	BackpressureWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "backpressure_wait_seconds",
			Help:      "Time spent suspended waiting for pending results to drain",
			Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 1, 10},
		},
	)

	// StagesActive tracks live pipeline stages across all runs.
	StagesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "stages_active",
			Help:      "Number of pipeline stages currently pooled or running",
		},
	)
)

// Cache metrics.
var (
	// CacheRequests counts lookups by the tier that answered them.
	// A miss is labeled tier="none", result="miss".
	//
	// Example:
	//	metrics.CacheRequests.WithLabelValues("fast", "hit").Inc()
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Cache lookups by answering tier and result",
		},
		[]string{"tier", "result"},
	)

	// CachePromotions counts entries copied toward faster tiers on access.
	CachePromotions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "promotions_total",
			Help:      "Entries promoted between tiers",
		},
		[]string{"from", "to"},
	)

	// CacheEntries tracks live entry counts per tier.
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Current number of entries per tier",
		},
		[]string{"tier"},
	)

	// CacheComputeDuration tracks miss-path compute cost, which also drives
	// tier classification.
	CacheComputeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "compute_duration_seconds",
			Help:      "Time spent computing values on cache miss",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		},
	)

	// PrewarmSeeds counts entries speculatively placed in the predictive tier.
	PrewarmSeeds = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "prewarm_seeds_total",
			Help:      "Entries seeded into the predictive tier by prewarming",
		},
	)
)

// Resource metrics.
var (
	// PressureLevel exposes the current classification as a numeric level:
	// 0 optimal, 1 warning, 2 critical.
	PressureLevel = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resource",
			Name:      "pressure_level",
			Help:      "Current pressure classification (0 optimal, 1 warning, 2 critical)",
		},
	)

	// MemoryUsedBytes tracks sampled process memory usage.
	MemoryUsedBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resource",
			Name:      "memory_used_bytes",
			Help:      "Process memory usage from the last sample",
		},
	)

	// ReclaimsTotal counts best-effort memory reclamation passes.
	ReclaimsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resource",
			Name:      "reclaims_total",
			Help:      "Best-effort memory reclamation passes triggered",
		},
	)
)

// Admission gate metrics.
var (
	// GateInFlight tracks permits currently held.
	GateInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "in_flight",
			Help:      "Admission permits currently held",
		},
	)

	// GateWaiting tracks callers queued for a permit.
	GateWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "waiting",
			Help:      "Callers queued waiting for an admission permit",
		},
	)

	// GateWaitDuration tracks time spent queued before admission.
	GateWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for an admission permit",
			Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 1, 10, 60},
		},
	)
)

// Throughput tracks bytes per second per component.
var Throughput = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "throughput_bytes_per_second",
		Help:      "Current throughput in bytes per second",
	},
	[]string{"component"},
)

// Timer provides a simple timing mechanism for measuring operation durations.
// It captures the start time on creation and calculates elapsed time on stop.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
// The name parameter is for identification in logs or metrics.
//
// Example:
//
//	timer := metrics.NewTimer("chunk_processing")
//	processChunk(chunk)
//	duration := timer.Stop()
//	logger.Info("chunk processed", zap.Duration("duration", duration))
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Stop returns the elapsed duration since creation. The timer can be
// stopped multiple times, each returning the total elapsed time.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ThroughputTracker tracks throughput (bytes per second) over time windows.
// It updates the Throughput gauge when queried. Thread-safe for concurrent use.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64     // Bytes counted since last reset
	lastReset time.Time // Time of last reset
	component string    // Component name used as metric label
}

// NewThroughputTracker creates a new throughput tracker for a component.
//
// Example:
//
//	tracker := metrics.NewThroughputTracker("stream")
//	for chunk := range chunks {
//	    process(chunk)
//	    tracker.Increment(int64(len(chunk)))
//	}
//	bytesPerSec := tracker.GetAndReset()
func NewThroughputTracker(component string) *ThroughputTracker {
	return &ThroughputTracker{
		lastReset: time.Now(),
		component: component,
	}
}

// Increment adds n to the byte count. Safe for concurrent use.
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset calculates the current throughput (bytes/second), updates
// the Prometheus gauge, resets the counter, and returns the calculated
// throughput. Safe for concurrent use.
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}

	throughput := float64(t.count) / elapsed

	t.count = 0
	t.lastReset = time.Now()

	Throughput.WithLabelValues(t.component).Set(throughput)

	return throughput
}

// LatencyTracker keeps a bounded window of recent durations for
// percentile queries.
type LatencyTracker struct {
	mu      sync.Mutex
	values  []time.Duration
	maxSize int
}

// NewLatencyTracker creates a new latency tracker holding at most
// maxSize samples.
func NewLatencyTracker(maxSize int) *LatencyTracker {
	return &LatencyTracker{
		values:  make([]time.Duration, 0, maxSize),
		maxSize: maxSize,
	}
}

// Record records a latency value, evicting the oldest when full.
func (l *LatencyTracker) Record(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.values) >= l.maxSize {
		l.values = l.values[1:]
	}
	l.values = append(l.values, d)
}

// GetPercentile returns the approximate percentile value (0-100) over the
// recorded window. Samples are scanned in arrival order, so the result is
// an estimate rather than an exact quantile.
func (l *LatencyTracker) GetPercentile(p float64) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.values) == 0 {
		return 0
	}

	index := int(float64(len(l.values)) * p / 100)
	if index >= len(l.values) {
		index = len(l.values) - 1
	}

	return l.values[index]
}
