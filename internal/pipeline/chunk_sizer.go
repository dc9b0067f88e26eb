package pipeline

import (
	"sync"
	"time"

	"github.com/cascade-io/cascade/pkg/config"
	"github.com/cascade-io/cascade/pkg/metrics"
	"github.com/cascade-io/cascade/pkg/resource"
)

// growthFactor is how aggressively the chunk size grows while resources
// stay optimal.
const growthFactor = 1.5

// chunkSizer picks the size of the next chunk. Pressure pushes the size
// down (halved under warning, floored under critical) and optimal
// conditions grow it back toward the maximum. The pressure-adjusted size
// is then averaged with the chunk size of the best-throughput sample in
// the recent history, so the sizer converges on what actually performed
// well rather than oscillating. The history outlives the run: it belongs
// to the engine and carries what earlier runs learned.
type chunkSizer struct {
	mu      sync.Mutex
	current int
	min     int
	max     int

	history *sampleHistory
	jobID   string

	// per-run aggregates
	chunks     int
	totalBytes int64
	minSeen    int
	maxSeen    int
}

// newChunkSizer builds a sizer for one run over the shared sample
// history. ceiling, when positive, caps the chunk size below the
// configured maximum. A nil history gets a private ring.
func newChunkSizer(cfg config.StreamConfig, ceiling int, history *sampleHistory, jobID string) *chunkSizer {
	maxSize := cfg.MaxChunkSize
	if ceiling > 0 && ceiling < maxSize {
		maxSize = ceiling
	}
	minSize := cfg.MinChunkSize
	if minSize > maxSize {
		minSize = maxSize
	}
	base := cfg.BaseChunkSize
	if base > maxSize {
		base = maxSize
	}
	if base < minSize {
		base = minSize
	}

	if history == nil {
		history = newSampleHistory(cfg.SampleHistory)
	}

	return &chunkSizer{
		current: base,
		min:     minSize,
		max:     maxSize,
		history: history,
		jobID:   jobID,
	}
}

// next returns the size to read for the upcoming chunk.
func (cs *chunkSizer) next(pressure resource.Level) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	size := cs.current
	switch pressure {
	case resource.LevelCritical:
		// The floor is absolute: no blending with history samples that
		// were taken under better conditions.
		cs.current = cs.min
		return cs.min
	case resource.LevelWarning:
		size /= 2
	default:
		// Growth waits for the run's first completed chunk; the
		// opening proposal is the base size, nudged below by whatever
		// the shared history already knows.
		if cs.chunks > 0 {
			size = int(float64(size) * growthFactor)
		}
	}

	if best, ok := cs.history.bestThroughput(); ok {
		size = (size + best) / 2
	}

	if size < cs.min {
		size = cs.min
	}
	if size > cs.max {
		size = cs.max
	}

	cs.current = size
	return size
}

// record stores the observed cost of a processed chunk in the shared
// history, annotated with the run and the pressure it was read under.
func (cs *chunkSizer) record(chunkBytes int, d time.Duration, pressure resource.Level) {
	seconds := d.Seconds()
	if seconds <= 0 {
		seconds = time.Nanosecond.Seconds()
	}

	cs.history.record(PerformanceSample{
		JobID:         cs.jobID,
		ChunkBytes:    chunkBytes,
		Duration:      d,
		ThroughputBPS: float64(chunkBytes) / seconds,
		Pressure:      pressure,
		Timestamp:     time.Now(),
	})

	cs.mu.Lock()
	cs.chunks++
	cs.totalBytes += int64(chunkBytes)
	if cs.minSeen == 0 || chunkBytes < cs.minSeen {
		cs.minSeen = chunkBytes
	}
	if chunkBytes > cs.maxSeen {
		cs.maxSeen = chunkBytes
	}
	cs.mu.Unlock()

	metrics.ChunkBytes.Observe(float64(chunkBytes))
}

// currentSize returns the last chosen size.
func (cs *chunkSizer) currentSize() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.current
}

// runStats reports the aggregates accumulated over the run so far.
func (cs *chunkSizer) runStats() (chunks int, totalBytes int64, minSeen, maxSeen, avg int) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	chunks = cs.chunks
	totalBytes = cs.totalBytes
	minSeen = cs.minSeen
	maxSeen = cs.maxSeen
	if chunks > 0 {
		avg = int(totalBytes / int64(chunks))
	}
	return
}
