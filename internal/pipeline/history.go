package pipeline

import "sync"

// sampleHistory is the engine-wide ring of recent chunk performance
// samples. Runs share it, so a fresh run starts from what earlier runs
// learned about chunk sizing instead of re-probing from the base size.
type sampleHistory struct {
	mu      sync.Mutex
	samples []PerformanceSample
	idx     int
	n       int
}

func newSampleHistory(size int) *sampleHistory {
	if size <= 0 {
		size = 1
	}
	return &sampleHistory{samples: make([]PerformanceSample, size)}
}

// record stores one sample, evicting the oldest once the ring is full.
func (h *sampleHistory) record(s PerformanceSample) {
	h.mu.Lock()
	h.samples[h.idx] = s
	h.idx = (h.idx + 1) % len(h.samples)
	if h.n < len(h.samples) {
		h.n++
	}
	h.mu.Unlock()
}

// bestThroughput returns the chunk size of the fastest recorded sample.
func (h *sampleHistory) bestThroughput() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.n == 0 {
		return 0, false
	}
	best := h.samples[0]
	for _, s := range h.samples[1:h.n] {
		if s.ThroughputBPS > best.ThroughputBPS {
			best = s
		}
	}
	return best.ChunkBytes, true
}

// size reports how many samples the ring currently holds.
func (h *sampleHistory) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}
