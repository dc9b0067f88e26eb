package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
)

// accessRingSize bounds the per-key record of recent access times.
const accessRingSize = 100

// recentWindow is the horizon for the recent-access ratio used by
// cachingProbability.
const recentWindow = time.Hour

// pattern tracks how one key is being used. frequency only ever grows
// until the pattern is pruned.
type pattern struct {
	frequency int64
	recent    []time.Time
	next      int
	filled    int
	popular   bool
}

func (p *pattern) lastAccess() time.Time {
	if p.filled == 0 {
		return time.Time{}
	}
	idx := (p.next - 1 + len(p.recent)) % len(p.recent)
	return p.recent[idx]
}

// tracker maintains the access patterns that drive tier classification,
// popularity, and predictive pre-warming.
type tracker struct {
	mu        sync.Mutex
	patterns  map[string]*pattern
	popularAt int64
	delimiter string
}

func newTracker(popularAt int64, delimiter string) *tracker {
	if popularAt <= 0 {
		popularAt = 10
	}
	if delimiter == "" {
		delimiter = "_"
	}
	return &tracker{
		patterns:  make(map[string]*pattern),
		popularAt: popularAt,
		delimiter: delimiter,
	}
}

// record notes one lookup of key, hit or miss.
func (t *tracker) record(key string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.patterns[key]
	if !ok {
		p = &pattern{recent: make([]time.Time, accessRingSize)}
		t.patterns[key] = p
	}
	p.frequency++
	p.recent[p.next] = now
	p.next = (p.next + 1) % accessRingSize
	if p.filled < accessRingSize {
		p.filled++
	}
	p.popular = p.frequency > t.popularAt
}

func (t *tracker) frequency(key string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.patterns[key]; ok {
		return p.frequency
	}
	return 0
}

func (t *tracker) isPopular(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.patterns[key]; ok {
		return p.popular
	}
	return false
}

// lastAccess returns the most recent recorded access of key.
func (t *tracker) lastAccess(key string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.patterns[key]
	if !ok {
		return time.Time{}, false
	}
	return p.lastAccess(), true
}

// cachingProbability estimates how likely key is to be requested again
// soon. It blends frequency, normalized against the popularity
// threshold, with the fraction of recorded accesses that fell inside
// the recent window.
func (t *tracker) cachingProbability(key string, now time.Time) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.patterns[key]
	if !ok || p.filled == 0 {
		return 0
	}

	normFreq := float64(p.frequency) / float64(p.frequency+t.popularAt)

	recent := 0
	for i := 0; i < p.filled; i++ {
		if now.Sub(p.recent[i]) <= recentWindow {
			recent++
		}
	}
	recentRatio := float64(recent) / float64(p.filled)

	return (normFreq + recentRatio) / 2
}

// relatedKeys returns every tracked key sharing at least one delimiter
// token with key.
func (t *tracker) relatedKeys(key string) []string {
	tokens := make(map[string]struct{})
	for _, tok := range strings.Split(key, t.delimiter) {
		if tok != "" {
			tokens[tok] = struct{}{}
		}
	}
	if len(tokens) == 0 {
		return nil
	}

	t.mu.Lock()
	keys := lo.Keys(t.patterns)
	t.mu.Unlock()

	return lo.Filter(keys, func(other string, _ int) bool {
		if other == key {
			return false
		}
		for _, tok := range strings.Split(other, t.delimiter) {
			if _, ok := tokens[tok]; ok {
				return true
			}
		}
		return false
	})
}

// prune drops patterns idle past the window and returns the removed keys.
func (t *tracker) prune(now time.Time, window time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []string
	for key, p := range t.patterns {
		if now.Sub(p.lastAccess()) > window {
			delete(t.patterns, key)
			removed = append(removed, key)
		}
	}
	return removed
}

func (t *tracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.patterns)
}
