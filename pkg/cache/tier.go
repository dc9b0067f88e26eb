package cache

import (
	"sync"
	"time"

	"github.com/cascade-io/cascade/pkg/metrics"
)

// Tier names a retention class. Fast entries expire quickly and are
// cheap to recompute; slow entries are expensive or popular and are
// retained longest. The predictive tier is a separate namespace holding
// speculative placeholders for keys expected to be requested soon.
type Tier string

const (
	TierPredictive Tier = "predictive"
	TierFast       Tier = "fast"
	TierMedium     Tier = "medium"
	TierSlow       Tier = "slow"

	// SourceCompute marks a Lookup that ran the compute function.
	SourceCompute = "compute"
)

// Entry is one cached value. A key appears at most once per tier; the
// same key may live in several tiers at once while a promotion copy and
// its slower original overlap.
type Entry struct {
	Key        string        `json:"key"`
	Data       []byte        `json:"-"`
	Tier       Tier          `json:"tier"`
	InsertedAt time.Time     `json:"inserted_at"`
	TTL        time.Duration `json:"ttl"`
	Compressed bool          `json:"compressed"`
}

// expired reports whether the entry has outlived its TTL.
func (e *Entry) expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.InsertedAt) > e.TTL
}

// store holds one tier's entries behind its own lock.
type store struct {
	name    Tier
	mu      sync.RWMutex
	entries map[string]*Entry
}

func newStore(name Tier) *store {
	return &store{
		name:    name,
		entries: make(map[string]*Entry),
	}
}

// get returns the live entry for key. Expired entries are dropped on
// the spot and reported as absent.
func (s *store) get(key string, now time.Time) (*Entry, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if e.expired(now) {
		s.remove(key)
		return nil, false
	}
	return e, true
}

// put inserts or replaces the entry for its key.
func (s *store) put(e *Entry) {
	s.mu.Lock()
	s.entries[e.Key] = e
	n := len(s.entries)
	s.mu.Unlock()
	metrics.CacheEntries.WithLabelValues(string(s.name)).Set(float64(n))
}

// contains reports whether a live entry exists without touching expiry.
func (s *store) contains(key string, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return ok && !e.expired(now)
}

func (s *store) remove(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	n := len(s.entries)
	s.mu.Unlock()
	metrics.CacheEntries.WithLabelValues(string(s.name)).Set(float64(n))
}

func (s *store) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// removeIf deletes every entry the predicate selects and returns how
// many were removed.
func (s *store) removeIf(pred func(*Entry) bool) int {
	s.mu.Lock()
	removed := 0
	for key, e := range s.entries {
		if pred(e) {
			delete(s.entries, key)
			removed++
		}
	}
	n := len(s.entries)
	s.mu.Unlock()
	metrics.CacheEntries.WithLabelValues(string(s.name)).Set(float64(n))
	return removed
}

// keys returns a snapshot of the stored keys.
func (s *store) keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for key := range s.entries {
		out = append(out, key)
	}
	return out
}

// take removes and returns the entry for key.
func (s *store) take(key string) (*Entry, bool) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
	}
	n := len(s.entries)
	s.mu.Unlock()
	if ok {
		metrics.CacheEntries.WithLabelValues(string(s.name)).Set(float64(n))
	}
	return e, ok
}
