package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerFrequencyAndPopularity(t *testing.T) {
	tr := newTracker(10, "_")
	now := time.Now()

	for i := 0; i < 10; i++ {
		tr.record("key_1", now)
	}
	assert.Equal(t, int64(10), tr.frequency("key_1"))
	assert.False(t, tr.isPopular("key_1"), "popularity requires exceeding the threshold")

	tr.record("key_1", now)
	assert.True(t, tr.isPopular("key_1"))
	assert.Zero(t, tr.frequency("unknown"))
}

func TestTrackerLastAccess(t *testing.T) {
	tr := newTracker(10, "_")
	first := time.Now().Add(-time.Minute)
	second := time.Now()

	tr.record("key_1", first)
	tr.record("key_1", second)

	last, ok := tr.lastAccess("key_1")
	require.True(t, ok)
	assert.Equal(t, second, last)

	_, ok = tr.lastAccess("unknown")
	assert.False(t, ok)
}

func TestTrackerRingIsBounded(t *testing.T) {
	tr := newTracker(10, "_")
	now := time.Now()

	for i := 0; i < accessRingSize+50; i++ {
		tr.record("key_1", now)
	}

	p := tr.patterns["key_1"]
	assert.Equal(t, accessRingSize, p.filled)
	assert.Equal(t, int64(accessRingSize+50), p.frequency,
		"frequency keeps counting past the ring capacity")
}

func TestCachingProbability(t *testing.T) {
	tr := newTracker(10, "_")
	now := time.Now()

	assert.Zero(t, tr.cachingProbability("unknown", now))

	// A single fresh access is not convincing.
	tr.record("cold_1", now)
	assert.Less(t, tr.cachingProbability("cold_1", now), 0.7)

	// Heavy recent demand clears the threshold.
	for i := 0; i < 15; i++ {
		tr.record("hot_1", now)
	}
	assert.Greater(t, tr.cachingProbability("hot_1", now), 0.7)

	// The same demand long ago does not.
	stale := now.Add(-2 * time.Hour)
	for i := 0; i < 100; i++ {
		tr.record("old_1", stale)
	}
	assert.Less(t, tr.cachingProbability("old_1", now), 0.7)
}

func TestRelatedKeys(t *testing.T) {
	tr := newTracker(10, "_")
	now := time.Now()
	for _, key := range []string{"user_1", "user_2", "session_user", "order_9"} {
		tr.record(key, now)
	}

	related := tr.relatedKeys("user_1")
	assert.ElementsMatch(t, []string{"user_2", "session_user"}, related)

	assert.Empty(t, tr.relatedKeys("invoice_7_x"), "no tracked key shares a token")
}

func TestTrackerPrune(t *testing.T) {
	tr := newTracker(10, "_")
	now := time.Now()

	tr.record("fresh_1", now)
	tr.record("idle_1", now.Add(-2*time.Hour))

	removed := tr.prune(now, time.Hour)
	assert.Equal(t, []string{"idle_1"}, removed)
	assert.Equal(t, 1, tr.len())
	assert.Positive(t, tr.frequency("fresh_1"))
}
