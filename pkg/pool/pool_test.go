package pool

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct {
	n     int
	reset bool
}

func TestPoolGetPut(t *testing.T) {
	p := New(
		func() *widget { return &widget{} },
		func(w *widget) { w.n = 0; w.reset = true },
	)

	w := p.Get()
	w.n = 42
	p.Put(w)

	got := p.Get()
	// sync.Pool may or may not hand back the same object; whichever it is,
	// a recycled one must have passed through reset.
	if got.reset {
		assert.Zero(t, got.n)
	}

	allocated, inUse, hits, misses := p.Stats()
	assert.GreaterOrEqual(t, allocated, int64(1))
	assert.Equal(t, int64(1), inUse)
	assert.Equal(t, int64(2), hits+misses, "every Get is either a hit or a miss")
}

func TestPoolStatsSeparateHitsFromMisses(t *testing.T) {
	p := New(
		func() *widget { return &widget{} },
		nil,
	)

	first := p.Get()
	_, _, hits, misses := p.Stats()
	assert.Equal(t, int64(0), hits, "an allocating Get is not a hit")
	assert.Equal(t, int64(1), misses)

	p.Put(first)
	second := p.Get()
	allocated, _, hits, misses := p.Stats()
	assert.Equal(t, allocated, misses, "misses track exactly the allocating Gets")
	if allocated == 1 {
		// The recycled object came back, so the second Get was a hit.
		assert.Same(t, first, second)
		assert.Equal(t, int64(1), hits)
	}
}

func TestBufferPoolBucketSelection(t *testing.T) {
	bp := NewBufferPool()

	buf := bp.Get(2048)
	assert.Len(t, buf, 2048)
	assert.Equal(t, 4096, cap(buf), "2KB request should come from the 4KB bucket")
	bp.Put(buf)

	chunk := bp.Get(64 * 1024)
	assert.Len(t, chunk, 64*1024)
	assert.Equal(t, 64*1024, cap(chunk))
	bp.Put(chunk)

	big := bp.Get(64 * 1024 * 1024)
	assert.Len(t, big, 64*1024*1024)
	bp.Put(big)
}

func TestBufferPoolOversizeFallsBack(t *testing.T) {
	bp := NewBufferPool()

	huge := bp.Get(80 * 1024 * 1024)
	require.Len(t, huge, 80*1024*1024)
	// Returning it must not panic even though no bucket matches.
	bp.Put(huge)
}

func TestGenerateIDUniqueUnderConcurrency(t *testing.T) {
	const goroutines = 8
	const perGoroutine = 200

	var mu sync.Mutex
	seen := make(map[string]struct{}, goroutines*perGoroutine)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				id := GenerateID("job")
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*perGoroutine)
	for id := range seen {
		assert.True(t, strings.HasPrefix(id, "job-"))
		break
	}
}

func TestGetGlobalStats(t *testing.T) {
	b := GetByteSlice()
	PutByteSlice(b)

	stats := GetGlobalStats()
	require.Contains(t, stats, "byte_slice")
	require.Contains(t, stats, "buffer_65536")
	assert.GreaterOrEqual(t, stats["byte_slice"].Hits+stats["byte_slice"].Misses, int64(1))
}
