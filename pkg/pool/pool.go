// Package pool provides unified high-performance object pooling for Cascade.
// It offers zero-allocation memory management with automatic object recycling,
// reducing garbage collection pressure on the chunk-processing hot path.
//
// The package provides:
//   - Generic type-safe object pooling with Pool[T]
//   - Buffer pooling with size-based buckets sized for chunk workloads
//   - Atomic ID generation for jobs and batches
//   - Statistics for monitoring pool efficiency
//
// Example usage:
//
//	buf := pool.GlobalBufferPool.Get(64 * 1024)
//	defer pool.GlobalBufferPool.Put(buf)
//
//	// Using custom pools
//	myPool := pool.New(
//	    func() *MyType { return &MyType{} },
//	    func(obj *MyType) { obj.Reset() },
//	)
//	obj := myPool.Get()
//	defer myPool.Put(obj)
package pool

import (
	"sync"
	"sync/atomic"
)

// Pool represents a generic object pool with type safety.
// It wraps sync.Pool with statistics tracking and automatic reset.
// The pool is safe for concurrent use.
type Pool[T any] struct {
	pool  sync.Pool
	new   func() T
	reset func(T)
	stats struct {
		allocated int64
		inUse     int64
		gets      int64
		misses    int64
	}
}

// New creates a new typed pool with custom allocation and reset functions.
// The new function is called when the pool is empty; the reset function is
// called before returning an object to the pool.
//
// Example:
//
//	pool := New(
//	    func() *Buffer { return &Buffer{data: make([]byte, 0, 1024)} },
//	    func(b *Buffer) { b.data = b.data[:0] },
//	)
func New[T any](new func() T, reset func(T)) *Pool[T] {
	p := &Pool[T]{
		new:   new,
		reset: reset,
	}
	p.pool.New = func() interface{} {
		atomic.AddInt64(&p.stats.allocated, 1)
		atomic.AddInt64(&p.stats.misses, 1)
		return new()
	}
	return p
}

// Get retrieves an object from the pool, creating one if the pool is empty.
// A Get satisfied from the pool counts as a hit; one that had to allocate
// counts as a miss. The returned object should be returned with Put when
// no longer needed.
func (p *Pool[T]) Get() T {
	atomic.AddInt64(&p.stats.inUse, 1)
	atomic.AddInt64(&p.stats.gets, 1)
	return p.pool.Get().(T)
}

// Put returns an object to the pool for reuse, resetting it first when a
// reset function was provided.
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	atomic.AddInt64(&p.stats.inUse, -1)
	p.pool.Put(obj)
}

// Stats returns current pool statistics: allocation count, objects checked
// out, hits, and misses. Hits are the Gets that did not allocate.
func (p *Pool[T]) Stats() (allocated, inUse, hits, misses int64) {
	allocated = atomic.LoadInt64(&p.stats.allocated)
	inUse = atomic.LoadInt64(&p.stats.inUse)
	misses = atomic.LoadInt64(&p.stats.misses)
	if hits = atomic.LoadInt64(&p.stats.gets) - misses; hits < 0 {
		hits = 0
	}
	return allocated, inUse, hits, misses
}

// Global pools shared across the pipeline.
var (
	// ByteSlicePool provides pooling for general-purpose byte slices.
	// Slices are pre-allocated with 1KB capacity.
	ByteSlicePool = New(
		func() []byte {
			return make([]byte, 0, 1024)
		},
		func(b []byte) {
			// Length reset happens on Get via reslicing by callers
		},
	)

	// IDBufferPool provides pooling for ID generation buffers.
	IDBufferPool = New(
		func() []byte {
			return make([]byte, 0, 64)
		},
		func(b []byte) {
		},
	)
)

// idCounter provides atomic unique ID generation
var idCounter uint64

// GetByteSlice retrieves a byte slice from the global pool.
// The returned slice has zero length and capacity 1024.
func GetByteSlice() []byte {
	return ByteSlicePool.Get()[:0]
}

// PutByteSlice returns a byte slice to the global pool for reuse.
// This function is safe to call with nil slices.
func PutByteSlice(b []byte) {
	if b != nil {
		ByteSlicePool.Put(b)
	}
}

// GenerateID generates a unique ID with the specified prefix using pooled
// buffers. The ID format is "prefix-number" where number is an atomic
// counter. Safe for concurrent use.
//
// Example:
//
//	id := pool.GenerateID("job")  // Returns "job-1", "job-2", etc.
func GenerateID(prefix string) string {
	buf := IDBufferPool.Get()[:0]
	defer IDBufferPool.Put(buf)

	// Use atomic counter for uniqueness
	id := atomic.AddUint64(&idCounter, 1)

	buf = append(buf, prefix...)
	buf = append(buf, '-')
	buf = appendUint64(buf, id)

	return string(buf)
}

// appendUint64 efficiently appends uint64 to byte slice
func appendUint64(buf []byte, n uint64) []byte {
	if n == 0 {
		return append(buf, '0')
	}

	// Calculate digits
	temp := n
	digits := 0
	for temp > 0 {
		temp /= 10
		digits++
	}

	// Extend buffer
	start := len(buf)
	buf = buf[:start+digits]

	// Fill digits from right to left
	for i := digits - 1; i >= 0; i-- {
		buf[start+i] = byte('0' + n%10)
		n /= 10
	}

	return buf
}

// BufferPool manages byte buffer pooling with size-based buckets.
// It maintains multiple pools for different buffer sizes, automatically
// selecting the appropriate pool based on requested size. The buckets
// cover the whole adaptive chunk range up to the fixed 64MB chunks of the
// chunked strategy.
type BufferPool struct {
	pools []*Pool[[]byte]
	sizes []int
}

// NewBufferPool creates a new buffer pool with predefined size buckets.
// Buffers larger than the top bucket are allocated directly without
// pooling.
//
// The predefined sizes are:
//   - 4KB, 16KB, 64KB, 256KB, 1MB, 4MB, 16MB, 64MB
func NewBufferPool() *BufferPool {
	sizes := []int{
		4096,     // 4KB
		16384,    // 16KB
		65536,    // 64KB
		262144,   // 256KB
		1048576,  // 1MB
		4194304,  // 4MB
		16777216, // 16MB
		67108864, // 64MB
	}

	pools := make([]*Pool[[]byte], len(sizes))
	for i, size := range sizes {
		size := size // capture loop variable
		pools[i] = New(
			func() []byte {
				return make([]byte, size)
			},
			func(b []byte) {
			},
		)
	}

	return &BufferPool{
		pools: pools,
		sizes: sizes,
	}
}

// Get returns a buffer of at least the requested size from the pool.
// It selects the smallest bucket that can accommodate the request; sizes
// beyond the top bucket fall back to direct allocation. The returned
// buffer's length equals the requested size.
func (p *BufferPool) Get(size int) []byte {
	for i, s := range p.sizes {
		if s >= size {
			buf := p.pools[i].Get()
			return buf[:size]
		}
	}

	// Fallback to allocation for very large buffers
	return make([]byte, size)
}

// Put returns a buffer to the pool for reuse. The buffer is matched to its
// bucket by capacity; buffers that don't match any bucket are released to
// garbage collection. Content is not cleared.
func (p *BufferPool) Put(buf []byte) {
	size := cap(buf)

	for i, s := range p.sizes {
		if s == size {
			p.pools[i].Put(buf[:s])
			return
		}
	}

	// Buffer doesn't match any pool size, let GC handle it
}

// GlobalBufferPool provides size-based byte buffer pooling for chunk I/O.
var GlobalBufferPool = NewBufferPool()

// Stats represents pool statistics for monitoring and optimization.
type Stats struct {
	// Allocated is the total number of objects created by the pool
	Allocated int64
	// InUse is the current number of objects checked out from the pool
	InUse int64
	// Hits is the number of successful pool retrievals
	Hits int64
	// Misses is the number of times a new object had to be created
	Misses int64
}

// GetGlobalStats returns statistics for the global pools, keyed by pool
// name ("byte_slice" plus one "buffer_<bytes>" entry per bucket).
func GetGlobalStats() map[string]Stats {
	stats := make(map[string]Stats, len(GlobalBufferPool.sizes)+1)

	alloc, inUse, hits, misses := ByteSlicePool.Stats()
	stats["byte_slice"] = Stats{Allocated: alloc, InUse: inUse, Hits: hits, Misses: misses}

	for i, size := range GlobalBufferPool.sizes {
		alloc, inUse, hits, misses := GlobalBufferPool.pools[i].Stats()
		stats["buffer_"+itoa(size)] = Stats{Allocated: alloc, InUse: inUse, Hits: hits, Misses: misses}
	}

	return stats
}

// itoa converts a non-negative int without fmt on the stats path
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
