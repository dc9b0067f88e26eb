package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cascade-io/cascade/pkg/errors"
)

func TestNeverExceedsCapacity(t *testing.T) {
	const capacity = 4
	g := New(capacity, zaptest.NewLogger(t))

	var current, peak atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, g.Acquire(context.Background()))

			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			current.Add(-1)
			g.Release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(capacity))
	stats := g.Stats()
	assert.Equal(t, 0, stats.InFlight)
	assert.Equal(t, 0, stats.Waiting)
	assert.Equal(t, int64(32), stats.Admitted)
}

func TestReleaseWakesOldestWaiter(t *testing.T) {
	g := New(1, zaptest.NewLogger(t))
	require.NoError(t, g.Acquire(context.Background()))

	const waiters = 5
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < waiters; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, g.Acquire(context.Background()))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			g.Release()
		}()
		// Wait until this goroutine is queued before starting the next,
		// so arrival order is deterministic.
		require.Eventually(t, func() bool {
			return g.Stats().Waiting == i+1
		}, time.Second, time.Millisecond)
	}

	g.Release()
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestTryAcquire(t *testing.T) {
	g := New(1, zaptest.NewLogger(t))

	require.True(t, g.TryAcquire())
	assert.False(t, g.TryAcquire())

	g.Release()
	assert.True(t, g.TryAcquire())
	g.Release()
}

func TestTryAcquireYieldsToQueuedWaiters(t *testing.T) {
	g := New(1, zaptest.NewLogger(t))
	require.NoError(t, g.Acquire(context.Background()))

	acquired := make(chan struct{})
	go func() {
		require.NoError(t, g.Acquire(context.Background()))
		close(acquired)
	}()
	require.Eventually(t, func() bool {
		return g.Stats().Waiting == 1
	}, time.Second, time.Millisecond)

	// Even though Release is imminent, a queued waiter has priority.
	assert.False(t, g.TryAcquire())

	g.Release()
	<-acquired
	g.Release()
}

func TestAcquireCancelled(t *testing.T) {
	g := New(1, zaptest.NewLogger(t))
	require.NoError(t, g.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- g.Acquire(ctx)
	}()
	require.Eventually(t, func() bool {
		return g.Stats().Waiting == 1
	}, time.Second, time.Millisecond)

	cancel()

	err := <-errCh
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCancelled))

	stats := g.Stats()
	assert.Equal(t, 0, stats.Waiting)
	assert.Equal(t, int64(1), stats.Cancelled)

	g.Release()
}

func TestAcquireDeadline(t *testing.T) {
	g := New(1, zaptest.NewLogger(t))
	require.NoError(t, g.Acquire(context.Background()))
	defer g.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := g.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout))
}

func TestAcquireWithExpiredContext(t *testing.T) {
	g := New(1, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := g.Acquire(ctx)
	require.Error(t, err)
	assert.Equal(t, 0, g.Stats().InFlight)
}

func TestCloseRejectsWaitersAndNewAcquires(t *testing.T) {
	g := New(1, zaptest.NewLogger(t))
	require.NoError(t, g.Acquire(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- g.Acquire(context.Background())
	}()
	require.Eventually(t, func() bool {
		return g.Stats().Waiting == 1
	}, time.Second, time.Millisecond)

	g.Close()

	err := <-errCh
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCancelled))

	err = g.Acquire(context.Background())
	require.Error(t, err)
	assert.False(t, g.TryAcquire())

	// A permit held across Close can still be released safely.
	g.Release()
}

func TestReleaseWithoutPermitIsHarmless(t *testing.T) {
	g := New(2, zaptest.NewLogger(t))
	g.Release()
	assert.Equal(t, 0, g.Stats().InFlight)
}

func TestCapacityFloor(t *testing.T) {
	g := New(0, zaptest.NewLogger(t))
	assert.Equal(t, 1, g.Capacity())
}
