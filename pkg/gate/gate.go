// Package gate provides the admission gate that bounds how many heavy
// processing operations run at once. Admission is first-come first-served:
// a released permit always goes to the waiter that has been queued longest,
// so a stream of small jobs cannot starve a large one.
package gate

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cascade-io/cascade/pkg/errors"
	"github.com/cascade-io/cascade/pkg/metrics"
)

// waiter represents one queued Acquire call. It receives exactly one
// value: nil when a permit is granted, an error when the gate shuts down.
type waiter struct {
	ready chan error
}

// Gate is a fixed-capacity counting semaphore with FIFO handoff.
// The capacity never changes after construction. Safe for concurrent use.
type Gate struct {
	mu       sync.Mutex
	capacity int
	inFlight int
	waiters  []*waiter
	closed   bool
	logger   *zap.Logger

	admitted   int64
	waited     int64
	cancelled  int64
	maxWaiting int
}

// Stats is a snapshot of gate state and lifetime counters.
type Stats struct {
	Capacity   int   `json:"capacity"`
	InFlight   int   `json:"in_flight"`
	Waiting    int   `json:"waiting"`
	Admitted   int64 `json:"admitted"`
	Waited     int64 `json:"waited"`
	Cancelled  int64 `json:"cancelled"`
	MaxWaiting int   `json:"max_waiting"`
}

// New creates a gate admitting at most capacity concurrent holders.
// Capacity below one is raised to one.
func New(capacity int, logger *zap.Logger) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		capacity: capacity,
		logger:   logger.With(zap.String("component", "gate")),
	}
}

// Acquire blocks until a permit is available, the context is cancelled,
// or the gate is closed. On success the caller holds one permit and must
// call Release exactly once.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return cancelErr(err)
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return errClosed()
	}

	// Fast path: free permit and nobody queued ahead of us.
	if g.inFlight < g.capacity && len(g.waiters) == 0 {
		g.inFlight++
		g.admitted++
		g.updateGauges()
		g.mu.Unlock()
		return nil
	}

	w := &waiter{ready: make(chan error, 1)}
	g.waiters = append(g.waiters, w)
	g.waited++
	if len(g.waiters) > g.maxWaiting {
		g.maxWaiting = len(g.waiters)
	}
	g.updateGauges()
	g.mu.Unlock()

	start := time.Now()
	select {
	case err := <-w.ready:
		metrics.GateWaitDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}
		g.mu.Lock()
		g.admitted++
		g.mu.Unlock()
		return nil

	case <-ctx.Done():
		g.mu.Lock()
		select {
		case err := <-w.ready:
			// The permit arrived while we were cancelling. Pass it on
			// rather than leaking it.
			if err == nil {
				g.releaseLocked()
			}
		default:
			g.removeWaiterLocked(w)
			g.cancelled++
		}
		g.updateGauges()
		g.mu.Unlock()
		return cancelErr(ctx.Err())
	}
}

// TryAcquire takes a permit without blocking. It fails when the gate is
// saturated, closed, or other callers are already queued.
func (g *Gate) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed || g.inFlight >= g.capacity || len(g.waiters) > 0 {
		return false
	}
	g.inFlight++
	g.admitted++
	g.updateGauges()
	return true
}

// Release returns a permit. The oldest waiter, if any, receives it
// directly; the permit never becomes visible as free in between, so the
// gate can never admit more than its capacity.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inFlight == 0 {
		// Release without a matching Acquire is a caller bug; log it
		// rather than corrupting the permit count.
		g.logger.Error("release without held permit")
		return
	}
	g.releaseLocked()
	g.updateGauges()
}

// releaseLocked hands the permit to the longest-queued waiter or frees it.
func (g *Gate) releaseLocked() {
	if len(g.waiters) > 0 {
		w := g.waiters[0]
		g.waiters = g.waiters[1:]
		w.ready <- nil
		// inFlight is unchanged: the permit moved to the waiter.
		return
	}
	g.inFlight--
}

func (g *Gate) removeWaiterLocked(target *waiter) {
	for i, w := range g.waiters {
		if w == target {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			return
		}
	}
}

// Capacity returns the fixed permit count.
func (g *Gate) Capacity() int {
	return g.capacity
}

// Stats returns a snapshot of current state and lifetime counters.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		Capacity:   g.capacity,
		InFlight:   g.inFlight,
		Waiting:    len(g.waiters),
		Admitted:   g.admitted,
		Waited:     g.waited,
		Cancelled:  g.cancelled,
		MaxWaiting: g.maxWaiting,
	}
}

// Close rejects all queued waiters and causes future Acquire calls to
// fail fast. Held permits stay valid; Release remains safe to call.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return
	}
	g.closed = true

	for _, w := range g.waiters {
		w.ready <- errClosed()
	}
	g.waiters = nil
	g.updateGauges()

	g.logger.Debug("gate closed", zap.Int("in_flight", g.inFlight))
}

func (g *Gate) updateGauges() {
	metrics.GateInFlight.Set(float64(g.inFlight))
	metrics.GateWaiting.Set(float64(len(g.waiters)))
}

func errClosed() error {
	return errors.New(errors.ErrorTypeCancelled, "admission gate closed")
}

func cancelErr(cause error) error {
	if cause == context.DeadlineExceeded {
		return errors.Wrap(cause, errors.ErrorTypeTimeout, "admission wait timed out")
	}
	return errors.Wrap(cause, errors.ErrorTypeCancelled, "admission wait cancelled")
}
