package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/cascade-io/cascade/pkg/metrics"
)

// regulator bounds the number of chunks in flight between the reader and
// the workers. The reader calls admit before each read and begin once a
// chunk is handed off; the collector calls complete for every retired
// chunk. At the threshold the reader suspends until the backlog drains
// to the resume level, so a slow processing function cannot pull the
// whole input into memory.
type regulator struct {
	mu           sync.Mutex
	pending      int
	threshold    int
	resume       int
	waitCh       chan struct{}
	suspensions  int64
	suspendedFor time.Duration
}

func newRegulator(threshold, resume int) *regulator {
	if threshold < 1 {
		threshold = 1
	}
	if resume >= threshold {
		resume = threshold - 1
	}
	if resume < 0 {
		resume = 0
	}
	return &regulator{threshold: threshold, resume: resume}
}

// admit blocks until there is room for another chunk in flight.
func (r *regulator) admit(ctx context.Context) error {
	for {
		r.mu.Lock()
		if r.pending < r.threshold {
			r.mu.Unlock()
			return nil
		}
		if r.waitCh == nil {
			r.waitCh = make(chan struct{})
		}
		ch := r.waitCh
		r.suspensions++
		r.mu.Unlock()

		metrics.BackpressureSuspensions.Inc()
		start := time.Now()
		select {
		case <-ch:
			waited := time.Since(start)
			metrics.BackpressureWait.Observe(waited.Seconds())
			r.mu.Lock()
			r.suspendedFor += waited
			r.mu.Unlock()
		case <-ctx.Done():
			metrics.BackpressureWait.Observe(time.Since(start).Seconds())
			return ctx.Err()
		}
	}
}

// begin registers a chunk handed to the workers.
func (r *regulator) begin() {
	r.mu.Lock()
	r.pending++
	r.mu.Unlock()
}

// complete retires a finished chunk and wakes the reader once the
// backlog has drained to the resume level.
func (r *regulator) complete() {
	r.mu.Lock()
	r.pending--
	if r.waitCh != nil && r.pending <= r.resume {
		close(r.waitCh)
		r.waitCh = nil
	}
	r.mu.Unlock()
}

// pendingCount returns the chunks currently in flight.
func (r *regulator) pendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// stats reports how often and for how long the reader was suspended.
func (r *regulator) stats() (suspensions int64, suspendedFor time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suspensions, r.suspendedFor
}
