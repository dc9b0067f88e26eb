// Package events provides the notification bus connecting processing
// components to their observers. Producers publish typed events and
// consumers subscribe with explicit handles, so no global listener
// state survives a subscriber going away.
//
// Delivery is non-blocking: a subscriber that stops draining its channel
// loses events rather than stalling producers. Dropped counts are kept
// per subscription for diagnostics.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Type identifies the kind of event carried by an Event.
type Type string

const (
	// TypeProgress reports incremental progress of a chunked job.
	TypeProgress Type = "progress"
	// TypeJobCompleted reports successful terminal completion of a job.
	TypeJobCompleted Type = "job_completed"
	// TypeJobFailed reports failed terminal completion of a job.
	TypeJobFailed Type = "job_failed"
	// TypePressureChanged reports a resource pressure classification change.
	TypePressureChanged Type = "pressure_changed"
	// TypeMetrics reports periodic pipeline metrics snapshots.
	TypeMetrics Type = "metrics"
)

// Event is a single notification published on the bus.
type Event struct {
	Type      Type        `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"`
	Payload   interface{} `json:"payload,omitempty"`
}

// ProgressPayload carries progress for a chunked job.
type ProgressPayload struct {
	JobID           string  `json:"job_id"`
	ChunksProcessed int     `json:"chunks_processed"`
	TotalChunks     int     `json:"total_chunks"`
	BytesProcessed  int64   `json:"bytes_processed"`
	TotalBytes      int64   `json:"total_bytes"`
	Percent         float64 `json:"percent"`
	ThroughputBPS   float64 `json:"throughput_bps"`
	ETASeconds      float64 `json:"eta_seconds"`
}

// JobCompletedPayload carries the terminal success notification for a job.
type JobCompletedPayload struct {
	JobID    string        `json:"job_id"`
	Strategy string        `json:"strategy"`
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
}

// JobFailedPayload carries the terminal failure notification for a job.
type JobFailedPayload struct {
	JobID    string        `json:"job_id"`
	Strategy string        `json:"strategy"`
	Error    error         `json:"error"`
	Attempts int           `json:"attempts"`
	Elapsed  time.Duration `json:"elapsed"`
}

// PressureChangedPayload carries a resource pressure transition.
type PressureChangedPayload struct {
	Previous          string  `json:"previous"`
	Current           string  `json:"current"`
	MemoryUsedBytes   uint64  `json:"memory_used_bytes"`
	MemoryUtilization float64 `json:"memory_utilization"`
	CPUPercent        float64 `json:"cpu_percent"`
}

// MetricsPayload carries a periodic pipeline metrics snapshot.
type MetricsPayload struct {
	ChunksProcessed int64   `json:"chunks_processed"`
	BytesProcessed  int64   `json:"bytes_processed"`
	CurrentChunk    int     `json:"current_chunk_bytes"`
	PendingResults  int     `json:"pending_results"`
	ThroughputBPS   float64 `json:"throughput_bps"`
	Suspensions     int64   `json:"suspensions"`
}

// defaultBufferSize is the per-subscription channel capacity when the
// caller does not specify one.
const defaultBufferSize = 100

// Bus fans events out to subscribers. Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	closed bool
	logger *zap.Logger

	published atomic.Int64
	dropped   atomic.Int64
}

// NewBus creates an event bus. buffer sets the per-subscription channel
// capacity; zero or negative selects the default.
func NewBus(buffer int, logger *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		logger: logger.With(zap.String("component", "events")),
	}
}

// Subscription is a handle to a stream of events. Callers read from C()
// and must call Unsubscribe when done.
type Subscription struct {
	id      uint64
	types   map[Type]struct{} // nil means all types
	ch      chan Event
	bus     *Bus
	dropped atomic.Int64
	once    sync.Once
}

// Subscribe registers a subscriber for the given event types. With no
// types, the subscription receives every event.
func (b *Bus) Subscribe(types ...Type) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		id:  b.nextID,
		ch:  make(chan Event, b.buffer),
		bus: b,
	}
	b.nextID++

	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	if b.closed {
		// A subscription against a closed bus yields a closed channel
		// so readers terminate immediately.
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}

	b.subs[sub.id] = sub
	return sub
}

// C returns the channel events are delivered on. The channel is closed
// when the subscription is cancelled or the bus shuts down.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped reports how many events this subscription lost to a full buffer.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Unsubscribe removes the subscription and closes its channel.
// Safe to call multiple times.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()

	// Closing happens outside the bus lock; Publish holds the read lock
	// for the whole send, so no send can race this close.
	s.once.Do(func() { close(s.ch) })
}

func (s *Subscription) wants(t Type) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Publish delivers an event to all matching subscribers without blocking.
// Events published after Close are discarded. A zero Timestamp is stamped
// with the current time.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	b.published.Add(1)
	for _, sub := range b.subs {
		if !sub.wants(evt.Type) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Stats reports totals since the bus was created.
func (b *Bus) Stats() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}

// Close shuts the bus down, closing every subscriber channel. Publish
// calls after Close are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true

	remaining := make([]*Subscription, 0, len(b.subs))
	for id, sub := range b.subs {
		remaining = append(remaining, sub)
		delete(b.subs, id)
	}
	dropped := b.dropped.Load()
	b.mu.Unlock()

	for _, sub := range remaining {
		sub.once.Do(func() { close(sub.ch) })
	}

	if dropped > 0 {
		b.logger.Debug("event bus closed with dropped events", zap.Int64("dropped", dropped))
	}
}
