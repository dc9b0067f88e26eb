package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/cascade-io/cascade/pkg/errors"
	"github.com/cascade-io/cascade/pkg/metrics"
)

// stage is a warm worker pool bound to one run shape.
type stage struct {
	pool     *ants.Pool
	refs     int
	lastUsed time.Time
}

// stagePool caches worker pools keyed by run shape so repeated runs with
// the same configuration reuse warm goroutines instead of constructing a
// pool per call. A background reaper retires stages that sit unused past
// the idle timeout.
type stagePool struct {
	mu     sync.Mutex
	stages map[string]*stage
	idle   time.Duration
	logger *zap.Logger
	closed bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newStagePool(idle time.Duration, logger *zap.Logger) *stagePool {
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	sp := &stagePool{
		stages: make(map[string]*stage),
		idle:   idle,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	sp.wg.Add(1)
	go sp.reapLoop()
	return sp
}

// stageKey fingerprints the parts of a run that shape its worker pool.
func stageKey(concurrency, maxChunkBytes int) string {
	return fmt.Sprintf("w%d-c%d", concurrency, maxChunkBytes)
}

// acquire returns the stage for the key, creating it on first use.
func (sp *stagePool) acquire(key string, concurrency int) (*stage, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.closed {
		return nil, errors.New(errors.ErrorTypeInternal, "stage pool is closed")
	}
	if st, ok := sp.stages[key]; ok {
		st.refs++
		st.lastUsed = time.Now()
		return st, nil
	}

	p, err := ants.NewPool(concurrency)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to create stage workers")
	}
	st := &stage{pool: p, refs: 1, lastUsed: time.Now()}
	sp.stages[key] = st
	metrics.StagesActive.Set(float64(len(sp.stages)))
	sp.logger.Debug("stage created",
		zap.String("stage", key),
		zap.Int("workers", concurrency))
	return st, nil
}

// release hands a stage back after a run. The pool stays warm until the
// reaper retires it.
func (sp *stagePool) release(key string) {
	sp.mu.Lock()
	if st, ok := sp.stages[key]; ok {
		st.refs--
		st.lastUsed = time.Now()
	}
	sp.mu.Unlock()
}

func (sp *stagePool) reapLoop() {
	defer sp.wg.Done()

	interval := sp.idle / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sp.reap(time.Now())
		case <-sp.stopCh:
			return
		}
	}
}

// reap retires stages idle past the timeout and returns how many it removed.
func (sp *stagePool) reap(now time.Time) int {
	sp.mu.Lock()
	var victims []*ants.Pool
	for key, st := range sp.stages {
		if st.refs == 0 && now.Sub(st.lastUsed) > sp.idle {
			victims = append(victims, st.pool)
			delete(sp.stages, key)
			sp.logger.Debug("stage evicted",
				zap.String("stage", key),
				zap.Duration("idle", now.Sub(st.lastUsed)))
		}
	}
	metrics.StagesActive.Set(float64(len(sp.stages)))
	sp.mu.Unlock()

	for _, p := range victims {
		p.Release()
	}
	return len(victims)
}

// count returns the number of live stages.
func (sp *stagePool) count() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return len(sp.stages)
}

// close stops the reaper and tears down every stage.
func (sp *stagePool) close() {
	sp.mu.Lock()
	if sp.closed {
		sp.mu.Unlock()
		return
	}
	sp.closed = true
	pools := make([]*ants.Pool, 0, len(sp.stages))
	for _, st := range sp.stages {
		pools = append(pools, st.pool)
	}
	sp.stages = make(map[string]*stage)
	sp.mu.Unlock()

	close(sp.stopCh)
	sp.wg.Wait()
	for _, p := range pools {
		p.Release()
	}
	metrics.StagesActive.Set(0)
}
