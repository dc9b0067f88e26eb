package intake

import (
	"sync"
	"time"

	"github.com/cascade-io/cascade/pkg/metrics"
	"github.com/cascade-io/cascade/pkg/pool"
)

type jobStatus string

const (
	statusRunning   jobStatus = "running"
	statusCompleted jobStatus = "completed"
	statusFailed    jobStatus = "failed"
)

// jobRecord tracks one admitted job until its terminal transition.
// Mutations go through the owning jobTable so concurrent snapshots
// never observe torn state.
type jobRecord struct {
	id        string
	size      int64
	strategy  Strategy
	startedAt time.Time
	attempt   int
	status    jobStatus
}

// JobInfo is a point-in-time view of an active job.
type JobInfo struct {
	JobID     string    `json:"job_id"`
	Strategy  string    `json:"strategy"`
	SizeBytes int64     `json:"size_bytes"`
	StartedAt time.Time `json:"started_at"`
	Attempt   int       `json:"attempt"`
	Status    string    `json:"status"`
}

// jobTable holds jobs between admission and completion or failure.
type jobTable struct {
	mu   sync.Mutex
	jobs map[string]*jobRecord
}

func newJobTable() *jobTable {
	return &jobTable{jobs: make(map[string]*jobRecord)}
}

func (t *jobTable) begin(size int64, strategy Strategy) *jobRecord {
	rec := &jobRecord{
		id:        pool.GenerateID("job"),
		size:      size,
		strategy:  strategy,
		startedAt: time.Now(),
		attempt:   1,
		status:    statusRunning,
	}

	t.mu.Lock()
	t.jobs[rec.id] = rec
	t.mu.Unlock()

	metrics.ActiveJobs.Inc()
	return rec
}

func (t *jobTable) setAttempt(id string, attempt int, strategy Strategy) {
	t.mu.Lock()
	if rec, ok := t.jobs[id]; ok {
		rec.attempt = attempt
		rec.strategy = strategy
	}
	t.mu.Unlock()
}

func (t *jobTable) finish(id string, status jobStatus) {
	t.mu.Lock()
	rec, ok := t.jobs[id]
	if ok {
		rec.status = status
		delete(t.jobs, id)
	}
	t.mu.Unlock()

	if ok {
		metrics.ActiveJobs.Dec()
	}
}

func (t *jobTable) active() []JobInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	infos := make([]JobInfo, 0, len(t.jobs))
	for _, rec := range t.jobs {
		infos = append(infos, JobInfo{
			JobID:     rec.id,
			Strategy:  string(rec.strategy),
			SizeBytes: rec.size,
			StartedAt: rec.startedAt,
			Attempt:   rec.attempt,
			Status:    string(rec.status),
		})
	}
	return infos
}

func (t *jobTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}
