package metrics

import (
	"sync"
	"time"

	"github.com/gateway-fm/popfuzz/internal/workload"
	"github.com/gateway-fm/popfuzz/pkg/types"
)

// RunTracker accumulates the live view of one run from workload events.
// The driver writes from its goroutine while API handlers read, so every
// access is locked.
type RunTracker struct {
	mu        sync.RWMutex
	id        string
	status    types.RunStatus
	seed      uint64
	planned   int
	started   time.Time
	finished  time.Time
	lastIndex int
	lastOp    types.Operation
	applied   map[types.Operation]uint64
	noops     map[types.Operation]uint64
	queues    types.QueueDepths
	truncated bool
	err       string

	latency *Latency
}

var _ workload.Observer = (*RunTracker)(nil)

// NewRunTracker creates a tracker for a run that is about to start.
func NewRunTracker(id string, seed uint64, planned int) *RunTracker {
	return &RunTracker{
		id:        id,
		status:    types.StatusRunning,
		seed:      seed,
		planned:   planned,
		started:   time.Now(),
		lastIndex: -1,
		applied:   make(map[types.Operation]uint64),
		noops:     make(map[types.Operation]uint64),
		latency:   NewLatency(),
	}
}

// OnOperation implements workload.Observer.
func (t *RunTracker) OnOperation(ev workload.Event) {
	t.latency.Add(float64(ev.Duration) / float64(time.Millisecond))

	t.mu.Lock()
	defer t.mu.Unlock()
	t.queues = ev.Queues
	if ev.Err != nil {
		return
	}
	t.lastIndex = ev.Index
	t.lastOp = ev.Op
	switch ev.Outcome {
	case types.OutcomeApplied:
		t.applied[ev.Op]++
	case types.OutcomeEmptyQueueNoop:
		t.noops[ev.Op]++
	}
}

// SetStatus moves the run to status. Terminal statuses stop the clock.
func (t *RunTracker) SetStatus(status types.RunStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
	switch status {
	case types.StatusCompleted, types.StatusError, types.StatusCancelled:
		if t.finished.IsZero() {
			t.finished = time.Now()
		}
	}
}

// SetTruncated records that the time budget cut the run short.
func (t *RunTracker) SetTruncated() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.truncated = true
}

// Fail records err and moves the run to the error status.
func (t *RunTracker) Fail(err error) {
	t.mu.Lock()
	t.err = err.Error()
	t.mu.Unlock()
	t.SetStatus(types.StatusError)
}

// Status returns the current status.
func (t *RunTracker) Status() types.RunStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Snapshot returns the current metrics.
func (t *RunTracker) Snapshot() types.RunMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	end := t.finished
	if end.IsZero() {
		end = time.Now()
	}
	m := types.RunMetrics{
		ID:         t.id,
		Status:     t.status,
		Seed:       t.seed,
		Planned:    t.planned,
		Dispatched: t.lastIndex + 1,
		LastIndex:  t.lastIndex,
		LastOp:     t.lastOp,
		Applied:    make(map[types.Operation]uint64, len(t.applied)),
		Noops:      make(map[types.Operation]uint64, len(t.noops)),
		Queues:     t.queues,
		ElapsedMs:  end.Sub(t.started).Milliseconds(),
		Truncated:  t.truncated,
		Latency:    t.latency.Stats(),
		Error:      t.err,
	}
	for op, n := range t.applied {
		m.Applied[op] = n
	}
	for op, n := range t.noops {
		m.Noops[op] = n
	}
	return m
}
