// Package controller orchestrates workload runs for the HTTP API: it owns
// the backend, allows one active run at a time, verifies convergence after
// a run and persists every run with its operation log.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gateway-fm/popfuzz/internal/convergence"
	"github.com/gateway-fm/popfuzz/internal/metrics"
	"github.com/gateway-fm/popfuzz/internal/pattern"
	"github.com/gateway-fm/popfuzz/internal/ratelimit"
	"github.com/gateway-fm/popfuzz/internal/sequence"
	"github.com/gateway-fm/popfuzz/internal/storage"
	"github.com/gateway-fm/popfuzz/internal/workload"
	"github.com/gateway-fm/popfuzz/pkg/types"
)

// ErrRunActive is returned when a run is started while another is active.
var ErrRunActive = errors.New("a run is already active")

// persistTimeout bounds the storage writes after a run.
const persistTimeout = 30 * time.Second

// Config configures a Controller.
type Config struct {
	Backend *Backend
	// Storage is optional; without it runs are not persisted.
	Storage storage.Storage
	// Metrics is optional.
	Metrics *metrics.PrometheusMetrics
	Logger  *slog.Logger

	// Workload settings shared by every run.
	PayoutAddress       string
	NetworkID           int64
	EndorsementInterval int64
	NoSettle            bool
	PollInterval        time.Duration
}

// RunDetail is a persisted run with the first page of its operation log.
type RunDetail struct {
	Run *storage.Run          `json:"run"`
	Ops *storage.PaginatedOps `json:"ops,omitempty"`
}

// Controller runs workloads one at a time.
type Controller struct {
	cfg     Config
	backend *Backend
	store   storage.Storage
	prom    *metrics.PrometheusMetrics
	logger  *slog.Logger

	mu      sync.RWMutex
	tracker *metrics.RunTracker // current or last run
	cancel  context.CancelFunc  // set while a run is active
	wg      sync.WaitGroup
}

// New creates a Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Backend == nil || len(cfg.Backend.Nodes) == 0 {
		return nil, errors.New("controller: backend with at least one node is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:     cfg,
		backend: cfg.Backend,
		store:   cfg.Storage,
		prom:    cfg.Metrics,
		logger:  logger,
	}, nil
}

// StartRun validates req and starts a run in the background. It returns
// the run ID.
func (c *Controller) StartRun(req types.StartRunRequest) (string, error) {
	if err := ValidateStartRequest(&req); err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return "", ErrRunActive
	}

	seed := sequence.RandomSeed()
	if req.Seed != nil {
		seed = *req.Seed
	}
	req.Seed = &seed

	id := uuid.NewString()
	tracker := metrics.NewRunTracker(id, seed, req.Counts.Total())
	ctx, cancel := context.WithCancel(context.Background())
	c.tracker = tracker
	c.cancel = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	run := &storage.Run{
		ID:        id,
		StartedAt: time.Now(),
		Status:    types.StatusRunning,
		Seed:      seed,
		Counts:    req.Counts,
		Config:    &req,
		Dialect:   c.backend.Dialect,
		Nodes:     c.backend.NodeNames(),
		LastIndex: -1,
	}
	if c.store != nil {
		if err := c.store.CreateRun(ctx, run); err != nil {
			// History is best effort; the run still happens.
			c.logger.Error("failed to persist run start", slog.String("id", id), slog.String("error", err.Error()))
		}
	}
	if c.prom != nil {
		c.prom.Reset()
		c.prom.SetRunStatus(types.StatusRunning)
	}

	c.logger.Info("run started",
		slog.String("id", id),
		slog.Uint64("seed", seed),
		slog.Int("planned", req.Counts.Total()),
	)

	go c.execute(ctx, run, req, tracker)
	return id, nil
}

// execute runs the workload and the requested convergence checks, then
// persists the outcome.
func (c *Controller) execute(ctx context.Context, run *storage.Run, req types.StartRunRequest, tracker *metrics.RunTracker) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.cancel()
		c.cancel = nil
		c.mu.Unlock()
	}()

	opLog := newOpCollector(req.Counts.Total())
	pacer, err := pacingPattern(&req)
	if err != nil {
		// Validated in StartRun.
		pacer = pattern.NewConstant(req.OpsPerSec)
	}
	limiter := ratelimit.New(pacer.Rate(0))
	go pattern.Drive(ctx, pacer, limiter, pattern.DefaultUpdateInterval)

	params := workload.Params{
		Counts:              req.Counts,
		Seed:                *req.Seed,
		TimeBudget:          time.Duration(req.TimeBudgetSec) * time.Second,
		EndorsementInterval: c.cfg.EndorsementInterval,
		PayoutAddress:       c.cfg.PayoutAddress,
		NetworkID:           c.cfg.NetworkID,
		NoSettle:            c.cfg.NoSettle,
		Pacer:               limiter,
		Logger:              c.logger.With("run", run.ID),
	}
	if c.prom != nil {
		params.Observer = workload.Observers(tracker, c.prom, opLog)
	} else {
		params.Observer = workload.Observers(tracker, opLog)
	}

	res, err := workload.Run(ctx, c.backend.Nodes[0], c.backend.Miner, params)
	switch {
	case err != nil && ctx.Err() != nil:
		tracker.SetStatus(types.StatusCancelled)
	case err != nil:
		tracker.Fail(err)
	default:
		if res.Truncated {
			tracker.SetTruncated()
		}
		run.Converged = true
		if checks := req.Converge; checks.Tips || checks.PendingSet || checks.CrossChain {
			tracker.SetStatus(types.StatusConverging)
			c.setPromStatus(types.StatusConverging)

			timeout := time.Duration(req.ConvergeSec) * time.Second
			run.Convergence = c.converge(ctx, checks, timeout)
			for _, r := range run.Convergence {
				if !r.Converged {
					run.Converged = false
				}
			}
		}
		switch {
		case ctx.Err() != nil:
			tracker.SetStatus(types.StatusCancelled)
		case !run.Converged:
			tracker.Fail(fmt.Errorf("nodes did not converge after seed %d", *req.Seed))
		default:
			tracker.SetStatus(types.StatusCompleted)
		}
	}

	snap := tracker.Snapshot()
	if c.prom != nil {
		c.prom.SetRunStatus(snap.Status)
		c.prom.RecordRunFinished(snap.Status, time.Duration(snap.ElapsedMs)*time.Millisecond)
	}
	c.logger.Info("run finished",
		slog.String("id", run.ID),
		slog.String("status", string(snap.Status)),
		slog.Int("dispatched", snap.Dispatched),
		slog.Int64("elapsedMs", snap.ElapsedMs),
	)

	completed := time.Now()
	run.CompletedAt = &completed
	run.Status = snap.Status
	run.Dispatched = snap.Dispatched
	run.LastIndex = snap.LastIndex
	run.ElapsedMs = snap.ElapsedMs
	run.Truncated = snap.Truncated
	run.Applied = snap.Applied
	run.Noops = snap.Noops
	run.Latency = snap.Latency
	run.ErrorMessage = snap.Error
	if snap.Status != types.StatusCompleted {
		run.Converged = false
	}
	c.persist(run, opLog.entries())
}

func (c *Controller) persist(run *storage.Run, ops []storage.OpLogEntry) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := c.store.CompleteRun(ctx, run); err != nil {
		c.logger.Error("failed to persist run", slog.String("id", run.ID), slog.String("error", err.Error()))
		return
	}
	if err := c.store.BulkInsertOps(ctx, run.ID, ops); err != nil {
		c.logger.Error("failed to persist operation log", slog.String("id", run.ID), slog.String("error", err.Error()))
	}
}

func (c *Controller) setPromStatus(status types.RunStatus) {
	if c.prom != nil {
		c.prom.SetRunStatus(status)
	}
}

// StopRun cancels the active run, if any. The in-flight operation finishes
// first.
func (c *Controller) StopRun() bool {
	c.mu.RLock()
	cancel := c.cancel
	c.mu.RUnlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Wait blocks until no run is active.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Metrics returns the live view of the current or last run.
func (c *Controller) Metrics() types.RunMetrics {
	c.mu.RLock()
	tracker := c.tracker
	c.mu.RUnlock()
	if tracker == nil {
		return types.RunMetrics{Status: types.StatusIdle, LastIndex: -1}
	}
	return tracker.Snapshot()
}

// Converge runs the selected checks against every node of the backend. With
// no check selected all three run. A zero timeout uses each check's default.
func (c *Controller) Converge(ctx context.Context, checks types.ConvergeChecks, timeout time.Duration) []types.ConvergeResult {
	if !checks.Tips && !checks.PendingSet && !checks.CrossChain {
		checks = types.ConvergeChecks{Tips: true, PendingSet: true, CrossChain: true}
	}
	return c.converge(ctx, checks, timeout)
}

func (c *Controller) converge(ctx context.Context, checks types.ConvergeChecks, timeout time.Duration) []types.ConvergeResult {
	poller := convergence.New(convergence.Config{
		Nodes:    c.backend.Nodes,
		Interval: c.cfg.PollInterval,
		Logger:   c.logger,
		Recorder: c.recorder(),
	})

	type check struct {
		name    string
		enabled bool
		def     time.Duration
		poll    func(context.Context, time.Duration) (*convergence.Snapshot, error)
	}
	all := []check{
		{convergence.CheckTip, checks.Tips, convergence.DefaultTipTimeout, poller.PollTipConvergence},
		{convergence.CheckPendingSet, checks.PendingSet, convergence.DefaultPendingSetTimeout, poller.PollPendingSetConvergence},
		{convergence.CheckCrossChain, checks.CrossChain, convergence.DefaultCrossChainTimeout, poller.PollCrossChainTipConvergence},
	}

	var results []types.ConvergeResult
	for _, ch := range all {
		if !ch.enabled {
			continue
		}
		t := timeout
		if t <= 0 {
			t = ch.def
		}
		start := time.Now()
		snap, err := ch.poll(ctx, t)
		r := types.ConvergeResult{
			Check:     ch.name,
			Converged: err == nil,
			ElapsedMs: time.Since(start).Milliseconds(),
		}
		if err != nil {
			r.Error = err.Error()
		}
		if snap != nil {
			r.Snapshot = snap.API()
		}
		results = append(results, r)
		if ctx.Err() != nil {
			break
		}
	}
	return results
}

// recorder avoids handing the poller a typed nil.
func (c *Controller) recorder() convergence.Recorder {
	if c.prom == nil {
		return nil
	}
	return c.prom
}

// ListRuns returns a page of persisted runs.
func (c *Controller) ListRuns(ctx context.Context, limit, offset int) (*storage.PaginatedRuns, error) {
	if c.store == nil {
		return &storage.PaginatedRuns{Runs: []storage.Run{}, Limit: limit, Offset: offset}, nil
	}
	return c.store.ListRuns(ctx, limit, offset)
}

// RunDetail returns a persisted run with its first opsLimit operations, or
// nil if the run does not exist.
func (c *Controller) RunDetail(ctx context.Context, id string, opsLimit int) (*RunDetail, error) {
	if c.store == nil {
		return nil, nil
	}
	run, err := c.store.GetRun(ctx, id)
	if err != nil || run == nil {
		return nil, err
	}
	ops, err := c.store.GetOps(ctx, id, opsLimit, 0)
	if err != nil {
		return nil, err
	}
	return &RunDetail{Run: run, Ops: ops}, nil
}

// RunOps returns a page of a run's operation log.
func (c *Controller) RunOps(ctx context.Context, id string, limit, offset int) (*storage.PaginatedOps, error) {
	if c.store == nil {
		return &storage.PaginatedOps{Ops: []storage.OpLogEntry{}, Limit: limit, Offset: offset}, nil
	}
	return c.store.GetOps(ctx, id, limit, offset)
}

// DeleteRun removes a persisted run and its operation log.
func (c *Controller) DeleteRun(ctx context.Context, id string) error {
	if c.store == nil {
		return errors.New("no storage configured")
	}
	return c.store.DeleteRun(ctx, id)
}

// UpdateRunMetadata changes a run's name or favorite flag.
func (c *Controller) UpdateRunMetadata(ctx context.Context, id string, update *storage.RunMetadataUpdate) error {
	if c.store == nil {
		return errors.New("no storage configured")
	}
	return c.store.UpdateRunMetadata(ctx, id, update)
}

// CheckNodes queries the block count of every node.
func (c *Controller) CheckNodes(ctx context.Context) map[string]error {
	out := make(map[string]error, len(c.backend.Nodes))
	for _, n := range c.backend.Nodes {
		_, err := n.GetBlockCount(ctx)
		out[n.Name()] = err
	}
	return out
}

// opCollector buffers the operation log in memory; it is written to
// storage once the run is over.
type opCollector struct {
	mu  sync.Mutex
	ops []storage.OpLogEntry
}

func newOpCollector(capacity int) *opCollector {
	return &opCollector{ops: make([]storage.OpLogEntry, 0, capacity)}
}

func (o *opCollector) OnOperation(ev workload.Event) {
	entry := storage.OpLogEntry{
		Index:      ev.Index,
		Op:         ev.Op,
		Outcome:    ev.Outcome,
		Settle:     ev.Settle,
		DurationUs: ev.Duration.Microseconds(),
	}
	if ev.Err != nil {
		entry.Outcome = types.OutcomeFailed
		entry.Error = ev.Err.Error()
	}
	o.mu.Lock()
	o.ops = append(o.ops, entry)
	o.mu.Unlock()
}

func (o *opCollector) entries() []storage.OpLogEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]storage.OpLogEntry(nil), o.ops...)
}
