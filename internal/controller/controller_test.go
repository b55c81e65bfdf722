package controller

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/popfuzz/internal/chain"
	"github.com/gateway-fm/popfuzz/internal/metrics"
	"github.com/gateway-fm/popfuzz/internal/mockminer"
	"github.com/gateway-fm/popfuzz/internal/storage"
	"github.com/gateway-fm/popfuzz/pkg/types"
)

var smallCounts = types.Counts{
	BaseBlocks:      3,
	RelayBlocks:     6,
	TargetBlocks:    4,
	Proofs:          3,
	DataSubmissions: 3,
}

func seedPtr(s uint64) *uint64 { return &s }

func newTestController(t *testing.T, backend *Backend) (*Controller, *storage.SQLiteStorage, *metrics.PrometheusMetrics) {
	t.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	prom := metrics.NewPrometheusMetrics(prometheus.NewRegistry())
	if backend == nil {
		backend = NewSimBackend(mockminer.New(nil), 2, nil)
	}
	c, err := New(Config{
		Backend:      backend,
		Storage:      store,
		Metrics:      prom,
		PollInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	return c, store, prom
}

func TestNewRequiresNodes(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Backend: &Backend{}})
	assert.Error(t, err)
}

func TestMetricsIdleBeforeFirstRun(t *testing.T) {
	c, _, _ := newTestController(t, nil)
	m := c.Metrics()
	assert.Equal(t, types.StatusIdle, m.Status)
	assert.Equal(t, -1, m.LastIndex)
	assert.False(t, c.StopRun())
}

func TestStartRunCompletesAndPersists(t *testing.T) {
	c, _, prom := newTestController(t, nil)
	ctx := context.Background()

	id, err := c.StartRun(types.StartRunRequest{
		Counts:   smallCounts,
		Seed:     seedPtr(7),
		Converge: types.ConvergeChecks{Tips: true, PendingSet: true, CrossChain: true},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	c.Wait()

	m := c.Metrics()
	assert.Equal(t, types.StatusCompleted, m.Status, m.Error)
	assert.Equal(t, uint64(7), m.Seed)
	assert.GreaterOrEqual(t, m.Dispatched, smallCounts.Total())

	detail, err := c.RunDetail(ctx, id, 1000)
	require.NoError(t, err)
	require.NotNil(t, detail)
	run := detail.Run
	assert.Equal(t, types.StatusCompleted, run.Status)
	assert.True(t, run.Converged)
	assert.Len(t, run.Convergence, 3)
	assert.Equal(t, uint64(7), run.Seed)
	assert.Equal(t, []string{"sim0", "sim1"}, run.Nodes)
	assert.Equal(t, SimDialect, run.Dialect)
	assert.Equal(t, m.Dispatched, run.Dispatched)
	require.NotNil(t, run.CompletedAt)

	require.NotNil(t, detail.Ops)
	assert.Equal(t, m.Dispatched, detail.Ops.Total)
	for i, op := range detail.Ops.Ops {
		assert.Equal(t, i, op.Index)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(prom.RunsTotal.WithLabelValues(string(types.StatusCompleted))))

	page, err := c.ListRuns(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestStartRunSameSeedSameSequence(t *testing.T) {
	ops := func() []types.Operation {
		c, _, _ := newTestController(t, nil)
		id, err := c.StartRun(types.StartRunRequest{Counts: smallCounts, Seed: seedPtr(99)})
		require.NoError(t, err)
		c.Wait()
		page, err := c.RunOps(context.Background(), id, 1000, 0)
		require.NoError(t, err)
		out := make([]types.Operation, len(page.Ops))
		for i, e := range page.Ops {
			out[i] = e.Op
		}
		return out
	}
	first := ops()
	require.NotEmpty(t, first)
	assert.Equal(t, first, ops())
}

func TestStartRunRejectsSecondRun(t *testing.T) {
	c, _, _ := newTestController(t, nil)

	// Paced slowly enough to still be running when stopped.
	_, err := c.StartRun(types.StartRunRequest{Counts: smallCounts, OpsPerSec: 5})
	require.NoError(t, err)

	_, err = c.StartRun(types.StartRunRequest{Counts: smallCounts})
	assert.ErrorIs(t, err, ErrRunActive)

	assert.True(t, c.StopRun())
	c.Wait()
	assert.Equal(t, types.StatusCancelled, c.Metrics().Status)

	// The slot is free again.
	_, err = c.StartRun(types.StartRunRequest{Counts: types.Counts{TargetBlocks: 1}})
	require.NoError(t, err)
	c.Wait()
	assert.Equal(t, types.StatusCompleted, c.Metrics().Status)
}

func TestStartRunValidation(t *testing.T) {
	c, _, _ := newTestController(t, nil)
	_, err := c.StartRun(types.StartRunRequest{Counts: types.Counts{Proofs: -1}})
	assert.Error(t, err)
	assert.Equal(t, types.StatusIdle, c.Metrics().Status)
}

func TestStartRunWithSpikePacing(t *testing.T) {
	c, _, _ := newTestController(t, nil)
	_, err := c.StartRun(types.StartRunRequest{
		Counts:    types.Counts{TargetBlocks: 3, BaseBlocks: 2},
		Seed:      seedPtr(5),
		OpsPerSec: 1000,
		Pacing: &types.Pacing{
			Pattern:     types.PacingSpike,
			SpikeRate:   5000,
			SpikeSec:    1,
			IntervalSec: 2,
		},
	})
	require.NoError(t, err)
	c.Wait()
	assert.Equal(t, types.StatusCompleted, c.Metrics().Status, c.Metrics().Error)
}

type failingNode struct {
	*mockminer.SimNode
}

func (n *failingNode) Generate(ctx context.Context, count int, payout string) ([]chain.Hash, error) {
	return nil, errors.New("node unreachable")
}

func TestStartRunRecordsFailure(t *testing.T) {
	miner := mockminer.New(nil)
	sim := mockminer.NewSimNode("broken", miner.Bootstrap(), nil)
	backend := &Backend{Nodes: []chain.Node{&failingNode{sim}}, Miner: miner, Dialect: SimDialect}
	c, _, _ := newTestController(t, backend)

	id, err := c.StartRun(types.StartRunRequest{Counts: types.Counts{TargetBlocks: 2}, Seed: seedPtr(3)})
	require.NoError(t, err)
	c.Wait()

	m := c.Metrics()
	assert.Equal(t, types.StatusError, m.Status)
	assert.Contains(t, m.Error, "seed=3")
	assert.Contains(t, m.Error, "node unreachable")

	detail, err := c.RunDetail(context.Background(), id, 10)
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, detail.Run.Status)
	assert.False(t, detail.Run.Converged)
	assert.Equal(t, -1, detail.Run.LastIndex)
	require.Len(t, detail.Ops.Ops, 1)
	assert.Equal(t, types.OutcomeFailed, detail.Ops.Ops[0].Outcome)
}

func TestConvergeDefaultsToAllChecks(t *testing.T) {
	c, _, _ := newTestController(t, nil)
	results := c.Converge(context.Background(), types.ConvergeChecks{}, time.Second)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Converged, r.Check)
		assert.Len(t, r.Snapshot, 2)
	}

	results = c.Converge(context.Background(), types.ConvergeChecks{Tips: true}, time.Second)
	require.Len(t, results, 1)
	assert.Equal(t, "tip", results[0].Check)
}

func TestRunDetailNotFound(t *testing.T) {
	c, _, _ := newTestController(t, nil)
	detail, err := c.RunDetail(context.Background(), "missing", 10)
	assert.NoError(t, err)
	assert.Nil(t, detail)
}

func TestCheckNodes(t *testing.T) {
	c, _, _ := newTestController(t, nil)
	for name, err := range c.CheckNodes(context.Background()) {
		assert.NoError(t, err, name)
	}
}

func TestValidateStartRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     types.StartRunRequest
		wantErr bool
	}{
		{"valid", types.StartRunRequest{Counts: smallCounts, TimeBudgetSec: 60}, false},
		{"no operations", types.StartRunRequest{}, true},
		{"negative count", types.StartRunRequest{Counts: types.Counts{RelayBlocks: -2, TargetBlocks: 1}}, true},
		{"huge count", types.StartRunRequest{Counts: types.Counts{BaseBlocks: maxStreamCount + 1}}, true},
		{"negative budget", types.StartRunRequest{Counts: smallCounts, TimeBudgetSec: -1}, true},
		{"negative rate", types.StartRunRequest{Counts: smallCounts, OpsPerSec: -0.5}, true},
		{"negative converge", types.StartRunRequest{Counts: smallCounts, ConvergeSec: -1}, true},
		{"ramp pacing", types.StartRunRequest{Counts: smallCounts, Pacing: &types.Pacing{Pattern: types.PacingRamp, StartRate: 10, EndRate: 100, DurationSec: 5}}, false},
		{"ramp without rates", types.StartRunRequest{Counts: smallCounts, Pacing: &types.Pacing{Pattern: types.PacingRamp}}, true},
		{"unknown pacing", types.StartRunRequest{Counts: smallCounts, Pacing: &types.Pacing{Pattern: "zigzag"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStartRequest(&tt.req)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
