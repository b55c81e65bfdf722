package mcp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/popfuzz/internal/storage"
	"github.com/gateway-fm/popfuzz/pkg/types"
)

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{int64(1234567), "1,234,567"},
		{uint64(18446744073709551615), "18,446,744,073,709,551,615"},
		{float64(2500), "2,500"},
		{1.25, "1.2"},
		{"x", "x"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatNumber(tt.in), "%v", tt.in)
	}
}

func TestFormatCounts(t *testing.T) {
	assert.Equal(t, "none", formatCounts(nil))
	got := formatCounts(map[types.Operation]uint64{
		types.OpMineTarget: 1200,
		types.OpMineBase:   3,
	})
	assert.Equal(t, "mine-base=3, mine-target=1,200", got)
}

func TestFormatStatus(t *testing.T) {
	idle, _ := json.Marshal(types.RunMetrics{Status: types.StatusIdle, LastIndex: -1})
	assert.Contains(t, formatStatus(idle), "No run has been started.")

	raw, _ := json.Marshal(types.RunMetrics{
		ID:         "run-1",
		Status:     types.StatusError,
		Seed:       18446744073709551615,
		Planned:    500,
		Dispatched: 42,
		LastIndex:  40,
		Applied:    map[types.Operation]uint64{types.OpMineRelay: 5},
		Queues:     types.QueueDepths{BaseTxPending: 2},
		ElapsedMs:  1500,
		Latency:    &types.LatencyStats{Count: 42, P50: 1.5, P90: 3, P99: 9.25},
		Error:      "op 41 (mine-target) failed",
	})
	out := formatStatus(raw)
	assert.Contains(t, out, "18446744073709551615")
	assert.Contains(t, out, "mine-relay=5")
	assert.Contains(t, out, "base-tx=2")
	assert.Contains(t, out, "1.50s")
	assert.Contains(t, out, "9.2ms")
	assert.Contains(t, out, "op 41 (mine-target) failed")
}

func TestFormatHistory(t *testing.T) {
	empty, _ := json.Marshal(storage.PaginatedRuns{})
	assert.Equal(t, "No runs recorded.", formatHistory(empty))

	raw, _ := json.Marshal(storage.PaginatedRuns{
		Runs: []storage.Run{{
			ID:         "abc",
			Status:     types.StatusCompleted,
			Seed:       7,
			Dispatched: 12,
			StartedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		}},
		Total: 3,
	})
	out := formatHistory(raw)
	assert.Contains(t, out, "Runs (1 of 3)")
	assert.Contains(t, out, "abc")
	assert.Contains(t, out, "2026-01-02T03:04:05Z")
}

func TestFormatRunOps(t *testing.T) {
	raw, _ := json.Marshal(storage.PaginatedOps{
		Ops: []storage.OpLogEntry{
			{Index: 0, Op: types.OpMineBase, Outcome: types.OutcomeApplied, DurationUs: 1500},
			{Index: 1, Op: types.OpMineRelayProof, Outcome: types.OutcomeEmptyQueueNoop},
			{Index: 2, Op: types.OpMineRelay, Outcome: types.OutcomeApplied, Settle: true},
		},
		Total: 3,
	})
	out := formatRunOps(raw)
	assert.Contains(t, out, "Operations 0-2 of 3")
	assert.Contains(t, out, "empty-queue-noop")
	assert.Contains(t, out, "mine-relay (settle)")
	assert.Contains(t, out, "1.5ms")
}

func TestFormatConverge(t *testing.T) {
	raw, _ := json.Marshal(types.ConvergeResponse{
		Converged: false,
		Results: []types.ConvergeResult{
			{Check: "tip", Converged: true, ElapsedMs: 120},
			{Check: "pending-set", Converged: false, Error: "timed out"},
		},
	})
	out := formatConverge(raw)
	assert.Contains(t, out, "diverged")
	assert.Contains(t, out, "ok (0.12s)")
	assert.Contains(t, out, "FAILED: timed out")
}

func TestClient(t *testing.T) {
	var gotMethod, gotBody, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		if r.URL.Path == "/missing" {
			http.Error(w, `{"error":"Run not found"}`, http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/")
	ctx := context.Background()

	raw, err := c.Get(ctx, "/v1/status")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
	assert.Equal(t, http.MethodGet, gotMethod)
	assert.Empty(t, gotType)

	_, err = c.Post(ctx, "/v1/start", types.StartRunRequest{Counts: types.Counts{Proofs: 1}})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/json", gotType)
	assert.Contains(t, gotBody, `"proofs":1`)

	_, err = c.Delete(ctx, "/v1/history/x")
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, gotMethod)

	_, err = c.Get(ctx, "/missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")
	assert.Contains(t, err.Error(), "Run not found")
}
