// Package storage persists run history and operation logs.
package storage

import (
	"time"

	"github.com/gateway-fm/popfuzz/pkg/types"
)

// Run is a persisted workload run with its summary.
type Run struct {
	ID           string                     `json:"id"`
	StartedAt    time.Time                  `json:"startedAt"`
	CompletedAt  *time.Time                 `json:"completedAt,omitempty"`
	Status       types.RunStatus            `json:"status"`
	Seed         uint64                     `json:"seed"`
	Counts       types.Counts               `json:"counts"`
	Config       *types.StartRunRequest     `json:"config,omitempty"`
	Dialect      string                     `json:"dialect"` // "sim" for in-process nodes
	Nodes        []string                   `json:"nodes,omitempty"`
	Dispatched   int                        `json:"dispatched"`
	LastIndex    int                        `json:"lastIndex"`
	ElapsedMs    int64                      `json:"elapsedMs"`
	Truncated    bool                       `json:"truncated"`
	Converged    bool                       `json:"converged"`
	Convergence  []types.ConvergeResult     `json:"convergence,omitempty"`
	Applied      map[types.Operation]uint64 `json:"applied,omitempty"`
	Noops        map[types.Operation]uint64 `json:"noops,omitempty"`
	Latency      *types.LatencyStats        `json:"latency,omitempty"`
	ErrorMessage string                     `json:"errorMessage,omitempty"`

	// User-defined metadata
	CustomName *string `json:"customName,omitempty"`
	IsFavorite bool    `json:"isFavorite"`
}

// Result converts the run to its API form.
func (r *Run) Result() types.RunResult {
	res := types.RunResult{
		ID:         r.ID,
		StartedAt:  r.StartedAt,
		Status:     r.Status,
		Seed:       r.Seed,
		Counts:     r.Counts,
		Dispatched: r.Dispatched,
		LastIndex:  r.LastIndex,
		ElapsedMs:  r.ElapsedMs,
		Truncated:  r.Truncated,
		Converged:  r.Converged,
		Error:      r.ErrorMessage,
	}
	if r.CompletedAt != nil {
		res.CompletedAt = *r.CompletedAt
	}
	if r.Config != nil {
		res.Config = *r.Config
	}
	return res
}

// RunMetadataUpdate holds fields for updating run metadata.
type RunMetadataUpdate struct {
	CustomName *string `json:"customName,omitempty"`
	IsFavorite *bool   `json:"isFavorite,omitempty"`
}

// PaginatedRuns is a page of run history, newest first.
type PaginatedRuns struct {
	Runs   []Run `json:"runs"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// OpLogEntry is one dispatched operation of a run.
type OpLogEntry struct {
	Index      int             `json:"index"`
	Op         types.Operation `json:"op"`
	Outcome    types.Outcome   `json:"outcome"`
	Settle     bool            `json:"settle,omitempty"`
	DurationUs int64           `json:"durationUs"`
	Error      string          `json:"error,omitempty"`
}

// Record converts the entry to its API form.
func (e OpLogEntry) Record() types.OpRecord {
	return types.OpRecord{Index: e.Index, Op: e.Op, Outcome: e.Outcome, Error: e.Error}
}

// PaginatedOps is a page of a run's operation log, in dispatch order.
type PaginatedOps struct {
	Ops    []OpLogEntry `json:"ops"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}
