// Package types contains public API types for the workload generator.
// These types form the external interface and must remain backwards-compatible.
package types

import "time"

// Operation is a single unit of cross-chain work. Its identity within a run
// is positional (its index in the generated sequence).
type Operation string

const (
	OpMineBase              Operation = "mine-base"
	OpMineRelay             Operation = "mine-relay"       // relay block consuming no proofs
	OpMineRelayProof        Operation = "mine-relay-proof" // relay block consuming one proof
	OpMineTarget            Operation = "mine-target"
	OpSubmitBaseTx          Operation = "submit-base-tx"
	OpSubmitRelayProofTx    Operation = "submit-relay-proof-tx"
	OpSubmitRelayTx         Operation = "submit-relay-tx"
	OpSubmitTargetProofData Operation = "submit-target-proof-data"
)

// AllOperations lists every operation in a stable order.
var AllOperations = []Operation{
	OpMineBase,
	OpMineRelay,
	OpMineRelayProof,
	OpMineTarget,
	OpSubmitBaseTx,
	OpSubmitRelayProofTx,
	OpSubmitRelayTx,
	OpSubmitTargetProofData,
}

// IsConsumer reports whether the operation takes an artifact from a queue.
func (o Operation) IsConsumer() bool {
	switch o {
	case OpMineRelayProof, OpSubmitRelayProofTx, OpSubmitTargetProofData:
		return true
	}
	return false
}

// Outcome is the result of dispatching one operation.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	// OutcomeEmptyQueueNoop means a consumer found nothing to consume.
	// It is not a failure.
	OutcomeEmptyQueueNoop Outcome = "empty-queue-noop"
	OutcomeFailed         Outcome = "failed"
)

// RunStatus represents the current run state.
type RunStatus string

const (
	StatusIdle       RunStatus = "idle"
	StatusRunning    RunStatus = "running"
	StatusConverging RunStatus = "converging" // Workload finished, polling nodes for agreement
	StatusCompleted  RunStatus = "completed"
	StatusError      RunStatus = "error"
	StatusCancelled  RunStatus = "cancelled"
)

// Counts is the size of each operation stream in a run.
type Counts struct {
	BaseBlocks      int `json:"baseBlocks" yaml:"baseBlocks"`
	RelayBlocks     int `json:"relayBlocks" yaml:"relayBlocks"`
	TargetBlocks    int `json:"targetBlocks" yaml:"targetBlocks"`
	Proofs          int `json:"proofs" yaml:"proofs"`                   // base tx / relay proof pairs
	DataSubmissions int `json:"dataSubmissions" yaml:"dataSubmissions"` // relay tx / target data pairs
}

// Total returns the number of operations the counts generate.
func (c Counts) Total() int {
	return c.BaseBlocks + c.RelayBlocks + c.TargetBlocks + 2*c.Proofs + 2*c.DataSubmissions
}

// ConvergeChecks selects which convergence checks run after a workload.
type ConvergeChecks struct {
	Tips       bool `json:"tips"`
	PendingSet bool `json:"pendingSet"`
	CrossChain bool `json:"crossChain"`
}

// PacingPattern names how the dispatch rate evolves during a run.
type PacingPattern string

const (
	PacingConstant PacingPattern = "constant"
	PacingRamp     PacingPattern = "ramp"
	PacingSpike    PacingPattern = "spike"
)

// Pacing shapes the dispatch rate over time. OpsPerSec is the constant rate
// and the spike baseline.
type Pacing struct {
	Pattern PacingPattern `json:"pattern" yaml:"pattern"`

	// Ramp pattern
	StartRate   float64 `json:"startRate,omitempty" yaml:"startRate"`
	EndRate     float64 `json:"endRate,omitempty" yaml:"endRate"`
	DurationSec int     `json:"durationSec,omitempty" yaml:"durationSec"` // 0 = the time budget

	// Spike pattern
	SpikeRate   float64 `json:"spikeRate,omitempty" yaml:"spikeRate"`
	SpikeSec    int     `json:"spikeSec,omitempty" yaml:"spikeSec"`
	IntervalSec int     `json:"intervalSec,omitempty" yaml:"intervalSec"`
}

// StartRunRequest is the API request to start a run.
type StartRunRequest struct {
	Counts        Counts         `json:"counts"`
	Seed          *uint64        `json:"seed,omitempty"` // random when omitted
	TimeBudgetSec int            `json:"timeBudgetSec"`
	OpsPerSec     float64        `json:"opsPerSec,omitempty"` // 0 = unpaced
	Pacing        *Pacing        `json:"pacing,omitempty"`    // nil = constant OpsPerSec
	Converge      ConvergeChecks `json:"converge"`
	ConvergeSec   int            `json:"convergeSec,omitempty"`
}

// QueueDepths is the number of artifacts waiting in each queue.
type QueueDepths struct {
	BaseTxPending     int `json:"baseTxPending"`
	RelayProofPending int `json:"relayProofPending"`
	TargetDataPending int `json:"targetDataPending"`
	RelayTxPool       int `json:"relayTxPool"`
}

// RunMetrics holds real-time run metrics.
type RunMetrics struct {
	ID         string               `json:"id,omitempty"`
	Status     RunStatus            `json:"status"`
	Seed       uint64               `json:"seed"`
	Planned    int                  `json:"planned"`
	Dispatched int                  `json:"dispatched"`
	LastIndex  int                  `json:"lastIndex"`
	LastOp     Operation            `json:"lastOp,omitempty"`
	Applied    map[Operation]uint64 `json:"applied,omitempty"`
	Noops      map[Operation]uint64 `json:"noops,omitempty"`
	Queues     QueueDepths          `json:"queues"`
	ElapsedMs  int64                `json:"elapsedMs"`
	Truncated  bool                 `json:"truncated,omitempty"`
	Latency    *LatencyStats        `json:"latency,omitempty"` // per-operation dispatch latency
	Error      string               `json:"error,omitempty"`
}

// LatencyStats holds latency percentiles.
type LatencyStats struct {
	Count   int             `json:"count"`
	Min     float64         `json:"min"` // ms
	Max     float64         `json:"max"` // ms
	Avg     float64         `json:"avg"` // ms
	P50     float64         `json:"p50"` // ms
	P90     float64         `json:"p90"` // ms
	P99     float64         `json:"p99"` // ms
	Buckets []LatencyBucket `json:"buckets"`
}

// LatencyBucket is one histogram bucket.
type LatencyBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// RunResult stores the final results of a finished run.
type RunResult struct {
	ID          string          `json:"id"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt time.Time       `json:"completedAt"`
	Status      RunStatus       `json:"status"`
	Seed        uint64          `json:"seed"`
	Counts      Counts          `json:"counts"`
	Dispatched  int             `json:"dispatched"`
	LastIndex   int             `json:"lastIndex"`
	ElapsedMs   int64           `json:"elapsedMs"`
	Truncated   bool            `json:"truncated"`
	Converged   bool            `json:"converged"`
	Error       string          `json:"error,omitempty"`
	Config      StartRunRequest `json:"config"`
}

// OpRecord is one entry of a run's operation log.
type OpRecord struct {
	Index   int       `json:"index"`
	Op      Operation `json:"op"`
	Outcome Outcome   `json:"outcome"`
	Error   string    `json:"error,omitempty"`
}

// NodeSnapshot is one node's observable state at a poll tick.
type NodeSnapshot struct {
	Node          string   `json:"node"`
	BestBlockHash string   `json:"bestBlockHash"`
	BlockCount    int64    `json:"blockCount"`
	BaseTipHash   string   `json:"baseTipHash"`
	RelayTipHash  string   `json:"relayTipHash"`
	RelayBlocks   []string `json:"relayBlocks"`
	RelayProofs   []string `json:"relayProofs"`
	RelayTxs      []string `json:"relayTxs"`
}

// ConvergeResult is the API response of a convergence check.
type ConvergeResult struct {
	Check     string         `json:"check"`
	Converged bool           `json:"converged"`
	ElapsedMs int64          `json:"elapsedMs"`
	Error     string         `json:"error,omitempty"`
	Snapshot  []NodeSnapshot `json:"snapshot,omitempty"`
}

// ConvergeRequest is the API request to run convergence checks now. With no
// check selected all three run.
type ConvergeRequest struct {
	Checks     ConvergeChecks `json:"checks"`
	TimeoutSec int            `json:"timeoutSec,omitempty"` // per check, 0 = defaults
}

// ConvergeResponse is the API response of POST /v1/converge.
type ConvergeResponse struct {
	Converged bool             `json:"converged"`
	Results   []ConvergeResult `json:"results"`
}
