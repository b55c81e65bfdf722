package controller

import (
	"fmt"

	"github.com/gateway-fm/popfuzz/internal/pattern"
	"github.com/gateway-fm/popfuzz/pkg/types"
)

// Input validation limits
const (
	maxStreamCount = 1_000_000 // per stream
	maxTimeBudget  = 24 * 3600 // seconds
	maxConvergeSec = 3600
	maxOpsPerSec   = 100_000
)

// ValidateStartRequest validates the start run request parameters.
func ValidateStartRequest(req *types.StartRunRequest) error {
	for name, n := range map[string]int{
		"baseBlocks":      req.Counts.BaseBlocks,
		"relayBlocks":     req.Counts.RelayBlocks,
		"targetBlocks":    req.Counts.TargetBlocks,
		"proofs":          req.Counts.Proofs,
		"dataSubmissions": req.Counts.DataSubmissions,
	} {
		if n < 0 {
			return fmt.Errorf("counts.%s cannot be negative, got %d", name, n)
		}
		if n > maxStreamCount {
			return fmt.Errorf("counts.%s exceeds maximum of %d", name, maxStreamCount)
		}
	}
	if req.Counts.Total() == 0 {
		return fmt.Errorf("counts must schedule at least one operation")
	}

	// TimeBudgetSec == 0 means no deadline
	if req.TimeBudgetSec < 0 {
		return fmt.Errorf("timeBudgetSec cannot be negative, got %d", req.TimeBudgetSec)
	}
	if req.TimeBudgetSec > maxTimeBudget {
		return fmt.Errorf("timeBudgetSec exceeds maximum of %d seconds", maxTimeBudget)
	}

	if req.OpsPerSec < 0 {
		return fmt.Errorf("opsPerSec cannot be negative, got %g", req.OpsPerSec)
	}
	if req.OpsPerSec > maxOpsPerSec {
		return fmt.Errorf("opsPerSec exceeds maximum of %d", maxOpsPerSec)
	}

	if pc := req.Pacing; pc != nil {
		for name, rate := range map[string]float64{
			"pacing.startRate": pc.StartRate,
			"pacing.endRate":   pc.EndRate,
			"pacing.spikeRate": pc.SpikeRate,
		} {
			if rate > maxOpsPerSec {
				return fmt.Errorf("%s exceeds maximum of %d", name, maxOpsPerSec)
			}
		}
		if _, err := pacingPattern(req); err != nil {
			return err
		}
	}

	if req.ConvergeSec < 0 {
		return fmt.Errorf("convergeSec cannot be negative, got %d", req.ConvergeSec)
	}
	if req.ConvergeSec > maxConvergeSec {
		return fmt.Errorf("convergeSec exceeds maximum of %d seconds", maxConvergeSec)
	}
	return nil
}

// pacingPattern builds the rate pattern of req.
func pacingPattern(req *types.StartRunRequest) (pattern.Pattern, error) {
	name, cfg := pattern.FromRequest(req)
	p, err := pattern.NewRegistry().Get(name, cfg)
	if err != nil {
		return nil, fmt.Errorf("pacing: %w", err)
	}
	return p, nil
}
