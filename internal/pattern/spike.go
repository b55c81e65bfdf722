package pattern

import (
	"time"

	"github.com/gateway-fm/popfuzz/pkg/types"
)

// Spike implements a pattern with periodic bursts.
type Spike struct {
	baselineRate  float64
	spikeRate     float64
	spikeDuration time.Duration
	spikeInterval time.Duration
}

// NewSpike creates a spike pattern.
// Runs at baselineRate normally, and spikeRate during spikes.
// Spikes occupy the last spikeDuration of every spikeInterval.
func NewSpike(baselineRate, spikeRate float64, spikeDuration, spikeInterval time.Duration) *Spike {
	return &Spike{
		baselineRate:  baselineRate,
		spikeRate:     spikeRate,
		spikeDuration: spikeDuration,
		spikeInterval: spikeInterval,
	}
}

// Name returns the pattern identifier.
func (s *Spike) Name() types.PacingPattern {
	return types.PacingSpike
}

// Rate returns the rate based on whether elapsed falls in a spike window.
func (s *Spike) Rate(elapsed time.Duration) float64 {
	if elapsed%s.spikeInterval >= s.spikeInterval-s.spikeDuration {
		return s.spikeRate
	}
	return s.baselineRate
}
