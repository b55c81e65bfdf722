package pattern

import (
	"time"

	"github.com/gateway-fm/popfuzz/pkg/types"
)

// Ramp implements a linearly changing rate pattern.
type Ramp struct {
	startRate float64
	endRate   float64
	duration  time.Duration
}

// NewRamp creates a ramp pattern that moves from startRate to endRate over
// duration and then holds endRate.
func NewRamp(startRate, endRate float64, duration time.Duration) *Ramp {
	return &Ramp{
		startRate: startRate,
		endRate:   endRate,
		duration:  duration,
	}
}

// Name returns the pattern identifier.
func (r *Ramp) Name() types.PacingPattern {
	return types.PacingRamp
}

// Rate returns the rate based on linear interpolation of elapsed time.
func (r *Ramp) Rate(elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return r.startRate
	}
	if elapsed >= r.duration {
		return r.endRate
	}
	progress := float64(elapsed) / float64(r.duration)
	return r.startRate + progress*(r.endRate-r.startRate)
}
