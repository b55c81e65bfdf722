package pattern

import (
	"time"

	"github.com/gateway-fm/popfuzz/pkg/types"
)

// Constant implements a fixed-rate pattern.
type Constant struct {
	rate float64
}

// NewConstant creates a constant rate pattern. A rate of zero is unpaced.
func NewConstant(rate float64) *Constant {
	return &Constant{rate: rate}
}

// Name returns the pattern identifier.
func (c *Constant) Name() types.PacingPattern {
	return types.PacingConstant
}

// Rate returns the constant rate regardless of elapsed time.
func (c *Constant) Rate(time.Duration) float64 {
	return c.rate
}
