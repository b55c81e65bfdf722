// Package pattern shapes the workload dispatch rate over the life of a run.
package pattern

import (
	"context"
	"fmt"
	"time"

	"github.com/gateway-fm/popfuzz/pkg/types"
)

// DefaultUpdateInterval is how often Drive re-reads the pattern.
const DefaultUpdateInterval = 250 * time.Millisecond

// Pattern calculates the target rate in operations per second based on
// elapsed time.
type Pattern interface {
	// Name returns the pattern identifier.
	Name() types.PacingPattern

	// Rate returns the target rate for the given elapsed time. Zero means
	// unpaced.
	Rate(elapsed time.Duration) float64
}

// RateSetter receives rate updates. ratelimit.Limiter implements it.
type RateSetter interface {
	SetRate(ratePerSec float64)
}

// Config holds pattern-specific configuration.
type Config struct {
	// Constant pattern, and spike baseline
	Rate float64

	// Ramp pattern
	StartRate    float64
	EndRate      float64
	RampDuration time.Duration

	// Spike pattern
	SpikeRate     float64
	SpikeDuration time.Duration
	SpikeInterval time.Duration
}

// FromRequest derives the pattern name and config of a run request. A
// request without pacing is a constant rate of OpsPerSec.
func FromRequest(req *types.StartRunRequest) (types.PacingPattern, Config) {
	cfg := Config{Rate: req.OpsPerSec}
	p := req.Pacing
	if p == nil || p.Pattern == "" {
		return types.PacingConstant, cfg
	}

	cfg.StartRate = p.StartRate
	cfg.EndRate = p.EndRate
	cfg.RampDuration = time.Duration(p.DurationSec) * time.Second
	if cfg.RampDuration == 0 {
		cfg.RampDuration = time.Duration(req.TimeBudgetSec) * time.Second
	}
	cfg.SpikeRate = p.SpikeRate
	cfg.SpikeDuration = time.Duration(p.SpikeSec) * time.Second
	cfg.SpikeInterval = time.Duration(p.IntervalSec) * time.Second
	return p.Pattern, cfg
}

// Registry manages pattern lookup by name.
type Registry struct {
	patterns map[types.PacingPattern]func(Config) (Pattern, error)
}

// NewRegistry creates a new pattern registry with all built-in patterns.
func NewRegistry() *Registry {
	r := &Registry{
		patterns: make(map[types.PacingPattern]func(Config) (Pattern, error)),
	}

	r.Register(types.PacingConstant, func(cfg Config) (Pattern, error) {
		if cfg.Rate < 0 {
			return nil, fmt.Errorf("constant rate must be non-negative, got %g", cfg.Rate)
		}
		return NewConstant(cfg.Rate), nil
	})
	r.Register(types.PacingRamp, func(cfg Config) (Pattern, error) {
		if cfg.StartRate <= 0 || cfg.EndRate <= 0 {
			return nil, fmt.Errorf("ramp rates must be positive, got %g to %g", cfg.StartRate, cfg.EndRate)
		}
		if cfg.RampDuration <= 0 {
			return nil, fmt.Errorf("ramp needs a duration or a time budget")
		}
		return NewRamp(cfg.StartRate, cfg.EndRate, cfg.RampDuration), nil
	})
	r.Register(types.PacingSpike, func(cfg Config) (Pattern, error) {
		if cfg.Rate <= 0 || cfg.SpikeRate <= 0 {
			return nil, fmt.Errorf("spike baseline and spike rates must be positive, got %g and %g", cfg.Rate, cfg.SpikeRate)
		}
		if cfg.SpikeInterval <= 0 || cfg.SpikeDuration <= 0 || cfg.SpikeDuration > cfg.SpikeInterval {
			return nil, fmt.Errorf("spike duration must be in (0, interval], got %s every %s", cfg.SpikeDuration, cfg.SpikeInterval)
		}
		return NewSpike(cfg.Rate, cfg.SpikeRate, cfg.SpikeDuration, cfg.SpikeInterval), nil
	})

	return r
}

// Register adds a pattern factory to the registry.
func (r *Registry) Register(name types.PacingPattern, factory func(Config) (Pattern, error)) {
	r.patterns[name] = factory
}

// Get returns a pattern instance for the given name and config.
func (r *Registry) Get(name types.PacingPattern, cfg Config) (Pattern, error) {
	factory, ok := r.patterns[name]
	if !ok {
		return nil, fmt.Errorf("unknown pacing pattern: %s", name)
	}
	return factory(cfg)
}

// Drive feeds p's rate to dst every interval until ctx is done. dst gets
// the initial rate at once; for a constant pattern that is the only update.
func Drive(ctx context.Context, p Pattern, dst RateSetter, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultUpdateInterval
	}
	start := time.Now()
	last := p.Rate(0)
	dst.SetRate(last)
	if _, static := p.(*Constant); static {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rate := p.Rate(time.Since(start)); rate != last {
				dst.SetRate(rate)
				last = rate
			}
		}
	}
}
