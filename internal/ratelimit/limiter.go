// Package ratelimit paces workload operations at a fixed rate.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter issues permits no faster than a target rate. Permits are spaced
// by a strict minimum interval, so there are no bursts. A rate of zero or
// less disables pacing.
//
// Limiter satisfies workload.Pacer.
type Limiter struct {
	mu             sync.Mutex
	nextPermitTime time.Time
	interval       time.Duration
	rate           float64
}

// New creates a Limiter issuing ratePerSec operations per second.
func New(ratePerSec float64) *Limiter {
	l := &Limiter{nextPermitTime: time.Now()}
	l.setRate(ratePerSec)
	return l
}

func (l *Limiter) setRate(ratePerSec float64) {
	if ratePerSec <= 0 {
		l.rate, l.interval = 0, 0
		return
	}
	l.rate = ratePerSec
	l.interval = time.Duration(float64(time.Second) / ratePerSec)
}

// Unlimited reports whether the limiter lets every Wait through at once.
func (l *Limiter) Unlimited() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval == 0
}

// Wait blocks until a permit is available or ctx is done. A cancelled
// Wait gives its slot back if no later permit was reserved meanwhile.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	if l.interval == 0 {
		l.mu.Unlock()
		return ctx.Err()
	}
	now := time.Now()
	permitTime := l.nextPermitTime
	if permitTime.Before(now) {
		permitTime = now
	}
	interval := l.interval
	l.nextPermitTime = permitTime.Add(interval)
	l.mu.Unlock()

	wait := permitTime.Sub(now)
	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		l.mu.Lock()
		if l.nextPermitTime.Equal(permitTime.Add(interval)) {
			l.nextPermitTime = permitTime
		}
		l.mu.Unlock()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SetRate changes the rate for subsequent permits.
func (l *Limiter) SetRate(ratePerSec float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setRate(ratePerSec)

	now := time.Now()
	if l.nextPermitTime.After(now.Add(l.interval)) {
		l.nextPermitTime = now.Add(l.interval)
	}
}

// Rate returns the current rate, zero when unlimited.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}
