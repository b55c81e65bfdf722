// Package convergence polls a set of nodes until they report the same
// observable state, within a bounded time.
package convergence

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout matches every *TimeoutError.
var ErrTimeout = errors.New("convergence timeout")

const (
	// DefaultInterval is the pause between two predicate evaluations.
	DefaultInterval = 50 * time.Millisecond
	MinInterval     = 50 * time.Millisecond
	MaxInterval     = time.Second

	DefaultTipTimeout        = 60 * time.Second
	DefaultPendingSetTimeout = 60 * time.Second
	DefaultCrossChainTimeout = 10 * time.Second
)

// Predicate reports whether the awaited condition holds.
type Predicate func(ctx context.Context) (bool, error)

// TimeoutError is returned when a predicate stays false for the whole
// timeout.
type TimeoutError struct {
	Description string
	Timeout     time.Duration
	Attempts    int
	// Snapshot is the last complete snapshot, when the predicate collects one.
	Snapshot *Snapshot
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s: not satisfied after %s (%d attempts)", e.Description, e.Timeout, e.Attempts)
	if e.Snapshot != nil {
		msg += ": last snapshot " + e.Snapshot.String()
	}
	return msg
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// WaitUntil evaluates predicate every interval until it returns true or
// timeout has elapsed, measured on the monotonic clock. The predicate is
// always evaluated once more at or after the deadline before giving up. A
// predicate error ends the wait. An interval of zero uses DefaultInterval.
func WaitUntil(ctx context.Context, description string, timeout, interval time.Duration, predicate Predicate) error {
	if interval <= 0 {
		interval = DefaultInterval
	}

	start := time.Now()
	attempts := 0
	for {
		attempts++
		ok, err := predicate(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", description, err)
		}
		if ok {
			return nil
		}

		elapsed := time.Since(start)
		if elapsed >= timeout {
			return &TimeoutError{Description: description, Timeout: timeout, Attempts: attempts}
		}

		timer := time.NewTimer(min(interval, timeout-elapsed))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
