// Package retry runs container engine calls with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Policy configures backoff.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// MaxElapsed stops retrying once this much time has passed.
	MaxElapsed time.Duration
	// MaxAttempts limits total attempts; zero means bounded by MaxElapsed only.
	MaxAttempts int
	// OnRetry, when set, is called before each sleep.
	OnRetry func(operation string, attempt int, err error)
}

// DefaultPolicy suits local container engine calls: quick first retry,
// short overall budget.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		MaxElapsed:   30 * time.Second,
		MaxAttempts:  4,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = d.MaxElapsed
	}
	return p
}

// Do calls fn until it succeeds, returns a permanent error, the policy is
// exhausted or ctx is done.
func Do(ctx context.Context, p Policy, operation string, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	start := time.Now()
	delay := p.InitialDelay

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("Retry: operation succeeded", "operation", operation, "attempt", attempt)
			}
			return nil
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}

		elapsed := time.Since(start).Round(time.Millisecond)
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return fmt.Errorf("%s: gave up after %d attempts: %w", operation, attempt, err)
		}
		if elapsed >= p.MaxElapsed {
			return fmt.Errorf("%s: gave up after %v: %w", operation, elapsed, err)
		}

		sleep := delay
		if half := int64(delay) / 2; half > 0 {
			sleep += time.Duration(rand.Int63n(half))
		}
		if p.OnRetry != nil {
			p.OnRetry(operation, attempt, err)
		}
		slog.Warn("Retry: operation failed, backing off",
			"operation", operation,
			"attempt", attempt,
			"delay", sleep.Round(time.Millisecond),
			"error", err,
		)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w (last error: %v)", operation, ctx.Err(), err)
		case <-timer.C:
		}

		delay = min(delay*2, p.MaxDelay)
	}
}
