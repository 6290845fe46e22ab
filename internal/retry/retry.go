// Package retry reruns operations that failed with a retriable fault,
// with exponential backoff and jitter.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/promethea/promethea/internal/fault"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts includes the first attempt.
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
	// Factor multiplies the delay after each failure.
	Factor float64
	// Jitter randomizes each delay into [0.5, 1.5] of its value.
	Jitter bool
}

// DefaultConfig mirrors the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Factor <= 0 {
		c.Factor = d.Factor
	}
	return c
}

// Do runs op until it succeeds, fails with a non-retriable fault, or
// attempts run out. When the fault carries a Retry-After hint the wait
// is never shorter than the hint.
func Do(ctx context.Context, config Config, op func(ctx context.Context) error) error {
	config = config.withDefaults()
	delay := config.InitialDelay

	var err error
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return fault.Wrap(fault.KindCancelled, "retry interrupted", ctx.Err())
		}
		if err = op(ctx); err == nil {
			return nil
		}
		if !fault.Retriable(err) || attempt >= config.MaxAttempts {
			return err
		}

		sleep := delay
		if config.Jitter {
			sleep = time.Duration(float64(delay) * (0.5 + rand.Float64()))
		}
		if hint := fault.RetryAfter(err); hint > sleep {
			sleep = hint
		}

		select {
		case <-ctx.Done():
			return fault.Wrap(fault.KindCancelled, "retry interrupted", ctx.Err())
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * config.Factor)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, config Config, op func(ctx context.Context) (T, error)) (T, error) {
	var value T
	err := Do(ctx, config, func(ctx context.Context) error {
		var opErr error
		value, opErr = op(ctx)
		return opErr
	})
	return value, err
}
