// Package retry runs backend operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/facebookgo/clock"

	"github.com/dshills/receiptscout/pkg/types"
)

// Default retry configuration
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMultiplier  = 2.0
)

// Config configures exponential backoff retry behavior
type Config struct {
	MaxAttempts int           // Total attempts including the first
	BaseDelay   time.Duration // Delay after the first failure
	MaxDelay    time.Duration // Upper bound for a single delay
	Multiplier  float64       // Exponential backoff multiplier
	Clock       clock.Clock   // Times the backoff; the wall clock when nil
}

// DefaultConfig returns 3 attempts starting at 1s and doubling
func DefaultConfig() Config {
	return Config{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Multiplier:  DefaultMultiplier,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = DefaultMultiplier
	}
	return c
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do returns it at once even when it classifies as
// transient. Do hands back the unwrapped err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do executes fn until it succeeds, returns a non-transient error, or the
// attempts are used up. Only errors classified as types.KindTransient are
// retried; auth and parse failures return immediately.
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	var zero T
	var lastErr error
	backoff := cfg.BaseDelay

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		// Don't retry on context cancellation
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if types.Classify(err) != types.KindTransient {
			return zero, err
		}

		if attempt < cfg.MaxAttempts-1 {
			timer := clk.Timer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
			backoff = time.Duration(float64(backoff) * cfg.Multiplier)
			if backoff > cfg.MaxDelay {
				backoff = cfg.MaxDelay
			}
		}
	}

	return zero, lastErr
}
