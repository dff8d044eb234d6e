package backend

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
)

// RetryConfig bounds a retried operation's attempts and the backoff
// between them. It sets no overall deadline: total time is limited only
// by MaxAttempts, MaxBackoff, and how long each attempt itself takes
// (and by ctx, which Do honors). Re-expressed over github.com/juju/retry and
// github.com/juju/clock (the same clock-injection pattern juju/juju
// threads through its own retrying workers, e.g.
// provider/azure/utils.go's backoffAPIRequestCaller) so backoff is
// deterministically testable with a fake clock instead of a bare
// time.Sleep.
type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Clock             clock.Clock
}

// DefaultRetryConfig is five attempts, 100ms initial backoff, 30s cap,
// doubling each attempt.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Clock:             clock.WallClock,
	}
}

// Quick is a short-lived preset for latency-sensitive existence checks.
func Quick() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    50 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Clock:             clock.WallClock,
	}
}

// Persistent is a patient preset for pack/index uploads where losing
// the work is expensive.
func Persistent() RetryConfig {
	return RetryConfig{
		MaxAttempts:       10,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 2.0,
		Clock:             clock.WallClock,
	}
}

// Do runs fn, retrying on errors classified Transient (see
// backend.Transient/IsTransient) with exponential backoff and jitter, up
// to cfg.MaxAttempts, honoring ctx cancellation between attempts. A
// permanent (non-Transient) error is returned immediately without
// retrying.
func Do(ctx context.Context, cfg RetryConfig, fn func() error) error {
	cl := cfg.Clock
	if cl == nil {
		cl = clock.WallClock
	}

	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			lastErr = fn()
			return lastErr
		},
		IsFatalError: func(err error) bool {
			return !IsTransient(err)
		},
		Attempts:    cfg.MaxAttempts,
		Delay:       cfg.InitialBackoff,
		MaxDelay:    cfg.MaxBackoff,
		BackoffFunc: retry.ExpBackoff(cfg.InitialBackoff, cfg.MaxBackoff, cfg.BackoffMultiplier, true),
		Clock:       cl,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return errors.Trace(ctx.Err())
	}
	if lastErr != nil {
		return errors.Trace(lastErr)
	}
	return errors.Trace(err)
}
