// Package limiter defines the outbound call budget shared by all CRM requests.
package limiter

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Budget gates outbound calls so that the remote quota is never exceeded.
type Budget interface {
	// Wait blocks until one call may be issued or ctx is done.
	Wait(ctx context.Context) error
}

// Local is an in-process token bucket.
type Local struct {
	rl *rate.Limiter
}

// NewLocal returns a bucket admitting at most calls requests in any window.
// The burst plus the refill over one window never exceeds calls.
func NewLocal(calls int, window time.Duration, burst int) *Local {
	if calls <= 0 || window <= 0 {
		return &Local{rl: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst <= 0 || burst >= calls {
		burst = calls / 10
		if burst < 1 {
			burst = 1
		}
	}
	refill := float64(calls-burst) / window.Seconds()
	return &Local{rl: rate.NewLimiter(rate.Limit(refill), burst)}
}

// Wait blocks until a token is available.
func (l *Local) Wait(ctx context.Context) error {
	return l.rl.Wait(ctx)
}

// Chain requires every budget to admit the call, in order.
type Chain []Budget

// Wait waits on each budget in turn.
func (c Chain) Wait(ctx context.Context) error {
	for _, b := range c {
		if err := b.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
