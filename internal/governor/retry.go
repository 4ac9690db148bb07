package governor

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"perpgate/pkg/verr"
)

// RetryOption adjusts a single Retry call.
type RetryOption func(*retryOpts)

type retryOpts struct {
	noRetryOn map[verr.Kind]bool
}

// NoRetryOn marks kinds that abort the retry loop even though the taxonomy
// classifies them as retryable. Placement uses this for Timeout: the venue
// side effect is unknown, so the order stays SUBMITTING pending
// reconciliation instead of being re-sent.
func NoRetryOn(kinds ...verr.Kind) RetryOption {
	return func(o *retryOpts) {
		for _, k := range kinds {
			o.noRetryOn[k] = true
		}
	}
}

// Retry runs fn with exponential backoff and jitter, bounded by
// MaxAttempts. Only taxonomy-retryable errors are retried; FATAL kinds are
// surfaced immediately.
func (g *Governor) Retry(ctx context.Context, op string, fn func(context.Context) error, opts ...RetryOption) error {
	ro := retryOpts{noRetryOn: make(map[verr.Kind]bool)}
	for _, opt := range opts {
		opt(&ro)
	}

	attempts := g.cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoff(g.cfg.BaseDelay, g.cfg.MaxDelay, attempt-1)
			g.log.Debug("retrying",
				zap.String("op", op),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !verr.IsRetryable(err) || ro.noRetryOn[verr.KindOf(err)] {
			return err
		}
	}
	return err
}

// backoff returns base*2^n capped at max, with ±50% jitter.
func backoff(base, max time.Duration, n int) time.Duration {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	if n > 30 {
		n = 30
	}

	d := base * time.Duration(1<<uint(n))
	if d > max {
		d = max
	}

	// ±50% jitter to avoid thundering herds after a venue outage.
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
