// Package governor owns per-(account, venue, endpoint-class) rate budgets
// and the retry policy driven by the error taxonomy.
package governor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"perpgate/pkg/connector"
	"perpgate/pkg/verr"
)

// Class partitions venue endpoints by quota.
type Class string

const (
	ClassOrderWrite Class = "order-write"
	ClassRead       Class = "read"
	ClassConnect    Class = "connect"
)

// Config tunes acquisition and retry behavior.
type Config struct {
	// WaitCeiling bounds how long Acquire may suspend the caller before
	// failing with RateLimited.
	WaitCeiling time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// DefaultLimits apply when an adapter declares no budget for a class.
	DefaultLimits connector.RateLimits
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WaitCeiling: 2 * time.Second,
		MaxAttempts: 4,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		DefaultLimits: connector.RateLimits{
			OrderWrite: connector.Limit{PerSecond: 10, Burst: 5},
			Read:       connector.Limit{PerSecond: 20, Burst: 10},
			Connect:    connector.Limit{PerSecond: 1, Burst: 2},
		},
	}
}

type bucketKey struct {
	venue   string
	account string
	class   Class
}

// Governor hands out tokens from isolated per-bucket budgets. Bucket state
// is mutated only through Acquire and limiter refill, guarded by the map
// lock, so concurrent acquisition cannot lose updates.
type Governor struct {
	mu      sync.Mutex
	buckets map[bucketKey]*rate.Limiter
	limits  map[string]connector.RateLimits // venue -> declared limits
	cfg     Config
	log     *zap.Logger
}

// New creates a Governor.
func New(cfg Config, logger *zap.Logger) *Governor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Governor{
		buckets: make(map[bucketKey]*rate.Limiter),
		limits:  make(map[string]connector.RateLimits),
		cfg:     cfg,
		log:     logger,
	}
}

// DeclareLimits records the budgets an adapter declared at registration.
// Buckets already created for the venue keep their limiter; new accounts
// pick up the declared limits.
func (g *Governor) DeclareLimits(venue string, limits connector.RateLimits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limits[venue] = limits
}

// Acquire takes one token from the (venue, account, class) bucket, waiting
// up to the configured ceiling. Exhaustion on one account's bucket never
// touches another account's.
func (g *Governor) Acquire(ctx context.Context, venue, account string, class Class) error {
	lim := g.limiter(venue, account, class)

	waitCtx := ctx
	if g.cfg.WaitCeiling > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.cfg.WaitCeiling)
		defer cancel()
	}

	if err := lim.Wait(waitCtx); err != nil {
		// Caller cancellation propagates as-is; ceiling expiry is a
		// rate-limit failure.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.log.Debug("rate budget exhausted",
			zap.String("venue", venue),
			zap.String("account", account),
			zap.String("class", string(class)))
		return verr.Newf(verr.KindRateLimited, venue,
			"%s budget exhausted for account %s", class, account)
	}
	return nil
}

// Allow reports without blocking whether a token is available, consuming it
// when so. Used by callers that prefer failing fast over queueing.
func (g *Governor) Allow(venue, account string, class Class) bool {
	return g.limiter(venue, account, class).Allow()
}

func (g *Governor) limiter(venue, account string, class Class) *rate.Limiter {
	key := bucketKey{venue: venue, account: account, class: class}

	g.mu.Lock()
	defer g.mu.Unlock()

	if lim, ok := g.buckets[key]; ok {
		return lim
	}

	declared, ok := g.limits[venue]
	if !ok {
		declared = g.cfg.DefaultLimits
	}
	spec := classLimit(declared, class)
	if spec.PerSecond <= 0 {
		spec = classLimit(g.cfg.DefaultLimits, class)
	}
	if spec.Burst <= 0 {
		spec.Burst = 1
	}

	lim := rate.NewLimiter(rate.Limit(spec.PerSecond), spec.Burst)
	g.buckets[key] = lim
	return lim
}

func classLimit(l connector.RateLimits, class Class) connector.Limit {
	switch class {
	case ClassOrderWrite:
		return l.OrderWrite
	case ClassRead:
		return l.Read
	case ClassConnect:
		return l.Connect
	default:
		return connector.Limit{}
	}
}
