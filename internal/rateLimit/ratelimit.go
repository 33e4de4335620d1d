package rateLimit

import (
	"context"
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-checkout/internal/config"
	"github.com/robertarktes/ticket-checkout/internal/domain"
)

// Store is an atomic increment-and-get with TTL. Hit starts a fresh window
// at now when the key has no live counter.
type Store interface {
	Hit(ctx context.Context, key string, window time.Duration, now time.Time) (domain.RateLimitCounter, error)
}

type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// RetryAfter is the whole number of seconds until the window resets.
func (d Decision) RetryAfter(now time.Time) int64 {
	secs := int64(math.Ceil(d.ResetAt.Sub(now).Seconds()))
	if secs < 0 {
		return 0
	}
	return secs
}

// RateLimiter counts requests per identifier and endpoint class in fixed
// windows. Bursts of up to twice the limit are possible across a window
// boundary.
type RateLimiter struct {
	store   Store
	classes map[string]config.RateLimitClass
	now     func() time.Time
}

func NewRateLimiter(store Store, classes map[string]config.RateLimitClass) *RateLimiter {
	return &RateLimiter{store: store, classes: classes, now: time.Now}
}

func (rl *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	rl.now = now
	return rl
}

func (rl *RateLimiter) Now() time.Time {
	return rl.now()
}

func Key(identifier, class string) string {
	return identifier + ":" + class
}

func (rl *RateLimiter) Check(ctx context.Context, identifier, class string) (Decision, error) {
	limits, ok := rl.classes[class]
	if !ok {
		return Decision{}, errors.Wrapf(domain.ErrInvalidInput, "unknown endpoint class %q", class)
	}

	counter, err := rl.store.Hit(ctx, Key(identifier, class), limits.Window, rl.now())
	if err != nil {
		return Decision{}, errors.Wrap(err, "rate limit store")
	}

	remaining := limits.MaxRequests - counter.Count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   counter.Count <= limits.MaxRequests,
		Limit:     limits.MaxRequests,
		Remaining: remaining,
		ResetAt:   counter.ResetAt(),
	}, nil
}
