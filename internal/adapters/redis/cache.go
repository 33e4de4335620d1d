package redis

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/robertarktes/ticket-checkout/internal/domain"
)

// hitScript increments the window counter and starts its expiry on the first
// hit, returning the count and the milliseconds left in the window.
var hitScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RateLimitStore keeps fixed-window counters shared by every API replica.
type RateLimitStore struct {
	client *redis.Client
}

func NewRateLimitStore(client *redis.Client) *RateLimitStore {
	return &RateLimitStore{client: client}
}

func (s *RateLimitStore) Client() *redis.Client {
	return s.client
}

func (s *RateLimitStore) Hit(ctx context.Context, key string, window time.Duration, now time.Time) (domain.RateLimitCounter, error) {
	res, err := hitScript.Run(ctx, s.client, []string{"ratelimit:" + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return domain.RateLimitCounter{}, errors.Wrap(err, "rate limit hit")
	}
	if len(res) != 2 {
		return domain.RateLimitCounter{}, errors.Newf("rate limit script returned %d values", len(res))
	}
	left := time.Duration(res[1]) * time.Millisecond
	return domain.RateLimitCounter{
		Key:          key,
		Count:        res[0],
		WindowStart:  now.Add(left - window),
		WindowLength: window,
	}, nil
}
