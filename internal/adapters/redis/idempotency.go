package redis

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// IdempotencyStore backs HTTP idempotency keys. SetNX is the in-flight claim.
type IdempotencyStore struct {
	client *redis.Client
}

func NewIdempotencyStore(client *redis.Client) *IdempotencyStore {
	return &IdempotencyStore{client: client}
}

func (i *IdempotencyStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := i.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (i *IdempotencyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return i.client.Set(ctx, key, value, ttl).Err()
}

func (i *IdempotencyStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return i.client.SetNX(ctx, key, value, ttl).Result()
}

func (i *IdempotencyStore) Delete(ctx context.Context, key string) error {
	return i.client.Del(ctx, key).Err()
}
