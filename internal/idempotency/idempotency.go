package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrInProgress is returned while another request holds the same key.
	ErrInProgress = errors.New("request with this idempotency key is in progress")
	// ErrKeyReused is returned when a key comes back with a different request.
	ErrKeyReused = errors.New("idempotency key reused with a different request")
)

const defaultLockTTL = 30 * time.Second

// Store is a TTL key-value store with an atomic set-if-absent. Get returns
// nil, nil for a missing key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

type Idempotency struct {
	store   Store
	ttl     time.Duration
	lockTTL time.Duration
}

func NewIdempotency(store Store, ttl time.Duration) *Idempotency {
	return &Idempotency{store: store, ttl: ttl, lockTTL: defaultLockTTL}
}

// WithLockTTL sets how long Begin's claim lives. It must exceed the slowest
// request, or a retry could start a second execution.
func (i *Idempotency) WithLockTTL(d time.Duration) *Idempotency {
	if d > 0 {
		i.lockTTL = d
	}
	return i
}

// Response is what a completed request replays. Fingerprint identifies the
// request that produced it.
type Response struct {
	Status      int    `json:"status"`
	Result      []byte `json:"result"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

func responseKey(key string) string { return "idemp:" + key }
func lockKey(key string) string     { return "idemp:lock:" + key }

func (i *Idempotency) Get(ctx context.Context, key string) (*Response, error) {
	raw, err := i.store.Get(ctx, responseKey(key))
	if err != nil {
		return nil, errors.Wrap(err, "idempotency get")
	}
	if raw == nil {
		return nil, nil
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errors.Wrap(err, "idempotency decode")
	}
	return &resp, nil
}

func (i *Idempotency) Set(ctx context.Context, key string, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return i.store.Set(ctx, responseKey(key), data, i.ttl)
}

// Begin claims key for the request identified by fingerprint. It returns the
// stored response when the key already completed, ErrInProgress when another
// caller holds it, and ErrKeyReused when the key belongs to another request.
func (i *Idempotency) Begin(ctx context.Context, key, fingerprint string) (*Response, error) {
	resp, err := i.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if resp != nil {
		if resp.Fingerprint != fingerprint {
			return nil, ErrKeyReused
		}
		return resp, nil
	}
	ok, err := i.store.SetNX(ctx, lockKey(key), []byte(fingerprint), i.lockTTL)
	if err != nil {
		return nil, errors.Wrap(err, "idempotency lock")
	}
	if !ok {
		holder, err := i.store.Get(ctx, lockKey(key))
		if err == nil && holder != nil && string(holder) != fingerprint {
			return nil, ErrKeyReused
		}
		return nil, ErrInProgress
	}
	return nil, nil
}

// Finish stores resp under key and drops the claim. A nil resp only drops
// the claim so the request may be retried.
func (i *Idempotency) Finish(ctx context.Context, key string, resp *Response) error {
	if resp != nil {
		if err := i.Set(ctx, key, *resp); err != nil {
			return err
		}
	}
	return i.store.Delete(ctx, lockKey(key))
}
