// Package memory holds in-process stores used when no external backend is
// configured, and by tests. They are safe for concurrent use but not shared
// across replicas.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/robertarktes/ticket-checkout/internal/domain"
)

type RateLimitStore struct {
	mu       sync.Mutex
	counters map[string]domain.RateLimitCounter
}

func NewRateLimitStore() *RateLimitStore {
	return &RateLimitStore{counters: make(map[string]domain.RateLimitCounter)}
}

func (s *RateLimitStore) Hit(_ context.Context, key string, window time.Duration, now time.Time) (domain.RateLimitCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || c.Expired(now) {
		c = domain.RateLimitCounter{Key: key, WindowStart: now, WindowLength: window}
	}
	c.Count++
	s.counters[key] = c
	return c, nil
}

// Sweep drops counters whose window has elapsed and reports how many.
func (s *RateLimitStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, c := range s.counters {
		if c.Expired(now) {
			delete(s.counters, k)
			n++
		}
	}
	return n
}

func (s *RateLimitStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

// RunJanitor sweeps on every tick until ctx is done.
func (s *RateLimitStore) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}
