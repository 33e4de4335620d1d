package memory

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-checkout/internal/domain"
)

type WebhookStore struct {
	mu     sync.Mutex
	events map[string]domain.WebhookEventRecord
}

func NewWebhookStore() *WebhookStore {
	return &WebhookStore{events: make(map[string]domain.WebhookEventRecord)}
}

func (s *WebhookStore) GetEvent(_ context.Context, eventID string) (*domain.WebhookEventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.events[eventID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *WebhookStore) SaveEvent(_ context.Context, rec domain.WebhookEventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.events[rec.EventID]; ok && existing.Final() {
		return errors.Wrapf(domain.ErrDuplicateWebhookEvent, "event %s", rec.EventID)
	}
	s.events[rec.EventID] = rec
	return nil
}
