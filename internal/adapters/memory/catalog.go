package memory

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-checkout/internal/domain"
)

type Catalog struct {
	mu     sync.RWMutex
	events map[uuid.UUID]domain.Event
}

func NewCatalog() *Catalog {
	return &Catalog{events: make(map[uuid.UUID]domain.Event)}
}

func (c *Catalog) PutEvent(ev domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[ev.ID] = ev
}

func (c *Catalog) GetEvent(_ context.Context, id uuid.UUID) (*domain.Event, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ev, ok := c.events[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "event %s", id)
	}
	return &ev, nil
}
