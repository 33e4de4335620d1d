package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-checkout/internal/domain"
)

type InventoryStore struct {
	mu    sync.Mutex
	types map[uuid.UUID]domain.TicketType
}

func NewInventoryStore() *InventoryStore {
	return &InventoryStore{types: make(map[uuid.UUID]domain.TicketType)}
}

func (s *InventoryStore) PutTicketType(tt domain.TicketType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types[tt.ID] = tt
}

func (s *InventoryStore) GetTicketType(_ context.Context, id uuid.UUID) (*domain.TicketType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tt, ok := s.types[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "ticket type %s", id)
	}
	return &tt, nil
}

func (s *InventoryStore) ReserveUnits(_ context.Context, id uuid.UUID, qty int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tt, ok := s.types[id]
	if !ok {
		return false, errors.Wrapf(domain.ErrNotFound, "ticket type %s", id)
	}
	if qty > tt.TotalCapacity-tt.QuantitySold {
		return false, nil
	}
	tt.QuantitySold += qty
	s.types[id] = tt
	return true, nil
}

func (s *InventoryStore) ReleaseUnits(_ context.Context, id uuid.UUID, qty int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tt, ok := s.types[id]
	if !ok {
		return 0, errors.Wrapf(domain.ErrNotFound, "ticket type %s", id)
	}
	released := qty
	if released > tt.QuantitySold {
		released = tt.QuantitySold
	}
	tt.QuantitySold -= released
	s.types[id] = tt
	return released, nil
}

// ReleaseAll gives back units for several ticket types as one step: either
// every type is found and decremented, clamped at zero, or nothing changes.
// It returns the units actually released.
func (s *InventoryStore) ReleaseAll(_ context.Context, units map[uuid.UUID]int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(units))
	for id := range units {
		if _, ok := s.types[id]; !ok {
			return 0, errors.Wrapf(domain.ErrNotFound, "ticket type %s", id)
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	var released int64
	for _, id := range ids {
		tt := s.types[id]
		n := units[id]
		if n > tt.QuantitySold {
			n = tt.QuantitySold
		}
		tt.QuantitySold -= n
		s.types[id] = tt
		released += n
	}
	return released, nil
}
