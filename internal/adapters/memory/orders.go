package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-checkout/internal/domain"
)

// Inventory receives the units a transition gives back. ReleaseAll must
// change nothing when it fails.
type Inventory interface {
	ReleaseAll(ctx context.Context, units map[uuid.UUID]int64) (int64, error)
}

type OrderStore struct {
	mu        sync.Mutex
	orders    map[uuid.UUID]domain.Order
	outbox    []domain.OutboxMessage
	inventory Inventory
}

// NewOrderStore keeps orders in memory. Transitions that release units
// decrement inventory while the order lock is held, so the status change
// and the release commit together.
func NewOrderStore(inventory Inventory) *OrderStore {
	return &OrderStore{orders: make(map[uuid.UUID]domain.Order), inventory: inventory}
}

func (s *OrderStore) CreateOrder(_ context.Context, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.ID]; ok {
		return errors.Wrapf(domain.ErrConflict, "order %s exists", order.ID)
	}
	s.orders[order.ID] = cloneOrder(order)
	return nil
}

func (s *OrderStore) GetOrder(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "order %s", id)
	}
	o = cloneOrder(o)
	return &o, nil
}

func (s *OrderStore) FindOrderByPaymentRef(_ context.Context, ref string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.PaymentRef != nil && *o.PaymentRef == ref {
			o = cloneOrder(o)
			return &o, nil
		}
	}
	return nil, errors.Wrapf(domain.ErrNotFound, "order with payment ref %s", ref)
}

func (s *OrderStore) ApplyTransition(ctx context.Context, t domain.Transition) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[t.OrderID]
	if !ok {
		return 0, errors.Wrapf(domain.ErrNotFound, "order %s", t.OrderID)
	}
	if o.Status != t.From {
		return 0, errors.Wrapf(domain.ErrStaleTransition, "order %s is %s, not %s", o.ID, o.Status, t.From)
	}

	var released int64
	if len(t.Release) > 0 {
		if s.inventory == nil {
			return 0, errors.Newf("order %s releases units but the store has no inventory", o.ID)
		}
		var err error
		if released, err = s.inventory.ReleaseAll(ctx, t.Release); err != nil {
			return 0, errors.Wrapf(err, "release units of order %s", o.ID)
		}
	}
	s.orders[o.ID] = o.Apply(t)
	s.outbox = append(s.outbox, t.Outbox...)
	return released, nil
}

func (s *OrderStore) ListExpired(_ context.Context, now time.Time, limit int) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.Status != domain.OrderPending && o.Status != domain.OrderAwaitingPayment {
			continue
		}
		if o.ExpiresAt.After(now) {
			continue
		}
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Outbox returns every message written by applied transitions, in order.
func (s *OrderStore) Outbox() []domain.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OutboxMessage(nil), s.outbox...)
}

// PendingOutbox implements the outbox relay's source for single-process runs.
func (s *OrderStore) PendingOutbox(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OutboxMessage
	for _, m := range s.outbox {
		if m.Status != "NEW" {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *OrderStore) MarkPublished(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			s.outbox[i].Status = "PUBLISHED"
			s.outbox[i].PublishedAt = &at
			return nil
		}
	}
	return errors.Wrapf(domain.ErrNotFound, "outbox message %s", id)
}

func cloneOrder(o domain.Order) domain.Order {
	o.Tickets = append([]domain.Ticket(nil), o.Tickets...)
	return o
}
