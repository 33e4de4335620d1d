package webhook_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-checkout/internal/adapters/memory"
	"github.com/robertarktes/ticket-checkout/internal/domain"
	"github.com/robertarktes/ticket-checkout/internal/observability"
	"github.com/robertarktes/ticket-checkout/internal/orders"
)

type fixture struct {
	inventory  *memory.InventoryStore
	orderStore *memory.OrderStore
	service    *orders.Service
	ticketType domain.TicketType
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	observability.InitMetrics()
	logger := observability.NewDiscardLogger()

	inv := memory.NewInventoryStore()
	tt := domain.TicketType{ID: uuid.New(), EventID: uuid.New(), Name: "GA", TotalCapacity: 10, UnitPrice: 2500}
	inv.PutTicketType(tt)

	store := memory.NewOrderStore(inv)
	svc := orders.NewService(store, nil, logger, time.Second)
	return &fixture{inventory: inv, orderStore: store, service: svc, ticketType: tt}
}

// awaitingOrder reserves qty units and moves a new order to awaiting_payment
// under the given intent id.
func (f *fixture) awaitingOrder(t *testing.T, qty int64, intentID string) domain.Order {
	t.Helper()
	ctx := context.Background()
	if ok, err := f.inventory.ReserveUnits(ctx, f.ticketType.ID, qty); err != nil || !ok {
		t.Fatalf("reserve: ok=%v err=%v", ok, err)
	}
	order := domain.NewOrder("buyer-1", []domain.PricedItem{{TicketType: f.ticketType, Quantity: qty}}, "usd", time.Now(), 15*time.Minute)
	if err := f.service.Create(ctx, order); err != nil {
		t.Fatal(err)
	}
	updated, err := f.service.MarkAwaitingPayment(ctx, order.ID, intentID)
	if err != nil {
		t.Fatal(err)
	}
	return *updated
}

func (f *fixture) sold(t *testing.T) int64 {
	t.Helper()
	tt, err := f.inventory.GetTicketType(context.Background(), f.ticketType.ID)
	if err != nil {
		t.Fatal(err)
	}
	return tt.QuantitySold
}

func (f *fixture) order(t *testing.T, id uuid.UUID) domain.Order {
	t.Helper()
	o, err := f.service.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return *o
}
