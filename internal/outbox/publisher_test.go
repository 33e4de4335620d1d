package outbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-checkout/internal/adapters/memory"
	"github.com/robertarktes/ticket-checkout/internal/domain"
	"github.com/robertarktes/ticket-checkout/internal/observability"
	"github.com/robertarktes/ticket-checkout/internal/orders"
	"github.com/robertarktes/ticket-checkout/internal/outbox"
)

type sent struct {
	key, id string
}

type fakeBroker struct {
	failures int
	sent     []sent
}

func (b *fakeBroker) Publish(_ context.Context, routingKey, messageID string, _ []byte) error {
	if b.failures > 0 {
		b.failures--
		return errors.New("channel closed")
	}
	b.sent = append(b.sent, sent{routingKey, messageID})
	return nil
}

func paidOrder(t *testing.T) (*memory.OrderStore, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	logger := observability.NewDiscardLogger()
	inv := memory.NewInventoryStore()
	tt := domain.TicketType{ID: uuid.New(), TotalCapacity: 5, UnitPrice: 100}
	inv.PutTicketType(tt)
	store := memory.NewOrderStore(inv)
	svc := orders.NewService(store, nil, logger, time.Second)

	o := domain.NewOrder("b", []domain.PricedItem{{TicketType: tt, Quantity: 1}}, "usd", time.Now(), time.Minute)
	if err := svc.Create(ctx, o); err != nil {
		t.Fatal(err)
	}
	svc.MarkAwaitingPayment(ctx, o.ID, "pi_1")
	if _, err := svc.ConfirmPayment(ctx, o.ID, "pi_1"); err != nil {
		t.Fatal(err)
	}
	return store, o.ID
}

func TestPublisher_RelaysAndMarks(t *testing.T) {
	store, orderID := paidOrder(t)
	broker := &fakeBroker{failures: 1}
	pub := outbox.NewPublisher(store, broker, observability.NewDiscardLogger(), 10)

	n, err := pub.PublishOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || len(broker.sent) != 1 {
		t.Fatalf("expected one message relayed, got %d", n)
	}
	if broker.sent[0].key != "order.paid" || broker.sent[0].id != "order.paid:"+orderID.String() {
		t.Fatalf("unexpected message %+v", broker.sent[0])
	}

	if n, _ := pub.PublishOnce(context.Background()); n != 0 {
		t.Fatalf("published message must not be sent again, got %d", n)
	}
}

func TestPublisher_BrokerDownKeepsMessage(t *testing.T) {
	store, _ := paidOrder(t)
	broker := &fakeBroker{failures: 3}
	pub := outbox.NewPublisher(store, broker, observability.NewDiscardLogger(), 10)

	if n, _ := pub.PublishOnce(context.Background()); n != 0 {
		t.Fatalf("expected nothing relayed, got %d", n)
	}
	pending, _ := store.PendingOutbox(context.Background(), 10)
	if len(pending) != 1 {
		t.Fatalf("message must stay pending, got %d", len(pending))
	}
	if n, _ := pub.PublishOnce(context.Background()); n != 1 {
		t.Fatalf("expected relay after recovery, got %d", n)
	}
}
