package checkout_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-checkout/internal/adapters/memory"
	"github.com/robertarktes/ticket-checkout/internal/checkout"
	"github.com/robertarktes/ticket-checkout/internal/domain"
	"github.com/robertarktes/ticket-checkout/internal/inventory"
	"github.com/robertarktes/ticket-checkout/internal/observability"
	"github.com/robertarktes/ticket-checkout/internal/orders"
	"github.com/robertarktes/ticket-checkout/internal/payment"
)

type fakeGateway struct {
	mu    sync.Mutex
	calls []payment.IntentRequest
	fail  []error
}

func (g *fakeGateway) CreatePaymentIntent(_ context.Context, req payment.IntentRequest) (payment.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if len(g.fail) > 0 {
		err := g.fail[0]
		g.fail = g.fail[1:]
		return payment.Intent{}, err
	}
	id := "pi_" + req.OrderID.String()
	return payment.Intent{ID: id, ClientToken: id + "_secret"}, nil
}

type harness struct {
	inv     *memory.InventoryStore
	store   *memory.OrderStore
	gateway *fakeGateway
	orch    *checkout.Orchestrator
	event   domain.Event
	general domain.TicketType
	vip     domain.TicketType
}

func newHarness(t *testing.T, generalCap, vipCap int64) *harness {
	t.Helper()
	observability.InitMetrics()
	logger := observability.NewDiscardLogger()

	catalog := memory.NewCatalog()
	ev := domain.Event{ID: uuid.New(), Name: "Show", Status: domain.EventOnSale, Currency: "usd"}
	catalog.PutEvent(ev)

	inv := memory.NewInventoryStore()
	general := domain.TicketType{ID: uuid.New(), EventID: ev.ID, Name: "GA", TotalCapacity: generalCap, UnitPrice: 2500}
	vip := domain.TicketType{ID: uuid.New(), EventID: ev.ID, Name: "VIP", TotalCapacity: vipCap, UnitPrice: 10000}
	inv.PutTicketType(general)
	inv.PutTicketType(vip)

	ledger := inventory.NewLedger(inv, logger)
	store := memory.NewOrderStore(inv)
	svc := orders.NewService(store, nil, logger, time.Second)
	gw := &fakeGateway{}
	orch := checkout.NewOrchestrator(catalog, ledger, svc, gw, logger, checkout.Settings{
		ReservationTTL:     15 * time.Minute,
		MaxTicketsPerOrder: 10,
		StoreTimeout:       time.Second,
		PaymentTimeout:     time.Second,
		PaymentMaxAttempts: 3,
		Currency:           "usd",
	}).WithBackoff(func(int) time.Duration { return 0 })

	return &harness{inv: inv, store: store, gateway: gw, orch: orch, event: ev, general: general, vip: vip}
}

func (h *harness) sold(t *testing.T, id uuid.UUID) int64 {
	t.Helper()
	tt, err := h.inv.GetTicketType(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return tt.QuantitySold
}

func (h *harness) order(t *testing.T, id uuid.UUID) domain.Order {
	t.Helper()
	o, err := h.store.GetOrder(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return *o
}

func TestCreateCheckout_Success(t *testing.T) {
	h := newHarness(t, 10, 5)
	res, err := h.orch.CreateCheckout(context.Background(), "buyer-1", []domain.LineItem{
		{TicketTypeID: h.general.ID, Quantity: 2},
		{TicketTypeID: h.vip.ID, Quantity: 1},
		{TicketTypeID: h.general.ID, Quantity: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.PaymentToken == "" || res.TotalAmount != 3*2500+10000 {
		t.Fatalf("unexpected result %+v", res)
	}

	o := h.order(t, res.OrderID)
	if o.Status != domain.OrderAwaitingPayment || o.PaymentRef == nil {
		t.Fatalf("unexpected order %+v", o)
	}
	if len(o.Tickets) != 4 {
		t.Fatalf("expected 4 tickets, got %d", len(o.Tickets))
	}
	if h.sold(t, h.general.ID) != 3 || h.sold(t, h.vip.ID) != 1 {
		t.Fatal("reservations not recorded")
	}
	if len(h.gateway.calls) != 1 || h.gateway.calls[0].IdempotencyKey != payment.IdempotencyKey(res.OrderID) {
		t.Fatalf("unexpected gateway calls %+v", h.gateway.calls)
	}
}

func TestCreateCheckout_InsufficientInventoryRollsBack(t *testing.T) {
	h := newHarness(t, 10, 1)
	_, err := h.orch.CreateCheckout(context.Background(), "buyer-1", []domain.LineItem{
		{TicketTypeID: h.general.ID, Quantity: 4},
		{TicketTypeID: h.vip.ID, Quantity: 2},
	})
	if !errors.Is(err, domain.ErrInsufficientInventory) {
		t.Fatalf("expected insufficient inventory, got %v", err)
	}
	var insufficient *checkout.InsufficientInventoryError
	if !errors.As(err, &insufficient) || insufficient.TicketTypeID != h.vip.ID {
		t.Fatalf("expected the vip type to be named, got %v", err)
	}
	if h.sold(t, h.general.ID) != 0 || h.sold(t, h.vip.ID) != 0 {
		t.Fatal("partial reservation survived a failed checkout")
	}
	if len(h.gateway.calls) != 0 {
		t.Fatal("processor must not be called")
	}
}

func TestCreateCheckout_PaymentRejectedCancelsOrder(t *testing.T) {
	h := newHarness(t, 10, 5)
	h.gateway.fail = []error{payment.ErrRejected}

	_, err := h.orch.CreateCheckout(context.Background(), "buyer-1", []domain.LineItem{{TicketTypeID: h.general.ID, Quantity: 3}})
	if !errors.Is(err, domain.ErrPaymentIntentCreationFailed) {
		t.Fatalf("expected payment failure, got %v", err)
	}
	if h.sold(t, h.general.ID) != 0 {
		t.Fatalf("inventory left reserved: %d", h.sold(t, h.general.ID))
	}
	orderID := h.gateway.calls[0].OrderID
	if got := h.order(t, orderID).Status; got != domain.OrderCancelled {
		t.Fatalf("expected cancelled order, got %s", got)
	}
	if len(h.gateway.calls) != 1 {
		t.Fatal("a rejection must not be retried")
	}
}

func TestCreateCheckout_RetriesWithSameKey(t *testing.T) {
	h := newHarness(t, 10, 5)
	h.gateway.fail = []error{payment.ErrUnavailable, payment.ErrUnavailable}

	res, err := h.orch.CreateCheckout(context.Background(), "buyer-1", []domain.LineItem{{TicketTypeID: h.general.ID, Quantity: 1}})
	if err != nil {
		t.Fatal(err)
	}
	if len(h.gateway.calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(h.gateway.calls))
	}
	for _, c := range h.gateway.calls {
		if c.IdempotencyKey != payment.IdempotencyKey(res.OrderID) {
			t.Fatalf("retry used key %q", c.IdempotencyKey)
		}
	}
}

func TestCreateCheckout_UnknownOutcomeCancelsOrder(t *testing.T) {
	h := newHarness(t, 1, 5)
	h.gateway.fail = []error{payment.ErrUnavailable, payment.ErrUnavailable, payment.ErrUnavailable}
	ctx := context.Background()

	_, err := h.orch.CreateCheckout(ctx, "buyer-1", []domain.LineItem{{TicketTypeID: h.general.ID, Quantity: 1}})
	if !errors.Is(err, domain.ErrPaymentOutcomeUnknown) {
		t.Fatalf("expected unknown outcome, got %v", err)
	}
	orderID := h.gateway.calls[0].OrderID
	if o := h.order(t, orderID); o.Status != domain.OrderCancelled {
		t.Fatalf("expected cancelled order, got %s", o.Status)
	}
	if h.sold(t, h.general.ID) != 0 {
		t.Fatal("units of an order with an unknown payment outcome must be released")
	}

	// the last seat is available again to the next buyer
	if _, err := h.orch.CreateCheckout(ctx, "buyer-2", []domain.LineItem{{TicketTypeID: h.general.ID, Quantity: 1}}); err != nil {
		t.Fatalf("second buyer: %v", err)
	}
	if h.sold(t, h.general.ID) != 1 {
		t.Fatal("second buyer should hold the seat")
	}
}

func TestCreateCheckout_Validation(t *testing.T) {
	h := newHarness(t, 10, 5)
	ctx := context.Background()

	cases := map[string][]domain.LineItem{
		"empty":         nil,
		"zero quantity": {{TicketTypeID: h.general.ID, Quantity: 0}},
		"no type":       {{Quantity: 1}},
		"over limit":    {{TicketTypeID: h.general.ID, Quantity: 8}, {TicketTypeID: h.vip.ID, Quantity: 3}},
		"huge line":     {{TicketTypeID: h.general.ID, Quantity: math.MaxInt64}},
		"wrapping sum":  {{TicketTypeID: h.general.ID, Quantity: math.MaxInt64}, {TicketTypeID: h.vip.ID, Quantity: 1}},
	}
	for name, items := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := h.orch.CreateCheckout(ctx, "buyer", items); !errors.Is(err, domain.ErrInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}

	if _, err := h.orch.CreateCheckout(ctx, "buyer", []domain.LineItem{{TicketTypeID: uuid.New(), Quantity: 1}}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(h.gateway.calls) != 0 || h.sold(t, h.general.ID) != 0 {
		t.Fatal("invalid checkouts must not reserve or call the processor")
	}
}

func TestCreateCheckout_EventNotOnSale(t *testing.T) {
	h := newHarness(t, 10, 5)
	catalog := memory.NewCatalog()
	closed := h.event
	closed.Status = domain.EventEnded
	catalog.PutEvent(closed)
	logger := observability.NewDiscardLogger()
	ledger := inventory.NewLedger(h.inv, logger)
	orch := checkout.NewOrchestrator(catalog, ledger, orders.NewService(h.store, nil, logger, time.Second), h.gateway, logger, checkout.Settings{
		ReservationTTL: time.Minute, StoreTimeout: time.Second, PaymentTimeout: time.Second, PaymentMaxAttempts: 1,
	})

	_, err := orch.CreateCheckout(context.Background(), "buyer", []domain.LineItem{{TicketTypeID: h.general.ID, Quantity: 1}})
	if !errors.Is(err, checkout.ErrEventNotOnSale) {
		t.Fatalf("expected not on sale, got %v", err)
	}
}

func TestCreateCheckout_LastUnitGoesToOneBuyer(t *testing.T) {
	h := newHarness(t, 1, 0)

	var wins, losses int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.orch.CreateCheckout(context.Background(), "buyer", []domain.LineItem{{TicketTypeID: h.general.ID, Quantity: 1}})
			switch {
			case err == nil && res.PaymentToken != "":
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, domain.ErrInsufficientInventory):
				atomic.AddInt32(&losses, 1)
			default:
				t.Errorf("unexpected outcome %+v %v", res, err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || losses != 1 {
		t.Fatalf("expected one winner and one loser, got %d/%d", wins, losses)
	}
	if h.sold(t, h.general.ID) != 1 {
		t.Fatal("capacity exceeded")
	}
}
