package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-checkout/internal/adapters/memory"
	"github.com/robertarktes/ticket-checkout/internal/checkout"
	"github.com/robertarktes/ticket-checkout/internal/config"
	"github.com/robertarktes/ticket-checkout/internal/domain"
	api "github.com/robertarktes/ticket-checkout/internal/http"
	"github.com/robertarktes/ticket-checkout/internal/idempotency"
	"github.com/robertarktes/ticket-checkout/internal/inventory"
	"github.com/robertarktes/ticket-checkout/internal/observability"
	"github.com/robertarktes/ticket-checkout/internal/orders"
	"github.com/robertarktes/ticket-checkout/internal/payment"
	"github.com/robertarktes/ticket-checkout/internal/rateLimit"
	"github.com/robertarktes/ticket-checkout/internal/webhook"
)

type stubGateway struct{ reject bool }

func (g stubGateway) CreatePaymentIntent(_ context.Context, req payment.IntentRequest) (payment.Intent, error) {
	if g.reject {
		return payment.Intent{}, payment.ErrRejected
	}
	return payment.Intent{ID: "pi_" + req.OrderID.String(), ClientToken: "secret_" + req.OrderID.String()}, nil
}

// blockingGateway holds every intent call until release is closed.
type blockingGateway struct {
	entered chan uuid.UUID
	release chan struct{}
}

func (g blockingGateway) CreatePaymentIntent(_ context.Context, req payment.IntentRequest) (payment.Intent, error) {
	g.entered <- req.OrderID
	<-g.release
	return payment.Intent{ID: "pi_" + req.OrderID.String(), ClientToken: "secret_" + req.OrderID.String()}, nil
}

type server struct {
	handler  http.Handler
	inv      *memory.InventoryStore
	orders   *orders.Service
	verifier *webhook.Verifier
	tt       domain.TicketType
}

func newServer(t *testing.T, gw payment.Gateway, limits map[string]config.RateLimitClass) *server {
	t.Helper()
	observability.InitMetrics()
	logger := observability.NewDiscardLogger()

	catalog := memory.NewCatalog()
	ev := domain.Event{ID: uuid.New(), Status: domain.EventOnSale, Currency: "usd"}
	catalog.PutEvent(ev)
	inv := memory.NewInventoryStore()
	tt := domain.TicketType{ID: uuid.New(), EventID: ev.ID, TotalCapacity: 1, UnitPrice: 5000}
	inv.PutTicketType(tt)

	ledger := inventory.NewLedger(inv, logger)
	svc := orders.NewService(memory.NewOrderStore(inv), nil, logger, time.Second)
	orch := checkout.NewOrchestrator(catalog, ledger, svc, gw, logger, checkout.Settings{
		ReservationTTL: 15 * time.Minute, MaxTicketsPerOrder: 10, StoreTimeout: time.Second,
		PaymentTimeout: time.Second, PaymentMaxAttempts: 1, Currency: "usd",
	})
	verifier := webhook.NewVerifier("whsec_test", 5*time.Minute)

	if limits == nil {
		limits = config.DefaultRateLimits()
	}
	h := api.NewHandlers(api.Deps{
		Checkout:    orch,
		Orders:      svc,
		Guard:       webhook.NewGuard(memory.NewWebhookStore(), logger),
		Dispatch:    webhook.NewDispatcher(svc, logger).Handle,
		Verifier:    verifier,
		Idempotency: idempotency.NewIdempotency(memory.NewIdempotencyStore(), time.Hour),
		Ready:       map[string]api.Pinger{"store": api.PingFunc(func(context.Context) error { return nil })},
		Logger:      logger,
	})
	rl := rateLimit.NewRateLimiter(memory.NewRateLimitStore(), limits)
	return &server{handler: api.SetupRouter(h, logger, rl), inv: inv, orders: svc, verifier: verifier, tt: tt}
}

func (s *server) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *server) checkoutRequest(qty int64, key string) *http.Request {
	return s.checkoutRequestFor("buyer-1", qty, key)
}

func (s *server) checkoutRequestFor(buyer string, qty int64, key string) *http.Request {
	body, _ := json.Marshal(map[string]interface{}{
		"buyerId":   buyer,
		"lineItems": []map[string]interface{}{{"ticketTypeId": s.tt.ID.String(), "quantity": qty}},
	})
	req := httptest.NewRequest(http.MethodPost, "/checkout", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return req
}

func (s *server) webhookRequest(eventID, eventType string, payload interface{}) *http.Request {
	raw, _ := json.Marshal(payload)
	body, _ := json.Marshal(map[string]interface{}{"eventId": eventID, "eventType": eventType, "payload": json.RawMessage(raw)})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body))
	req.Header.Set(webhook.SignatureHeader, s.verifier.Header(body, time.Now()))
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestCheckoutWebhookFlow(t *testing.T) {
	s := newServer(t, stubGateway{}, nil)

	rec := s.do(s.checkoutRequest(1, ""))
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout: %d %s", rec.Code, rec.Body)
	}
	body := decode(t, rec)
	orderID := body["orderId"].(string)
	if body["paymentToken"] != "secret_"+orderID {
		t.Fatalf("unexpected body %v", body)
	}

	rec = s.do(s.checkoutRequest(1, ""))
	if rec.Code != http.StatusConflict || decode(t, rec)["errorCode"] != "INSUFFICIENT_INVENTORY" {
		t.Fatalf("second checkout: %d %s", rec.Code, rec.Body)
	}

	payload := map[string]interface{}{"intentId": "pi_" + orderID, "amount": 5000}
	for i := 0; i < 3; i++ {
		rec = s.do(s.webhookRequest("evt_1", webhook.TypePaymentSucceeded, payload))
		if rec.Code != http.StatusOK {
			t.Fatalf("webhook %d: %d %s", i, rec.Code, rec.Body)
		}
		if skipped := decode(t, rec)["skipped"].(bool); skipped != (i > 0) {
			t.Fatalf("delivery %d skipped=%v", i, skipped)
		}
	}

	rec = s.do(httptest.NewRequest(http.MethodGet, "/orders/"+orderID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get order: %d %s", rec.Code, rec.Body)
	}
	order := decode(t, rec)
	if order["status"] != string(domain.OrderPaid) {
		t.Fatalf("unexpected order %v", order)
	}
	ticket := order["tickets"].([]interface{})[0].(map[string]interface{})
	if ticket["status"] != string(domain.TicketActive) || ticket["redemptionCode"] == nil {
		t.Fatalf("unexpected ticket %v", ticket)
	}
}

func TestCheckout_Errors(t *testing.T) {
	s := newServer(t, stubGateway{reject: true}, nil)

	rec := s.do(s.checkoutRequest(1, ""))
	if rec.Code != http.StatusBadGateway || decode(t, rec)["errorCode"] != "PAYMENT_INTENT_CREATION_FAILED" {
		t.Fatalf("rejected payment: %d %s", rec.Code, rec.Body)
	}
	tt, _ := s.inv.GetTicketType(context.Background(), s.tt.ID)
	if tt.QuantitySold != 0 {
		t.Fatal("inventory must be released after a payment failure")
	}

	bad := httptest.NewRequest(http.MethodPost, "/checkout", bytes.NewReader([]byte(`{"buyerId":"b","lineItems":[{"ticketTypeId":"nope","quantity":1}]}`)))
	if rec := s.do(bad); rec.Code != http.StatusBadRequest || decode(t, rec)["errorCode"] != "INVALID_INPUT" {
		t.Fatalf("invalid body: %d %s", rec.Code, rec.Body)
	}

	if rec := s.do(httptest.NewRequest(http.MethodGet, "/orders/"+uuid.NewString(), nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown order: %d", rec.Code)
	}
}

func TestCheckout_IdempotencyKeyReplays(t *testing.T) {
	s := newServer(t, stubGateway{}, nil)

	first := s.do(s.checkoutRequest(1, "key-123"))
	if first.Code != http.StatusCreated {
		t.Fatalf("first: %d %s", first.Code, first.Body)
	}
	second := s.do(s.checkoutRequest(1, "key-123"))
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Fatalf("replay differs: %d %s", second.Code, second.Body)
	}
	if second.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatal("replay header missing")
	}
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	s := newServer(t, stubGateway{}, nil)

	req := s.webhookRequest("evt_x", webhook.TypePaymentSucceeded, map[string]string{"intentId": "pi"})
	req.Header.Set(webhook.SignatureHeader, "t=1,v1=00")
	rec := s.do(req)
	if rec.Code != http.StatusBadRequest || decode(t, rec)["errorCode"] != "INVALID_SIGNATURE" {
		t.Fatalf("bad signature: %d %s", rec.Code, rec.Body)
	}
}

func TestRateLimit_Headers(t *testing.T) {
	s := newServer(t, stubGateway{}, map[string]config.RateLimitClass{
		config.ClassCheckout: {MaxRequests: 2, Window: time.Minute},
		config.ClassRead:     {MaxRequests: 100, Window: time.Minute},
		config.ClassWebhook:  {MaxRequests: 100, Window: time.Minute},
	})

	for i := 0; i < 2; i++ {
		rec := s.do(s.checkoutRequest(5, ""))
		if rec.Code == http.StatusTooManyRequests {
			t.Fatalf("request %d limited", i)
		}
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != strconv.Itoa(1-i) {
			t.Fatalf("request %d remaining %q", i, got)
		}
	}

	rec := s.do(s.checkoutRequest(1, ""))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	body := decode(t, rec)
	if body["errorCode"] != "RATE_LIMIT_EXCEEDED" || body["resetAt"] == nil {
		t.Fatalf("unexpected body %v", body)
	}
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retry < 1 || retry > 60 {
		t.Fatalf("unexpected Retry-After %q", rec.Header().Get("Retry-After"))
	}
	if int(body["retryAfterSeconds"].(float64)) != retry {
		t.Fatal("retryAfterSeconds must match Retry-After")
	}

	other := s.checkoutRequest(1, "")
	other.Header.Set("X-User-ID", "someone-else")
	if rec := s.do(other); rec.Code == http.StatusTooManyRequests {
		t.Fatal("limits are per identifier")
	}
}

func TestHealthAndReadiness(t *testing.T) {
	s := newServer(t, stubGateway{}, nil)
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		if rec := s.do(httptest.NewRequest(http.MethodGet, path, nil)); rec.Code != http.StatusOK {
			t.Fatalf("%s: %d", path, rec.Code)
		}
	}
}

func TestCheckout_IdempotencyKeyBoundToRequest(t *testing.T) {
	s := newServer(t, stubGateway{}, nil)

	first := s.do(s.checkoutRequestFor("buyer-1", 1, "shared-key"))
	if first.Code != http.StatusCreated {
		t.Fatalf("first: %d %s", first.Code, first.Body)
	}
	token := decode(t, first)["paymentToken"].(string)

	other := s.do(s.checkoutRequestFor("buyer-2", 1, "shared-key"))
	if other.Code != http.StatusUnprocessableEntity || decode(t, other)["errorCode"] != "IDEMPOTENCY_KEY_REUSED" {
		t.Fatalf("reused key: %d %s", other.Code, other.Body)
	}
	if bytes.Contains(other.Body.Bytes(), []byte(token)) {
		t.Fatal("another buyer's payment token leaked through a reused key")
	}
}

func TestCheckout_ConcurrentRetryDuringSlowCheckout(t *testing.T) {
	gw := blockingGateway{entered: make(chan uuid.UUID, 2), release: make(chan struct{})}
	s := newServer(t, gw, nil)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- s.do(s.checkoutRequest(1, "slow-key")) }()

	select {
	case <-gw.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("checkout never reached the processor")
	}

	retry := s.do(s.checkoutRequest(1, "slow-key"))
	if retry.Code != http.StatusConflict || decode(t, retry)["errorCode"] != "REQUEST_IN_PROGRESS" {
		t.Fatalf("retry during checkout: %d %s", retry.Code, retry.Body)
	}
	if len(gw.entered) != 0 {
		t.Fatal("retry started a second checkout")
	}

	close(gw.release)
	first := <-done
	if first.Code != http.StatusCreated {
		t.Fatalf("first: %d %s", first.Code, first.Body)
	}
	replay := s.do(s.checkoutRequest(1, "slow-key"))
	if replay.Code != http.StatusCreated || replay.Body.String() != first.Body.String() {
		t.Fatalf("replay: %d %s", replay.Code, replay.Body)
	}
	tt, _ := s.inv.GetTicketType(context.Background(), s.tt.ID)
	if tt.QuantitySold != 1 {
		t.Fatalf("quantity sold = %d", tt.QuantitySold)
	}
}

func TestCheckout_RejectsOverflowingQuantity(t *testing.T) {
	s := newServer(t, stubGateway{}, nil)

	body := `{"buyerId":"b","lineItems":[{"ticketTypeId":"` + s.tt.ID.String() + `","quantity":9223372036854775807}]}`
	rec := s.do(httptest.NewRequest(http.MethodPost, "/checkout", bytes.NewReader([]byte(body))))
	if rec.Code != http.StatusBadRequest || decode(t, rec)["errorCode"] != "INVALID_INPUT" {
		t.Fatalf("huge quantity: %d %s", rec.Code, rec.Body)
	}
	tt, _ := s.inv.GetTicketType(context.Background(), s.tt.ID)
	if tt.QuantitySold != 0 {
		t.Fatalf("quantity sold = %d", tt.QuantitySold)
	}
}
