package http

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-checkout/internal/checkout"
	"github.com/robertarktes/ticket-checkout/internal/domain"
	"github.com/robertarktes/ticket-checkout/internal/idempotency"
	"github.com/robertarktes/ticket-checkout/internal/observability"
	"github.com/robertarktes/ticket-checkout/internal/webhook"
)

const maxBodyBytes = 1 << 20

type CheckoutService interface {
	CreateCheckout(ctx context.Context, buyerID string, lineItems []domain.LineItem) (checkout.Result, error)
}

type OrderReader interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Order, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Deps are the collaborators the handlers serve. Verifier and Idempotency
// are optional.
type Deps struct {
	Checkout    CheckoutService
	Orders      OrderReader
	Guard       *webhook.Guard
	Dispatch    webhook.Handler
	Verifier    *webhook.Verifier
	Idempotency *idempotency.Idempotency
	Ready       map[string]Pinger
	Logger      observability.Logger
}

type Handlers struct {
	deps     Deps
	validate *validator.Validate
}

func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps, validate: validator.New()}
}

type lineItemRequest struct {
	TicketTypeID string `json:"ticketTypeId" validate:"required,uuid"`
	Quantity     int64  `json:"quantity" validate:"required,gt=0,max=1000"`
}

type checkoutRequest struct {
	BuyerID   string            `json:"buyerId" validate:"required,max=128"`
	LineItems []lineItemRequest `json:"lineItems" validate:"required,min=1,max=50,dive"`
}

type checkoutResponse struct {
	OrderID      uuid.UUID `json:"orderId"`
	PaymentToken string    `json:"paymentToken"`
	TotalAmount  int64     `json:"totalAmount"`
	Currency     string    `json:"currency"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

func (h *Handlers) Checkout(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, r, errors.Wrapf(domain.ErrInvalidInput, "read body: %v", err))
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))

	key := r.Header.Get("Idempotency-Key")
	if key != "" && h.deps.Idempotency != nil {
		// a key only replays for the request body that first used it
		existing, err := h.deps.Idempotency.Begin(r.Context(), "checkout:"+key, fingerprint(raw))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if existing != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(existing.Status)
			w.Write(existing.Result)
			return
		}
	}

	status, body := h.checkout(r)

	if key != "" && h.deps.Idempotency != nil {
		// Server errors are not replayed; the buyer may retry with the key.
		var resp *idempotency.Response
		if status < http.StatusInternalServerError {
			resp = &idempotency.Response{Status: status, Result: body, Fingerprint: fingerprint(raw)}
		}
		if err := h.deps.Idempotency.Finish(r.Context(), "checkout:"+key, resp); err != nil {
			requestLogger(r, h.deps.Logger).WithError(err).Warn("failed to store idempotent response")
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func (h *Handlers) checkout(r *http.Request) (int, []byte) {
	var req checkoutRequest
	if err := h.decode(r, &req); err != nil {
		return h.errorBody(r, err)
	}

	items := make([]domain.LineItem, 0, len(req.LineItems))
	for _, li := range req.LineItems {
		items = append(items, domain.LineItem{TicketTypeID: uuid.MustParse(li.TicketTypeID), Quantity: li.Quantity})
	}

	res, err := h.deps.Checkout.CreateCheckout(r.Context(), req.BuyerID, items)
	if err != nil {
		return h.errorBody(r, err)
	}
	data, _ := json.Marshal(checkoutResponse{
		OrderID:      res.OrderID,
		PaymentToken: res.PaymentToken,
		TotalAmount:  res.TotalAmount,
		Currency:     res.Currency,
		ExpiresAt:    res.ExpiresAt,
	})
	return http.StatusCreated, data
}

type ticketResponse struct {
	TicketID       uuid.UUID           `json:"ticketId"`
	TicketTypeID   uuid.UUID           `json:"ticketTypeId"`
	Price          int64               `json:"price"`
	Status         domain.TicketStatus `json:"status"`
	RedemptionCode *string             `json:"redemptionCode,omitempty"`
}

type orderResponse struct {
	OrderID     uuid.UUID          `json:"orderId"`
	BuyerID     string             `json:"buyerId"`
	Status      domain.OrderStatus `json:"status"`
	TotalAmount int64              `json:"totalAmount"`
	Currency    string             `json:"currency"`
	PaymentRef  *string            `json:"paymentRef,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	ExpiresAt   time.Time          `json:"expiresAt"`
	Tickets     []ticketResponse   `json:"tickets"`
}

func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, errors.Wrap(domain.ErrInvalidInput, "invalid order id"))
		return
	}

	order, err := h.deps.Orders.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := orderResponse{
		OrderID:     order.ID,
		BuyerID:     order.BuyerID,
		Status:      order.Status,
		TotalAmount: order.TotalAmount,
		Currency:    order.Currency,
		PaymentRef:  order.PaymentRef,
		CreatedAt:   order.CreatedAt,
		ExpiresAt:   order.ExpiresAt,
		Tickets:     make([]ticketResponse, 0, len(order.Tickets)),
	}
	for _, tk := range order.Tickets {
		resp.Tickets = append(resp.Tickets, ticketResponse{
			TicketID:       tk.ID,
			TicketTypeID:   tk.TicketTypeID,
			Price:          tk.Price,
			Status:         tk.Status,
			RedemptionCode: tk.RedemptionCode,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type webhookRequest struct {
	EventID   string          `json:"eventId" validate:"required,max=255"`
	EventType string          `json:"eventType" validate:"required,max=128"`
	Payload   json.RawMessage `json:"payload"`
}

func (h *Handlers) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r, h.deps.Logger)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, r, errors.Wrapf(domain.ErrInvalidInput, "read body: %v", err))
		return
	}
	if h.deps.Verifier != nil {
		if err := h.deps.Verifier.Verify(r.Header.Get(webhook.SignatureHeader), body); err != nil {
			log.WithError(err).Warn("webhook signature rejected")
			writeJSON(w, http.StatusBadRequest, errorResponse{ErrorCode: "INVALID_SIGNATURE", Message: "signature verification failed"})
			return
		}
	}

	var req webhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, r, errors.Wrapf(domain.ErrInvalidInput, "decode body: %v", err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, r, errors.Wrapf(domain.ErrInvalidInput, "%v", err))
		return
	}

	res, err := h.deps.Guard.Process(r.Context(), req.EventID, req.EventType, req.Payload, h.deps.Dispatch)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			h.writeError(w, r, err)
			return
		}
		log.WithError(err).WithField("event_id", req.EventID).Error("webhook processing failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{ErrorCode: "WEBHOOK_PROCESSING_FAILED", Message: "event could not be processed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"received":  true,
		"skipped":   res.Skipped,
		"duplicate": res.Duplicate,
	})
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, p := range h.deps.Ready {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		requestLogger(r, h.deps.Logger).WithField("failed", failed).Warn("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"ready": false, "failed": failed})
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

func fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func (h *Handlers) decode(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Wrapf(domain.ErrInvalidInput, "decode body: %v", err)
	}
	if err := h.validate.Struct(dst); err != nil {
		return errors.Wrapf(domain.ErrInvalidInput, "%v", err)
	}
	return nil
}
