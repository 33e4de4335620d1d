package checkout

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-checkout/internal/domain"
	"github.com/robertarktes/ticket-checkout/internal/observability"
	"github.com/robertarktes/ticket-checkout/internal/payment"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var ErrEventNotOnSale = errors.New("event not on sale")

// InsufficientInventoryError names the ticket type that could not be
// reserved. It unwraps to domain.ErrInsufficientInventory.
type InsufficientInventoryError struct {
	TicketTypeID uuid.UUID
	Requested    int64
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient inventory for ticket type %s (requested %d)", e.TicketTypeID, e.Requested)
}

func (e *InsufficientInventoryError) Unwrap() error {
	return domain.ErrInsufficientInventory
}

type Catalog interface {
	GetEvent(ctx context.Context, id uuid.UUID) (*domain.Event, error)
}

type Ledger interface {
	TicketType(ctx context.Context, id uuid.UUID) (*domain.TicketType, error)
	Reserve(ctx context.Context, ticketTypeID uuid.UUID, qty int64) (domain.ReservationResult, error)
	Release(ctx context.Context, ticketTypeID uuid.UUID, qty int64) error
}

type Orders interface {
	Create(ctx context.Context, order domain.Order) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	MarkAwaitingPayment(ctx context.Context, orderID uuid.UUID, paymentRef string) (*domain.Order, error)
	Abort(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
}

type Settings struct {
	ReservationTTL     time.Duration
	MaxTicketsPerOrder int64
	StoreTimeout       time.Duration
	PaymentTimeout     time.Duration
	PaymentMaxAttempts int
	Currency           string
}

type Result struct {
	OrderID      uuid.UUID
	PaymentToken string
	TotalAmount  int64
	Currency     string
	ExpiresAt    time.Time
}

type Orchestrator struct {
	catalog  Catalog
	ledger   Ledger
	orders   Orders
	gateway  payment.Gateway
	logger   observability.Logger
	settings Settings
	now      func() time.Time
	backoff  func(attempt int) time.Duration
}

func NewOrchestrator(catalog Catalog, ledger Ledger, orders Orders, gateway payment.Gateway, logger observability.Logger, settings Settings) *Orchestrator {
	if settings.PaymentMaxAttempts < 1 {
		settings.PaymentMaxAttempts = 1
	}
	return &Orchestrator{
		catalog:  catalog,
		ledger:   ledger,
		orders:   orders,
		gateway:  gateway,
		logger:   logger,
		settings: settings,
		now:      time.Now,
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<(attempt-1)) * 250 * time.Millisecond
		},
	}
}

func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

func (o *Orchestrator) WithBackoff(backoff func(attempt int) time.Duration) *Orchestrator {
	o.backoff = backoff
	return o
}

// CreateCheckout reserves inventory, opens a pending order and obtains a
// payment intent for it. Every failure path leaves no reservation behind:
// before the order exists reservations are released here, afterwards the
// order's cancellation releases them.
func (o *Orchestrator) CreateCheckout(ctx context.Context, buyerID string, lineItems []domain.LineItem) (Result, error) {
	// An abandoned request must not interrupt the pipeline half way.
	ctx = context.WithoutCancel(ctx)

	ctx, span := otel.Tracer("checkout").Start(ctx, "checkout.create")
	defer span.End()

	res, err := o.createCheckout(ctx, buyerID, lineItems)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.CheckoutsTotal.WithLabelValues(outcome(err)).Inc()
		return Result{}, err
	}
	span.SetAttributes(attribute.String("order.id", res.OrderID.String()))
	observability.CheckoutsTotal.WithLabelValues("created").Inc()
	return res, nil
}

func (o *Orchestrator) createCheckout(ctx context.Context, buyerID string, lineItems []domain.LineItem) (Result, error) {
	log := o.logger.WithField("buyer_id", buyerID)

	items, currency, err := o.validate(ctx, lineItems)
	if err != nil {
		return Result{}, err
	}

	var reserved []domain.PricedItem
	for _, item := range items {
		res, err := o.reserve(ctx, item)
		if err != nil {
			o.releaseAll(ctx, log, reserved)
			return Result{}, err
		}
		if !res.Success {
			o.releaseAll(ctx, log, reserved)
			return Result{}, &InsufficientInventoryError{TicketTypeID: item.TicketType.ID, Requested: item.Quantity}
		}
		reserved = append(reserved, item)
	}

	order := domain.NewOrder(buyerID, items, currency, o.now().UTC(), o.settings.ReservationTTL)
	log = log.WithField("order_id", order.ID)

	if err := o.orders.Create(ctx, order); err != nil {
		o.compensateCreate(ctx, log, order, reserved)
		return Result{}, errors.Wrap(err, "create order")
	}

	intent, err := o.createIntent(ctx, order)
	if errors.Is(err, payment.ErrRejected) {
		if _, abortErr := o.orders.Abort(ctx, order.ID); abortErr != nil {
			log.WithError(abortErr).Error("failed to abort order after payment rejection, leaving it to the expiry sweep")
		}
		return Result{}, errors.Wrapf(domain.ErrPaymentIntentCreationFailed, "order %s: %v", order.ID, err)
	}
	if err != nil {
		// The buyer never sees a client token, so an intent the processor may
		// have created cannot be confirmed. A late payment_succeeded for the
		// cancelled order is logged as needing a refund.
		log.WithError(err).Warn("payment intent outcome unknown, cancelling order")
		if _, abortErr := o.orders.Abort(ctx, order.ID); abortErr != nil {
			log.WithError(abortErr).Error("failed to abort order after unknown payment outcome, leaving it to the expiry sweep")
		}
		return Result{}, errors.Wrapf(domain.ErrPaymentOutcomeUnknown, "order %s: %v", order.ID, err)
	}

	if _, err := o.orders.MarkAwaitingPayment(ctx, order.ID, intent.ID); err != nil {
		log.WithError(err).WithField("payment_ref", intent.ID).Error("failed to record payment intent")
		return Result{}, errors.Wrap(err, "record payment intent")
	}

	log.WithField("payment_ref", intent.ID).Info("checkout created")
	return Result{
		OrderID:      order.ID,
		PaymentToken: intent.ClientToken,
		TotalAmount:  order.TotalAmount,
		Currency:     order.Currency,
		ExpiresAt:    order.ExpiresAt,
	}, nil
}

// validate merges repeated ticket types, checks quantities and limits, and
// prices every line from the ledger.
func (o *Orchestrator) validate(ctx context.Context, lineItems []domain.LineItem) ([]domain.PricedItem, string, error) {
	if len(lineItems) == 0 {
		return nil, "", errors.Wrap(domain.ErrInvalidInput, "checkout has no line items")
	}

	merged := make(map[uuid.UUID]int64, len(lineItems))
	var order []uuid.UUID
	var total int64
	for _, li := range lineItems {
		if li.TicketTypeID == uuid.Nil {
			return nil, "", errors.Wrap(domain.ErrInvalidInput, "line item without ticket type")
		}
		if li.Quantity <= 0 {
			return nil, "", errors.Wrapf(domain.ErrInvalidInput, "quantity %d for ticket type %s", li.Quantity, li.TicketTypeID)
		}
		if limit := o.settings.MaxTicketsPerOrder; limit > 0 && li.Quantity > limit {
			return nil, "", errors.Wrapf(domain.ErrInvalidInput, "%d tickets exceeds the limit of %d per order", li.Quantity, limit)
		}
		if li.Quantity > math.MaxInt64-total {
			return nil, "", errors.Wrap(domain.ErrInvalidInput, "order quantity out of range")
		}
		if _, seen := merged[li.TicketTypeID]; !seen {
			order = append(order, li.TicketTypeID)
		}
		merged[li.TicketTypeID] += li.Quantity
		total += li.Quantity
	}
	if o.settings.MaxTicketsPerOrder > 0 && total > o.settings.MaxTicketsPerOrder {
		return nil, "", errors.Wrapf(domain.ErrInvalidInput, "%d tickets exceeds the limit of %d per order", total, o.settings.MaxTicketsPerOrder)
	}

	now := o.now()
	currency := ""
	events := map[uuid.UUID]*domain.Event{}
	items := make([]domain.PricedItem, 0, len(order))
	for _, id := range order {
		sctx, cancel := context.WithTimeout(ctx, o.settings.StoreTimeout)
		tt, err := o.ledger.TicketType(sctx, id)
		cancel()
		if err != nil {
			return nil, "", errors.Wrapf(err, "ticket type %s", id)
		}

		ev, ok := events[tt.EventID]
		if !ok {
			sctx, cancel := context.WithTimeout(ctx, o.settings.StoreTimeout)
			ev, err = o.catalog.GetEvent(sctx, tt.EventID)
			cancel()
			if err != nil {
				return nil, "", errors.Wrapf(err, "event %s", tt.EventID)
			}
			events[tt.EventID] = ev
		}
		if !ev.OnSale(now) {
			return nil, "", errors.Wrapf(ErrEventNotOnSale, "event %s", ev.ID)
		}

		evCurrency := ev.Currency
		if evCurrency == "" {
			evCurrency = o.settings.Currency
		}
		if currency != "" && currency != evCurrency {
			return nil, "", errors.Wrap(domain.ErrInvalidInput, "line items span several currencies")
		}
		currency = evCurrency

		items = append(items, domain.PricedItem{TicketType: *tt, Quantity: merged[id]})
	}
	return items, currency, nil
}

func (o *Orchestrator) reserve(ctx context.Context, item domain.PricedItem) (domain.ReservationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.settings.StoreTimeout)
	defer cancel()
	return o.ledger.Reserve(ctx, item.TicketType.ID, item.Quantity)
}

func (o *Orchestrator) releaseAll(ctx context.Context, log observability.Logger, reserved []domain.PricedItem) {
	for _, item := range reserved {
		rctx, cancel := context.WithTimeout(ctx, o.settings.StoreTimeout)
		err := o.ledger.Release(rctx, item.TicketType.ID, item.Quantity)
		cancel()
		if err != nil {
			log.WithError(err).
				WithField("ticket_type_id", item.TicketType.ID).
				WithField("quantity", item.Quantity).
				Error("failed to release reservation of failed checkout")
		}
	}
}

// compensateCreate undoes the reservations of an order whose insert failed.
// An insert that reported an error may still have committed; in that case
// the order is cancelled through the state machine so units are released
// exactly once.
func (o *Orchestrator) compensateCreate(ctx context.Context, log observability.Logger, order domain.Order, reserved []domain.PricedItem) {
	_, err := o.orders.Get(ctx, order.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		o.releaseAll(ctx, log, reserved)
	case err == nil:
		if _, abortErr := o.orders.Abort(ctx, order.ID); abortErr != nil {
			log.WithError(abortErr).Error("failed to abort partially created order, leaving it to the expiry sweep")
		}
	default:
		log.WithError(err).Error("cannot tell whether order was created; reservations held until reconciled")
	}
}

func (o *Orchestrator) createIntent(ctx context.Context, order domain.Order) (payment.Intent, error) {
	ctx, span := otel.Tracer("checkout").Start(ctx, "checkout.payment_intent")
	defer span.End()

	req := payment.IntentRequest{
		OrderID:        order.ID,
		Amount:         order.TotalAmount,
		Currency:       order.Currency,
		IdempotencyKey: payment.IdempotencyKey(order.ID),
	}

	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, o.settings.PaymentTimeout)
		intent, err := o.gateway.CreatePaymentIntent(callCtx, req)
		cancel()
		if err == nil {
			return intent, nil
		}
		if errors.Is(err, payment.ErrRejected) || attempt >= o.settings.PaymentMaxAttempts {
			span.RecordError(err)
			return payment.Intent{}, err
		}
		o.logger.WithError(err).WithField("order_id", order.ID).WithField("attempt", attempt).Warn("retrying payment intent with the same idempotency key")
		time.Sleep(o.backoff(attempt))
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientInventory):
		return "insufficient_inventory"
	case errors.Is(err, domain.ErrPaymentIntentCreationFailed):
		return "payment_failed"
	case errors.Is(err, domain.ErrPaymentOutcomeUnknown):
		return "payment_unknown"
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrNotFound), errors.Is(err, ErrEventNotOnSale):
		return "invalid"
	default:
		return "error"
	}
}
