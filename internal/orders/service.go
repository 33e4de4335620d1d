package orders

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-checkout/internal/domain"
	"github.com/robertarktes/ticket-checkout/internal/observability"
)

type Store interface {
	CreateOrder(ctx context.Context, order domain.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	FindOrderByPaymentRef(ctx context.Context, ref string) (*domain.Order, error)
	// ApplyTransition persists t, its ticket updates, the units in t.Release
	// and its outbox messages in one step, only while the order is still in
	// t.From. A moved order yields domain.ErrStaleTransition; any error means
	// nothing was written. It returns the units actually released.
	ApplyTransition(ctx context.Context, t domain.Transition) (int64, error)
	// ListExpired returns pending or awaiting_payment orders whose hold
	// expired at or before now, oldest first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Order, error)
}

type Auditor interface {
	LogTransition(ctx context.Context, order domain.Order, t domain.Transition) error
}

const maxTransitionAttempts = 3

// Service drives orders through domain.NextStatus. Only the caller whose
// compare-and-swap wins performs the side effects of a transition.
type Service struct {
	store   Store
	auditor Auditor
	logger  observability.Logger
	timeout time.Duration
	now     func() time.Time
}

func NewService(store Store, auditor Auditor, logger observability.Logger, timeout time.Duration) *Service {
	return &Service{
		store:   store,
		auditor: auditor,
		logger:  logger,
		timeout: timeout,
		now:     time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Create(ctx context.Context, order domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.CreateOrder(ctx, order)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.GetOrder(ctx, id)
}

func (s *Service) FindByPaymentRef(ctx context.Context, ref string) (*domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.FindOrderByPaymentRef(ctx, ref)
}

func (s *Service) MarkAwaitingPayment(ctx context.Context, orderID uuid.UUID, paymentRef string) (*domain.Order, error) {
	return s.apply(ctx, orderID, domain.EventPaymentIntentCreated, &paymentRef)
}

func (s *Service) ConfirmPayment(ctx context.Context, orderID uuid.UUID, paymentRef string) (*domain.Order, error) {
	var ref *string
	if paymentRef != "" {
		ref = &paymentRef
	}
	return s.apply(ctx, orderID, domain.EventPaymentConfirmed, ref)
}

func (s *Service) FailPayment(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	return s.apply(ctx, orderID, domain.EventPaymentFailed, nil)
}

// Abort cancels a pending order whose checkout could not complete.
func (s *Service) Abort(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	return s.apply(ctx, orderID, domain.EventCheckoutAborted, nil)
}

func (s *Service) Expire(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	return s.apply(ctx, orderID, domain.EventReservationExpired, nil)
}

func (s *Service) Refund(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	return s.apply(ctx, orderID, domain.EventRefundIssued, nil)
}

// apply moves the order by ev. A redelivered event whose target is the
// current status returns the order unchanged and a nil error.
func (s *Service) apply(ctx context.Context, orderID uuid.UUID, ev domain.OrderEvent, paymentRef *string) (*domain.Order, error) {
	order, _, err := s.transition(ctx, orderID, ev, paymentRef)
	return order, err
}

// transition is apply that also reports whether this call committed the
// move, as opposed to finding it already done.
func (s *Service) transition(ctx context.Context, orderID uuid.UUID, ev domain.OrderEvent, paymentRef *string) (*domain.Order, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	log := s.logger.WithField("order_id", orderID).WithField("event", ev)

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		order, err := s.store.GetOrder(ctx, orderID)
		if err != nil {
			return nil, false, errors.Wrapf(err, "load order %s", orderID)
		}

		next, err := domain.NextStatus(order.Status, ev)
		if errors.Is(err, domain.ErrAlreadyApplied) {
			log.Debug("transition already applied")
			return order, false, nil
		}
		if errors.Is(err, domain.ErrStaleTransition) {
			observability.StaleTransitions.WithLabelValues(string(ev)).Inc()
			log.WithField("status", order.Status).Warn("stale order transition rejected")
			return order, false, err
		}
		if err != nil {
			return nil, false, err
		}

		t := domain.Transition{
			OrderID:    order.ID,
			Event:      ev,
			From:       order.Status,
			To:         next,
			PaymentRef: paymentRef,
			At:         s.now().UTC(),
		}
		if next == domain.OrderPaid {
			if t.RedemptionCodes, err = redemptionCodes(order.Tickets); err != nil {
				return nil, false, err
			}
		}
		if next.ReleasesInventory() {
			t.Release = order.UnitsByTicketType()
		}
		updated := order.Apply(t)
		if t.Outbox, err = outboxFor(updated, t); err != nil {
			return nil, false, err
		}

		released, err := s.store.ApplyTransition(ctx, t)
		if errors.Is(err, domain.ErrStaleTransition) {
			// Lost the race; re-evaluate against the winner's status.
			continue
		}
		if err != nil {
			return nil, false, errors.Wrapf(err, "apply %s to order %s", ev, orderID)
		}

		observability.OrderTransitions.WithLabelValues(string(t.From), string(t.To)).Inc()
		log.WithField("from", t.From).WithField("to", t.To).Info("order transitioned")

		if want := int64(len(order.Tickets)); t.Release != nil && released < want {
			observability.InventoryReleaseAnomalies.Inc()
			log.WithField("requested", want).WithField("released", released).
				Warn("inventory release clamped at zero sold units")
		}
		if s.auditor != nil {
			if err := s.auditor.LogTransition(ctx, updated, t); err != nil {
				log.WithError(err).Warn("failed to write audit log")
			}
		}
		return &updated, true, nil
	}

	return nil, false, errors.Wrapf(domain.ErrConflict, "order %s kept changing during %s", orderID, ev)
}

func redemptionCodes(tickets []domain.Ticket) (map[uuid.UUID]string, error) {
	codes := make(map[uuid.UUID]string, len(tickets))
	for _, tk := range tickets {
		code, err := domain.NewRedemptionCode()
		if err != nil {
			return nil, errors.Wrap(err, "generate redemption code")
		}
		codes[tk.ID] = code
	}
	return codes, nil
}

type ticketPayload struct {
	TicketID       uuid.UUID `json:"ticket_id"`
	TicketTypeID   uuid.UUID `json:"ticket_type_id"`
	RedemptionCode *string   `json:"redemption_code,omitempty"`
}

type orderPayload struct {
	OrderID     uuid.UUID          `json:"order_id"`
	BuyerID     string             `json:"buyer_id"`
	Status      domain.OrderStatus `json:"status"`
	Event       domain.OrderEvent  `json:"event"`
	TotalAmount int64              `json:"total_amount"`
	Currency    string             `json:"currency"`
	PaymentRef  *string            `json:"payment_ref,omitempty"`
	Tickets     []ticketPayload    `json:"tickets"`
	OccurredAt  time.Time          `json:"occurred_at"`
}

// outboxFor builds the downstream messages of a transition. order.paid is
// what the email sender consumes to deliver tickets.
func outboxFor(order domain.Order, t domain.Transition) ([]domain.OutboxMessage, error) {
	var eventType string
	switch t.To {
	case domain.OrderPaid:
		eventType = "order.paid"
	case domain.OrderCancelled:
		eventType = "order.cancelled"
	case domain.OrderRefunded:
		eventType = "order.refunded"
	default:
		return nil, nil
	}

	payload := orderPayload{
		OrderID:     order.ID,
		BuyerID:     order.BuyerID,
		Status:      order.Status,
		Event:       t.Event,
		TotalAmount: order.TotalAmount,
		Currency:    order.Currency,
		PaymentRef:  order.PaymentRef,
		OccurredAt:  t.At,
	}
	for _, tk := range order.Tickets {
		payload.Tickets = append(payload.Tickets, ticketPayload{
			TicketID:       tk.ID,
			TicketTypeID:   tk.TicketTypeID,
			RedemptionCode: tk.RedemptionCode,
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return []domain.OutboxMessage{{
		ID:            uuid.New(),
		AggregateType: "order",
		AggregateID:   order.ID,
		EventType:     eventType,
		Payload:       body,
		CreatedAt:     t.At,
		Status:        "NEW",
		DedupeKey:     eventType + ":" + order.ID.String(),
	}}, nil
}
