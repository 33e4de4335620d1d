package webhook

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-checkout/internal/domain"
	"github.com/robertarktes/ticket-checkout/internal/observability"
)

type Orders interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	FindByPaymentRef(ctx context.Context, ref string) (*domain.Order, error)
	ConfirmPayment(ctx context.Context, orderID uuid.UUID, paymentRef string) (*domain.Order, error)
	FailPayment(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	Refund(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
}

// Dispatcher turns processor events into order transitions. It is the
// Handler the guard runs.
type Dispatcher struct {
	orders Orders
	logger observability.Logger
}

func NewDispatcher(orders Orders, logger observability.Logger) *Dispatcher {
	return &Dispatcher{orders: orders, logger: logger}
}

func (d *Dispatcher) Handle(ctx context.Context, eventType string, payload []byte) error {
	ev, err := Parse(eventType, payload)
	if err != nil {
		d.logger.WithError(err).WithField("event_type", eventType).Error("malformed webhook payload")
		return errors.Wrapf(ErrEventIgnored, "malformed payload: %v", err)
	}
	return d.Dispatch(ctx, ev)
}

func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case PaymentSucceeded:
		order, err := d.resolve(ctx, e.OrderID, e.IntentID)
		if err != nil {
			return d.classify(ev, err)
		}
		if e.Amount != 0 && e.Amount != order.TotalAmount {
			d.logger.
				WithField("order_id", order.ID).
				WithField("paid", e.Amount).
				WithField("total", order.TotalAmount).
				Error("payment amount does not match order total")
			return errors.Wrapf(ErrEventIgnored, "amount %d does not match order %s total %d", e.Amount, order.ID, order.TotalAmount)
		}
		_, err = d.orders.ConfirmPayment(ctx, order.ID, e.IntentID)
		if errors.Is(err, domain.ErrStaleTransition) {
			d.logger.
				WithField("order_id", order.ID).
				WithField("status", order.Status).
				WithField("payment_ref", e.IntentID).
				Error("payment succeeded for an order that can no longer be paid; refund required")
		}
		return d.classify(ev, err)

	case PaymentFailed:
		order, err := d.resolve(ctx, e.OrderID, e.IntentID)
		if err != nil {
			return d.classify(ev, err)
		}
		_, err = d.orders.FailPayment(ctx, order.ID)
		return d.classify(ev, err)

	case PaymentRefunded:
		order, err := d.resolve(ctx, e.OrderID, e.IntentID)
		if err != nil {
			return d.classify(ev, err)
		}
		_, err = d.orders.Refund(ctx, order.ID)
		return d.classify(ev, err)

	case Unsupported:
		return errors.Wrapf(ErrEventIgnored, "unsupported event type %q", e.EventType)
	}
	return errors.Wrapf(ErrEventIgnored, "unhandled event %T", ev)
}

func (d *Dispatcher) resolve(ctx context.Context, orderID uuid.UUID, intentID string) (*domain.Order, error) {
	if orderID != uuid.Nil {
		return d.orders.Get(ctx, orderID)
	}
	return d.orders.FindByPaymentRef(ctx, intentID)
}

// classify maps expected business outcomes to ErrEventIgnored; anything else
// is a processing failure the processor should redeliver.
func (d *Dispatcher) classify(ev Event, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrStaleTransition):
		return errors.Wrapf(ErrEventIgnored, "%s: %v", ev.Type(), err)
	case errors.Is(err, domain.ErrNotFound):
		d.logger.WithError(err).WithField("event_type", ev.Type()).Warn("webhook references unknown order")
		return errors.Wrapf(ErrEventIgnored, "%s: %v", ev.Type(), err)
	default:
		return err
	}
}
