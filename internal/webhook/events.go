package webhook

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-checkout/internal/domain"
)

const (
	TypePaymentSucceeded = "payment_succeeded"
	TypePaymentFailed    = "payment_failed"
	TypePaymentRefunded  = "payment_refunded"
)

// Event is the closed set of processor events the pipeline understands.
type Event interface {
	Type() string
	isEvent()
}

type PaymentSucceeded struct {
	IntentID string
	OrderID  uuid.UUID
	Amount   int64
	Currency string
}

type PaymentFailed struct {
	IntentID string
	OrderID  uuid.UUID
	Reason   string
}

type PaymentRefunded struct {
	IntentID string
	OrderID  uuid.UUID
	Amount   int64
}

// Unsupported is any event type the pipeline does not act on.
type Unsupported struct {
	EventType string
}

func (PaymentSucceeded) Type() string { return TypePaymentSucceeded }
func (PaymentFailed) Type() string    { return TypePaymentFailed }
func (PaymentRefunded) Type() string  { return TypePaymentRefunded }
func (u Unsupported) Type() string    { return u.EventType }

func (PaymentSucceeded) isEvent() {}
func (PaymentFailed) isEvent()    {}
func (PaymentRefunded) isEvent()  {}
func (Unsupported) isEvent()      {}

type rawPayload struct {
	IntentID      string `json:"intentId"`
	OrderID       string `json:"orderId"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	FailureReason string `json:"failureReason"`
}

// Parse decodes a payload into its typed event. Known types must reference
// an intent or an order.
func Parse(eventType string, payload []byte) (Event, error) {
	switch eventType {
	case TypePaymentSucceeded, TypePaymentFailed, TypePaymentRefunded:
	default:
		return Unsupported{EventType: eventType}, nil
	}

	var raw rawPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, errors.Wrapf(domain.ErrInvalidInput, "%s payload: %v", eventType, err)
	}
	var orderID uuid.UUID
	if raw.OrderID != "" {
		id, err := uuid.Parse(raw.OrderID)
		if err != nil {
			return nil, errors.Wrapf(domain.ErrInvalidInput, "%s order id %q", eventType, raw.OrderID)
		}
		orderID = id
	}
	if orderID == uuid.Nil && raw.IntentID == "" {
		return nil, errors.Wrapf(domain.ErrInvalidInput, "%s references neither order nor intent", eventType)
	}

	switch eventType {
	case TypePaymentSucceeded:
		return PaymentSucceeded{IntentID: raw.IntentID, OrderID: orderID, Amount: raw.Amount, Currency: raw.Currency}, nil
	case TypePaymentFailed:
		return PaymentFailed{IntentID: raw.IntentID, OrderID: orderID, Reason: raw.FailureReason}, nil
	default:
		return PaymentRefunded{IntentID: raw.IntentID, OrderID: orderID, Amount: raw.Amount}, nil
	}
}
