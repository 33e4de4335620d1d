package domain

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderAwaitingPayment OrderStatus = "awaiting_payment"
	OrderPaid            OrderStatus = "paid"
	OrderCancelled       OrderStatus = "cancelled"
	OrderRefunded        OrderStatus = "refunded"
)

func (s OrderStatus) Terminal() bool {
	return s == OrderPaid || s == OrderCancelled || s == OrderRefunded
}

// TicketStatus returns the ticket status implied by an order status.
func (s OrderStatus) TicketStatus() TicketStatus {
	switch s {
	case OrderPaid:
		return TicketActive
	case OrderCancelled, OrderRefunded:
		return TicketCancelled
	default:
		return TicketPending
	}
}

// ReleasesInventory reports whether entering s gives the order's units back
// to the ledger.
func (s OrderStatus) ReleasesInventory() bool {
	return s == OrderCancelled || s == OrderRefunded
}

type OrderEvent string

const (
	EventPaymentIntentCreated OrderEvent = "payment_intent_created"
	EventPaymentConfirmed     OrderEvent = "payment_confirmed"
	EventPaymentFailed        OrderEvent = "payment_failed"
	EventReservationExpired   OrderEvent = "reservation_expired"
	EventCheckoutAborted      OrderEvent = "checkout_aborted"
	EventRefundIssued         OrderEvent = "refund_issued"
)

type transitionKey struct {
	from  OrderStatus
	event OrderEvent
}

var transitions = map[transitionKey]OrderStatus{
	{OrderPending, EventPaymentIntentCreated}:       OrderAwaitingPayment,
	{OrderAwaitingPayment, EventPaymentConfirmed}:   OrderPaid,
	{OrderAwaitingPayment, EventPaymentFailed}:      OrderCancelled,
	{OrderAwaitingPayment, EventReservationExpired}: OrderCancelled,
	{OrderPending, EventReservationExpired}:         OrderCancelled,
	{OrderPending, EventCheckoutAborted}:            OrderCancelled,
	{OrderPaid, EventRefundIssued}:                  OrderRefunded,
}

// eventTargets maps each event to the status it leads to, used to recognise
// redelivered events for orders that already moved.
var eventTargets = map[OrderEvent]OrderStatus{
	EventPaymentIntentCreated: OrderAwaitingPayment,
	EventPaymentConfirmed:     OrderPaid,
	EventPaymentFailed:        OrderCancelled,
	EventReservationExpired:   OrderCancelled,
	EventCheckoutAborted:      OrderCancelled,
	EventRefundIssued:         OrderRefunded,
}

// NextStatus is the single authority on order transitions. It returns
// ErrAlreadyApplied when current already equals the event's target and
// ErrStaleTransition for every other move the table does not allow.
func NextStatus(current OrderStatus, ev OrderEvent) (OrderStatus, error) {
	if next, ok := transitions[transitionKey{current, ev}]; ok {
		return next, nil
	}
	target, known := eventTargets[ev]
	if !known {
		return current, errors.Wrapf(ErrInvalidInput, "unknown order event %q", ev)
	}
	if target == current {
		return current, ErrAlreadyApplied
	}
	return current, errors.Wrapf(ErrStaleTransition, "%s does not apply to %s order", ev, current)
}

// Transition is a status change the store applies atomically, guarded by
// the From status.
type Transition struct {
	OrderID         uuid.UUID
	Event           OrderEvent
	From            OrderStatus
	To              OrderStatus
	PaymentRef      *string
	RedemptionCodes map[uuid.UUID]string
	// Release is the number of units per ticket type given back to
	// inventory in the same commit, clamped at zero sold.
	Release map[uuid.UUID]int64
	Outbox  []OutboxMessage
	At      time.Time
}

type PricedItem struct {
	TicketType TicketType
	Quantity   int64
}

// NewOrder builds a pending order with one pending ticket per unit.
func NewOrder(buyerID string, items []PricedItem, currency string, now time.Time, ttl time.Duration) Order {
	order := Order{
		ID:        uuid.New(),
		BuyerID:   buyerID,
		Status:    OrderPending,
		Currency:  currency,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	for _, item := range items {
		for i := int64(0); i < item.Quantity; i++ {
			order.Tickets = append(order.Tickets, Ticket{
				ID:           uuid.New(),
				OrderID:      order.ID,
				TicketTypeID: item.TicketType.ID,
				Price:        item.TicketType.UnitPrice,
				Status:       TicketPending,
			})
			order.TotalAmount += item.TicketType.UnitPrice
		}
	}
	return order
}

// UnitsByTicketType counts the order's tickets per ticket type.
func (o Order) UnitsByTicketType() map[uuid.UUID]int64 {
	units := make(map[uuid.UUID]int64)
	for _, tk := range o.Tickets {
		units[tk.TicketTypeID]++
	}
	return units
}

// Apply returns a copy of o with the transition's effects applied.
func (o Order) Apply(t Transition) Order {
	o.Status = t.To
	o.UpdatedAt = t.At
	if t.PaymentRef != nil {
		ref := *t.PaymentRef
		o.PaymentRef = &ref
	}
	tickets := make([]Ticket, len(o.Tickets))
	for i, tk := range o.Tickets {
		tk.Status = t.To.TicketStatus()
		if code, ok := t.RedemptionCodes[tk.ID]; ok {
			c := code
			tk.RedemptionCode = &c
		}
		tickets[i] = tk
	}
	o.Tickets = tickets
	return o
}
