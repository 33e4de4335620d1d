package domain

import (
	"time"

	"github.com/google/uuid"
)

type TicketType struct {
	ID            uuid.UUID
	EventID       uuid.UUID
	Name          string
	TotalCapacity int64
	QuantitySold  int64
	UnitPrice     int64
}

// Event is the catalog view of an event; the pipeline only reads it.
type Event struct {
	ID           uuid.UUID
	Name         string
	Venue        string
	StartsAt     time.Time
	SalesStartAt time.Time
	SalesEndAt   time.Time
	Status       EventStatus
	Currency     string
}

type EventStatus string

const (
	EventDraft     EventStatus = "draft"
	EventOnSale    EventStatus = "on_sale"
	EventSoldOut   EventStatus = "sold_out"
	EventCancelled EventStatus = "cancelled"
	EventEnded     EventStatus = "ended"
)

// OnSale reports whether tickets for the event can be sold at now. Zero
// window bounds are open.
func (e Event) OnSale(now time.Time) bool {
	if e.Status != EventOnSale {
		return false
	}
	if !e.SalesStartAt.IsZero() && now.Before(e.SalesStartAt) {
		return false
	}
	if !e.SalesEndAt.IsZero() && !now.Before(e.SalesEndAt) {
		return false
	}
	return true
}

type Order struct {
	ID          uuid.UUID
	BuyerID     string
	Status      OrderStatus
	TotalAmount int64
	Currency    string
	PaymentRef  *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
	Tickets     []Ticket
}

type Ticket struct {
	ID             uuid.UUID
	OrderID        uuid.UUID
	TicketTypeID   uuid.UUID
	Price          int64
	Status         TicketStatus
	RedemptionCode *string
}

type TicketStatus string

const (
	TicketPending   TicketStatus = "pending"
	TicketActive    TicketStatus = "active"
	TicketCancelled TicketStatus = "cancelled"
)

type LineItem struct {
	TicketTypeID uuid.UUID
	Quantity     int64
}

type ReservationFailure string

const ReasonInsufficientInventory ReservationFailure = "InsufficientInventory"

type ReservationResult struct {
	Success bool
	Reason  ReservationFailure
}

type WebhookStatus string

const (
	WebhookSuccess WebhookStatus = "success"
	WebhookFailed  WebhookStatus = "failed"
	WebhookSkipped WebhookStatus = "skipped"
)

// WebhookEventRecord is one row of the processed-event log. Records in
// success or skipped are final; a failed record may be superseded by a later
// delivery of the same event.
type WebhookEventRecord struct {
	EventID    string
	EventType  string
	Status     WebhookStatus
	ReceivedAt time.Time
	Error      string
}

func (r WebhookEventRecord) Final() bool {
	return r.Status == WebhookSuccess || r.Status == WebhookSkipped
}

type RateLimitCounter struct {
	Key          string
	Count        int64
	WindowStart  time.Time
	WindowLength time.Duration
}

func (c RateLimitCounter) ResetAt() time.Time {
	return c.WindowStart.Add(c.WindowLength)
}

// Expired reports whether the counter's window has elapsed at now.
func (c RateLimitCounter) Expired(now time.Time) bool {
	return !now.Before(c.ResetAt())
}

type OutboxMessage struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
	Status        string // NEW, PUBLISHED
	DedupeKey     string
}
