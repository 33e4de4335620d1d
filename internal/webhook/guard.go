package webhook

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-checkout/internal/domain"
	"github.com/robertarktes/ticket-checkout/internal/observability"
)

// ErrEventIgnored tells the guard the event was understood but must not
// change anything. It is recorded as skipped and never redelivered.
var ErrEventIgnored = errors.New("webhook event ignored")

type Store interface {
	// GetEvent returns nil, nil when the event was never recorded.
	GetEvent(ctx context.Context, eventID string) (*domain.WebhookEventRecord, error)
	// SaveEvent inserts rec, or replaces a failed record of the same event.
	// It returns domain.ErrDuplicateWebhookEvent when a success or skipped
	// record already exists.
	SaveEvent(ctx context.Context, rec domain.WebhookEventRecord) error
}

type Handler func(ctx context.Context, eventType string, payload []byte) error

type Result struct {
	Success bool
	Skipped bool
	// Duplicate is set when the event had already been processed.
	Duplicate bool
}

// Guard gives at-least-once deliveries an exactly-once effect. The record
// lookup filters sequential redeliveries; the unique event id in the store
// settles concurrent ones, and handlers tolerate running twice.
type Guard struct {
	store  Store
	logger observability.Logger
	now    func() time.Time
}

func NewGuard(store Store, logger observability.Logger) *Guard {
	return &Guard{store: store, logger: logger, now: time.Now}
}

func (g *Guard) Process(ctx context.Context, eventID, eventType string, payload []byte, handler Handler) (Result, error) {
	if eventID == "" {
		return Result{}, errors.Wrap(domain.ErrInvalidInput, "webhook event without id")
	}
	log := g.logger.WithField("event_id", eventID).WithField("event_type", eventType)

	existing, err := g.store.GetEvent(ctx, eventID)
	if err != nil {
		return Result{}, errors.Wrapf(err, "look up webhook event %s", eventID)
	}
	if existing != nil && existing.Final() {
		observability.WebhookEvents.WithLabelValues(eventType, "duplicate").Inc()
		log.WithField("recorded_status", existing.Status).Info("duplicate webhook delivery skipped")
		return Result{Success: true, Skipped: true, Duplicate: true}, nil
	}

	herr := handler(ctx, eventType, payload)

	rec := domain.WebhookEventRecord{
		EventID:    eventID,
		EventType:  eventType,
		Status:     domain.WebhookSuccess,
		ReceivedAt: g.now().UTC(),
	}
	switch {
	case herr == nil:
	case errors.Is(herr, ErrEventIgnored):
		rec.Status = domain.WebhookSkipped
		rec.Error = herr.Error()
	default:
		rec.Status = domain.WebhookFailed
		rec.Error = herr.Error()
	}

	serr := g.store.SaveEvent(ctx, rec)
	if errors.Is(serr, domain.ErrDuplicateWebhookEvent) {
		observability.WebhookEvents.WithLabelValues(eventType, "duplicate").Inc()
		log.Info("concurrent duplicate webhook delivery collapsed")
		return Result{Success: true, Skipped: true, Duplicate: true}, nil
	}

	observability.WebhookEvents.WithLabelValues(eventType, string(rec.Status)).Inc()

	if rec.Status == domain.WebhookFailed {
		if serr != nil {
			log.WithError(serr).Error("failed to record webhook failure")
		}
		log.WithError(herr).Error("webhook handler failed")
		return Result{}, herr
	}
	if serr != nil {
		return Result{}, errors.Wrapf(serr, "record webhook event %s", eventID)
	}
	if rec.Status == domain.WebhookSkipped {
		log.WithField("reason", rec.Error).Warn("webhook event ignored")
		return Result{Success: true, Skipped: true}, nil
	}
	return Result{Success: true}, nil
}
