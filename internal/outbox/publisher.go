package outbox

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-checkout/internal/domain"
	"github.com/robertarktes/ticket-checkout/internal/observability"
)

type Store interface {
	PendingOutbox(ctx context.Context, limit int) ([]domain.OutboxMessage, error)
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error
}

type Broker interface {
	Publish(ctx context.Context, routingKey, messageID string, body []byte) error
}

const maxPublishAttempts = 3

// Publisher relays committed outbox messages to the broker. Delivery is at
// least once: a crash between publish and mark resends the message with the
// same id.
type Publisher struct {
	store  Store
	broker Broker
	logger observability.Logger
	batch  int
	now    func() time.Time
}

func NewPublisher(store Store, broker Broker, logger observability.Logger, batch int) *Publisher {
	if batch <= 0 {
		batch = 50
	}
	return &Publisher{store: store, broker: broker, logger: logger, batch: batch, now: time.Now}
}

func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.PublishOnce(ctx); err != nil {
				p.logger.WithError(err).Error("outbox relay failed")
			}
		}
	}
}

// PublishOnce relays one batch and returns how many messages were sent.
func (p *Publisher) PublishOnce(ctx context.Context) (int, error) {
	records, err := p.store.PendingOutbox(ctx, p.batch)
	if err != nil {
		return 0, errors.Wrap(err, "load outbox")
	}
	if len(records) > 0 {
		observability.OutboxLag.Set(p.now().Sub(records[0].CreatedAt).Seconds())
	} else {
		observability.OutboxLag.Set(0)
	}

	sent := 0
	for _, rec := range records {
		log := p.logger.WithField("outbox_id", rec.ID).WithField("event_type", rec.EventType)
		if err := p.publish(ctx, rec); err != nil {
			// Keep order per batch: later messages wait for the next tick.
			log.WithError(err).Warn("failed to publish outbox message")
			return sent, nil
		}
		if err := p.store.MarkPublished(ctx, rec.ID, p.now().UTC()); err != nil {
			log.WithError(err).Error("published message not marked, it will be sent again")
			return sent, nil
		}
		sent++
	}
	return sent, nil
}

func (p *Publisher) publish(ctx context.Context, rec domain.OutboxMessage) error {
	var err error
	for attempt := 1; attempt <= maxPublishAttempts; attempt++ {
		if err = p.broker.Publish(ctx, rec.EventType, rec.DedupeKey, rec.Payload); err == nil {
			return nil
		}
		observability.RabbitPublishRetries.Inc()
		select {
		case <-ctx.Done():
			return errors.CombineErrors(err, ctx.Err())
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}
	return err
}
