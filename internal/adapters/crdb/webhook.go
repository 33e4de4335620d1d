package crdb

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/ticket-checkout/internal/domain"
)

func (r *Repository) GetEvent(ctx context.Context, eventID string) (*domain.WebhookEventRecord, error) {
	var rec domain.WebhookEventRecord
	err := r.pool.QueryRow(ctx, `
		SELECT event_id, event_type, status, received_at, error
		FROM webhook_events WHERE event_id = $1
	`, eventID).Scan(&rec.EventID, &rec.EventType, &rec.Status, &rec.ReceivedAt, &rec.Error)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveEvent relies on the event_id primary key: only a failed record may be
// overwritten, anything else is a duplicate delivery.
func (r *Repository) SaveEvent(ctx context.Context, rec domain.WebhookEventRecord) error {
	result, err := r.pool.Exec(ctx, `
		INSERT INTO webhook_events (event_id, event_type, status, received_at, error)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO UPDATE
		SET event_type = excluded.event_type, status = excluded.status,
			received_at = excluded.received_at, error = excluded.error
		WHERE webhook_events.status = 'failed'
	`, rec.EventID, rec.EventType, rec.Status, rec.ReceivedAt, rec.Error)
	if isUniqueViolation(err) {
		return errors.Wrapf(domain.ErrDuplicateWebhookEvent, "event %s", rec.EventID)
	}
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrDuplicateWebhookEvent, "event %s", rec.EventID)
	}
	return nil
}
