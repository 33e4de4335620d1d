package inventory

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-checkout/internal/domain"
	"github.com/robertarktes/ticket-checkout/internal/observability"
)

// Store is the backing store of the ticket_types counters. Both mutations
// must be single atomic steps against the store; the ledger never reads a
// count to decide a write.
type Store interface {
	GetTicketType(ctx context.Context, id uuid.UUID) (*domain.TicketType, error)
	// ReserveUnits adds qty to quantity_sold only if the result stays within
	// total_capacity. It reports false, with nothing changed, otherwise.
	ReserveUnits(ctx context.Context, id uuid.UUID, qty int64) (bool, error)
	// ReleaseUnits subtracts qty from quantity_sold, clamped at zero, and
	// returns how many units were actually released.
	ReleaseUnits(ctx context.Context, id uuid.UUID, qty int64) (int64, error)
}

type Ledger struct {
	store  Store
	logger observability.Logger
}

func NewLedger(store Store, logger observability.Logger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

func (l *Ledger) TicketType(ctx context.Context, id uuid.UUID) (*domain.TicketType, error) {
	return l.store.GetTicketType(ctx, id)
}

func (l *Ledger) Reserve(ctx context.Context, ticketTypeID uuid.UUID, qty int64) (domain.ReservationResult, error) {
	if qty <= 0 {
		return domain.ReservationResult{}, errors.Wrapf(domain.ErrInvalidInput, "reserve quantity %d", qty)
	}

	ok, err := l.store.ReserveUnits(ctx, ticketTypeID, qty)
	if err != nil {
		observability.ReservationsTotal.WithLabelValues("error").Inc()
		return domain.ReservationResult{}, errors.Wrapf(err, "reserve %d of ticket type %s", qty, ticketTypeID)
	}
	if !ok {
		observability.ReservationsTotal.WithLabelValues("insufficient").Inc()
		return domain.ReservationResult{Success: false, Reason: domain.ReasonInsufficientInventory}, nil
	}
	observability.ReservationsTotal.WithLabelValues("reserved").Inc()
	return domain.ReservationResult{Success: true}, nil
}

// Release gives qty units back. Releasing more than is sold is an upstream
// bug; it is clamped, logged and counted, never returned as an error.
func (l *Ledger) Release(ctx context.Context, ticketTypeID uuid.UUID, qty int64) error {
	if qty <= 0 {
		return nil
	}

	released, err := l.store.ReleaseUnits(ctx, ticketTypeID, qty)
	if err != nil {
		return errors.Wrapf(err, "release %d of ticket type %s", qty, ticketTypeID)
	}
	if released < qty {
		observability.InventoryReleaseAnomalies.Inc()
		l.logger.
			WithField("ticket_type_id", ticketTypeID).
			WithField("requested", qty).
			WithField("released", released).
			Warn("inventory release clamped at zero sold units")
	}
	return nil
}
