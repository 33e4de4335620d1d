package orders

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-checkout/internal/domain"
	"github.com/robertarktes/ticket-checkout/internal/observability"
)

// Sweeper cancels orders whose reservation outlived its TTL so abandoned
// checkouts, and checkouts that crashed before reaching the processor, give
// their inventory back.
type Sweeper struct {
	store   Store
	service *Service
	logger  observability.Logger
	batch   int
}

func NewSweeper(store Store, service *Service, logger observability.Logger, batch int) *Sweeper {
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{store: store, service: service, logger: logger, batch: batch}
}

func (w *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := w.SweepOnce(ctx, now)
			if err != nil {
				w.logger.WithError(err).Error("expiry sweep failed")
				continue
			}
			if n > 0 {
				w.logger.WithField("expired", n).Info("expired abandoned orders")
			}
		}
	}
}

// SweepOnce expires every order due at now, one batch at a time, and
// returns how many it cancelled.
func (w *Sweeper) SweepOnce(ctx context.Context, now time.Time) (int, error) {
	expired := 0
	for {
		due, err := w.store.ListExpired(ctx, now, w.batch)
		if err != nil {
			return expired, errors.Wrap(err, "list expired orders")
		}

		progressed := false
		for _, order := range due {
			// only a move this sweep committed counts; an order cancelled
			// concurrently by a webhook or an aborted checkout does not
			_, won, err := w.service.transition(ctx, order.ID, domain.EventReservationExpired, nil)
			if errors.Is(err, domain.ErrStaleTransition) {
				continue
			}
			if err != nil {
				w.logger.WithError(err).WithField("order_id", order.ID).Error("failed to expire order")
				continue
			}
			if won {
				progressed = true
				expired++
				observability.ExpiredOrders.Inc()
			}
		}

		if len(due) < w.batch || !progressed {
			return expired, nil
		}
	}
}
