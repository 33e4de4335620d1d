package crdb

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/ticket-checkout/internal/domain"
)

const orderColumns = `id, buyer_id, status, total_amount, currency, payment_ref, created_at, updated_at, expires_at`

func (r *Repository) CreateOrder(ctx context.Context, order domain.Order) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO orders (`+orderColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, order.ID, order.BuyerID, order.Status, order.TotalAmount, order.Currency, order.PaymentRef,
			order.CreatedAt, order.UpdatedAt, order.ExpiresAt)
		if isUniqueViolation(err) {
			return errors.Wrapf(domain.ErrConflict, "order %s", order.ID)
		}
		if err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for _, tk := range order.Tickets {
			batch.Queue(`
				INSERT INTO tickets (id, order_id, ticket_type_id, price, status, redemption_code)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, tk.ID, order.ID, tk.TicketTypeID, tk.Price, tk.Status, tk.RedemptionCode)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (r *Repository) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	order, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrNotFound, "order %s", id)
	}
	if err != nil {
		return nil, err
	}
	if order.Tickets, err = r.tickets(ctx, id); err != nil {
		return nil, err
	}
	return order, nil
}

func (r *Repository) FindOrderByPaymentRef(ctx context.Context, ref string) (*domain.Order, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, `SELECT id FROM orders WHERE payment_ref = $1`, ref).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrNotFound, "order with payment ref %s", ref)
	}
	if err != nil {
		return nil, err
	}
	return r.GetOrder(ctx, id)
}

// ApplyTransition moves the order only while it is still in t.From. Ticket
// updates, the units in t.Release and the outbox messages commit in the same
// transaction. It returns the units actually released.
func (r *Repository) ApplyTransition(ctx context.Context, t domain.Transition) (int64, error) {
	var released int64
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		released = 0
		result, err := tx.Exec(ctx, `
			UPDATE orders SET status = $3, payment_ref = COALESCE($4, payment_ref), updated_at = $5
			WHERE id = $1 AND status = $2
		`, t.OrderID, t.From, t.To, t.PaymentRef, t.At)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			var current domain.OrderStatus
			err := tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, t.OrderID).Scan(&current)
			if errors.Is(err, pgx.ErrNoRows) {
				return errors.Wrapf(domain.ErrNotFound, "order %s", t.OrderID)
			}
			if err != nil {
				return err
			}
			return errors.Wrapf(domain.ErrStaleTransition, "order %s is %s, not %s", t.OrderID, current, t.From)
		}

		// fixed lock order across concurrent transitions
		ids := make([]uuid.UUID, 0, len(t.Release))
		for id := range t.Release {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
		for _, id := range ids {
			n, err := releaseUnits(ctx, tx, id, t.Release[id])
			if err != nil {
				return err
			}
			released += n
		}

		batch := &pgx.Batch{}
		batch.Queue(`UPDATE tickets SET status = $2 WHERE order_id = $1`, t.OrderID, t.To.TicketStatus())
		for ticketID, code := range t.RedemptionCodes {
			batch.Queue(`UPDATE tickets SET redemption_code = $2 WHERE id = $1 AND redemption_code IS NULL`, ticketID, code)
		}
		for _, msg := range t.Outbox {
			queueOutbox(batch, msg)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	return released, err
}

// ListExpired returns the due orders without their tickets; callers reload
// an order before acting on it.
func (r *Repository) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Order, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status IN ('pending', 'awaiting_payment') AND expires_at <= $1
		ORDER BY expires_at ASC LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (r *Repository) tickets(ctx context.Context, orderID uuid.UUID) ([]domain.Ticket, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, order_id, ticket_type_id, price, status, redemption_code
		FROM tickets WHERE order_id = $1 ORDER BY id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []domain.Ticket
	for rows.Next() {
		var tk domain.Ticket
		if err := rows.Scan(&tk.ID, &tk.OrderID, &tk.TicketTypeID, &tk.Price, &tk.Status, &tk.RedemptionCode); err != nil {
			return nil, err
		}
		tickets = append(tickets, tk)
	}
	return tickets, rows.Err()
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var o domain.Order
	err := row.Scan(&o.ID, &o.BuyerID, &o.Status, &o.TotalAmount, &o.Currency, &o.PaymentRef, &o.CreatedAt, &o.UpdatedAt, &o.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}
