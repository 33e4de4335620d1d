package crdb

import (
	"context"
	_ "embed"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/ticket-checkout/internal/domain"
	"github.com/robertarktes/ticket-checkout/internal/observability"
)

const (
	SerializationFailureCode = "40001"
	UniqueViolationCode      = "23505"

	maxTxAttempts = 3
)

//go:embed schema.sql
var schema string

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Migrate creates the tables the pipeline needs if they are missing.
func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, schema)
	return errors.Wrap(err, "apply schema")
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// WithTx runs fn in a serializable transaction, retrying it when
// CockroachDB asks the client to.
func (r *Repository) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = r.runTx(ctx, fn)
		if !errors.Is(err, domain.ErrSerializationFailure) {
			return err
		}
	}
	return err
}

func (r *Repository) runTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	start := time.Now()
	defer func() {
		observability.DBTxDuration.Observe(time.Since(start).Seconds())
	}()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE")
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		return mapPgError(err)
	}
	return mapPgError(tx.Commit(ctx))
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == SerializationFailureCode {
		return domain.ErrSerializationFailure
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == UniqueViolationCode
}

func (r *Repository) CreateTicketType(ctx context.Context, tt domain.TicketType) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO ticket_types (id, event_id, name, total_capacity, quantity_sold, unit_price)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, tt.ID, tt.EventID, tt.Name, tt.TotalCapacity, tt.QuantitySold, tt.UnitPrice)
	if isUniqueViolation(err) {
		return errors.Wrapf(domain.ErrConflict, "ticket type %s", tt.ID)
	}
	return err
}

func (r *Repository) GetTicketType(ctx context.Context, id uuid.UUID) (*domain.TicketType, error) {
	var tt domain.TicketType
	err := r.pool.QueryRow(ctx, `
		SELECT id, event_id, name, total_capacity, quantity_sold, unit_price
		FROM ticket_types WHERE id = $1
	`, id).Scan(&tt.ID, &tt.EventID, &tt.Name, &tt.TotalCapacity, &tt.QuantitySold, &tt.UnitPrice)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrNotFound, "ticket type %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &tt, nil
}

// ReserveUnits is a single conditional update; the capacity check and the
// increment cannot interleave with another reservation.
func (r *Repository) ReserveUnits(ctx context.Context, id uuid.UUID, qty int64) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE ticket_types SET quantity_sold = quantity_sold + $2
		WHERE id = $1 AND $2 <= total_capacity - quantity_sold
	`, id, qty)
	if err != nil {
		return false, err
	}
	if result.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.GetTicketType(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *Repository) ReleaseUnits(ctx context.Context, id uuid.UUID, qty int64) (int64, error) {
	var released int64
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		released, err = releaseUnits(ctx, tx, id, qty)
		return err
	})
	return released, err
}

// releaseUnits decrements quantity_sold by qty, clamped at zero, inside tx.
func releaseUnits(ctx context.Context, tx pgx.Tx, id uuid.UUID, qty int64) (int64, error) {
	var sold int64
	err := tx.QueryRow(ctx, `SELECT quantity_sold FROM ticket_types WHERE id = $1 FOR UPDATE`, id).Scan(&sold)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, errors.Wrapf(domain.ErrNotFound, "ticket type %s", id)
	}
	if err != nil {
		return 0, err
	}
	released := qty
	if released > sold {
		released = sold
	}
	_, err = tx.Exec(ctx, `UPDATE ticket_types SET quantity_sold = quantity_sold - $2 WHERE id = $1`, id, released)
	return released, err
}
