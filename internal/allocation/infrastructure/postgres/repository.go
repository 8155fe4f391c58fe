package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/dmehra2102/lot-allocation/internal/allocation/application"
	"github.com/dmehra2102/lot-allocation/internal/allocation/domain"
	"github.com/dmehra2102/lot-allocation/pkg/outbox"
	"github.com/dmehra2102/lot-allocation/pkg/tracing"
)

const lotColumns = `id, product_id, warehouse_id, received_at, expires_at, total_quantity, available_quantity, status`

const reservationColumns = `id, lot_id, order_line_id, quantity, state, created_at, confirmed_at, cancelled_at`

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

// WithinTx runs fn in a single database transaction. A positive
// LockTimeout is applied with SET LOCAL semantics so it dies with the
// transaction.
func (r *Repository) WithinTx(ctx context.Context, opts application.TxOptions, fn func(ctx context.Context, tx application.Tx) error) error {
	access := pgx.ReadWrite
	if opts.ReadOnly {
		access = pgx.ReadOnly
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: access})
	if err != nil {
		return classify(err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if opts.LockTimeout > 0 {
		timeout := fmt.Sprintf("%dms", opts.LockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
			return classify(err)
		}
	}

	if err := fn(ctx, &txn{tx: tx}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func (r *Repository) GetReservation(ctx context.Context, id string) (domain.Reservation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id=$1`, id)
	res, err := scanReservation(row)
	if err != nil {
		return domain.Reservation{}, classify(err)
	}
	return res, nil
}

// ReceiveLot inserts a new lot or replaces an existing one.
func (r *Repository) ReceiveLot(ctx context.Context, l domain.Lot) error {
	if err := l.Validate(); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO lots (`+lotColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6::numeric,$7::numeric,$8)
		ON CONFLICT (id) DO UPDATE SET
			product_id=$2, warehouse_id=$3, received_at=$4, expires_at=$5,
			total_quantity=$6::numeric, available_quantity=$7::numeric, status=$8, updated_at=now()`,
		l.ID, l.ProductID, l.WarehouseID, l.ReceivedAt, l.ExpiresAt,
		l.TotalQuantity.String(), l.AvailableQuantity.String(), string(l.Status))
	return classify(err)
}

func (r *Repository) GetLot(ctx context.Context, id string) (domain.Lot, error) {
	l, err := scanLot(r.pool.QueryRow(ctx, `SELECT `+lotColumns+` FROM lots WHERE id=$1`, id))
	if err != nil {
		return domain.Lot{}, classify(err)
	}
	return l, nil
}

type txn struct {
	tx pgx.Tx
}

func (t *txn) FindCandidates(ctx context.Context, q domain.CandidateQuery) ([]domain.Lot, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	sql, args := candidateSQL(q)
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err)
	}
	lots, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Lot, error) {
		return scanLot(row)
	})
	if err != nil {
		return nil, classify(err)
	}
	return lots, nil
}

// candidateSQL builds the candidate search for q. Ordering is done by the
// database so the row locks are taken in allocation order.
func candidateSQL(q domain.CandidateQuery) (string, []any) {
	var b strings.Builder
	args := []any{q.ProductID, q.WarehouseID}

	b.WriteString(`SELECT ` + lotColumns + ` FROM lots WHERE product_id = $1 AND warehouse_id = $2 AND status = 'active' AND available_quantity > 0`)
	if len(q.ExcludeStatuses) > 0 {
		statuses := make([]string, 0, len(q.ExcludeStatuses))
		for _, s := range q.ExcludeStatuses {
			statuses = append(statuses, string(s))
		}
		args = append(args, statuses)
		fmt.Fprintf(&b, ` AND NOT (status = ANY($%d))`, len(args))
	}
	if q.ExpiresNotBefore != nil {
		args = append(args, *q.ExpiresNotBefore)
		fmt.Fprintf(&b, ` AND (expires_at IS NULL OR expires_at >= $%d)`, len(args))
	}

	switch q.Policy {
	case domain.PolicyFEFO:
		b.WriteString(` ORDER BY expires_at ASC NULLS LAST, received_at ASC, id ASC`)
	default:
		b.WriteString(` ORDER BY received_at ASC, id ASC`)
	}

	switch q.LockMode {
	case domain.LockForUpdate:
		b.WriteString(` FOR UPDATE`)
	case domain.LockForUpdateSkipLocked:
		b.WriteString(` FOR UPDATE SKIP LOCKED`)
	}
	return b.String(), args
}

func (t *txn) LockLot(ctx context.Context, lotID string) (domain.Lot, error) {
	l, err := scanLot(t.tx.QueryRow(ctx, `SELECT `+lotColumns+` FROM lots WHERE id=$1 FOR UPDATE`, lotID))
	if err != nil {
		return domain.Lot{}, classify(err)
	}
	return l, nil
}

func (t *txn) AdjustAvailable(ctx context.Context, lotID string, delta decimal.Decimal) (domain.Lot, error) {
	// re-locking a row this transaction already holds is a no-op
	current, err := t.LockLot(ctx, lotID)
	if err != nil {
		return domain.Lot{}, err
	}
	next, err := current.Adjust(delta)
	if err != nil {
		return domain.Lot{}, err
	}
	_, err = t.tx.Exec(ctx, `UPDATE lots SET available_quantity=$2::numeric, status=$3, updated_at=now() WHERE id=$1`,
		lotID, next.AvailableQuantity.String(), string(next.Status))
	if err != nil {
		return domain.Lot{}, classify(err)
	}
	return next, nil
}

func (t *txn) InsertReservation(ctx context.Context, r domain.Reservation) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO reservations (`+reservationColumns+`)
		VALUES ($1,$2,$3,$4::numeric,$5,$6,$7,$8)`,
		r.ID, r.LotID, r.OrderLineID, r.Quantity.String(), string(r.State), r.CreatedAt, r.ConfirmedAt, r.CancelledAt)
	return classify(err)
}

func (t *txn) LockReservation(ctx context.Context, id string) (domain.Reservation, error) {
	r, err := scanReservation(t.tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return domain.Reservation{}, classify(err)
	}
	return r, nil
}

func (t *txn) UpdateReservation(ctx context.Context, r domain.Reservation) error {
	ct, err := t.tx.Exec(ctx, `UPDATE reservations SET state=$2, confirmed_at=$3, cancelled_at=$4 WHERE id=$1`,
		r.ID, string(r.State), r.ConfirmedAt, r.CancelledAt)
	if err != nil {
		return classify(err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: reservation %s", domain.ErrNotFound, r.ID)
	}
	return nil
}

// AppendEvent writes ev to the outbox inside the allocation transaction.
func (t *txn) AppendEvent(ctx context.Context, ev domain.Event) error {
	rec, err := outbox.NewEvent("reservation", ev.AggregateID(), ev.EventType(), ev, tracing.Traceparent(ctx))
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, headers, traceparent, status)
		VALUES ($1,$2,$3,$4,$5,$6,'pending')`,
		rec.AggregateType, rec.AggregateID, rec.Type, rec.Payload, rec.Headers, rec.Traceparent)
	return classify(err)
}

func scanLot(row pgx.Row) (domain.Lot, error) {
	var (
		l      domain.Lot
		status string
	)
	if err := row.Scan(&l.ID, &l.ProductID, &l.WarehouseID, &l.ReceivedAt, &l.ExpiresAt,
		&l.TotalQuantity, &l.AvailableQuantity, &status); err != nil {
		return domain.Lot{}, err
	}
	l.Status = domain.LotStatus(status)
	return l, nil
}

func scanReservation(row pgx.Row) (domain.Reservation, error) {
	var (
		r     domain.Reservation
		state string
	)
	if err := row.Scan(&r.ID, &r.LotID, &r.OrderLineID, &r.Quantity, &state,
		&r.CreatedAt, &r.ConfirmedAt, &r.CancelledAt); err != nil {
		return domain.Reservation{}, err
	}
	r.State = domain.ReservationState(state)
	return r, nil
}
