package application

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dmehra2102/lot-allocation/internal/allocation/domain"
)

type TxOptions struct {
	// LockTimeout bounds how long FOR_UPDATE waits for a row lock.
	LockTimeout time.Duration
	ReadOnly    bool
}

// Store runs fn in one storage transaction. Returning an error from fn rolls
// everything back; returning nil commits.
type Store interface {
	WithinTx(ctx context.Context, opts TxOptions, fn func(ctx context.Context, tx Tx) error) error
	GetReservation(ctx context.Context, id string) (domain.Reservation, error)
}

type Tx interface {
	FindCandidates(ctx context.Context, q domain.CandidateQuery) ([]domain.Lot, error)
	LockLot(ctx context.Context, lotID string) (domain.Lot, error)
	// AdjustAvailable atomically adds delta to the lot's available quantity.
	// The lot must already be locked by this transaction.
	AdjustAvailable(ctx context.Context, lotID string, delta decimal.Decimal) (domain.Lot, error)
	InsertReservation(ctx context.Context, r domain.Reservation) error
	LockReservation(ctx context.Context, id string) (domain.Reservation, error)
	UpdateReservation(ctx context.Context, r domain.Reservation) error
	AppendEvent(ctx context.Context, ev domain.Event) error
}

// Catalog answers master-data lookups. Optional.
type Catalog interface {
	ProductExists(ctx context.Context, productID string) (bool, error)
	WarehouseExists(ctx context.Context, warehouseID string) (bool, error)
}
