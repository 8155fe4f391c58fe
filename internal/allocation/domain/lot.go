package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type LotStatus string

const (
	LotActive     LotStatus = "active"
	LotDepleted   LotStatus = "depleted"
	LotExpired    LotStatus = "expired"
	LotQuarantine LotStatus = "quarantine"
	LotLocked     LotStatus = "locked"
)

// Lot is a received batch of one product at one warehouse.
type Lot struct {
	ID                string
	ProductID         string
	WarehouseID       string
	ReceivedAt        time.Time
	ExpiresAt         *time.Time
	TotalQuantity     decimal.Decimal
	AvailableQuantity decimal.Decimal
	Status            LotStatus
}

func (l Lot) Validate() error {
	if l.ID == "" || l.ProductID == "" || l.WarehouseID == "" {
		return fmt.Errorf("%w: lot id, product and warehouse are required", ErrInvalidArgument)
	}
	if l.AvailableQuantity.IsNegative() || l.AvailableQuantity.GreaterThan(l.TotalQuantity) {
		return fmt.Errorf("%w: lot %s available %s outside [0, %s]", ErrInvalidArgument, l.ID, l.AvailableQuantity, l.TotalQuantity)
	}
	return nil
}

// Allocatable reports whether the lot can back a new reservation at all.
func (l Lot) Allocatable() bool {
	return l.Status == LotActive && l.AvailableQuantity.IsPositive()
}

// Adjust applies delta to the available quantity. Negative deltas reserve,
// positive deltas restore. The 0 <= available <= total invariant is enforced
// and the active/depleted status follows the resulting quantity.
func (l Lot) Adjust(delta decimal.Decimal) (Lot, error) {
	next := l.AvailableQuantity.Add(delta)
	if next.IsNegative() {
		return l, fmt.Errorf("%w: lot %s has %s available, %s requested", ErrInsufficientStock, l.ID, l.AvailableQuantity, delta.Neg())
	}
	if next.GreaterThan(l.TotalQuantity) {
		return l, fmt.Errorf("%w: lot %s would hold %s of total %s", ErrInvalidArgument, l.ID, next, l.TotalQuantity)
	}
	l.AvailableQuantity = next
	switch {
	case l.Status == LotActive && next.IsZero():
		l.Status = LotDepleted
	case l.Status == LotDepleted && next.IsPositive():
		l.Status = LotActive
	}
	return l, nil
}
