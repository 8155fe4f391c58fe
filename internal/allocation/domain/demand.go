package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Demand is a transient request to cover an order line from stock.
type Demand struct {
	OrderLineID           string
	ProductID             string
	WarehouseID           string
	Quantity              decimal.Decimal
	RequestedDeliveryDate *time.Time
}

func (d Demand) Validate() error {
	if d.OrderLineID == "" {
		return fmt.Errorf("%w: order line is required", ErrInvalidArgument)
	}
	if d.ProductID == "" || d.WarehouseID == "" {
		return fmt.Errorf("%w: product and warehouse are required", ErrInvalidArgument)
	}
	if !d.Quantity.IsPositive() {
		return fmt.Errorf("%w: requested quantity must be positive, got %s", ErrInvalidArgument, d.Quantity)
	}
	return nil
}

func (d Demand) CandidateQuery(policy Policy, mode LockMode) CandidateQuery {
	q := CandidateQuery{
		ProductID:   d.ProductID,
		WarehouseID: d.WarehouseID,
		Policy:      policy,
		LockMode:    mode,
	}
	if policy == PolicyFEFO && d.RequestedDeliveryDate != nil {
		q.ExpiresNotBefore = d.RequestedDeliveryDate
	}
	return q
}
