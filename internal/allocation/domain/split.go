package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type SplitLine struct {
	Lot      Lot
	Quantity decimal.Decimal
}

type SplitResult struct {
	Lines     []SplitLine
	Allocated decimal.Decimal
	// Shortfall is the part of the request no candidate could cover.
	Shortfall decimal.Decimal
}

// Split walks candidates in the given order and greedily takes
// min(available, remaining) from each until the request is covered or the
// candidates run out. It does not touch the lots it is given.
func Split(candidates []Lot, requested decimal.Decimal) (SplitResult, error) {
	if !requested.IsPositive() {
		return SplitResult{}, fmt.Errorf("%w: requested quantity must be positive, got %s", ErrInvalidArgument, requested)
	}

	res := SplitResult{Allocated: decimal.Zero}
	remaining := requested
	for _, lot := range candidates {
		if !remaining.IsPositive() {
			break
		}
		if !lot.AvailableQuantity.IsPositive() {
			continue
		}
		take := decimal.Min(lot.AvailableQuantity, remaining)
		res.Lines = append(res.Lines, SplitLine{Lot: lot, Quantity: take})
		res.Allocated = res.Allocated.Add(take)
		remaining = remaining.Sub(take)
	}
	res.Shortfall = remaining
	return res, nil
}
