package domain

import (
	"fmt"
	"slices"
	"time"
)

// CandidateQuery selects the lots that may back a demand.
type CandidateQuery struct {
	ProductID       string
	WarehouseID     string
	Policy          Policy
	LockMode        LockMode
	ExcludeStatuses []LotStatus
	// ExpiresNotBefore drops lots expiring before the given time. Lots
	// without an expiry always pass.
	ExpiresNotBefore *time.Time
}

func (q CandidateQuery) Validate() error {
	if q.ProductID == "" || q.WarehouseID == "" {
		return fmt.Errorf("%w: product and warehouse are required", ErrInvalidArgument)
	}
	if !q.Policy.Valid() {
		return fmt.Errorf("%w: unknown allocation policy %q", ErrInvalidArgument, q.Policy)
	}
	if !q.LockMode.Valid() {
		return fmt.Errorf("%w: unknown lock mode %s", ErrInvalidArgument, q.LockMode)
	}
	return nil
}

func (q CandidateQuery) Matches(l Lot) bool {
	if l.ProductID != q.ProductID || l.WarehouseID != q.WarehouseID {
		return false
	}
	if !l.Allocatable() || slices.Contains(q.ExcludeStatuses, l.Status) {
		return false
	}
	if q.ExpiresNotBefore != nil && l.ExpiresAt != nil && l.ExpiresAt.Before(*q.ExpiresNotBefore) {
		return false
	}
	return true
}

// SortCandidates orders lots in place.
//
// FEFO: expiry ascending with missing expiries last, then received date, then id.
// FIFO: received date ascending, then id.
func SortCandidates(lots []Lot, policy Policy) {
	slices.SortStableFunc(lots, func(a, b Lot) int {
		return CompareLots(a, b, policy)
	})
}

func CompareLots(a, b Lot, policy Policy) int {
	if policy == PolicyFEFO {
		if c := compareExpiry(a.ExpiresAt, b.ExpiresAt); c != 0 {
			return c
		}
	}
	if c := a.ReceivedAt.Compare(b.ReceivedAt); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

func compareExpiry(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return a.Compare(*b)
}
