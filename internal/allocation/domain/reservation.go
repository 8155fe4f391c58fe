package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ReservationState string

const (
	StateProposed      ReservationState = "proposed"
	StateSoftConfirmed ReservationState = "soft_confirmed"
	StateHardConfirmed ReservationState = "hard_confirmed"
	StateCancelled     ReservationState = "cancelled"
)

// Reservation binds a quantity of a lot to an order line. Reservations are
// never deleted; cancelled ones stay as audit trail.
type Reservation struct {
	ID          string
	LotID       string
	OrderLineID string
	Quantity    decimal.Decimal
	State       ReservationState
	CreatedAt   time.Time
	ConfirmedAt *time.Time
	CancelledAt *time.Time
}

func NewReservation(lotID, orderLineID string, qty decimal.Decimal, now time.Time) Reservation {
	return Reservation{
		ID:          uuid.NewString(),
		LotID:       lotID,
		OrderLineID: orderLineID,
		Quantity:    qty,
		State:       StateProposed,
		CreatedAt:   now,
	}
}

// Active reports whether the reservation still holds lot quantity.
func (r Reservation) Active() bool {
	return r.State != StateCancelled
}

// SoftConfirm records operator intent. Returns false when the reservation was
// already soft-confirmed.
func (r *Reservation) SoftConfirm(now time.Time) (bool, error) {
	switch r.State {
	case StateSoftConfirmed:
		return false, nil
	case StateProposed:
		r.State = StateSoftConfirmed
		r.ConfirmedAt = &now
		return true, nil
	}
	return false, r.illegal(StateSoftConfirmed)
}

// HardConfirm makes the reservation final. Returns false when it already was.
func (r *Reservation) HardConfirm(now time.Time) (bool, error) {
	switch r.State {
	case StateHardConfirmed:
		return false, nil
	case StateProposed, StateSoftConfirmed:
		r.State = StateHardConfirmed
		r.ConfirmedAt = &now
		return true, nil
	}
	return false, r.illegal(StateHardConfirmed)
}

// Cancel is allowed from proposed and soft_confirmed only. The caller owns
// restoring the quantity to the lot.
func (r *Reservation) Cancel(now time.Time) error {
	switch r.State {
	case StateProposed, StateSoftConfirmed:
		r.State = StateCancelled
		r.CancelledAt = &now
		return nil
	}
	return r.illegal(StateCancelled)
}

func (r Reservation) illegal(to ReservationState) error {
	return fmt.Errorf("%w: reservation %s cannot move from %s to %s", ErrInvalidStateTransition, r.ID, r.State, to)
}
