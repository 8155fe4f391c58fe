package domain

import "github.com/shopspring/decimal"

const (
	EventAllocationCreated   = "AllocationCreated"
	EventAllocationCancelled = "AllocationCancelled"
	EventAllocationConfirmed = "AllocationConfirmed"
)

type ConfirmationKind string

const (
	ConfirmationSoft ConfirmationKind = "soft"
	ConfirmationHard ConfirmationKind = "hard"
)

// Event is published through the outbox after the producing transaction
// commits. Subscribers must tolerate redelivery.
type Event interface {
	EventType() string
	AggregateID() string
}

type AllocationCreated struct {
	ReservationID string          `json:"reservation_id"`
	LotID         string          `json:"lot_id"`
	OrderLineID   string          `json:"order_line_id"`
	Quantity      decimal.Decimal `json:"quantity"`
}

func (AllocationCreated) EventType() string     { return EventAllocationCreated }
func (e AllocationCreated) AggregateID() string { return e.ReservationID }

type AllocationCancelled struct {
	ReservationID    string          `json:"reservation_id"`
	LotID            string          `json:"lot_id"`
	RestoredQuantity decimal.Decimal `json:"restored_quantity"`
}

func (AllocationCancelled) EventType() string     { return EventAllocationCancelled }
func (e AllocationCancelled) AggregateID() string { return e.ReservationID }

type AllocationConfirmed struct {
	ReservationID    string           `json:"reservation_id"`
	ConfirmationKind ConfirmationKind `json:"confirmation_kind"`
}

func (AllocationConfirmed) EventType() string     { return EventAllocationConfirmed }
func (e AllocationConfirmed) AggregateID() string { return e.ReservationID }
