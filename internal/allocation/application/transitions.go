package application

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/lot-allocation/internal/allocation/domain"
)

// SoftConfirm marks operator intent. Already soft-confirmed reservations are
// returned unchanged.
func (s *Service) SoftConfirm(ctx context.Context, reservationID string) (domain.Reservation, error) {
	return s.confirm(ctx, "SoftConfirm", reservationID, domain.ConfirmationSoft, (*domain.Reservation).SoftConfirm)
}

// HardConfirm makes a reservation final; it can no longer be cancelled here.
func (s *Service) HardConfirm(ctx context.Context, reservationID string) (domain.Reservation, error) {
	return s.confirm(ctx, "HardConfirm", reservationID, domain.ConfirmationHard, (*domain.Reservation).HardConfirm)
}

func (s *Service) confirm(ctx context.Context, name, id string, kind domain.ConfirmationKind, apply func(*domain.Reservation, time.Time) (bool, error)) (domain.Reservation, error) {
	ctx, span := s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("reservation_id", id),
		attribute.String("confirmation_kind", string(kind)),
	))
	defer span.End()

	if id == "" {
		return domain.Reservation{}, fmt.Errorf("%w: reservation id is required", domain.ErrInvalidArgument)
	}

	var r domain.Reservation
	err := s.store.WithinTx(ctx, s.txOptions(), func(ctx context.Context, tx Tx) error {
		var err error
		r, err = tx.LockReservation(ctx, id)
		if err != nil {
			return err
		}
		changed, err := apply(&r, s.now())
		if err != nil || !changed {
			return err
		}
		if err := tx.UpdateReservation(ctx, r); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, domain.AllocationConfirmed{ReservationID: r.ID, ConfirmationKind: kind})
	})
	if err != nil {
		err = storageErr(err)
		s.log.Warn("reservation confirm rejected", "reservation_id", id, "kind", kind, "err", err)
		return domain.Reservation{}, err
	}
	s.log.Info("reservation confirmed", "reservation_id", id, "kind", kind, "state", r.State)
	return r, nil
}

// Cancel releases a proposed or soft-confirmed reservation and restores its
// quantity to the lot under the lot's row lock.
func (s *Service) Cancel(ctx context.Context, reservationID string) (domain.Reservation, error) {
	ctx, span := s.tracer.Start(ctx, "Cancel", trace.WithAttributes(attribute.String("reservation_id", reservationID)))
	defer span.End()

	if reservationID == "" {
		return domain.Reservation{}, fmt.Errorf("%w: reservation id is required", domain.ErrInvalidArgument)
	}

	var r domain.Reservation
	err := s.store.WithinTx(ctx, s.txOptions(), func(ctx context.Context, tx Tx) error {
		var err error
		r, err = tx.LockReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if err := r.Cancel(s.now()); err != nil {
			return err
		}
		if _, err := tx.LockLot(ctx, r.LotID); err != nil {
			return err
		}
		if _, err := tx.AdjustAvailable(ctx, r.LotID, r.Quantity); err != nil {
			return err
		}
		if err := tx.UpdateReservation(ctx, r); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, domain.AllocationCancelled{
			ReservationID:    r.ID,
			LotID:            r.LotID,
			RestoredQuantity: r.Quantity,
		})
	})
	if err != nil {
		err = storageErr(err)
		s.log.Warn("reservation cancel rejected", "reservation_id", reservationID, "err", err)
		return domain.Reservation{}, err
	}
	s.log.Info("reservation cancelled", "reservation_id", r.ID, "lot_id", r.LotID, "restored", r.Quantity.String())
	return r, nil
}
