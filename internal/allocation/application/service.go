package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/lot-allocation/internal/allocation/domain"
)

type Config struct {
	LockTimeout   time.Duration
	DefaultPolicy domain.Policy
}

func DefaultConfig() Config {
	return Config{
		LockTimeout:   3 * time.Second,
		DefaultPolicy: domain.PolicyFEFO,
	}
}

type Service struct {
	log     *slog.Logger
	store   Store
	catalog Catalog
	cfg     Config
	now     func() time.Time
	tracer  trace.Tracer
}

type Option func(*Service)

func WithCatalog(c Catalog) Option {
	return func(s *Service) { s.catalog = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(log *slog.Logger, store Store, cfg Config, opts ...Option) *Service {
	if cfg.DefaultPolicy == "" {
		cfg.DefaultPolicy = domain.PolicyFEFO
	}
	s := &Service{
		log:    log,
		store:  store,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		tracer: otel.Tracer("allocation-service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) DefaultPolicy() domain.Policy { return s.cfg.DefaultPolicy }

type CommitResult struct {
	Reservations []domain.Reservation
	Allocated    decimal.Decimal
	Shortfall    decimal.Decimal
}

// Preview computes the split a commit would make right now, without locks
// or writes.
func (s *Service) Preview(ctx context.Context, d domain.Demand, policy domain.Policy) (domain.SplitResult, error) {
	if err := s.validate(ctx, d, policy); err != nil {
		return domain.SplitResult{}, err
	}

	var split domain.SplitResult
	err := s.store.WithinTx(ctx, TxOptions{ReadOnly: true}, func(ctx context.Context, tx Tx) error {
		lots, err := tx.FindCandidates(ctx, d.CandidateQuery(policy, domain.LockNone))
		if err != nil {
			return err
		}
		split, err = domain.Split(lots, d.Quantity)
		return err
	})
	if err != nil {
		return domain.SplitResult{}, storageErr(err)
	}
	return split, nil
}

// Commit reserves stock for d in a single transaction. Quantities are read
// under the requested lock, never from an earlier snapshot. A shortfall is
// a successful outcome; only technical failures roll back.
func (s *Service) Commit(ctx context.Context, d domain.Demand, policy domain.Policy, mode domain.LockMode) (CommitResult, error) {
	ctx, span := s.tracer.Start(ctx, "Commit", trace.WithAttributes(
		attribute.String("order_line_id", d.OrderLineID),
		attribute.String("policy", string(policy)),
		attribute.String("lock_mode", mode.String()),
	))
	defer span.End()

	if mode == domain.LockNone {
		return CommitResult{}, fmt.Errorf("%w: commit requires a row-locking mode", domain.ErrInvalidArgument)
	}
	if err := s.validate(ctx, d, policy); err != nil {
		return CommitResult{}, err
	}

	var res CommitResult
	err := s.store.WithinTx(ctx, s.txOptions(), func(ctx context.Context, tx Tx) error {
		res = CommitResult{Allocated: decimal.Zero, Shortfall: decimal.Zero}

		lots, err := tx.FindCandidates(ctx, d.CandidateQuery(policy, mode))
		if err != nil {
			return err
		}
		split, err := domain.Split(lots, d.Quantity)
		if err != nil {
			return err
		}

		now := s.now()
		for _, line := range split.Lines {
			r, err := s.reserve(ctx, tx, line.Lot.ID, d.OrderLineID, line.Quantity, now)
			if err != nil {
				return err
			}
			res.Reservations = append(res.Reservations, r)
		}
		res.Allocated = split.Allocated
		res.Shortfall = split.Shortfall
		return nil
	})
	if err != nil {
		err = storageErr(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Error("allocation commit failed", "order_line_id", d.OrderLineID, "lock_mode", mode.String(), "err", err)
		return CommitResult{}, err
	}

	s.log.Info("allocation committed",
		"order_line_id", d.OrderLineID,
		"reservations", len(res.Reservations),
		"allocated", res.Allocated.String(),
		"shortfall", res.Shortfall.String(),
	)
	return res, nil
}

// AllocateManual reserves qty of a specific lot for an order line. The
// available quantity is re-checked under the lot's row lock.
func (s *Service) AllocateManual(ctx context.Context, lotID, orderLineID string, qty decimal.Decimal) (domain.Reservation, error) {
	ctx, span := s.tracer.Start(ctx, "AllocateManual", trace.WithAttributes(
		attribute.String("lot_id", lotID),
		attribute.String("order_line_id", orderLineID),
	))
	defer span.End()

	if lotID == "" || orderLineID == "" {
		return domain.Reservation{}, fmt.Errorf("%w: lot and order line are required", domain.ErrInvalidArgument)
	}
	if !qty.IsPositive() {
		return domain.Reservation{}, fmt.Errorf("%w: quantity must be positive, got %s", domain.ErrInvalidArgument, qty)
	}

	var r domain.Reservation
	err := s.store.WithinTx(ctx, s.txOptions(), func(ctx context.Context, tx Tx) error {
		lot, err := tx.LockLot(ctx, lotID)
		if err != nil {
			return err
		}
		if lot.Status != domain.LotActive {
			return fmt.Errorf("%w: lot %s is %s", domain.ErrInvalidArgument, lot.ID, lot.Status)
		}
		if qty.GreaterThan(lot.AvailableQuantity) {
			return fmt.Errorf("%w: lot %s has %s available, %s requested", domain.ErrInsufficientStock, lot.ID, lot.AvailableQuantity, qty)
		}
		r, err = s.reserve(ctx, tx, lot.ID, orderLineID, qty, s.now())
		return err
	})
	if err != nil {
		err = storageErr(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Warn("manual allocation rejected", "lot_id", lotID, "order_line_id", orderLineID, "err", err)
		return domain.Reservation{}, err
	}
	s.log.Info("manual allocation committed", "reservation_id", r.ID, "lot_id", lotID, "quantity", qty.String())
	return r, nil
}

func (s *Service) reserve(ctx context.Context, tx Tx, lotID, orderLineID string, qty decimal.Decimal, now time.Time) (domain.Reservation, error) {
	if _, err := tx.AdjustAvailable(ctx, lotID, qty.Neg()); err != nil {
		return domain.Reservation{}, err
	}
	r := domain.NewReservation(lotID, orderLineID, qty, now)
	if err := tx.InsertReservation(ctx, r); err != nil {
		return domain.Reservation{}, err
	}
	err := tx.AppendEvent(ctx, domain.AllocationCreated{
		ReservationID: r.ID,
		LotID:         lotID,
		OrderLineID:   orderLineID,
		Quantity:      qty,
	})
	return r, err
}

func (s *Service) GetReservation(ctx context.Context, id string) (domain.Reservation, error) {
	r, err := s.store.GetReservation(ctx, id)
	if err != nil {
		return domain.Reservation{}, storageErr(err)
	}
	return r, nil
}

func (s *Service) validate(ctx context.Context, d domain.Demand, policy domain.Policy) error {
	if !policy.Valid() {
		return fmt.Errorf("%w: unknown allocation policy %q", domain.ErrInvalidArgument, policy)
	}
	if err := d.Validate(); err != nil {
		return err
	}
	if s.catalog == nil {
		return nil
	}
	ok, err := s.catalog.ProductExists(ctx, d.ProductID)
	if err != nil {
		return storageErr(err)
	}
	if !ok {
		return fmt.Errorf("%w: unknown product %s", domain.ErrInvalidArgument, d.ProductID)
	}
	ok, err = s.catalog.WarehouseExists(ctx, d.WarehouseID)
	if err != nil {
		return storageErr(err)
	}
	if !ok {
		return fmt.Errorf("%w: unknown warehouse %s", domain.ErrInvalidArgument, d.WarehouseID)
	}
	return nil
}

func (s *Service) txOptions() TxOptions {
	return TxOptions{LockTimeout: s.cfg.LockTimeout}
}

// storageErr leaves classified errors alone and marks everything else as a
// storage failure.
func storageErr(err error) error {
	if err == nil || domain.IsDomainError(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrStorageFailure, err)
}
