package application

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/lot-allocation/internal/allocation/domain"
)

type LineOutcome struct {
	Demand       domain.Demand
	Reservations []domain.Reservation
	Allocated    decimal.Decimal
	Shortfall    decimal.Decimal
	Err          error
}

type Summary struct {
	ProcessedLines int
	AllocatedLines int
	// Shortfalls is keyed by order line id.
	Shortfalls map[string]decimal.Decimal
	// Lines follows the order demands were supplied in.
	Lines []LineOutcome
}

func (s Summary) Failed() []LineOutcome {
	var out []LineOutcome
	for _, l := range s.Lines {
		if l.Err != nil {
			out = append(out, l)
		}
	}
	return out
}

// Committed reports whether any line left reservations behind.
func (s Summary) Committed() bool {
	for _, l := range s.Lines {
		if len(l.Reservations) > 0 {
			return true
		}
	}
	return false
}

// AutoAllocate commits each demand in its own transaction with
// FOR_UPDATE_SKIP_LOCKED so a contended lot never stalls unrelated lines.
// Line failures are recorded and the batch moves on; a storage failure stops
// the batch and is returned along with the partial summary.
func (s *Service) AutoAllocate(ctx context.Context, demands []domain.Demand, policy domain.Policy) (Summary, error) {
	ctx, span := s.tracer.Start(ctx, "AutoAllocate", trace.WithAttributes(
		attribute.Int("demand_lines", len(demands)),
		attribute.String("policy", string(policy)),
	))
	defer span.End()

	sum := Summary{Shortfalls: make(map[string]decimal.Decimal)}
	if !policy.Valid() {
		return sum, domain.ErrInvalidArgument
	}

	for _, d := range demands {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		res, err := s.Commit(ctx, d, policy, domain.LockForUpdateSkipLocked)
		sum.ProcessedLines++
		line := LineOutcome{
			Demand:       d,
			Reservations: res.Reservations,
			Allocated:    res.Allocated,
			Shortfall:    res.Shortfall,
			Err:          err,
		}
		sum.Lines = append(sum.Lines, line)

		if err != nil {
			if errors.Is(err, domain.ErrStorageFailure) {
				s.log.Error("auto allocation aborted", "order_line_id", d.OrderLineID, "processed", sum.ProcessedLines, "err", err)
				return sum, err
			}
			s.log.Warn("auto allocation line failed", "order_line_id", d.OrderLineID, "err", err)
			continue
		}
		if res.Allocated.IsPositive() {
			sum.AllocatedLines++
		}
		if res.Shortfall.IsPositive() {
			sum.Shortfalls[d.OrderLineID] = sum.Shortfalls[d.OrderLineID].Add(res.Shortfall)
		}
	}

	s.log.Info("auto allocation finished",
		"processed", sum.ProcessedLines,
		"allocated", sum.AllocatedLines,
		"short", len(sum.Shortfalls),
		"failed", len(sum.Failed()),
	)
	return sum, nil
}
