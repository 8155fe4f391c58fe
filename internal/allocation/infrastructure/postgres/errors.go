package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dmehra2102/lot-allocation/internal/allocation/domain"
)

const (
	codeLockNotAvailable     = "55P03"
	codeDeadlockDetected     = "40P01"
	codeSerializationFailure = "40001"
	codeQueryCanceled        = "57014"
	codeInvalidText          = "22P02"
)

// classify maps driver errors onto the allocation error taxonomy.
func classify(err error) error {
	if err == nil || domain.IsDomainError(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeLockNotAvailable, codeDeadlockDetected, codeSerializationFailure, codeQueryCanceled:
			return fmt.Errorf("%w: %w", domain.ErrConcurrencyTimeout, err)
		case codeInvalidText:
			return fmt.Errorf("%w: %w", domain.ErrInvalidArgument, err)
		}
	}
	return fmt.Errorf("%w: %w", domain.ErrStorageFailure, err)
}
