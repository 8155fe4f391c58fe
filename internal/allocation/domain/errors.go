package domain

import "errors"

var (
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrConcurrencyTimeout     = errors.New("concurrency timeout")
	ErrStorageFailure         = errors.New("storage failure")
	ErrNotFound               = errors.New("not found")
)

// IsDomainError reports whether err already carries one of the sentinel
// errors above.
func IsDomainError(err error) bool {
	for _, target := range []error{
		ErrInvalidArgument,
		ErrInsufficientStock,
		ErrInvalidStateTransition,
		ErrConcurrencyTimeout,
		ErrStorageFailure,
		ErrNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
