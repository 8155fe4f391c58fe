package domain

import (
	"fmt"
	"strings"
)

// Policy decides the order in which candidate lots are consumed.
type Policy string

const (
	PolicyFEFO Policy = "FEFO"
	PolicyFIFO Policy = "FIFO"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToUpper(strings.TrimSpace(s))) {
	case PolicyFEFO:
		return PolicyFEFO, nil
	case PolicyFIFO:
		return PolicyFIFO, nil
	}
	return "", fmt.Errorf("%w: unknown allocation policy %q", ErrInvalidArgument, s)
}

func (p Policy) Valid() bool {
	return p == PolicyFEFO || p == PolicyFIFO
}

// LockMode is the row-locking behaviour requested from the store when
// candidate lots are read.
type LockMode int

const (
	// LockNone reads without taking row locks. Preview only.
	LockNone LockMode = iota
	// LockForUpdate takes an exclusive row lock, waiting up to the lock timeout.
	LockForUpdate
	// LockForUpdateSkipLocked takes an exclusive row lock but drops rows held
	// by other in-flight transactions instead of waiting.
	LockForUpdateSkipLocked
)

func (m LockMode) String() string {
	switch m {
	case LockNone:
		return "NONE"
	case LockForUpdate:
		return "FOR_UPDATE"
	case LockForUpdateSkipLocked:
		return "FOR_UPDATE_SKIP_LOCKED"
	}
	return fmt.Sprintf("LockMode(%d)", int(m))
}

func ParseLockMode(s string) (LockMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NONE", "":
		return LockNone, nil
	case "FOR_UPDATE":
		return LockForUpdate, nil
	case "FOR_UPDATE_SKIP_LOCKED":
		return LockForUpdateSkipLocked, nil
	}
	return LockNone, fmt.Errorf("%w: unknown lock mode %q", ErrInvalidArgument, s)
}

func (m LockMode) Valid() bool {
	return m >= LockNone && m <= LockForUpdateSkipLocked
}
