package db

import (
	"errors"
	"fmt"

	"github.com/aalhour/strata/internal/dbformat"
)

// Common errors returned by DB operations.
var (
	ErrDBClosed        = errors.New("db: database is closed")
	ErrDBExists        = errors.New("db: database already exists")
	ErrDBNotFound      = errors.New("db: database not found")
	ErrCorruption      = errors.New("db: corruption detected")
	ErrIO              = errors.New("db: I/O failure")
	ErrInvalidOptions  = errors.New("db: invalid options")
	ErrBackgroundError = errors.New("db: unrecoverable background error")

	// ErrConflict is matched by every *ConflictError.
	ErrConflict = errors.New("db: transaction conflict")

	// ErrCASMismatch is matched only by CAS conflicts.
	ErrCASMismatch = errors.New("db: compare-and-swap expectation failed")

	// ErrInvalidState is returned for an operation that the current state of
	// a transaction or run does not allow.
	ErrInvalidState = errors.New("db: invalid state")
)

// Specific invalid-state errors. All match ErrInvalidState.
var (
	ErrTxnNotActive = fmt.Errorf("%w: transaction is not active", ErrInvalidState)
	ErrRunNotActive = fmt.Errorf("%w: run is not active", ErrInvalidState)
	ErrRunExists    = fmt.Errorf("%w: run already exists", ErrInvalidState)
)

// ErrInvalidAddress is returned for an unknown namespace, an oversized key
// or a user address in the reserved run index.
var ErrInvalidAddress = dbformat.ErrInvalidAddress

// ConflictKind tells which commit validation step failed.
type ConflictKind uint8

const (
	// ReadConflict means an address in the read set changed after the
	// transaction observed it.
	ReadConflict ConflictKind = iota + 1
	// CASConflict means a CAS expectation did not match the current version.
	CASConflict
)

func (k ConflictKind) String() string {
	switch k {
	case ReadConflict:
		return "read"
	case CASConflict:
		return "cas"
	default:
		return fmt.Sprintf("ConflictKind(%d)", uint8(k))
	}
}

// ConflictError reports the first address that failed commit validation.
// Conflicts are retryable by restarting the transaction.
type ConflictError struct {
	Kind     ConflictKind
	Addr     Address
	Expected uint64
	Actual   uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("db: %s conflict at %s: expected version %d, current %d",
		e.Kind, e.Addr, e.Expected, e.Actual)
}

// Is matches ErrConflict for every kind and ErrCASMismatch for CAS conflicts.
func (e *ConflictError) Is(target error) bool {
	switch target {
	case ErrConflict:
		return true
	case ErrCASMismatch:
		return e.Kind == CASConflict
	}
	return false
}
