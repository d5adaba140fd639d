package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrCaseNotFound is returned when a case has no events and no seal.
	ErrCaseNotFound = errors.New("case not found")
	// ErrCaseClosed is returned on appends to a sealed case.
	ErrCaseClosed = errors.New("case is sealed")
	// ErrChainBroken indicates the hash chain failed verification.
	ErrChainBroken = errors.New("hash chain is broken")
	// ErrInvalidEvent is returned for drafts rejected before any write.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadBytes.
	ErrPayloadTooLarge = errors.New("payload exceeds size bound")
)

// StorageError wraps a persistence failure. The attempted append did not
// happen; the caller may retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ledger storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
