package ledger

import "errors"

var (
	// ErrStorageUnavailable means the database could not be reached or a
	// unit of work could not be opened.
	ErrStorageUnavailable = errors.New("ledger storage unavailable")

	ErrAccountNotFound = errors.New("account not found")
	ErrRequestNotFound = errors.New("payment request not found")

	// ErrDuplicate is a unique key violation.
	ErrDuplicate = errors.New("duplicate key")

	// ErrConflict is a serialization failure or lock timeout. The whole
	// unit of work may be retried.
	ErrConflict = errors.New("ledger write conflict")

	ErrInvalidTransition = errors.New("invalid status transition")
)
