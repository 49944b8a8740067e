package model

import "errors"

// Outcomes returned by the catalog, the loan ledger and the circulation desk.
// All but ErrInvariantViolation are expected control flow.
var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateISBN     = errors.New("a book with this ISBN already exists")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNoCopiesAvailable = errors.New("no copies available for checkout")
	ErrAlreadyReturned   = errors.New("loan already returned")
	ErrForbidden         = errors.New("forbidden")

	// ErrInvariantViolation means available copies no longer match total
	// copies minus open loans. It indicates a concurrency-control bug.
	ErrInvariantViolation = errors.New("availability invariant violated")
)
