package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/erazemk/knjiznica/internal/model"
)

// AdjustAvailability moves a book's available copies by delta.
// The update only applies while the result stays within [0, total_copies];
// anything else is an invariant violation and nothing is written.
func AdjustAvailability(ctx context.Context, q Querier, bookID int64, delta int) error {
	if delta == 0 {
		return fmt.Errorf("%w: delta must be non-zero", model.ErrInvalidInput)
	}

	result, err := q.ExecContext(ctx,
		`UPDATE books SET available_copies = available_copies + ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND available_copies + ? BETWEEN 0 AND total_copies`,
		delta, bookID, delta,
	)
	if err != nil {
		return fmt.Errorf("adjusting availability: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("adjusting availability: %w", err)
	}
	if n == 1 {
		return nil
	}

	// Nothing matched: either the book is gone or the guard refused.
	var available, total int
	err = q.QueryRowContext(ctx,
		`SELECT available_copies, total_copies FROM books WHERE id = ?`, bookID,
	).Scan(&available, &total)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("book %d: %w", bookID, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("checking availability: %w", err)
	}

	return fmt.Errorf("%w: book %d has %d of %d copies available, cannot apply %+d",
		model.ErrInvariantViolation, bookID, available, total, delta)
}

// SetTotalCopies changes how many copies the library owns and resets
// available copies to the new total minus the copies currently on loan.
// It must run in the same transaction as any loan changes for the book.
func SetTotalCopies(ctx context.Context, q Querier, bookID int64, total int) error {
	if total < 0 {
		return fmt.Errorf("%w: total copies cannot be negative", model.ErrInvalidInput)
	}

	if _, err := GetBook(ctx, q, bookID); err != nil {
		return err
	}

	onLoan, err := CountOpenLoans(ctx, q, bookID)
	if err != nil {
		return err
	}
	if total < onLoan {
		return fmt.Errorf("%w: %d copies are on loan, total cannot drop to %d", model.ErrInvalidInput, onLoan, total)
	}

	_, err = q.ExecContext(ctx,
		`UPDATE books SET total_copies = ?, available_copies = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		total, total-onLoan, bookID,
	)
	if err != nil {
		return fmt.Errorf("setting total copies: %w", err)
	}
	return nil
}
