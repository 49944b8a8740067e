package circulation

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/erazemk/knjiznica/internal/model"
	"github.com/erazemk/knjiznica/internal/store"
)

// Mismatch is a book whose available copies disagree with its open loans.
type Mismatch struct {
	BookID    int64 `json:"book_id"`
	Total     int   `json:"total_copies"`
	Available int   `json:"available_copies"`
	OpenLoans int   `json:"open_loans"`
}

func (m Mismatch) Error() string {
	return fmt.Sprintf("book %d: %d available, want %d (%d total, %d on loan)",
		m.BookID, m.Available, m.Total-m.OpenLoans, m.Total, m.OpenLoans)
}

// Unwrap lets errors.Is match a Mismatch against model.ErrInvariantViolation.
func (m Mismatch) Unwrap() error {
	return model.ErrInvariantViolation
}

// Audit checks every book against the ledger inside one read transaction and
// returns the books that break the availability invariant. Each mismatch is
// logged as an error.
func (c *Coordinator) Audit(ctx context.Context) ([]Mismatch, error) {
	var mismatches []Mismatch

	err := c.inTx(ctx, "audit", func(tx *sql.Tx) error {
		counts, err := store.OpenLoanCounts(ctx, tx)
		if err != nil {
			return err
		}

		for book, err := range store.ListBooks(ctx, tx, "") {
			if err != nil {
				return err
			}
			open := counts[book.ID]
			if book.AvailableCopies != book.TotalCopies-open {
				mismatches = append(mismatches, Mismatch{
					BookID:    book.ID,
					Total:     book.TotalCopies,
					Available: book.AvailableCopies,
					OpenLoans: open,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, m := range mismatches {
		c.logger.Error("availability invariant violated", "book", m.BookID,
			"total", m.Total, "available", m.Available, "open_loans", m.OpenLoans)
	}
	return mismatches, nil
}
