package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/erazemk/knjiznica/internal/model"
)

var loanColumns = []any{"id", "user_id", "book_id", "loan_date", "due_date", "return_date"}

func scanLoan(row rowScanner) (model.Loan, error) {
	var l model.Loan
	err := row.Scan(&l.ID, &l.UserID, &l.BookID, &l.LoanDate, &l.DueDate, &l.ReturnDate)
	return l, err
}

// OpenLoan records a copy of a book going out to a user at now. The loan is due
// after period, or after the default loan period when period is zero.
// It does not touch availability; callers pair it with AdjustAvailability.
func OpenLoan(ctx context.Context, q Querier, userID, bookID int64, now time.Time, period time.Duration) (*model.Loan, error) {
	if period <= 0 {
		period = model.DefaultLoanPeriod
	}
	now = now.UTC()

	result, err := q.ExecContext(ctx,
		`INSERT INTO loans (user_id, book_id, loan_date, due_date) VALUES (?, ?, ?, ?)`,
		userID, bookID, now, now.Add(period),
	)
	if isForeignKeyViolation(err) {
		return nil, fmt.Errorf("user %d or book %d: %w", userID, bookID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("opening loan: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting loan id: %w", err)
	}

	return GetLoan(ctx, q, id)
}

// CloseLoan marks an open loan as returned at now.
func CloseLoan(ctx context.Context, q Querier, loanID int64, now time.Time) error {
	result, err := q.ExecContext(ctx,
		`UPDATE loans SET return_date = ? WHERE id = ? AND return_date IS NULL`,
		now.UTC(), loanID,
	)
	if err != nil {
		return fmt.Errorf("closing loan: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("closing loan: %w", err)
	}
	if n == 1 {
		return nil
	}

	var returned bool
	err = q.QueryRowContext(ctx,
		`SELECT return_date IS NOT NULL FROM loans WHERE id = ?`, loanID,
	).Scan(&returned)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("loan %d: %w", loanID, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("checking loan: %w", err)
	}
	return fmt.Errorf("loan %d: %w", loanID, model.ErrAlreadyReturned)
}

// GetLoan returns a loan by ID.
func GetLoan(ctx context.Context, q Querier, id int64) (*model.Loan, error) {
	query, args, err := dialect.From("loans").Select(loanColumns...).
		Where(goqu.C("id").Eq(id)).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("building loan query: %w", err)
	}

	l, err := scanLoan(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("loan %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting loan: %w", err)
	}
	return &l, nil
}

// OpenLoans yields loans that have not been returned, soonest due first.
// A userID of 0 yields open loans of every user.
func OpenLoans(ctx context.Context, q Querier, userID int64) iter.Seq2[model.Loan, error] {
	ds := dialect.From("loans").Select(loanColumns...).
		Where(goqu.C("return_date").IsNull()).
		Order(goqu.I("due_date").Asc(), goqu.I("id").Asc())

	if userID > 0 {
		ds = ds.Where(goqu.C("user_id").Eq(userID))
	}

	return queryRows(ctx, q, ds, "open loans", func(rows *sql.Rows) (model.Loan, error) {
		return scanLoan(rows)
	})
}

// ListLoanHistory yields every loan of a book, newest first.
func ListLoanHistory(ctx context.Context, q Querier, bookID int64) iter.Seq2[model.Loan, error] {
	ds := dialect.From("loans").Select(loanColumns...).
		Where(goqu.C("book_id").Eq(bookID)).
		Order(goqu.I("loan_date").Desc(), goqu.I("id").Desc())

	return queryRows(ctx, q, ds, "loan history", func(rows *sql.Rows) (model.Loan, error) {
		return scanLoan(rows)
	})
}

// CountOpenLoans returns how many copies of a book are out.
func CountOpenLoans(ctx context.Context, q Querier, bookID int64) (int, error) {
	var count int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM loans WHERE book_id = ? AND return_date IS NULL`, bookID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting open loans: %w", err)
	}
	return count, nil
}

// OpenLoanCounts returns the number of open loans per book. Books with no
// open loans are absent from the map.
func OpenLoanCounts(ctx context.Context, q Querier) (map[int64]int, error) {
	query, args, err := dialect.From("loans").
		Select(goqu.C("book_id"), goqu.COUNT("*")).
		Where(goqu.C("return_date").IsNull()).
		GroupBy(goqu.C("book_id")).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("building open loan count query: %w", err)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("counting open loans: %w", err)
	}
	defer rows.Close()

	counts := make(map[int64]int)
	for rows.Next() {
		var bookID int64
		var n int
		if err := rows.Scan(&bookID, &n); err != nil {
			return nil, fmt.Errorf("scanning open loan count: %w", err)
		}
		counts[bookID] = n
	}
	return counts, rows.Err()
}
