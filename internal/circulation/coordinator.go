// Package circulation is the circulation desk: it lends and takes back copies
// of books, keeping each book's available copies equal to its total copies
// minus its open loans.
//
// Every write runs as one SQLite transaction started with BEGIN IMMEDIATE (see
// db.Open), so the check that a copy is on the shelf and the loan that takes it
// commit together or not at all. The availability UPDATE is itself guarded and
// the books table carries a CHECK constraint, so an oversell cannot commit even
// if that discipline is bypassed.
package circulation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/erazemk/knjiznica/internal/model"
	"github.com/erazemk/knjiznica/internal/store"
)

// maxAttempts bounds how often a unit of work is retried when SQLite reports
// the database as busy.
const maxAttempts = 5

// Coordinator runs catalog and ledger changes as single units of work.
type Coordinator struct {
	db         *sql.DB
	now        func() time.Time
	loanPeriod time.Duration
	logger     *slog.Logger
	notifier   Notifier
}

// Notifier is told a book's copy counts after each committed change to them.
// Calls for one book may arrive out of commit order; Book.Version orders them.
// BookChanged must not block.
type Notifier interface {
	BookChanged(book model.Book)
}

type nopNotifier struct{}

func (nopNotifier) BookChanged(model.Book) {}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the time source used for checkouts.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLoanPeriod sets how long new loans run before they are due.
func WithLoanPeriod(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.loanPeriod = d
		}
	}
}

// WithLogger sets the logger for state changes and invariant violations.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithNotifier sets who hears about availability changes.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// New returns a Coordinator over an open database. The caller owns db and
// closes it after the Coordinator is no longer used.
func New(db *sql.DB, opts ...Option) *Coordinator {
	c := &Coordinator{
		db:         db,
		now:        time.Now,
		loanPeriod: model.DefaultLoanPeriod,
		logger:     slog.Default(),
		notifier:   nopNotifier{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Checkout lends one copy of a book to a user and returns the new loan.
// It fails with model.ErrNotFound for an unknown user or book and
// model.ErrNoCopiesAvailable when every copy is out.
func (c *Coordinator) Checkout(ctx context.Context, userID, bookID int64) (*model.Loan, error) {
	var (
		loan *model.Loan
		book *model.Book
	)
	err := c.inTx(ctx, "checkout", func(tx *sql.Tx) error {
		if _, err := store.GetUser(ctx, tx, userID); err != nil {
			return err
		}

		var err error
		book, err = store.GetBook(ctx, tx, bookID)
		if err != nil {
			return err
		}
		if book.AvailableCopies == 0 {
			return fmt.Errorf("book %d: %w", bookID, model.ErrNoCopiesAvailable)
		}

		if err := store.AdjustAvailability(ctx, tx, bookID, -1); err != nil {
			return err
		}

		if loan, err = store.OpenLoan(ctx, tx, userID, bookID, c.now(), c.loanPeriod); err != nil {
			return err
		}
		book, err = store.GetBook(ctx, tx, bookID)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("book checked out", "user", userID, "book", bookID, "loan", loan.ID, "due", loan.DueDate)
	c.notifier.BookChanged(*book)
	return loan, nil
}

// ReturnBook closes a loan at now and puts the copy back on the shelf.
// Only the borrower or a librarian may return a loan; a loan can be returned
// once.
func (c *Coordinator) ReturnBook(ctx context.Context, caller model.Caller, loanID int64, now time.Time) (*model.Loan, error) {
	var (
		loan *model.Loan
		book *model.Book
	)
	err := c.inTx(ctx, "return", func(tx *sql.Tx) error {
		var err error
		loan, err = store.GetLoan(ctx, tx, loanID)
		if err != nil {
			return err
		}
		if !caller.CanReturn(*loan) {
			return fmt.Errorf("user %d returning loan %d: %w", caller.UserID, loanID, model.ErrForbidden)
		}
		if !loan.Open() {
			return fmt.Errorf("loan %d: %w", loanID, model.ErrAlreadyReturned)
		}

		if err := store.CloseLoan(ctx, tx, loanID, now); err != nil {
			return err
		}
		if err := store.AdjustAvailability(ctx, tx, loan.BookID, 1); err != nil {
			return err
		}

		if book, err = store.GetBook(ctx, tx, loan.BookID); err != nil {
			return err
		}
		loan, err = store.GetLoan(ctx, tx, loanID)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("book returned", "user", caller.UserID, "book", loan.BookID, "loan", loan.ID,
		"borrower", loan.UserID, "overdue", now.After(loan.DueDate))
	c.notifier.BookChanged(*book)
	return loan, nil
}

// AddBook adds a title to the catalog. Only librarians may add books.
func (c *Coordinator) AddBook(ctx context.Context, caller model.Caller, title, author, isbn string, copies int) (*model.Book, error) {
	if !caller.IsLibrarian {
		return nil, fmt.Errorf("user %d adding book: %w", caller.UserID, model.ErrForbidden)
	}

	book, err := store.CreateBook(ctx, c.db, title, author, isbn, copies)
	if err != nil {
		return nil, err
	}

	c.logger.Info("book added", "user", caller.UserID, "book", book.ID, "isbn", book.ISBN, "copies", book.TotalCopies)
	c.notifier.BookChanged(*book)
	return book, nil
}

// SetTotalCopies changes how many copies of a book the library owns. Available
// copies are reset to the new total minus the copies on loan. Only librarians
// may edit the catalog.
func (c *Coordinator) SetTotalCopies(ctx context.Context, caller model.Caller, bookID int64, total int) (*model.Book, error) {
	if !caller.IsLibrarian {
		return nil, fmt.Errorf("user %d editing book %d: %w", caller.UserID, bookID, model.ErrForbidden)
	}

	var book *model.Book
	err := c.inTx(ctx, "set total copies", func(tx *sql.Tx) error {
		if err := store.SetTotalCopies(ctx, tx, bookID, total); err != nil {
			return err
		}
		var err error
		book, err = store.GetBook(ctx, tx, bookID)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("book copies changed", "user", caller.UserID, "book", bookID,
		"total", book.TotalCopies, "available", book.AvailableCopies)
	c.notifier.BookChanged(*book)
	return book, nil
}

// GetBook returns a book by ID.
func (c *Coordinator) GetBook(ctx context.Context, id int64) (*model.Book, error) {
	return store.GetBook(ctx, c.db, id)
}

// ListBooks yields books matching filter, or all books when filter is empty.
// Availability may be stale by the time a caller acts on it; Checkout is the
// authority.
func (c *Coordinator) ListBooks(ctx context.Context, filter string) iter.Seq2[model.Book, error] {
	return store.ListBooks(ctx, c.db, filter)
}

// OpenLoansFor yields the open loans of a user, or of every user when userID
// is 0.
func (c *Coordinator) OpenLoansFor(ctx context.Context, userID int64) iter.Seq2[model.Loan, error] {
	return store.OpenLoans(ctx, c.db, userID)
}

// LoanHistory yields every loan of a book, newest first.
func (c *Coordinator) LoanHistory(ctx context.Context, bookID int64) iter.Seq2[model.Loan, error] {
	return store.ListLoanHistory(ctx, c.db, bookID)
}

// inTx runs fn in a transaction, committing when it returns nil and rolling
// back otherwise. A busy database is retried from the start with backoff.
func (c *Coordinator) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	backoff := 10 * time.Millisecond

	for attempt := 1; ; attempt++ {
		err := c.runTx(ctx, fn)
		if err == nil {
			return nil
		}

		if errors.Is(err, model.ErrInvariantViolation) {
			c.logger.Error("invariant violation, unit of work aborted", "op", op, "error", err)
			return err
		}
		if !store.IsBusy(err) || attempt == maxAttempts {
			return err
		}

		c.logger.Warn("database busy, retrying", "op", op, "attempt", attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (c *Coordinator) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
