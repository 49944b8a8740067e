package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/doug-martin/goqu/v9"

	"github.com/erazemk/knjiznica/internal/model"
)

var bookColumns = []any{"id", "title", "author", "isbn", "total_copies", "available_copies", "version", "cover_mime", "created_at", "updated_at"}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBook(row rowScanner) (model.Book, error) {
	var b model.Book
	var coverMime sql.NullString
	err := row.Scan(&b.ID, &b.Title, &b.Author, &b.ISBN, &b.TotalCopies, &b.AvailableCopies, &b.Version, &coverMime, &b.CreatedAt, &b.UpdatedAt)
	b.CoverMime = coverMime.String
	return b, err
}

// CreateBook adds a title to the catalog with all of its copies available.
func CreateBook(ctx context.Context, q Querier, title, author, isbn string, copies int) (*model.Book, error) {
	title = strings.TrimSpace(title)
	author = strings.TrimSpace(author)
	isbn = strings.TrimSpace(isbn)

	if title == "" || author == "" || isbn == "" {
		return nil, fmt.Errorf("%w: title, author and isbn required", model.ErrInvalidInput)
	}
	if copies < 1 {
		return nil, fmt.Errorf("%w: copies must be at least 1, got %d", model.ErrInvalidInput, copies)
	}

	result, err := q.ExecContext(ctx,
		`INSERT INTO books (title, author, isbn, total_copies, available_copies) VALUES (?, ?, ?, ?, ?)`,
		title, author, isbn, copies, copies,
	)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: %s", model.ErrDuplicateISBN, isbn)
	}
	if err != nil {
		return nil, fmt.Errorf("creating book: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting book id: %w", err)
	}

	return GetBook(ctx, q, id)
}

// GetBook returns a book by ID.
func GetBook(ctx context.Context, q Querier, id int64) (*model.Book, error) {
	query, args, err := dialect.From("books").Select(bookColumns...).
		Where(goqu.C("id").Eq(id)).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("building book query: %w", err)
	}

	b, err := scanBook(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("book %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting book: %w", err)
	}
	return &b, nil
}

// ListBooks yields books whose title, author or ISBN contains filter
// (case-insensitive), or every book when filter is empty. Books come in ID
// order.
func ListBooks(ctx context.Context, q Querier, filter string) iter.Seq2[model.Book, error] {
	ds := dialect.From("books").Select(bookColumns...).Order(goqu.I("id").Asc())

	if filter = strings.TrimSpace(filter); filter != "" {
		pattern := likePattern(filter)
		ds = ds.Where(goqu.Or(
			goqu.L(`title LIKE ? ESCAPE '\'`, pattern),
			goqu.L(`author LIKE ? ESCAPE '\'`, pattern),
			goqu.L(`isbn LIKE ? ESCAPE '\'`, pattern),
		))
	}

	return queryRows(ctx, q, ds, "books", func(rows *sql.Rows) (model.Book, error) {
		return scanBook(rows)
	})
}

// SetBookCover stores a book's cover image.
func SetBookCover(ctx context.Context, q Querier, id int64, image []byte, mime string) error {
	result, err := q.ExecContext(ctx,
		`UPDATE books SET cover = ?, cover_mime = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		image, mime, id,
	)
	if err != nil {
		return fmt.Errorf("setting book cover: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("book %d: %w", id, model.ErrNotFound)
	}
	return nil
}

// GetBookCover returns a book's cover image and MIME type.
// A book without a cover yields nil data and no error.
func GetBookCover(ctx context.Context, q Querier, id int64) ([]byte, string, error) {
	var image []byte
	var mime sql.NullString
	err := q.QueryRowContext(ctx,
		`SELECT cover, cover_mime FROM books WHERE id = ?`, id,
	).Scan(&image, &mime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("book %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, "", fmt.Errorf("getting book cover: %w", err)
	}
	return image, mime.String, nil
}
