package circulation

import (
	"context"
	"fmt"
	"io"

	"github.com/erazemk/knjiznica/internal/cover"
	"github.com/erazemk/knjiznica/internal/model"
	"github.com/erazemk/knjiznica/internal/store"
)

// SetCover normalizes an uploaded image and stores it as the book's cover.
// Only librarians may change covers.
func (c *Coordinator) SetCover(ctx context.Context, caller model.Caller, bookID int64, r io.Reader) error {
	if !caller.IsLibrarian {
		return fmt.Errorf("user %d setting cover of book %d: %w", caller.UserID, bookID, model.ErrForbidden)
	}

	img, err := cover.Normalize(r)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}

	if err := store.SetBookCover(ctx, c.db, bookID, img.Data, img.MIME); err != nil {
		return err
	}

	c.logger.Info("book cover set", "user", caller.UserID, "book", bookID, "bytes", len(img.Data))
	return nil
}

// Cover returns a book's cover image and its MIME type, or nil data when the
// book has none.
func (c *Coordinator) Cover(ctx context.Context, bookID int64) ([]byte, string, error) {
	return store.GetBookCover(ctx, c.db, bookID)
}
