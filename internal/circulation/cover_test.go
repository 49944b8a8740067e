package circulation

import (
	"bytes"
	"image"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erazemk/knjiznica/internal/model"
)

func TestSetCover(t *testing.T) {
	f := newFixture(t, 1)
	book := f.addBook(t, "978-1", 1)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 20, 30))))

	err := f.desk.SetCover(f.ctx, f.users[0], book.ID, bytes.NewReader(buf.Bytes()))
	assert.ErrorIs(t, err, model.ErrForbidden)

	err = f.desk.SetCover(f.ctx, librarian, book.ID, strings.NewReader("plain text"))
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	require.NoError(t, f.desk.SetCover(f.ctx, librarian, book.ID, bytes.NewReader(buf.Bytes())))

	data, mime, err := f.desk.Cover(f.ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", mime)
	assert.NotEmpty(t, data)

	err = f.desk.SetCover(f.ctx, librarian, 999, bytes.NewReader(buf.Bytes()))
	assert.ErrorIs(t, err, model.ErrNotFound)
}
