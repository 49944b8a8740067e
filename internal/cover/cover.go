// Package cover normalizes uploaded book cover images.
package cover

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // PNG decoder registration
	"io"
	"net/http"

	"golang.org/x/image/draw"
)

// Covers are fitted into a MaxWidth x MaxHeight box, which suits the usual
// portrait book jacket.
const (
	MaxWidth  = 600
	MaxHeight = 900
)

// MaxUploadSize is the largest cover upload accepted, in bytes.
const MaxUploadSize = 5 << 20

// MaxPixels bounds the decoded canvas of an upload, which compressed size
// alone does not.
const MaxPixels = 40_000_000

// JPEGQuality is the compression quality for JPEG output.
const JPEGQuality = 85

var (
	// ErrUnsupportedFormat is returned for anything but JPEG or PNG input.
	ErrUnsupportedFormat = errors.New("unsupported image format")

	// ErrTooLarge is returned for images whose dimensions exceed MaxPixels.
	ErrTooLarge = errors.New("image dimensions too large")
)

var allowedMIME = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// Image is a normalized cover ready to store.
type Image struct {
	Data []byte
	MIME string
}

// Normalize sniffs the upload (client headers are not trusted), shrinks it
// into the cover box if needed and re-encodes it as JPEG.
func Normalize(r io.Reader) (*Image, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxUploadSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading cover: %w", err)
	}
	if len(data) > MaxUploadSize {
		return nil, fmt.Errorf("cover larger than %d bytes", MaxUploadSize)
	}

	detected := http.DetectContentType(data)
	if !allowedMIME[detected] {
		return nil, fmt.Errorf("%w: %s (only JPEG and PNG accepted)", ErrUnsupportedFormat, detected)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("reading cover header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrTooLarge, cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding cover: %w", err)
	}

	img = fit(img, MaxWidth, MaxHeight)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encoding cover: %w", err)
	}

	return &Image{Data: buf.Bytes(), MIME: "image/jpeg"}, nil
}

// fit scales img down so it fits within maxW x maxH, preserving aspect ratio.
// Smaller images are returned unchanged.
func fit(img image.Image, maxW, maxH int) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	if w <= maxW && h <= maxH {
		return img
	}

	scale := min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	newW := max(1, int(float64(w)*scale))
	newH := max(1, int(float64(h)*scale))

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}
