// Package vision loads images and turns them into model-ready pixel tensors.
package vision

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultMaxPixels bounds width*height of images accepted by Decode.
const DefaultMaxPixels = 40_000_000

var (
	// ErrUnsupportedFormat is returned when the bytes are not a known image format.
	ErrUnsupportedFormat = errors.New("unsupported image format")
	// ErrTooLarge is returned when the image header declares more pixels
	// than the decode budget allows.
	ErrTooLarge = errors.New("image dimensions too large")
)

// Decode reads a full image from r, rejecting images above
// DefaultMaxPixels before any pixel data is decoded. The returned string
// is the format name reported by the registered decoder.
func Decode(r io.Reader) (image.Image, string, error) {
	return DecodeLimit(r, DefaultMaxPixels)
}

// DecodeLimit is Decode with an explicit pixel budget. maxPixels <= 0
// disables the check.
func DecodeLimit(r io.Reader, maxPixels int64) (image.Image, string, error) {
	// The header bytes consumed by DecodeConfig are replayed for Decode.
	var head bytes.Buffer
	cfg, _, err := image.DecodeConfig(io.TeeReader(r, &head))
	if err != nil {
		return nil, "", decodeError(err)
	}
	if err := checkDimensions(cfg, maxPixels); err != nil {
		return nil, "", err
	}
	img, format, err := image.Decode(io.MultiReader(&head, r))
	if err != nil {
		return nil, "", decodeError(err)
	}
	return img, format, nil
}

// DecodeBytes is Decode over an in-memory buffer.
func DecodeBytes(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("decode image: empty input")
	}
	return Decode(bytes.NewReader(data))
}

func checkDimensions(cfg image.Config, maxPixels int64) error {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("decode image: invalid dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return fmt.Errorf("%w: %dx%d is over %d pixels", ErrTooLarge, cfg.Width, cfg.Height, maxPixels)
	}
	return nil
}

func decodeError(err error) error {
	if errors.Is(err, image.ErrFormat) {
		return ErrUnsupportedFormat
	}
	return fmt.Errorf("decode image: %w", err)
}
