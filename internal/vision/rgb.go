package vision

import (
	"image"

	xdraw "golang.org/x/image/draw"
)

// IsRGB reports whether img is already an opaque three-channel image that
// the processor can read without a color conversion.
func IsRGB(img image.Image) bool {
	switch m := img.(type) {
	case *image.YCbCr:
		return true
	case *image.RGBA:
		return m.Opaque()
	case *image.NRGBA:
		return m.Opaque()
	default:
		return false
	}
}

// ToRGB returns img converted to an opaque RGB image. Alpha is dropped
// without compositing, gray is replicated across channels, CMYK and
// paletted images go through their color models. Images that are already
// RGB are returned unchanged.
func ToRGB(img image.Image) image.Image {
	if img == nil || IsRGB(img) {
		return img
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if src, ok := img.(*image.NRGBA); ok {
		// Straight alpha: the color channels copy over exactly.
		row := 4 * b.Dx()
		for y := range b.Dy() {
			off := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+row], src.Pix[off:off+row])
		}
	} else {
		xdraw.Draw(dst, dst.Bounds(), img, b.Min, xdraw.Src)
	}
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	// With every alpha at 0xff the NRGBA and RGBA layouts are identical.
	return &image.RGBA{Pix: dst.Pix, Stride: dst.Stride, Rect: dst.Rect}
}
