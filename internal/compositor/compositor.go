// Package compositor merges a base image, a resized overlay, and an optional
// text layer into a single raster image. Output is always re-encoded as PNG
// regardless of input formats.
package compositor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/disintegration/imaging"

	"github.com/praveen-singh01/whatsapp-automation/internal/position"
)

var (
	// ErrImageDecode marks unreadable or corrupt source images.
	ErrImageDecode = errors.New("compositor: image decode failed")

	// ErrComposition marks unsatisfiable composition constraints,
	// e.g. a zero-sized container.
	ErrComposition = errors.New("compositor: invalid composition")
)

// Composite resizes the overlay to the target size using an aspect-preserving
// crop-to-fill (cover) fit, then alpha-blends it over the base at the given
// placement. Placement coordinates are trusted to be pre-clamped by the
// position package.
func Composite(base, overlay image.Image, target position.Size, p position.Point, opacity float64) (image.Image, error) {
	if base == nil || overlay == nil {
		return nil, fmt.Errorf("%w: missing source image", ErrComposition)
	}
	b := base.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: zero-sized container", ErrComposition)
	}
	if target.Width <= 0 || target.Height <= 0 {
		return nil, fmt.Errorf("%w: overlay target %dx%d", ErrComposition, target.Width, target.Height)
	}
	if opacity <= 0 || opacity > 1 {
		opacity = 1
	}

	ov := imaging.Fill(overlay, target.Width, target.Height, imaging.Center, imaging.Lanczos)
	out := imaging.Overlay(base, ov, image.Pt(p.Left, p.Top), opacity)
	return out, nil
}

// Decode reads an image from r, accepting any format the imaging codecs know.
func Decode(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageDecode, err)
	}
	return img, nil
}

// DecodeBytes is Decode over an in-memory buffer.
func DecodeBytes(b []byte) (image.Image, error) {
	return Decode(bytes.NewReader(b))
}

// EncodePNG losslessly re-encodes img.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("%w: png encode: %v", ErrComposition, err)
	}
	return buf.Bytes(), nil
}
