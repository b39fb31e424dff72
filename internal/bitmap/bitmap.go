// Package bitmap packs rendered label images into the 1-bit raster layout
// consumed by the printer's GS v 0 command.
//
// Rows are stored top to bottom, ceil(width/8) bytes per row, leftmost pixel
// in the most significant bit. A set bit prints a dark dot.
package bitmap

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
)

// Device label size in dots.
const (
	LabelWidth  = 400
	LabelHeight = 200
)

// Threshold is the channel mean below which a pixel prints dark.
const Threshold = 128

// EncodingError reports a pixel buffer that does not match its dimensions.
type EncodingError struct {
	Width, Height int
	Got, Want     int
}

func (e *EncodingError) Error() string {
	if e.Width <= 0 || e.Height <= 0 {
		return fmt.Sprintf("bitmap: invalid dimensions %dx%d", e.Width, e.Height)
	}
	return fmt.Sprintf("bitmap: pixel buffer is %d bytes, want %d for %dx%d RGBA", e.Got, e.Want, e.Width, e.Height)
}

// Packed is a 1-bit-per-pixel, row-major, MSB-first bitmap.
// Data is never resized after construction.
type Packed struct {
	Data   []byte
	Width  int
	Height int
}

// WidthBytes returns the number of bytes per row.
func WidthBytes(width int) int {
	return (width + 7) / 8
}

// WidthBytes returns the number of bytes per row.
func (p *Packed) WidthBytes() int {
	return WidthBytes(p.Width)
}

// Rows returns the bytes of n rows starting at row start.
// The returned slice shares memory with p.Data.
func (p *Packed) Rows(start, n int) []byte {
	wb := p.WidthBytes()
	return p.Data[start*wb : (start+n)*wb]
}

// Dark reports whether the dot at (x, y) is set.
func (p *Packed) Dark(x, y int) bool {
	return p.Data[y*p.WidthBytes()+x/8]&(1<<(7-uint(x%8))) != 0
}

func (p *Packed) String() string {
	return fmt.Sprintf("Packed(%dx%d, %d bytes)", p.Width, p.Height, len(p.Data))
}

func newPacked(width, height int) *Packed {
	return &Packed{
		Data:   make([]byte, WidthBytes(width)*height),
		Width:  width,
		Height: height,
	}
}

func (p *Packed) set(x, y int) {
	p.Data[y*p.WidthBytes()+x/8] |= 1 << (7 - uint(x%8))
}

// Encode packs RGBA samples (4 bytes per pixel, row-major) into a bitmap.
// A pixel is dark when the mean of its R, G and B channels is below
// Threshold; alpha is ignored.
func Encode(pix []byte, width, height int) (*Packed, error) {
	if width <= 0 || height <= 0 {
		return nil, &EncodingError{Width: width, Height: height, Got: len(pix)}
	}
	want := width * height * 4
	if len(pix) != want {
		return nil, &EncodingError{Width: width, Height: height, Got: len(pix), Want: want}
	}

	p := newPacked(width, height)
	for y := 0; y < height; y++ {
		row := pix[y*width*4 : (y+1)*width*4]
		for x := 0; x < width; x++ {
			i := x * 4
			sum := int(row[i]) + int(row[i+1]) + int(row[i+2])
			// sum/3 < 128 without losing the fractional part
			if sum < Threshold*3 {
				p.set(x, y)
			}
		}
	}
	return p, nil
}

// EncodeImage packs any image. Samples are taken non-premultiplied, the same
// way a canvas exposes them.
func EncodeImage(img image.Image) (*Packed, error) {
	b := img.Bounds()
	nrgba, ok := img.(*image.NRGBA)
	// a sub-image shares its parent's tail, so the length is checked too
	if !ok || nrgba.Stride != b.Dx()*4 || b.Min != (image.Point{}) || len(nrgba.Pix) != b.Dx()*b.Dy()*4 {
		nrgba = image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(nrgba, nrgba.Bounds(), img, b.Min, draw.Src)
	}
	return Encode(nrgba.Pix, b.Dx(), b.Dy())
}

// Fallback returns an 8x8 checkerboard used when no usable image exists,
// so the printer never receives an empty raster.
func Fallback(width, height int) *Packed {
	p := newPacked(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if (x+y)%16 < 8 {
				p.set(x, y)
			}
		}
	}
	return p
}

// Preview renders the bitmap back to grayscale, dark dots black.
func (p *Packed) Preview() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, p.Width, p.Height))
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			if p.Dark(x, y) {
				img.SetGray(x, y, color.Gray{Y: 0})
			} else {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return img
}
