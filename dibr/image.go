// Package dibr renders a stereo pair and an anaglyph from a single image
// and a normalised depth map (depth-image-based rendering).
//
// Every function in the package is a pure function of its arguments: buffers
// are allocated per call and nothing is retained between calls.
package dibr

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
)

// Channel offsets inside a pixel. Images are stored blue, green, red.
const (
	Blue     = 0
	Green    = 1
	Red      = 2
	Channels = 3
)

// Image is an 8-bit three channel raster in B,G,R order.
type Image struct {
	Width  int
	Height int
	Pix    []uint8
}

// NewImage allocates a zeroed (black) image.
func NewImage(w, h int) *Image {
	return &Image{Width: w, Height: h, Pix: make([]uint8, w*h*Channels)}
}

// Validate checks the buffer length against the declared size.
func (m *Image) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil image", ErrInvalidInput)
	}
	if m.Width <= 0 || m.Height <= 0 {
		return fmt.Errorf("%w: image size %dx%d", ErrInvalidInput, m.Width, m.Height)
	}
	if len(m.Pix) != m.Width*m.Height*Channels {
		return fmt.Errorf("%w: image buffer has %d bytes, want %d", ErrInvalidInput, len(m.Pix), m.Width*m.Height*Channels)
	}
	return nil
}

// At returns the B,G,R triple at (x, y).
func (m *Image) At(x, y int) [3]uint8 {
	i := (y*m.Width + x) * Channels
	return [3]uint8{m.Pix[i], m.Pix[i+1], m.Pix[i+2]}
}

// Set writes a B,G,R triple at (x, y).
func (m *Image) Set(x, y int, bgr [3]uint8) {
	i := (y*m.Width + x) * Channels
	copy(m.Pix[i:i+3], bgr[:])
}

// Clone returns a deep copy.
func (m *Image) Clone() *Image {
	out := &Image{Width: m.Width, Height: m.Height, Pix: make([]uint8, len(m.Pix))}
	copy(out.Pix, m.Pix)
	return out
}

// FromImage converts any image.Image into the B,G,R layout. Alpha is dropped.
func FromImage(src image.Image) *Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	rgba, ok := src.(*image.RGBA)
	if !ok || rgba.Rect.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, w, h))
		draw.Draw(rgba, rgba.Bounds(), src, b.Min, draw.Src)
	}
	out := NewImage(w, h)
	for y := 0; y < h; y++ {
		row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+w*4]
		for x := 0; x < w; x++ {
			o := (y*w + x) * Channels
			out.Pix[o+Blue] = row[x*4+2]
			out.Pix[o+Green] = row[x*4+1]
			out.Pix[o+Red] = row[x*4+0]
		}
	}
	return out
}

// RGBA converts back to a standard library image for encoding.
func (m *Image) RGBA() *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, m.Width, m.Height))
	for i, n := 0, m.Width*m.Height; i < n; i++ {
		o := i * Channels
		out.Pix[i*4+0] = m.Pix[o+Red]
		out.Pix[i*4+1] = m.Pix[o+Green]
		out.Pix[i*4+2] = m.Pix[o+Blue]
		out.Pix[i*4+3] = 0xff
	}
	return out
}

// imageView adapts an *Image to image.Image.
type imageView struct{ m *Image }

func (v imageView) ColorModel() color.Model { return color.RGBAModel }
func (v imageView) Bounds() image.Rectangle { return image.Rect(0, 0, v.m.Width, v.m.Height) }
func (v imageView) At(x, y int) color.Color {
	p := v.m.At(x, y)
	return color.RGBA{R: p[Red], G: p[Green], B: p[Blue], A: 0xff}
}

// View wraps the image as an image.Image without copying.
func (m *Image) View() image.Image { return imageView{m} }

// DepthMap is a normalised depth raster. Values lie in [0,1], higher is nearer.
type DepthMap struct {
	Width  int
	Height int
	Values []float32
}

// NewDepthMap allocates a depth map filled with zeros.
func NewDepthMap(w, h int) *DepthMap {
	return &DepthMap{Width: w, Height: h, Values: make([]float32, w*h)}
}

// Fill sets every sample to v.
func (d *DepthMap) Fill(v float32) *DepthMap {
	for i := range d.Values {
		d.Values[i] = v
	}
	return d
}

// Validate rejects malformed buffers and samples outside [0,1].
func (d *DepthMap) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: nil depth map", ErrInvalidInput)
	}
	if d.Width <= 0 || d.Height <= 0 || len(d.Values) != d.Width*d.Height {
		return fmt.Errorf("%w: depth map %dx%d with %d values", ErrInvalidInput, d.Width, d.Height, len(d.Values))
	}
	for i, v := range d.Values {
		if math.IsNaN(float64(v)) || v < 0 || v > 1 {
			return fmt.Errorf("%w: depth value %v at (%d,%d) outside [0,1]", ErrInvalidInput, v, i%d.Width, i/d.Width)
		}
	}
	return nil
}
