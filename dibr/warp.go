package dibr

import "fmt"

// Empty marks a canvas channel that no source sample was written to.
// It lies outside the 8-bit range so black pixels stay distinguishable from holes.
const Empty int16 = -1

// WarpCanvas is a forward-warped view that may still contain holes.
type WarpCanvas struct {
	Width  int
	Height int
	Pix    []int16
}

// NewWarpCanvas returns a canvas with every channel set to Empty.
func NewWarpCanvas(w, h int) *WarpCanvas {
	c := &WarpCanvas{Width: w, Height: h, Pix: make([]int16, w*h*Channels)}
	for i := range c.Pix {
		c.Pix[i] = Empty
	}
	return c
}

// IsEmpty reports whether (x, y) was never written.
func (c *WarpCanvas) IsEmpty(x, y int) bool {
	return c.Pix[(y*c.Width+x)*Channels] == Empty
}

// Holes counts unwritten pixels.
func (c *WarpCanvas) Holes() int {
	n := 0
	for i := 0; i < len(c.Pix); i += Channels {
		if c.Pix[i] == Empty {
			n++
		}
	}
	return n
}

// Mask returns one byte per pixel, 1 where the pixel is a hole.
func (c *WarpCanvas) Mask() []uint8 {
	m := make([]uint8, c.Width*c.Height)
	for i := range m {
		if c.Pix[i*Channels] == Empty {
			m[i] = 1
		}
	}
	return m
}

func (c *WarpCanvas) put(x, y int, src []uint8) {
	o := (y*c.Width + x) * Channels
	c.Pix[o+0] = int16(src[0])
	c.Pix[o+1] = int16(src[1])
	c.Pix[o+2] = int16(src[2])
}

// Warp forward-splats src into a left and a right canvas.
//
// With popOut the left view moves each pixel right by its shift and the right
// view moves it left; without popOut the directions swap. Samples pushed past
// a border are dropped and the cells they leave behind stay holes for the
// filler.
//
// When several sources land on one destination the nearer one (higher depth)
// must be written last. In both modes two colliding sources in a row satisfy:
// the left-most is nearer in the left view and the right-most is nearer in the
// right view. The left view is therefore traversed right to left and the right
// view left to right. ComputeDisparity caps shifts at W-1, so for its fields
// the edge column moving inwards always lands and no row is left empty.
func Warp(src *Image, field *DisparityField, popOut bool) (left, right *WarpCanvas, err error) {
	if err := src.Validate(); err != nil {
		return nil, nil, err
	}
	if field == nil || field.Width != src.Width || field.Height != src.Height || len(field.Shift) != src.Width*src.Height {
		return nil, nil, fmt.Errorf("%w: disparity field does not match %dx%d image", ErrInvalidInput, src.Width, src.Height)
	}

	w, h := src.Width, src.Height
	left = NewWarpCanvas(w, h)
	right = NewWarpCanvas(w, h)

	dir := 1
	if !popOut {
		dir = -1
	}

	for y := 0; y < h; y++ {
		shifts := field.Shift[y*w : (y+1)*w]
		row := src.Pix[y*w*Channels : (y+1)*w*Channels]

		for x := w - 1; x >= 0; x-- {
			if shifts[x] < 0 {
				return nil, nil, fmt.Errorf("%w: negative shift %d at (%d,%d)", ErrInvalidInput, shifts[x], x, y)
			}
			if dx := x + dir*int(shifts[x]); dx >= 0 && dx < w {
				left.put(dx, y, row[x*Channels:])
			}
		}
		for x := 0; x < w; x++ {
			if dx := x - dir*int(shifts[x]); dx >= 0 && dx < w {
				right.put(dx, y, row[x*Channels:])
			}
		}
	}
	return left, right, nil
}
