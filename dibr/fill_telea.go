//go:build gocv
// +build gocv

package dibr

import (
	"fmt"

	"gocv.io/x/gocv"
)

const TeleaAvailable = true

// TeleaFiller inpaints holes with OpenCV's fast-marching method. Radius is
// the neighbourhood in pixels; 1 is enough for the thin holes small disparities leave.
type TeleaFiller struct {
	Radius int
}

func (t TeleaFiller) Fill(c *WarpCanvas) (*Image, error) {
	if c == nil || len(c.Pix) != c.Width*c.Height*Channels {
		return nil, fmt.Errorf("%w: malformed canvas", ErrInvalidInput)
	}
	w, h := c.Width, c.Height
	if c.Holes() == w*h {
		return nil, fmt.Errorf("%w: canvas has no written pixels", ErrComputation)
	}

	pix := make([]byte, len(c.Pix))
	for i, v := range c.Pix {
		if v != Empty {
			pix[i] = byte(v)
		}
	}
	mask := c.Mask()
	for i := range mask {
		mask[i] *= 255
	}

	src, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC3, pix)
	if err != nil {
		return nil, fmt.Errorf("%w: canvas to mat: %v", ErrComputation, err)
	}
	defer src.Close()
	m, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC1, mask)
	if err != nil {
		return nil, fmt.Errorf("%w: mask to mat: %v", ErrComputation, err)
	}
	defer m.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	r := t.Radius
	if r < 1 {
		r = 1
	}
	gocv.Inpaint(src, m, &dst, float32(r), gocv.Telea)
	if dst.Empty() {
		return nil, fmt.Errorf("%w: inpaint returned an empty mat", ErrComputation)
	}

	out, err := dst.DataPtrUint8()
	if err != nil {
		return nil, fmt.Errorf("%w: read inpainted mat: %v", ErrComputation, err)
	}
	img := NewImage(w, h)
	copy(img.Pix, out)
	return img, nil
}
