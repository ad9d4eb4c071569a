package dibr

import "fmt"

// FlatStereo builds a pair from one flat plane: the right view is src moved
// right by shiftPx with black entering from the left edge. popOut swaps the
// views so the plane floats in front of the screen instead of behind it.
func FlatStereo(src *Image, shiftPx int, popOut bool) (left, right *Image, err error) {
	if err := src.Validate(); err != nil {
		return nil, nil, err
	}
	if shiftPx < 0 {
		return nil, nil, fmt.Errorf("%w: negative shift %d", ErrInvalidInput, shiftPx)
	}
	w, h := src.Width, src.Height
	shifted := NewImage(w, h)
	if shiftPx < w {
		for y := 0; y < h; y++ {
			row := src.Pix[y*w*Channels : (y+1)*w*Channels]
			dst := shifted.Pix[y*w*Channels : (y+1)*w*Channels]
			copy(dst[shiftPx*Channels:], row[:(w-shiftPx)*Channels])
		}
	}
	if popOut {
		return shifted, src.Clone(), nil
	}
	return src.Clone(), shifted, nil
}

// SideBySide places the pair next to each other in a 2W x H image. cross
// swaps the halves for cross-eyed free viewing.
func SideBySide(left, right *Image, cross bool) (*Image, error) {
	if err := left.Validate(); err != nil {
		return nil, err
	}
	if err := right.Validate(); err != nil {
		return nil, err
	}
	if left.Width != right.Width || left.Height != right.Height {
		return nil, fmt.Errorf("%w: left is %dx%d, right is %dx%d", ErrInvalidInput, left.Width, left.Height, right.Width, right.Height)
	}
	a, b := left, right
	if cross {
		a, b = right, left
	}
	w, h := left.Width, left.Height
	stride := w * Channels
	out := NewImage(w*2, h)
	for y := 0; y < h; y++ {
		dst := out.Pix[y*2*stride : (y+1)*2*stride]
		copy(dst[:stride], a.Pix[y*stride:(y+1)*stride])
		copy(dst[stride:], b.Pix[y*stride:(y+1)*stride])
	}
	return out, nil
}
