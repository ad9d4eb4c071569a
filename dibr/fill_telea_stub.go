//go:build !gocv
// +build !gocv

package dibr

import "fmt"

// TeleaAvailable reports whether this build can inpaint with OpenCV.
const TeleaAvailable = false

// TeleaFiller inpaints holes with OpenCV's fast-marching method.
// This build has no OpenCV; Fill always fails.
type TeleaFiller struct {
	Radius int
}

func (TeleaFiller) Fill(*WarpCanvas) (*Image, error) {
	return nil, fmt.Errorf("%w: %w", ErrComputation, ErrGoCVRequired)
}
