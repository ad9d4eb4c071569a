package dibr

import (
	"fmt"
	"math"
)

// DisparityField holds the per-pixel column shift magnitude. Every entry is
// non-negative; the warper decides the sign per view.
type DisparityField struct {
	Width  int
	Height int
	Shift  []int32
}

// At returns the shift at (x, y).
func (f *DisparityField) At(x, y int) int32 { return f.Shift[y*f.Width+x] }

// Max returns the largest shift in the field.
func (f *DisparityField) Max() int32 {
	var m int32
	for _, s := range f.Shift {
		if s > m {
			m = s
		}
	}
	return m
}

// MaxShiftPx bounds the shifts of a field computed for an image of the given
// width: half of pct percent of the width.
func MaxShiftPx(width int, maxDisparityPct float64) float64 {
	return maxDisparityPct / 100 * float64(width) / 2
}

// ComputeDisparity maps depth to an integer shift field.
//
//	half  = pct/100 * width / 2
//	shift = round(half * d)      when popOut
//	shift = round(half * (1-d))  otherwise
//
// Shifts are capped at floor(half) so rounding never exceeds half the
// maximum disparity, and at width-1 so every row keeps a sample on screen.
// The depth map must match width x height and hold values in [0,1].
func ComputeDisparity(depth *DepthMap, width, height int, maxDisparityPct float64, popOut bool) (*DisparityField, error) {
	if err := depth.Validate(); err != nil {
		return nil, err
	}
	if depth.Width != width || depth.Height != height {
		return nil, fmt.Errorf("%w: depth map is %dx%d, image is %dx%d", ErrInvalidInput, depth.Width, depth.Height, width, height)
	}
	if math.IsNaN(maxDisparityPct) || math.IsInf(maxDisparityPct, 0) || maxDisparityPct < 0 {
		return nil, fmt.Errorf("%w: max disparity percentage %v", ErrInvalidInput, maxDisparityPct)
	}

	half := MaxShiftPx(width, maxDisparityPct)
	f := &DisparityField{Width: width, Height: height, Shift: make([]int32, width*height)}
	if half == 0 {
		return f, nil
	}
	limit := math.Min(math.Floor(half), float64(width-1))
	for i, d := range depth.Values {
		eff := float64(d)
		if !popOut {
			eff = 1 - eff
		}
		f.Shift[i] = int32(math.Min(math.Round(half*eff), limit))
	}
	return f, nil
}
