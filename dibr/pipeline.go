package dibr

import (
	"fmt"
	"math"
)

// DefaultMaxDisparityPct is the slider default of the editor page.
const DefaultMaxDisparityPct = 25

// Options configures one render.
type Options struct {
	PopOut          bool
	MaxDisparityPct float64
	Mode            Mode
	// Filler defaults to ScanlineFiller when nil.
	Filler HoleFiller
}

// DefaultOptions returns pop-in, 25 percent, pure anaglyph, scanline fill.
func DefaultOptions() Options {
	return Options{MaxDisparityPct: DefaultMaxDisparityPct, Mode: ModePure, Filler: ScanlineFiller{}}
}

func (o Options) Validate() error {
	if math.IsNaN(o.MaxDisparityPct) || math.IsInf(o.MaxDisparityPct, 0) || o.MaxDisparityPct < 0 {
		return fmt.Errorf("%w: max disparity percentage %v", ErrInvalidInput, o.MaxDisparityPct)
	}
	if o.Mode != ModePure && o.Mode != ModeOptimized {
		return fmt.Errorf("%w: unsupported anaglyph mode %v", ErrInvalidInput, o.Mode)
	}
	return nil
}

func (o Options) filler() HoleFiller {
	if o.Filler == nil {
		return ScanlineFiller{}
	}
	return o.Filler
}

// Result carries every stage output of a render.
type Result struct {
	Disparity *DisparityField
	Left      *Image
	Right     *Image
	Anaglyph  *Image
	// Holes counts unwritten pixels per view before filling.
	LeftHoles  int
	RightHoles int
}

// Render runs disparity, warp, fill and composite. Inputs are fully validated
// before warping starts; on error nothing is returned.
func Render(src *Image, depth *DepthMap, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := src.Validate(); err != nil {
		return nil, err
	}
	field, err := ComputeDisparity(depth, src.Width, src.Height, opts.MaxDisparityPct, opts.PopOut)
	if err != nil {
		return nil, err
	}

	lc, rc, err := Warp(src, field, opts.PopOut)
	if err != nil {
		return nil, err
	}
	res := &Result{Disparity: field, LeftHoles: lc.Holes(), RightHoles: rc.Holes()}

	f := opts.filler()
	if res.Left, err = f.Fill(lc); err != nil {
		return nil, fmt.Errorf("fill left view: %w", err)
	}
	if res.Right, err = f.Fill(rc); err != nil {
		return nil, fmt.Errorf("fill right view: %w", err)
	}
	if res.Anaglyph, err = Composite(res.Left, res.Right, opts.Mode); err != nil {
		return nil, err
	}
	return res, nil
}
