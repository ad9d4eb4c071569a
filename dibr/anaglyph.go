package dibr

import (
	"fmt"
	"strings"
)

// Mode selects how a stereo pair is merged into an anaglyph.
type Mode int

const (
	// ModePure takes red from the left view and green and blue from the right.
	ModePure Mode = iota
	// ModeOptimized mixes both views through the Dubois red-cyan matrices,
	// which reduces retinal rivalry on LCD panels.
	ModeOptimized
)

func (m Mode) String() string {
	switch m {
	case ModePure:
		return "pure"
	case ModeOptimized:
		return "optimized"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts "pure" and "optimized" (plus a few spellings the web form uses).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "pure", "colour", "color":
		return ModePure, nil
	case "optimized", "optimised", "optimized_rr", "optimised_rr", "dubois":
		return ModeOptimized, nil
	}
	return 0, fmt.Errorf("%w: unsupported anaglyph mode %q", ErrInvalidInput, s)
}

type matrix [3][3]float64

// Red-cyan LCD matrices, rows are output R,G,B and columns input R,G,B.
var (
	duboisLeftRGB = matrix{
		{0.437, 0.449, 0.164},
		{-0.062, -0.062, -0.024},
		{-0.048, -0.050, -0.017},
	}
	duboisRightRGB = matrix{
		{-0.011, -0.032, -0.007},
		{0.377, 0.761, 0.009},
		{-0.026, -0.093, 1.234},
	}

	duboisLeft  = toWorkingOrder(duboisLeftRGB)
	duboisRight = toWorkingOrder(duboisRightRGB)
)

// rgbIndex maps a working channel (B,G,R) to its RGB position.
var rgbIndex = [Channels]int{Blue: 2, Green: 1, Red: 0}

// toWorkingOrder permutes both rows and columns of an RGB matrix into B,G,R order.
func toWorkingOrder(m matrix) matrix {
	var out matrix
	for i := 0; i < Channels; i++ {
		for j := 0; j < Channels; j++ {
			out[i][j] = m[rgbIndex[i]][rgbIndex[j]]
		}
	}
	return out
}

// Composite merges a filled stereo pair into one image.
func Composite(left, right *Image, mode Mode) (*Image, error) {
	if err := left.Validate(); err != nil {
		return nil, err
	}
	if err := right.Validate(); err != nil {
		return nil, err
	}
	if left.Width != right.Width || left.Height != right.Height {
		return nil, fmt.Errorf("%w: left is %dx%d, right is %dx%d", ErrInvalidInput, left.Width, left.Height, right.Width, right.Height)
	}

	out := NewImage(left.Width, left.Height)
	switch mode {
	case ModePure:
		for i := 0; i < len(out.Pix); i += Channels {
			out.Pix[i+Blue] = right.Pix[i+Blue]
			out.Pix[i+Green] = right.Pix[i+Green]
			out.Pix[i+Red] = left.Pix[i+Red]
		}
	case ModeOptimized:
		for i := 0; i < len(out.Pix); i += Channels {
			l := left.Pix[i : i+Channels]
			r := right.Pix[i : i+Channels]
			for c := 0; c < Channels; c++ {
				v := 0.0
				for k := 0; k < Channels; k++ {
					v += duboisLeft[c][k]*float64(l[k]) + duboisRight[c][k]*float64(r[k])
				}
				out.Pix[i+c] = toByte(v)
			}
		}
	default:
		return nil, fmt.Errorf("%w: unsupported anaglyph mode %v", ErrInvalidInput, mode)
	}
	return out, nil
}
