package depth

import (
	"image"
	"image/color"
	"math"

	"github.com/stevecastle/anaglyph/dibr"
)

// Colorize renders a depth map with the JET colour map: far is blue, near is red.
func Colorize(d *dibr.DepthMap) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, d.Width, d.Height))
	for i, v := range d.Values {
		c := jet(float64(v))
		o := i * 4
		out.Pix[o], out.Pix[o+1], out.Pix[o+2], out.Pix[o+3] = c.R, c.G, c.B, 0xff
	}
	return out
}

func jet(t float64) color.RGBA {
	// quantise like an 8-bit lookup table
	t = math.Round(math.Min(1, math.Max(0, t))*255) / 255
	ch := func(center float64) uint8 {
		v := 1.5 - math.Abs(4*t-center)
		return uint8(math.Round(math.Min(1, math.Max(0, v)) * 255))
	}
	return color.RGBA{R: ch(3), G: ch(2), B: ch(1), A: 0xff}
}
