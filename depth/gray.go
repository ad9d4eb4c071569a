package depth

import (
	"image"
	"image/color"
	"math"

	"github.com/stevecastle/anaglyph/dibr"
	"golang.org/x/image/draw"
)

// FromGray reads a greyscale depth image (8 or 16 bit, white is near) and
// scales it to w x h. The result still needs Normalize.
func FromGray(img image.Image, w, h int) *Raw {
	g := image.NewGray16(image.Rect(0, 0, w, h))
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(g, g.Bounds(), img, b, draw.Src, nil)
	}
	out := &Raw{Width: w, Height: h, Values: make([]float32, w*h)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.Values[y*w+x] = float32(g.Gray16At(x, y).Y) / 65535
		}
	}
	return out
}

// ToGray16 encodes a normalised map losslessly enough to round-trip through PNG.
func ToGray16(d *dibr.DepthMap) *image.Gray16 {
	g := image.NewGray16(image.Rect(0, 0, d.Width, d.Height))
	for i, v := range d.Values {
		g.SetGray16(i%d.Width, i/d.Width, color.Gray16{Y: uint16(math.Round(float64(v) * 65535))})
	}
	return g
}

// DepthMapFromGray16 decodes a map written by ToGray16 without renormalising.
func DepthMapFromGray16(img image.Image) *dibr.DepthMap {
	b := img.Bounds()
	r := FromGray(img, b.Dx(), b.Dy())
	return &dibr.DepthMap{Width: r.Width, Height: r.Height, Values: r.Values}
}
