package depth

import (
	"context"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/gift"
	"golang.org/x/image/draw"
)

// Luminance guesses depth from brightness: brighter reads as nearer. It needs
// no model and is used when none is installed.
type Luminance struct {
	Gamma      float64
	Invert     bool
	DetailSize int     // longest side of the working copy, 0 keeps full size
	BlurSigma  float32 // gaussian blur on the working copy, 0 disables
}

func (l Luminance) Estimate(ctx context.Context, img image.Image) (*Raw, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	gamma := l.Gamma
	if gamma <= 0 {
		gamma = 1
	}

	gray := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			v := math.Pow((0.299*float64(r)+0.587*float64(g)+0.114*float64(bl))/65535, gamma) * 255
			if l.Invert {
				v = 255 - v
			}
			gray.SetGray(x, y, color.Gray{Y: uint8(math.Round(v))})
		}
	}

	work := image.Image(gray)
	if l.DetailSize > 0 && (w > l.DetailSize || h > l.DetailSize) {
		ratio := math.Min(float64(l.DetailSize)/float64(w), float64(l.DetailSize)/float64(h))
		sw, sh := max(1, int(float64(w)*ratio)), max(1, int(float64(h)*ratio))
		small := image.NewGray(image.Rect(0, 0, sw, sh))
		draw.CatmullRom.Scale(small, small.Bounds(), gray, gray.Bounds(), draw.Src, nil)
		work = small
	}
	if l.BlurSigma > 0 {
		g := gift.New(gift.GaussianBlur(l.BlurSigma))
		blurred := image.NewGray(g.Bounds(work.Bounds()))
		g.Draw(blurred, work)
		work = blurred
	}
	if work.Bounds().Dx() != w || work.Bounds().Dy() != h {
		full := image.NewGray(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(full, full.Bounds(), work, work.Bounds(), draw.Src, nil)
		work = full
	}

	out := &Raw{Width: w, Height: h, Values: make([]float32, w*h)}
	g := work.(*image.Gray)
	for y := 0; y < h; y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+w]
		for x, v := range row {
			out.Values[y*w+x] = float32(v)
		}
	}
	return out, nil
}
