package dibr

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// HoleFiller turns a warp canvas into a fully populated image.
type HoleFiller interface {
	Fill(c *WarpCanvas) (*Image, error)
}

// ErrGoCVRequired is wrapped by TeleaFiller when the binary was built without OpenCV.
var ErrGoCVRequired = errors.New("telea inpainting requires a build with the gocv tag")

// ParseFillStrategy maps a strategy name to a filler.
func ParseFillStrategy(name string, radius int) (HoleFiller, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "scanline":
		return ScanlineFiller{}, nil
	case "pushpull", "push-pull":
		return PushPullFiller{}, nil
	case "telea", "inpaint":
		if !TeleaAvailable {
			return nil, fmt.Errorf("%w: %w", ErrInvalidInput, ErrGoCVRequired)
		}
		if radius < 1 || radius > 3 {
			return nil, fmt.Errorf("%w: inpaint radius %d outside 1..3", ErrInvalidInput, radius)
		}
		return TeleaFiller{Radius: radius}, nil
	}
	return nil, fmt.Errorf("%w: unknown fill strategy %q", ErrInvalidInput, name)
}

/*** Scanline forward fill ***/

// ScanlineFiller fills each row independently: cells before the first
// written cell take its colour, then every hole copies its left neighbour.
// Rows with no written cell copy the nearest filled row, preferring the row above on ties.
type ScanlineFiller struct{}

func (ScanlineFiller) Fill(c *WarpCanvas) (*Image, error) {
	if c == nil || len(c.Pix) != c.Width*c.Height*Channels {
		return nil, fmt.Errorf("%w: malformed canvas", ErrInvalidInput)
	}
	w, h := c.Width, c.Height
	out := NewImage(w, h)
	filled := make([]bool, h)

	for y := 0; y < h; y++ {
		in := c.Pix[y*w*Channels : (y+1)*w*Channels]
		dst := out.Pix[y*w*Channels : (y+1)*w*Channels]

		first := -1
		for x := 0; x < w; x++ {
			if in[x*Channels] != Empty {
				first = x
				break
			}
		}
		if first < 0 {
			continue
		}
		filled[y] = true

		var prev [3]uint8
		for k := 0; k < Channels; k++ {
			prev[k] = uint8(in[first*Channels+k])
		}
		for x := 0; x < w; x++ {
			o := x * Channels
			if x >= first && in[o] != Empty {
				prev[0], prev[1], prev[2] = uint8(in[o]), uint8(in[o+1]), uint8(in[o+2])
			}
			dst[o], dst[o+1], dst[o+2] = prev[0], prev[1], prev[2]
		}
	}

	if err := fillEmptyRows(out, filled); err != nil {
		return nil, err
	}
	return out, nil
}

// fillEmptyRows copies the nearest filled row into every row marked false.
func fillEmptyRows(out *Image, filled []bool) error {
	h := len(filled)
	stride := out.Width * Channels
	ok := false
	for _, f := range filled {
		if f {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%w: canvas has no written pixels", ErrComputation)
	}
	for y := 0; y < h; y++ {
		if filled[y] {
			continue
		}
		src := -1
		for d := 1; d < h; d++ {
			if y-d >= 0 && filled[y-d] {
				src = y - d
				break
			}
			if y+d < h && filled[y+d] {
				src = y + d
				break
			}
		}
		copy(out.Pix[y*stride:(y+1)*stride], out.Pix[src*stride:(src+1)*stride])
	}
	return nil
}

/*** Push-pull pyramid fill ***/

// PushPullFiller averages written pixels down a coverage-weighted pyramid and
// interpolates back up into the holes. Levels is a minimum; more levels are
// added until the coarsest one has no holes.
type PushPullFiller struct {
	Levels int
}

type level struct {
	w, h int
	pix  []float32 // 3 per pixel
	msk  []float32
}

func (p PushPullFiller) Fill(c *WarpCanvas) (*Image, error) {
	if c == nil || len(c.Pix) != c.Width*c.Height*Channels {
		return nil, fmt.Errorf("%w: malformed canvas", ErrInvalidInput)
	}
	w, h := c.Width, c.Height
	fin := level{w: w, h: h, pix: make([]float32, w*h*Channels), msk: make([]float32, w*h)}
	written := 0
	for i := 0; i < w*h; i++ {
		if c.Pix[i*Channels] == Empty {
			continue
		}
		for k := 0; k < Channels; k++ {
			fin.pix[i*Channels+k] = float32(c.Pix[i*Channels+k])
		}
		fin.msk[i] = 1
		written++
	}
	if written == 0 {
		return nil, fmt.Errorf("%w: canvas has no written pixels", ErrComputation)
	}

	L := []level{fin}
	for n := 0; ; n++ {
		top := &L[len(L)-1]
		if n >= p.minLevels() && covered(top) {
			break
		}
		if top.w == 1 && top.h == 1 {
			break
		}
		pw, ph := (top.w+1)/2, (top.h+1)/2
		nl := level{w: pw, h: ph, pix: make([]float32, pw*ph*Channels), msk: make([]float32, pw*ph)}
		downsampleLevel(top, &nl)
		L = append(L, nl)
	}
	for i := len(L) - 2; i >= 0; i-- {
		upsampleAccumulate(&L[i+1], &L[i])
	}
	if !covered(&L[0]) {
		return nil, fmt.Errorf("%w: push-pull left holes", ErrComputation)
	}

	out := NewImage(w, h)
	for i, v := range L[0].pix {
		out.Pix[i] = toByte(float64(v))
	}
	return out, nil
}

func (p PushPullFiller) minLevels() int {
	if p.Levels < 0 {
		return 0
	}
	return p.Levels
}

func covered(l *level) bool {
	for _, m := range l.msk {
		if m < 0.5 {
			return false
		}
	}
	return true
}

func downsampleLevel(src, dst *level) {
	for y := 0; y < dst.h; y++ {
		for x := 0; x < dst.w; x++ {
			var sumC [Channels]float32
			sumM := float32(0)
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					sx, sy := x*2+dx, y*2+dy
					if sx >= src.w || sy >= src.h {
						continue
					}
					i := sy*src.w + sx
					m := src.msk[i]
					sumM += m
					for k := 0; k < Channels; k++ {
						sumC[k] += src.pix[i*Channels+k] * m
					}
				}
			}
			j := y*dst.w + x
			if sumM > 0 {
				for k := 0; k < Channels; k++ {
					dst.pix[j*Channels+k] = sumC[k] / sumM
				}
				dst.msk[j] = 1
			}
		}
	}
}

func upsampleAccumulate(lo, hi *level) {
	sample := func(xx, yy int) (c [Channels]float32, m float32) {
		xx = clamp(xx, 0, lo.w-1)
		yy = clamp(yy, 0, lo.h-1)
		j := yy*lo.w + xx
		copy(c[:], lo.pix[j*Channels:j*Channels+Channels])
		return c, lo.msk[j]
	}
	for y := 0; y < hi.h; y++ {
		for x := 0; x < hi.w; x++ {
			i := y*hi.w + x
			if hi.msk[i] >= 0.5 {
				continue
			}
			fx := (float32(x)+0.5)/float32(hi.w)*float32(lo.w) - 0.5
			fy := (float32(y)+0.5)/float32(hi.h)*float32(lo.h) - 0.5
			x0 := int(math.Floor(float64(fx)))
			y0 := int(math.Floor(float64(fy)))
			tx := fx - float32(x0)
			ty := fy - float32(y0)

			c00, m00 := sample(x0, y0)
			c10, m10 := sample(x0+1, y0)
			c01, m01 := sample(x0, y0+1)
			c11, m11 := sample(x0+1, y0+1)

			w00 := (1 - tx) * (1 - ty) * m00
			w10 := tx * (1 - ty) * m10
			w01 := (1 - tx) * ty * m01
			w11 := tx * ty * m11
			sumW := w00 + w10 + w01 + w11
			if sumW <= 1e-5 {
				continue
			}
			for k := 0; k < Channels; k++ {
				hi.pix[i*Channels+k] = (w00*c00[k] + w10*c10[k] + w01*c01[k] + w11*c11[k]) / sumW
			}
			hi.msk[i] = 1
		}
	}
}
