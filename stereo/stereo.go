// Package stereo renders a stored session into stereo pairs and anaglyphs
// and keeps recent results in memory.
package stereo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/stevecastle/anaglyph/appconfig"
	"github.com/stevecastle/anaglyph/depth"
	"github.com/stevecastle/anaglyph/dibr"
	"github.com/stevecastle/anaglyph/imageio"
	"github.com/stevecastle/anaglyph/session"
	"github.com/stevecastle/anaglyph/storage"
)

// DefaultCacheSize is the number of rendered parameter sets kept in memory.
const DefaultCacheSize = 64

var (
	ErrNoSource      = errors.New("session has no source image")
	ErrDepthNotReady = errors.New("depth map is not ready")
	ErrUnknownView   = errors.New("unknown view")
)

// Params are the user controls of the editor page.
type Params struct {
	PopOut          bool    `json:"popOut"`
	MaxDisparityPct float64 `json:"maxDisparity"`
	Mode            string  `json:"mode"`
	Fill            string  `json:"fill"`
	InpaintRadius   int     `json:"inpaintRadius"`
}

// DefaultParams takes the render section of the configuration.
func DefaultParams(c appconfig.RenderConfig) Params {
	return Params{
		PopOut:          c.PopOut,
		MaxDisparityPct: c.MaxDisparityPct,
		Mode:            c.AnaglyphMode,
		Fill:            c.FillStrategy,
		InpaintRadius:   c.InpaintRadius,
	}
}

// Options converts the parameters into pipeline options.
func (p Params) Options() (dibr.Options, error) {
	mode, err := dibr.ParseMode(p.Mode)
	if err != nil {
		return dibr.Options{}, err
	}
	filler, err := dibr.ParseFillStrategy(p.Fill, p.InpaintRadius)
	if err != nil {
		return dibr.Options{}, err
	}
	opts := dibr.Options{PopOut: p.PopOut, MaxDisparityPct: p.MaxDisparityPct, Mode: mode, Filler: filler}
	return opts, opts.Validate()
}

// key is canonical so that spellings like "optimised" and "optimized" share a cache entry.
func (p Params) key() string {
	mode, _ := dibr.ParseMode(p.Mode)
	fill, radius := strings.ToLower(strings.TrimSpace(p.Fill)), 0
	switch fill {
	case "":
		fill = "scanline"
	case "telea", "inpaint":
		radius = p.InpaintRadius
	}
	return strings.Join([]string{
		strconv.FormatBool(p.PopOut),
		strconv.FormatFloat(p.MaxDisparityPct, 'g', -1, 64),
		mode.String(),
		fill,
		strconv.Itoa(radius),
	}, "|")
}

// Views a caller can ask for.
const (
	ViewAnaglyph = "anaglyph"
	ViewLeft     = "left"
	ViewRight    = "right"
	ViewSBS      = "sbs"
)

// Output holds the encoded PNGs of one render.
type Output struct {
	Anaglyph []byte
	Left     []byte
	Right    []byte
	SBS      []byte

	Width, Height         int
	MaxShift              int32
	LeftHoles, RightHoles int
}

// View returns the PNG for a named view.
func (o *Output) View(name string) ([]byte, error) {
	switch name {
	case ViewAnaglyph, "":
		return o.Anaglyph, nil
	case ViewLeft:
		return o.Left, nil
	case ViewRight:
		return o.Right, nil
	case ViewSBS:
		return o.SBS, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownView, name)
}

// Service renders sessions held in an object store.
type Service struct {
	store storage.Store
	cache *lru.Cache[string, *Output]
}

// NewService caches up to size renders; size <= 0 uses DefaultCacheSize.
func NewService(store storage.Store, size int) (*Service, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, *Output](size)
	if err != nil {
		return nil, err
	}
	return &Service{store: store, cache: cache}, nil
}

func cacheKey(sessionID string, p Params) string {
	return sessionID + "|" + p.key()
}

// Render returns the outputs for a session, rendering and storing them on a
// cache miss.
func (s *Service) Render(ctx context.Context, sessionID string, p Params) (*Output, error) {
	opts, err := p.Options()
	if err != nil {
		return nil, err
	}
	key := cacheKey(sessionID, p)
	if out, ok := s.cache.Get(key); ok {
		return out, nil
	}

	src, err := s.loadImage(ctx, storage.Key(sessionID, session.SourceName))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoSource
	} else if err != nil {
		return nil, fmt.Errorf("load source: %w", err)
	}
	img := dibr.FromImage(src)

	dimg, err := s.loadImage(ctx, storage.Key(sessionID, session.DepthName))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrDepthNotReady
	} else if err != nil {
		return nil, fmt.Errorf("load depth: %w", err)
	}
	dm := DepthFor(dimg, img.Width, img.Height)

	out, err := renderOutput(img, dm, opts)
	if err != nil {
		return nil, err
	}
	for name, data := range map[string][]byte{
		session.AnaglyphName: out.Anaglyph,
		session.LeftName:     out.Left,
		session.RightName:    out.Right,
		session.SBSName:      out.SBS,
	} {
		if err := s.store.Put(ctx, storage.Key(sessionID, name), bytes.NewReader(data), "image/png"); err != nil {
			return nil, fmt.Errorf("store %s: %w", name, err)
		}
	}
	s.cache.Add(key, out)
	return out, nil
}

// DepthFor turns a stored depth image into a map matching the source size.
// Maps saved by the depth task already match and are used as stored.
func DepthFor(img image.Image, w, h int) *dibr.DepthMap {
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return depth.DepthMapFromGray16(img)
	}
	r := depth.FromGray(img, w, h)
	return &dibr.DepthMap{Width: r.Width, Height: r.Height, Values: r.Values}
}

func renderOutput(img *dibr.Image, dm *dibr.DepthMap, opts dibr.Options) (*Output, error) {
	res, err := dibr.Render(img, dm, opts)
	if err != nil {
		return nil, err
	}
	sbs, err := dibr.SideBySide(res.Left, res.Right, false)
	if err != nil {
		return nil, err
	}
	out := &Output{
		Width:      img.Width,
		Height:     img.Height,
		MaxShift:   res.Disparity.Max(),
		LeftHoles:  res.LeftHoles,
		RightHoles: res.RightHoles,
	}
	for _, enc := range []struct {
		dst *[]byte
		img *dibr.Image
	}{
		{&out.Anaglyph, res.Anaglyph},
		{&out.Left, res.Left},
		{&out.Right, res.Right},
		{&out.SBS, sbs},
	} {
		if *enc.dst, err = imageio.PNGBytes(enc.img.View()); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Service) loadImage(ctx context.Context, key string) (image.Image, error) {
	rc, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	img, _, err := imageio.Decode(rc, imageio.DefaultMaxPixels)
	return img, err
}

// Forget drops every cached render of a session, for example after a new
// depth map was stored.
func (s *Service) Forget(sessionID string) int {
	n := 0
	prefix := sessionID + "|"
	for _, k := range s.cache.Keys() {
		if strings.HasPrefix(k, prefix) && s.cache.Remove(k) {
			n++
		}
	}
	return n
}

// Cached reports how many renders are held in memory.
func (s *Service) Cached() int { return s.cache.Len() }
