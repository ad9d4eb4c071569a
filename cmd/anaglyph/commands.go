package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"

	"github.com/stevecastle/anaglyph/appconfig"
	"github.com/stevecastle/anaglyph/deps"
	"github.com/stevecastle/anaglyph/depth"
	"github.com/stevecastle/anaglyph/dibr"
	"github.com/stevecastle/anaglyph/downloads"
	"github.com/stevecastle/anaglyph/imageio"
	"github.com/stevecastle/anaglyph/stereo"
)

type renderCmd struct {
	Image     string  `help:"Source image." required:"" type:"existingfile"`
	Depth     string  `help:"Greyscale depth map, brighter is nearer. Estimated when empty." type:"existingfile"`
	Estimator string  `help:"Estimator to use without --depth: onnx or luminance. Defaults to the configured one."`
	OutDir    string  `help:"Output directory." default:"." type:"path"`
	PopOut    bool    `help:"Bring near objects in front of the screen."`
	MaxDisp   float64 `help:"Maximum disparity as a percentage of the width." name:"max-disparity" default:"-1"` // -1 keeps the configured value
	Mode      string  `help:"Anaglyph mode: pure or optimised_rr."`
	Fill      string  `help:"Hole fill: scanline, pushpull or telea."`
	Radius    int     `help:"Inpaint radius for telea."`
	SBS       bool    `help:"Also write a side-by-side pair." name:"sbs"`
	Cross     bool    `help:"Swap the side-by-side halves for cross-eyed viewing."`
}

func (c *renderCmd) Validate(kctx *kong.Context) error {
	if c.MaxDisp < 0 && c.MaxDisp != -1 {
		return fmt.Errorf("--max-disparity %v is negative", c.MaxDisp)
	}
	if c.Cross && !c.SBS {
		return errors.New("--cross needs --sbs")
	}
	return nil
}

// params overlays the flags on the configured render defaults.
func (c *renderCmd) params(def appconfig.RenderConfig) stereo.Params {
	p := stereo.DefaultParams(def)
	if c.PopOut {
		p.PopOut = true
	}
	if c.MaxDisp >= 0 {
		p.MaxDisparityPct = c.MaxDisp
	}
	if c.Mode != "" {
		p.Mode = c.Mode
	}
	if c.Fill != "" {
		p.Fill = c.Fill
	}
	if c.Radius != 0 {
		p.InpaintRadius = c.Radius
	}
	return p
}

func (c *renderCmd) Run(rc *runContext) error {
	p := c.params(rc.cfg.Render)
	opts, err := p.Options()
	if err != nil {
		return err
	}
	if p.MaxDisparityPct > 100 {
		slog.Warn("max disparity above 100% of the width is hard to fuse", "max_disparity", p.MaxDisparityPct)
	}
	img, err := imageio.LoadFile(c.Image)
	if err != nil {
		return err
	}
	b := img.Bounds()

	var dm *dibr.DepthMap
	if c.Depth != "" {
		dimg, err := imageio.LoadFile(c.Depth)
		if err != nil {
			return err
		}
		if dm, err = depth.Normalize(depth.FromGray(dimg, b.Dx(), b.Dy())); err != nil {
			return fmt.Errorf("%s: %w", c.Depth, err)
		}
	} else if dm, err = estimate(rc.ctx, rc.cfg.Depth, c.Estimator, img); err != nil {
		return err
	}

	start := time.Now()
	res, err := dibr.Render(dibr.FromImage(img), dm, opts)
	if err != nil {
		return err
	}
	slog.Info("rendered",
		"image", c.Image,
		"size", fmt.Sprintf("%dx%d", b.Dx(), b.Dy()),
		"max_shift", res.Disparity.Max(),
		"left_holes", res.LeftHoles,
		"right_holes", res.RightHoles,
		"took", time.Since(start).Round(time.Millisecond),
	)

	outputs := []struct {
		name string
		img  image.Image
	}{
		{"anaglyph.png", res.Anaglyph.View()},
		{"left.png", res.Left.View()},
		{"right.png", res.Right.View()},
	}
	if c.SBS {
		sbs, err := dibr.SideBySide(res.Left, res.Right, c.Cross)
		if err != nil {
			return err
		}
		outputs = append(outputs, struct {
			name string
			img  image.Image
		}{"sbs.png", sbs.View()})
	}
	for _, o := range outputs {
		if err := save(filepath.Join(c.OutDir, o.name), o.img); err != nil {
			return err
		}
	}
	return nil
}

type flatCmd struct {
	Image  string `help:"Source image." required:"" type:"existingfile"`
	Out    string `help:"Output file." default:"anaglyph.png" type:"path"`
	Shift  int    `help:"Shift in pixels." default:"10"`
	PopOut bool   `help:"Float the plane in front of the screen."`
	Mode   string `help:"Anaglyph mode: pure or optimised_rr." default:"pure"`
}

func (c *flatCmd) Validate(kctx *kong.Context) error {
	if c.Shift < 0 {
		return fmt.Errorf("--shift %d is negative", c.Shift)
	}
	return nil
}

func (c *flatCmd) Run(rc *runContext) error {
	mode, err := dibr.ParseMode(c.Mode)
	if err != nil {
		return err
	}
	img, err := imageio.LoadFile(c.Image)
	if err != nil {
		return err
	}
	left, right, err := dibr.FlatStereo(dibr.FromImage(img), c.Shift, c.PopOut)
	if err != nil {
		return err
	}
	out, err := dibr.Composite(left, right, mode)
	if err != nil {
		return err
	}
	return save(c.Out, out.View())
}

type depthCmd struct {
	Image     string `help:"Source image." required:"" type:"existingfile"`
	Out       string `help:"Output file." default:"depth.png" type:"path"`
	Estimator string `help:"onnx or luminance. Defaults to the configured one."`
	Colour    bool   `help:"Write a JET coloured preview instead of 16-bit grey." aliases:"color"`
}

func (c *depthCmd) Run(rc *runContext) error {
	img, err := imageio.LoadFile(c.Image)
	if err != nil {
		return err
	}
	dm, err := estimate(rc.ctx, rc.cfg.Depth, c.Estimator, img)
	if err != nil {
		return err
	}
	if c.Colour {
		return save(c.Out, depth.Colorize(dm))
	}
	return save(c.Out, depth.ToGray16(dm))
}

type fetchModelCmd struct {
	ID    string `help:"Dependency to install." default:"depth-model"`
	Force bool   `help:"Download even when already installed."`
}

func (c *fetchModelCmd) Run(rc *runContext) error {
	dep, ok := deps.Get(c.ID)
	if !ok {
		return fmt.Errorf("%w: %s", deps.ErrUnknownDependency, c.ID)
	}
	if !c.Force {
		if exists, version, err := dep.Check(rc.ctx); err == nil && exists {
			slog.Info("already installed", "dependency", dep.Name, "version", version)
			return nil
		}
	}

	metadata := deps.GetMetadataStore()
	metadata.UpdateStatus(dep.ID, deps.StatusDownloading)
	manager := downloads.NewDownloadManager(nil)
	err := manager.Install(rc.ctx, dep.ID, dep.Name, func(ctx context.Context, progress downloads.ProgressCallback) error {
		return dep.DownloadFn(ctx, logProgress(progress))
	})
	if err != nil {
		metadata.UpdateStatus(dep.ID, deps.StatusNotInstalled)
	} else {
		metadata.UpdateStatus(dep.ID, deps.StatusInstalled)
		slog.Info("installed", "dependency", dep.Name)
	}
	if serr := metadata.Save(); serr != nil {
		slog.Warn("could not save dependency metadata", "error", serr)
	}
	return err
}

// logProgress logs status changes and every tenth percent.
func logProgress(next downloads.ProgressCallback) downloads.ProgressCallback {
	var lastStatus downloads.DownloadStatus
	lastBucket := -1
	return func(p downloads.Progress) {
		next(p)
		bucket := int(p.Percent / 10)
		if p.Status == lastStatus && bucket == lastBucket {
			return
		}
		lastStatus, lastBucket = p.Status, bucket
		attrs := []any{"status", p.Status, "percent", int(p.Percent)}
		if p.TotalBytes > 0 {
			attrs = append(attrs, "size", humanize.IBytes(uint64(p.TotalBytes)))
		}
		slog.Info(p.Message, attrs...)
	}
}

// estimate runs the named estimator, or the configured one when kind is
// empty, and normalises its output.
func estimate(ctx context.Context, cfg appconfig.DepthConfig, kind string, img image.Image) (*dibr.DepthMap, error) {
	if kind == "" {
		kind = cfg.Estimator
	}
	if kind == "onnx" {
		if err := deps.EnsureAvailable(ctx, deps.DepthModelID); err != nil {
			return nil, fmt.Errorf("%w (run `anaglyph fetch-model` or use --estimator luminance)", err)
		}
	}
	opts := depth.DefaultOptions()
	opts.ModelPath = cfg.ModelPath
	opts.ORTSharedLibraryPath = cfg.ORTSharedLibraryPath
	if cfg.InputSize > 0 {
		opts.InputSize = cfg.InputSize
	}
	est, err := depth.NewEstimator(kind, opts)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	raw, err := est.Estimate(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("estimate depth: %w", err)
	}
	slog.Info("depth estimated", "estimator", kind, "took", time.Since(start).Round(time.Millisecond))
	return depth.Normalize(raw)
}

func save(path string, img image.Image) error {
	if err := imageio.SaveFile(path, img); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	slog.Info("wrote", "file", path, "size", fmt.Sprintf("%dx%d", img.Bounds().Dx(), img.Bounds().Dy()))
	return nil
}
