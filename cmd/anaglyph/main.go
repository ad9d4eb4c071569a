// Command anaglyph renders anaglyphs from the command line with the same
// pipeline the server uses.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/alecthomas/kong"
	"golang.org/x/term"

	"github.com/stevecastle/anaglyph/appconfig"
	"github.com/stevecastle/anaglyph/deps"
	"github.com/stevecastle/anaglyph/platform"
)

type cli struct {
	DataDir string `help:"Directory holding config.json and installed models." type:"path" env:"ANAGLYPH_HOME"`
	JSONLog bool   `help:"Log JSON even on a terminal." name:"json-log"`

	Render     renderCmd     `cmd:"" help:"Render an anaglyph and stereo pair from an image and its depth."`
	Flat       flatCmd       `cmd:"" help:"Make an anaglyph from one flat plane shifted by a fixed amount."`
	Depth      depthCmd      `cmd:"" help:"Estimate a depth map."`
	FetchModel fetchModelCmd `cmd:"" name:"fetch-model" help:"Download the depth model and onnxruntime."`
}

// runContext is bound into every command's Run.
type runContext struct {
	ctx context.Context
	cfg appconfig.Config
}

func newLogger(jsonLog bool) *slog.Logger {
	if !jsonLog && term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}

// setup applies the data directory and loads the configuration the server
// would use, then registers the depth model with it.
func (c *cli) setup() (appconfig.Config, error) {
	if c.DataDir != "" {
		os.Setenv(platform.EnvDataDir, c.DataDir)
	}
	cfg, path, err := appconfig.Load()
	if err != nil {
		return cfg, err
	}
	slog.Debug("config loaded", "path", path)
	deps.Register(deps.NewDepthModel(deps.DepthModelOptions{
		ModelPath:   cfg.Depth.ModelPath,
		LibraryPath: cfg.Depth.ORTSharedLibraryPath,
		BundleURL:   cfg.Depth.BundleURL,
	}))
	return cfg, nil
}

func run(args []string) error {
	var c cli
	parser, err := kong.New(&c,
		kong.Name("anaglyph"),
		kong.Description("Depth based red/cyan anaglyphs."),
		kong.UsageOnError(),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(c.JSONLog))

	cfg, err := c.setup()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return kctx.Run(&runContext{ctx: ctx, cfg: cfg})
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("anaglyph failed", "error", err)
		os.Exit(1)
	}
}
