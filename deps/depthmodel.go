package deps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/stevecastle/anaglyph/downloads"
)

const (
	// DepthModelID is the registry ID of the depth estimator's files.
	DepthModelID = "depth-model"
	// DepthModelVersion names the model the default URL points at.
	DepthModelVersion = "depth-anything-v2-small"
	// DepthModelURL serves the ONNX export of Depth Anything V2 small.
	DepthModelURL = "https://huggingface.co/onnx-community/depth-anything-v2-small/resolve/main/onnx/model.onnx"
	// OnnxRuntimeVersion is the runtime release onnxruntime_go is built against.
	OnnxRuntimeVersion = "1.22.0"
)

// DepthModelOptions locates the model files. Empty URLs use the defaults.
type DepthModelOptions struct {
	ModelPath   string
	LibraryPath string
	ModelURL    string
	RuntimeURL  string
	// BundleURL, when set, is an archive holding the model and optionally the
	// runtime library. It replaces both downloads.
	BundleURL string
}

// NewDepthModel describes the depth estimator's model and runtime library.
func NewDepthModel(opts DepthModelOptions) *Dependency {
	if opts.ModelURL == "" {
		opts.ModelURL = DepthModelURL
	}
	if opts.RuntimeURL == "" {
		opts.RuntimeURL = GetOnnxRuntimeDownloadURL(OnnxRuntimeVersion, runtime.GOARCH)
	}
	dm := &depthModel{opts: opts}
	return &Dependency{
		ID:            DepthModelID,
		Name:          "Depth Anything V2 (small)",
		Description:   "Monocular depth model and the onnxruntime library that runs it",
		TargetDir:     filepath.Dir(opts.ModelPath),
		LatestVersion: DepthModelVersion,
		Check:         dm.check,
		DownloadFn:    dm.download,
	}
}

type depthModel struct {
	opts DepthModelOptions
}

func fileExists(p string) (bool, error) {
	_, err := os.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (d *depthModel) check(ctx context.Context) (bool, string, error) {
	for _, p := range []string{d.opts.ModelPath, d.opts.LibraryPath} {
		ok, err := fileExists(p)
		if err != nil {
			return false, "", fmt.Errorf("error checking %s: %w", p, err)
		}
		if !ok {
			return false, "", nil
		}
	}
	version := DepthModelVersion
	if meta, ok := GetMetadataStore().Get(DepthModelID); ok && meta.InstalledVersion != "" {
		version = meta.InstalledVersion
	}
	return true, version, nil
}

func (d *depthModel) download(ctx context.Context, progress downloads.ProgressCallback) error {
	if progress == nil {
		progress = func(downloads.Progress) {}
	}
	for _, p := range []string{d.opts.ModelPath, d.opts.LibraryPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	version := DepthModelVersion
	if d.opts.BundleURL != "" {
		if err := d.installBundle(ctx, progress); err != nil {
			return err
		}
		version = "bundle:" + path.Base(urlPath(d.opts.BundleURL))
	} else if err := d.installModel(ctx, progress); err != nil {
		return err
	}

	if ok, _ := fileExists(d.opts.LibraryPath); !ok {
		if err := d.installRuntime(ctx, progress); err != nil {
			return err
		}
	}

	now := time.Now()
	metadata := GetMetadataStore()
	metadata.Update(DepthModelID, DependencyMetadata{
		InstalledVersion: version,
		Status:           StatusInstalled,
		InstallPath:      filepath.Dir(d.opts.ModelPath),
		LastChecked:      now,
		LastUpdated:      now,
		Files: map[string]FileInfo{
			"model.onnx":  {Path: d.opts.ModelPath, Size: fileSize(d.opts.ModelPath)},
			"onnxruntime": {Path: d.opts.LibraryPath, Size: fileSize(d.opts.LibraryPath)},
		},
	})
	if err := metadata.Save(); err != nil {
		return fmt.Errorf("failed to save dependency metadata: %w", err)
	}
	return nil
}

// installModel downloads to a .part file so an interrupted fetch never looks installed.
func (d *depthModel) installModel(ctx context.Context, progress downloads.ProgressCallback) error {
	part := d.opts.ModelPath + ".part"
	progress(downloads.Progress{Status: downloads.StatusDownloading, Message: "Downloading depth model..."})
	if err := downloads.DownloadWithRetry(ctx, part, d.opts.ModelURL, downloads.ByteReporter(progress, "model.onnx")); err != nil {
		return fmt.Errorf("failed to download model: %w", err)
	}
	return os.Rename(part, d.opts.ModelPath)
}

func (d *depthModel) installRuntime(ctx context.Context, progress downloads.ProgressCallback) error {
	arch := runtime.GOARCH
	if arch != "amd64" && arch != "arm64" {
		return fmt.Errorf("no onnxruntime build for %s; set depth.ortSharedLibraryPath", arch)
	}
	dir := filepath.Dir(d.opts.LibraryPath)
	archive := filepath.Join(dir, path.Base(urlPath(d.opts.RuntimeURL)))
	defer os.Remove(archive)

	progress(downloads.Progress{Status: downloads.StatusDownloading, Message: "Downloading ONNX Runtime..."})
	if err := downloads.DownloadWithRetry(ctx, archive, d.opts.RuntimeURL, downloads.ByteReporter(progress, "onnxruntime")); err != nil {
		return fmt.Errorf("failed to download onnxruntime: %w", err)
	}
	if err := downloads.ExtractFile(archive, d.opts.LibraryPath, IsOnnxRuntimeLibrary, progress); err != nil {
		return fmt.Errorf("failed to extract onnxruntime: %w", err)
	}
	return nil
}

// installBundle unpacks the archive into a staging directory next to the
// model, then moves the first .onnx file and runtime library into place.
func (d *depthModel) installBundle(ctx context.Context, progress downloads.ProgressCallback) error {
	dir := filepath.Dir(d.opts.ModelPath)
	staging, err := os.MkdirTemp(dir, "bundle-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	archive := filepath.Join(staging, path.Base(urlPath(d.opts.BundleURL)))
	if _, err := downloads.ArchiveKind(archive); err != nil {
		return err
	}
	progress(downloads.Progress{Status: downloads.StatusDownloading, Message: "Downloading model bundle..."})
	if err := downloads.DownloadWithRetry(ctx, archive, d.opts.BundleURL, downloads.ByteReporter(progress, "bundle")); err != nil {
		return fmt.Errorf("failed to download bundle: %w", err)
	}
	out := filepath.Join(staging, "out")
	if err := downloads.ExtractArchive(archive, out, "", progress); err != nil {
		return fmt.Errorf("failed to extract bundle: %w", err)
	}

	var model, lib string
	err = filepath.WalkDir(out, func(p string, e fs.DirEntry, err error) error {
		if err != nil || e.IsDir() {
			return err
		}
		switch {
		case model == "" && strings.EqualFold(filepath.Ext(p), ".onnx"):
			model = p
		case lib == "" && IsOnnxRuntimeLibrary(p):
			lib = p
		}
		return nil
	})
	if err != nil {
		return err
	}
	if model == "" {
		return fmt.Errorf("bundle %s holds no .onnx model", path.Base(archive))
	}
	if err := moveFile(model, d.opts.ModelPath); err != nil {
		return err
	}
	if lib != "" {
		if err := moveFile(lib, d.opts.LibraryPath); err != nil {
			return err
		}
	}
	return nil
}

// moveFile renames, falling back to a copy across filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func fileSize(p string) int64 {
	if st, err := os.Stat(p); err == nil {
		return st.Size()
	}
	return 0
}

func urlPath(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		return u.Path
	}
	return raw
}
