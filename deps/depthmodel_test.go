package deps

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stevecastle/anaglyph/downloads"
	"github.com/stevecastle/anaglyph/platform"
)

func tarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, body := range files {
		tw.WriteHeader(&tar.Header{Name: name, Mode: 0755, Size: int64(len(body)), Typeflag: tar.TypeReg})
		tw.Write([]byte(body))
	}
	tw.Close()
	return buf.Bytes()
}

func gzipped(b []byte) []byte {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	gw.Write(b)
	gw.Close()
	return buf.Bytes()
}

func zstded(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	zw.Write(b)
	zw.Close()
	return buf.Bytes()
}

func serveFiles(t *testing.T, files map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, r.URL.Path, time.Time{}, bytes.NewReader(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func libName() string {
	return "libonnxruntime" + platform.SharedLibExtension()
}

func TestIsOnnxRuntimeLibrary(t *testing.T) {
	ext := platform.SharedLibExtension()
	tests := []struct {
		name string
		want bool
	}{
		{"onnxruntime-x/lib/libonnxruntime" + ext, true},
		{"onnxruntime-x/lib/libonnxruntime" + ext + ".1.22.0", true},
		{"onnxruntime-x/lib/libonnxruntime.1.22.0" + ext, true},
		{"onnxruntime-x\\lib\\onnxruntime" + ext, true},
		{"onnxruntime-x/lib/libonnxruntime_providers_shared" + ext, false},
		{"onnxruntime-x/include/onnxruntime_c_api.h", false},
		{"onnxruntime-x/lib/pkgconfig/libonnxruntime.pc", false},
	}
	for _, tt := range tests {
		if got := IsOnnxRuntimeLibrary(tt.name); got != tt.want {
			t.Errorf("IsOnnxRuntimeLibrary(%q) = %v; want %v", tt.name, got, tt.want)
		}
	}
}

func TestDepthModelDownload(t *testing.T) {
	withMetadata(t)
	srv := serveFiles(t, map[string][]byte{
		"/model.onnx": []byte("onnx-weights"),
		"/onnxruntime-test.tgz": gzipped(tarball(t, map[string]string{
			"onnxruntime-test/lib/" + libName():                                 "runtime",
			"onnxruntime-test/lib/libonnxruntime_providers_shared" + platform.SharedLibExtension(): "plugin",
		})),
	})

	dir := t.TempDir()
	dep := NewDepthModel(DepthModelOptions{
		ModelPath:   filepath.Join(dir, "model", "depth.onnx"),
		LibraryPath: filepath.Join(dir, "ort", libName()),
		ModelURL:    srv.URL + "/model.onnx",
		RuntimeURL:  srv.URL + "/onnxruntime-test.tgz",
	})

	ctx := context.Background()
	if ok, _, err := dep.Check(ctx); ok || err != nil {
		t.Fatalf("Check() before download = %v, %v; want false, nil", ok, err)
	}

	var reports int
	if err := dep.DownloadFn(ctx, func(downloads.Progress) { reports++ }); err != nil {
		t.Fatalf("DownloadFn() error = %v", err)
	}
	if reports == 0 {
		t.Error("no progress reported")
	}
	if b, _ := os.ReadFile(filepath.Join(dir, "model", "depth.onnx")); string(b) != "onnx-weights" {
		t.Errorf("model = %q", b)
	}
	if b, _ := os.ReadFile(filepath.Join(dir, "ort", libName())); string(b) != "runtime" {
		t.Errorf("library = %q; want the main runtime, not a provider", b)
	}
	if _, err := os.Stat(filepath.Join(dir, "model", "depth.onnx.part")); err == nil {
		t.Error(".part file left behind")
	}

	ok, version, err := dep.Check(ctx)
	if !ok || err != nil || version != DepthModelVersion {
		t.Errorf("Check() after download = %v, %q, %v", ok, version, err)
	}
	if p, _ := GetFilePath(DepthModelID, "model.onnx"); p != filepath.Join(dir, "model", "depth.onnx") {
		t.Errorf("recorded model path = %q", p)
	}
}

func TestDepthModelBundle(t *testing.T) {
	withMetadata(t)
	srv := serveFiles(t, map[string][]byte{
		"/packs/depth.tar.zst": zstded(t, tarball(t, map[string]string{
			"pack/README":               "hi",
			"pack/weights/custom.onnx":  "bundled-weights",
			"pack/lib/" + libName():     "bundled-runtime",
		})),
	})

	dir := t.TempDir()
	dep := NewDepthModel(DepthModelOptions{
		ModelPath:   filepath.Join(dir, "depth.onnx"),
		LibraryPath: filepath.Join(dir, "lib", libName()),
		BundleURL:   srv.URL + "/packs/depth.tar.zst",
		RuntimeURL:  srv.URL + "/unused.tgz",
	})
	if err := dep.DownloadFn(context.Background(), nil); err != nil {
		t.Fatalf("DownloadFn() error = %v", err)
	}
	if b, _ := os.ReadFile(filepath.Join(dir, "depth.onnx")); string(b) != "bundled-weights" {
		t.Errorf("model = %q", b)
	}
	if b, _ := os.ReadFile(filepath.Join(dir, "lib", libName())); string(b) != "bundled-runtime" {
		t.Errorf("library = %q", b)
	}
	_, version, _ := dep.Check(context.Background())
	if version != "bundle:depth.tar.zst" {
		t.Errorf("version = %q", version)
	}
	// staging directory removed
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if e.IsDir() && e.Name() != "lib" {
			t.Errorf("leftover directory %s", e.Name())
		}
	}
}

func TestDepthModelBundleWithoutModel(t *testing.T) {
	withMetadata(t)
	srv := serveFiles(t, map[string][]byte{
		"/empty.tar.gz": gzipped(tarball(t, map[string]string{"README": "nothing"})),
	})
	dir := t.TempDir()
	dep := NewDepthModel(DepthModelOptions{
		ModelPath:   filepath.Join(dir, "depth.onnx"),
		LibraryPath: filepath.Join(dir, libName()),
		BundleURL:   srv.URL + "/empty.tar.gz",
	})
	if err := dep.DownloadFn(context.Background(), nil); err == nil {
		t.Fatal("bundle without a model installed successfully")
	}
}
