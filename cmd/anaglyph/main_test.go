package main

import (
	"image"
	"image/color"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stevecastle/anaglyph/imageio"
)

func writeTestImages(t *testing.T, dir string, w, h int) (photo, depthMap string) {
	t.Helper()
	src := image.NewRGBA(image.Rect(0, 0, w, h))
	dm := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			src.Set(x, y, color.RGBA{uint8(10 * x), uint8(10 * y), 200, 255})
			dm.SetGray(x, y, color.Gray{Y: uint8(255 * x / (w - 1))})
		}
	}
	photo, depthMap = filepath.Join(dir, "photo.png"), filepath.Join(dir, "depth.png")
	if err := imageio.SaveFile(photo, src); err != nil {
		t.Fatal(err)
	}
	if err := imageio.SaveFile(depthMap, dm); err != nil {
		t.Fatal(err)
	}
	return photo, depthMap
}

func assertSize(t *testing.T, path string, w, h int) {
	t.Helper()
	img, err := imageio.LoadFile(path)
	if err != nil {
		t.Fatalf("load %s: %v", path, err)
	}
	if b := img.Bounds(); b.Dx() != w || b.Dy() != h {
		t.Errorf("%s is %dx%d; want %dx%d", filepath.Base(path), b.Dx(), b.Dy(), w, h)
	}
}

func TestRenderCommand(t *testing.T) {
	dir := t.TempDir()
	photo, depthMap := writeTestImages(t, dir, 12, 8)
	out := filepath.Join(dir, "out")

	err := run([]string{"--data-dir", filepath.Join(dir, "home"), "--json-log",
		"render", "--image", photo, "--depth", depthMap, "--out-dir", out,
		"--max-disparity", "30", "--pop-out", "--fill", "pushpull", "--sbs"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, name := range []string{"anaglyph.png", "left.png", "right.png"} {
		assertSize(t, filepath.Join(out, name), 12, 8)
	}
	assertSize(t, filepath.Join(out, "sbs.png"), 24, 8)
}

func TestRenderCommandEstimatesDepth(t *testing.T) {
	dir := t.TempDir()
	photo, _ := writeTestImages(t, dir, 10, 6)
	out := filepath.Join(dir, "out")

	err := run([]string{"--data-dir", filepath.Join(dir, "home"), "--json-log",
		"render", "--image", photo, "--estimator", "luminance", "--out-dir", out})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	assertSize(t, filepath.Join(out, "anaglyph.png"), 10, 6)
}

func TestRenderCommandRejectsFlags(t *testing.T) {
	dir := t.TempDir()
	photo, depthMap := writeTestImages(t, dir, 4, 4)
	home := filepath.Join(dir, "home")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"cross without sbs", []string{"--cross"}, "--cross needs --sbs"},
		{"negative disparity", []string{"--max-disparity=-5"}, "is negative"},
		{"unknown fill", []string{"--fill", "median"}, "unknown fill strategy"},
		{"unknown mode", []string{"--mode", "green"}, "unsupported anaglyph mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--data-dir", home, "--json-log", "render", "--image", photo, "--depth", depthMap, "--out-dir", dir}, tt.args...)
			err := run(args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run() error = %v; want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestRenderCommandAllowsLargeDisparity(t *testing.T) {
	dir := t.TempDir()
	photo, depthMap := writeTestImages(t, dir, 6, 4)
	out := filepath.Join(dir, "out")

	err := run([]string{"--data-dir", filepath.Join(dir, "home"), "--json-log",
		"render", "--image", photo, "--depth", depthMap, "--out-dir", out, "--max-disparity", "120"})
	if err != nil {
		t.Fatalf("render --max-disparity 120: %v", err)
	}
	assertSize(t, filepath.Join(out, "anaglyph.png"), 6, 4)
}

func TestFlatCommand(t *testing.T) {
	dir := t.TempDir()
	photo, _ := writeTestImages(t, dir, 9, 5)
	out := filepath.Join(dir, "flat.png")

	if err := run([]string{"--data-dir", filepath.Join(dir, "home"), "--json-log",
		"flat", "--image", photo, "--out", out, "--shift", "3", "--mode", "optimised_rr"}); err != nil {
		t.Fatalf("flat: %v", err)
	}
	assertSize(t, out, 9, 5)

	if err := run([]string{"--data-dir", filepath.Join(dir, "home"), "--json-log",
		"flat", "--image", photo, "--shift=-2"}); err == nil {
		t.Error("negative shift should be rejected")
	}
}

func TestDepthCommand(t *testing.T) {
	dir := t.TempDir()
	photo, _ := writeTestImages(t, dir, 7, 5)

	grey := filepath.Join(dir, "grey.png")
	if err := run([]string{"--data-dir", filepath.Join(dir, "home"), "--json-log",
		"depth", "--image", photo, "--estimator", "luminance", "--out", grey}); err != nil {
		t.Fatalf("depth: %v", err)
	}
	img, err := imageio.LoadFile(grey)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := img.(*image.Gray16); !ok {
		t.Errorf("depth output is %T; want 16-bit grey", img)
	}

	coloured := filepath.Join(dir, "jet.png")
	if err := run([]string{"--data-dir", filepath.Join(dir, "home"), "--json-log",
		"depth", "--image", photo, "--estimator", "luminance", "--colour", "--out", coloured}); err != nil {
		t.Fatalf("depth --colour: %v", err)
	}
	assertSize(t, coloured, 7, 5)

	if err := run([]string{"--data-dir", filepath.Join(dir, "home"), "--json-log",
		"depth", "--image", photo, "--estimator", "sonar"}); err == nil {
		t.Error("unknown estimator should fail")
	}
}

func TestFetchModelUnknown(t *testing.T) {
	dir := t.TempDir()
	err := run([]string{"--data-dir", dir, "--json-log", "fetch-model", "--id", "nope"})
	if err == nil || !strings.Contains(err.Error(), "unknown dependency") {
		t.Errorf("fetch-model --id nope = %v; want unknown dependency", err)
	}
}
