package imageio

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"path/filepath"
	"strings"
	"testing"
)

func sample(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 9, 255})
		}
	}
	return img
}

func TestDecodePNG(t *testing.T) {
	data, err := PNGBytes(sample(5, 4))
	if err != nil {
		t.Fatal(err)
	}
	img, format, err := Decode(bytes.NewReader(data), 0)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if format != "png" || img.Bounds().Dx() != 5 || img.Bounds().Dy() != 4 {
		t.Errorf("Decode() = %s %v", format, img.Bounds())
	}
}

func TestDecodeLimits(t *testing.T) {
	data, _ := PNGBytes(sample(10, 10))
	if _, _, err := Decode(bytes.NewReader(data), 99); !errors.Is(err, ErrTooLarge) {
		t.Errorf("error = %v; want ErrTooLarge", err)
	}
	if _, _, err := Decode(strings.NewReader("not an image"), 0); !errors.Is(err, ErrUnsupported) {
		t.Errorf("error = %v; want ErrUnsupported", err)
	}
}

func TestSaveAndLoadFile(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.png", "nested/b.jpg"} {
		path := filepath.Join(dir, name)
		if err := SaveFile(path, sample(8, 8)); err != nil {
			t.Fatalf("SaveFile(%s) error = %v", name, err)
		}
		img, err := LoadFile(path)
		if err != nil {
			t.Fatalf("LoadFile(%s) error = %v", name, err)
		}
		if img.Bounds().Dx() != 8 {
			t.Errorf("%s width = %d", name, img.Bounds().Dx())
		}
	}
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"x.PNG":  "image/png",
		"x.jpeg": "image/jpeg",
		"x.webp": "image/webp",
		"x":      "image/png",
	}
	for in, want := range tests {
		if got := ContentType(in); got != want {
			t.Errorf("ContentType(%q) = %q; want %q", in, got, want)
		}
	}
}
