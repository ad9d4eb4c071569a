package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

func readAll(t *testing.T, s Store, key string) string {
	t.Helper()
	rc, err := s.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%q) error = %v", key, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestLocalPutGet(t *testing.T) {
	ctx := context.Background()
	l := NewLocalFs(afero.NewMemMapFs())

	if err := l.Put(ctx, "s1/left.png", strings.NewReader("left"), "image/png"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if got := readAll(t, l, "s1/left.png"); got != "left" {
		t.Errorf("Get() = %q; want %q", got, "left")
	}

	// overwrite
	if err := l.Put(ctx, "s1/left.png", strings.NewReader("again"), ""); err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, l, "s1/left.png"); got != "again" {
		t.Errorf("Get() after overwrite = %q", got)
	}

	if _, err := l.Get(ctx, "s1/missing.png"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v; want ErrNotFound", err)
	}
	if err := l.Put(ctx, "../escape", strings.NewReader("x"), ""); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Put(../escape) error = %v; want ErrInvalidKey", err)
	}
}

func TestLocalDeletePrefix(t *testing.T) {
	ctx := context.Background()
	l := NewLocalFs(afero.NewMemMapFs())
	for _, k := range []string{"a/source.png", "a/depth.png", "a/out/left.png", "b/source.png"} {
		if err := l.Put(ctx, k, strings.NewReader(k), ""); err != nil {
			t.Fatal(err)
		}
	}

	n, err := l.DeletePrefix(ctx, "a")
	if err != nil {
		t.Fatalf("DeletePrefix() error = %v", err)
	}
	if n != 3 {
		t.Errorf("DeletePrefix() = %d; want 3", n)
	}
	if _, err := l.Get(ctx, "a/source.png"); !errors.Is(err, ErrNotFound) {
		t.Errorf("a/source.png still present: %v", err)
	}
	if got := readAll(t, l, "b/source.png"); got != "b/source.png" {
		t.Errorf("other session touched: %q", got)
	}

	n, err = l.DeletePrefix(ctx, "a")
	if err != nil || n != 0 {
		t.Errorf("second DeletePrefix() = %d, %v; want 0, nil", n, err)
	}
}

func TestNewLocalWritesUnderRoot(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLocal(filepath.Join(dir, "out"))
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Put(context.Background(), "s/x.png", strings.NewReader("x"), ""); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "out", "s", "x.png"))
	if err != nil {
		t.Fatalf("file not on disk: %v", err)
	}
	if string(b) != "x" {
		t.Errorf("disk content = %q", b)
	}
	if _, err := os.Stat(filepath.Join(dir, "out", "s", "x.png.part")); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}
}
