package downloads

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

type entry struct {
	name string
	body string
	mode int64
}

var bundle = []entry{
	{"bundle/model.onnx", "weights", 0644},
	{"bundle/lib/libonnxruntime.so.1.22.0", "elf", 0755},
	{"bundle/README", "hi", 0644},
}

func tarBytes(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		if err := tw.WriteHeader(&tar.Header{Name: e.name, Mode: e.mode, Size: int64(len(e.body)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(tw, e.body); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// writeArchive builds an archive of the given kind under dir and returns its path.
func writeArchive(t *testing.T, dir, kind string, entries []entry) string {
	t.Helper()
	var out bytes.Buffer
	switch kind {
	case KindZip:
		zw := zip.NewWriter(&out)
		for _, e := range entries {
			h := &zip.FileHeader{Name: e.name, Method: zip.Deflate}
			h.SetMode(os.FileMode(e.mode))
			w, err := zw.CreateHeader(h)
			if err != nil {
				t.Fatal(err)
			}
			io.WriteString(w, e.body)
		}
		if err := zw.Close(); err != nil {
			t.Fatal(err)
		}
	case KindTarGz:
		gw := gzip.NewWriter(&out)
		gw.Write(tarBytes(t, entries))
		gw.Close()
	case KindTarXz:
		xw, err := xz.NewWriter(&out)
		if err != nil {
			t.Fatal(err)
		}
		xw.Write(tarBytes(t, entries))
		if err := xw.Close(); err != nil {
			t.Fatal(err)
		}
	case KindTarZst:
		zw, err := zstd.NewWriter(&out)
		if err != nil {
			t.Fatal(err)
		}
		zw.Write(tarBytes(t, entries))
		if err := zw.Close(); err != nil {
			t.Fatal(err)
		}
	default:
		t.Fatalf("no writer for %s", kind)
	}
	p := filepath.Join(dir, "bundle."+kind)
	if err := os.WriteFile(p, out.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestArchiveKind(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"a.zip", KindZip},
		{"A.ZIP", KindZip},
		{"x.7z", Kind7z},
		{"x.tar.gz", KindTarGz},
		{"x.tgz", KindTarGz},
		{"x.tar.xz", KindTarXz},
		{"x.txz", KindTarXz},
		{"x.tar.zst", KindTarZst},
		{"https://host/models/x.tar.zst?download=true", KindTarZst},
	}
	for _, tt := range tests {
		got, err := ArchiveKind(tt.name)
		if err != nil || got != tt.want {
			t.Errorf("ArchiveKind(%q) = %q, %v; want %q", tt.name, got, err, tt.want)
		}
	}
	for _, bad := range []string{"model.onnx", "x.tar", "x.rar", ""} {
		if _, err := ArchiveKind(bad); !errors.Is(err, ErrUnsupportedArchive) {
			t.Errorf("ArchiveKind(%q) error = %v; want ErrUnsupportedArchive", bad, err)
		}
	}
}

func TestExtractArchive(t *testing.T) {
	for _, kind := range []string{KindZip, KindTarGz, KindTarXz, KindTarZst} {
		t.Run(kind, func(t *testing.T) {
			dir := t.TempDir()
			archive := writeArchive(t, dir, kind, bundle)
			dest := filepath.Join(dir, "out")

			var reports int
			err := ExtractArchive(archive, dest, "bundle/", func(Progress) { reports++ })
			if err != nil {
				t.Fatalf("ExtractArchive() error = %v", err)
			}
			if reports == 0 {
				t.Error("no progress reported")
			}
			for _, e := range bundle {
				p := filepath.Join(dest, strings.TrimPrefix(e.name, "bundle/"))
				got, err := os.ReadFile(p)
				if err != nil {
					t.Fatalf("missing %s: %v", p, err)
				}
				if string(got) != e.body {
					t.Errorf("%s = %q; want %q", p, got, e.body)
				}
			}
		})
	}
}

func TestExtractRejectsTraversal(t *testing.T) {
	evil := []entry{{"../../escape.txt", "x", 0644}}
	for _, kind := range []string{KindZip, KindTarGz, KindTarXz, KindTarZst} {
		t.Run(kind, func(t *testing.T) {
			dir := t.TempDir()
			archive := writeArchive(t, dir, kind, evil)
			dest := filepath.Join(dir, "a", "b")
			err := ExtractArchive(archive, dest, "", nil)
			if !errors.Is(err, ErrUnsafePath) {
				t.Fatalf("error = %v; want ErrUnsafePath", err)
			}
			if _, err := os.Stat(filepath.Join(dir, "escape.txt")); err == nil {
				t.Error("file written outside the destination")
			}
		})
	}
}

func TestSafeJoin(t *testing.T) {
	dest := filepath.Join("root", "dest")
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"a/b.txt", filepath.Join(dest, "a", "b.txt"), false},
		{"/abs/file", filepath.Join(dest, "abs", "file"), false},
		{"./x", filepath.Join(dest, "x"), false},
		{"a\\b", filepath.Join(dest, "a", "b"), false},
		{"../x", "", true},
		{"a/../../x", "", true},
		{"..\\x", "", true},
		{"/", "", true},
	}
	for _, tt := range tests {
		got, err := safeJoin(dest, tt.name)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("safeJoin(%q) = %q, %v; want %q (err %v)", tt.name, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestExtractFile(t *testing.T) {
	isLib := func(name string) bool { return strings.Contains(name, "libonnxruntime") }
	for _, kind := range []string{KindZip, KindTarGz, KindTarXz, KindTarZst} {
		t.Run(kind, func(t *testing.T) {
			dir := t.TempDir()
			archive := writeArchive(t, dir, kind, bundle)
			dest := filepath.Join(dir, "lib", "libonnxruntime.so")
			if err := ExtractFile(archive, dest, isLib, nil); err != nil {
				t.Fatalf("ExtractFile() error = %v", err)
			}
			got, _ := os.ReadFile(dest)
			if string(got) != "elf" {
				t.Errorf("extracted %q; want elf", got)
			}
			err := ExtractFile(archive, filepath.Join(dir, "none"), func(string) bool { return false }, nil)
			if !errors.Is(err, ErrNoMatch) {
				t.Errorf("no-match error = %v; want ErrNoMatch", err)
			}
		})
	}
}

func TestExtract7zRejectsGarbage(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.7z")
	os.WriteFile(p, []byte("not a 7z archive"), 0644)
	if err := ExtractArchive(p, t.TempDir(), "", nil); err == nil {
		t.Error("ExtractArchive() accepted a corrupt 7z file")
	}
}
