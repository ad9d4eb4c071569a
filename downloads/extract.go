package downloads

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

var (
	// ErrUnsafePath is returned for archive entries that would land outside destDir.
	ErrUnsafePath = errors.New("archive entry escapes destination")
	// ErrNoMatch is returned when ExtractFile finds nothing to extract.
	ErrNoMatch = errors.New("no matching file found in archive")
	// ErrUnsupportedArchive is returned for file names ArchiveKind does not recognise.
	ErrUnsupportedArchive = errors.New("unsupported archive format")
)

// Archive formats understood by ExtractArchive and ExtractFile.
const (
	KindZip    = "zip"
	Kind7z     = "7z"
	KindTarGz  = "tar.gz"
	KindTarXz  = "tar.xz"
	KindTarZst = "tar.zst"
)

// ArchiveKind infers the archive format from a file name or URL path.
func ArchiveKind(name string) (string, error) {
	lower := strings.ToLower(name)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return KindZip, nil
	case strings.HasSuffix(lower, ".7z"):
		return Kind7z, nil
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return KindTarGz, nil
	case strings.HasSuffix(lower, ".tar.xz"), strings.HasSuffix(lower, ".txz"):
		return KindTarXz, nil
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return KindTarZst, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedArchive, name)
}

// ExtractArchive unpacks archivePath into destDir, picking the format from
// the file name. Entries starting with stripPrefix have it removed.
func ExtractArchive(archivePath, destDir, stripPrefix string, progressCb ProgressCallback) error {
	kind, err := ArchiveKind(archivePath)
	if err != nil {
		return err
	}
	switch kind {
	case KindZip:
		return ExtractZip(archivePath, destDir, stripPrefix, progressCb)
	case Kind7z:
		return Extract7z(archivePath, destDir, stripPrefix, progressCb)
	default:
		return extractTar(archivePath, kind, destDir, stripPrefix, progressCb)
	}
}

// safeJoin joins an archive entry name onto destDir and rejects names that
// climb out of it.
func safeJoin(destDir, name string) (string, error) {
	slashed := strings.ReplaceAll(name, "\\", "/")
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
		}
	}
	clean := path.Clean("/" + slashed)
	if clean == "/" {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return filepath.Join(destDir, filepath.FromSlash(clean[1:])), nil
}

func stripName(name, prefix string) string {
	if prefix != "" && strings.HasPrefix(name, prefix) {
		return strings.TrimPrefix(name, prefix)
	}
	return name
}

// writeFile copies r to destPath, creating parent directories. Executable
// bits from the archive are kept.
func writeFile(destPath string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("failed to extract %s: %w", filepath.Base(destPath), err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	if mode&0111 != 0 {
		// best effort; windows ignores it
		_ = os.Chmod(destPath, 0755)
	}
	return nil
}

func reportExtract(cb ProgressCallback, i, total int) {
	if cb != nil && i%10 == 0 {
		cb(Progress{
			Status:  StatusExtracting,
			Message: fmt.Sprintf("Extracting %d/%d files...", i+1, total),
		})
	}
}

// ExtractZip extracts a ZIP archive to the destination directory.
// If stripPrefix is provided, it removes that prefix from extracted file paths.
func ExtractZip(archivePath, destDir string, stripPrefix string, progressCb ProgressCallback) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open zip archive: %w", err)
	}
	defer reader.Close()

	for i, file := range reader.File {
		reportExtract(progressCb, i, len(reader.File))
		name := stripName(file.Name, stripPrefix)
		if name == "" || file.FileInfo().IsDir() {
			continue
		}
		destPath, err := safeJoin(destDir, name)
		if err != nil {
			return err
		}
		if err := extractZipFile(file, destPath); err != nil {
			return err
		}
	}
	return nil
}

func extractZipFile(file *zip.File, destPath string) error {
	rc, err := file.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s in archive: %w", file.Name, err)
	}
	defer rc.Close()
	return writeFile(destPath, rc, file.Mode())
}

// Extract7z extracts a 7z archive to the destination directory.
// If stripPrefix is provided, it removes that prefix from extracted file paths.
func Extract7z(archivePath, destDir string, stripPrefix string, progressCb ProgressCallback) error {
	reader, err := sevenzip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open 7z archive: %w", err)
	}
	defer reader.Close()

	for i, file := range reader.File {
		reportExtract(progressCb, i, len(reader.File))
		name := stripName(file.Name, stripPrefix)
		if name == "" {
			continue
		}
		destPath, err := safeJoin(destDir, name)
		if err != nil {
			return err
		}
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(destPath, 0755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			continue
		}
		if err := extract7zFile(file, destPath); err != nil {
			return err
		}
	}
	return nil
}

func extract7zFile(file *sevenzip.File, destPath string) error {
	rc, err := file.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s in archive: %w", file.Name, err)
	}
	defer rc.Close()
	return writeFile(destPath, rc, file.Mode())
}

// openTar opens a compressed tarball. The returned close function releases
// both the decompressor and the file.
func openTar(archivePath, kind string) (*tar.Reader, func(), error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open archive: %w", err)
	}
	switch kind {
	case KindTarGz:
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return tar.NewReader(gz), func() { gz.Close(); f.Close() }, nil
	case KindTarXz:
		xr, err := xz.NewReader(bufio.NewReader(f))
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("failed to create xz reader: %w", err)
		}
		return tar.NewReader(xr), func() { f.Close() }, nil
	case KindTarZst:
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		return tar.NewReader(zr), func() { zr.Close(); f.Close() }, nil
	}
	f.Close()
	return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedArchive, kind)
}

func extractTar(archivePath, kind, destDir, stripPrefix string, progressCb ProgressCallback) error {
	if progressCb != nil {
		progressCb(Progress{
			Status:  StatusExtracting,
			Message: fmt.Sprintf("Extracting %s archive...", kind),
		})
	}
	tr, closeFn, err := openTar(archivePath, kind)
	if err != nil {
		return err
	}
	defer closeFn()

	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar: %w", err)
		}
		name := stripName(header.Name, stripPrefix)
		if name == "" {
			continue
		}
		switch header.Typeflag {
		case tar.TypeDir:
			destPath, err := safeJoin(destDir, name)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(destPath, 0755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			destPath, err := safeJoin(destDir, name)
			if err != nil {
				return err
			}
			if err := writeFile(destPath, tr, os.FileMode(header.Mode)); err != nil {
				return err
			}
		}
		// links are skipped; the libraries we unpack ship a regular file
	}
}

// ExtractTarGz extracts a tar.gz archive.
func ExtractTarGz(archivePath, destDir string, progressCb ProgressCallback) error {
	return extractTar(archivePath, KindTarGz, destDir, "", progressCb)
}

// ExtractTarXz extracts a tar.xz archive. stripPrefix works like ExtractZip's.
func ExtractTarXz(archivePath, destDir, stripPrefix string, progressCb ProgressCallback) error {
	return extractTar(archivePath, KindTarXz, destDir, stripPrefix, progressCb)
}

// ExtractTarZst extracts a tar.zst archive.
func ExtractTarZst(archivePath, destDir, stripPrefix string, progressCb ProgressCallback) error {
	return extractTar(archivePath, KindTarZst, destDir, stripPrefix, progressCb)
}

// ExtractFile copies the first regular file whose archive name satisfies
// matchFunc to destPath.
func ExtractFile(archivePath, destPath string, matchFunc func(name string) bool, progressCb ProgressCallback) error {
	if progressCb != nil {
		progressCb(Progress{
			Status:  StatusExtracting,
			Message: "Searching archive...",
		})
	}
	found := func(name string) {
		if progressCb != nil {
			progressCb(Progress{
				Status:  StatusExtracting,
				Message: fmt.Sprintf("Extracting %s...", path.Base(name)),
			})
		}
	}

	kind, err := ArchiveKind(archivePath)
	if err != nil {
		return err
	}
	switch kind {
	case KindZip:
		reader, err := zip.OpenReader(archivePath)
		if err != nil {
			return fmt.Errorf("failed to open zip archive: %w", err)
		}
		defer reader.Close()
		for _, file := range reader.File {
			if file.FileInfo().IsDir() || !matchFunc(file.Name) {
				continue
			}
			found(file.Name)
			return extractZipFile(file, destPath)
		}
	case Kind7z:
		reader, err := sevenzip.OpenReader(archivePath)
		if err != nil {
			return fmt.Errorf("failed to open 7z archive: %w", err)
		}
		defer reader.Close()
		for _, file := range reader.File {
			if file.FileInfo().IsDir() || !matchFunc(file.Name) {
				continue
			}
			found(file.Name)
			return extract7zFile(file, destPath)
		}
	default:
		tr, closeFn, err := openTar(archivePath, kind)
		if err != nil {
			return err
		}
		defer closeFn()
		for {
			header, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("failed to read tar: %w", err)
			}
			if header.Typeflag != tar.TypeReg || !matchFunc(header.Name) {
				continue
			}
			found(header.Name)
			return writeFile(destPath, tr, os.FileMode(header.Mode))
		}
	}
	return ErrNoMatch
}
