package deps

import (
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/stevecastle/anaglyph/platform"
)

// GetDepsDir returns the installation directory for a dependency below the cache dir.
func GetDepsDir(subdir string) string {
	return filepath.Join(platform.GetCacheDir(), subdir)
}

// GetOnnxRuntimeDownloadURL returns the platform-specific download URL for ONNX Runtime.
func GetOnnxRuntimeDownloadURL(version, arch string) string {
	base := "https://github.com/microsoft/onnxruntime/releases/download/v" + version + "/onnxruntime-"
	switch runtime.GOOS {
	case "windows":
		if arch == "arm64" {
			return base + "win-arm64-" + version + ".zip"
		}
		return base + "win-x64-" + version + ".zip"
	case "darwin":
		if arch == "arm64" {
			return base + "osx-arm64-" + version + ".tgz"
		}
		return base + "osx-x86_64-" + version + ".tgz"
	default: // linux
		if arch == "arm64" {
			return base + "linux-aarch64-" + version + ".tgz"
		}
		return base + "linux-x64-" + version + ".tgz"
	}
}

// IsOnnxRuntimeLibrary matches the main runtime library inside a release
// archive: lib/libonnxruntime.so.1.22.0, lib/libonnxruntime.1.22.0.dylib or
// lib/onnxruntime.dll. Provider plugins are skipped.
func IsOnnxRuntimeLibrary(name string) bool {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	ext := platform.SharedLibExtension()
	if strings.Contains(base, "providers") || !strings.Contains(base, ext) {
		return false
	}
	return strings.HasPrefix(base, "libonnxruntime.") || base == "onnxruntime"+ext
}
