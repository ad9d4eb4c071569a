// Package platform resolves per-OS directories for configuration, the
// session database and downloaded depth models.
package platform

import (
	"os"
	"path/filepath"
)

// AppName is used for directory naming.
const AppName = "anaglyph"

// AppDisplayName is used where the OS convention is a human readable folder.
const AppDisplayName = "Anaglyph"

// EnvDataDir overrides every directory below when set. Containers and tests use it.
const EnvDataDir = "ANAGLYPH_HOME"

// GetDataDir returns the application data directory (config.json, anaglyph.db, outputs).
// Windows: %APPDATA%\Anaglyph
// macOS: ~/Library/Application Support/Anaglyph
// Linux: $XDG_DATA_HOME/anaglyph or ~/.local/share/anaglyph
func GetDataDir() string {
	if d := os.Getenv(EnvDataDir); d != "" {
		return d
	}
	return getDataDir()
}

// GetTempDir returns a scratch directory for partial downloads.
func GetTempDir() string {
	if d := os.Getenv(EnvDataDir); d != "" {
		return filepath.Join(d, "tmp")
	}
	return getTempDir()
}

// GetCacheDir returns the directory depth models and the onnxruntime library are downloaded into.
func GetCacheDir() string {
	if d := os.Getenv(EnvDataDir); d != "" {
		return filepath.Join(d, "cache")
	}
	return getCacheDir()
}

// SharedLibExtension returns ".dll", ".dylib" or ".so".
func SharedLibExtension() string {
	return sharedLibExtension()
}
