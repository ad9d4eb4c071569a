//go:build darwin
// +build darwin

package platform

import (
	"os"
	"path/filepath"
)

func getDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, "Library", "Application Support", AppDisplayName)
}

func getTempDir() string {
	if tmp := os.Getenv("TMPDIR"); tmp != "" {
		return filepath.Join(tmp, AppName)
	}
	return filepath.Join("/tmp", AppName)
}

func getCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, "Library", "Caches", AppDisplayName)
}

func sharedLibExtension() string {
	return ".dylib"
}
