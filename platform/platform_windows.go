//go:build windows
// +build windows

package platform

import (
	"os"
	"path/filepath"
)

func getDataDir() string {
	appData := os.Getenv("APPDATA")
	if appData == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		return filepath.Join(home, "."+AppName)
	}
	return filepath.Join(appData, AppDisplayName)
}

func getTempDir() string {
	return filepath.Join(os.TempDir(), AppDisplayName)
}

func getCacheDir() string {
	// cache and data share a folder on Windows
	return getDataDir()
}

func sharedLibExtension() string {
	return ".dll"
}
