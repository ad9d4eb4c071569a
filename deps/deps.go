// Package deps tracks the external files the depth estimator needs (the ONNX
// model and the onnxruntime shared library) and knows how to fetch them.
package deps

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/stevecastle/anaglyph/downloads"
)

// DependencyStatus represents the current state of a dependency.
type DependencyStatus string

const (
	StatusNotInstalled DependencyStatus = "not_installed"
	StatusInstalled    DependencyStatus = "installed"
	StatusOutdated     DependencyStatus = "outdated"
	StatusDownloading  DependencyStatus = "downloading"
)

var (
	// ErrUnknownDependency is returned for IDs nothing registered.
	ErrUnknownDependency = errors.New("unknown dependency")
	// ErrNotInstalled is returned by EnsureAvailable when Check finds nothing.
	ErrNotInstalled = errors.New("dependency not installed")
)

// Dependency represents an external dependency that can be checked and downloaded.
type Dependency struct {
	ID            string
	Name          string
	Description   string
	TargetDir     string // Base directory for installation
	LatestVersion string

	// Optional dependencies do not count as missing.
	Optional bool

	// Check verifies the dependency exists and returns its version.
	Check func(ctx context.Context) (exists bool, version string, err error)

	// DownloadFn downloads and installs the dependency.
	DownloadFn func(ctx context.Context, progress downloads.ProgressCallback) error
}

// DependencyRegistry stores all registered dependencies.
type DependencyRegistry map[string]*Dependency

var (
	registry DependencyRegistry = make(DependencyRegistry)
	mu       sync.RWMutex
)

// Register adds a dependency to the global registry, replacing any with the same ID.
func Register(dep *Dependency) {
	mu.Lock()
	defer mu.Unlock()
	registry[dep.ID] = dep
}

// GetAll returns all registered dependencies ordered by ID.
func GetAll() []*Dependency {
	mu.RLock()
	defer mu.RUnlock()

	deps := make([]*Dependency, 0, len(registry))
	for _, d := range registry {
		deps = append(deps, d)
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].ID < deps[j].ID })
	return deps
}

// Get retrieves a dependency by its ID.
func Get(id string) (*Dependency, bool) {
	mu.RLock()
	defer mu.RUnlock()

	dep, ok := registry[id]
	return dep, ok
}

// EnsureAvailable returns nil when the dependency is installed and an error
// wrapping ErrNotInstalled when it is not.
func EnsureAvailable(ctx context.Context, depID string) error {
	dep, ok := Get(depID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDependency, depID)
	}

	exists, _, err := dep.Check(ctx)
	if err != nil {
		return fmt.Errorf("failed to check dependency %s: %w", depID, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s; run the fetch-model job", ErrNotInstalled, dep.Name)
	}
	return nil
}

// GetFilePath returns the path of fileName inside a dependency. Paths
// recorded at install time win over the dependency's target directory.
func GetFilePath(depID, fileName string) (string, error) {
	meta, ok := GetMetadataStore().Get(depID)
	if ok && meta.Files != nil {
		if fileInfo, exists := meta.Files[fileName]; exists && fileInfo.Path != "" {
			return fileInfo.Path, nil
		}
	}

	dep, ok := Get(depID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownDependency, depID)
	}
	return filepath.Join(dep.TargetDir, fileName), nil
}

// GetInstallPath retrieves the base installation directory for a dependency.
func GetInstallPath(depID string) (string, error) {
	meta, ok := GetMetadataStore().Get(depID)
	if ok && meta.InstallPath != "" {
		return meta.InstallPath, nil
	}

	dep, ok := Get(depID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownDependency, depID)
	}
	return dep.TargetDir, nil
}

// CheckAnyMissing reports whether a required, non-ignored dependency is missing.
func CheckAnyMissing(ctx context.Context) bool {
	return len(GetMissingRequired(ctx)) > 0
}

// GetMissingRequired returns all required dependencies that are not installed or ignored.
func GetMissingRequired(ctx context.Context) []*Dependency {
	metadata := GetMetadataStore()
	var missing []*Dependency
	for _, d := range GetAll() {
		if d.Optional || metadata.IsIgnored(d.ID) {
			continue
		}
		exists, _, err := d.Check(ctx)
		if err != nil || !exists {
			missing = append(missing, d)
		}
	}
	return missing
}

// Report is the JSON view of one dependency for the admin API.
type Report struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Description   string           `json:"description"`
	Status        DependencyStatus `json:"status"`
	Version       string           `json:"version,omitempty"`
	LatestVersion string           `json:"latestVersion"`
	Optional      bool             `json:"optional"`
	JobID         string           `json:"jobId,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// Reports checks every registered dependency.
func Reports(ctx context.Context) []Report {
	metadata := GetMetadataStore()
	all := GetAll()
	out := make([]Report, 0, len(all))
	for _, d := range all {
		r := Report{
			ID:            d.ID,
			Name:          d.Name,
			Description:   d.Description,
			LatestVersion: d.LatestVersion,
			Optional:      d.Optional,
			JobID:         metadata.GetJobID(d.ID),
			Status:        StatusNotInstalled,
		}
		exists, version, err := d.Check(ctx)
		switch {
		case err != nil:
			r.Error = err.Error()
		case r.JobID != "":
			r.Status = StatusDownloading
		case exists && d.LatestVersion != "" && version != d.LatestVersion:
			r.Status = StatusOutdated
			r.Version = version
		case exists:
			r.Status = StatusInstalled
			r.Version = version
		}
		out = append(out, r)
	}
	return out
}
