package deps

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stevecastle/anaglyph/platform"
)

// FileInfo represents information about an installed file.
type FileInfo struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// DependencyMetadata stores information about an installed dependency.
type DependencyMetadata struct {
	InstalledVersion string              `json:"installedVersion"`
	Status           DependencyStatus    `json:"status"`
	InstallPath      string              `json:"installPath"`
	LastChecked      time.Time           `json:"lastChecked"`
	LastUpdated      time.Time           `json:"lastUpdated"`
	Files            map[string]FileInfo `json:"files"`
	JobID            string              `json:"jobId"` // active download job
	Ignored          bool                `json:"ignored,omitempty"`
}

// MetadataStore manages dependency metadata persistence.
type MetadataStore struct {
	Dependencies map[string]DependencyMetadata `json:"dependencies"`
	mu           sync.RWMutex
	filePath     string
}

var (
	metadataStore *MetadataStore
	metadataOnce  sync.Once
)

// GetMetadataStore returns the singleton metadata store instance.
func GetMetadataStore() *MetadataStore {
	metadataOnce.Do(func() {
		store, err := LoadMetadata(getMetadataPath())
		if err != nil {
			store = NewMetadataStore(getMetadataPath())
		}
		metadataStore = store
	})
	return metadataStore
}

func getMetadataPath() string {
	return filepath.Join(platform.GetDataDir(), "dependencies.json")
}

// NewMetadataStore returns an empty store that saves to path.
func NewMetadataStore(path string) *MetadataStore {
	return &MetadataStore{
		Dependencies: make(map[string]DependencyMetadata),
		filePath:     path,
	}
}

// LoadMetadata loads a metadata store from disk. A missing file gives an empty store.
func LoadMetadata(path string) (*MetadataStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewMetadataStore(path), nil
		}
		return nil, err
	}

	store := NewMetadataStore(path)
	if err := json.Unmarshal(data, store); err != nil {
		return nil, err
	}
	if store.Dependencies == nil {
		store.Dependencies = make(map[string]DependencyMetadata)
	}
	return store, nil
}

// Save persists the metadata store to disk.
func (m *MetadataStore) Save() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(m.filePath), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.filePath, data, 0644)
}

// GetStatus returns the status of a dependency.
func (m *MetadataStore) GetStatus(depID string) DependencyStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	meta, ok := m.Dependencies[depID]
	if !ok {
		return StatusNotInstalled
	}
	return meta.Status
}

// Get returns the metadata for a dependency.
func (m *MetadataStore) Get(depID string) (DependencyMetadata, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	meta, ok := m.Dependencies[depID]
	return meta, ok
}

// Update replaces the metadata for a dependency.
func (m *MetadataStore) Update(depID string, meta DependencyMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Dependencies[depID] = meta
}

// modify applies fn to the dependency's entry, creating it if needed.
func (m *MetadataStore) modify(depID string, fn func(*DependencyMetadata)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, ok := m.Dependencies[depID]
	if !ok {
		meta = DependencyMetadata{Files: make(map[string]FileInfo)}
	}
	fn(&meta)
	m.Dependencies[depID] = meta
}

// UpdateStatus updates just the status of a dependency.
func (m *MetadataStore) UpdateStatus(depID string, status DependencyStatus) {
	m.modify(depID, func(meta *DependencyMetadata) {
		meta.Status = status
		meta.LastChecked = time.Now()
	})
}

// SetJobID records the job currently downloading a dependency.
func (m *MetadataStore) SetJobID(depID string, jobID string) {
	m.modify(depID, func(meta *DependencyMetadata) {
		meta.JobID = jobID
		meta.LastChecked = time.Now()
	})
}

// ClearJobID clears the active job ID for a dependency.
func (m *MetadataStore) ClearJobID(depID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if meta, ok := m.Dependencies[depID]; ok {
		meta.JobID = ""
		m.Dependencies[depID] = meta
	}
}

// GetJobID returns the active job ID for a dependency.
func (m *MetadataStore) GetJobID(depID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Dependencies[depID].JobID
}

// SetIgnored hides a missing dependency from GetMissingRequired.
func (m *MetadataStore) SetIgnored(depID string, ignored bool) {
	m.modify(depID, func(meta *DependencyMetadata) { meta.Ignored = ignored })
}

// IsIgnored reports whether the user dismissed a missing dependency.
func (m *MetadataStore) IsIgnored(depID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Dependencies[depID].Ignored
}
