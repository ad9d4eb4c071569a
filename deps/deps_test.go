package deps

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"
)

// mockDependency creates a test dependency with the given check result
func mockDependency(id string, exists bool, version string, checkErr error) *Dependency {
	return &Dependency{
		ID:            id,
		Name:          id + " Name",
		Description:   id + " Description",
		TargetDir:     "/test/" + id,
		LatestVersion: "1.0.0",
		Check: func(ctx context.Context) (bool, string, error) {
			return exists, version, checkErr
		},
	}
}

// withRegistry swaps in an empty registry for the duration of the test.
func withRegistry(t *testing.T) {
	t.Helper()
	mu.Lock()
	orig := registry
	registry = make(DependencyRegistry)
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		registry = orig
		mu.Unlock()
	})
}

// withMetadata points the metadata singleton at a store in a temp dir.
func withMetadata(t *testing.T) *MetadataStore {
	t.Helper()
	GetMetadataStore()
	orig := metadataStore
	store := NewMetadataStore(filepath.Join(t.TempDir(), "dependencies.json"))
	metadataStore = store
	t.Cleanup(func() { metadataStore = orig })
	return store
}

// TestRegisterAndGet tests dependency registration and retrieval
func TestRegisterAndGet(t *testing.T) {
	withRegistry(t)

	Register(mockDependency("test-dep", true, "1.0.0", nil))

	retrieved, ok := Get("test-dep")
	if !ok {
		t.Fatal("Get() should find registered dependency")
	}
	if retrieved.Name != "test-dep Name" {
		t.Errorf("Retrieved dependency Name = %q; want %q", retrieved.Name, "test-dep Name")
	}
	if _, ok := Get("nonexistent-dependency-xyz"); ok {
		t.Error("Get() should return false for nonexistent dependency")
	}
}

func TestGetAllSorted(t *testing.T) {
	withRegistry(t)
	for _, id := range []string{"dep-3", "dep-1", "dep-2"} {
		Register(mockDependency(id, true, "1.0.0", nil))
	}
	all := GetAll()
	if len(all) != 3 {
		t.Fatalf("GetAll() returned %d dependencies; want 3", len(all))
	}
	for i, want := range []string{"dep-1", "dep-2", "dep-3"} {
		if all[i].ID != want {
			t.Errorf("GetAll()[%d] = %q; want %q", i, all[i].ID, want)
		}
	}
}

func TestCheckAnyMissing(t *testing.T) {
	withRegistry(t)
	meta := withMetadata(t)
	ctx := context.Background()

	Register(mockDependency("exists-1", true, "1.0.0", nil))
	if CheckAnyMissing(ctx) {
		t.Error("CheckAnyMissing() should return false when all dependencies exist")
	}

	Register(mockDependency("missing-1", false, "", nil))
	if !CheckAnyMissing(ctx) {
		t.Error("CheckAnyMissing() should return true when a dependency is missing")
	}

	meta.SetIgnored("missing-1", true)
	if CheckAnyMissing(ctx) {
		t.Error("ignored dependency still reported missing")
	}

	opt := mockDependency("optional", false, "", nil)
	opt.Optional = true
	Register(opt)
	if CheckAnyMissing(ctx) {
		t.Error("optional dependency reported missing")
	}

	// Error during check counts as missing
	Register(mockDependency("error-dep", false, "", errors.New("check failed")))
	if missing := GetMissingRequired(ctx); len(missing) != 1 || missing[0].ID != "error-dep" {
		t.Errorf("GetMissingRequired() = %v; want [error-dep]", missing)
	}
}

func TestEnsureAvailable(t *testing.T) {
	withRegistry(t)
	ctx := context.Background()

	Register(mockDependency("available-dep", true, "1.0.0", nil))
	Register(mockDependency("missing-dep", false, "", nil))
	Register(mockDependency("broken-dep", false, "", errors.New("disk gone")))

	if err := EnsureAvailable(ctx, "available-dep"); err != nil {
		t.Errorf("EnsureAvailable() = %v; want nil", err)
	}
	if err := EnsureAvailable(ctx, "missing-dep"); !errors.Is(err, ErrNotInstalled) {
		t.Errorf("EnsureAvailable(missing) = %v; want ErrNotInstalled", err)
	}
	if err := EnsureAvailable(ctx, "completely-unknown-dep"); !errors.Is(err, ErrUnknownDependency) {
		t.Errorf("EnsureAvailable(unknown) = %v; want ErrUnknownDependency", err)
	}
	if err := EnsureAvailable(ctx, "broken-dep"); err == nil || errors.Is(err, ErrNotInstalled) {
		t.Errorf("EnsureAvailable(broken) = %v; want the check error", err)
	}
}

func TestGetFilePathAndInstallPath(t *testing.T) {
	withRegistry(t)
	meta := withMetadata(t)
	Register(mockDependency("model", true, "1.0.0", nil))

	p, err := GetFilePath("model", "model.onnx")
	if err != nil || p != filepath.Join("/test/model", "model.onnx") {
		t.Errorf("GetFilePath() = %q, %v; want fallback to TargetDir", p, err)
	}
	dir, _ := GetInstallPath("model")
	if dir != "/test/model" {
		t.Errorf("GetInstallPath() = %q; want /test/model", dir)
	}

	meta.Update("model", DependencyMetadata{
		InstallPath: "/cache/model",
		Files:       map[string]FileInfo{"model.onnx": {Path: "/cache/model/v2.onnx"}},
	})
	if p, _ := GetFilePath("model", "model.onnx"); p != "/cache/model/v2.onnx" {
		t.Errorf("GetFilePath() = %q; want recorded path", p)
	}
	if dir, _ := GetInstallPath("model"); dir != "/cache/model" {
		t.Errorf("GetInstallPath() = %q; want recorded path", dir)
	}

	if _, err := GetFilePath("nope", "x"); !errors.Is(err, ErrUnknownDependency) {
		t.Errorf("GetFilePath(unknown) = %v", err)
	}
	if _, err := GetInstallPath("nope"); !errors.Is(err, ErrUnknownDependency) {
		t.Errorf("GetInstallPath(unknown) = %v", err)
	}
}

func TestReports(t *testing.T) {
	withRegistry(t)
	meta := withMetadata(t)
	Register(mockDependency("a-installed", true, "1.0.0", nil))
	Register(mockDependency("b-outdated", true, "0.9.0", nil))
	Register(mockDependency("c-missing", false, "", nil))
	Register(mockDependency("d-busy", false, "", nil))
	Register(mockDependency("e-broken", false, "", errors.New("permission denied")))
	meta.SetJobID("d-busy", "job-1")

	got := Reports(context.Background())
	want := []DependencyStatus{StatusInstalled, StatusOutdated, StatusNotInstalled, StatusDownloading, StatusNotInstalled}
	if len(got) != len(want) {
		t.Fatalf("Reports() returned %d entries", len(got))
	}
	for i, r := range got {
		if r.Status != want[i] {
			t.Errorf("%s status = %q; want %q", r.ID, r.Status, want[i])
		}
	}
	if got[3].JobID != "job-1" || got[4].Error != "permission denied" {
		t.Errorf("reports = %+v", got)
	}
}

func TestMetadataStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "dependencies.json")
	store := NewMetadataStore(path)
	store.UpdateStatus("depth-model", StatusInstalled)
	store.SetJobID("depth-model", "j1")
	store.SetIgnored("other", true)
	if err := store.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := LoadMetadata(path)
	if err != nil {
		t.Fatalf("LoadMetadata() error = %v", err)
	}
	if loaded.GetStatus("depth-model") != StatusInstalled || loaded.GetJobID("depth-model") != "j1" {
		t.Errorf("loaded = %+v", loaded.Dependencies)
	}
	if !loaded.IsIgnored("other") {
		t.Error("ignored flag lost")
	}
	loaded.ClearJobID("depth-model")
	loaded.ClearJobID("never-seen")
	if loaded.GetJobID("depth-model") != "" {
		t.Error("ClearJobID() kept the job")
	}
	if loaded.GetStatus("never-seen") != StatusNotInstalled {
		t.Error("unknown dependency should report not installed")
	}

	empty, err := LoadMetadata(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil || len(empty.Dependencies) != 0 {
		t.Errorf("LoadMetadata(missing) = %+v, %v", empty, err)
	}
}

func TestConcurrentRegistration(t *testing.T) {
	withRegistry(t)

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(id int) {
			Register(mockDependency("concurrent-"+strconv.Itoa(id), true, "1.0", nil))
			_, _ = Get("concurrent-0")
			done <- true
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	if n := len(GetAll()); n != 10 {
		t.Errorf("Expected 10 registered dependencies; got %d", n)
	}
}
