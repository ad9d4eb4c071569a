package appconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stevecastle/anaglyph/platform"
)

// TestDefaultConfig verifies default configuration values
func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.ListenAddr != ":8000" {
		t.Errorf("Default ListenAddr = %q; want %q", cfg.ListenAddr, ":8000")
	}
	if cfg.Render.MaxDisparityPct != 25 {
		t.Errorf("Default MaxDisparityPct = %v; want 25", cfg.Render.MaxDisparityPct)
	}
	if cfg.Render.PopOut {
		t.Error("Default PopOut should be false")
	}
	if cfg.Render.AnaglyphMode != "pure" || cfg.Render.FillStrategy != "scanline" {
		t.Errorf("Default render = %+v", cfg.Render)
	}
	if cfg.Session.TTLMinutes != 60 || cfg.Session.SweepIntervalMinutes != 10 {
		t.Errorf("Default session = %+v", cfg.Session)
	}
	if cfg.Depth.InputSize != 518 {
		t.Errorf("Default depth input size = %d; want 518", cfg.Depth.InputSize)
	}
	if cfg.Storage.Backend != "local" {
		t.Errorf("Default storage backend = %q; want local", cfg.Storage.Backend)
	}
	if cfg.JWTSecret == "" {
		t.Error("Default JWTSecret should not be empty")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaultConfig().Validate() = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad mode", func(c *Config) { c.Render.AnaglyphMode = "half" }, "anaglyphMode"},
		{"bad fill", func(c *Config) { c.Render.FillStrategy = "median" }, "fillStrategy"},
		{"negative disparity", func(c *Config) { c.Render.MaxDisparityPct = -1 }, "maxDisparity"},
		{"radius", func(c *Config) { c.Render.InpaintRadius = 4 }, "inpaintRadius"},
		{"estimator", func(c *Config) { c.Depth.Estimator = "midas" }, "estimator"},
		{"ttl", func(c *Config) { c.Session.TTLMinutes = -1 }, "ttlMinutes"},
		{"s3 without bucket", func(c *Config) { c.Storage.Backend = "s3" }, "bucket"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "ftp" }, "backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := defaultConfig()
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v; want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateAllowsLargeDisparity(t *testing.T) {
	c := defaultConfig()
	c.Render.MaxDisparityPct = 150
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() with maxDisparity 150 = %v; want nil", err)
	}
}

// TestGetSet verifies Get/Set functions for in-memory config
func TestGetSet(t *testing.T) {
	original := Get()
	defer Set(original)

	testConfig := Config{
		DBPath:     "/test/path/db.sqlite",
		ListenAddr: "127.0.0.1:9000",
	}
	testConfig.Render.MaxDisparityPct = 40

	Set(testConfig)
	retrieved := Get()

	if retrieved.DBPath != testConfig.DBPath {
		t.Errorf("Get().DBPath = %q; want %q", retrieved.DBPath, testConfig.DBPath)
	}
	if retrieved.ListenAddr != testConfig.ListenAddr {
		t.Errorf("Get().ListenAddr = %q; want %q", retrieved.ListenAddr, testConfig.ListenAddr)
	}
	if retrieved.Render.MaxDisparityPct != 40 {
		t.Errorf("Get().Render.MaxDisparityPct = %v; want 40", retrieved.Render.MaxDisparityPct)
	}
}

// TestIsJSONObject tests the JSON object detection helper
func TestIsJSONObject(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{`{}`, true},
		{`{"key": "value"}`, true},
		{`  {  }  `, true},
		{`[]`, false},
		{`"string"`, false},
		{`123`, false},
		{`null`, false},
		{``, false},
	}

	for _, tt := range tests {
		result := isJSONObject([]byte(tt.input))
		if result != tt.expected {
			t.Errorf("isJSONObject(%q) = %v; want %v", tt.input, result, tt.expected)
		}
	}
}

// TestDeepMergeJSON tests the JSON merge functionality
func TestDeepMergeJSON(t *testing.T) {
	tests := []struct {
		name     string
		dst      string
		src      string
		expected string
	}{
		{"Simple merge", `{"a": "1"}`, `{"b": "2"}`, `{"a":"1","b":"2"}`},
		{"Override value", `{"a": "1"}`, `{"a": "2"}`, `{"a":"2"}`},
		{"Nested merge", `{"nested": {"a": "1"}}`, `{"nested": {"b": "2"}}`, `{"nested":{"a":"1","b":"2"}}`},
		{"Add new nested", `{"a": "1"}`, `{"nested": {"b": "2"}}`, `{"a":"1","nested":{"b":"2"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dst, src map[string]json.RawMessage
			json.Unmarshal([]byte(tt.dst), &dst)
			json.Unmarshal([]byte(tt.src), &src)

			deepMergeJSON(dst, src)
			result, _ := json.Marshal(dst)

			var resultMap, expectedMap map[string]interface{}
			json.Unmarshal(result, &resultMap)
			json.Unmarshal([]byte(tt.expected), &expectedMap)

			if !mapsEqual(resultMap, expectedMap) {
				t.Errorf("deepMergeJSON result = %s; want %s", result, tt.expected)
			}
		})
	}
}

// mapsEqual compares two maps recursively
func mapsEqual(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if !valuesEqual(v, bv) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok {
			return false
		}
		return mapsEqual(av, bv)
	default:
		return a == b
	}
}

func TestLoadCreatesDefaults(t *testing.T) {
	t.Setenv(platform.EnvDataDir, t.TempDir())
	original := Get()
	defer Set(original)

	c, path, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if _, err := os.Stat(c.OutputDir); err != nil {
		t.Errorf("output dir not created: %v", err)
	}
	if Get().JWTSecret != c.JWTSecret {
		t.Error("Load() did not update the in-memory config")
	}

	// A second load keeps the generated secret.
	again, _, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if again.JWTSecret != c.JWTSecret {
		t.Errorf("JWTSecret changed between loads: %q -> %q", c.JWTSecret, again.JWTSecret)
	}
}

func TestLoadMergesPartialFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(platform.EnvDataDir, dir)
	original := Get()
	defer Set(original)

	partial := `{"listenAddr": "127.0.0.1:1234", "render": {"popOut": true}, "custom": {"keep": 1}}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(partial), 0600); err != nil {
		t.Fatal(err)
	}

	c, path, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.ListenAddr != "127.0.0.1:1234" || !c.Render.PopOut {
		t.Errorf("file values lost: %+v", c)
	}
	if c.Render.MaxDisparityPct != 25 || c.Render.AnaglyphMode != "pure" {
		t.Errorf("defaults not merged: %+v", c.Render)
	}
	if c.JWTSecret == "" {
		t.Error("JWTSecret not generated")
	}

	// The secret was generated, so the file was rewritten; unknown keys survive the merge.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["custom"]; !ok {
		t.Error("unknown key dropped by Save")
	}
	if raw["jwtSecret"] != c.JWTSecret {
		t.Errorf("saved jwtSecret = %v; want %q", raw["jwtSecret"], c.JWTSecret)
	}
}

// TestConfigConcurrency tests concurrent access to Get/Set
func TestConfigConcurrency(t *testing.T) {
	original := Get()
	defer Set(original)

	done := make(chan bool)
	go func() {
		for i := 0; i < 100; i++ {
			Set(Config{DBPath: "/path"})
		}
		done <- true
	}()
	go func() {
		for i := 0; i < 100; i++ {
			_ = Get()
		}
		done <- true
	}()
	<-done
	<-done
}
