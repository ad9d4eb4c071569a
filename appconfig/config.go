package appconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/stevecastle/anaglyph/platform"
)

// SessionConfig controls how long uploads live and how often expired ones are swept.
type SessionConfig struct {
	TTLMinutes           int `json:"ttlMinutes"`
	SweepIntervalMinutes int `json:"sweepIntervalMinutes"`
}

// RenderConfig holds the defaults used when a request leaves a parameter out.
type RenderConfig struct {
	PopOut          bool    `json:"popOut"`
	MaxDisparityPct float64 `json:"maxDisparity"`
	AnaglyphMode    string  `json:"anaglyphMode"`
	FillStrategy    string  `json:"fillStrategy"`
	InpaintRadius   int     `json:"inpaintRadius"`
}

// DepthConfig selects and configures the depth estimator.
type DepthConfig struct {
	Estimator            string `json:"estimator"`
	ModelPath            string `json:"modelPath"`
	ORTSharedLibraryPath string `json:"ortSharedLibraryPath"`
	InputSize            int    `json:"inputSize"`
	// BundleURL optionally replaces the Hugging Face download with an
	// archive (zip, 7z, tar.gz, tar.xz or tar.zst) holding the model.
	BundleURL string `json:"bundleUrl,omitempty"`
}

// S3Config points the output store at an S3 compatible bucket.
type S3Config struct {
	Bucket          string `json:"bucket"`
	Prefix          string `json:"prefix"`
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	UsePathStyle    bool   `json:"usePathStyle"`
}

// StorageConfig chooses where rendered images are written.
type StorageConfig struct {
	Backend string   `json:"backend"`
	S3      S3Config `json:"s3"`
}

// Config holds server configuration: database and output locations, render
// defaults, the depth model and the storage backend.
type Config struct {
	DBPath        string `json:"dbPath"`
	ListenAddr    string `json:"listenAddr"`
	OutputDir     string `json:"outputDir"`
	AllowedOrigin string `json:"allowedOrigin"`

	Session SessionConfig `json:"session"`
	Render  RenderConfig  `json:"render"`
	Depth   DepthConfig   `json:"depth"`
	Storage StorageConfig `json:"storage"`

	// JWT Secret for session cookies and admin tokens
	JWTSecret string `json:"jwtSecret"`
}

var (
	cfgMu sync.RWMutex
	cfg   Config
)

// DefaultDBPath returns the default database path inside the platform data directory.
func DefaultDBPath() string {
	return filepath.Join(platform.GetDataDir(), "anaglyph.db")
}

// DefaultConfigDir returns the directory config.json lives in.
func DefaultConfigDir() string {
	return platform.GetDataDir()
}

func defaultOutputDir() string {
	return filepath.Join(platform.GetDataDir(), "sessions")
}

// DefaultModelPath is where the fetch-model task unpacks the depth model.
func DefaultModelPath() string {
	return filepath.Join(platform.GetCacheDir(), "depth-anything", "depth_anything_v2_vits.onnx")
}

// DefaultORTLibraryPath is where the fetch-model task unpacks onnxruntime.
func DefaultORTLibraryPath() string {
	return filepath.Join(platform.GetCacheDir(), "onnxruntime", "lib", "libonnxruntime"+platform.SharedLibExtension())
}

// defaultConfig returns a Config populated with sensible defaults.
func defaultConfig() Config {
	return Config{
		DBPath:     DefaultDBPath(),
		ListenAddr: ":8000",
		OutputDir:  defaultOutputDir(),
		Session: SessionConfig{
			TTLMinutes:           60,
			SweepIntervalMinutes: 10,
		},
		Render: RenderConfig{
			MaxDisparityPct: 25,
			AnaglyphMode:    "pure",
			FillStrategy:    "scanline",
			InpaintRadius:   1,
		},
		Depth: DepthConfig{
			Estimator:            "onnx",
			ModelPath:            DefaultModelPath(),
			ORTSharedLibraryPath: DefaultORTLibraryPath(),
			InputSize:            518,
		},
		Storage: StorageConfig{
			Backend: "local",
		},
		JWTSecret: uuid.New().String(),
	}
}

// Default returns the built-in defaults without touching disk.
func Default() Config {
	return defaultConfig()
}

// Validate rejects values the server cannot start with.
func (c Config) Validate() error {
	var problems []string
	switch strings.ToLower(c.Render.AnaglyphMode) {
	case "pure", "optimized", "optimised":
	default:
		problems = append(problems, fmt.Sprintf("render.anaglyphMode %q", c.Render.AnaglyphMode))
	}
	switch strings.ToLower(c.Render.FillStrategy) {
	case "scanline", "pushpull", "telea":
	default:
		problems = append(problems, fmt.Sprintf("render.fillStrategy %q", c.Render.FillStrategy))
	}
	if c.Render.MaxDisparityPct < 0 {
		problems = append(problems, fmt.Sprintf("render.maxDisparity %v is negative", c.Render.MaxDisparityPct))
	}
	if c.Render.InpaintRadius < 1 || c.Render.InpaintRadius > 3 {
		problems = append(problems, fmt.Sprintf("render.inpaintRadius %d outside 1..3", c.Render.InpaintRadius))
	}
	switch c.Depth.Estimator {
	case "onnx", "luminance":
	default:
		problems = append(problems, fmt.Sprintf("depth.estimator %q", c.Depth.Estimator))
	}
	if c.Session.TTLMinutes <= 0 {
		problems = append(problems, "session.ttlMinutes must be positive")
	}
	if c.Session.SweepIntervalMinutes <= 0 {
		problems = append(problems, "session.sweepIntervalMinutes must be positive")
	}
	switch c.Storage.Backend {
	case "local":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			problems = append(problems, "storage.s3.bucket is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.backend %q", c.Storage.Backend))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Get returns a copy of the current in-memory config.
func Get() Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg
}

// Set replaces the in-memory config.
func Set(c Config) {
	cfgMu.Lock()
	cfg = c
	cfgMu.Unlock()
}

func isJSONObject(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func deepMergeJSON(dst, src map[string]json.RawMessage) {
	for k, v := range src {
		if existing, ok := dst[k]; ok && isJSONObject(existing) && isJSONObject(v) {
			var dstObj map[string]json.RawMessage
			var srcObj map[string]json.RawMessage
			if err := json.Unmarshal(existing, &dstObj); err != nil {
				dst[k] = v
				continue
			}
			if err := json.Unmarshal(v, &srcObj); err != nil {
				dst[k] = v
				continue
			}
			deepMergeJSON(dstObj, srcObj)
			merged, err := json.Marshal(dstObj)
			if err != nil {
				dst[k] = v
				continue
			}
			dst[k] = merged
			continue
		}
		dst[k] = v
	}
}

func getConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// fillDefaults copies defaults into zero fields and reports whether a field
// that must persist across restarts (db path, secret) was generated.
func fillDefaults(c *Config, def Config) (needsSave bool) {
	if c.DBPath == "" {
		c.DBPath = def.DBPath
		needsSave = true
	}
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.OutputDir == "" {
		c.OutputDir = def.OutputDir
	}
	if c.Session.TTLMinutes == 0 {
		c.Session.TTLMinutes = def.Session.TTLMinutes
	}
	if c.Session.SweepIntervalMinutes == 0 {
		c.Session.SweepIntervalMinutes = def.Session.SweepIntervalMinutes
	}
	if c.Render.AnaglyphMode == "" {
		c.Render.AnaglyphMode = def.Render.AnaglyphMode
	}
	if c.Render.FillStrategy == "" {
		c.Render.FillStrategy = def.Render.FillStrategy
	}
	if c.Render.InpaintRadius == 0 {
		c.Render.InpaintRadius = def.Render.InpaintRadius
	}
	if c.Depth.Estimator == "" {
		c.Depth.Estimator = def.Depth.Estimator
	}
	if c.Depth.ModelPath == "" {
		c.Depth.ModelPath = def.Depth.ModelPath
	}
	if c.Depth.ORTSharedLibraryPath == "" {
		c.Depth.ORTSharedLibraryPath = def.Depth.ORTSharedLibraryPath
	}
	if c.Depth.InputSize == 0 {
		c.Depth.InputSize = def.Depth.InputSize
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = def.Storage.Backend
	}
	if c.JWTSecret == "" {
		c.JWTSecret = uuid.New().String()
		needsSave = true
	}
	return needsSave
}

// Load reads the config from disk and updates the in-memory config. It returns the config and path.
// If the config file doesn't exist, it creates one with default values.
func Load() (Config, string, error) {
	path := getConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Config{}, "", fmt.Errorf("failed to create config directory %s: %v", filepath.Dir(path), err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Config{}, path, fmt.Errorf("failed to read config file at %s: %v", path, err)
		}
		def := defaultConfig()
		if err := ensureDirs(def); err != nil {
			return Config{}, path, err
		}
		savedPath, saveErr := Save(def)
		if saveErr != nil {
			return Config{}, path, fmt.Errorf("failed to create default config file: %v", saveErr)
		}
		return def, savedPath, nil
	}

	// Start from the defaults so booleans and nested fields absent from the file keep their default.
	c := defaultConfig()
	c.JWTSecret = ""
	c.DBPath = ""
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, path, fmt.Errorf("failed to parse config JSON: %v", err)
	}
	needsSave := fillDefaults(&c, defaultConfig())

	if err := ensureDirs(c); err != nil {
		return Config{}, path, err
	}
	if needsSave {
		if _, saveErr := Save(c); saveErr != nil {
			fmt.Printf("Warning: failed to save updated config: %v\n", saveErr)
		}
	}

	Set(c)
	return c, path, nil
}

func ensureDirs(c Config) error {
	for _, dir := range []string{filepath.Dir(c.DBPath), c.OutputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %v", dir, err)
		}
	}
	return nil
}

// Save writes the config to disk, merging into any keys already present. Returns the path.
func Save(c Config) (string, error) {
	path := getConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return path, fmt.Errorf("failed to create config directory: %v", err)
	}
	base := map[string]json.RawMessage{}
	if existing, readErr := os.ReadFile(path); readErr == nil {
		var tmp map[string]json.RawMessage
		if err := json.Unmarshal(existing, &tmp); err == nil {
			base = tmp
		}
	}

	marshaled, err := json.Marshal(c)
	if err != nil {
		return path, fmt.Errorf("failed to marshal config: %v", err)
	}
	incoming := map[string]json.RawMessage{}
	if err := json.Unmarshal(marshaled, &incoming); err != nil {
		return path, fmt.Errorf("failed to map config JSON: %v", err)
	}

	deepMergeJSON(base, incoming)

	mergedData, err := json.MarshalIndent(base, "", "  ")
	if err != nil {
		return path, fmt.Errorf("failed to marshal merged config: %v", err)
	}
	if err := os.WriteFile(path, mergedData, 0600); err != nil {
		return path, fmt.Errorf("failed to write config file: %v", err)
	}
	Set(c)
	return path, nil
}
