package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/pkg/browser"
	_ "modernc.org/sqlite"

	"github.com/stevecastle/anaglyph/appconfig"
	"github.com/stevecastle/anaglyph/auth"
	"github.com/stevecastle/anaglyph/deps"
	"github.com/stevecastle/anaglyph/depth"
	"github.com/stevecastle/anaglyph/downloads"
	"github.com/stevecastle/anaglyph/jobqueue"
	"github.com/stevecastle/anaglyph/platform"
	"github.com/stevecastle/anaglyph/renderer"
	"github.com/stevecastle/anaglyph/runners"
	"github.com/stevecastle/anaglyph/session"
	"github.com/stevecastle/anaglyph/stereo"
	"github.com/stevecastle/anaglyph/storage"
	"github.com/stevecastle/anaglyph/stream"
	"github.com/stevecastle/anaglyph/tasks"
)

type serverCLI struct {
	DataDir string `help:"Directory holding config.json, the database and outputs." type:"path" env:"ANAGLYPH_HOME"`
	Listen  string `help:"Listen address. Overrides listenAddr from config.json."`
	Open    bool   `help:"Open the editor in the default browser once the server is up."`
}

// -----------------------------------------------------------------------------
// Database initialization
// -----------------------------------------------------------------------------

func initDB(dbPath string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %v", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %v", err)
	}
	// Runners and handlers write from several goroutines.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		log.Printf("warning: failed to set busy_timeout: %v", err)
	}

	log.Printf("Connected to SQLite database at: %s", dbPath)
	return db, nil
}

// -----------------------------------------------------------------------------
// Depth estimator
// -----------------------------------------------------------------------------

// estimatorCache builds the configured estimator on first use. Failures are
// not kept so that a model fetched after startup is picked up by the next job.
type estimatorCache struct {
	mu  sync.Mutex
	cfg appconfig.DepthConfig
	est depth.Estimator
}

func (c *estimatorCache) Get() (depth.Estimator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.est != nil {
		return c.est, nil
	}
	if c.cfg.Estimator == "onnx" {
		if err := deps.EnsureAvailable(context.Background(), deps.DepthModelID); err != nil {
			return nil, err
		}
	}
	opts := depth.DefaultOptions()
	opts.ModelPath = c.cfg.ModelPath
	opts.ORTSharedLibraryPath = c.cfg.ORTSharedLibraryPath
	if c.cfg.InputSize > 0 {
		opts.InputSize = c.cfg.InputSize
	}
	est, err := depth.NewEstimator(c.cfg.Estimator, opts)
	if err != nil {
		return nil, err
	}
	c.est = est
	return est, nil
}

func browserURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://localhost:8000/"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/"
}

func main() {
	var cli serverCLI
	kong.Parse(&cli,
		kong.Name("anaglyph-server"),
		kong.Description("Upload a photo, estimate its depth and tune a red/cyan anaglyph in the browser."),
	)
	if cli.DataDir != "" {
		os.Setenv(platform.EnvDataDir, cli.DataDir)
	}

	// ––– configuration –––
	cfg, cfgPath, err := appconfig.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cli.Listen != "" {
		cfg.ListenAddr = cli.Listen
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config %s: %v", cfgPath, err)
	}
	log.Printf("Using config: %s", cfgPath)
	if cfg.AllowedOrigin != "" {
		renderer.AllowedOrigin = cfg.AllowedOrigin
	}

	// ––– database –––
	db, err := initDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	hub := stream.NewHub()

	log.Println("Initializing job queue with database persistence...")
	queue := jobqueue.NewQueueWithDB(db)
	queue.Hub = hub
	tasks.ConfigureLanes(queue)
	log.Printf("Job queue initialized. Current jobs: %d", len(queue.GetJobs()))

	sessions, err := session.NewStore(db, time.Duration(cfg.Session.TTLMinutes)*time.Minute)
	if err != nil {
		log.Fatalf("Failed to initialize sessions: %v", err)
	}
	store, err := storage.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize %s storage: %v", cfg.Storage.Backend, err)
	}
	renders, err := stereo.NewService(store, 0)
	if err != nil {
		log.Fatalf("Failed to initialize render cache: %v", err)
	}
	authService, err := auth.NewAuthService(db, cfg.JWTSecret)
	if err != nil {
		log.Fatalf("Failed to initialize auth: %v", err)
	}
	if password, err := authService.CreateDefaultUser(); err != nil {
		log.Printf("warning: failed to create default user: %v", err)
	} else if password != "" {
		log.Printf("Created admin user \"admin\" with password %s", password)
	}

	// ––– depth model –––
	deps.Register(deps.NewDepthModel(deps.DepthModelOptions{
		ModelPath:   cfg.Depth.ModelPath,
		LibraryPath: cfg.Depth.ORTSharedLibraryPath,
		BundleURL:   cfg.Depth.BundleURL,
	}))
	if cfg.Depth.Estimator == "onnx" {
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if deps.CheckAnyMissing(checkCtx) {
			log.Println("Depth model is not installed; fetch it from /models or run `anaglyph fetch-model`")
		} else {
			log.Println("Depth model installed")
		}
		cancel()
	}

	manager := downloads.NewDownloadManager(hub)
	estimators := &estimatorCache{cfg: cfg.Depth}
	env := &tasks.Env{
		Sessions:     sessions,
		Storage:      store,
		Renders:      renders,
		Hub:          hub,
		Estimator:    estimators.Get,
		Downloads:    manager,
		JobRetention: tasks.DefaultJobRetention,
	}

	// ––– runners –––
	r := runners.New(queue, env)
	if cfg.Session.SweepIntervalMinutes > 0 {
		r.Every(time.Duration(cfg.Session.SweepIntervalMinutes)*time.Minute, tasks.CommandSweep, "")
	}

	d := &Dependencies{
		Queue:     queue,
		Sessions:  sessions,
		Storage:   store,
		Renders:   renders,
		Hub:       hub,
		Auth:      authService,
		Downloads: manager,
		Config:    cfg,
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newMux(d),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("Listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("anaglyph-server: %v", err)
		}
	}()
	if cli.Open {
		_ = browser.OpenURL(browserURL(cfg.ListenAddr))
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	log.Println("Shutting down anaglyph server...")

	log.Println("Shutting down job runners...")
	r.Shutdown()

	log.Println("Shutting down stream connections...")
	hub.Shutdown()

	log.Println("Saving job queue to database...")
	if err := queue.SaveAllJobsToDB(); err != nil {
		log.Printf("Error saving jobs to database: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	log.Println("Shutdown complete")
}
