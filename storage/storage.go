// Package storage persists session images: the uploaded source, its depth
// map and every rendered output. Keys are slash separated ("<session>/left.png").
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/stevecastle/anaglyph/appconfig"
)

var (
	ErrNotFound   = errors.New("object not found")
	ErrInvalidKey = errors.New("invalid object key")
)

// Store is the output backend.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// DeletePrefix removes every object under prefix and returns how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// New builds the backend selected by cfg.Storage.
func New(ctx context.Context, cfg appconfig.Config) (Store, error) {
	switch cfg.Storage.Backend {
	case "", "local":
		return NewLocal(cfg.OutputDir)
	case "s3":
		return NewS3(ctx, cfg.Storage.S3)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

// CleanKey rejects absolute keys and any ".." segment and returns the cleaned key.
func CleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return path.Clean(key), nil
}

// Key joins a session id and a file name.
func Key(session, name string) string {
	return session + "/" + name
}
