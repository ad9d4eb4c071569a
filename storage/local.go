package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/spf13/afero"
)

// Local stores objects as files below a root directory.
type Local struct {
	fs afero.Fs
}

// NewLocal roots a store at dir, creating it if needed.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return NewLocalFs(afero.NewBasePathFs(afero.NewOsFs(), dir)), nil
}

// NewLocalFs wraps an existing filesystem; tests pass afero.NewMemMapFs().
func NewLocalFs(fsys afero.Fs) *Local {
	return &Local{fs: fsys}
}

func (l *Local) Put(ctx context.Context, key string, r io.Reader, _ string) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.fs.MkdirAll(path.Dir("/"+key), 0755); err != nil {
		return err
	}
	// write then rename so readers never see a partial file
	tmp := "/" + key + ".part"
	if err := afero.WriteReader(l.fs, tmp, r); err != nil {
		l.fs.Remove(tmp)
		return err
	}
	return l.fs.Rename(tmp, "/"+key)
}

func (l *Local) Get(_ context.Context, key string) (io.ReadCloser, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	f, err := l.fs.Open("/" + key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

func (l *Local) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	prefix, err := CleanKey(prefix)
	if err != nil {
		return 0, err
	}
	root := "/" + prefix
	if _, err := l.fs.Stat(root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	err = afero.Walk(l.fs, root, func(_ string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			n++
		}
		return ctx.Err()
	})
	if err != nil {
		return 0, err
	}
	return n, l.fs.RemoveAll(root)
}
