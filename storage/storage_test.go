package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stevecastle/anaglyph/appconfig"
)

func TestCleanKey(t *testing.T) {
	tests := []struct {
		key     string
		want    string
		wantErr bool
	}{
		{"abc/left.png", "abc/left.png", false},
		{"abc//left.png", "abc/left.png", false},
		{"abc/./left.png", "abc/left.png", false},
		{"abc", "abc", false},
		{"", "", true},
		{"/etc/passwd", "", true},
		{"../x", "", true},
		{"abc/../../x", "", true},
		{`abc\..\x`, "", true},
	}
	for _, tt := range tests {
		got, err := CleanKey(tt.key)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidKey) {
				t.Errorf("CleanKey(%q) error = %v; want ErrInvalidKey", tt.key, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("CleanKey(%q) = %q, %v; want %q", tt.key, got, err, tt.want)
		}
	}
}

func TestNewSelectsBackend(t *testing.T) {
	cfg := appconfig.Default()
	cfg.OutputDir = t.TempDir()

	s, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New(local) error = %v", err)
	}
	if _, ok := s.(*Local); !ok {
		t.Errorf("New(local) = %T; want *Local", s)
	}

	cfg.Storage.Backend = "ftp"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Error("New(ftp) succeeded")
	}

	cfg.Storage.Backend = "s3"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Error("New(s3) without a bucket succeeded")
	}
}
