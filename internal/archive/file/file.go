// Package file stores archive objects on the local filesystem.
package file

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"eventlake/internal/archive"
)

// Backend writes objects under a root directory.
type Backend struct {
	root string
}

var _ archive.Backend = (*Backend)(nil)

// New creates a backend rooted at dir, creating it if needed.
func New(dir string) (*Backend, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &Backend{root: abs}, nil
}

// NewFactory returns a factory reading the "dir" parameter.
func NewFactory() archive.Factory {
	return func(ctx context.Context, params map[string]string, logger *slog.Logger) (archive.Backend, error) {
		dir := params["dir"]
		if dir == "" {
			return nil, errors.New("file archive: dir parameter required")
		}
		return New(dir)
	}
}

// Put writes content atomically and returns a file:// URL.
func (b *Backend) Put(ctx context.Context, key string, content []byte) (string, error) {
	dst := filepath.Join(b.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".archive-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(dst)}).String(), nil
}

// Get reads an object written by Put.
func (b *Backend) Get(ctx context.Context, locator string) ([]byte, error) {
	u, err := url.Parse(locator)
	if err != nil || u.Scheme != "file" {
		return nil, fmt.Errorf("not a file locator: %q", locator)
	}
	p := filepath.FromSlash(u.Path)
	if !strings.HasPrefix(p, b.root+string(filepath.Separator)) {
		return nil, fmt.Errorf("locator outside archive root: %q", locator)
	}
	return os.ReadFile(p)
}
