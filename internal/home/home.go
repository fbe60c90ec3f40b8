// Package home manages the eventlake home directory layout.
//
// Layout:
//
//	<root>/
//	  catalog.db      (sqlite catalog: collections, batches, policies, credentials)
//	  archive/        (raw batch archive when the file backend is used)
//	  mirror.yaml     (default mirror collection file)
//	  token_secret    (token signing secret, generated on first use)
//	  instance_id     (human-readable process identity)
package home

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	petname "github.com/dustinkirkland/golang-petname"
)

// Dir is an eventlake home directory.
type Dir struct {
	root string
}

func New(root string) Dir {
	return Dir{root: root}
}

// Default returns the platform config directory joined with "eventlake".
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "eventlake")}, nil
}

// Resolve returns New(root), or Default when root is empty.
func Resolve(root string) (Dir, error) {
	if root != "" {
		return New(root), nil
	}
	return Default()
}

func (d Dir) Root() string { return d.root }

func (d Dir) CatalogPath() string { return filepath.Join(d.root, "catalog.db") }

func (d Dir) ArchiveDir() string { return filepath.Join(d.root, "archive") }

func (d Dir) MirrorFile() string { return filepath.Join(d.root, "mirror.yaml") }

// EnsureExists creates the home directory and its parents.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}

// InstanceID returns a persistent name such as "brave-otter" used to tell
// worker and mirror processes apart in logs.
func (d Dir) InstanceID() (string, error) {
	return d.readOrCreate("instance_id", 0o640, func() (string, error) {
		return petname.Generate(2, "-"), nil
	})
}

// TokenSecret returns the persisted token signing secret, creating a
// random one on first use.
func (d Dir) TokenSecret() ([]byte, error) {
	s, err := d.readOrCreate("token_secret", 0o600, func() (string, error) {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return "", err
		}
		return base64.RawURLEncoding.EncodeToString(b), nil
	})
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// readOrCreate reads a one-line value from <root>/<filename>, writing
// the generated default when the file is missing or empty.
func (d Dir) readOrCreate(filename string, perm os.FileMode, generate func() (string, error)) (string, error) {
	p := filepath.Join(d.root, filename)
	data, err := os.ReadFile(p) //nolint:gosec // G304: home dir plus constant filename
	if err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			return v, nil
		}
	}
	v, err := generate()
	if err != nil {
		return "", fmt.Errorf("generate %s: %w", filename, err)
	}
	if err := os.WriteFile(p, []byte(v+"\n"), perm); err != nil {
		return "", fmt.Errorf("write %s: %w", filename, err)
	}
	return v, nil
}
