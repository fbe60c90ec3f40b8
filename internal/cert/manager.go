// Package cert holds the HTTP listener's TLS certificate and swaps it
// when the key pair on disk changes.
package cert

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"eventlake/internal/logging"
)

// Manager serves one certificate. Safe for concurrent use.
type Manager struct {
	logger   *slog.Logger
	certFile string
	keyFile  string

	cur     atomic.Pointer[tls.Certificate]
	reloads atomic.Int64

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

// FromPEM builds a manager over an in-memory key pair. It never reloads.
func FromPEM(certPEM, keyPEM []byte, logger *slog.Logger) (*Manager, error) {
	c, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse key pair: %w", err)
	}
	m := &Manager{logger: logging.Default(logger).With("component", "cert")}
	m.cur.Store(&c)
	return m, nil
}

// Load reads a key pair from disk. Call Watch to follow later changes.
func Load(certFile, keyFile string, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		logger:   logging.Default(logger).With("component", "cert"),
		certFile: certFile,
		keyFile:  keyFile,
	}
	if err := m.reload(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) reload() error {
	certPEM, err := os.ReadFile(m.certFile)
	if err != nil {
		return fmt.Errorf("read cert: %w", err)
	}
	keyPEM, err := os.ReadFile(m.keyFile)
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}
	c, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("parse key pair: %w", err)
	}
	m.cur.Store(&c)
	m.reloads.Add(1)
	return nil
}

// Watch reloads the pair whenever either file is written or replaced.
// The parent directories are watched so rename-into-place updates are
// seen too. A pair that fails to parse keeps the previous certificate.
func (m *Manager) Watch() error {
	if m.certFile == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	targets := map[string]bool{
		filepath.Clean(m.certFile): true,
		filepath.Clean(m.keyFile):  true,
	}
	dirs := map[string]bool{}
	for p := range targets {
		dirs[filepath.Dir(p)] = true
	}
	for d := range dirs {
		if err := w.Add(d); err != nil {
			_ = w.Close()
			return fmt.Errorf("watch %s: %w", d, err)
		}
	}
	m.watcher = w

	m.wg.Go(func() {
		for {
			select {
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				m.logger.Warn("watcher error", "error", err)
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !targets[filepath.Clean(ev.Name)] {
					continue
				}
				if err := m.reload(); err != nil {
					m.logger.Warn("reload certificate failed", "file", ev.Name, "error", err)
					continue
				}
				m.logger.Info("certificate reloaded", "file", ev.Name)
			}
		}
	})
	return nil
}

// Certificate returns the current certificate.
func (m *Manager) Certificate() *tls.Certificate { return m.cur.Load() }

func (m *Manager) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return m.cur.Load(), nil
}

// TLSConfig returns a server config backed by the manager.
func (m *Manager) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
	}
}

// Close stops watching.
func (m *Manager) Close() error {
	m.mu.Lock()
	w := m.watcher
	m.watcher = nil
	m.mu.Unlock()
	if w == nil {
		return nil
	}
	err := w.Close()
	m.wg.Wait()
	return err
}
