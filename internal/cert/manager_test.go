package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func genPair(t *testing.T, cn string) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
}

func writePair(t *testing.T, dir, cn string) (certPath, keyPath string) {
	t.Helper()
	c, k := genPair(t, cn)
	certPath = filepath.Join(dir, "tls.crt")
	keyPath = filepath.Join(dir, "tls.key")
	// Key first so a watcher firing on the cert sees a matching key.
	for _, f := range []struct {
		path string
		data []byte
	}{{keyPath, k}, {certPath, c}} {
		tmp := f.path + ".tmp"
		if err := os.WriteFile(tmp, f.data, 0o600); err != nil {
			t.Fatal(err)
		}
		if err := os.Rename(tmp, f.path); err != nil {
			t.Fatal(err)
		}
	}
	return certPath, keyPath
}

func commonName(t *testing.T, c *tls.Certificate) string {
	t.Helper()
	if c == nil || len(c.Certificate) == 0 {
		t.Fatal("no certificate")
	}
	x, err := x509.ParseCertificate(c.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	return x.Subject.CommonName
}

func TestFromPEM(t *testing.T) {
	c, k := genPair(t, "inline")
	m, err := FromPEM(c, k, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := m.GetCertificate(&tls.ClientHelloInfo{})
	if err != nil {
		t.Fatal(err)
	}
	if cn := commonName(t, got); cn != "inline" {
		t.Errorf("common name: expected %q, got %q", "inline", cn)
	}
	if err := m.Watch(); err != nil {
		t.Errorf("Watch on inline pair: %v", err)
	}
	if _, err := FromPEM(c, []byte("junk"), nil); err == nil {
		t.Error("expected error for bad key")
	}
}

func TestLoadAndReload(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writePair(t, dir, "first")

	m, err := Load(certPath, keyPath, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer m.Close()
	if cn := commonName(t, m.Certificate()); cn != "first" {
		t.Fatalf("initial: got %q", cn)
	}
	if err := m.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	writePair(t, dir, "second")
	deadline := time.Now().Add(5 * time.Second)
	for commonName(t, m.Certificate()) != "second" {
		if time.Now().After(deadline) {
			t.Fatal("certificate was not reloaded")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// A broken write keeps the previous certificate.
	if err := os.WriteFile(certPath, []byte("not a cert"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if cn := commonName(t, m.Certificate()); cn != "second" {
		t.Errorf("after bad write: got %q", cn)
	}
}

func TestLoadMissingFiles(t *testing.T) {
	if _, err := Load("/nonexistent/tls.crt", "/nonexistent/tls.key", nil); err == nil {
		t.Error("expected error")
	}
}

func TestTLSConfig(t *testing.T) {
	c, k := genPair(t, "cfg")
	m, err := FromPEM(c, k, nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg := m.TLSConfig()
	if cfg.MinVersion != tls.VersionTLS12 || cfg.GetCertificate == nil {
		t.Errorf("tls config: %+v", cfg)
	}
}
