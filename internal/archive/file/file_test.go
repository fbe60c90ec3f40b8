package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestPutGet(t *testing.T) {
	dir := t.TempDir()
	b, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	loc, err := b.Put(context.Background(), "c/2024-01-01/b.ndjson", []byte("{}\n"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, err := b.Get(context.Background(), loc)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "{}\n" {
		t.Errorf("content: got %q", data)
	}
	if _, err := os.Stat(filepath.Join(dir, "c", "2024-01-01", "b.ndjson")); err != nil {
		t.Errorf("expected object on disk: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "c", "2024-01-01", ".archive-*"))
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestGetRejectsForeignPaths(t *testing.T) {
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, loc := range []string{"file:///etc/passwd", "s3://bucket/key", "::"} {
		if _, err := b.Get(context.Background(), loc); err == nil {
			t.Errorf("Get(%q): expected error", loc)
		}
	}
}

func TestFactoryRequiresDir(t *testing.T) {
	if _, err := NewFactory()(context.Background(), map[string]string{}, nil); err == nil {
		t.Error("expected error without dir")
	}
	b, err := NewFactory()(context.Background(), map[string]string{"dir": t.TempDir()}, nil)
	if err != nil || b == nil {
		t.Errorf("factory: %v, %v", b, err)
	}
}
