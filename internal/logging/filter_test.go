package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// recordSink counts records. Clones made by WithAttrs share the counter.
type recordSink struct {
	mu *sync.Mutex
	n  *int
}

func newRecordSink() recordSink {
	var n int
	return recordSink{mu: &sync.Mutex{}, n: &n}
}

func (s recordSink) Enabled(context.Context, slog.Level) bool { return true }
func (s recordSink) Handle(context.Context, slog.Record) error {
	s.mu.Lock()
	*s.n++
	s.mu.Unlock()
	return nil
}
func (s recordSink) WithAttrs([]slog.Attr) slog.Handler { return s }
func (s recordSink) WithGroup(string) slog.Handler      { return s }

func (s recordSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.n
}

func TestComponentFilterDefaultLevel(t *testing.T) {
	sink := newRecordSink()
	logger := slog.New(NewComponentFilterHandler(sink, slog.LevelInfo))

	logger.Info("kept", "component", "ingest")
	logger.Debug("dropped", "component", "ingest")
	logger.Warn("kept", "component", "ingest")
	logger.Debug("dropped, no component")

	if got := sink.count(); got != 2 {
		t.Errorf("records: expected 2, got %d", got)
	}
}

func TestComponentFilterOverrides(t *testing.T) {
	sink := newRecordSink()
	filter := NewComponentFilterHandler(sink, slog.LevelInfo)
	worker := slog.New(filter).With("component", "worker")
	mirror := slog.New(filter).With("component", "mirror")

	// Loggers scoped before SetLevel still observe it.
	filter.SetLevel("worker", slog.LevelDebug)
	worker.Debug("flush scheduled")
	mirror.Debug("page read")
	if got := sink.count(); got != 1 {
		t.Fatalf("after SetLevel: expected 1, got %d", got)
	}

	filter.ClearLevel("worker")
	worker.Debug("flush scheduled")
	if got := sink.count(); got != 1 {
		t.Errorf("after ClearLevel: expected 1, got %d", got)
	}

	filter.ClearLevel("never-set")
	if lvl := filter.Level("never-set"); lvl != slog.LevelInfo {
		t.Errorf("Level: expected INFO, got %v", lvl)
	}
	if lvl := filter.DefaultLevel(); lvl != slog.LevelInfo {
		t.Errorf("DefaultLevel: expected INFO, got %v", lvl)
	}
}

func TestComponentFilterParseLevels(t *testing.T) {
	filter := NewComponentFilterHandler(nil, slog.LevelInfo)
	filter.ParseLevels("worker=debug, mirror=WARN,bogus,server=loud")

	tests := []struct {
		component string
		want      slog.Level
	}{
		{"worker", slog.LevelDebug},
		{"mirror", slog.LevelWarn},
		{"server", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := filter.Level(tt.component); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.component, tt.want, got)
		}
	}
}

func TestComponentFilterWithGroup(t *testing.T) {
	sink := newRecordSink()
	logger := slog.New(NewComponentFilterHandler(sink, slog.LevelWarn).WithGroup("req"))

	logger.Info("dropped", "component", "server")
	logger.Error("kept", "component", "server")
	if got := sink.count(); got != 1 {
		t.Errorf("records: expected 1, got %d", got)
	}
}

func TestComponentFilterConcurrent(t *testing.T) {
	sink := newRecordSink()
	filter := NewComponentFilterHandler(sink, slog.LevelInfo)
	logger := slog.New(filter).With("component", "worker")

	const goroutines, iterations = 8, 200
	var wg sync.WaitGroup
	for range goroutines {
		wg.Go(func() {
			for range iterations {
				logger.Info("flushed")
			}
		})
		wg.Go(func() {
			for range iterations {
				filter.SetLevel("worker", slog.LevelDebug)
				filter.ClearLevel("worker")
			}
		})
	}
	wg.Wait()

	if got := sink.count(); got != goroutines*iterations {
		t.Errorf("records: expected %d, got %d", goroutines*iterations, got)
	}
}

func TestComponentFilterTextOutput(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	filter := NewComponentFilterHandler(base, slog.LevelInfo)
	filter.SetLevel("ingest", slog.LevelDebug)

	slog.New(filter).With("component", "ingest").Debug("chunk published")
	slog.New(filter).With("component", "analytics").Debug("query built")

	out := buf.String()
	if !strings.Contains(out, "chunk published") {
		t.Errorf("expected ingest debug line, got: %s", out)
	}
	if strings.Contains(out, "query built") {
		t.Errorf("unexpected analytics debug line: %s", out)
	}
}
