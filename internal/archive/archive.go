// Package archive writes each ingested batch as an immutable newline-delimited
// JSON object, optionally zstd-compressed, to a pluggable storage backend.
//
// Object keys have the form <collectionId>/<yyyy-mm-dd>/<batchId>.ndjson[.zst]
// where the date is the batch's ingestion day in UTC.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"eventlake/internal/event"
	"eventlake/internal/logging"
)

// Backend stores archive objects. Put returns a locator (filesystem URL or
// cloud URI) that Get accepts.
type Backend interface {
	Put(ctx context.Context, key string, content []byte) (string, error)
	Get(ctx context.Context, locator string) ([]byte, error)
}

// Factory builds a backend from string parameters, following the
// params-map convention used for every pluggable component.
type Factory func(ctx context.Context, params map[string]string, logger *slog.Logger) (Backend, error)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Config configures an Archiver.
type Config struct {
	Backend  Backend
	Compress bool
	Logger   *slog.Logger
}

// Archiver encodes batches and hands them to a backend.
type Archiver struct {
	backend  Backend
	compress bool
	logger   *slog.Logger
}

// New creates an Archiver.
func New(cfg Config) *Archiver {
	return &Archiver{
		backend:  cfg.Backend,
		compress: cfg.Compress,
		logger:   logging.Default(cfg.Logger).With("component", "archive"),
	}
}

// Key returns the object key for a batch.
func Key(collectionID, batchID uuid.UUID, ingestedAt time.Time, compressed bool) string {
	name := batchID.String() + ".ndjson"
	if compressed {
		name += ".zst"
	}
	return path.Join(collectionID.String(), ingestedAt.UTC().Format(time.DateOnly), name)
}

// Write archives events and returns the backend locator.
func (a *Archiver) Write(ctx context.Context, collectionID, batchID uuid.UUID, ingestedAt time.Time, events []event.Event) (string, error) {
	data, err := Encode(events, a.compress)
	if err != nil {
		return "", fmt.Errorf("encode batch %s: %w", batchID, err)
	}
	key := Key(collectionID, batchID, ingestedAt, a.compress)
	loc, err := a.backend.Put(ctx, key, data)
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	a.logger.Debug("batch archived", "batch", batchID, "locator", loc, "bytes", len(data))
	return loc, nil
}

// Read fetches and decodes an archived batch.
func (a *Archiver) Read(ctx context.Context, locator string) ([]*event.Object, error) {
	data, err := a.backend.Get(ctx, locator)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", locator, err)
	}
	return Decode(data)
}

// Encode writes one JSON object per line.
func Encode(events []event.Event, compress bool) ([]byte, error) {
	var buf bytes.Buffer
	var w io.Writer = &buf
	var enc *zstd.Encoder
	if compress {
		var err error
		enc, err = zstd.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		w = enc
	}
	for _, e := range events {
		line, err := e.Fields.MarshalJSON()
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(line); err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte{'\n'}); err != nil {
			return nil, err
		}
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode. Compression is detected from the zstd frame magic.
func Decode(data []byte) ([]*event.Object, error) {
	var r io.Reader = bytes.NewReader(data)
	if bytes.HasPrefix(data, zstdMagic) {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		r = dec
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var out []*event.Object
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		o := event.NewObject()
		if err := o.UnmarshalJSON(line); err != nil {
			return nil, fmt.Errorf("line %d: %w", len(out)+1, err)
		}
		out = append(out, o)
	}
	return out, sc.Err()
}

// ParseURI splits scheme://bucket/key.
func ParseURI(locator, scheme string) (bucket, key string, err error) {
	u, err := url.Parse(locator)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != scheme || u.Host == "" {
		return "", "", fmt.Errorf("not a %s locator: %q", scheme, locator)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// ContentType returns the MIME type for an archive key.
func ContentType(key string) string {
	if strings.HasSuffix(key, ".zst") {
		return "application/zstd"
	}
	return "application/x-ndjson"
}
