// Package memsource is an in-memory mirror source.
package memsource

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"sync"
	"time"

	"eventlake/internal/event"
	"eventlake/internal/mirror"
)

type row struct {
	id        string
	updatedAt time.Time
	raw       []byte
}

// Source holds collections of raw JSON documents.
type Source struct {
	mu    sync.Mutex
	colls map[string]map[string]row
}

var _ mirror.Source = (*Source)(nil)

func New() *Source {
	return &Source{colls: make(map[string]map[string]row)}
}

// Put inserts or replaces a document.
func (s *Source) Put(collection, id string, updatedAt time.Time, fields *event.Object) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	s.PutRaw(collection, id, updatedAt, raw)
	return nil
}

// PutRaw stores raw bytes as the document body. Bodies that are not a
// JSON object surface as *mirror.DocumentError when read.
func (s *Source) PutRaw(collection, id string, updatedAt time.Time, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.colls[collection]
	if !ok {
		c = make(map[string]row)
		s.colls[collection] = c
	}
	c[id] = row{id: id, updatedAt: updatedAt, raw: raw}
}

func (s *Source) matching(collection string, since *time.Time) []row {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []row
	for _, r := range s.colls[collection] {
		if since == nil || r.updatedAt.After(*since) {
			out = append(out, r)
		}
	}
	return out
}

func (s *Source) Count(_ context.Context, collection string, since *time.Time) (int64, error) {
	return int64(len(s.matching(collection, since))), nil
}

// Open snapshots the matching documents.
func (s *Source) Open(_ context.Context, collection string, since *time.Time) (mirror.Cursor, error) {
	rows := s.matching(collection, since)
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].updatedAt.Equal(rows[j].updatedAt) {
			return rows[i].updatedAt.After(rows[j].updatedAt)
		}
		return rows[i].id < rows[j].id
	})
	return &cursor{rows: rows}, nil
}

func (s *Source) Close() error { return nil }

type cursor struct {
	rows []row
	pos  int
}

func (c *cursor) Next(ctx context.Context) (mirror.Document, error) {
	if err := ctx.Err(); err != nil {
		return mirror.Document{}, err
	}
	if c.pos >= len(c.rows) {
		return mirror.Document{}, io.EOF
	}
	r := c.rows[c.pos]
	c.pos++
	fields := event.NewObject()
	if err := json.Unmarshal(r.raw, fields); err != nil {
		return mirror.Document{}, &mirror.DocumentError{ID: r.id, Err: err}
	}
	return mirror.Document{ID: r.id, UpdatedAt: r.updatedAt, Fields: fields}, nil
}

func (c *cursor) Close() error { return nil }
