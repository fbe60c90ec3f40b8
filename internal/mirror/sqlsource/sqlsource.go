// Package sqlsource reads mirror collections from SQL tables. Each
// collection is a table with an id column, an update-time column and a
// JSON document column.
package sqlsource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"eventlake/internal/event"
	"eventlake/internal/mirror"
)

// TimeLayout is how update times are stored and compared in SQLite,
// where timestamps are text. The fixed width keeps text order equal to
// time order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// Config selects the database and the column names.
type Config struct {
	Driver string // pgx, postgres, mysql or sqlite
	DSN    string

	IDColumn        string // default "id"
	UpdatedAtColumn string // default "updated_at"
	DocumentColumn  string // default "doc"
}

type dialect struct {
	driver string
	quote  func(string) string
	param  func(n int) string
	time   func(time.Time) any
}

var dialects = map[string]dialect{
	"pgx": {
		driver: "pgx",
		quote:  func(s string) string { return `"` + s + `"` },
		param:  func(n int) string { return fmt.Sprintf("$%d", n) },
		time:   func(t time.Time) any { return t.UTC() },
	},
	"mysql": {
		driver: "mysql",
		quote:  func(s string) string { return "`" + s + "`" },
		param:  func(int) string { return "?" },
		time:   func(t time.Time) any { return t.UTC() },
	},
	"sqlite": {
		driver: "sqlite",
		quote:  func(s string) string { return `"` + s + `"` },
		param:  func(int) string { return "?" },
		time:   func(t time.Time) any { return t.UTC().Format(TimeLayout) },
	},
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Source is a mirror.Source over a database/sql pool.
type Source struct {
	db      *sql.DB
	d       dialect
	id      string
	updated string
	doc     string
}

var _ mirror.Source = (*Source)(nil)

// Open connects and pings the database.
func Open(ctx context.Context, cfg Config) (*Source, error) {
	name := cfg.Driver
	if name == "postgres" {
		name = "pgx"
	}
	d, ok := dialects[name]
	if !ok {
		return nil, fmt.Errorf("sqlsource: unknown driver %q", cfg.Driver)
	}
	s := &Source{d: d}
	cols := []struct {
		dst *string
		val string
		def string
	}{
		{&s.id, cfg.IDColumn, "id"},
		{&s.updated, cfg.UpdatedAtColumn, "updated_at"},
		{&s.doc, cfg.DocumentColumn, "doc"},
	}
	for _, c := range cols {
		v := c.val
		if v == "" {
			v = c.def
		}
		if !identPattern.MatchString(v) {
			return nil, fmt.Errorf("sqlsource: invalid column name %q", v)
		}
		*c.dst = d.quote(v)
	}

	db, err := sql.Open(d.driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlsource: open %s: %w", d.driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlsource: ping %s: %w", d.driver, err)
	}
	s.db = db
	return s, nil
}

// DB exposes the pool, mostly for seeding tests.
func (s *Source) DB() *sql.DB { return s.db }

// EncodeTime renders t the way the dialect stores update times.
func (s *Source) EncodeTime(t time.Time) any { return s.d.time(t) }

func (s *Source) Close() error { return s.db.Close() }

func (s *Source) where(table string, since *time.Time) (string, []any, error) {
	if !identPattern.MatchString(table) {
		return "", nil, fmt.Errorf("sqlsource: invalid table name %q", table)
	}
	q := " FROM " + s.d.quote(table)
	if since == nil {
		return q, nil, nil
	}
	return q + " WHERE " + s.updated + " > " + s.d.param(1), []any{s.d.time(*since)}, nil
}

func (s *Source) Count(ctx context.Context, collection string, since *time.Time) (int64, error) {
	from, args, err := s.where(collection, since)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*)"+from, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlsource: count %s: %w", collection, err)
	}
	return n, nil
}

// Open streams matching rows newest first. The rows stay on the server
// side until pulled by Next.
func (s *Source) Open(ctx context.Context, collection string, since *time.Time) (mirror.Cursor, error) {
	from, args, err := s.where(collection, since)
	if err != nil {
		return nil, err
	}
	q := "SELECT " + s.id + ", " + s.updated + ", " + s.doc + from +
		" ORDER BY " + s.updated + " DESC, " + s.id + " ASC"
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlsource: query %s: %w", collection, err)
	}
	return &cursor{rows: rows}, nil
}

type cursor struct {
	rows *sql.Rows
}

func (c *cursor) Next(ctx context.Context) (mirror.Document, error) {
	if err := ctx.Err(); err != nil {
		return mirror.Document{}, err
	}
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			return mirror.Document{}, err
		}
		return mirror.Document{}, io.EOF
	}
	var (
		id      string
		updated any
		raw     []byte
	)
	if err := c.rows.Scan(&id, &updated, &raw); err != nil {
		return mirror.Document{}, fmt.Errorf("sqlsource: scan: %w", err)
	}
	ts, err := parseTime(updated)
	if err != nil {
		return mirror.Document{}, &mirror.DocumentError{ID: id, Err: err}
	}
	if raw == nil {
		return mirror.Document{}, &mirror.DocumentError{ID: id, Err: errors.New("null document")}
	}
	fields := event.NewObject()
	if err := fields.UnmarshalJSON(raw); err != nil {
		return mirror.Document{}, &mirror.DocumentError{ID: id, Err: err}
	}
	return mirror.Document{ID: id, UpdatedAt: ts, Fields: fields}, nil
}

func (c *cursor) Close() error { return c.rows.Close() }

func parseTime(v any) (time.Time, error) {
	var s string
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		s = t
	case []byte:
		s = string(t)
	case nil:
		return time.Time{}, errors.New("null update time")
	default:
		return time.Time{}, fmt.Errorf("unsupported update time type %T", v)
	}
	s = strings.TrimSpace(s)
	if ts, err := time.Parse(TimeLayout, s); err == nil {
		return ts, nil
	}
	// Zone-less text is read as UTC.
	ts, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable update time %q: %w", s, err)
	}
	return ts.UTC(), nil
}
