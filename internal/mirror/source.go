package mirror

import (
	"context"
	"fmt"
	"time"

	"eventlake/internal/event"
)

// Document is one row of a source collection.
type Document struct {
	ID        string
	UpdatedAt time.Time
	Fields    *event.Object
}

// Source reads monitored collections. When since is non-nil only
// documents updated strictly after it are considered.
type Source interface {
	Count(ctx context.Context, collection string, since *time.Time) (int64, error)
	// Open returns a cursor over the matching documents ordered by update
	// time descending, then id ascending.
	Open(ctx context.Context, collection string, since *time.Time) (Cursor, error)
	Close() error
}

// Cursor yields documents one at a time. Next returns io.EOF after the
// last document. A *DocumentError reports one unreadable document; the
// cursor stays usable.
type Cursor interface {
	Next(ctx context.Context) (Document, error)
	Close() error
}

// DocumentError is a malformed source document.
type DocumentError struct {
	ID  string
	Err error
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("document %q: %v", e.ID, e.Err)
}

func (e *DocumentError) Unwrap() error { return e.Err }
