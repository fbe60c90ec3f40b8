// Package search defines the queryable event store: one physical index per
// collection, an Elasticsearch-compatible query document, and the bulk,
// search and admin operations the pipeline needs.
//
// Query documents are plain maps so the analytics builder can produce them
// without knowing the engine, and a dry run can return them verbatim.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Query is a search request body in the Elasticsearch query DSL.
type Query = map[string]any

// ErrIndexNotFound is the cause of an UpstreamIndexError when the target
// index does not exist.
var ErrIndexNotFound = errors.New("index not found")

// UpstreamIndexError is a failure reported by the search engine. Query is
// the request that was attempted, when there was one.
type UpstreamIndexError struct {
	Op     string
	Index  string
	Reason string
	Query  Query
	Cause  error
}

func (e *UpstreamIndexError) Error() string {
	var b strings.Builder
	b.WriteString("search ")
	b.WriteString(e.Op)
	if e.Index != "" {
		b.WriteString(" ")
		b.WriteString(e.Index)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *UpstreamIndexError) Unwrap() error { return e.Cause }

// IndexNotFound builds the error returned when index does not exist.
func IndexNotFound(op, index string, q Query) error {
	return &UpstreamIndexError{Op: op, Index: index, Query: q, Cause: ErrIndexNotFound}
}

// BulkItem is one document write. An empty ID lets the engine assign one.
type BulkItem struct {
	Index    string
	ID       string
	Document json.RawMessage
}

// BulkOptions control a bulk write.
type BulkOptions struct {
	// Refresh makes the written documents visible to search before Bulk
	// returns.
	Refresh bool
}

// BulkItemResult is the outcome of one BulkItem.
type BulkItemResult struct {
	Index  string
	ID     string
	Status int
	Error  string
}

// Failed reports whether the item was rejected.
func (r BulkItemResult) Failed() bool { return r.Status >= 300 || r.Error != "" }

// BulkResponse reports per-item outcomes in request order.
type BulkResponse struct {
	Items []BulkItemResult
}

// Failures returns the rejected items.
func (r *BulkResponse) Failures() []BulkItemResult {
	var out []BulkItemResult
	for _, it := range r.Items {
		if it.Failed() {
			out = append(out, it)
		}
	}
	return out
}

// Hit is one matched document.
type Hit struct {
	Index  string          `json:"_index"`
	ID     string          `json:"_id"`
	Source json.RawMessage `json:"_source"`
	Sort   []any           `json:"sort,omitempty"`
}

// Result is a search response. Aggregations keep the engine's JSON shape.
type Result struct {
	Total        int64                      `json:"total"`
	Hits         []Hit                      `json:"hits"`
	Aggregations map[string]json.RawMessage `json:"aggregations,omitempty"`
}

// ClusterStats is a summary of the engine.
type ClusterStats struct {
	Status  string `json:"status"`
	Indices int    `json:"indices"`
	Docs    int64  `json:"docs"`
}

// Index is the search engine client.
//
// Search, Count and DeleteByQuery on a missing index return an
// UpstreamIndexError wrapping ErrIndexNotFound. Get returns (nil, nil) for a
// missing document.
type Index interface {
	Bulk(ctx context.Context, items []BulkItem, opts BulkOptions) (*BulkResponse, error)
	Search(ctx context.Context, index string, q Query) (*Result, error)
	Count(ctx context.Context, index string, q Query) (int64, error)
	DeleteByQuery(ctx context.Context, index string, q Query) (int64, error)
	Get(ctx context.Context, index, id string) (json.RawMessage, error)

	CreateIndex(ctx context.Context, index string, mapping Mapping) error
	DeleteIndex(ctx context.Context, index string) error
	IndexExists(ctx context.Context, index string) (bool, error)
	PutAlias(ctx context.Context, index, alias string) error
	DeleteAlias(ctx context.Context, index, alias string) error
	Mapping(ctx context.Context, index string) (json.RawMessage, error)
	ClusterStats(ctx context.Context) (*ClusterStats, error)

	Close() error
}

// Factory constructs an Index from string params.
type Factory func(params map[string]string, logger *slog.Logger) (Index, error)

// IndexName returns the physical index name for a collection.
func IndexName(prefix, collectionID string) string {
	return strings.ToLower(prefix + collectionID)
}

// EnsureIndex creates index unless it already exists.
func EnsureIndex(ctx context.Context, idx Index, index string, mapping Mapping) error {
	ok, err := idx.IndexExists(ctx, index)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if err := idx.CreateIndex(ctx, index, mapping); err != nil {
		var ue *UpstreamIndexError
		// Lost a creation race with another writer.
		if errors.As(err, &ue) && strings.Contains(ue.Reason, "resource_already_exists_exception") {
			return nil
		}
		return fmt.Errorf("create index %s: %w", index, err)
	}
	return nil
}
