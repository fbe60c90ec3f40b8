// Package memory provides an in-process search.Index. It evaluates the
// subset of the query DSL the analytics layer emits (bool, term, terms,
// exists, range, ids, match, query_string) and its aggregations (terms,
// date_histogram, stats, cardinality, single-value metrics, top_hits).
package memory

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"eventlake/internal/logging"
	"eventlake/internal/search"
)

type doc struct {
	id     string
	seq    uint64
	source json.RawMessage
	fields map[string]any
}

type index struct {
	mapping search.Mapping
	docs    map[string]*doc
}

// Index is an in-memory search index. Writes are visible immediately.
type Index struct {
	mu      sync.RWMutex
	indices map[string]*index
	aliases map[string]map[string]bool
	seq     uint64
	failure error
	logger  *slog.Logger
}

var _ search.Index = (*Index)(nil)

// New creates an empty engine.
func New(logger *slog.Logger) *Index {
	return &Index{
		indices: make(map[string]*index),
		aliases: make(map[string]map[string]bool),
		logger:  logging.Default(logger).With("component", "search", "type", "memory"),
	}
}

// NewFactory returns a search.Factory for in-memory engines.
func NewFactory() search.Factory {
	return func(_ map[string]string, logger *slog.Logger) (search.Index, error) {
		return New(logger), nil
	}
}

// Fail makes every subsequent Bulk call return err as a transport error.
// Passing nil restores normal operation.
func (ix *Index) Fail(err error) {
	ix.mu.Lock()
	ix.failure = err
	ix.mu.Unlock()
}

func decode(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("document must be a JSON object")
	}
	return m, nil
}

// Bulk writes documents, creating missing indices with a default mapping.
// Date-mapped fields that do not parse as dates reject the item.
func (ix *Index) Bulk(ctx context.Context, items []search.BulkItem, opts search.BulkOptions) (*search.BulkResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.failure != nil {
		return nil, &search.UpstreamIndexError{Op: "bulk", Cause: ix.failure}
	}

	resp := &search.BulkResponse{Items: make([]search.BulkItemResult, len(items))}
	for i, it := range items {
		res := search.BulkItemResult{Index: it.Index, ID: it.ID}
		fields, err := decode(it.Document)
		if err != nil {
			res.Status = 400
			res.Error = "mapper_parsing_exception: " + err.Error()
			resp.Items[i] = res
			continue
		}
		idx, ok := ix.indices[it.Index]
		if !ok {
			idx = &index{docs: make(map[string]*doc)}
			ix.indices[it.Index] = idx
		}
		if field, ok := badDate(idx.mapping, fields); !ok {
			res.Status = 400
			res.Error = fmt.Sprintf("mapper_parsing_exception: failed to parse field [%s] of type [date]", field)
			resp.Items[i] = res
			continue
		}
		if res.ID == "" {
			res.ID = uuid.NewString()
		}
		res.Status = 201
		if _, exists := idx.docs[res.ID]; exists {
			res.Status = 200
		}
		ix.seq++
		idx.docs[res.ID] = &doc{id: res.ID, seq: ix.seq, source: slices.Clone(it.Document), fields: fields}
		resp.Items[i] = res
	}
	return resp, nil
}

func badDate(m search.Mapping, fields map[string]any) (string, bool) {
	for _, f := range m.DateFields() {
		for _, v := range fieldValues(fields, f) {
			if v == nil {
				continue
			}
			if _, ok := timeOf(v); !ok {
				return f, false
			}
		}
	}
	return "", true
}

// resolve expands an index expression (names, aliases, comma lists and
// wildcards) to concrete indices. Caller holds the lock.
func (ix *Index) resolve(expr string) ([]*index, []string, bool) {
	var out []*index
	var names []string
	add := func(name string) {
		if slices.Contains(names, name) {
			return
		}
		names = append(names, name)
		out = append(out, ix.indices[name])
	}
	for part := range strings.SplitSeq(expr, ",") {
		part = strings.TrimSpace(part)
		if strings.ContainsAny(part, "*?") {
			for name := range ix.indices {
				if ok, _ := doublestar.Match(part, name); ok {
					add(name)
				}
			}
			continue
		}
		if _, ok := ix.indices[part]; ok {
			add(part)
			continue
		}
		members, ok := ix.aliases[part]
		if !ok {
			return nil, nil, false
		}
		for name := range members {
			add(name)
		}
	}
	return out, names, true
}

type match struct {
	index string
	doc   *doc
}

func (ix *Index) find(op, expr string, q search.Query) ([]match, error) {
	indices, names, ok := ix.resolve(expr)
	if !ok {
		return nil, search.IndexNotFound(op, expr, q)
	}
	query, _ := asMap(q["query"])
	var out []match
	for i, idx := range indices {
		for _, d := range idx.docs {
			ok, err := matches(query, d)
			if err != nil {
				return nil, badRequest(op, expr, q, err)
			}
			if ok {
				out = append(out, match{names[i], d})
			}
		}
	}
	slices.SortFunc(out, func(a, b match) int { return cmp.Compare(a.doc.seq, b.doc.seq) })
	return out, nil
}

func badRequest(op, index string, q search.Query, err error) error {
	var pe *parseError
	if errors.As(err, &pe) {
		return &search.UpstreamIndexError{Op: op, Index: index, Reason: "parsing_exception: " + pe.reason, Query: q}
	}
	return &search.UpstreamIndexError{Op: op, Index: index, Query: q, Cause: err}
}

// Search evaluates q against index.
func (ix *Index) Search(ctx context.Context, expr string, q search.Query) (*search.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	found, err := ix.find("search", expr, q)
	if err != nil {
		return nil, err
	}

	res := &search.Result{Total: int64(len(found))}
	if aggs, ok := subAggs(q); ok {
		docs := make([]*doc, len(found))
		for i, m := range found {
			docs[i] = m.doc
		}
		computed, err := aggregate(aggs, docs, expr)
		if err != nil {
			return nil, badRequest("search", expr, q, err)
		}
		res.Aggregations = make(map[string]json.RawMessage, len(computed))
		for name, v := range computed {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode aggregation %s: %w", name, err)
			}
			res.Aggregations[name] = raw
		}
	}

	var keys []sortKey
	if s, ok := q["sort"]; ok {
		keys, err = parseSort(s)
		if err != nil {
			return nil, badRequest("search", expr, q, err)
		}
		slices.SortStableFunc(found, func(a, b match) int { return compareDocs(keys, a.doc, b.doc) })
	}

	from, size := 0, 10
	if v, ok := num(q["from"]); ok {
		from = int(v)
	}
	if v, ok := num(q["size"]); ok {
		size = int(v)
	}
	from = min(max(from, 0), len(found))
	end := min(from+max(size, 0), len(found))
	for _, m := range found[from:end] {
		h := search.Hit{Index: m.index, ID: m.doc.id, Source: m.doc.source}
		for _, k := range keys {
			h.Sort = append(h.Sort, firstValue(m.doc, k.field))
		}
		res.Hits = append(res.Hits, h)
	}
	return res, nil
}

// Count returns the number of documents matching q.
func (ix *Index) Count(ctx context.Context, expr string, q search.Query) (int64, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	found, err := ix.find("count", expr, q)
	if err != nil {
		return 0, err
	}
	return int64(len(found)), nil
}

// DeleteByQuery removes matching documents and returns how many.
func (ix *Index) DeleteByQuery(ctx context.Context, expr string, q search.Query) (int64, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	found, err := ix.find("delete_by_query", expr, q)
	if err != nil {
		return 0, err
	}
	for _, m := range found {
		delete(ix.indices[m.index].docs, m.doc.id)
	}
	if len(found) > 0 {
		ix.logger.Debug("deleted by query", "index", expr, "deleted", len(found))
	}
	return int64(len(found)), nil
}

// Get returns a document's source, or nil when it does not exist.
func (ix *Index) Get(ctx context.Context, name, id string) (json.RawMessage, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	idx, ok := ix.indices[name]
	if !ok {
		return nil, search.IndexNotFound("get", name, nil)
	}
	d, ok := idx.docs[id]
	if !ok {
		return nil, nil
	}
	return slices.Clone(d.source), nil
}

// CreateIndex creates an index. Creating an existing index is an error.
func (ix *Index) CreateIndex(ctx context.Context, name string, mapping search.Mapping) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.indices[name]; ok {
		return &search.UpstreamIndexError{Op: "create_index", Index: name, Reason: "resource_already_exists_exception"}
	}
	ix.indices[name] = &index{mapping: mapping, docs: make(map[string]*doc)}
	ix.logger.Debug("created index", "index", name)
	return nil
}

// DeleteIndex drops an index and its alias memberships.
func (ix *Index) DeleteIndex(ctx context.Context, name string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.indices[name]; !ok {
		return search.IndexNotFound("delete_index", name, nil)
	}
	delete(ix.indices, name)
	for alias, members := range ix.aliases {
		delete(members, name)
		if len(members) == 0 {
			delete(ix.aliases, alias)
		}
	}
	return nil
}

// IndexExists reports whether name is an index or alias.
func (ix *Index) IndexExists(ctx context.Context, name string) (bool, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if _, ok := ix.indices[name]; ok {
		return true, nil
	}
	_, ok := ix.aliases[name]
	return ok, nil
}

// PutAlias points alias at index.
func (ix *Index) PutAlias(ctx context.Context, name, alias string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.indices[name]; !ok {
		return search.IndexNotFound("put_alias", name, nil)
	}
	if ix.aliases[alias] == nil {
		ix.aliases[alias] = make(map[string]bool)
	}
	ix.aliases[alias][name] = true
	return nil
}

// DeleteAlias removes index from alias.
func (ix *Index) DeleteAlias(ctx context.Context, name, alias string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	members, ok := ix.aliases[alias]
	if !ok || !members[name] {
		return &search.UpstreamIndexError{Op: "delete_alias", Index: name, Reason: "aliases_not_found_exception: " + alias}
	}
	delete(members, name)
	if len(members) == 0 {
		delete(ix.aliases, alias)
	}
	return nil
}

// Mapping returns the index creation body the index was created with.
func (ix *Index) Mapping(ctx context.Context, name string) (json.RawMessage, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	idx, ok := ix.indices[name]
	if !ok {
		return nil, search.IndexNotFound("mapping", name, nil)
	}
	return json.Marshal(map[string]any{name: idx.mapping.Body()})
}

// ClusterStats summarizes the engine.
func (ix *Index) ClusterStats(ctx context.Context) (*search.ClusterStats, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	st := &search.ClusterStats{Status: "green", Indices: len(ix.indices)}
	for _, idx := range ix.indices {
		st.Docs += int64(len(idx.docs))
	}
	return st, nil
}

// Close is a no-op.
func (ix *Index) Close() error { return nil }
