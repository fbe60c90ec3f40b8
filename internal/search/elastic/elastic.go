// Package elastic implements search.Index on Elasticsearch 8 using the
// official client.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"eventlake/internal/logging"
	"eventlake/internal/search"
)

// Config holds connection settings.
type Config struct {
	Addresses []string
	Username  string
	Password  string //nolint:gosec // G117: config field, not a hardcoded credential
	APIKey    string //nolint:gosec // G117: config field, not a hardcoded credential
	CloudID   string
	CACert    []byte
	Logger    *slog.Logger
}

// Index talks to an Elasticsearch cluster.
type Index struct {
	es     *elasticsearch.Client
	logger *slog.Logger
}

var _ search.Index = (*Index)(nil)

// New creates a client. No request is made until first use.
func New(cfg Config) (*Index, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
		CloudID:   cfg.CloudID,
		CACert:    cfg.CACert,
	})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch client: %w", err)
	}
	return &Index{
		es:     es,
		logger: logging.Default(cfg.Logger).With("component", "search", "type", "elastic"),
	}, nil
}

// NewFactory returns a search.Factory for Elasticsearch.
//
// Params: addresses (comma-separated), username, password, api_key,
// cloud_id, ca_cert_file.
func NewFactory() search.Factory {
	return func(params map[string]string, logger *slog.Logger) (search.Index, error) {
		cfg, err := parseParams(params)
		if err != nil {
			return nil, err
		}
		cfg.Logger = logger
		return New(cfg)
	}
}

func parseParams(params map[string]string) (Config, error) {
	cfg := Config{
		Username: params["username"],
		Password: params["password"],
		APIKey:   params["api_key"],
		CloudID:  params["cloud_id"],
	}
	for a := range strings.SplitSeq(params["addresses"], ",") {
		if a = strings.TrimSpace(a); a != "" {
			cfg.Addresses = append(cfg.Addresses, a)
		}
	}
	if len(cfg.Addresses) == 0 && cfg.CloudID == "" {
		return Config{}, fmt.Errorf("elastic search: addresses or cloud_id param is required")
	}
	if path := params["ca_cert_file"]; path != "" {
		pem, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("elastic search: read ca_cert_file: %w", err)
		}
		cfg.CACert = pem
	}
	return cfg, nil
}

// errorBody is the engine's error envelope.
type errorBody struct {
	Error struct {
		Type     string `json:"type"`
		Reason   string `json:"reason"`
		CausedBy *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"caused_by"`
	} `json:"error"`
	Status int `json:"status"`
}

// check converts an error response into an UpstreamIndexError and closes
// its body. A nil return means res is usable.
func check(op, index string, q search.Query, res *esapi.Response, err error) error {
	if err != nil {
		return &search.UpstreamIndexError{Op: op, Index: index, Query: q, Cause: err}
	}
	if !res.IsError() {
		return nil
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(res.Body)
	return upstreamError(op, index, q, res.StatusCode, raw)
}

func upstreamError(op, index string, q search.Query, status int, raw []byte) error {
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)
	if eb.Error.Type == "index_not_found_exception" || (status == http.StatusNotFound && eb.Error.Type == "") {
		return search.IndexNotFound(op, index, q)
	}
	ue := &search.UpstreamIndexError{Op: op, Index: index, Query: q}
	switch {
	case eb.Error.Type != "":
		ue.Reason = eb.Error.Type + ": " + eb.Error.Reason
	default:
		ue.Reason = fmt.Sprintf("status %d: %s", status, strings.TrimSpace(string(raw)))
	}
	if c := eb.Error.CausedBy; c != nil {
		ue.Cause = fmt.Errorf("%s: %s", c.Type, c.Reason)
	}
	return ue
}

func body(v any) (io.Reader, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return bytes.NewReader(raw), nil
}

func decodeBody(res *esapi.Response, into any) error {
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(into); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type bulkAction struct {
	Index struct {
		Index string `json:"_index"`
		ID    string `json:"_id,omitempty"`
	} `json:"index"`
}

// Bulk writes all items in one request.
func (ix *Index) Bulk(ctx context.Context, items []search.BulkItem, opts search.BulkOptions) (*search.BulkResponse, error) {
	if len(items) == 0 {
		return &search.BulkResponse{}, nil
	}
	var buf bytes.Buffer
	for _, it := range items {
		var a bulkAction
		a.Index.Index = it.Index
		a.Index.ID = it.ID
		meta, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		buf.Write(meta)
		buf.WriteByte('\n')
		buf.Write(bytes.TrimSpace(it.Document))
		buf.WriteByte('\n')
	}

	refresh := "false"
	if opts.Refresh {
		refresh = "true"
	}
	res, err := ix.es.Bulk(&buf,
		ix.es.Bulk.WithContext(ctx),
		ix.es.Bulk.WithRefresh(refresh),
	)
	if err := check("bulk", "", nil, res, err); err != nil {
		return nil, err
	}

	var parsed struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Index  string `json:"_index"`
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := decodeBody(res, &parsed); err != nil {
		return nil, err
	}
	out := &search.BulkResponse{Items: make([]search.BulkItemResult, len(parsed.Items))}
	for i, item := range parsed.Items {
		for _, r := range item {
			br := search.BulkItemResult{Index: r.Index, ID: r.ID, Status: r.Status}
			if r.Error != nil {
				br.Error = r.Error.Type + ": " + r.Error.Reason
			}
			out.Items[i] = br
		}
	}
	return out, nil
}

// Search runs q against index.
func (ix *Index) Search(ctx context.Context, index string, q search.Query) (*search.Result, error) {
	rd, err := body(q)
	if err != nil {
		return nil, err
	}
	opts := []func(*esapi.SearchRequest){
		ix.es.Search.WithContext(ctx),
		ix.es.Search.WithIndex(index),
		ix.es.Search.WithTrackTotalHits(true),
	}
	if rd != nil {
		opts = append(opts, ix.es.Search.WithBody(rd))
	}
	res, err := ix.es.Search(opts...)
	if err := check("search", index, q, res, err); err != nil {
		return nil, err
	}

	var parsed struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []search.Hit `json:"hits"`
		} `json:"hits"`
		Aggregations map[string]json.RawMessage `json:"aggregations"`
	}
	if err := decodeBody(res, &parsed); err != nil {
		return nil, err
	}
	return &search.Result{
		Total:        parsed.Hits.Total.Value,
		Hits:         parsed.Hits.Hits,
		Aggregations: parsed.Aggregations,
	}, nil
}

// Count returns the number of documents matching q. Only q's "query" key
// is sent.
func (ix *Index) Count(ctx context.Context, index string, q search.Query) (int64, error) {
	opts := []func(*esapi.CountRequest){
		ix.es.Count.WithContext(ctx),
		ix.es.Count.WithIndex(index),
	}
	if query, ok := q["query"]; ok {
		rd, err := body(map[string]any{"query": query})
		if err != nil {
			return 0, err
		}
		opts = append(opts, ix.es.Count.WithBody(rd))
	}
	res, err := ix.es.Count(opts...)
	if err := check("count", index, q, res, err); err != nil {
		return 0, err
	}
	var parsed struct {
		Count int64 `json:"count"`
	}
	if err := decodeBody(res, &parsed); err != nil {
		return 0, err
	}
	return parsed.Count, nil
}

// DeleteByQuery removes matching documents, refreshing the index so the
// deletion is visible immediately.
func (ix *Index) DeleteByQuery(ctx context.Context, index string, q search.Query) (int64, error) {
	rd, err := body(map[string]any{"query": q["query"]})
	if err != nil {
		return 0, err
	}
	res, err := ix.es.DeleteByQuery([]string{index}, rd,
		ix.es.DeleteByQuery.WithContext(ctx),
		ix.es.DeleteByQuery.WithRefresh(true),
		ix.es.DeleteByQuery.WithConflicts("proceed"),
	)
	if err := check("delete_by_query", index, q, res, err); err != nil {
		return 0, err
	}
	var parsed struct {
		Deleted int64 `json:"deleted"`
	}
	if err := decodeBody(res, &parsed); err != nil {
		return 0, err
	}
	return parsed.Deleted, nil
}

// Get returns a document's source, or nil when the document is missing.
func (ix *Index) Get(ctx context.Context, index, id string) (json.RawMessage, error) {
	res, err := ix.es.Get(index, id, ix.es.Get.WithContext(ctx))
	if err != nil {
		return nil, &search.UpstreamIndexError{Op: "get", Index: index, Cause: err}
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode == http.StatusNotFound {
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Error.Type == "index_not_found_exception" {
			return nil, search.IndexNotFound("get", index, nil)
		}
		return nil, nil
	}
	if res.IsError() {
		return nil, upstreamError("get", index, nil, res.StatusCode, raw)
	}
	var parsed struct {
		Source json.RawMessage `json:"_source"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return parsed.Source, nil
}

// CreateIndex creates index with the collection mapping.
func (ix *Index) CreateIndex(ctx context.Context, index string, mapping search.Mapping) error {
	rd, err := body(mapping.Body())
	if err != nil {
		return err
	}
	res, err := ix.es.Indices.Create(index,
		ix.es.Indices.Create.WithContext(ctx),
		ix.es.Indices.Create.WithBody(rd),
	)
	if err := check("create_index", index, nil, res, err); err != nil {
		return err
	}
	res.Body.Close()
	ix.logger.Info("created index", "index", index, "time_field", mapping.TimeField)
	return nil
}

// DeleteIndex drops index.
func (ix *Index) DeleteIndex(ctx context.Context, index string) error {
	res, err := ix.es.Indices.Delete([]string{index}, ix.es.Indices.Delete.WithContext(ctx))
	if err := check("delete_index", index, nil, res, err); err != nil {
		return err
	}
	res.Body.Close()
	ix.logger.Info("deleted index", "index", index)
	return nil
}

// IndexExists reports whether index (or an alias of that name) exists.
func (ix *Index) IndexExists(ctx context.Context, index string) (bool, error) {
	res, err := ix.es.Indices.Exists([]string{index}, ix.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, &search.UpstreamIndexError{Op: "index_exists", Index: index, Cause: err}
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, &search.UpstreamIndexError{Op: "index_exists", Index: index, Reason: res.Status()}
}

// PutAlias adds index to alias.
func (ix *Index) PutAlias(ctx context.Context, index, alias string) error {
	res, err := ix.es.Indices.PutAlias([]string{index}, alias, ix.es.Indices.PutAlias.WithContext(ctx))
	if err := check("put_alias", index, nil, res, err); err != nil {
		return err
	}
	res.Body.Close()
	return nil
}

// DeleteAlias removes index from alias.
func (ix *Index) DeleteAlias(ctx context.Context, index, alias string) error {
	res, err := ix.es.Indices.DeleteAlias([]string{index}, []string{alias}, ix.es.Indices.DeleteAlias.WithContext(ctx))
	if err := check("delete_alias", index, nil, res, err); err != nil {
		return err
	}
	res.Body.Close()
	return nil
}

// Mapping returns the raw mapping document for index.
func (ix *Index) Mapping(ctx context.Context, index string) (json.RawMessage, error) {
	res, err := ix.es.Indices.GetMapping(
		ix.es.Indices.GetMapping.WithContext(ctx),
		ix.es.Indices.GetMapping.WithIndex(index),
	)
	if err := check("mapping", index, nil, res, err); err != nil {
		return nil, err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return raw, nil
}

// ClusterStats returns cluster health and totals.
func (ix *Index) ClusterStats(ctx context.Context) (*search.ClusterStats, error) {
	res, err := ix.es.Cluster.Stats(ix.es.Cluster.Stats.WithContext(ctx))
	if err := check("cluster_stats", "", nil, res, err); err != nil {
		return nil, err
	}
	var parsed struct {
		Status  string `json:"status"`
		Indices struct {
			Count int `json:"count"`
			Docs  struct {
				Count int64 `json:"count"`
			} `json:"docs"`
		} `json:"indices"`
	}
	if err := decodeBody(res, &parsed); err != nil {
		return nil, err
	}
	return &search.ClusterStats{
		Status:  parsed.Status,
		Indices: parsed.Indices.Count,
		Docs:    parsed.Indices.Docs.Count,
	}, nil
}

// Close releases idle connections.
func (ix *Index) Close() error {
	if t, ok := ix.es.Transport.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
	return nil
}
