// Package client is a Go client for the eventlake HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"eventlake/internal/access"
	"eventlake/internal/analytics"
	"eventlake/internal/api"
	"eventlake/internal/auth"
	"eventlake/internal/catalog"
	"eventlake/internal/event"
	"eventlake/internal/ingest"
	"eventlake/internal/search"
)

// compressAbove is the request body size from which bodies are sent
// zstd-compressed.
const compressAbove = 64 << 10

// Error is a non-2xx response.
type Error struct {
	Status int
	Body   api.Error
}

func (e *Error) Error() string {
	if e.Body.Message != "" {
		return fmt.Sprintf("eventlake: HTTP %d: %s", e.Status, e.Body.Message)
	}
	return fmt.Sprintf("eventlake: HTTP %d", e.Status)
}

// Is maps response codes onto the matching package sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case catalog.ErrNotFound:
		return e.Status == http.StatusNotFound && e.Body.Error != api.CodeIndexNotFound
	case access.ErrUnauthorized:
		return e.Status == http.StatusForbidden
	case search.ErrIndexNotFound:
		return e.Body.Error == api.CodeIndexNotFound
	case catalog.ErrConflict:
		return e.Status == http.StatusConflict && e.Body.Error == api.CodeConflict
	}
	return false
}

// Client calls one eventlake server.
type Client struct {
	base      string
	http      *http.Client
	token     string
	accessKey string
	encoder   *zstd.Encoder
}

// Option configures a Client.
type Option func(*Client)

// WithToken authenticates with a bearer token.
func WithToken(token string) Option { return func(c *Client) { c.token = token } }

// WithAccessKey authenticates with a credential's access key.
func WithAccessKey(key string) Option { return func(c *Client) { c.accessKey = key } }

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	c.encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	return c
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	var encoding string
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		if len(data) > compressAbove && c.encoder != nil {
			data = c.encoder.EncodeAll(data, nil)
			encoding = "zstd"
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	switch {
	case c.accessKey != "":
		req.Header.Set(auth.HeaderAccessKey, c.accessKey)
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if json.Unmarshal(data, &apiErr.Body) != nil {
			apiErr.Body.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// ProvisionCollection creates or updates a collection by name.
func (c *Client) ProvisionCollection(ctx context.Context, spec ingest.CollectionSpec) (*catalog.Collection, error) {
	var coll catalog.Collection
	if err := c.do(ctx, http.MethodPut, "/collections", spec, &coll); err != nil {
		return nil, err
	}
	return &coll, nil
}

// Collection fetches a collection by id or name.
func (c *Client) Collection(ctx context.Context, ref string) (*catalog.Collection, error) {
	var coll catalog.Collection
	if err := c.do(ctx, http.MethodGet, "/collections/"+url.PathEscape(ref), nil, &coll); err != nil {
		return nil, err
	}
	return &coll, nil
}

// Collections lists collections.
func (c *Client) Collections(ctx context.Context, offset, limit int) (*api.List[catalog.Collection], error) {
	q := url.Values{}
	q.Set("offset", fmt.Sprint(offset))
	q.Set("limit", fmt.Sprint(limit))
	var out api.List[catalog.Collection]
	if err := c.do(ctx, http.MethodGet, "/collections?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteCollection soft or hard deletes a collection.
func (c *Client) DeleteCollection(ctx context.Context, ref string, hard bool) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/collections/%s?hard=%t", url.PathEscape(ref), hard), nil, nil)
}

// LastEntryAt returns the newest occurrence time recorded for a
// collection, or nil when it has no events.
func (c *Client) LastEntryAt(ctx context.Context, ref string) (*time.Time, error) {
	var out api.LastEntry
	if err := c.do(ctx, http.MethodGet, "/collections/"+url.PathEscape(ref)+"/last-entry-at", nil, &out); err != nil {
		return nil, err
	}
	return out.LastEntryAt, nil
}

// Ingest sends one batch of events.
func (c *Client) Ingest(ctx context.Context, collection string, events []*event.Object) (*catalog.Batch, error) {
	var b catalog.Batch
	req := api.IngestRequest{Collection: collection, Events: events}
	if err := c.do(ctx, http.MethodPost, "/events", req, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Batch fetches a batch.
func (c *Client) Batch(ctx context.Context, id uuid.UUID) (*catalog.Batch, error) {
	var b catalog.Batch
	if err := c.do(ctx, http.MethodGet, "/batches/"+id.String(), nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// DeleteBatch deletes a batch and its indexed documents.
func (c *Client) DeleteBatch(ctx context.Context, id uuid.UUID, hard bool) (*api.DeletedBatch, error) {
	var out api.DeletedBatch
	if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/batches/%s?hard=%t", id, hard), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Batches lists batches, newest first, optionally for one collection.
func (c *Client) Batches(ctx context.Context, collection string, offset, limit int) (*api.List[catalog.Batch], error) {
	q := url.Values{}
	q.Set("offset", fmt.Sprint(offset))
	q.Set("limit", fmt.Sprint(limit))
	q.Set("sort", catalog.SortIngestedAt)
	q.Set("desc", "true")
	if collection != "" {
		q.Set("collection", collection)
	}
	var out api.List[catalog.Batch]
	if err := c.do(ctx, http.MethodGet, "/batches?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BatchEvents reads a batch's events back from the raw archive.
func (c *Client) BatchEvents(ctx context.Context, id uuid.UUID) ([]event.Event, error) {
	var out []event.Event
	if err := c.do(ctx, http.MethodGet, "/batches/"+id.String()+"/events", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RenameCollection changes a collection's name.
func (c *Client) RenameCollection(ctx context.Context, ref, name string) (*catalog.Collection, error) {
	var coll catalog.Collection
	if err := c.do(ctx, http.MethodPatch, "/collections/"+url.PathEscape(ref), api.Rename{Name: name}, &coll); err != nil {
		return nil, err
	}
	return &coll, nil
}

// PutPolicy creates or replaces an access policy.
func (c *Client) PutPolicy(ctx context.Context, req api.PolicyRequest) (*catalog.AccessPolicy, error) {
	var p catalog.AccessPolicy
	if err := c.do(ctx, http.MethodPut, "/access-policies", req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PutCredential creates or updates an access credential. The returned
// AccessKey is set only when a secret was issued.
func (c *Client) PutCredential(ctx context.Context, req api.CredentialRequest) (*api.Credential, error) {
	var out api.Credential
	if err := c.do(ctx, http.MethodPut, "/access-credentials", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Policies(ctx context.Context) (*api.List[catalog.AccessPolicy], error) {
	var out api.List[catalog.AccessPolicy]
	if err := c.do(ctx, http.MethodGet, "/access-policies", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeletePolicy(ctx context.Context, ref string) error {
	return c.do(ctx, http.MethodDelete, "/access-policies/"+url.PathEscape(ref), nil, nil)
}

func (c *Client) Credentials(ctx context.Context) (*api.List[catalog.AccessCredential], error) {
	var out api.List[catalog.AccessCredential]
	if err := c.do(ctx, http.MethodGet, "/access-credentials", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteCredential(ctx context.Context, ref string) error {
	return c.do(ctx, http.MethodDelete, "/access-credentials/"+url.PathEscape(ref), nil, nil)
}

// Query runs an analytics request.
func (c *Client) Query(ctx context.Context, kind analytics.Kind, req analytics.Request) (*analytics.Response, error) {
	var out analytics.Response
	if err := c.do(ctx, http.MethodPost, "/query/"+string(kind), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats fetches process and search engine statistics. Admin only.
func (c *Client) Stats(ctx context.Context) (*api.Stats, error) {
	var out api.Stats
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ready reports whether the server answers its readiness probe.
func (c *Client) Ready(ctx context.Context) error {
	err := c.do(ctx, http.MethodGet, "/readyz", nil, nil)
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Body.Message == "" {
		apiErr.Body.Message = "not ready"
	}
	return err
}
