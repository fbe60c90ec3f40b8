package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"eventlake/internal/access"
	"eventlake/internal/analytics"
	"eventlake/internal/api"
	"eventlake/internal/archive"
	"eventlake/internal/archive/file"
	"eventlake/internal/auth"
	"eventlake/internal/broker"
	brokermem "eventlake/internal/broker/memory"
	"eventlake/internal/catalog"
	catmem "eventlake/internal/catalog/memory"
	"eventlake/internal/event"
	"eventlake/internal/ingest"
	"eventlake/internal/search"
	searchmem "eventlake/internal/search/memory"
)

const indexPrefix = "events-"

var indexerSub = broker.Subscription{Topic: ingest.DefaultTopic, Name: "indexer"}

type testEnv struct {
	srv    *Server
	http   *httptest.Server
	store  *catmem.Store
	broker *brokermem.Broker
	index  *searchmem.Index
	admin  string
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	b := brokermem.New(nil)
	if err := b.EnsureTopic(ctx, ingest.DefaultTopic); err != nil {
		t.Fatal(err)
	}
	if err := b.EnsureSubscription(ctx, indexerSub); err != nil {
		t.Fatal(err)
	}
	backend, err := file.New(t.TempDir())
	if err != nil {
		t.Fatalf("file.New: %v", err)
	}
	store := catmem.NewStore()
	ix := searchmem.New(nil)
	resolver := access.NewResolver(store, nil)
	tokens := auth.NewTokenService([]byte("test-secret-0123456789abcdef0123"), time.Hour)

	srv := New(Config{
		Store: store,
		Ingest: ingest.New(ingest.Config{
			Store:       store,
			Archiver:    archive.New(archive.Config{Backend: backend}),
			Publisher:   b,
			Index:       ix,
			IndexPrefix: indexPrefix,
		}),
		Analytics: analytics.NewService(analytics.Config{
			Collections: store,
			Scopes:      resolver,
			Index:       ix,
			IndexPrefix: indexPrefix,
		}),
		Access:     resolver,
		Auth:       auth.NewAuthenticator(auth.AuthenticatorConfig{Tokens: tokens, Credentials: store, Public: PublicPaths}),
		IngestRate: -1,
		Index:      ix,
	})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	admin, _, err := tokens.Issue("ops", auth.RoleAdmin)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return &testEnv{srv: srv, http: hs, store: store, broker: b, index: ix, admin: admin}
}

// call sends a JSON request as the admin.
func (e *testEnv) call(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	return e.do(t, method, path, body, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+e.admin)
	})
}

func (e *testEnv) callKey(t *testing.T, key, method, path string, body any) (int, []byte) {
	t.Helper()
	return e.do(t, method, path, body, func(r *http.Request) {
		r.Header.Set(auth.HeaderAccessKey, key)
	})
}

func (e *testEnv) do(t *testing.T, method, path string, body any, authorize func(*http.Request)) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authorize != nil {
		authorize(req)
	}
	resp, err := e.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, data
}

func decodeAs[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return v
}

func (e *testEnv) provision(t *testing.T, name string) catalog.Collection {
	t.Helper()
	code, body := e.call(t, http.MethodPut, "/collections", map[string]any{"name": name, "timeField": "ts"})
	if code != http.StatusCreated {
		t.Fatalf("PUT /collections: expected 201, got %d: %s", code, body)
	}
	return decodeAs[catalog.Collection](t, body)
}

func TestProbesArePublic(t *testing.T) {
	e := newEnv(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		if code, _ := e.do(t, http.MethodGet, path, nil, nil); code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, code)
		}
	}
	if code, body := e.do(t, http.MethodGet, "/collections", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("unauthenticated: expected 401, got %d: %s", code, body)
	}
}

func TestReadyReportsDependencyFailure(t *testing.T) {
	srv := New(Config{
		Store:      catmem.NewStore(),
		IngestRate: -1,
		Ready:      func(context.Context) error { return errors.New("broker unreachable") },
	})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestStats(t *testing.T) {
	e := newEnv(t)
	e.provision(t, "test-collection")

	code, body := e.call(t, http.MethodGet, "/stats", nil)
	if code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d: %s", code, body)
	}
	st := decodeAs[api.Stats](t, body)
	if st.Memory.Goroutines <= 0 || st.Memory.Inuse <= 0 {
		t.Errorf("memory: got %+v", st.Memory)
	}
	if st.Search == nil || st.SearchError != "" {
		t.Errorf("search: got %+v, error %q", st.Search, st.SearchError)
	}
	if st.StartedAt.IsZero() || st.Uptime == "" {
		t.Errorf("uptime: got %q since %v", st.Uptime, st.StartedAt)
	}

	key := e.seedScoped(t, "read", "alice")
	if code, _ := e.callKey(t, key, http.MethodGet, "/stats", nil); code != http.StatusForbidden {
		t.Errorf("scoped credential: expected 403, got %d", code)
	}
}

func TestCollectionLifecycle(t *testing.T) {
	e := newEnv(t)
	coll := e.provision(t, "test-collection")

	code, body := e.call(t, http.MethodPut, "/collections", map[string]any{"name": "test-collection", "description": "updated"})
	if code != http.StatusOK {
		t.Fatalf("re-provision: expected 200, got %d: %s", code, body)
	}
	if got := decodeAs[catalog.Collection](t, body); got.ID != coll.ID || got.Description != "updated" {
		t.Errorf("re-provision: got %+v", got)
	}

	code, body = e.call(t, http.MethodGet, "/collections/test-collection", nil)
	if code != http.StatusOK {
		t.Fatalf("GET by name: %d %s", code, body)
	}

	code, body = e.call(t, http.MethodGet, "/collections/"+coll.ID.String()+"/last-entry-at", nil)
	if code != http.StatusOK {
		t.Fatalf("last-entry-at: %d %s", code, body)
	}
	if got := decodeAs[api.LastEntry](t, body); got.LastEntryAt != nil {
		t.Errorf("last-entry-at: expected null before ingest, got %v", got.LastEntryAt)
	}

	code, body = e.call(t, http.MethodPost, "/events?collection=test-collection", []map[string]any{
		{"occurredAt": "2024-05-01T10:00:00Z", "msg": "a"},
		{"occurredAt": "2024-05-01T12:00:00Z", "msg": "b"},
	})
	if code != http.StatusAccepted {
		t.Fatalf("POST /events: %d %s", code, body)
	}
	_, body = e.call(t, http.MethodGet, "/collections/test-collection/last-entry-at", nil)
	want := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if got := decodeAs[api.LastEntry](t, body); got.LastEntryAt == nil || !got.LastEntryAt.Equal(want) {
		t.Errorf("last-entry-at: expected %v, got %v", want, got.LastEntryAt)
	}

	code, body = e.call(t, http.MethodPatch, "/collections/test-collection", map[string]any{"name": "renamed"})
	if code != http.StatusOK {
		t.Fatalf("rename: %d %s", code, body)
	}

	_, body = e.call(t, http.MethodGet, "/collections?limit=10", nil)
	list := decodeAs[api.List[catalog.Collection]](t, body)
	if list.Total != 1 || len(list.Items) != 1 || list.Items[0].Name != "renamed" {
		t.Errorf("list: got %+v", list)
	}

	if code, _ := e.call(t, http.MethodDelete, "/collections/renamed", nil); code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", code)
	}
	if code, _ := e.call(t, http.MethodGet, "/collections/renamed", nil); code != http.StatusNotFound {
		t.Errorf("after delete: expected 404, got %d", code)
	}
	if ok, _ := e.index.IndexExists(context.Background(), search.IndexName(indexPrefix, coll.ID.String())); ok {
		t.Error("expected index dropped with collection")
	}
}

func TestIngestValidation(t *testing.T) {
	e := newEnv(t)
	e.provision(t, "test-collection")

	code, body := e.call(t, http.MethodPost, "/events", map[string]any{
		"collection": "test-collection",
		"events": []map[string]any{
			{"occurredAt": "2024-05-01T10:00:00Z"},
			{"msg": "no time"},
		},
	})
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", code, body)
	}
	eb := decodeAs[api.Error](t, body)
	if eb.Field != event.FieldOccurredAt || eb.Index == nil || *eb.Index != 1 {
		t.Errorf("error body: got %+v", eb)
	}
	if n, _ := e.store.CountBatches(context.Background(), uuid.Nil); n != 0 {
		t.Errorf("no batch may be recorded for an invalid request, got %d", n)
	}

	code, _ = e.call(t, http.MethodPost, "/events?collection=nope", []map[string]any{{"occurredAt": 1714557600000}})
	if code != http.StatusNotFound {
		t.Errorf("unknown collection: expected 404, got %d", code)
	}

	code, _ = e.call(t, http.MethodPost, "/events", []map[string]any{{"occurredAt": 1714557600000}})
	if code != http.StatusBadRequest {
		t.Errorf("missing collection: expected 400, got %d", code)
	}
}

func TestIngestRejectsEnvelopeKey(t *testing.T) {
	e := newEnv(t)
	e.provision(t, "test-collection")

	code, body := e.call(t, http.MethodPost, "/events", map[string]any{
		"collection": "test-collection",
		"events": []map[string]any{
			{"occurredAt": "2024-01-01T00:00:00Z", "@envelope": map[string]any{"batchId": "x"}},
		},
	})
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", code, body)
	}
	eb := decodeAs[api.Error](t, body)
	if eb.Field != event.FieldEnvelope || eb.Index == nil || *eb.Index != 0 {
		t.Errorf("error body: got %+v", eb)
	}
	if n, _ := e.store.CountBatches(context.Background(), uuid.Nil); n != 0 {
		t.Errorf("no batch may be recorded for a reserved key, got %d", n)
	}
	if s := e.broker.Stats(indexerSub); s.Pending != 0 {
		t.Errorf("nothing may be published, got %d pending", s.Pending)
	}
}

func TestIngestAcceptsGzipBody(t *testing.T) {
	e := newEnv(t)
	e.provision(t, "test-collection")

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	io.WriteString(gz, `[{"id":"x1","occurredAt":"2024-05-01T10:00:00Z"},{"id":"x2","occurredAt":"2024-05-01T10:05:00Z"}]`)
	gz.Close()

	req, _ := http.NewRequest(http.MethodPost, e.http.URL+"/events?collection=test-collection", &buf)
	req.Header.Set("Authorization", "Bearer "+e.admin)
	req.Header.Set("Content-Encoding", "gzip")
	resp, err := e.http.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 202, got %d: %s", resp.StatusCode, data)
	}
	var b catalog.Batch
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		t.Fatal(err)
	}
	if b.NumEvents != 2 {
		t.Errorf("numEvents: expected 2, got %d", b.NumEvents)
	}
	if st := e.broker.Stats(indexerSub); st.Pending != 2 {
		t.Errorf("pending messages: expected 2, got %d", st.Pending)
	}
}

func TestBatchEndpoints(t *testing.T) {
	e := newEnv(t)
	e.provision(t, "test-collection")

	_, body := e.call(t, http.MethodPost, "/events?collection=test-collection", []map[string]any{
		{"id": "a", "occurredAt": "2024-05-01T10:00:00Z", "n": 1},
		{"id": "b", "occurredAt": "2024-05-01T09:00:00Z", "n": 2},
		{"id": "c", "occurredAt": "2024-05-01T11:00:00Z", "n": 3},
	})
	batch := decodeAs[catalog.Batch](t, body)
	if batch.NumEvents != 3 || batch.ArchiveURL == "" {
		t.Fatalf("batch: got %+v", batch)
	}
	if !batch.MinOccurredAt.Equal(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)) ||
		!batch.MaxOccurredAt.Equal(time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)) {
		t.Errorf("span: got %v .. %v", batch.MinOccurredAt, batch.MaxOccurredAt)
	}

	code, body := e.call(t, http.MethodGet, "/batches?collection=test-collection", nil)
	if code != http.StatusOK {
		t.Fatalf("list: %d %s", code, body)
	}
	if list := decodeAs[api.List[catalog.Batch]](t, body); list.Total != 1 || list.Items[0].ID != batch.ID {
		t.Errorf("list: got %+v", list)
	}

	code, body = e.call(t, http.MethodGet, "/batches/"+batch.ID.String()+"/events", nil)
	if code != http.StatusOK {
		t.Fatalf("events: %d %s", code, body)
	}
	var archived []map[string]any
	if err := json.Unmarshal(body, &archived); err != nil {
		t.Fatal(err)
	}
	if len(archived) != 3 || archived[1]["id"] != "b" {
		t.Errorf("archived events: got %v", archived)
	}

	if code, _ := e.call(t, http.MethodGet, "/batches/not-a-uuid", nil); code != http.StatusBadRequest {
		t.Errorf("bad id: expected 400, got %d", code)
	}

	code, body = e.call(t, http.MethodDelete, "/batches/"+batch.ID.String(), nil)
	if code != http.StatusOK {
		t.Fatalf("delete: %d %s", code, body)
	}
	if code, _ := e.call(t, http.MethodGet, "/batches/"+batch.ID.String(), nil); code != http.StatusNotFound {
		t.Errorf("after delete: expected 404, got %d", code)
	}
}

// seedScoped creates a policy on test-collection requiring an owner value
// and a credential bound to it, returning the credential's access key.
func (e *testEnv) seedScoped(t *testing.T, permission string, owner any) string {
	t.Helper()
	code, body := e.call(t, http.MethodPut, "/access-policies", map[string]any{
		"name": "tenants",
		"grants": []map[string]any{{
			"collection":  "test-collection",
			"scope":       map[string]any{"env": "prod"},
			"scopeFields": []string{"owner"},
			"exclude":     []string{"secret"},
			"permission":  permission,
		}},
	})
	if code != http.StatusCreated && code != http.StatusOK {
		t.Fatalf("PUT /access-policies: %d %s", code, body)
	}
	code, body = e.call(t, http.MethodPut, "/access-credentials", map[string]any{
		"name":        "tenant-a",
		"policy":      "tenants",
		"scopeValues": []map[string]any{{"field": "owner", "value": owner}},
	})
	if code != http.StatusCreated {
		t.Fatalf("PUT /access-credentials: %d %s", code, body)
	}
	resp := decodeAs[api.Credential](t, body)
	if resp.AccessKey == "" {
		t.Fatal("expected access key on create")
	}
	return resp.AccessKey
}

func TestAccessAdministration(t *testing.T) {
	e := newEnv(t)
	e.provision(t, "test-collection")

	code, body := e.call(t, http.MethodPut, "/access-policies", map[string]any{
		"name":   "broken",
		"grants": []map[string]any{{"collection": "missing", "permission": "read"}},
	})
	if code != http.StatusNotFound {
		t.Errorf("unknown collection in grant: expected 404, got %d: %s", code, body)
	}

	code, body = e.call(t, http.MethodPut, "/access-policies", map[string]any{
		"name":   "nested",
		"grants": []map[string]any{{"collection": "test-collection", "scope": map[string]any{"a": map[string]any{"b": 1}}}},
	})
	if code != http.StatusBadRequest {
		t.Errorf("nested scope: expected 400, got %d: %s", code, body)
	}
	if eb := decodeAs[api.Error](t, body); eb.Field != "grants[0].scope.a" {
		t.Errorf("nested scope field: got %q", eb.Field)
	}

	key := e.seedScoped(t, "read", "alice")

	code, body = e.call(t, http.MethodPut, "/access-credentials", map[string]any{
		"name": "tenant-b", "policy": "tenants",
	})
	if code != http.StatusBadRequest || !strings.Contains(string(body), "owner") {
		t.Errorf("credential without owner: expected 400 naming owner, got %d: %s", code, body)
	}

	code, body = e.call(t, http.MethodPut, "/access-credentials", map[string]any{
		"name": "tenant-a", "policy": "tenants",
		"scopeValues": []map[string]any{{"field": "owner", "value": []string{"alice", "bob"}}},
	})
	if code != http.StatusOK {
		t.Fatalf("update credential: %d %s", code, body)
	}
	if resp := decodeAs[api.Credential](t, body); resp.AccessKey != "" {
		t.Error("updating a credential must not issue a new secret")
	}

	// The original key keeps working after the update.
	if code, body := e.callKey(t, key, http.MethodGet, "/collections/test-collection", nil); code != http.StatusOK {
		t.Errorf("credential read: expected 200, got %d: %s", code, body)
	}
	if code, _ := e.callKey(t, key, http.MethodPut, "/collections", map[string]any{"name": "x"}); code != http.StatusForbidden {
		t.Errorf("credential admin call: expected 403, got %d", code)
	}
	if code, _ := e.callKey(t, key+"x", http.MethodGet, "/collections", nil); code != http.StatusUnauthorized {
		t.Errorf("bad secret: expected 401, got %d", code)
	}

	e.provision(t, "other")
	_, body = e.callKey(t, key, http.MethodGet, "/collections", nil)
	if list := decodeAs[api.List[catalog.Collection]](t, body); list.Total != 1 || list.Items[0].Name != "test-collection" {
		t.Errorf("credential list: got %+v", list)
	}
	if code, _ := e.callKey(t, key, http.MethodGet, "/collections/other", nil); code != http.StatusForbidden {
		t.Errorf("ungranted collection: expected 403, got %d", code)
	}
}

func TestWriteAccessRequiresReadWrite(t *testing.T) {
	e := newEnv(t)
	e.provision(t, "test-collection")
	key := e.seedScoped(t, "read", "alice")

	evs := []map[string]any{{"occurredAt": "2024-05-01T10:00:00Z"}}
	code, body := e.callKey(t, key, http.MethodPost, "/events?collection=test-collection", evs)
	if code != http.StatusForbidden {
		t.Fatalf("read-only credential: expected 403, got %d: %s", code, body)
	}

	code, body = e.call(t, http.MethodPut, "/access-policies", map[string]any{
		"name": "tenants",
		"grants": []map[string]any{{
			"collection":  "test-collection",
			"scopeFields": []string{"owner"},
			"permission":  "read-write",
		}},
	})
	if code != http.StatusOK {
		t.Fatalf("upgrade policy: %d %s", code, body)
	}
	if code, body := e.callKey(t, key, http.MethodPost, "/events?collection=test-collection", evs); code != http.StatusAccepted {
		t.Errorf("read-write credential: expected 202, got %d: %s", code, body)
	}
}

func TestQueryDryRunAppliesScope(t *testing.T) {
	e := newEnv(t)
	e.provision(t, "test-collection")
	key := e.seedScoped(t, "read", "alice")

	code, body := e.callKey(t, key, http.MethodPost, "/query/terms?dryRun=true", map[string]any{
		"collection":  "test-collection",
		"aggregation": map[string]any{"field": "status"},
	})
	if code != http.StatusOK {
		t.Fatalf("dry run: %d %s", code, body)
	}
	resp := decodeAs[map[string]any](t, body)
	q, _ := json.Marshal(resp["query"])
	for _, want := range []string{`{"term":{"env":"prod"}}`, `{"term":{"owner":"alice"}}`, `"terms":{"field":"status"`} {
		if !strings.Contains(string(q), want) {
			t.Errorf("query missing %s: %s", want, q)
		}
	}

	if code, _ := e.callKey(t, key, http.MethodPost, "/query/histogram", map[string]any{"collection": "test-collection"}); code != http.StatusNotFound {
		t.Errorf("unknown kind: expected 404, got %d", code)
	}
}

func TestQueryMissingScopeValue(t *testing.T) {
	e := newEnv(t)
	e.provision(t, "test-collection")
	key := e.seedScoped(t, "read", "alice")

	// Tighten the policy after the credential was issued.
	code, body := e.call(t, http.MethodPut, "/access-policies", map[string]any{
		"name": "tenants",
		"grants": []map[string]any{{
			"collection":  "test-collection",
			"scopeFields": []string{"region", "owner", "team"},
			"permission":  "read",
		}},
	})
	if code != http.StatusOK {
		t.Fatalf("update policy: %d %s", code, body)
	}

	code, body = e.callKey(t, key, http.MethodPost, "/query/search", map[string]any{"collection": "test-collection"})
	if code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", code, body)
	}
	eb := decodeAs[api.Error](t, body)
	if strings.Join(eb.Missing, ",") != "region,team" || eb.Collection != "test-collection" {
		t.Errorf("error body: got %+v", eb)
	}
}

func TestQueryIndexNotFound(t *testing.T) {
	e := newEnv(t)
	coll := e.provision(t, "test-collection")
	if err := e.index.DeleteIndex(context.Background(), search.IndexName(indexPrefix, coll.ID.String())); err != nil {
		t.Fatal(err)
	}

	code, body := e.call(t, http.MethodPost, "/query/stats", map[string]any{
		"collection":  "test-collection",
		"aggregation": map[string]any{"fields": []string{"n"}},
	})
	if code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", code, body)
	}
	eb := decodeAs[api.Error](t, body)
	if eb.Error != "index_not_found" || eb.Query == nil {
		t.Errorf("expected attempted query in error body, got %+v", eb)
	}
}

func TestWriteErrorUpstreamBadRequest(t *testing.T) {
	s := New(Config{Store: catmem.NewStore(), IngestRate: -1})
	rec := httptest.NewRecorder()
	err := &search.UpstreamIndexError{
		Op:     "search",
		Index:  "events-x",
		Reason: "search_phase_execution_exception",
		Cause:  errors.New("illegal_argument_exception: Text fields are not optimised"),
	}
	s.writeError(rec, httptest.NewRequest(http.MethodPost, "/query/terms", nil), err)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	eb := decodeAs[api.Error](t, rec.Body.Bytes())
	if eb.Reason != "search_phase_execution_exception" || !strings.Contains(eb.Cause, "illegal_argument_exception") {
		t.Errorf("error body: got %+v", eb)
	}
}

func TestStopDrains(t *testing.T) {
	s := New(Config{Store: catmem.NewStore(), IngestRate: 10, IngestBurst: 10})
	done := make(chan error, 1)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() { done <- s.Serve(ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Serve: %v", err)
	}
}
