package analytics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"eventlake/internal/access"
	"eventlake/internal/auth"
	"eventlake/internal/catalog"
	catmem "eventlake/internal/catalog/memory"
	"eventlake/internal/event"
	"eventlake/internal/search"
	"eventlake/internal/search/memory"
)

type fixture struct {
	svc   *Service
	store *catmem.Store
	index *memory.Index
	coll  catalog.Collection
}

var day0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := catmem.NewStore()
	coll := catalog.Collection{ID: catalog.NewID(), Name: "test-collection", TimeField: "ts"}
	if err := store.CreateCollection(ctx, coll); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	ix := memory.New(nil)
	f := &fixture{
		svc: NewService(Config{
			Collections: store,
			Scopes:      access.NewResolver(store, nil),
			Index:       ix,
			IndexPrefix: "events-",
		}),
		store: store,
		index: ix,
		coll:  coll,
	}
	return f
}

// seed indexes ten events: six for tenant acme, four for globex, spread
// over days 0, 2 and 3 of March 2024.
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	days := []int{0, 0, 2, 2, 3, 0, 2, 3, 3, 0}
	var items []search.BulkItem
	for i := range 10 {
		tenant := "acme"
		if i >= 6 {
			tenant = "globex"
		}
		at := day0.AddDate(0, 0, days[i]).Add(time.Hour)
		ev := event.New(fmt.Sprintf("e%d", i), at, event.ObjectOf(
			"tenant", tenant,
			"team", []string{"red", "blue", "green"}[i%3],
			"amount", i+1,
			"ts", at.Format(time.RFC3339),
			"secret", "s3cr3t",
		))
		doc, err := ev.Document(event.Envelope{BatchID: "b1", CollectionID: f.coll.ID.String(), IngestedAt: day0})
		if err != nil {
			t.Fatalf("Document: %v", err)
		}
		items = append(items, search.BulkItem{
			Index:    search.IndexName("events-", f.coll.ID.String()),
			ID:       ev.ID,
			Document: doc,
		})
	}
	resp, err := f.index.Bulk(context.Background(), items, search.BulkOptions{Refresh: true})
	if err != nil {
		t.Fatalf("Bulk: %v", err)
	}
	if fails := resp.Failures(); len(fails) > 0 {
		t.Fatalf("bulk failures: %+v", fails)
	}
}

func (f *fixture) credential(t *testing.T, grant catalog.Grant, values ...catalog.ScopeValue) auth.Principal {
	t.Helper()
	policy := catalog.AccessPolicy{ID: catalog.NewID(), Name: "p-" + uuid.NewString(), Grants: []catalog.Grant{grant}}
	if err := f.store.PutPolicy(context.Background(), policy); err != nil {
		t.Fatalf("PutPolicy: %v", err)
	}
	return auth.ForCredential(&catalog.AccessCredential{
		ID: uuid.New(), Name: "c", PolicyID: policy.ID, ScopeValues: values,
	})
}

func TestSearchScopeEnforcement(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	size := 100

	resp, err := f.svc.Run(ctx, auth.Admin("root"), KindSearch, Request{
		Collection: "test-collection", Filter: FilterOptions{Size: &size},
	})
	if err != nil {
		t.Fatalf("admin search: %v", err)
	}
	if resp.Search.Total != 10 || len(resp.Search.Hits) != 10 {
		t.Errorf("admin: expected 10 hits, got %d/%d", resp.Search.Total, len(resp.Search.Hits))
	}

	p := f.credential(t, catalog.Grant{
		CollectionName: "test-collection",
		ScopeFields:    []string{"tenant"},
		Exclude:        []string{"secret"},
		Permission:     catalog.PermissionRead,
	}, catalog.ScopeValue{Field: "tenant", Value: "acme"})

	resp, err = f.svc.Run(ctx, p, KindSearch, Request{Collection: f.coll.ID.String(), Filter: FilterOptions{Size: &size}})
	if err != nil {
		t.Fatalf("scoped search: %v", err)
	}
	if resp.Search.Total != 6 {
		t.Fatalf("scoped: expected 6 hits, got %d", resp.Search.Total)
	}
	for _, h := range resp.Search.Hits {
		if v, _ := h.Source.Get("tenant"); v != "acme" {
			t.Errorf("hit %s: tenant %v leaked", h.ID, v)
		}
		if _, ok := h.Source.Get("secret"); ok {
			t.Errorf("hit %s: excluded field present", h.ID)
		}
	}
}

func TestSearchMultiFieldScope(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	p := f.credential(t, catalog.Grant{
		CollectionName: "test-collection",
		Scope:          map[string]any{"tenant": "acme"},
		ScopeFields:    []string{"team"},
		Permission:     catalog.PermissionRead,
	}, catalog.ScopeValue{Field: "team", Value: []any{"red", "blue"}})

	resp, err := f.svc.Run(context.Background(), p, KindSearch, Request{Collection: "test-collection"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// acme is e0..e5; red/blue are i%3 in {0,1}: e0 e1 e3 e4.
	if resp.Search.Total != 4 {
		t.Errorf("expected 4 hits, got %d", resp.Search.Total)
	}
}

func TestSearchDefaultSortAndProjection(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	size := 2
	resp, err := f.svc.Run(context.Background(), auth.Admin("root"), KindSearch, Request{
		Collection: "test-collection",
		Filter:     FilterOptions{Size: &size, Include: []string{"ts", "amount"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(resp.Search.Hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(resp.Search.Hits))
	}
	top, _ := resp.Search.Hits[0].Source.Get("ts")
	if top != day0.AddDate(0, 0, 3).Add(time.Hour).Format(time.RFC3339) {
		t.Errorf("sort: newest first expected, got %v", top)
	}
	if keys := resp.Search.Hits[0].Source.Keys(); len(keys) != 2 {
		t.Errorf("projection: expected 2 fields, got %v", keys)
	}
}

func TestTermsOrdering(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	resp, err := f.svc.Run(context.Background(), auth.Admin("root"), KindTerms, Request{
		Collection:  "test-collection",
		Aggregation: Aggregation{Field: "team", TopHit: &TopHit{Include: []string{"amount"}}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	b := resp.Terms.Buckets
	// red: e0 e3 e6 e9; blue: e1 e4 e7; green: e2 e5 e8.
	if len(b) != 3 || b[0].Key != "red" || b[0].Count != 4 || b[1].Key != "blue" || b[2].Key != "green" {
		t.Fatalf("buckets: got %+v", b)
	}
	if b[0].TopHit == nil {
		t.Fatal("expected top hit")
	}
	if keys := b[0].TopHit.Source.Keys(); len(keys) != 1 || keys[0] != "amount" {
		t.Errorf("top hit projection: got %v", keys)
	}

	resp, err = f.svc.Run(context.Background(), auth.Admin("root"), KindTerms, Request{
		Collection:  "test-collection",
		Aggregation: Aggregation{Field: "team", ValueField: "amount", Op: "sum"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	b = resp.Terms.Buckets
	// red 1+4+7+10=22, green 3+6+9=18, blue 2+5+8=15.
	if len(b) != 3 || b[0].Key != "red" || b[1].Key != "green" || b[2].Key != "blue" {
		t.Fatalf("metric order: got %+v", b)
	}
	if b[1].Value == nil || *b[1].Value != 18 {
		t.Errorf("green sum: got %v", b[1].Value)
	}
}

func TestTimeSeriesZeroFilled(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	resp, err := f.svc.Run(context.Background(), auth.Admin("root"), KindTimeSeries, Request{
		Collection: "test-collection",
		Aggregation: Aggregation{
			Start: day0.Format(time.RFC3339),
			End:   day0.AddDate(0, 0, 4).Format(time.RFC3339),
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var counts []int64
	for i, b := range resp.TimeSeries.Buckets {
		if !b.Time.Equal(day0.AddDate(0, 0, i)) {
			t.Errorf("bucket %d: time %v", i, b.Time)
		}
		counts = append(counts, b.Count)
	}
	want := []int64{4, 0, 3, 3, 0}
	if fmt.Sprint(counts) != fmt.Sprint(want) {
		t.Errorf("counts: expected %v, got %v", want, counts)
	}
}

func TestStatsAndCardinality(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	resp, err := f.svc.Run(ctx, auth.Admin("root"), KindStats, Request{
		Collection:  "test-collection",
		Aggregation: Aggregation{Fields: []string{"amount", "missing"}},
	})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	s := resp.Stats["amount"]
	if s.Count != 10 || s.Sum != 55 || s.Min == nil || *s.Min != 1 || s.Max == nil || *s.Max != 10 {
		t.Errorf("amount stats: got %+v", s)
	}
	if m := resp.Stats["missing"]; m.Count != 0 || m.Avg != nil {
		t.Errorf("missing stats: got %+v", m)
	}

	resp, err = f.svc.Run(ctx, auth.Admin("root"), KindCardinality, Request{
		Collection:  "test-collection",
		Aggregation: Aggregation{Fields: []string{"tenant", "team"}},
	})
	if err != nil {
		t.Fatalf("cardinality: %v", err)
	}
	if resp.Cardinality["tenant"] != 2 || resp.Cardinality["team"] != 3 {
		t.Errorf("cardinality: got %v", resp.Cardinality)
	}
}

func TestDryRunDoesNotExecute(t *testing.T) {
	f := newFixture(t)
	f.index.Fail(errors.New("must not be called"))
	resp, err := f.svc.Run(context.Background(), auth.Admin("root"), KindCardinality, Request{
		Collection:  "test-collection",
		Aggregation: Aggregation{Fields: []string{"user"}},
		DryRun:      true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := `{"aggs":{"cardinality:user":{"cardinality":{"field":"user"}}},"query":{"match_all":{}},"size":0}`
	if got := mustJSON(t, resp.Query); got != want {
		t.Errorf("query:\nexpected %s\ngot      %s", want, got)
	}
	if resp.Index != search.IndexName("events-", f.coll.ID.String()) {
		t.Errorf("index: got %q", resp.Index)
	}
}

func TestRunErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Run(ctx, auth.Admin("root"), KindSearch, Request{Collection: "nope"})
	if !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("unknown collection: expected ErrNotFound, got %v", err)
	}

	_, err = f.svc.Run(ctx, auth.Admin("root"), KindSearch, Request{Collection: "test-collection"})
	if !errors.Is(err, search.ErrIndexNotFound) {
		t.Errorf("no index yet: expected ErrIndexNotFound, got %v", err)
	}
	var ue *search.UpstreamIndexError
	if !errors.As(err, &ue) || ue.Query == nil {
		t.Errorf("expected attempted query on error, got %v", err)
	}

	p := f.credential(t, catalog.Grant{CollectionName: "other", Permission: catalog.PermissionRead})
	_, err = f.svc.Run(ctx, p, KindSearch, Request{Collection: "test-collection"})
	if !errors.Is(err, access.ErrUnauthorized) {
		t.Errorf("no grant: expected ErrUnauthorized, got %v", err)
	}
}
