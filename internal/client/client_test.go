package client

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"eventlake/internal/access"
	"eventlake/internal/analytics"
	"eventlake/internal/api"
	"eventlake/internal/archive"
	"eventlake/internal/archive/file"
	"eventlake/internal/auth"
	brokermem "eventlake/internal/broker/memory"
	"eventlake/internal/catalog"
	catmem "eventlake/internal/catalog/memory"
	"eventlake/internal/event"
	"eventlake/internal/ingest"
	"eventlake/internal/mirror"
	"eventlake/internal/mirror/memsource"
	"eventlake/internal/search"
	searchmem "eventlake/internal/search/memory"
	"eventlake/internal/server"
)

func newServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	backend, err := file.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b := brokermem.New(nil)
	if err := b.EnsureTopic(context.Background(), ingest.DefaultTopic); err != nil {
		t.Fatal(err)
	}
	store := catmem.NewStore()
	ix := searchmem.New(nil)
	resolver := access.NewResolver(store, nil)
	tokens := auth.NewTokenService([]byte("client-test-secret-0123456789abc"), time.Hour)

	srv := server.New(server.Config{
		Store: store,
		Ingest: ingest.New(ingest.Config{
			Store:       store,
			Archiver:    archive.New(archive.Config{Backend: backend}),
			Publisher:   b,
			Index:       ix,
			IndexPrefix: "events-",
		}),
		Analytics: analytics.NewService(analytics.Config{
			Collections: store, Scopes: resolver, Index: ix, IndexPrefix: "events-",
		}),
		Access:     resolver,
		Auth:       auth.NewAuthenticator(auth.AuthenticatorConfig{Tokens: tokens, Credentials: store, Public: server.PublicPaths}),
		IngestRate: -1,
	})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	token, _, err := tokens.Issue("mirror", auth.RoleApplication)
	if err != nil {
		t.Fatal(err)
	}
	return hs, token
}

func TestCollectionsAndIngest(t *testing.T) {
	hs, token := newServer(t)
	c := New(hs.URL, WithToken(token))
	ctx := context.Background()

	if err := c.Ready(ctx); err != nil {
		t.Fatalf("Ready: %v", err)
	}

	coll, err := c.ProvisionCollection(ctx, ingest.CollectionSpec{Name: "test-collection", TimeField: "ts"})
	if err != nil {
		t.Fatalf("ProvisionCollection: %v", err)
	}
	again, err := c.ProvisionCollection(ctx, ingest.CollectionSpec{Name: "test-collection", TimeField: "ts"})
	if err != nil || again.ID != coll.ID {
		t.Fatalf("re-provision: %v, %v", again, err)
	}

	last, err := c.LastEntryAt(ctx, coll.ID.String())
	if err != nil || last != nil {
		t.Fatalf("LastEntryAt before ingest: %v, %v", last, err)
	}

	// Large enough to be sent compressed.
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	events := make([]*event.Object, 500)
	for i := range events {
		events[i] = event.ObjectOf(
			"id", fmt.Sprintf("row-%d", i),
			"occurredAt", at.Add(time.Duration(i)*time.Second).Format(time.RFC3339),
			"body", strings.Repeat("x", 200),
		)
	}
	b, err := c.Ingest(ctx, "test-collection", events)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if b.NumEvents != 500 {
		t.Errorf("numEvents: expected 500, got %d", b.NumEvents)
	}

	last, err = c.LastEntryAt(ctx, "test-collection")
	if err != nil {
		t.Fatal(err)
	}
	if want := at.Add(499 * time.Second); last == nil || !last.Equal(want) {
		t.Errorf("LastEntryAt: expected %v, got %v", want, last)
	}

	got, err := c.Batch(ctx, b.ID)
	if err != nil || got.Hash != b.Hash {
		t.Errorf("Batch: %+v, %v", got, err)
	}
	list, err := c.Collections(ctx, 0, 10)
	if err != nil || list.Total != 1 {
		t.Errorf("Collections: %+v, %v", list, err)
	}
}

func TestErrorsMapToSentinels(t *testing.T) {
	hs, token := newServer(t)
	ctx := context.Background()
	c := New(hs.URL, WithToken(token))

	_, err := c.Collection(ctx, "missing")
	if !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Status != 404 {
		t.Errorf("expected *Error with 404, got %v", err)
	}

	_, err = c.Ingest(ctx, "missing", []*event.Object{event.ObjectOf("x", 1)})
	if !errors.As(err, &apiErr) || apiErr.Body.Field != event.FieldOccurredAt {
		t.Errorf("expected validation error on occurredAt, got %v", err)
	}

	if _, err := New(hs.URL).Collections(ctx, 0, 10); err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("anonymous: expected 401, got %v", err)
	}
}

func TestCredentialFlow(t *testing.T) {
	hs, token := newServer(t)
	ctx := context.Background()
	c := New(hs.URL, WithToken(token))

	if _, err := c.ProvisionCollection(ctx, ingest.CollectionSpec{Name: "orders"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ProvisionCollection(ctx, ingest.CollectionSpec{Name: "hidden"}); err != nil {
		t.Fatal(err)
	}
	p, err := c.PutPolicy(ctx, api.PolicyRequest{
		Name: "mirror-readers",
		Grants: []api.GrantRequest{{
			Collection:  "orders",
			ScopeFields: []string{"tenant"},
			Permission:  catalog.PermissionRead,
		}},
	})
	if err != nil {
		t.Fatalf("PutPolicy: %v", err)
	}
	if len(p.Grants) != 1 || p.Grants[0].CollectionName != "orders" {
		t.Errorf("policy grants: got %+v", p.Grants)
	}

	cred, err := c.PutCredential(ctx, api.CredentialRequest{
		Name:        "tenant-7",
		Policy:      p.ID.String(),
		ScopeValues: []catalog.ScopeValue{{Field: "tenant", Value: "t7"}},
	})
	if err != nil {
		t.Fatalf("PutCredential: %v", err)
	}
	if cred.AccessKey == "" {
		t.Fatal("expected access key")
	}

	scoped := New(hs.URL, WithAccessKey(cred.AccessKey))
	resp, err := scoped.Query(ctx, analytics.KindSearch, analytics.Request{Collection: "orders", DryRun: true})
	if err != nil {
		t.Fatalf("scoped dry run: %v", err)
	}
	if resp.Index != search.IndexName("events-", p.Grants[0].CollectionID.String()) {
		t.Errorf("index: got %q", resp.Index)
	}

	_, err = scoped.Query(ctx, analytics.KindSearch, analytics.Request{Collection: "hidden"})
	if !errors.Is(err, access.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestMirrorOverHTTP(t *testing.T) {
	hs, token := newServer(t)
	ctx := context.Background()
	c := New(hs.URL, WithToken(token))

	src := memsource.New()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	put := func(from, n int) {
		for i := from; i < from+n; i++ {
			doc := event.ObjectOf("tenant", "acme", "email", fmt.Sprintf("u%d@example.com", i))
			if err := src.Put("accounts", fmt.Sprintf("acct-%d", i), base.Add(time.Duration(i)*time.Minute), doc); err != nil {
				t.Fatal(err)
			}
		}
	}
	put(0, 500)

	m, err := mirror.New(mirror.Config{
		PageSize:    200,
		Collections: []mirror.CollectionConfig{{Source: "accounts", Exclude: []string{"email"}}},
		Policy:      &mirror.PolicyConfig{Name: "mirror", ScopeFields: []string{"tenant"}},
		Credential:  &mirror.CredentialConfig{Name: "mirror-acme", ScopeValues: map[string]string{"tenant": "acme"}},
	}, src, c, nil)
	if err != nil {
		t.Fatal(err)
	}
	cred, err := m.Provision(ctx)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if cred.AccessKey == "" {
		t.Error("first provision should issue an access key")
	}
	cred, err = m.Provision(ctx)
	if err != nil {
		t.Fatalf("second Provision: %v", err)
	}
	if cred.AccessKey != "" {
		t.Error("repeated provision must not reissue the secret")
	}

	stats, errs := m.RunOnce(ctx)
	if errs[0] != nil {
		t.Fatalf("first run: %v", errs[0])
	}
	if stats[0].Forwarded != 500 || stats[0].Pages != 3 {
		t.Errorf("first run: got %+v", stats[0])
	}

	put(500, 2)
	stats, errs = m.RunOnce(ctx)
	if errs[0] != nil {
		t.Fatalf("second run: %v", errs[0])
	}
	if stats[0].Forwarded != 2 {
		t.Errorf("second run: expected 2 forwarded, got %d", stats[0].Forwarded)
	}
	last, err := c.LastEntryAt(ctx, "accounts")
	if err != nil {
		t.Fatal(err)
	}
	if want := base.Add(501 * time.Minute); last == nil || !last.Equal(want) {
		t.Errorf("LastEntryAt: expected %v, got %v", want, last)
	}
}

func TestAdministration(t *testing.T) {
	hs, token := newServer(t)
	ctx := context.Background()
	c := New(hs.URL, WithToken(token))

	if _, err := c.ProvisionCollection(ctx, ingest.CollectionSpec{Name: "audit"}); err != nil {
		t.Fatal(err)
	}
	at := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	for i := range 3 {
		evs := []*event.Object{event.ObjectOf("id", fmt.Sprintf("a%d", i), "occurredAt", at.Format(time.RFC3339), "n", i)}
		if _, err := c.Ingest(ctx, "audit", evs); err != nil {
			t.Fatal(err)
		}
	}

	batches, err := c.Batches(ctx, "audit", 0, 2)
	if err != nil {
		t.Fatalf("Batches: %v", err)
	}
	if batches.Total != 3 || len(batches.Items) != 2 {
		t.Errorf("batches: expected 2 of 3, got %d of %d", len(batches.Items), batches.Total)
	}
	evs, err := c.BatchEvents(ctx, batches.Items[0].ID)
	if err != nil {
		t.Fatalf("BatchEvents: %v", err)
	}
	if len(evs) != 1 || !evs[0].OccurredAt.Equal(at) {
		t.Errorf("archived events: got %+v", evs)
	}

	renamed, err := c.RenameCollection(ctx, "audit", "audit-log")
	if err != nil || renamed.Name != "audit-log" {
		t.Fatalf("RenameCollection: %+v, %v", renamed, err)
	}
	if _, err := c.Collection(ctx, "audit"); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("old name: expected ErrNotFound, got %v", err)
	}

	if _, err := c.PutPolicy(ctx, api.PolicyRequest{Name: "ops", Grants: []api.GrantRequest{{Collection: "audit-log"}}}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.PutCredential(ctx, api.CredentialRequest{Name: "ops-1", Policy: "ops"}); err != nil {
		t.Fatal(err)
	}
	creds, err := c.Credentials(ctx)
	if err != nil || creds.Total != 1 || creds.Items[0].Name != "ops-1" {
		t.Fatalf("Credentials: %+v, %v", creds, err)
	}
	if creds.Items[0].SecretHash != "" {
		t.Error("secret hash must not be exposed")
	}
	if err := c.DeleteCredential(ctx, "ops-1"); err != nil {
		t.Fatalf("DeleteCredential: %v", err)
	}
	if err := c.DeletePolicy(ctx, "ops"); err != nil {
		t.Fatalf("DeletePolicy: %v", err)
	}
	policies, err := c.Policies(ctx)
	if err != nil || policies.Total != 0 {
		t.Errorf("Policies after delete: %+v, %v", policies, err)
	}
}
