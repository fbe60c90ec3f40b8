// Package storetest provides a conformance suite for catalog.Store
// implementations. Each backend (memory, sqlite) runs it from its own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"eventlake/internal/catalog"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func collection(name string) catalog.Collection {
	return catalog.Collection{ID: catalog.NewID(), Name: name, Description: name + " events", TimeField: "occurredAt"}
}

func batch(c catalog.Collection, offset time.Duration, n int) catalog.Batch {
	return catalog.Batch{
		ID:            catalog.NewID(),
		CollectionID:  c.ID,
		IngestedAt:    t0.Add(offset),
		NumEvents:     n,
		MinOccurredAt: t0.Add(offset - time.Hour),
		MaxOccurredAt: t0.Add(offset),
		Hash:          fmt.Sprintf("%064d", n),
		SizeBytes:     int64(n * 100),
	}
}

// TestStore runs the full suite. newStore must return a fresh, empty store
// for each sub-test.
func TestStore(t *testing.T, newStore func(t *testing.T) catalog.Store) {
	ctx := context.Background()

	t.Run("CreateGetCollection", func(t *testing.T) {
		s := newStore(t)
		c := collection("chargers")
		c.DatalakeID = "lake-1"
		if err := s.CreateCollection(ctx, c); err != nil {
			t.Fatalf("CreateCollection: %v", err)
		}
		got, err := s.GetCollection(ctx, c.ID)
		if err != nil {
			t.Fatalf("GetCollection: %v", err)
		}
		if got == nil {
			t.Fatal("expected collection, got nil")
		}
		if got.Name != "chargers" {
			t.Errorf("Name: expected %q, got %q", "chargers", got.Name)
		}
		if got.TimeField != "occurredAt" {
			t.Errorf("TimeField: expected %q, got %q", "occurredAt", got.TimeField)
		}
		if got.DatalakeID != "lake-1" {
			t.Errorf("DatalakeID: expected %q, got %q", "lake-1", got.DatalakeID)
		}
		if got.LastEntryAt != nil {
			t.Errorf("LastEntryAt: expected nil, got %v", got.LastEntryAt)
		}
		if got.CreatedAt.IsZero() {
			t.Error("CreatedAt not set")
		}
	})

	t.Run("GetMissingCollection", func(t *testing.T) {
		s := newStore(t)
		got, err := s.GetCollection(ctx, catalog.NewID())
		if err != nil {
			t.Fatalf("GetCollection: %v", err)
		}
		if got != nil {
			t.Errorf("expected nil, got %+v", got)
		}
	})

	t.Run("FindCollectionByIDOrName", func(t *testing.T) {
		s := newStore(t)
		c := collection("sessions")
		if err := s.CreateCollection(ctx, c); err != nil {
			t.Fatal(err)
		}
		for _, ref := range []string{c.ID.String(), "sessions"} {
			got, err := s.FindCollection(ctx, ref)
			if err != nil {
				t.Fatalf("FindCollection(%s): %v", ref, err)
			}
			if got == nil || got.ID != c.ID {
				t.Errorf("FindCollection(%s): expected %s, got %+v", ref, c.ID, got)
			}
		}
		if got, _ := s.FindCollection(ctx, "nope"); got != nil {
			t.Errorf("FindCollection(nope): expected nil, got %+v", got)
		}
	})

	t.Run("DuplicateCollectionName", func(t *testing.T) {
		s := newStore(t)
		if err := s.CreateCollection(ctx, collection("dup")); err != nil {
			t.Fatal(err)
		}
		err := s.CreateCollection(ctx, collection("dup"))
		if !errors.Is(err, catalog.ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("UpdateCollection", func(t *testing.T) {
		s := newStore(t)
		c := collection("before")
		if err := s.CreateCollection(ctx, c); err != nil {
			t.Fatal(err)
		}
		c.Name = "after"
		c.TimeField = "ts"
		if err := s.UpdateCollection(ctx, c); err != nil {
			t.Fatalf("UpdateCollection: %v", err)
		}
		got, _ := s.GetCollection(ctx, c.ID)
		if got.Name != "after" || got.TimeField != "ts" {
			t.Errorf("expected after/ts, got %s/%s", got.Name, got.TimeField)
		}
		err := s.UpdateCollection(ctx, collection("ghost"))
		if !errors.Is(err, catalog.ErrNotFound) {
			t.Errorf("update missing: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("AdvanceLastEntryNeverMovesBack", func(t *testing.T) {
		s := newStore(t)
		c := collection("timeline")
		if err := s.CreateCollection(ctx, c); err != nil {
			t.Fatal(err)
		}
		steps := []time.Time{t0, t0.Add(time.Hour), t0.Add(-time.Hour)}
		for _, at := range steps {
			if err := s.AdvanceLastEntry(ctx, c.ID, at); err != nil {
				t.Fatalf("AdvanceLastEntry(%v): %v", at, err)
			}
		}
		got, _ := s.GetCollection(ctx, c.ID)
		if got.LastEntryAt == nil || !got.LastEntryAt.Equal(t0.Add(time.Hour)) {
			t.Errorf("LastEntryAt: expected %v, got %v", t0.Add(time.Hour), got.LastEntryAt)
		}
		if err := s.AdvanceLastEntry(ctx, catalog.NewID(), t0); !errors.Is(err, catalog.ErrNotFound) {
			t.Errorf("missing collection: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("SoftDeleteCollection", func(t *testing.T) {
		s := newStore(t)
		c := collection("ephemeral")
		if err := s.CreateCollection(ctx, c); err != nil {
			t.Fatal(err)
		}
		if err := s.DeleteCollection(ctx, c.ID, false); err != nil {
			t.Fatalf("DeleteCollection: %v", err)
		}
		if got, _ := s.GetCollection(ctx, c.ID); got != nil {
			t.Error("soft-deleted collection still visible")
		}
		if n, _ := s.CountCollections(ctx); n != 0 {
			t.Errorf("CountCollections: expected 0, got %d", n)
		}
		all, _ := s.ListCollections(ctx, catalog.ListOptions{IncludeDeleted: true})
		if len(all) != 1 || all[0].DeletedAt == nil {
			t.Errorf("IncludeDeleted: expected 1 deleted row, got %+v", all)
		}
		// The name is free again once the holder is deleted.
		if err := s.CreateCollection(ctx, collection("ephemeral")); err != nil {
			t.Errorf("recreate after soft delete: %v", err)
		}
		if err := s.DeleteCollection(ctx, c.ID, false); !errors.Is(err, catalog.ErrNotFound) {
			t.Errorf("second soft delete: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("HardDeleteCollectionDropsBatches", func(t *testing.T) {
		s := newStore(t)
		c := collection("gone")
		if err := s.CreateCollection(ctx, c); err != nil {
			t.Fatal(err)
		}
		b := batch(c, 0, 3)
		if err := s.CreateBatch(ctx, b); err != nil {
			t.Fatal(err)
		}
		if err := s.DeleteCollection(ctx, c.ID, true); err != nil {
			t.Fatalf("DeleteCollection hard: %v", err)
		}
		if got, _ := s.GetBatch(ctx, b.ID); got != nil {
			t.Error("batch survived hard delete of its collection")
		}
	})

	t.Run("ListCollectionsPaginated", func(t *testing.T) {
		s := newStore(t)
		for _, name := range []string{"delta", "alpha", "charlie", "bravo", "echo"} {
			if err := s.CreateCollection(ctx, collection(name)); err != nil {
				t.Fatal(err)
			}
		}
		got, err := s.ListCollections(ctx, catalog.ListOptions{Offset: 1, Limit: 2})
		if err != nil {
			t.Fatalf("ListCollections: %v", err)
		}
		if len(got) != 2 || got[0].Name != "bravo" || got[1].Name != "charlie" {
			t.Errorf("page: expected [bravo charlie], got %v", names(got))
		}
		desc, _ := s.ListCollections(ctx, catalog.ListOptions{Desc: true, Limit: 1})
		if len(desc) != 1 || desc[0].Name != "echo" {
			t.Errorf("desc: expected [echo], got %v", names(desc))
		}
		if _, err := s.ListCollections(ctx, catalog.ListOptions{SortBy: "bogus"}); !errors.Is(err, catalog.ErrBadSort) {
			t.Errorf("bad sort: expected ErrBadSort, got %v", err)
		}
	})

	t.Run("BatchLifecycle", func(t *testing.T) {
		s := newStore(t)
		c := collection("ledger")
		if err := s.CreateCollection(ctx, c); err != nil {
			t.Fatal(err)
		}
		b := batch(c, 0, 10)
		if err := s.CreateBatch(ctx, b); err != nil {
			t.Fatalf("CreateBatch: %v", err)
		}
		got, err := s.GetBatch(ctx, b.ID)
		if err != nil || got == nil {
			t.Fatalf("GetBatch: %v, %v", got, err)
		}
		if got.NumEvents != 10 {
			t.Errorf("NumEvents: expected 10, got %d", got.NumEvents)
		}
		if !got.MinOccurredAt.Equal(b.MinOccurredAt) || !got.MaxOccurredAt.Equal(b.MaxOccurredAt) {
			t.Errorf("span: expected [%v, %v], got [%v, %v]", b.MinOccurredAt, b.MaxOccurredAt, got.MinOccurredAt, got.MaxOccurredAt)
		}
		if got.Hash != b.Hash {
			t.Errorf("Hash: expected %q, got %q", b.Hash, got.Hash)
		}
		if got.ArchiveURL != "" {
			t.Errorf("ArchiveURL: expected empty, got %q", got.ArchiveURL)
		}

		if err := s.AttachArchive(ctx, b.ID, "file:///tmp/a.ndjson"); err != nil {
			t.Fatalf("AttachArchive: %v", err)
		}
		if err := s.AttachArchive(ctx, b.ID, "file:///tmp/b.ndjson"); !errors.Is(err, catalog.ErrArchiveAttached) {
			t.Errorf("second AttachArchive: expected ErrArchiveAttached, got %v", err)
		}
		got, _ = s.GetBatch(ctx, b.ID)
		if got.ArchiveURL != "file:///tmp/a.ndjson" {
			t.Errorf("ArchiveURL: expected first pointer, got %q", got.ArchiveURL)
		}
		if err := s.AttachArchive(ctx, catalog.NewID(), "x"); !errors.Is(err, catalog.ErrNotFound) {
			t.Errorf("attach to missing batch: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("BatchRequiresCollection", func(t *testing.T) {
		s := newStore(t)
		err := s.CreateBatch(ctx, batch(collection("orphan"), 0, 1))
		if !errors.Is(err, catalog.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListAndCountBatches", func(t *testing.T) {
		s := newStore(t)
		a, b := collection("a"), collection("b")
		for _, c := range []catalog.Collection{a, b} {
			if err := s.CreateCollection(ctx, c); err != nil {
				t.Fatal(err)
			}
		}
		var first catalog.Batch
		for i := range 4 {
			bt := batch(a, time.Duration(i)*time.Minute, i+1)
			if i == 0 {
				first = bt
			}
			if err := s.CreateBatch(ctx, bt); err != nil {
				t.Fatal(err)
			}
		}
		if err := s.CreateBatch(ctx, batch(b, 0, 7)); err != nil {
			t.Fatal(err)
		}
		if n, _ := s.CountBatches(ctx, a.ID); n != 4 {
			t.Errorf("CountBatches(a): expected 4, got %d", n)
		}
		if n, _ := s.CountBatches(ctx, catalog.Collection{}.ID); n != 5 {
			t.Errorf("CountBatches(all): expected 5, got %d", n)
		}
		latest, err := s.ListBatches(ctx, a.ID, catalog.ListOptions{Desc: true, Limit: 2})
		if err != nil {
			t.Fatalf("ListBatches: %v", err)
		}
		if len(latest) != 2 || latest[0].NumEvents != 4 || latest[1].NumEvents != 3 {
			t.Errorf("latest two: got %+v", latest)
		}

		if err := s.DeleteBatch(ctx, first.ID, false); err != nil {
			t.Fatalf("DeleteBatch soft: %v", err)
		}
		if n, _ := s.CountBatches(ctx, a.ID); n != 3 {
			t.Errorf("after soft delete: expected 3, got %d", n)
		}
		if err := s.DeleteBatch(ctx, first.ID, true); err != nil {
			t.Fatalf("DeleteBatch hard: %v", err)
		}
		all, _ := s.ListBatches(ctx, a.ID, catalog.ListOptions{IncludeDeleted: true})
		if len(all) != 3 {
			t.Errorf("after hard delete: expected 3 rows, got %d", len(all))
		}
	})

	t.Run("PutGetPolicy", func(t *testing.T) {
		s := newStore(t)
		p := catalog.AccessPolicy{
			ID:   catalog.NewID(),
			Name: "operators",
			Grants: []catalog.Grant{{
				CollectionID:   catalog.NewID(),
				CollectionName: "sessions",
				Scope:          map[string]any{"region": "eu"},
				ScopeFields:    []string{"tenantId"},
				Exclude:        []string{"user.email"},
				Permission:     catalog.PermissionRead,
			}},
		}
		if err := s.PutPolicy(ctx, p); err != nil {
			t.Fatalf("PutPolicy: %v", err)
		}
		got, err := s.FindPolicy(ctx, "operators")
		if err != nil || got == nil {
			t.Fatalf("FindPolicy: %v, %v", got, err)
		}
		g, ok := got.GrantFor("sessions")
		if !ok {
			t.Fatal("GrantFor(sessions): missing")
		}
		if g.Scope["region"] != "eu" {
			t.Errorf("Scope[region]: expected eu, got %v", g.Scope["region"])
		}
		if len(g.ScopeFields) != 1 || g.ScopeFields[0] != "tenantId" {
			t.Errorf("ScopeFields: got %v", g.ScopeFields)
		}
		if g.Permission != catalog.PermissionRead {
			t.Errorf("Permission: expected read, got %q", g.Permission)
		}

		p.Grants[0].Permission = catalog.PermissionReadWrite
		if err := s.PutPolicy(ctx, p); err != nil {
			t.Fatalf("PutPolicy update: %v", err)
		}
		got, _ = s.GetPolicy(ctx, p.ID)
		if got.Grants[0].Permission != catalog.PermissionReadWrite {
			t.Errorf("updated Permission: got %q", got.Grants[0].Permission)
		}

		clash := catalog.AccessPolicy{ID: catalog.NewID(), Name: "operators"}
		if err := s.PutPolicy(ctx, clash); !errors.Is(err, catalog.ErrConflict) {
			t.Errorf("duplicate name: expected ErrConflict, got %v", err)
		}
	})

	t.Run("CredentialLifecycle", func(t *testing.T) {
		s := newStore(t)
		p := catalog.AccessPolicy{ID: catalog.NewID(), Name: "tenants"}
		if err := s.PutPolicy(ctx, p); err != nil {
			t.Fatal(err)
		}
		c := catalog.AccessCredential{
			ID:          catalog.NewID(),
			Name:        "tenant-abc",
			PolicyID:    p.ID,
			ScopeValues: []catalog.ScopeValue{{Field: "tenantId", Value: "abc"}},
			SecretHash:  "$argon2id$stub",
		}
		if err := s.PutCredential(ctx, c); err != nil {
			t.Fatalf("PutCredential: %v", err)
		}
		got, err := s.FindCredential(ctx, c.ID.String())
		if err != nil || got == nil {
			t.Fatalf("FindCredential: %v, %v", got, err)
		}
		if v, ok := got.ScopeValue("tenantId"); !ok || v != "abc" {
			t.Errorf("ScopeValue(tenantId): got %v, %v", v, ok)
		}
		if got.SecretHash != c.SecretHash {
			t.Errorf("SecretHash: expected %q, got %q", c.SecretHash, got.SecretHash)
		}
		list, _ := s.ListCredentials(ctx, catalog.ListOptions{})
		if len(list) != 1 {
			t.Errorf("ListCredentials: expected 1, got %d", len(list))
		}

		orphan := catalog.AccessCredential{ID: catalog.NewID(), Name: "orphan", PolicyID: catalog.NewID()}
		if err := s.PutCredential(ctx, orphan); !errors.Is(err, catalog.ErrNotFound) {
			t.Errorf("unknown policy: expected ErrNotFound, got %v", err)
		}

		if err := s.DeleteCredential(ctx, c.ID); err != nil {
			t.Fatalf("DeleteCredential: %v", err)
		}
		if got, _ := s.GetCredential(ctx, c.ID); got != nil {
			t.Error("credential still present after delete")
		}
		if err := s.DeleteCredential(ctx, c.ID); !errors.Is(err, catalog.ErrNotFound) {
			t.Errorf("second delete: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("DeletePolicy", func(t *testing.T) {
		s := newStore(t)
		p := catalog.AccessPolicy{ID: catalog.NewID(), Name: "temp"}
		if err := s.PutPolicy(ctx, p); err != nil {
			t.Fatal(err)
		}
		if err := s.DeletePolicy(ctx, p.ID); err != nil {
			t.Fatalf("DeletePolicy: %v", err)
		}
		if list, _ := s.ListPolicies(ctx, catalog.ListOptions{}); len(list) != 0 {
			t.Errorf("ListPolicies: expected empty, got %d", len(list))
		}
	})
}

func names(cs []catalog.Collection) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Name
	}
	return out
}
