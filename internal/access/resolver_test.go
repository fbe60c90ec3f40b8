package access

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"eventlake/internal/auth"
	"eventlake/internal/catalog"
	"eventlake/internal/catalog/memory"
)

func setupResolver(t *testing.T, grants ...catalog.Grant) (*Resolver, uuid.UUID) {
	t.Helper()
	store := memory.NewStore()
	policy := catalog.AccessPolicy{ID: catalog.NewID(), Name: "tenants", Grants: grants}
	if err := store.PutPolicy(context.Background(), policy); err != nil {
		t.Fatalf("PutPolicy: %v", err)
	}
	return NewResolver(store, nil), policy.ID
}

func credential(policyID uuid.UUID, values ...catalog.ScopeValue) auth.Principal {
	return auth.ForCredential(&catalog.AccessCredential{
		ID: uuid.New(), Name: "cred", PolicyID: policyID, ScopeValues: values,
	})
}

func TestResolveUnscopedPrincipals(t *testing.T) {
	r, _ := setupResolver(t)
	for _, p := range []auth.Principal{auth.Admin("root"), auth.Application("mirror")} {
		s, err := r.Resolve(context.Background(), p, "anything")
		if err != nil {
			t.Fatalf("Resolve(%s): %v", p.Kind, err)
		}
		if !s.Full || s.Restricted() {
			t.Errorf("%s: expected full scope, got %+v", p.Kind, s)
		}
		if err := r.CheckWriteAccess(context.Background(), p, "anything"); err != nil {
			t.Errorf("%s write: %v", p.Kind, err)
		}
	}
}

func TestResolveMergesFixedAndSuppliedScope(t *testing.T) {
	r, pid := setupResolver(t, catalog.Grant{
		CollectionName: "test-collection",
		Scope:          map[string]any{"region": "eu"},
		ScopeFields:    []string{"tenant", "team"},
		Include:        []string{"payload.**"},
		Exclude:        []string{"payload.secret"},
		Permission:     catalog.PermissionRead,
	})
	p := credential(pid,
		catalog.ScopeValue{Field: "tenant", Value: "acme"},
		catalog.ScopeValue{Field: "team", Value: []any{"red", "blue"}},
		catalog.ScopeValue{Field: "unused", Value: "x"},
	)

	s, err := r.Resolve(context.Background(), p, "test-collection")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.Full {
		t.Fatal("expected a restricted scope")
	}
	if got := s.FieldNames(); len(got) != 3 || got[0] != "region" || got[1] != "team" || got[2] != "tenant" {
		t.Errorf("fields: got %v", got)
	}
	if v := s.Fields["region"]; v.Kind != KindEquals || v.Single() != "eu" {
		t.Errorf("region: got %+v", v)
	}
	if v := s.Fields["tenant"]; v.Kind != KindEquals || v.Single() != "acme" {
		t.Errorf("tenant: got %+v", v)
	}
	if v := s.Fields["team"]; v.Kind != KindOneOf || len(v.Values) != 2 {
		t.Errorf("team: got %+v", v)
	}
	if len(s.Include) != 1 || len(s.Exclude) != 1 {
		t.Errorf("projection: got include %v exclude %v", s.Include, s.Exclude)
	}

	raw, err := json.Marshal(s.Fields)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"region":"eu","team":["red","blue"],"tenant":"acme"}`
	if string(raw) != want {
		t.Errorf("json: expected %s, got %s", want, raw)
	}
}

func TestResolveMissingGrant(t *testing.T) {
	r, pid := setupResolver(t, catalog.Grant{CollectionName: "a", Permission: catalog.PermissionRead})
	_, err := r.Resolve(context.Background(), credential(pid), "b")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	var ue *UnauthorizedError
	if !errors.As(err, &ue) || ue.Collection != "b" {
		t.Errorf("expected collection b in error, got %v", err)
	}
}

func TestResolveMissingScopeValuesSorted(t *testing.T) {
	r, pid := setupResolver(t, catalog.Grant{
		CollectionName: "c",
		ScopeFields:    []string{"zone", "account", "tenant"},
		Permission:     catalog.PermissionRead,
	})
	_, err := r.Resolve(context.Background(), credential(pid, catalog.ScopeValue{Field: "tenant", Value: "t1"}), "c")
	var ue *UnauthorizedError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}
	if len(ue.Missing) != 2 || ue.Missing[0] != "account" || ue.Missing[1] != "zone" {
		t.Errorf("missing: got %v", ue.Missing)
	}
	want := `unauthorized for collection "c": missing scope values for account,zone`
	if err.Error() != want {
		t.Errorf("message: expected %q, got %q", want, err.Error())
	}
}

func TestResolveMissingPolicy(t *testing.T) {
	r, _ := setupResolver(t)
	_, err := r.Resolve(context.Background(), credential(uuid.New()), "c")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestCheckWriteAccess(t *testing.T) {
	r, pid := setupResolver(t,
		catalog.Grant{CollectionName: "ro", Permission: catalog.PermissionRead},
		catalog.Grant{CollectionName: "rw", Permission: catalog.PermissionReadWrite},
	)
	p := credential(pid)
	if err := r.CheckWriteAccess(context.Background(), p, "rw"); err != nil {
		t.Errorf("rw: %v", err)
	}
	if err := r.CheckWriteAccess(context.Background(), p, "ro"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("ro: expected ErrUnauthorized, got %v", err)
	}
	if err := r.CheckWriteAccess(context.Background(), p, "none"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("none: expected ErrUnauthorized, got %v", err)
	}
}

func TestValueOf(t *testing.T) {
	if v := ValueOf([]any{"only"}); v.Kind != KindEquals || v.Single() != "only" {
		t.Errorf("single-element array: got %+v", v)
	}
	if v := ValueOf(json.Number("3")); v.Kind != KindEquals {
		t.Errorf("number: got %+v", v)
	}
	v := ValueOf([]any{})
	if v.Kind != KindOneOf || len(v.Values) != 0 {
		t.Errorf("empty array: got %+v", v)
	}
	if raw, _ := json.Marshal(v); string(raw) != "[]" {
		t.Errorf("empty array json: got %s", raw)
	}
}
