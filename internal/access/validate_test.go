package access

import (
	"errors"
	"strings"
	"testing"

	"eventlake/internal/catalog"
	"eventlake/internal/event"
)

func TestValidatePolicy(t *testing.T) {
	ok := catalog.Grant{
		CollectionName: "c",
		Scope:          map[string]any{"region": "eu", "tier": []any{"gold", "silver"}, "n": 3.0},
		ScopeFields:    []string{"tenant"},
		Include:        []string{"payload.**", "name"},
		Exclude:        []string{"payload.secret"},
		Permission:     catalog.PermissionReadWrite,
	}
	if err := ValidatePolicy(catalog.AccessPolicy{Name: "p", Grants: []catalog.Grant{ok}}); err != nil {
		t.Fatalf("valid policy: %v", err)
	}

	tests := []struct {
		name  string
		edit  func(g *catalog.Grant)
		field string
	}{
		{"nested scope object", func(g *catalog.Grant) {
			g.Scope = map[string]any{"owner": map[string]any{"id": "x"}}
		}, "grants[0].scope.owner"},
		{"nested array", func(g *catalog.Grant) {
			g.Scope = map[string]any{"tags": []any{[]any{"a"}}}
		}, "grants[0].scope.tags"},
		{"null scope value", func(g *catalog.Grant) {
			g.Scope = map[string]any{"x": nil}
		}, "grants[0].scope.x"},
		{"bad permission", func(g *catalog.Grant) {
			g.Permission = "write"
		}, "grants[0].permission"},
		{"overlap", func(g *catalog.Grant) {
			g.ScopeFields = []string{"region"}
		}, "grants[0].scopeFields"},
		{"bad include pattern", func(g *catalog.Grant) {
			g.Include = []string{"payload.[abc"}
		}, "grants[0].include"},
		{"missing collection", func(g *catalog.Grant) {
			g.CollectionName = ""
		}, "grants[0].collection"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := ok
			g.Scope = map[string]any{"region": "eu"}
			g.ScopeFields = []string{"tenant"}
			tt.edit(&g)
			err := ValidatePolicy(catalog.AccessPolicy{Name: "p", Grants: []catalog.Grant{g}})
			var ve *event.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("field: expected %q, got %q", tt.field, ve.Field)
			}
		})
	}

	dup := catalog.AccessPolicy{Name: "p", Grants: []catalog.Grant{
		{CollectionName: "c", Permission: catalog.PermissionRead},
		{CollectionName: "c", Permission: catalog.PermissionRead},
	}}
	if err := ValidatePolicy(dup); err == nil {
		t.Error("expected error for duplicate grants")
	}
}

func TestValidateCredentialSuperset(t *testing.T) {
	policy := catalog.AccessPolicy{Name: "p", Grants: []catalog.Grant{
		{CollectionName: "a", ScopeFields: []string{"tenant"}, Permission: catalog.PermissionRead},
		{CollectionName: "b", ScopeFields: []string{"team", "tenant"}, Permission: catalog.PermissionRead},
	}}

	full := catalog.AccessCredential{Name: "c", ScopeValues: []catalog.ScopeValue{
		{Field: "tenant", Value: "acme"},
		{Field: "team", Value: []any{"red", "blue"}},
		{Field: "extra", Value: true},
	}}
	if err := ValidateCredential(policy, full); err != nil {
		t.Fatalf("superset: %v", err)
	}

	partial := catalog.AccessCredential{Name: "c", ScopeValues: []catalog.ScopeValue{{Field: "tenant", Value: "acme"}}}
	err := ValidateCredential(policy, partial)
	var ve *event.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !strings.Contains(ve.Reason, "team") {
		t.Errorf("reason should name team, got %q", ve.Reason)
	}

	nested := catalog.AccessCredential{Name: "c", ScopeValues: []catalog.ScopeValue{
		{Field: "tenant", Value: map[string]any{"id": 1}},
		{Field: "team", Value: "red"},
	}}
	if err := ValidateCredential(policy, nested); err == nil {
		t.Error("expected error for object scope value")
	}
}
