package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"eventlake/internal/catalog"
)

type credentialMap map[uuid.UUID]*catalog.AccessCredential

func (m credentialMap) GetCredential(_ context.Context, id uuid.UUID) (*catalog.AccessCredential, error) {
	return m[id], nil
}

// echoPrincipal reports the authenticated principal kind and subject.
var echoPrincipal = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		w.WriteHeader(http.StatusTeapot)
		return
	}
	w.Header().Set("X-Kind", p.Kind.String())
	w.Header().Set("X-Subject", p.Subject)
})

func newTestAuthenticator(t *testing.T) (*Authenticator, *TokenService, string) {
	t.Helper()
	ts := NewTokenService([]byte("middleware-secret"), time.Hour)

	secret, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	hash, err := HashSecret(secret)
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	cred := &catalog.AccessCredential{ID: uuid.New(), Name: "tenant-a", PolicyID: uuid.New(), SecretHash: hash}

	a := NewAuthenticator(AuthenticatorConfig{
		Tokens:      ts,
		Credentials: credentialMap{cred.ID: cred},
		Public:      []string{"/healthz"},
	})
	return a, ts, AccessKey(cred.ID, secret)
}

func do(h http.Handler, header, value, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthenticatorBearer(t *testing.T) {
	a, ts, _ := newTestAuthenticator(t)
	h := a.Wrap(echoPrincipal)

	token, _, err := ts.Issue("ingest-app", RoleApplication)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	rec := do(h, "Authorization", "Bearer "+token, "/collections")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Kind"); got != "application" {
		t.Errorf("kind: expected %q, got %q", "application", got)
	}
	if got := rec.Header().Get("X-Subject"); got != "ingest-app" {
		t.Errorf("subject: expected %q, got %q", "ingest-app", got)
	}
}

func TestAuthenticatorAccessKey(t *testing.T) {
	a, _, key := newTestAuthenticator(t)
	h := a.Wrap(echoPrincipal)

	rec := do(h, HeaderAccessKey, key, "/query/search")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Kind"); got != "credential" {
		t.Errorf("kind: expected %q, got %q", "credential", got)
	}
	if got := rec.Header().Get("X-Subject"); got != "tenant-a" {
		t.Errorf("subject: expected %q, got %q", "tenant-a", got)
	}
}

func TestAuthenticatorRejects(t *testing.T) {
	a, _, key := newTestAuthenticator(t)
	h := a.Wrap(echoPrincipal)
	id, _, _ := ParseAccessKey(key)

	tests := []struct {
		name, header, value string
	}{
		{"no credentials", "", ""},
		{"basic auth", "Authorization", "Basic Zm9vOmJhcg=="},
		{"garbage token", "Authorization", "Bearer nope"},
		{"wrong secret", HeaderAccessKey, AccessKey(id, "wrong")},
		{"unknown credential", HeaderAccessKey, AccessKey(uuid.New(), "whatever")},
		{"malformed key", HeaderAccessKey, "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(h, tt.header, tt.value, "/collections")
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status: expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestAuthenticatorPublicAndNoAuth(t *testing.T) {
	a, _, _ := newTestAuthenticator(t)
	rec := do(a.Wrap(echoPrincipal), "", "", "/healthz")
	if rec.Code != http.StatusTeapot {
		t.Errorf("public path: expected handler without principal (418), got %d", rec.Code)
	}

	open := NewAuthenticator(AuthenticatorConfig{NoAuth: true})
	rec = do(open.Wrap(echoPrincipal), "", "", "/collections")
	if rec.Code != http.StatusOK || rec.Header().Get("X-Kind") != "admin" {
		t.Errorf("no-auth: got %d kind %q", rec.Code, rec.Header().Get("X-Kind"))
	}
}
