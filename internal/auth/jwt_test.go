package auth

import (
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	ts := NewTokenService([]byte("test-secret-key-for-testing-only"), 7*24*time.Hour)

	token, expiresAt, err := ts.Issue("ops", RoleAdmin)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}
	if expiresAt.Before(time.Now()) {
		t.Error("expected expiration in the future")
	}

	claims, err := ts.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Role != RoleAdmin {
		t.Errorf("Role: expected %q, got %q", RoleAdmin, claims.Role)
	}
	if claims.Subject != "ops" {
		t.Errorf("Subject: expected %q, got %q", "ops", claims.Subject)
	}

	p, err := claims.Principal()
	if err != nil {
		t.Fatalf("Principal: %v", err)
	}
	if p.Kind != KindAdmin || !p.Unscoped() {
		t.Errorf("principal: got %+v", p)
	}
}

func TestApplicationPrincipal(t *testing.T) {
	ts := NewTokenService([]byte("secret"), time.Hour)
	token, _, err := ts.Issue("mirror", RoleApplication)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := ts.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	p, err := claims.Principal()
	if err != nil {
		t.Fatalf("Principal: %v", err)
	}
	if p.Kind != KindApplication || p.Subject != "mirror" {
		t.Errorf("principal: got %+v", p)
	}
}

func TestIssueUnknownRole(t *testing.T) {
	ts := NewTokenService([]byte("secret"), time.Hour)
	if _, _, err := ts.Issue("bob", "user"); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	// Token that expired 1 hour ago.
	ts := NewTokenService([]byte("test-secret"), -1*time.Hour)

	token, _, err := ts.Issue("bob", RoleApplication)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, err = ts.Verify(token)
	if err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	ts1 := NewTokenService([]byte("secret-one"), 7*24*time.Hour)
	ts2 := NewTokenService([]byte("secret-two"), 7*24*time.Hour)

	token, _, err := ts1.Issue("carol", RoleAdmin)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, err = ts2.Verify(token)
	if err == nil {
		t.Fatal("expected error verifying with wrong secret")
	}
}

func TestVerifyInvalidToken(t *testing.T) {
	ts := NewTokenService([]byte("secret"), 7*24*time.Hour)

	_, err := ts.Verify("not-a-valid-token")
	if err == nil {
		t.Fatal("expected error for invalid token")
	}
}
