package auth

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestHashSecret(t *testing.T) {
	hash, err := HashSecret("testsecret")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}

	// Should be a valid PHC string.
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Errorf("expected PHC format, got %q", hash)
	}

	parts := strings.Split(hash, "$")
	if len(parts) != 6 {
		t.Fatalf("expected 6 parts, got %d: %q", len(parts), hash)
	}
}

func TestHashSecretUniqueSalts(t *testing.T) {
	h1, err := HashSecret("same-secret")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	h2, err := HashSecret("same-secret")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}

	if h1 == h2 {
		t.Error("two hashes of the same secret should differ (unique salts)")
	}
}

func TestVerifySecretCorrect(t *testing.T) {
	hash, err := HashSecret("correcthorse")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}

	ok, err := VerifySecret("correcthorse", hash)
	if err != nil {
		t.Fatalf("VerifySecret: %v", err)
	}
	if !ok {
		t.Error("expected secret to verify correctly")
	}
}

func TestVerifySecretWrong(t *testing.T) {
	hash, err := HashSecret("correcthorse")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}

	ok, err := VerifySecret("wrongsecret", hash)
	if err != nil {
		t.Fatalf("VerifySecret: %v", err)
	}
	if ok {
		t.Error("expected wrong secret to fail verification")
	}
}

func TestVerifySecretInvalidFormat(t *testing.T) {
	_, err := VerifySecret("test", "not-a-valid-hash")
	if err == nil {
		t.Error("expected error for invalid hash format")
	}
}

func TestGenerateSecretUnique(t *testing.T) {
	a, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	b, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	if a == b {
		t.Error("expected distinct secrets")
	}
	if strings.ContainsAny(a, ".+/=") {
		t.Errorf("secret must be URL-safe without dots, got %q", a)
	}
}

func TestAccessKeyRoundTrip(t *testing.T) {
	id := uuid.New()
	key := AccessKey(id, "s3cr3t")

	gotID, secret, err := ParseAccessKey(key)
	if err != nil {
		t.Fatalf("ParseAccessKey: %v", err)
	}
	if gotID != id {
		t.Errorf("id: expected %s, got %s", id, gotID)
	}
	if secret != "s3cr3t" {
		t.Errorf("secret: expected %q, got %q", "s3cr3t", secret)
	}
}

func TestParseAccessKeyMalformed(t *testing.T) {
	for _, key := range []string{"", "nodot", "not-a-uuid.secret", uuid.NewString() + "."} {
		if _, _, err := ParseAccessKey(key); err == nil {
			t.Errorf("ParseAccessKey(%q): expected error", key)
		}
	}
}
