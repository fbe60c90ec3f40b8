package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"eventlake/internal/catalog"
	"eventlake/internal/logging"
)

// HeaderAccessKey carries "<credentialID>.<secret>" for scoped callers.
const HeaderAccessKey = "X-Access-Key"

// CredentialGetter looks up access credentials by id. catalog.Store
// satisfies it.
type CredentialGetter interface {
	GetCredential(ctx context.Context, id uuid.UUID) (*catalog.AccessCredential, error)
}

// Authenticator is HTTP middleware that resolves the caller into a
// Principal and stores it on the request context.
type Authenticator struct {
	tokens      *TokenService
	credentials CredentialGetter
	public      map[string]bool
	noAuth      bool
	logger      *slog.Logger
}

// AuthenticatorConfig configures an Authenticator.
type AuthenticatorConfig struct {
	Tokens      *TokenService
	Credentials CredentialGetter

	// Public paths skip authentication entirely.
	Public []string

	// NoAuth treats every request as an admin. Development only.
	NoAuth bool

	Logger *slog.Logger
}

// NewAuthenticator creates the middleware.
func NewAuthenticator(cfg AuthenticatorConfig) *Authenticator {
	pub := make(map[string]bool, len(cfg.Public))
	for _, p := range cfg.Public {
		pub[p] = true
	}
	return &Authenticator{
		tokens:      cfg.Tokens,
		credentials: cfg.Credentials,
		public:      pub,
		noAuth:      cfg.NoAuth,
		logger:      logging.Default(cfg.Logger).With("component", "auth"),
	}
}

// Wrap returns next guarded by authentication.
func (a *Authenticator) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.public[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		if a.noAuth {
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Admin("anonymous"))))
			return
		}

		p, msg := a.authenticate(r)
		if msg != "" {
			writeUnauthenticated(w, msg)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// authenticate returns the caller or a non-empty rejection message.
func (a *Authenticator) authenticate(r *http.Request) (Principal, string) {
	if key := r.Header.Get(HeaderAccessKey); key != "" {
		return a.fromAccessKey(r.Context(), key)
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return Principal{}, "missing credentials"
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || a.tokens == nil {
		return Principal{}, "invalid authorization header"
	}
	claims, err := a.tokens.Verify(token)
	if err != nil {
		return Principal{}, "invalid or expired token"
	}
	p, err := claims.Principal()
	if err != nil {
		return Principal{}, err.Error()
	}
	return p, ""
}

func (a *Authenticator) fromAccessKey(ctx context.Context, key string) (Principal, string) {
	if a.credentials == nil {
		return Principal{}, "access keys not accepted"
	}
	id, secret, err := ParseAccessKey(key)
	if err != nil {
		return Principal{}, err.Error()
	}
	cred, err := a.credentials.GetCredential(ctx, id)
	if err != nil {
		a.logger.Warn("credential lookup failed", "credential", id, "error", err)
		return Principal{}, "invalid access key"
	}
	if cred == nil {
		return Principal{}, "invalid access key"
	}
	ok, err := VerifySecret(secret, cred.SecretHash)
	if err != nil || !ok {
		return Principal{}, "invalid access key"
	}
	return ForCredential(cred), ""
}

func writeUnauthenticated(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="eventlake"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthenticated", "message": msg})
}
