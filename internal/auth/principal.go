package auth

import (
	"context"

	"eventlake/internal/catalog"
)

// Kind distinguishes the callers the core knows about.
type Kind int

const (
	KindAdmin Kind = iota + 1
	KindApplication
	KindCredential
)

func (k Kind) String() string {
	switch k {
	case KindAdmin:
		return "admin"
	case KindApplication:
		return "application"
	case KindCredential:
		return "credential"
	}
	return "unknown"
}

// Principal is an authenticated caller. Credential is set only for
// KindCredential.
type Principal struct {
	Kind       Kind
	Subject    string
	Credential *catalog.AccessCredential
}

// Admin returns an admin principal.
func Admin(subject string) Principal { return Principal{Kind: KindAdmin, Subject: subject} }

// Application returns an application principal.
func Application(subject string) Principal {
	return Principal{Kind: KindApplication, Subject: subject}
}

// ForCredential returns a scoped principal for c.
func ForCredential(c *catalog.AccessCredential) Principal {
	return Principal{Kind: KindCredential, Subject: c.Name, Credential: c}
}

// Unscoped reports whether the principal bypasses access scoping.
func (p Principal) Unscoped() bool { return p.Kind == KindAdmin || p.Kind == KindApplication }

type ctxKey struct{}

// WithPrincipal returns a new context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// PrincipalFromContext extracts the principal. ok is false when the
// request was not authenticated.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}
