package access

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"eventlake/internal/auth"
	"eventlake/internal/catalog"
	"eventlake/internal/logging"
)

// PolicyGetter loads access policies. catalog.Store satisfies it.
type PolicyGetter interface {
	GetPolicy(ctx context.Context, id uuid.UUID) (*catalog.AccessPolicy, error)
}

// Resolver computes effective scopes.
type Resolver struct {
	policies PolicyGetter
	logger   *slog.Logger
}

// NewResolver creates a resolver backed by policies.
func NewResolver(policies PolicyGetter, logger *slog.Logger) *Resolver {
	return &Resolver{
		policies: policies,
		logger:   logging.Default(logger).With("component", "access"),
	}
}

// Resolve returns the scope for p reading collectionName. Admin and
// application principals get FullScope.
func (r *Resolver) Resolve(ctx context.Context, p auth.Principal, collectionName string) (Scope, error) {
	if p.Unscoped() {
		return FullScope(), nil
	}
	grant, cred, err := r.grant(ctx, p, collectionName)
	if err != nil {
		return Scope{}, err
	}

	var missing []string
	for _, f := range grant.ScopeFields {
		if _, ok := cred.ScopeValue(f); !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return Scope{}, &UnauthorizedError{Collection: collectionName, Missing: slices.Compact(missing)}
	}

	s := Scope{
		Fields:  make(map[string]Value, len(grant.Scope)+len(grant.ScopeFields)),
		Include: slices.Clone(grant.Include),
		Exclude: slices.Clone(grant.Exclude),
	}
	for k, v := range grant.Scope {
		s.Fields[k] = ValueOf(v)
	}
	for _, f := range grant.ScopeFields {
		v, _ := cred.ScopeValue(f)
		s.Fields[f] = ValueOf(v)
	}
	return s, nil
}

// CheckWriteAccess fails unless p may ingest into collectionName.
func (r *Resolver) CheckWriteAccess(ctx context.Context, p auth.Principal, collectionName string) error {
	if p.Unscoped() {
		return nil
	}
	grant, _, err := r.grant(ctx, p, collectionName)
	if err != nil {
		return err
	}
	if grant.Permission != catalog.PermissionReadWrite {
		return &UnauthorizedError{Collection: collectionName, Reason: "read-only grant"}
	}
	return nil
}

func (r *Resolver) grant(ctx context.Context, p auth.Principal, collectionName string) (catalog.Grant, *catalog.AccessCredential, error) {
	cred := p.Credential
	if p.Kind != auth.KindCredential || cred == nil {
		return catalog.Grant{}, nil, &UnauthorizedError{Collection: collectionName, Reason: "no credential"}
	}
	policy, err := r.policies.GetPolicy(ctx, cred.PolicyID)
	if err != nil {
		return catalog.Grant{}, nil, fmt.Errorf("load policy %s: %w", cred.PolicyID, err)
	}
	if policy == nil {
		r.logger.Warn("credential bound to missing policy", "credential", cred.ID, "policy", cred.PolicyID)
		return catalog.Grant{}, nil, &UnauthorizedError{Collection: collectionName, Reason: "policy not found"}
	}
	g, ok := policy.GrantFor(collectionName)
	if !ok {
		return catalog.Grant{}, nil, &UnauthorizedError{Collection: collectionName, Reason: "no grant for collection"}
	}
	return g, cred, nil
}
