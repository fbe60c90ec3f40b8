package server

import (
	"cmp"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"eventlake/internal/access"
	"eventlake/internal/api"
	"eventlake/internal/auth"
	"eventlake/internal/catalog"
)

// handlePutPolicy creates or replaces a policy, matched by id or name.
// Grant collection references are resolved to ids and names at save time.
func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	if err := requireUnscoped(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req api.PolicyRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()

	policy := catalog.AccessPolicy{Name: req.Name, Grants: make([]catalog.Grant, 0, len(req.Grants))}
	for i, g := range req.Grants {
		if g.Collection == "" {
			s.writeError(w, r, badRequest(fmt.Sprintf("grants[%d].collection", i), "required"))
			return
		}
		coll, err := s.cfg.Ingest.Collection(ctx, g.Collection)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		policy.Grants = append(policy.Grants, catalog.Grant{
			CollectionID:   coll.ID,
			CollectionName: coll.Name,
			Scope:          g.Scope,
			ScopeFields:    g.ScopeFields,
			Include:        g.Include,
			Exclude:        g.Exclude,
			Permission:     cmp.Or(g.Permission, catalog.PermissionRead),
		})
	}
	if err := access.ValidatePolicy(policy); err != nil {
		s.writeError(w, r, err)
		return
	}

	existing, err := s.cfg.Store.FindPolicy(ctx, cmp.Or(req.ID, req.Name))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	switch {
	case existing != nil:
		policy.ID = existing.ID
	case req.ID != "":
		if policy.ID, err = uuid.Parse(req.ID); err != nil {
			s.writeError(w, r, badRequest("id", "must be a UUID"))
			return
		}
		status = http.StatusCreated
	default:
		policy.ID = catalog.NewID()
		status = http.StatusCreated
	}

	if err := s.cfg.Store.PutPolicy(ctx, policy); err != nil {
		s.writeError(w, r, err)
		return
	}
	saved, err := s.cfg.Store.GetPolicy(ctx, policy.ID)
	if err != nil || saved == nil {
		s.writeError(w, r, cmp.Or(err, catalog.NotFound("access policy", policy.ID.String())))
		return
	}
	s.logger.Info("access policy saved", "policy", saved.Name, "grants", len(saved.Grants))
	writeJSON(w, status, saved)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	if err := requireUnscoped(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items, err := s.cfg.Store.ListPolicies(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.List[catalog.AccessPolicy]{Items: items, Total: len(items)})
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := requireUnscoped(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	ref := r.PathValue("ref")
	p, err := s.cfg.Store.FindPolicy(r.Context(), ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if p == nil {
		s.writeError(w, r, catalog.NotFound("access policy", ref))
		return
	}
	if err := s.cfg.Store.DeletePolicy(r.Context(), p.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePutCredential creates or updates a credential, matched by id or
// name. A new credential gets a generated secret, returned once as the
// access key.
func (s *Server) handlePutCredential(w http.ResponseWriter, r *http.Request) {
	if err := requireUnscoped(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req api.CredentialRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()

	if req.Policy == "" {
		s.writeError(w, r, badRequest("policy", "required"))
		return
	}
	policy, err := s.cfg.Store.FindPolicy(ctx, req.Policy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if policy == nil {
		s.writeError(w, r, catalog.NotFound("access policy", req.Policy))
		return
	}

	cred := catalog.AccessCredential{Name: req.Name, PolicyID: policy.ID, ScopeValues: req.ScopeValues}
	if err := access.ValidateCredential(*policy, cred); err != nil {
		s.writeError(w, r, err)
		return
	}

	existing, err := s.cfg.Store.FindCredential(ctx, cmp.Or(req.ID, req.Name))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	issue := req.RotateSecret
	switch {
	case existing != nil:
		cred.ID = existing.ID
		cred.SecretHash = existing.SecretHash
	case req.ID != "":
		if cred.ID, err = uuid.Parse(req.ID); err != nil {
			s.writeError(w, r, badRequest("id", "must be a UUID"))
			return
		}
		status, issue = http.StatusCreated, true
	default:
		cred.ID = catalog.NewID()
		status, issue = http.StatusCreated, true
	}

	var resp api.Credential
	if issue {
		secret, err := auth.GenerateSecret()
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if cred.SecretHash, err = auth.HashSecret(secret); err != nil {
			s.writeError(w, r, err)
			return
		}
		resp.AccessKey = auth.AccessKey(cred.ID, secret)
	}

	if err := s.cfg.Store.PutCredential(ctx, cred); err != nil {
		s.writeError(w, r, err)
		return
	}
	saved, err := s.cfg.Store.GetCredential(ctx, cred.ID)
	if err != nil || saved == nil {
		s.writeError(w, r, cmp.Or(err, catalog.NotFound("access credential", cred.ID.String())))
		return
	}
	resp.AccessCredential = *saved
	s.logger.Info("access credential saved", "credential", saved.Name, "policy", policy.Name, "issued", issue)
	writeJSON(w, status, resp)
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	if err := requireUnscoped(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items, err := s.cfg.Store.ListCredentials(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.List[catalog.AccessCredential]{Items: items, Total: len(items)})
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	if err := requireUnscoped(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	ref := r.PathValue("ref")
	c, err := s.cfg.Store.FindCredential(r.Context(), ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if c == nil {
		s.writeError(w, r, catalog.NotFound("access credential", ref))
		return
	}
	if err := s.cfg.Store.DeleteCredential(r.Context(), c.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
