package server

import (
	"net/http"

	"eventlake/internal/api"
	"eventlake/internal/catalog"
	"eventlake/internal/ingest"
)

func (s *Server) handlePutCollection(w http.ResponseWriter, r *http.Request) {
	if err := requireUnscoped(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	var spec ingest.CollectionSpec
	if err := s.decode(r, &spec); err != nil {
		s.writeError(w, r, err)
		return
	}
	coll, created, err := s.cfg.Ingest.Provision(r.Context(), spec)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, coll)
}

// handleListCollections lists every collection for unscoped callers and
// only granted ones for credentials.
func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p := principal(r)
	if p.Unscoped() {
		items, err := s.cfg.Store.ListCollections(r.Context(), opts)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		total, err := s.cfg.Store.CountCollections(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, api.List[catalog.Collection]{Items: items, Total: total})
		return
	}

	all, err := s.cfg.Store.ListCollections(r.Context(), catalog.ListOptions{SortBy: opts.SortBy, Desc: opts.Desc})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	granted := make([]catalog.Collection, 0, len(all))
	for _, c := range all {
		if _, err := s.cfg.Access.Resolve(r.Context(), p, c.Name); err == nil {
			granted = append(granted, c)
		}
	}
	page := granted[min(opts.Offset, len(granted)):]
	if opts.Limit > 0 && len(page) > opts.Limit {
		page = page[:opts.Limit]
	}
	writeJSON(w, http.StatusOK, api.List[catalog.Collection]{Items: page, Total: len(granted)})
}

// readableCollection resolves {ref} and checks the caller may read it.
func (s *Server) readableCollection(r *http.Request) (*catalog.Collection, error) {
	coll, err := s.cfg.Ingest.Collection(r.Context(), r.PathValue("ref"))
	if err != nil {
		return nil, err
	}
	if _, err := s.cfg.Access.Resolve(r.Context(), principal(r), coll.Name); err != nil {
		return nil, err
	}
	return coll, nil
}

func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	coll, err := s.readableCollection(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, coll)
}

func (s *Server) handleLastEntryAt(w http.ResponseWriter, r *http.Request) {
	coll, err := s.readableCollection(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.LastEntry{ID: coll.ID.String(), LastEntryAt: coll.LastEntryAt})
}

func (s *Server) handleRenameCollection(w http.ResponseWriter, r *http.Request) {
	if err := requireUnscoped(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	var body api.Rename
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	coll, err := s.cfg.Ingest.Rename(r.Context(), r.PathValue("ref"), body.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, coll)
}

func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	if err := requireUnscoped(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	hard, err := boolParam(r, "hard")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cfg.Ingest.DeleteCollection(r.Context(), r.PathValue("ref"), hard); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
