package server

import (
	"net/http"

	"github.com/google/uuid"

	"eventlake/internal/api"
	"eventlake/internal/catalog"
)

func batchID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, badRequest("id", "must be a UUID")
	}
	return id, nil
}

// handleListBatches lists batches, optionally for one collection given by
// the "collection" query parameter (id or name).
func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	if err := requireUnscoped(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	collID := uuid.Nil
	if ref := r.URL.Query().Get("collection"); ref != "" {
		coll, err := s.cfg.Ingest.Collection(r.Context(), ref)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		collID = coll.ID
	}

	items, err := s.cfg.Store.ListBatches(r.Context(), collID, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	total, err := s.cfg.Store.CountBatches(r.Context(), collID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.List[catalog.Batch]{Items: items, Total: total})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	if err := requireUnscoped(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := batchID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.cfg.Ingest.Batch(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handleBatchEvents returns a batch's archived events as a JSON array.
func (s *Server) handleBatchEvents(w http.ResponseWriter, r *http.Request) {
	if err := requireUnscoped(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := batchID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.cfg.Ingest.ReadArchive(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleDeleteBatch(w http.ResponseWriter, r *http.Request) {
	if err := requireUnscoped(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := batchID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	hard, err := boolParam(r, "hard")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.cfg.Ingest.DeleteBatch(r.Context(), id, hard)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.DeletedBatch{ID: id.String(), Hard: hard, DeletedDocuments: n})
}
