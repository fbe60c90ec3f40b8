package server

import (
	"net/http"

	"eventlake/internal/analytics"
	"eventlake/internal/api"
)

// handleQuery runs POST /query/{kind} with the caller's scope applied.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	kind, err := analytics.ParseKind(r.PathValue("kind"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, api.Error{Error: api.CodeNotFound, Message: err.Error()})
		return
	}
	var req analytics.Request
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if c := r.URL.Query().Get("collection"); c != "" {
		req.Collection = c
	}
	if req.Collection == "" {
		s.writeError(w, r, badRequest("collection", "required"))
		return
	}
	if dry, err := boolParam(r, "dryRun"); err != nil {
		s.writeError(w, r, err)
		return
	} else if dry {
		req.DryRun = true
	}

	resp, err := s.cfg.Analytics.Run(r.Context(), principal(r), kind, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
