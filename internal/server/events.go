package server

import (
	"bytes"
	"encoding/json"
	"net/http"

	"eventlake/internal/api"
	"eventlake/internal/event"
)

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := s.decode(r, &raw); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req api.IngestRequest
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &req.Events); err != nil {
			s.writeError(w, r, badRequest("events", "%v", err))
			return
		}
	} else if err := json.Unmarshal(raw, &req); err != nil {
		s.writeError(w, r, badRequest("body", "%v", err))
		return
	}
	if q := r.URL.Query().Get("collection"); q != "" {
		req.Collection = q
	}
	if req.Collection == "" {
		s.writeError(w, r, badRequest("collection", "required"))
		return
	}
	for i, o := range req.Events {
		if o == nil {
			s.writeError(w, r, &event.ValidationError{Index: i, Field: "event", Reason: "must be an object"})
			return
		}
	}

	events, err := event.ParseAll(req.Events)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	coll, err := s.cfg.Ingest.Collection(r.Context(), req.Collection)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cfg.Access.CheckWriteAccess(r.Context(), principal(r), coll.Name); err != nil {
		s.writeError(w, r, err)
		return
	}

	batch, err := s.cfg.Ingest.Ingest(r.Context(), coll.ID.String(), events)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, batch)
}
