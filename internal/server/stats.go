package server

import (
	"context"
	"net/http"
	"time"

	"eventlake/internal/api"
	"eventlake/internal/sysmetrics"
)

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if err := requireUnscoped(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := api.Stats{
		StartedAt:  s.started.UTC(),
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		CPUPercent: sysmetrics.CPUPercent(),
		Memory:     sysmetrics.ReadMemory(),
	}
	if s.cfg.Index != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		cs, err := s.cfg.Index.ClusterStats(ctx)
		if err != nil {
			resp.SearchError = err.Error()
		} else {
			resp.Search = cs
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
