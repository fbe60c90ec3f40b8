package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"eventlake/internal/access"
	"eventlake/internal/api"
	"eventlake/internal/auth"
	"eventlake/internal/bodyutil"
	"eventlake/internal/catalog"
	"eventlake/internal/event"
	"eventlake/internal/ingest"
	"eventlake/internal/search"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an error kind to its status code. Unknown errors are
// logged and answered with 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve  *event.ValidationError
		ue  *access.UnauthorizedError
		uie *search.UpstreamIndexError
	)
	switch {
	case errors.As(err, &ve):
		body := api.Error{Error: api.CodeInvalid, Message: ve.Error(), Field: ve.Field}
		if ve.Index >= 0 {
			body.Index = &ve.Index
		}
		writeJSON(w, http.StatusBadRequest, body)
	case errors.As(err, &ue):
		writeJSON(w, http.StatusForbidden, api.Error{
			Error:      api.CodeUnauthorized,
			Message:    ue.Error(),
			Collection: ue.Collection,
			Missing:    ue.Missing,
		})
	case errors.Is(err, access.ErrUnauthorized):
		writeJSON(w, http.StatusForbidden, api.Error{Error: api.CodeUnauthorized, Message: err.Error()})
	case errors.Is(err, catalog.ErrNotFound):
		writeJSON(w, http.StatusNotFound, api.Error{Error: api.CodeNotFound, Message: err.Error()})
	case errors.As(err, &uie):
		body := api.Error{Error: api.CodeUpstream, Message: uie.Error(), Reason: uie.Reason, Query: uie.Query}
		if uie.Cause != nil {
			body.Cause = uie.Cause.Error()
		}
		status := http.StatusBadRequest
		if errors.Is(err, search.ErrIndexNotFound) {
			status = http.StatusNotFound
			body.Error = api.CodeIndexNotFound
		}
		writeJSON(w, status, body)
	case errors.Is(err, catalog.ErrBadSort):
		writeJSON(w, http.StatusBadRequest, api.Error{Error: api.CodeInvalid, Message: err.Error(), Field: "sort"})
	case errors.Is(err, catalog.ErrConflict):
		writeJSON(w, http.StatusConflict, api.Error{Error: api.CodeConflict, Message: err.Error()})
	case errors.Is(err, ingest.ErrNotArchived):
		writeJSON(w, http.StatusConflict, api.Error{Error: api.CodeNotArchived, Message: err.Error()})
	case errors.Is(err, bodyutil.ErrTooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, api.Error{Error: api.CodeTooLarge, Message: err.Error()})
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, api.Error{Error: api.CodeInternal, Message: "internal error"})
	}
}

func badRequest(field, format string, args ...any) error {
	return &event.ValidationError{Index: -1, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// decode reads the (possibly compressed) request body into v.
func (s *Server) decode(r *http.Request, v any) error {
	data, err := bodyutil.ReadBody(r.Body, r.Header.Get("Content-Encoding"), s.cfg.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, bodyutil.ErrTooLarge) {
			return err
		}
		return badRequest("body", "%v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return badRequest("body", "invalid JSON: %v", err)
	}
	return nil
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}

// requireUnscoped rejects scoped credentials from administrative routes.
func requireUnscoped(r *http.Request) error {
	if p := principal(r); !p.Unscoped() {
		return fmt.Errorf("%s %q may not manage %s: %w", p.Kind, p.Subject, r.URL.Path, access.ErrUnauthorized)
	}
	return nil
}

// listOptions parses offset, limit, sort, desc and deleted query
// parameters.
func listOptions(r *http.Request) (catalog.ListOptions, error) {
	q := r.URL.Query()
	opts := catalog.ListOptions{SortBy: q.Get("sort")}
	var err error
	if v := q.Get("offset"); v != "" {
		if opts.Offset, err = strconv.Atoi(v); err != nil || opts.Offset < 0 {
			return opts, badRequest("offset", "must be a non-negative integer")
		}
	}
	if v := q.Get("limit"); v != "" {
		if opts.Limit, err = strconv.Atoi(v); err != nil || opts.Limit < 0 {
			return opts, badRequest("limit", "must be a non-negative integer")
		}
	}
	if opts.Desc, err = boolParam(r, "desc"); err != nil {
		return opts, err
	}
	if opts.IncludeDeleted, err = boolParam(r, "deleted"); err != nil {
		return opts, err
	}
	return opts, nil
}

func boolParam(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, badRequest(name, "must be a boolean")
	}
	return b, nil
}
