// Package api holds the JSON shapes exchanged over eventlake's HTTP
// interface, shared by the server and the client.
package api

import (
	"time"

	"eventlake/internal/catalog"
	"eventlake/internal/event"
	"eventlake/internal/search"
	"eventlake/internal/sysmetrics"
)

// Error is the body of every non-2xx response.
type Error struct {
	Error   string `json:"error"`
	Message string `json:"message"`

	// Validation failures.
	Field string `json:"field,omitempty"`
	Index *int   `json:"index,omitempty"`

	// Authorization failures.
	Collection string   `json:"collection,omitempty"`
	Missing    []string `json:"missing,omitempty"`

	// Search engine failures.
	Reason string       `json:"reason,omitempty"`
	Cause  string       `json:"cause,omitempty"`
	Query  search.Query `json:"query,omitempty"`
}

// Error codes.
const (
	CodeInvalid       = "invalid"
	CodeUnauthorized  = "unauthorized"
	CodeNotFound      = "not_found"
	CodeIndexNotFound = "index_not_found"
	CodeUpstream      = "upstream"
	CodeConflict      = "conflict"
	CodeNotArchived   = "not_archived"
	CodeTooLarge      = "too_large"
	CodeRateLimited   = "rate_limited"
	CodeUnavailable   = "unavailable"
	CodeInternal      = "internal"
)

// List is a page of records and the total count.
type List[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

// IngestRequest is the POST /events body. A bare JSON array of events is
// accepted too, with the collection named by the "collection" query
// parameter.
type IngestRequest struct {
	Collection string          `json:"collection"`
	Events     []*event.Object `json:"events"`
}

// LastEntry is the GET /collections/{ref}/last-entry-at response.
type LastEntry struct {
	ID          string     `json:"id"`
	LastEntryAt *time.Time `json:"lastEntryAt"`
}

// Rename is the PATCH /collections/{ref} body.
type Rename struct {
	Name string `json:"name"`
}

// DeletedBatch is the DELETE /batches/{id} response.
type DeletedBatch struct {
	ID               string `json:"id"`
	Hard             bool   `json:"hard"`
	DeletedDocuments int64  `json:"deletedDocuments"`
}

// GrantRequest is one grant of a PolicyRequest.
type GrantRequest struct {
	// Collection is the collection's id or name.
	Collection  string             `json:"collection"`
	Scope       map[string]any     `json:"scope,omitempty"`
	ScopeFields []string           `json:"scopeFields,omitempty"`
	Include     []string           `json:"include,omitempty"`
	Exclude     []string           `json:"exclude,omitempty"`
	Permission  catalog.Permission `json:"permission,omitempty"`
}

// PolicyRequest is the PUT /access-policies body.
type PolicyRequest struct {
	ID     string         `json:"id,omitempty"`
	Name   string         `json:"name"`
	Grants []GrantRequest `json:"grants"`
}

// CredentialRequest is the PUT /access-credentials body.
type CredentialRequest struct {
	ID          string               `json:"id,omitempty"`
	Name        string               `json:"name"`
	Policy      string               `json:"policy"`
	ScopeValues []catalog.ScopeValue `json:"scopeValues"`
	// RotateSecret issues a new secret for an existing credential.
	RotateSecret bool `json:"rotateSecret,omitempty"`
}

// Credential is the PUT /access-credentials response.
type Credential struct {
	catalog.AccessCredential
	// AccessKey is present only when a secret was issued.
	AccessKey string `json:"accessKey,omitempty"`
}

// Stats is the GET /stats response.
type Stats struct {
	StartedAt  time.Time            `json:"startedAt"`
	Uptime     string               `json:"uptime"`
	CPUPercent float64              `json:"cpuPercent"`
	Memory     sysmetrics.Memory    `json:"memory"`
	Search     *search.ClusterStats `json:"search,omitempty"`
	// SearchError is set when the search engine could not be reached.
	SearchError string `json:"searchError,omitempty"`
}
