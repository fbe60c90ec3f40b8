// Package catalog defines the durable records behind eventlake: collections,
// the batch ledger, access policies and access credentials, and the Store
// interface that persists them.
//
// Get and Find methods return (nil, nil) when no live row matches. Soft
// deleted rows are invisible to reads unless ListOptions.IncludeDeleted is
// set. Callers turn a nil result into a NotFoundError at their boundary.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Collection is a named, independently indexed event stream.
type Collection struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	TimeField   string     `json:"timeField,omitempty"`
	DatalakeID  string     `json:"datalakeId,omitempty"`
	LastEntryAt *time.Time `json:"lastEntryAt"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
}

// Batch is the ledger row for one ingestion call. NumEvents, the time span
// and the hash never change after creation; ArchiveURL is attached once.
type Batch struct {
	ID            uuid.UUID  `json:"id"`
	CollectionID  uuid.UUID  `json:"collectionId"`
	IngestedAt    time.Time  `json:"ingestedAt"`
	NumEvents     int        `json:"numEvents"`
	MinOccurredAt time.Time  `json:"minOccurredAt"`
	MaxOccurredAt time.Time  `json:"maxOccurredAt"`
	Hash          string     `json:"hash"`
	ArchiveURL    string     `json:"archiveUrl,omitempty"`
	SizeBytes     int64      `json:"sizeBytes"`
	DeletedAt     *time.Time `json:"deletedAt,omitempty"`
}

// Permission is a grant's access level.
type Permission string

const (
	PermissionRead      Permission = "read"
	PermissionReadWrite Permission = "read-write"
)

// Grant gives a policy access to one collection.
//
// Scope holds literal field constraints. Values are JSON scalars or arrays
// of scalars; nested objects are rejected by access.ValidatePolicy.
// ScopeFields names fields whose values each credential supplies.
type Grant struct {
	CollectionID   uuid.UUID      `json:"collectionId"`
	CollectionName string         `json:"collectionName"`
	Scope          map[string]any `json:"scope,omitempty"`
	ScopeFields    []string       `json:"scopeFields,omitempty"`
	Include        []string       `json:"include,omitempty"`
	Exclude        []string       `json:"exclude,omitempty"`
	Permission     Permission     `json:"permission"`
}

// AccessPolicy is a named set of per-collection grants.
type AccessPolicy struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Grants    []Grant   `json:"grants"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// GrantFor returns the grant covering the named collection.
func (p *AccessPolicy) GrantFor(collectionName string) (Grant, bool) {
	for _, g := range p.Grants {
		if g.CollectionName == collectionName {
			return g, true
		}
	}
	return Grant{}, false
}

// ScopeValue is one credential-supplied scope field value. Value is a JSON
// scalar or an array of scalars.
type ScopeValue struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// AccessCredential is a secret bound to one policy.
type AccessCredential struct {
	ID          uuid.UUID    `json:"id"`
	Name        string       `json:"name"`
	PolicyID    uuid.UUID    `json:"policyId"`
	ScopeValues []ScopeValue `json:"scopeValues"`
	SecretHash  string       `json:"-"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// ScopeValue returns the value supplied for field.
func (c *AccessCredential) ScopeValue(field string) (any, bool) {
	for _, sv := range c.ScopeValues {
		if sv.Field == field {
			return sv.Value, true
		}
	}
	return nil, false
}

// ListOptions controls paginated reads. SortBy must be one of the keys the
// entity supports (see the Sort* constants); empty selects the default.
type ListOptions struct {
	Offset         int
	Limit          int
	SortBy         string
	Desc           bool
	IncludeDeleted bool
}

// Sort keys.
const (
	SortName        = "name"
	SortCreatedAt   = "createdAt"
	SortLastEntryAt = "lastEntryAt"
	SortIngestedAt  = "ingestedAt"
	SortNumEvents   = "numEvents"
)

// Store persists catalog records.
type Store interface {
	CreateCollection(ctx context.Context, c Collection) error
	GetCollection(ctx context.Context, id uuid.UUID) (*Collection, error)
	// FindCollection resolves a collection by id or unique name.
	FindCollection(ctx context.Context, idOrName string) (*Collection, error)
	UpdateCollection(ctx context.Context, c Collection) error
	// AdvanceLastEntry moves LastEntryAt forward to at; it never moves back.
	AdvanceLastEntry(ctx context.Context, id uuid.UUID, at time.Time) error
	DeleteCollection(ctx context.Context, id uuid.UUID, hard bool) error
	CountCollections(ctx context.Context) (int, error)
	ListCollections(ctx context.Context, opts ListOptions) ([]Collection, error)

	CreateBatch(ctx context.Context, b Batch) error
	GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error)
	// AttachArchive sets ArchiveURL. It fails if one is already attached.
	AttachArchive(ctx context.Context, id uuid.UUID, url string) error
	DeleteBatch(ctx context.Context, id uuid.UUID, hard bool) error
	// CountBatches and ListBatches span every collection when collectionID
	// is uuid.Nil.
	CountBatches(ctx context.Context, collectionID uuid.UUID) (int, error)
	ListBatches(ctx context.Context, collectionID uuid.UUID, opts ListOptions) ([]Batch, error)

	// PutPolicy creates or replaces a policy by ID.
	PutPolicy(ctx context.Context, p AccessPolicy) error
	GetPolicy(ctx context.Context, id uuid.UUID) (*AccessPolicy, error)
	FindPolicy(ctx context.Context, idOrName string) (*AccessPolicy, error)
	DeletePolicy(ctx context.Context, id uuid.UUID) error
	ListPolicies(ctx context.Context, opts ListOptions) ([]AccessPolicy, error)

	// PutCredential creates or replaces a credential by ID.
	PutCredential(ctx context.Context, c AccessCredential) error
	GetCredential(ctx context.Context, id uuid.UUID) (*AccessCredential, error)
	FindCredential(ctx context.Context, idOrName string) (*AccessCredential, error)
	DeleteCredential(ctx context.Context, id uuid.UUID) error
	ListCredentials(ctx context.Context, opts ListOptions) ([]AccessCredential, error)

	Close() error
}

// ErrNotFound is matched by every NotFoundError.
var ErrNotFound = errors.New("not found")

// ErrConflict reports a unique-name collision.
var ErrConflict = errors.New("name already in use")

// ErrArchiveAttached is returned when a batch already has an archive pointer.
var ErrArchiveAttached = errors.New("batch archive already attached")

// ErrBadSort is returned for an unsupported ListOptions.SortBy.
var ErrBadSort = errors.New("unsupported sort key")

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string
	Ref  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Ref)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound builds a NotFoundError.
func NotFound(kind, ref string) error {
	return &NotFoundError{Kind: kind, Ref: ref}
}

// NewID returns a time-ordered identifier.
func NewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// ParseRef splits an id-or-name reference.
func ParseRef(idOrName string) (uuid.UUID, bool) {
	id, err := uuid.Parse(idOrName)
	return id, err == nil
}
