// Package memory provides an in-memory catalog.Store.
// Intended for tests and single-process demos; nothing survives a restart.
package memory

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"eventlake/internal/catalog"
)

// Store is an in-memory catalog.Store.
type Store struct {
	mu          sync.RWMutex
	collections map[uuid.UUID]catalog.Collection
	batches     map[uuid.UUID]catalog.Batch
	policies    map[uuid.UUID]catalog.AccessPolicy
	credentials map[uuid.UUID]catalog.AccessCredential
	now         func() time.Time
}

var _ catalog.Store = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		collections: make(map[uuid.UUID]catalog.Collection),
		batches:     make(map[uuid.UUID]catalog.Batch),
		policies:    make(map[uuid.UUID]catalog.AccessPolicy),
		credentials: make(map[uuid.UUID]catalog.AccessCredential),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Close() error { return nil }

// Collections

func (s *Store) CreateCollection(ctx context.Context, c catalog.Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.liveCollectionByName(c.Name) != nil {
		return catalog.ErrConflict
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	c.UpdatedAt = c.CreatedAt
	s.collections[c.ID] = copyCollection(c)
	return nil
}

func (s *Store) liveCollectionByName(name string) *catalog.Collection {
	for _, c := range s.collections {
		if c.DeletedAt == nil && c.Name == name {
			return &c
		}
	}
	return nil
}

func (s *Store) GetCollection(ctx context.Context, id uuid.UUID) (*catalog.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[id]
	if !ok || c.DeletedAt != nil {
		return nil, nil
	}
	c = copyCollection(c)
	return &c, nil
}

func (s *Store) FindCollection(ctx context.Context, idOrName string) (*catalog.Collection, error) {
	if id, ok := catalog.ParseRef(idOrName); ok {
		if c, _ := s.GetCollection(ctx, id); c != nil {
			return c, nil
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.liveCollectionByName(idOrName)
	if c == nil {
		return nil, nil
	}
	cp := copyCollection(*c)
	return &cp, nil
}

func (s *Store) UpdateCollection(ctx context.Context, c catalog.Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.collections[c.ID]
	if !ok || old.DeletedAt != nil {
		return catalog.NotFound("collection", c.ID.String())
	}
	if other := s.liveCollectionByName(c.Name); other != nil && other.ID != c.ID {
		return catalog.ErrConflict
	}
	c.CreatedAt = old.CreatedAt
	c.LastEntryAt = old.LastEntryAt
	c.UpdatedAt = s.now()
	s.collections[c.ID] = copyCollection(c)
	return nil
}

func (s *Store) AdvanceLastEntry(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[id]
	if !ok {
		return catalog.NotFound("collection", id.String())
	}
	if c.LastEntryAt == nil || at.After(*c.LastEntryAt) {
		at := at.UTC()
		c.LastEntryAt = &at
		s.collections[id] = c
	}
	return nil
}

func (s *Store) DeleteCollection(ctx context.Context, id uuid.UUID, hard bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[id]
	if !ok || (!hard && c.DeletedAt != nil) {
		return catalog.NotFound("collection", id.String())
	}
	if hard {
		delete(s.collections, id)
		for bid, b := range s.batches {
			if b.CollectionID == id {
				delete(s.batches, bid)
			}
		}
		return nil
	}
	now := s.now()
	c.DeletedAt = &now
	s.collections[id] = c
	return nil
}

func (s *Store) CountCollections(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.collections {
		if c.DeletedAt == nil {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListCollections(ctx context.Context, opts catalog.ListOptions) ([]catalog.Collection, error) {
	var less func(a, b catalog.Collection) int
	switch opts.SortBy {
	case "", catalog.SortName:
		less = func(a, b catalog.Collection) int { return strings.Compare(a.Name, b.Name) }
	case catalog.SortCreatedAt:
		less = func(a, b catalog.Collection) int { return a.CreatedAt.Compare(b.CreatedAt) }
	case catalog.SortLastEntryAt:
		less = func(a, b catalog.Collection) int { return compareTimePtr(a.LastEntryAt, b.LastEntryAt) }
	default:
		return nil, catalog.ErrBadSort
	}
	s.mu.RLock()
	var out []catalog.Collection
	for _, c := range s.collections {
		if c.DeletedAt == nil || opts.IncludeDeleted {
			out = append(out, copyCollection(c))
		}
	}
	s.mu.RUnlock()
	return page(out, opts, less, func(c catalog.Collection) string { return c.ID.String() }), nil
}

// Batches

func (s *Store) CreateBatch(ctx context.Context, b catalog.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[b.CollectionID]; !ok {
		return catalog.NotFound("collection", b.CollectionID.String())
	}
	s.batches[b.ID] = b
	return nil
}

func (s *Store) GetBatch(ctx context.Context, id uuid.UUID) (*catalog.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok || b.DeletedAt != nil {
		return nil, nil
	}
	return &b, nil
}

func (s *Store) AttachArchive(ctx context.Context, id uuid.UUID, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return catalog.NotFound("batch", id.String())
	}
	if b.ArchiveURL != "" {
		return catalog.ErrArchiveAttached
	}
	b.ArchiveURL = url
	s.batches[id] = b
	return nil
}

func (s *Store) DeleteBatch(ctx context.Context, id uuid.UUID, hard bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok || (!hard && b.DeletedAt != nil) {
		return catalog.NotFound("batch", id.String())
	}
	if hard {
		delete(s.batches, id)
		return nil
	}
	now := s.now()
	b.DeletedAt = &now
	s.batches[id] = b
	return nil
}

func (s *Store) CountBatches(ctx context.Context, collectionID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, b := range s.batches {
		if (collectionID == uuid.Nil || b.CollectionID == collectionID) && b.DeletedAt == nil {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListBatches(ctx context.Context, collectionID uuid.UUID, opts catalog.ListOptions) ([]catalog.Batch, error) {
	var less func(a, b catalog.Batch) int
	switch opts.SortBy {
	case "", catalog.SortIngestedAt:
		less = func(a, b catalog.Batch) int { return a.IngestedAt.Compare(b.IngestedAt) }
	case catalog.SortNumEvents:
		less = func(a, b catalog.Batch) int { return cmp.Compare(a.NumEvents, b.NumEvents) }
	default:
		return nil, catalog.ErrBadSort
	}
	s.mu.RLock()
	var out []catalog.Batch
	for _, b := range s.batches {
		if (collectionID == uuid.Nil || b.CollectionID == collectionID) && (b.DeletedAt == nil || opts.IncludeDeleted) {
			out = append(out, b)
		}
	}
	s.mu.RUnlock()
	return page(out, opts, less, func(b catalog.Batch) string { return b.ID.String() }), nil
}

// Policies

func (s *Store) PutPolicy(ctx context.Context, p catalog.AccessPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.policies {
		if other.Name == p.Name && other.ID != p.ID {
			return catalog.ErrConflict
		}
	}
	now := s.now()
	if old, ok := s.policies[p.ID]; ok {
		p.CreatedAt = old.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.policies[p.ID] = copyPolicy(p)
	return nil
}

func (s *Store) GetPolicy(ctx context.Context, id uuid.UUID) (*catalog.AccessPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, nil
	}
	p = copyPolicy(p)
	return &p, nil
}

func (s *Store) FindPolicy(ctx context.Context, idOrName string) (*catalog.AccessPolicy, error) {
	if id, ok := catalog.ParseRef(idOrName); ok {
		if p, _ := s.GetPolicy(ctx, id); p != nil {
			return p, nil
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.policies {
		if p.Name == idOrName {
			p = copyPolicy(p)
			return &p, nil
		}
	}
	return nil, nil
}

func (s *Store) DeletePolicy(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[id]; !ok {
		return catalog.NotFound("access policy", id.String())
	}
	delete(s.policies, id)
	for cid, c := range s.credentials {
		if c.PolicyID == id {
			delete(s.credentials, cid)
		}
	}
	return nil
}

func (s *Store) ListPolicies(ctx context.Context, opts catalog.ListOptions) ([]catalog.AccessPolicy, error) {
	less, err := namedLess(opts.SortBy, func(p catalog.AccessPolicy) (string, time.Time) { return p.Name, p.CreatedAt })
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]catalog.AccessPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, copyPolicy(p))
	}
	s.mu.RUnlock()
	return page(out, opts, less, func(p catalog.AccessPolicy) string { return p.ID.String() }), nil
}

// Credentials

func (s *Store) PutCredential(ctx context.Context, c catalog.AccessCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[c.PolicyID]; !ok {
		return catalog.NotFound("access policy", c.PolicyID.String())
	}
	for _, other := range s.credentials {
		if other.Name == c.Name && other.ID != c.ID {
			return catalog.ErrConflict
		}
	}
	now := s.now()
	if old, ok := s.credentials[c.ID]; ok {
		c.CreatedAt = old.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.credentials[c.ID] = copyCredential(c)
	return nil
}

func (s *Store) GetCredential(ctx context.Context, id uuid.UUID) (*catalog.AccessCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[id]
	if !ok {
		return nil, nil
	}
	c = copyCredential(c)
	return &c, nil
}

func (s *Store) FindCredential(ctx context.Context, idOrName string) (*catalog.AccessCredential, error) {
	if id, ok := catalog.ParseRef(idOrName); ok {
		if c, _ := s.GetCredential(ctx, id); c != nil {
			return c, nil
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.credentials {
		if c.Name == idOrName {
			c = copyCredential(c)
			return &c, nil
		}
	}
	return nil, nil
}

func (s *Store) DeleteCredential(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[id]; !ok {
		return catalog.NotFound("access credential", id.String())
	}
	delete(s.credentials, id)
	return nil
}

func (s *Store) ListCredentials(ctx context.Context, opts catalog.ListOptions) ([]catalog.AccessCredential, error) {
	less, err := namedLess(opts.SortBy, func(c catalog.AccessCredential) (string, time.Time) { return c.Name, c.CreatedAt })
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]catalog.AccessCredential, 0, len(s.credentials))
	for _, c := range s.credentials {
		out = append(out, copyCredential(c))
	}
	s.mu.RUnlock()
	return page(out, opts, less, func(c catalog.AccessCredential) string { return c.ID.String() }), nil
}

// helpers

func namedLess[T any](sortBy string, key func(T) (string, time.Time)) (func(a, b T) int, error) {
	switch sortBy {
	case "", catalog.SortName:
		return func(a, b T) int {
			na, _ := key(a)
			nb, _ := key(b)
			return strings.Compare(na, nb)
		}, nil
	case catalog.SortCreatedAt:
		return func(a, b T) int {
			_, ta := key(a)
			_, tb := key(b)
			return ta.Compare(tb)
		}, nil
	}
	return nil, catalog.ErrBadSort
}

// page sorts with id as tie-breaker, then applies offset and limit.
func page[T any](items []T, opts catalog.ListOptions, less func(a, b T) int, id func(T) string) []T {
	slices.SortFunc(items, func(a, b T) int {
		c := less(a, b)
		if opts.Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
		return strings.Compare(id(a), id(b))
	})
	if opts.Offset >= len(items) {
		return nil
	}
	items = items[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

func compareTimePtr(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return a.Compare(*b)
}

func copyCollection(c catalog.Collection) catalog.Collection {
	if c.LastEntryAt != nil {
		t := *c.LastEntryAt
		c.LastEntryAt = &t
	}
	if c.DeletedAt != nil {
		t := *c.DeletedAt
		c.DeletedAt = &t
	}
	return c
}

func copyPolicy(p catalog.AccessPolicy) catalog.AccessPolicy {
	grants := make([]catalog.Grant, len(p.Grants))
	for i, g := range p.Grants {
		g.Scope = maps.Clone(g.Scope)
		g.ScopeFields = slices.Clone(g.ScopeFields)
		g.Include = slices.Clone(g.Include)
		g.Exclude = slices.Clone(g.Exclude)
		grants[i] = g
	}
	p.Grants = grants
	return p
}

func copyCredential(c catalog.AccessCredential) catalog.AccessCredential {
	c.ScopeValues = slices.Clone(c.ScopeValues)
	return c
}
