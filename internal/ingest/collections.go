package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"eventlake/internal/catalog"
	"eventlake/internal/event"
	"eventlake/internal/search"
)

// CollectionSpec is the provisioning request for a collection.
type CollectionSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	TimeField   string `json:"timeField,omitempty"`
	DatalakeID  string `json:"datalakeId,omitempty"`
}

// IndexFor returns the search index holding a collection's documents.
func (c *Coordinator) IndexFor(coll *catalog.Collection) string {
	return search.IndexName(c.cfg.IndexPrefix, coll.ID.String())
}

func (c *Coordinator) aliasFor(name string) string {
	return search.IndexName(c.cfg.IndexPrefix, "name-"+name)
}

// Provision creates the named collection or updates it in place. It is
// idempotent by name. created reports whether a new collection was made.
func (c *Coordinator) Provision(ctx context.Context, spec CollectionSpec) (coll *catalog.Collection, created bool, err error) {
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.Name == "" {
		return nil, false, &event.ValidationError{Index: -1, Field: "name", Reason: "required"}
	}
	existing, err := c.cfg.Store.FindCollection(ctx, spec.Name)
	if err != nil {
		return nil, false, fmt.Errorf("find collection: %w", err)
	}

	if existing != nil && existing.DeletedAt == nil && existing.Name == spec.Name {
		coll = existing
		if coll.Description != spec.Description || coll.TimeField != spec.TimeField || coll.DatalakeID != spec.DatalakeID {
			coll.Description = spec.Description
			coll.TimeField = spec.TimeField
			coll.DatalakeID = spec.DatalakeID
			if err := c.cfg.Store.UpdateCollection(ctx, *coll); err != nil {
				return nil, false, fmt.Errorf("update collection: %w", err)
			}
		}
	} else {
		coll = &catalog.Collection{
			ID:          catalog.NewID(),
			Name:        spec.Name,
			Description: spec.Description,
			TimeField:   spec.TimeField,
			DatalakeID:  spec.DatalakeID,
		}
		if err := c.cfg.Store.CreateCollection(ctx, *coll); err != nil {
			return nil, false, fmt.Errorf("create collection: %w", err)
		}
		created = true
	}

	if c.cfg.Index != nil {
		index := c.IndexFor(coll)
		if err := search.EnsureIndex(ctx, c.cfg.Index, index, search.Mapping{TimeField: coll.TimeField}); err != nil {
			return nil, false, fmt.Errorf("ensure index %s: %w", index, err)
		}
		if err := c.cfg.Index.PutAlias(ctx, index, c.aliasFor(coll.Name)); err != nil {
			c.logger.Warn("put alias failed", "collection", coll.Name, "error", err)
		}
	}
	if created {
		c.logger.Info("collection provisioned", "collection", coll.Name, "id", coll.ID)
	}
	return coll, created, nil
}

// Rename changes a collection's name and moves its alias.
func (c *Coordinator) Rename(ctx context.Context, ref, name string) (*catalog.Collection, error) {
	coll, err := c.collection(ctx, ref)
	if err != nil {
		return nil, err
	}
	old := coll.Name
	coll.Name = strings.TrimSpace(name)
	if coll.Name == "" {
		return nil, &event.ValidationError{Index: -1, Field: "name", Reason: "required"}
	}
	if err := c.cfg.Store.UpdateCollection(ctx, *coll); err != nil {
		return nil, fmt.Errorf("rename collection: %w", err)
	}
	if c.cfg.Index != nil {
		index := c.IndexFor(coll)
		if err := c.cfg.Index.DeleteAlias(ctx, index, c.aliasFor(old)); err != nil && !errors.Is(err, search.ErrIndexNotFound) {
			c.logger.Warn("delete alias failed", "collection", old, "error", err)
		}
		if err := c.cfg.Index.PutAlias(ctx, index, c.aliasFor(coll.Name)); err != nil {
			c.logger.Warn("put alias failed", "collection", coll.Name, "error", err)
		}
	}
	return coll, nil
}

// DeleteCollection soft or hard deletes a collection and drops its index.
func (c *Coordinator) DeleteCollection(ctx context.Context, ref string, hard bool) error {
	coll, err := c.cfg.Store.FindCollection(ctx, ref)
	if err != nil {
		return fmt.Errorf("find collection: %w", err)
	}
	if coll == nil || (!hard && coll.DeletedAt != nil) {
		return catalog.NotFound("collection", ref)
	}
	if err := c.cfg.Store.DeleteCollection(ctx, coll.ID, hard); err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	if c.cfg.Index != nil {
		index := c.IndexFor(coll)
		if err := c.cfg.Index.DeleteIndex(ctx, index); err != nil && !errors.Is(err, search.ErrIndexNotFound) {
			return fmt.Errorf("delete index %s: %w", index, err)
		}
	}
	c.logger.Info("collection deleted", "collection", coll.Name, "hard", hard)
	return nil
}

// Collection resolves a live collection by id or name.
func (c *Coordinator) Collection(ctx context.Context, ref string) (*catalog.Collection, error) {
	return c.collection(ctx, ref)
}
