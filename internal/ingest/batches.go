package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"eventlake/internal/catalog"
	"eventlake/internal/event"
	"eventlake/internal/search"
)

// Batch returns a live batch.
func (c *Coordinator) Batch(ctx context.Context, id uuid.UUID) (*catalog.Batch, error) {
	b, err := c.cfg.Store.GetBatch(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	if b == nil || b.DeletedAt != nil {
		return nil, catalog.NotFound("batch", id.String())
	}
	return b, nil
}

// DeleteBatch soft or hard deletes a batch and removes its indexed
// documents.
func (c *Coordinator) DeleteBatch(ctx context.Context, id uuid.UUID, hard bool) (int64, error) {
	b, err := c.cfg.Store.GetBatch(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("get batch: %w", err)
	}
	if b == nil {
		return 0, catalog.NotFound("batch", id.String())
	}
	if err := c.cfg.Store.DeleteBatch(ctx, id, hard); err != nil {
		return 0, fmt.Errorf("delete batch: %w", err)
	}
	if c.cfg.Index == nil {
		return 0, nil
	}

	index := search.IndexName(c.cfg.IndexPrefix, b.CollectionID.String())
	q := search.Query{"query": map[string]any{
		"term": map[string]any{event.EnvelopeBatchID: id.String()},
	}}
	n, err := c.cfg.Index.DeleteByQuery(ctx, index, q)
	if errors.Is(err, search.ErrIndexNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("delete documents of batch %s: %w", id, err)
	}
	c.logger.Info("batch deleted", "batch", id, "hard", hard, "documents", n)
	return n, nil
}

// ReadArchive returns the raw events of an archived batch.
func (c *Coordinator) ReadArchive(ctx context.Context, id uuid.UUID) ([]*event.Object, error) {
	b, err := c.Batch(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.ArchiveURL == "" {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotArchived)
	}
	if c.cfg.Archiver == nil {
		return nil, fmt.Errorf("batch %s: no archive backend configured", id)
	}
	return c.cfg.Archiver.Read(ctx, b.ArchiveURL)
}
