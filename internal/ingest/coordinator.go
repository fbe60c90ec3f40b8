// Package ingest accepts event batches: it records them in the ledger,
// archives the raw events and publishes one message per event for the
// indexing workers.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"eventlake/internal/archive"
	"eventlake/internal/broker"
	"eventlake/internal/catalog"
	"eventlake/internal/event"
	"eventlake/internal/logging"
	"eventlake/internal/search"
)

// Defaults for Config.
const (
	DefaultTopic            = "events"
	DefaultPublishChunkSize = 10
	DefaultPublishAttempts  = 3
	DefaultPublishBackoff   = 200 * time.Millisecond
)

// Config configures a Coordinator.
type Config struct {
	Store     catalog.Store
	Archiver  *archive.Archiver
	Publisher broker.Publisher
	Topic     string

	// Index and IndexPrefix locate a collection's documents for batch
	// deletion and index provisioning.
	Index       search.Index
	IndexPrefix string

	PublishChunkSize int
	PublishAttempts  int
	PublishBackoff   time.Duration

	Now    func() time.Time
	Logger *slog.Logger

	// OnDeliveryFailure, if set, is called for every dropped event.
	OnDeliveryFailure func(*TransientDeliveryError)
}

// Coordinator runs the ingestion path.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Coordinator, filling zero Config fields with defaults.
func New(cfg Config) *Coordinator {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.PublishChunkSize <= 0 {
		cfg.PublishChunkSize = DefaultPublishChunkSize
	}
	if cfg.PublishAttempts <= 0 {
		cfg.PublishAttempts = DefaultPublishAttempts
	}
	if cfg.PublishBackoff <= 0 {
		cfg.PublishBackoff = DefaultPublishBackoff
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "ingest"),
	}
}

// Ingest records events against the referenced collection and returns the
// batch. It returns once the batch row exists and the archive write was
// attempted; indexing happens later.
func (c *Coordinator) Ingest(ctx context.Context, collectionRef string, events []event.Event) (*catalog.Batch, error) {
	if len(events) == 0 {
		return nil, &event.ValidationError{Index: -1, Field: "events", Reason: "at least one event required"}
	}
	for i, e := range events {
		if e.OccurredAt.IsZero() {
			return nil, &event.ValidationError{Index: i, Field: event.FieldOccurredAt, Reason: "required"}
		}
		if e.Fields == nil {
			return nil, &event.ValidationError{Index: i, Field: "event", Reason: "empty"}
		}
		if err := event.CheckReserved(e.Fields); err != nil {
			ve := err.(*event.ValidationError)
			ve.Index = i
			return nil, ve
		}
	}

	coll, err := c.collection(ctx, collectionRef)
	if err != nil {
		return nil, err
	}

	hash, err := event.Hash(coll.ID.String(), events)
	if err != nil {
		return nil, fmt.Errorf("hash events: %w", err)
	}
	lo, hi := event.Span(events)
	batch := catalog.Batch{
		ID:            catalog.NewID(),
		CollectionID:  coll.ID,
		IngestedAt:    c.cfg.Now().UTC(),
		NumEvents:     len(events),
		MinOccurredAt: lo,
		MaxOccurredAt: hi,
		Hash:          hash,
		SizeBytes:     event.SizeOf(events),
	}
	if err := c.cfg.Store.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	if err := c.archive(ctx, &batch, events); err != nil {
		c.logger.Error("archive write failed", "collection", coll.Name, "batch", batch.ID, "error", err)
	}

	if err := c.cfg.Store.AdvanceLastEntry(ctx, coll.ID, batch.MaxOccurredAt); err != nil {
		c.logger.Warn("advance last entry failed", "collection", coll.Name, "error", err)
	}

	c.publish(context.WithoutCancel(ctx), batch, events)

	c.logger.Debug("batch ingested", "collection", coll.Name, "batch", batch.ID, "events", batch.NumEvents)
	return &batch, nil
}

func (c *Coordinator) collection(ctx context.Context, ref string) (*catalog.Collection, error) {
	coll, err := c.cfg.Store.FindCollection(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("find collection: %w", err)
	}
	if coll == nil || coll.DeletedAt != nil {
		return nil, catalog.NotFound("collection", ref)
	}
	return coll, nil
}

// archive writes the raw batch and attaches the locator. Failures leave
// the batch without a pointer.
func (c *Coordinator) archive(ctx context.Context, b *catalog.Batch, events []event.Event) error {
	if c.cfg.Archiver == nil {
		return &ArchiveWriteError{Batch: b.ID, Err: fmt.Errorf("no archive backend configured")}
	}
	loc, err := c.cfg.Archiver.Write(ctx, b.CollectionID, b.ID, b.IngestedAt, events)
	if err != nil {
		return &ArchiveWriteError{Batch: b.ID, Err: err}
	}
	if err := c.cfg.Store.AttachArchive(ctx, b.ID, loc); err != nil {
		return &ArchiveWriteError{Batch: b.ID, Err: fmt.Errorf("attach %s: %w", loc, err)}
	}
	b.ArchiveURL = loc
	return nil
}

// publish sends one message per event, PublishChunkSize at a time. Each
// chunk completes before the next starts.
func (c *Coordinator) publish(ctx context.Context, b catalog.Batch, events []event.Event) {
	ref := broker.BatchRef{
		ID:           b.ID.String(),
		CollectionID: b.CollectionID.String(),
		IngestedAt:   b.IngestedAt,
		NumEvents:    b.NumEvents,
	}
	for start := 0; start < len(events); start += c.cfg.PublishChunkSize {
		end := min(start+c.cfg.PublishChunkSize, len(events))
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				c.publishOne(ctx, b.ID, i, ref, events[i])
				return nil
			})
		}
		_ = g.Wait()
	}
}

func (c *Coordinator) publishOne(ctx context.Context, batchID uuid.UUID, i int, ref broker.BatchRef, e event.Event) {
	raw, err := e.Fields.MarshalJSON()
	if err == nil {
		raw, err = broker.EventMessage{Batch: ref, Event: raw}.Encode()
	}
	if err != nil {
		c.dropped(&TransientDeliveryError{Batch: batchID, Event: i, Err: err})
		return
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.PublishAttempts; attempt++ {
		if _, lastErr = c.cfg.Publisher.Publish(ctx, c.cfg.Topic, raw); lastErr == nil {
			return
		}
		if attempt == c.cfg.PublishAttempts {
			break
		}
		t := time.NewTimer(c.cfg.PublishBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
			c.dropped(&TransientDeliveryError{Batch: batchID, Event: i, Attempts: attempt, Err: ctx.Err()})
			return
		case <-t.C:
		}
	}
	c.dropped(&TransientDeliveryError{Batch: batchID, Event: i, Attempts: c.cfg.PublishAttempts, Err: lastErr})
}

func (c *Coordinator) dropped(err *TransientDeliveryError) {
	c.logger.Error("event dropped", "batch", err.Batch, "event", err.Event, "attempts", err.Attempts, "error", err.Err)
	if c.cfg.OnDeliveryFailure != nil {
		c.cfg.OnDeliveryFailure(err)
	}
}
