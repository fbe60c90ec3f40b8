// Package worker consumes event messages and writes them to the search
// index in bulk. A buffer is flushed when it reaches MaxBuffered messages
// or FlushInterval after its first message, whichever comes first. Every
// flushed message is acknowledged once the bulk call returns, whether or
// not the individual writes succeeded.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"eventlake/internal/broker"
	"eventlake/internal/callgroup"
	"eventlake/internal/catalog"
	"eventlake/internal/event"
	"eventlake/internal/logging"
	"eventlake/internal/search"
)

// Defaults for Config.
const (
	DefaultMaxBuffered   = 100
	DefaultFlushInterval = 2 * time.Second
)

// CollectionGetter supplies collection settings for index creation.
type CollectionGetter interface {
	GetCollection(ctx context.Context, id uuid.UUID) (*catalog.Collection, error)
}

// BatchGetter reports live batches. It returns nil for a batch that was
// deleted.
type BatchGetter interface {
	GetBatch(ctx context.Context, id uuid.UUID) (*catalog.Batch, error)
}

// Failure describes one event the index rejected.
type Failure struct {
	Index   string
	EventID string
	Event   json.RawMessage
	Reason  string
}

// Config configures a Worker.
type Config struct {
	Subscriber   broker.Subscriber
	Subscription broker.Subscription
	Index        search.Index
	IndexPrefix  string
	Collections  CollectionGetter

	// Batches, if set, is consulted at flush time. Events of deleted
	// batches are acknowledged without being indexed.
	Batches BatchGetter

	MaxBuffered   int
	FlushInterval time.Duration
	AckDeadline   time.Duration
	Refresh       bool

	// DeadLetter, if set, receives every rejected event. It runs before
	// the message is acknowledged.
	DeadLetter func(ctx context.Context, f Failure)

	Logger *slog.Logger
}

// Stats counts worker activity.
type Stats struct {
	Received     int64
	Flushes      int64
	FullFlushes  int64
	TimerFlushes int64
	Indexed      int64
	Failed       int64
	Skipped      int64
}

type pending struct {
	msg *broker.Message
	em  broker.EventMessage
}

// Worker is one indexing consumer. Run it once.
type Worker struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	buf    []pending
	timer  *time.Timer
	gen    uint64 // incremented whenever buf is taken
	runCtx context.Context
	stats  Stats

	flushMu sync.Mutex // one bulk write at a time

	ensure callgroup.Group[string]
	known  sync.Map // index name -> struct{}
}

// New creates a Worker, filling zero Config fields with defaults.
func New(cfg Config) *Worker {
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = DefaultMaxBuffered
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	return &Worker{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "worker", "subscription", cfg.Subscription.Name),
	}
}

// Stats returns a snapshot of the counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Run consumes until ctx is done (returning nil) or the subscription
// fails (returning its error). Buffered, unflushed messages are left
// unacknowledged and will be redelivered.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	w.runCtx = ctx
	w.mu.Unlock()

	settings := broker.ReceiveSettings{
		MaxOutstandingMessages: w.cfg.MaxBuffered,
		AckDeadline:            w.cfg.AckDeadline,
	}
	w.logger.Info("worker starting", "max_buffered", w.cfg.MaxBuffered, "flush_interval", w.cfg.FlushInterval)
	err := w.cfg.Subscriber.Receive(ctx, w.cfg.Subscription, settings, w.handle)

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	left := len(w.buf)
	w.buf = nil
	w.gen++
	w.mu.Unlock()

	if err != nil {
		w.logger.Error("subscription failed", "error", err, "unflushed", left)
		return fmt.Errorf("receive %s/%s: %w", w.cfg.Subscription.Topic, w.cfg.Subscription.Name, err)
	}
	w.logger.Info("worker stopped", "unflushed", left)
	return nil
}

func (w *Worker) handle(ctx context.Context, m *broker.Message) {
	em, err := broker.DecodeEventMessage(m.Data)
	if err != nil {
		w.logger.Error("undecodable message dropped", "message", m.ID, "error", err)
		m.Ack()
		return
	}

	w.mu.Lock()
	w.stats.Received++
	w.buf = append(w.buf, pending{msg: m, em: em})
	if len(w.buf) >= w.cfg.MaxBuffered {
		batch := w.takeLocked()
		w.stats.FullFlushes++
		w.mu.Unlock()
		w.flush(ctx, batch)
		return
	}
	if w.timer == nil {
		gen := w.gen
		w.timer = time.AfterFunc(w.cfg.FlushInterval, func() { w.timerFired(gen) })
	}
	w.mu.Unlock()
}

// takeLocked empties the buffer and cancels the pending timer.
func (w *Worker) takeLocked() []pending {
	batch := w.buf
	w.buf = nil
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	return batch
}

func (w *Worker) timerFired(gen uint64) {
	w.mu.Lock()
	// A buffer-full flush already took this buffer.
	if gen != w.gen || len(w.buf) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.takeLocked()
	w.stats.TimerFlushes++
	ctx := w.runCtx
	w.mu.Unlock()
	w.flush(context.WithoutCancel(ctx), batch)
}

// flush writes batch with one bulk call and acknowledges every message.
func (w *Worker) flush(ctx context.Context, batch []pending) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()
	defer func() {
		for _, p := range batch {
			p.msg.Ack()
		}
	}()

	start := time.Now()
	items := make([]search.BulkItem, 0, len(batch))
	sources := make([]json.RawMessage, 0, len(batch))
	var failed, skipped int64
	live := w.liveBatches(ctx, batch)
	for _, p := range batch {
		if !live[p.em.Batch.ID] {
			skipped++
			continue
		}
		item, err := w.item(ctx, p.em)
		if err != nil {
			failed++
			w.reject(ctx, Failure{Index: item.Index, Event: p.em.Event, Reason: err.Error()})
			continue
		}
		items = append(items, item)
		sources = append(sources, p.em.Event)
	}

	var indexed int64
	if len(items) > 0 {
		resp, err := w.cfg.Index.Bulk(ctx, items, search.BulkOptions{Refresh: w.cfg.Refresh})
		if err != nil {
			w.logger.Error("bulk write failed", "documents", len(items), "error", err)
			failed += int64(len(items))
		} else {
			for i, r := range resp.Items {
				if !r.Failed() {
					indexed++
					continue
				}
				failed++
				var src json.RawMessage
				if i < len(sources) {
					src = sources[i]
				}
				w.reject(ctx, Failure{Index: r.Index, EventID: r.ID, Event: src, Reason: r.Error})
			}
		}
	}

	w.mu.Lock()
	w.stats.Flushes++
	w.stats.Indexed += indexed
	w.stats.Failed += failed
	w.stats.Skipped += skipped
	w.mu.Unlock()
	w.logger.Debug("flushed", "messages", len(batch), "indexed", indexed, "failed", failed, "skipped", skipped, "took", time.Since(start))
}

// liveBatches looks up each distinct batch once. Batches that cannot be
// checked are treated as live.
func (w *Worker) liveBatches(ctx context.Context, batch []pending) map[string]bool {
	live := make(map[string]bool)
	for _, p := range batch {
		id := p.em.Batch.ID
		if _, seen := live[id]; seen {
			continue
		}
		live[id] = true
		if w.cfg.Batches == nil {
			continue
		}
		bid, err := uuid.Parse(id)
		if err != nil {
			continue
		}
		b, err := w.cfg.Batches.GetBatch(ctx, bid)
		if err != nil {
			w.logger.Warn("batch lookup failed", "batch", id, "error", err)
			continue
		}
		if b == nil {
			w.logger.Info("skipping events of deleted batch", "batch", id)
			live[id] = false
		}
	}
	return live
}

func (w *Worker) reject(ctx context.Context, f Failure) {
	w.logger.Warn("event not indexed", "index", f.Index, "id", f.EventID, "reason", f.Reason, "event", string(f.Event))
	if w.cfg.DeadLetter != nil {
		w.cfg.DeadLetter(ctx, f)
	}
}

// item builds the bulk entry for one event. The event's own id becomes
// the document id and is left out of the body.
func (w *Worker) item(ctx context.Context, em broker.EventMessage) (search.BulkItem, error) {
	index := search.IndexName(w.cfg.IndexPrefix, em.Batch.CollectionID)
	item := search.BulkItem{Index: index}

	obj := event.NewObject()
	if err := json.Unmarshal(em.Event, obj); err != nil {
		return item, fmt.Errorf("decode event: %w", err)
	}
	ev, err := event.Parse(obj)
	if err != nil {
		return item, err
	}
	doc, err := ev.Document(event.Envelope{
		BatchID:      em.Batch.ID,
		CollectionID: em.Batch.CollectionID,
		IngestedAt:   em.Batch.IngestedAt,
	})
	if err != nil {
		return item, err
	}
	if err := w.ensureIndex(ctx, index, em.Batch.CollectionID); err != nil {
		return item, err
	}
	item.ID = ev.ID
	item.Document = doc
	return item, nil
}

// ensureIndex creates a collection's index on first use.
func (w *Worker) ensureIndex(ctx context.Context, index, collectionID string) error {
	if _, ok := w.known.Load(index); ok {
		return nil
	}
	err := w.ensure.Do(ctx, index, func(ctx context.Context) error {
		mapping := search.Mapping{}
		if w.cfg.Collections != nil {
			if id, err := uuid.Parse(collectionID); err == nil {
				coll, err := w.cfg.Collections.GetCollection(ctx, id)
				if err != nil {
					return fmt.Errorf("load collection %s: %w", collectionID, err)
				}
				if coll != nil {
					mapping.TimeField = coll.TimeField
				}
			}
		}
		return search.EnsureIndex(ctx, w.cfg.Index, index, mapping)
	})
	if err != nil {
		return fmt.Errorf("ensure index %s: %w", index, err)
	}
	w.known.Store(index, struct{}{})
	return nil
}
