package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"eventlake/internal/api"
	"eventlake/internal/catalog"
	"eventlake/internal/event"
	"eventlake/internal/ingest"
	"eventlake/internal/logging"
)

// Destination is the ingestion surface documents are forwarded to.
// *client.Client satisfies it.
type Destination interface {
	ProvisionCollection(ctx context.Context, spec ingest.CollectionSpec) (*catalog.Collection, error)
	LastEntryAt(ctx context.Context, ref string) (*time.Time, error)
	Ingest(ctx context.Context, collection string, events []*event.Object) (*catalog.Batch, error)
	PutPolicy(ctx context.Context, req api.PolicyRequest) (*catalog.AccessPolicy, error)
	PutCredential(ctx context.Context, req api.CredentialRequest) (*api.Credential, error)
}

// State is where a runner is within one run.
type State int32

const (
	StateIdle State = iota
	StateCounting
	StatePaginating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCounting:
		return "counting"
	case StatePaginating:
		return "paginating"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// RunStats summarizes one run of one collection.
type RunStats struct {
	Collection string
	Since      *time.Time
	Matched    int64
	Pages      int
	Forwarded  int
	Historical int
	Skipped    int
	Duration   time.Duration
}

// Runner mirrors one source collection. Runs of the same runner never
// overlap.
type Runner struct {
	coll     CollectionConfig
	src      Source
	dst      Destination
	pageSize int
	logger   *slog.Logger

	state atomic.Int32
	runMu sync.Mutex

	statsMu sync.Mutex
	last    RunStats
	lastErr error
}

// NewRunner builds a runner. pageSize <= 0 uses DefaultPageSize.
func NewRunner(coll CollectionConfig, src Source, dst Destination, pageSize int, logger *slog.Logger) *Runner {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Runner{
		coll:     coll,
		src:      src,
		dst:      dst,
		pageSize: pageSize,
		logger:   logging.Default(logger).With("component", "mirror", "collection", coll.Source),
	}
}

// Name is the source collection name.
func (r *Runner) Name() string { return r.coll.Source }

// State reports the current phase.
func (r *Runner) State() State { return State(r.state.Load()) }

// Last returns the stats and error of the most recent completed run.
func (r *Runner) Last() (RunStats, error) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.last, r.lastErr
}

// Run copies every source document updated after the destination's last
// entry. Pages already forwarded stay forwarded when a later page fails.
func (r *Runner) Run(ctx context.Context) (RunStats, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	defer r.state.Store(int32(StateIdle))

	start := time.Now()
	stats, err := r.run(ctx)
	stats.Collection = r.coll.Source
	stats.Duration = time.Since(start)

	r.statsMu.Lock()
	r.last, r.lastErr = stats, err
	r.statsMu.Unlock()
	return stats, err
}

func (r *Runner) run(ctx context.Context) (RunStats, error) {
	var stats RunStats
	dest := r.coll.DestinationName()

	r.state.Store(int32(StateCounting))
	since, err := r.dst.LastEntryAt(ctx, dest)
	if err != nil {
		return stats, fmt.Errorf("last entry of %s: %w", dest, err)
	}
	stats.Since = since

	n, err := r.src.Count(ctx, r.coll.Source, since)
	if err != nil {
		return stats, fmt.Errorf("count %s: %w", r.coll.Source, err)
	}
	stats.Matched = n
	if n == 0 {
		r.logger.Debug("nothing new", "since", since)
		return stats, nil
	}

	r.state.Store(int32(StatePaginating))
	cur, err := r.src.Open(ctx, r.coll.Source, since)
	if err != nil {
		return stats, fmt.Errorf("open cursor on %s: %w", r.coll.Source, err)
	}
	defer func() { _ = cur.Close() }()

	for {
		page, done, err := r.readPage(ctx, cur, &stats)
		if err != nil {
			return stats, err
		}
		if len(page) > 0 {
			if err := r.forward(ctx, page, &stats); err != nil {
				return stats, err
			}
			stats.Pages++
		}
		if done {
			break
		}
	}
	r.logger.Info("mirror run complete",
		"since", since, "matched", stats.Matched, "forwarded", stats.Forwarded,
		"pages", stats.Pages, "skipped", stats.Skipped)
	return stats, nil
}

// readPage pulls up to pageSize documents. done is true once the cursor
// is exhausted.
func (r *Runner) readPage(ctx context.Context, cur Cursor, stats *RunStats) ([]Document, bool, error) {
	page := make([]Document, 0, r.pageSize)
	for len(page) < r.pageSize {
		d, err := cur.Next(ctx)
		if errors.Is(err, io.EOF) {
			return page, true, nil
		}
		var de *DocumentError
		if errors.As(err, &de) {
			r.logger.Warn("skipping malformed document", "id", de.ID, "error", de.Err)
			stats.Skipped++
			continue
		}
		if err != nil {
			return page, false, fmt.Errorf("read %s: %w", r.coll.Source, err)
		}
		page = append(page, d)
	}
	return page, false, nil
}

func (r *Runner) forward(ctx context.Context, page []Document, stats *RunStats) error {
	dest := r.coll.DestinationName()
	events := make([]*event.Object, len(page))
	for i, d := range page {
		events[i] = toEvent(d, r.coll.Exclude, "")
	}
	if _, err := r.dst.Ingest(ctx, dest, events); err != nil {
		return fmt.Errorf("forward page of %d to %s: %w", len(events), dest, err)
	}
	stats.Forwarded += len(events)

	h := r.coll.Historical
	if h == nil {
		return nil
	}
	hist := make([]*event.Object, 0, len(page))
	for _, d := range page {
		suffix, err := versionSuffix(d, h.VersionField)
		if err != nil {
			r.logger.Warn("document has no usable version", "id", d.ID, "error", err)
			stats.Skipped++
			continue
		}
		hist = append(hist, toEvent(d, r.coll.Exclude, suffix))
	}
	if len(hist) == 0 {
		return nil
	}
	if _, err := r.dst.Ingest(ctx, h.Collection, hist); err != nil {
		return fmt.Errorf("forward page of %d to %s: %w", len(hist), h.Collection, err)
	}
	stats.Historical += len(hist)
	return nil
}
