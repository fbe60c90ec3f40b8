// Package chatterbox generates synthetic events and sends them in batches
// at random intervals. It drives load tests and demos through the same
// ingestion surface real producers use.
package chatterbox

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"eventlake/internal/catalog"
	"eventlake/internal/event"
	"eventlake/internal/logging"
)

const (
	defaultMinInterval  = 100 * time.Millisecond
	defaultMaxInterval  = time.Second
	defaultBatchSize    = 50
	defaultHostCount    = 10
	defaultServiceCount = 5
	defaultTenantCount  = 4
)

const (
	FormatRequest = "request"
	FormatError   = "error"
	FormatOrder   = "order"
	FormatMetric  = "metric"
	FormatAudit   = "audit"
)

var allFormats = []string{FormatRequest, FormatError, FormatOrder, FormatMetric, FormatAudit}

// Sink receives generated batches. *client.Client satisfies it.
type Sink interface {
	Ingest(ctx context.Context, collection string, events []*event.Object) (*catalog.Batch, error)
}

// Generator emits synthetic events. Not safe for concurrent use.
type Generator struct {
	faker       *gofakeit.Faker
	pools       *Pools
	formats     []Format
	weights     []int // cumulative
	totalWeight int

	minInterval time.Duration
	maxInterval time.Duration
	batchSize   int

	logger *slog.Logger
	sent   atomic.Int64
}

// New builds a generator from parameters:
//   - "minInterval", "maxInterval": delay between batches (default 100ms, 1s)
//   - "batchSize": events per batch (default 50)
//   - "formats": comma-separated subset of request, error, order, metric, audit
//   - "formatWeights": e.g. "request=10,error=2"
//   - "hostCount", "serviceCount", "tenantCount": pool sizes
//   - "seed": makes output reproducible
func New(params map[string]string, logger *slog.Logger) (*Generator, error) {
	g := &Generator{
		minInterval: defaultMinInterval,
		maxInterval: defaultMaxInterval,
		batchSize:   defaultBatchSize,
		logger:      logging.Default(logger).With("component", "chatterbox"),
	}
	var err error
	if g.minInterval, err = durationParam(params, "minInterval", defaultMinInterval); err != nil {
		return nil, err
	}
	if g.maxInterval, err = durationParam(params, "maxInterval", defaultMaxInterval); err != nil {
		return nil, err
	}
	if g.minInterval > g.maxInterval {
		return nil, fmt.Errorf("minInterval (%v) must not exceed maxInterval (%v)", g.minInterval, g.maxInterval)
	}
	counts := map[string]int{
		"batchSize":    defaultBatchSize,
		"hostCount":    defaultHostCount,
		"serviceCount": defaultServiceCount,
		"tenantCount":  defaultTenantCount,
	}
	for name := range counts {
		if counts[name], err = positiveParam(params, name, counts[name]); err != nil {
			return nil, err
		}
	}
	g.batchSize = counts["batchSize"]

	var seed uint64
	if v, ok := params["seed"]; ok {
		if seed, err = strconv.ParseUint(v, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid seed %q: %w", v, err)
		}
	}
	g.faker = gofakeit.New(seed)
	g.pools = NewPools(g.faker, counts["hostCount"], counts["serviceCount"], counts["tenantCount"])

	names, err := parseFormats(params["formats"])
	if err != nil {
		return nil, err
	}
	weights, err := parseWeights(params["formatWeights"], names)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		g.formats = append(g.formats, formatByName(name))
		g.totalWeight += weights[name]
		g.weights = append(g.weights, g.totalWeight)
	}
	return g, nil
}

func durationParam(params map[string]string, name string, def time.Duration) (time.Duration, error) {
	v, ok := params[name]
	if !ok {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must be non-negative, got %v", name, d)
	}
	return d, nil
}

func positiveParam(params map[string]string, name string, def int) (int, error) {
	v, ok := params[name]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %d", name, n)
	}
	return n, nil
}

func parseFormats(s string) ([]string, error) {
	if s == "" {
		return allFormats, nil
	}
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		name := strings.TrimSpace(p)
		if name == "" || slices.Contains(out, name) {
			continue
		}
		if !slices.Contains(allFormats, name) {
			return nil, fmt.Errorf("unknown format %q", name)
		}
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid formats specified")
	}
	return out, nil
}

func parseWeights(s string, enabled []string) (map[string]int, error) {
	weights := make(map[string]int, len(enabled))
	for p := range strings.SplitSeq(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		name, w, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid weight format %q, expected name=weight", p)
		}
		name = strings.TrimSpace(name)
		if !slices.Contains(allFormats, name) {
			return nil, fmt.Errorf("unknown format %q in weights", name)
		}
		n, err := strconv.Atoi(strings.TrimSpace(w))
		if err != nil {
			return nil, fmt.Errorf("invalid weight for %q: %w", name, err)
		}
		if n <= 0 {
			return nil, fmt.Errorf("weight for %q must be positive, got %d", name, n)
		}
		weights[name] = n
	}
	for _, name := range enabled {
		if _, ok := weights[name]; !ok {
			weights[name] = 1
		}
	}
	return weights, nil
}

func formatByName(name string) Format {
	switch name {
	case FormatRequest:
		return requestFormat{}
	case FormatError:
		return errorFormat{}
	case FormatOrder:
		return orderFormat{}
	case FormatMetric:
		return metricFormat{}
	default:
		return auditFormat{}
	}
}

func (g *Generator) selectFormat() Format {
	if len(g.formats) == 1 {
		return g.formats[0]
	}
	n := g.faker.Number(0, g.totalWeight-1)
	for i, w := range g.weights {
		if n < w {
			return g.formats[i]
		}
	}
	return g.formats[len(g.formats)-1]
}

// Batch returns n events stamped just before now, each with a fresh id.
func (g *Generator) Batch(n int, now time.Time) []*event.Object {
	out := make([]*event.Object, n)
	for i := range out {
		obj := g.selectFormat().Generate(g.faker, g.pools, now)
		at := now.Add(-time.Duration(g.faker.Number(0, 5000)) * time.Millisecond)
		obj.Set(event.FieldID, g.faker.UUID())
		obj.Set(event.FieldOccurredAt, at.UTC().Format(time.RFC3339Nano))
		out[i] = obj
	}
	return out
}

// Sent is the number of events accepted by the sink so far.
func (g *Generator) Sent() int64 { return g.sent.Load() }

// Run sends batches to collection until ctx ends or limit events have
// been sent (limit <= 0 means no limit). Sink errors are logged and the
// loop continues.
func (g *Generator) Run(ctx context.Context, sink Sink, collection string, limit int64) error {
	g.logger.Info("chatterbox starting", "collection", collection, "batchSize", g.batchSize)
	defer g.logger.Info("chatterbox stopped", "sent", g.Sent())

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		n := g.batchSize
		if limit > 0 {
			n = int(min(int64(n), limit-g.Sent()))
		}
		if _, err := sink.Ingest(ctx, collection, g.Batch(n, time.Now())); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			g.logger.Warn("send batch failed", "collection", collection, "error", err)
		} else {
			g.sent.Add(int64(n))
		}
		if limit > 0 && g.Sent() >= limit {
			return nil
		}
		timer.Reset(g.randomInterval())
	}
}

func (g *Generator) randomInterval() time.Duration {
	if g.minInterval >= g.maxInterval {
		return g.minInterval
	}
	delta := uint64(g.maxInterval - g.minInterval)
	return g.minInterval + time.Duration(g.faker.Uint64()%delta)
}
