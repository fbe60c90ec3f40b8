package analytics

import (
	"context"
	"fmt"
	"log/slog"

	"eventlake/internal/access"
	"eventlake/internal/auth"
	"eventlake/internal/catalog"
	"eventlake/internal/logging"
	"eventlake/internal/search"
)

// CollectionFinder resolves collections by id or name.
type CollectionFinder interface {
	FindCollection(ctx context.Context, idOrName string) (*catalog.Collection, error)
}

// ScopeResolver computes a caller's scope for a collection.
type ScopeResolver interface {
	Resolve(ctx context.Context, p auth.Principal, collectionName string) (access.Scope, error)
}

// Request is one analytics call.
type Request struct {
	Collection  string        `json:"collection"`
	Filter      FilterOptions `json:"filter"`
	Aggregation Aggregation   `json:"aggregation"`
	// DryRun returns the built query instead of running it.
	DryRun bool `json:"dryRun,omitempty"`
}

// Response holds either the dry-run query or the one result matching Kind.
type Response struct {
	Kind        Kind                  `json:"kind"`
	Index       string                `json:"index"`
	Query       search.Query          `json:"query,omitempty"`
	Terms       *TermsResult          `json:"terms,omitempty"`
	TimeSeries  *TimeSeriesResult     `json:"timeSeries,omitempty"`
	Stats       map[string]FieldStats `json:"stats,omitempty"`
	Cardinality map[string]int64      `json:"cardinality,omitempty"`
	Search      *SearchResult         `json:"search,omitempty"`
}

// Config configures a Service.
type Config struct {
	Collections CollectionFinder
	Scopes      ScopeResolver
	Index       search.Index
	IndexPrefix string
	DefaultSize int
	MaxSize     int
	Logger      *slog.Logger
}

// Service runs analytics requests on behalf of authenticated callers.
type Service struct {
	cfg    Config
	logger *slog.Logger
}

// NewService creates a Service.
func NewService(cfg Config) *Service {
	return &Service{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "analytics"),
	}
}

// Run resolves the collection and the caller's scope, builds the query
// and executes it unless req.DryRun is set.
func (s *Service) Run(ctx context.Context, p auth.Principal, kind Kind, req Request) (*Response, error) {
	coll, err := s.cfg.Collections.FindCollection(ctx, req.Collection)
	if err != nil {
		return nil, fmt.Errorf("find collection: %w", err)
	}
	if coll == nil || coll.DeletedAt != nil {
		return nil, catalog.NotFound("collection", req.Collection)
	}
	scope, err := s.cfg.Scopes.Resolve(ctx, p, coll.Name)
	if err != nil {
		return nil, err
	}

	agg := req.Aggregation
	agg.Kind = kind
	settings := Settings{DateField: coll.TimeField, DefaultSize: s.cfg.DefaultSize, MaxSize: s.cfg.MaxSize}
	q, err := Build(req.Filter, agg, scope, settings)
	if err != nil {
		return nil, err
	}

	index := search.IndexName(s.cfg.IndexPrefix, coll.ID.String())
	resp := &Response{Kind: kind, Index: index}
	if req.DryRun {
		resp.Query = q
		return resp, nil
	}

	res, err := s.cfg.Index.Search(ctx, index, q)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("query executed", "kind", kind, "collection", coll.Name, "total", res.Total)

	proj := projection{
		scopeInclude: scope.Include,
		scopeExclude: scope.Exclude,
		include:      req.Filter.Include,
		exclude:      req.Filter.Exclude,
	}
	switch kind {
	case KindTerms:
		resp.Terms, err = materializeTerms(res, agg.Op != "", proj)
	case KindTimeSeries:
		interval := agg.Interval
		if interval == "" {
			interval = defaultInterval
		}
		resp.TimeSeries, err = materializeTimeSeries(res, interval)
	case KindStats:
		resp.Stats, err = materializeStats(res, agg.Fields)
	case KindCardinality:
		resp.Cardinality, err = materializeCardinality(res, agg.Fields)
	case KindSearch:
		resp.Search, err = materializeSearch(res, proj)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}
