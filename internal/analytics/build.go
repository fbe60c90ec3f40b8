package analytics

import (
	"fmt"
	"slices"

	"eventlake/internal/access"
	"eventlake/internal/event"
	"eventlake/internal/search"
)

// Aggregation names used in built queries.
const (
	aggTerms      = "terms"
	aggTimeSeries = "time_series"
	aggMetric     = "metric"
	aggTopHit     = "top_hit"
)

func statsName(field string) string       { return "stats:" + field }
func cardinalityName(field string) string { return "cardinality:" + field }

// Build translates filter options, an aggregation request and a resolved
// scope into one search-engine query document. It has no side effects.
func Build(opts FilterOptions, agg Aggregation, scope access.Scope, settings Settings) (search.Query, error) {
	if err := agg.validate(); err != nil {
		return nil, err
	}
	must, mustNot, err := filterClauses(opts, scope)
	if err != nil {
		return nil, err
	}
	dateField := settings.dateField()

	q := search.Query{}
	switch agg.Kind {
	case KindSearch:
		size, err := settings.size(opts.Size)
		if err != nil {
			return nil, err
		}
		if opts.From < 0 {
			return nil, invalid("from", "must not be negative")
		}
		q["from"] = opts.From
		q["size"] = size
		q["track_total_hits"] = true
		if !opts.NoSort {
			q["sort"] = []any{descending(dateField)}
		}
	case KindTerms:
		q["size"] = 0
		q["aggs"] = map[string]any{aggTerms: termsAgg(agg, dateField)}
	case KindTimeSeries:
		field := agg.DateField
		if field == "" {
			field = dateField
		}
		if r := boundsRange(field, agg.Start, agg.End); r != nil {
			must = append(must, r)
		}
		q["size"] = 0
		q["aggs"] = map[string]any{aggTimeSeries: histogramAgg(agg, field)}
	case KindStats:
		aggs := map[string]any{}
		for _, f := range agg.Fields {
			aggs[statsName(f)] = map[string]any{"stats": map[string]any{"field": f}}
		}
		q["size"] = 0
		q["aggs"] = aggs
	case KindCardinality:
		aggs := map[string]any{}
		for _, f := range agg.Fields {
			aggs[cardinalityName(f)] = map[string]any{"cardinality": map[string]any{"field": f}}
		}
		q["size"] = 0
		q["aggs"] = aggs
	}
	q["query"] = boolQuery(must, mustNot)
	return q, nil
}

func (s Settings) size(requested *int) (int, error) {
	if requested == nil {
		if s.DefaultSize > 0 {
			return s.DefaultSize, nil
		}
		return defaultSize, nil
	}
	n := *requested
	if n < 0 {
		return 0, invalid("size", "must not be negative")
	}
	if s.MaxSize > 0 && n > s.MaxSize {
		return 0, invalid("size", "must not exceed %d", s.MaxSize)
	}
	return n, nil
}

// filterClauses returns the positive and negative clauses in a fixed
// order: scope, terms, exists, ranges, ids, minimum timestamp, free text.
func filterClauses(opts FilterOptions, scope access.Scope) (must, mustNot []any, err error) {
	if !scope.Full {
		for _, f := range scope.FieldNames() {
			must = append(must, scopeClause(f, scope.Fields[f]))
		}
	}
	for i, t := range opts.Terms {
		c, err := termClause(fmt.Sprintf("terms[%d]", i), t)
		if err != nil {
			return nil, nil, err
		}
		must = append(must, c)
	}
	for _, f := range opts.Exists {
		must = append(must, map[string]any{"exists": map[string]any{"field": f}})
	}
	if len(opts.Range) > 0 {
		must = append(must, map[string]any{"range": opts.Range})
	}
	for _, r := range opts.Ranges {
		if len(r) > 0 {
			must = append(must, map[string]any{"range": r})
		}
	}
	if len(opts.IDs) > 0 {
		must = append(must, map[string]any{"ids": map[string]any{"values": stringsToAny(opts.IDs)}})
	}
	if opts.MinTimestamp != "" {
		must = append(must, map[string]any{"range": map[string]any{
			event.EnvelopeIngestedAt: map[string]any{"gte": opts.MinTimestamp},
		}})
	}
	if opts.Q != "" {
		must = append(must, map[string]any{"query_string": map[string]any{"query": opts.Q}})
	}

	for i, t := range opts.ExcludeTerms {
		c, err := termClause(fmt.Sprintf("excludeTerms[%d]", i), t)
		if err != nil {
			return nil, nil, err
		}
		mustNot = append(mustNot, c)
	}
	for _, f := range opts.NotExists {
		mustNot = append(mustNot, map[string]any{"exists": map[string]any{"field": f}})
	}
	return must, mustNot, nil
}

func scopeClause(field string, v access.Value) map[string]any {
	if v.Kind == access.KindOneOf {
		return map[string]any{"terms": map[string]any{field: slices.Clone(v.Values)}}
	}
	return map[string]any{"term": map[string]any{field: v.Single()}}
}

func termClause(at string, entry map[string]any) (map[string]any, error) {
	if len(entry) != 1 {
		return nil, invalid(at, "must name exactly one field")
	}
	for field, v := range entry {
		switch x := v.(type) {
		case []any:
			return map[string]any{"terms": map[string]any{field: x}}, nil
		case []string:
			return map[string]any{"terms": map[string]any{field: stringsToAny(x)}}, nil
		case map[string]any, nil:
			return nil, invalid(at+"."+field, "must be a scalar or an array of scalars")
		default:
			return map[string]any{"term": map[string]any{field: x}}, nil
		}
	}
	return nil, nil
}

func boolQuery(must, mustNot []any) map[string]any {
	if len(must) == 0 && len(mustNot) == 0 {
		return map[string]any{"match_all": map[string]any{}}
	}
	b := map[string]any{}
	if len(must) > 0 {
		b["must"] = must
	}
	if len(mustNot) > 0 {
		b["must_not"] = mustNot
	}
	return map[string]any{"bool": b}
}

func descending(field string) map[string]any {
	return map[string]any{field: map[string]any{"order": "desc", "unmapped_type": "date"}}
}

func metric(agg Aggregation) map[string]any {
	return map[string]any{agg.Op: map[string]any{"field": agg.ValueField}}
}

func termsAgg(agg Aggregation, dateField string) map[string]any {
	size := agg.Size
	if size == 0 {
		size = defaultTermsSize
	}
	order := []any{
		map[string]any{"_count": "desc"},
		map[string]any{"_key": "asc"},
	}
	sub := map[string]any{}
	if agg.Op != "" {
		sub[aggMetric] = metric(agg)
		order = []any{
			map[string]any{aggMetric: "desc"},
			map[string]any{"_key": "asc"},
		}
	}
	if agg.TopHit != nil {
		top := map[string]any{
			"size": 1,
			"sort": []any{descending(dateField)},
		}
		if src := sourceFilter(agg.TopHit.Include, agg.TopHit.Exclude); src != nil {
			top["_source"] = src
		}
		sub[aggTopHit] = map[string]any{"top_hits": top}
	}

	body := map[string]any{"terms": map[string]any{
		"field": agg.Field,
		"size":  size,
		"order": order,
	}}
	if len(sub) > 0 {
		body["aggs"] = sub
	}
	return body
}

func histogramAgg(agg Aggregation, field string) map[string]any {
	interval := agg.Interval
	if interval == "" {
		interval = defaultInterval
	}
	h := map[string]any{
		"field":          field,
		"fixed_interval": interval,
		"min_doc_count":  0,
	}
	if agg.Start != "" || agg.End != "" {
		bounds := map[string]any{}
		if agg.Start != "" {
			bounds["min"] = agg.Start
		}
		if agg.End != "" {
			bounds["max"] = agg.End
		}
		h["extended_bounds"] = bounds
	}
	body := map[string]any{"date_histogram": h}
	if agg.Op != "" {
		body["aggs"] = map[string]any{aggMetric: metric(agg)}
	}
	return body
}

func boundsRange(field, start, end string) map[string]any {
	if start == "" && end == "" {
		return nil
	}
	r := map[string]any{}
	if start != "" {
		r["gte"] = start
	}
	if end != "" {
		r["lte"] = end
	}
	return map[string]any{"range": map[string]any{field: r}}
}

func sourceFilter(include, exclude []string) map[string]any {
	if len(include) == 0 && len(exclude) == 0 {
		return nil
	}
	src := map[string]any{}
	if len(include) > 0 {
		src["includes"] = stringsToAny(include)
	}
	if len(exclude) > 0 {
		src["excludes"] = stringsToAny(exclude)
	}
	return src
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
