package analytics

import (
	"cmp"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"

	"eventlake/internal/event"
	"eventlake/internal/search"
)

// Document is one projected result document.
type Document struct {
	ID     string        `json:"id"`
	Source *event.Object `json:"source"`
}

// TermsBucket is one distinct value of the terms field.
type TermsBucket struct {
	Key    any       `json:"key"`
	Count  int64     `json:"count"`
	Value  *float64  `json:"value,omitempty"`
	TopHit *Document `json:"topHit,omitempty"`
}

// TermsResult lists buckets by count (or metric) descending, then key.
type TermsResult struct {
	Buckets []TermsBucket `json:"buckets"`
	Other   int64         `json:"other"`
}

// TimeBucket is one histogram interval.
type TimeBucket struct {
	Time  time.Time `json:"time"`
	Count int64     `json:"count"`
	Value *float64  `json:"value,omitempty"`
}

// TimeSeriesResult lists buckets by time ascending.
type TimeSeriesResult struct {
	Interval string       `json:"interval"`
	Buckets  []TimeBucket `json:"buckets"`
}

// FieldStats summarizes one numeric field. Min, Max and Avg are nil when
// no document has a numeric value.
type FieldStats struct {
	Count int64    `json:"count"`
	Min   *float64 `json:"min"`
	Max   *float64 `json:"max"`
	Avg   *float64 `json:"avg"`
	Sum   float64  `json:"sum"`
}

// SearchResult is a page of matching documents.
type SearchResult struct {
	Total int64      `json:"total"`
	Hits  []Document `json:"hits"`
}

// projection layers the caller's include/exclude under the scope's.
type projection struct {
	scopeInclude, scopeExclude []string
	include, exclude           []string
}

func (p projection) apply(raw json.RawMessage) (*event.Object, error) {
	doc := event.NewObject()
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	doc = search.Project(doc, p.scopeInclude, p.scopeExclude)
	return search.Project(doc, p.include, p.exclude), nil
}

type rawBucket struct {
	Key      json.RawMessage `json:"key"`
	DocCount int64           `json:"doc_count"`
	Metric   *struct {
		Value *float64 `json:"value"`
	} `json:"metric"`
	TopHit *struct {
		Hits struct {
			Hits []search.Hit `json:"hits"`
		} `json:"hits"`
	} `json:"top_hit"`
}

func (b rawBucket) value() *float64 {
	if b.Metric == nil {
		return nil
	}
	return b.Metric.Value
}

func decodeKey(raw json.RawMessage) any {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		if f, err := n.Float64(); err == nil {
			return f
		}
	}
	var v any
	_ = json.Unmarshal(raw, &v)
	return v
}

func compareKeys(a, b any) int {
	af, aNum := a.(float64)
	bf, bNum := b.(float64)
	switch {
	case aNum && bNum:
		return cmp.Compare(af, bf)
	case aNum:
		return -1
	case bNum:
		return 1
	}
	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func metricOrNegInf(v *float64) float64 {
	if v == nil {
		return math.Inf(-1)
	}
	return *v
}

func materializeTerms(res *search.Result, byMetric bool, proj projection) (*TermsResult, error) {
	raw, ok := res.Aggregations[aggTerms]
	if !ok {
		return &TermsResult{Buckets: []TermsBucket{}}, nil
	}
	var agg struct {
		Buckets []rawBucket `json:"buckets"`
		Other   int64       `json:"sum_other_doc_count"`
	}
	if err := json.Unmarshal(raw, &agg); err != nil {
		return nil, fmt.Errorf("decode terms aggregation: %w", err)
	}
	out := &TermsResult{Buckets: make([]TermsBucket, 0, len(agg.Buckets)), Other: agg.Other}
	for _, b := range agg.Buckets {
		tb := TermsBucket{Key: decodeKey(b.Key), Count: b.DocCount, Value: b.value()}
		if b.TopHit != nil && len(b.TopHit.Hits.Hits) > 0 {
			h := b.TopHit.Hits.Hits[0]
			src, err := proj.apply(h.Source)
			if err != nil {
				return nil, err
			}
			tb.TopHit = &Document{ID: h.ID, Source: src}
		}
		out.Buckets = append(out.Buckets, tb)
	}
	slices.SortStableFunc(out.Buckets, func(a, b TermsBucket) int {
		var r int
		if byMetric {
			r = cmp.Compare(metricOrNegInf(b.Value), metricOrNegInf(a.Value))
		} else {
			r = cmp.Compare(b.Count, a.Count)
		}
		if r != 0 {
			return r
		}
		return compareKeys(a.Key, b.Key)
	})
	return out, nil
}

func materializeTimeSeries(res *search.Result, interval string) (*TimeSeriesResult, error) {
	out := &TimeSeriesResult{Interval: interval, Buckets: []TimeBucket{}}
	raw, ok := res.Aggregations[aggTimeSeries]
	if !ok {
		return out, nil
	}
	var agg struct {
		Buckets []rawBucket `json:"buckets"`
	}
	if err := json.Unmarshal(raw, &agg); err != nil {
		return nil, fmt.Errorf("decode time-series aggregation: %w", err)
	}
	for _, b := range agg.Buckets {
		ms, err := strconv.ParseFloat(string(b.Key), 64)
		if err != nil {
			return nil, fmt.Errorf("decode bucket key %s: %w", b.Key, err)
		}
		out.Buckets = append(out.Buckets, TimeBucket{
			Time:  time.UnixMilli(int64(ms)).UTC(),
			Count: b.DocCount,
			Value: b.value(),
		})
	}
	slices.SortFunc(out.Buckets, func(a, b TimeBucket) int { return a.Time.Compare(b.Time) })
	return out, nil
}

func materializeStats(res *search.Result, fields []string) (map[string]FieldStats, error) {
	out := make(map[string]FieldStats, len(fields))
	for _, f := range fields {
		var s FieldStats
		if raw, ok := res.Aggregations[statsName(f)]; ok {
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, fmt.Errorf("decode stats for %s: %w", f, err)
			}
		}
		out[f] = s
	}
	return out, nil
}

func materializeCardinality(res *search.Result, fields []string) (map[string]int64, error) {
	out := make(map[string]int64, len(fields))
	for _, f := range fields {
		var c struct {
			Value int64 `json:"value"`
		}
		if raw, ok := res.Aggregations[cardinalityName(f)]; ok {
			if err := json.Unmarshal(raw, &c); err != nil {
				return nil, fmt.Errorf("decode cardinality for %s: %w", f, err)
			}
		}
		out[f] = c.Value
	}
	return out, nil
}

func materializeSearch(res *search.Result, proj projection) (*SearchResult, error) {
	out := &SearchResult{Total: res.Total, Hits: make([]Document, 0, len(res.Hits))}
	for _, h := range res.Hits {
		src, err := proj.apply(h.Source)
		if err != nil {
			return nil, err
		}
		out.Hits = append(out.Hits, Document{ID: h.ID, Source: src})
	}
	return out, nil
}
