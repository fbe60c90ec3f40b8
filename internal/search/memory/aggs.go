package memory

import (
	"cmp"
	"encoding/json"
	"math"
	"slices"
	"strings"
	"time"

	"eventlake/internal/event"
	"eventlake/internal/search"
)

// keyAsStringLayout is the engine's default date rendering.
const keyAsStringLayout = "2006-01-02T15:04:05.000Z"

func subAggs(spec map[string]any) (map[string]any, bool) {
	if v, ok := asMap(spec["aggs"]); ok {
		return v, true
	}
	if v, ok := asMap(spec["aggregations"]); ok {
		return v, true
	}
	return nil, false
}

// aggregate evaluates every named aggregation over docs.
func aggregate(aggs map[string]any, docs []*doc, index string) (map[string]any, error) {
	out := make(map[string]any, len(aggs))
	for name, raw := range aggs {
		spec, ok := asMap(raw)
		if !ok {
			return nil, unsupported("aggregation [%s] must be an object", name)
		}
		res, err := aggregateOne(name, spec, docs, index)
		if err != nil {
			return nil, err
		}
		out[name] = res
	}
	return out, nil
}

func aggregateOne(name string, spec map[string]any, docs []*doc, index string) (map[string]any, error) {
	sub, _ := subAggs(spec)
	for kind, body := range spec {
		if kind == "aggs" || kind == "aggregations" || kind == "meta" {
			continue
		}
		b, ok := asMap(body)
		if !ok {
			return nil, unsupported("aggregation [%s] of type [%s] must be an object", name, kind)
		}
		switch kind {
		case "terms":
			return termsAgg(name, b, sub, docs, index)
		case "date_histogram":
			return dateHistogram(name, b, sub, docs, index)
		case "stats":
			return statsAgg(b, docs), nil
		case "cardinality":
			field, _ := b["field"].(string)
			seen := map[string]bool{}
			for _, d := range docs {
				for _, v := range fieldValues(d.fields, field) {
					if v != nil {
						seen[keyString(v)] = true
					}
				}
			}
			return map[string]any{"value": len(seen)}, nil
		case "sum", "avg", "min", "max", "value_count":
			return metricAgg(kind, b, docs), nil
		case "top_hits":
			return topHits(b, docs, index)
		default:
			return nil, unsupported("unknown aggregation type [%s]", kind)
		}
	}
	return nil, unsupported("aggregation [%s] has no type", name)
}

func numbers(docs []*doc, field string) []float64 {
	var out []float64
	for _, d := range docs {
		for _, v := range fieldValues(d.fields, field) {
			if f, ok := num(v); ok {
				out = append(out, f)
			}
		}
	}
	return out
}

func statsAgg(b map[string]any, docs []*doc) map[string]any {
	field, _ := b["field"].(string)
	vals := numbers(docs, field)
	res := map[string]any{"count": len(vals), "min": nil, "max": nil, "avg": nil, "sum": 0.0}
	if len(vals) == 0 {
		return res
	}
	sum, lo, hi := 0.0, math.Inf(1), math.Inf(-1)
	for _, v := range vals {
		sum += v
		lo = min(lo, v)
		hi = max(hi, v)
	}
	res["min"], res["max"], res["sum"] = lo, hi, sum
	res["avg"] = sum / float64(len(vals))
	return res
}

func metricAgg(kind string, b map[string]any, docs []*doc) map[string]any {
	field, _ := b["field"].(string)
	if kind == "value_count" {
		n := 0
		for _, d := range docs {
			for _, v := range fieldValues(d.fields, field) {
				if v != nil {
					n++
				}
			}
		}
		return map[string]any{"value": n}
	}
	vals := numbers(docs, field)
	if kind == "sum" {
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		return map[string]any{"value": sum}
	}
	if len(vals) == 0 {
		return map[string]any{"value": nil}
	}
	var v float64
	switch kind {
	case "avg":
		for _, x := range vals {
			v += x
		}
		v /= float64(len(vals))
	case "min":
		v = slices.Min(vals)
	case "max":
		v = slices.Max(vals)
	}
	return map[string]any{"value": v}
}

type bucket struct {
	key   any
	docs  []*doc
	count int
	sub   map[string]any
}

func termsAgg(name string, b, sub map[string]any, docs []*doc, index string) (map[string]any, error) {
	field, _ := b["field"].(string)
	if field == "" {
		return nil, unsupported("[terms] aggregation [%s] requires a field", name)
	}
	size := 10
	if v, ok := num(b["size"]); ok {
		size = int(v)
	}
	minCount := 1
	if v, ok := num(b["min_doc_count"]); ok {
		minCount = int(v)
	}

	byKey := map[string]*bucket{}
	var order []string
	for _, d := range docs {
		seen := map[string]bool{}
		for _, v := range fieldValues(d.fields, field) {
			if v == nil {
				continue
			}
			k := keyString(v)
			if seen[k] {
				continue
			}
			seen[k] = true
			bk, ok := byKey[k]
			if !ok {
				bk = &bucket{key: bucketKey(v)}
				byKey[k] = bk
				order = append(order, k)
			}
			bk.docs = append(bk.docs, d)
			bk.count++
		}
	}

	buckets := make([]*bucket, 0, len(order))
	for _, k := range order {
		bk := byKey[k]
		if bk.count < minCount {
			continue
		}
		if sub != nil {
			res, err := aggregate(sub, bk.docs, index)
			if err != nil {
				return nil, err
			}
			bk.sub = res
		}
		buckets = append(buckets, bk)
	}

	less, err := termsOrder(b["order"])
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(buckets, less)

	other := 0
	if len(buckets) > size {
		for _, bk := range buckets[size:] {
			other += bk.count
		}
		buckets = buckets[:size]
	}
	out := make([]any, len(buckets))
	for i, bk := range buckets {
		m := map[string]any{"key": bk.key, "doc_count": bk.count}
		for k, v := range bk.sub {
			m[k] = v
		}
		out[i] = m
	}
	return map[string]any{
		"doc_count_error_upper_bound": 0,
		"sum_other_doc_count":         other,
		"buckets":                     out,
	}, nil
}

// termsOrder builds the bucket comparator. The default is count
// descending; ties always break on key ascending.
func termsOrder(spec any) (func(a, b *bucket) int, error) {
	type criterion struct {
		path string
		desc bool
	}
	var crits []criterion
	for _, o := range toSlice(spec) {
		m, ok := asMap(o)
		if !ok {
			return nil, unsupported("[terms] order must be an object")
		}
		for path, dir := range m {
			crits = append(crits, criterion{path, strings.EqualFold(keyString(dir), "desc")})
		}
	}
	if len(crits) == 0 {
		crits = []criterion{{"_count", true}}
	}
	return func(a, b *bucket) int {
		for _, c := range crits {
			var r int
			switch c.path {
			case "_count":
				r = cmp.Compare(a.count, b.count)
			case "_key", "_term":
				r, _ = compareValues(a.key, b.key)
			default:
				r = cmp.Compare(metricValue(a.sub, c.path), metricValue(b.sub, c.path))
			}
			if c.desc {
				r = -r
			}
			if r != 0 {
				return r
			}
		}
		r, _ := compareValues(a.key, b.key)
		return r
	}, nil
}

// metricValue resolves "name" or "name.avg" against computed sub-aggs.
// Missing values sort lowest.
func metricValue(sub map[string]any, path string) float64 {
	name, stat, _ := strings.Cut(path, ".")
	res, ok := sub[name].(map[string]any)
	if !ok {
		return math.Inf(-1)
	}
	if stat == "" {
		stat = "value"
	}
	if f, ok := num(res[stat]); ok {
		return f
	}
	return math.Inf(-1)
}

func dateHistogram(name string, b, sub map[string]any, docs []*doc, index string) (map[string]any, error) {
	field, _ := b["field"].(string)
	if field == "" {
		return nil, unsupported("[date_histogram] aggregation [%s] requires a field", name)
	}
	spec, _ := b["fixed_interval"].(string)
	if spec == "" {
		spec, _ = b["calendar_interval"].(string)
	}
	if spec == "" {
		spec, _ = b["interval"].(string)
	}
	if spec == "" {
		return nil, unsupported("[date_histogram] aggregation [%s] requires an interval", name)
	}
	interval, err := parseInterval(calendarAlias(spec))
	if err != nil {
		return nil, unsupported("[date_histogram] %v", err)
	}
	step := interval.Milliseconds()
	minCount := 0
	if v, ok := num(b["min_doc_count"]); ok {
		minCount = int(v)
	}

	floor := func(t time.Time) int64 {
		ms := t.UnixMilli()
		return ms - ((ms%step)+step)%step
	}

	byKey := map[int64]*bucket{}
	lo, hi := int64(math.MaxInt64), int64(math.MinInt64)
	for _, d := range docs {
		for _, v := range fieldValues(d.fields, field) {
			t, ok := timeOf(v)
			if !ok {
				continue
			}
			k := floor(t)
			bk, ok := byKey[k]
			if !ok {
				bk = &bucket{key: k}
				byKey[k] = bk
			}
			bk.docs = append(bk.docs, d)
			bk.count++
			lo, hi = min(lo, k), max(hi, k)
			break
		}
	}

	if minCount == 0 {
		if eb, ok := asMap(b["extended_bounds"]); ok {
			if t, ok := timeOf(eb["min"]); ok {
				lo = min(lo, floor(t))
			}
			if t, ok := timeOf(eb["max"]); ok {
				hi = max(hi, floor(t))
			}
		}
	}

	var keys []int64
	if minCount == 0 && lo <= hi {
		for k := lo; k <= hi; k += step {
			keys = append(keys, k)
		}
	} else {
		for k := range byKey {
			keys = append(keys, k)
		}
		slices.Sort(keys)
	}

	out := make([]any, 0, len(keys))
	for _, k := range keys {
		bk := byKey[k]
		if bk == nil {
			bk = &bucket{key: k}
		}
		if bk.count < minCount {
			continue
		}
		m := map[string]any{
			"key":           k,
			"key_as_string": time.UnixMilli(k).UTC().Format(keyAsStringLayout),
			"doc_count":     bk.count,
		}
		if sub != nil {
			res, err := aggregate(sub, bk.docs, index)
			if err != nil {
				return nil, err
			}
			for name, v := range res {
				m[name] = v
			}
		}
		out = append(out, m)
	}
	return map[string]any{"buckets": out}, nil
}

// calendarAlias maps single-unit calendar intervals onto fixed ones.
func calendarAlias(s string) string {
	switch s {
	case "second":
		return "1s"
	case "minute":
		return "1m"
	case "hour":
		return "1h"
	case "day":
		return "1d"
	case "week":
		return "1w"
	}
	return s
}

func topHits(b map[string]any, docs []*doc, index string) (map[string]any, error) {
	size := 3
	if v, ok := num(b["size"]); ok {
		size = int(v)
	}
	sorted := slices.Clone(docs)
	if s, ok := b["sort"]; ok {
		if err := sortDocs(sorted, s); err != nil {
			return nil, err
		}
	}
	if len(sorted) > size {
		sorted = sorted[:size]
	}
	include, exclude := sourceFilter(b["_source"])
	hits := make([]any, len(sorted))
	for i, d := range sorted {
		src, err := projectSource(d.source, include, exclude)
		if err != nil {
			return nil, err
		}
		hits[i] = map[string]any{"_index": index, "_id": d.id, "_source": src}
	}
	return map[string]any{
		"hits": map[string]any{
			"total":     map[string]any{"value": len(docs), "relation": "eq"},
			"max_score": nil,
			"hits":      hits,
		},
	}, nil
}

func sourceFilter(v any) (include, exclude []string) {
	switch x := v.(type) {
	case map[string]any:
		return stringList(x["includes"]), stringList(x["excludes"])
	case []any, []string, string:
		return stringList(x), nil
	}
	return nil, nil
}

func stringList(v any) []string {
	var out []string
	for _, e := range toSlice(v) {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func projectSource(raw json.RawMessage, include, exclude []string) (json.RawMessage, error) {
	if len(include) == 0 && len(exclude) == 0 {
		return raw, nil
	}
	var o event.Object
	if err := o.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return json.Marshal(search.Project(&o, include, exclude))
}
