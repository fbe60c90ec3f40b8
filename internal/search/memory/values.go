package memory

import (
	"cmp"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"eventlake/internal/event"
)

// fieldValues returns every leaf value at a dotted path. Arrays are
// flattened, so a term query matches when any element matches.
func fieldValues(src map[string]any, path string) []any {
	var out []any
	collect(src, path, &out)
	return out
}

func collect(v any, path string, out *[]any) {
	if path == "" {
		flatten(v, out)
		return
	}
	switch x := v.(type) {
	case map[string]any:
		if val, ok := x[path]; ok {
			flatten(val, out)
		}
		for i := 0; i < len(path); i++ {
			if path[i] != '.' {
				continue
			}
			if child, ok := x[path[:i]]; ok {
				collect(child, path[i+1:], out)
			}
		}
	case []any:
		for _, e := range x {
			collect(e, path, out)
		}
	}
}

func flatten(v any, out *[]any) {
	if arr, ok := v.([]any); ok {
		for _, e := range arr {
			flatten(e, out)
		}
		return
	}
	*out = append(*out, v)
}

// leafStrings returns every string leaf in the document, for free-text
// matching.
func leafStrings(v any, out *[]string) {
	switch x := v.(type) {
	case map[string]any:
		for _, e := range x {
			leafStrings(e, out)
		}
	case []any:
		for _, e := range x {
			leafStrings(e, out)
		}
	case string:
		*out = append(*out, x)
	case json.Number:
		*out = append(*out, x.String())
	case bool:
		*out = append(*out, strconv.FormatBool(x))
	}
}

func num(v any) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

func timeOf(v any) (time.Time, bool) {
	switch x := v.(type) {
	case int:
		return time.UnixMilli(int64(x)).UTC(), true
	case string:
		if x == "" {
			return time.Time{}, false
		}
		if t, ok := dateMath(x); ok {
			return t, true
		}
	}
	t, err := event.ParseOccurredAt(v)
	return t, err == nil
}

// dateMath handles "now" with an optional single offset like "now-7d".
func dateMath(s string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(s, "now")
	if !ok {
		return time.Time{}, false
	}
	now := time.Now().UTC()
	if rest == "" {
		return now, true
	}
	sign := time.Duration(1)
	switch rest[0] {
	case '-':
		sign = -1
	case '+':
	default:
		return time.Time{}, false
	}
	d, err := parseInterval(rest[1:])
	if err != nil {
		return time.Time{}, false
	}
	return now.Add(sign * d), true
}

// parseInterval parses Elasticsearch fixed intervals: ms, s, m, h, d, w.
func parseInterval(s string) (time.Duration, error) {
	units := []struct {
		suffix string
		d      time.Duration
	}{
		{"ms", time.Millisecond},
		{"s", time.Second},
		{"m", time.Minute},
		{"h", time.Hour},
		{"d", 24 * time.Hour},
		{"w", 7 * 24 * time.Hour},
	}
	for _, u := range units {
		n, ok := strings.CutSuffix(s, u.suffix)
		if !ok {
			continue
		}
		v, err := strconv.Atoi(n)
		if err != nil || v <= 0 {
			return 0, fmt.Errorf("invalid interval %q", s)
		}
		return time.Duration(v) * u.d, nil
	}
	return 0, fmt.Errorf("invalid interval %q", s)
}

// compareValues orders two values: numerically, then as timestamps, then
// as strings. ok is false when they are not comparable.
func compareValues(a, b any) (int, bool) {
	if x, ok := num(a); ok {
		if y, ok := num(b); ok {
			return cmp.Compare(x, y), true
		}
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		if x, ok := timeOf(as); ok {
			if y, ok := timeOf(bs); ok {
				return x.Compare(y), true
			}
		}
		return strings.Compare(as, bs), true
	}
	if x, ok := timeOf(a); ok {
		if y, ok := timeOf(b); ok {
			return x.Compare(y), true
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return cmp.Compare(boolInt(ab), boolInt(bb)), true
		}
	}
	return 0, false
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func equalValues(a, b any) bool {
	if x, ok := num(a); ok {
		if y, ok := num(b); ok {
			return x == y
		}
	}
	return keyString(a) == keyString(b)
}

// keyString is the grouping key for terms and cardinality.
func keyString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
		return x.String()
	}
	if f, ok := num(v); ok {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return fmt.Sprint(v)
}

// bucketKey renders a terms bucket key the way the engine does: numbers
// stay numbers.
func bucketKey(v any) any {
	if f, ok := num(v); ok {
		return f
	}
	return v
}
