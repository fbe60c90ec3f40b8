package memory

import (
	"fmt"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// parseError mirrors the engine's parsing_exception for query shapes this
// evaluator does not understand.
type parseError struct{ reason string }

func (e *parseError) Error() string { return e.reason }

func unsupported(format string, args ...any) error {
	return &parseError{reason: fmt.Sprintf(format, args...)}
}

// single splits a one-key clause like {"term": {...}}.
func single(clause map[string]any) (string, any, error) {
	if len(clause) != 1 {
		return "", nil, unsupported("query clause must have exactly one key, got %d", len(clause))
	}
	for k, v := range clause {
		return k, v, nil
	}
	panic("unreachable")
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// clauses accepts a single clause or an array of clauses.
func clauses(v any) ([]map[string]any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return []map[string]any{x}, nil
	case []any:
		out := make([]map[string]any, 0, len(x))
		for _, e := range x {
			m, ok := asMap(e)
			if !ok {
				return nil, unsupported("bool clause must be an object, got %T", e)
			}
			out = append(out, m)
		}
		return out, nil
	case []map[string]any:
		return x, nil
	}
	return nil, unsupported("bool clause must be an object or array, got %T", v)
}

func toSlice(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case nil:
		return nil
	}
	return []any{v}
}

// matches evaluates a query clause against one document.
func matches(q map[string]any, d *doc) (bool, error) {
	if len(q) == 0 {
		return true, nil
	}
	kind, body, err := single(q)
	if err != nil {
		return false, err
	}
	switch kind {
	case "match_all":
		return true, nil
	case "match_none":
		return false, nil
	case "bool":
		b, ok := asMap(body)
		if !ok {
			return false, unsupported("[bool] expects an object")
		}
		return matchBool(b, d)
	case "term":
		field, want, err := fieldClause(kind, body, "value")
		if err != nil {
			return false, err
		}
		return slices.ContainsFunc(fieldValues(d.fields, field), func(v any) bool { return equalValues(v, want) }), nil
	case "terms":
		b, ok := asMap(body)
		if !ok {
			return false, unsupported("[terms] expects an object")
		}
		for field, vals := range b {
			if field == "boost" {
				continue
			}
			wants := toSlice(vals)
			for _, v := range fieldValues(d.fields, field) {
				if slices.ContainsFunc(wants, func(w any) bool { return equalValues(v, w) }) {
					return true, nil
				}
			}
			return false, nil
		}
		return false, unsupported("[terms] requires a field")
	case "exists":
		b, ok := asMap(body)
		if !ok {
			return false, unsupported("[exists] expects an object")
		}
		field, _ := b["field"].(string)
		if field == "" {
			return false, unsupported("[exists] requires a field")
		}
		return slices.ContainsFunc(fieldValues(d.fields, field), func(v any) bool { return v != nil }), nil
	case "ids":
		b, ok := asMap(body)
		if !ok {
			return false, unsupported("[ids] expects an object")
		}
		return slices.ContainsFunc(toSlice(b["values"]), func(v any) bool { return keyString(v) == d.id }), nil
	case "range":
		return matchRange(body, d)
	case "match", "match_phrase":
		field, want, err := fieldClause(kind, body, "query")
		if err != nil {
			return false, err
		}
		return matchText(fieldValues(d.fields, field), fmt.Sprint(want)), nil
	case "prefix", "wildcard":
		field, want, err := fieldClause(kind, body, "value")
		if err != nil {
			return false, err
		}
		pattern := fmt.Sprint(want)
		if kind == "prefix" {
			pattern = escapeGlob(pattern) + "*"
		}
		return slices.ContainsFunc(fieldValues(d.fields, field), func(v any) bool {
			ok, _ := doublestar.Match(pattern, keyString(v))
			return ok
		}), nil
	case "query_string", "simple_query_string":
		b, ok := asMap(body)
		if !ok {
			return false, unsupported("[%s] expects an object", kind)
		}
		qs, _ := b["query"].(string)
		return matchQueryString(qs, d), nil
	}
	return false, unsupported("unknown query [%s]", kind)
}

// fieldClause unpacks {"field": v} and {"field": {"<key>": v}}.
func fieldClause(kind string, body any, key string) (string, any, error) {
	b, ok := asMap(body)
	if !ok || len(b) != 1 {
		return "", nil, unsupported("[%s] query must name exactly one field", kind)
	}
	for field, v := range b {
		if inner, ok := asMap(v); ok {
			val, ok := inner[key]
			if !ok {
				return "", nil, unsupported("[%s] query for [%s] is missing [%s]", kind, field, key)
			}
			return field, val, nil
		}
		return field, v, nil
	}
	panic("unreachable")
}

func matchBool(b map[string]any, d *doc) (bool, error) {
	var required int
	for _, key := range []string{"must", "filter"} {
		cs, err := clauses(b[key])
		if err != nil {
			return false, err
		}
		required += len(cs)
		for _, c := range cs {
			ok, err := matches(c, d)
			if err != nil || !ok {
				return false, err
			}
		}
	}
	notClauses, err := clauses(b["must_not"])
	if err != nil {
		return false, err
	}
	for _, c := range notClauses {
		ok, err := matches(c, d)
		if err != nil {
			return false, err
		}
		if ok {
			return false, nil
		}
	}
	should, err := clauses(b["should"])
	if err != nil {
		return false, err
	}
	if len(should) == 0 {
		return true, nil
	}
	minMatch := 0
	if required == 0 {
		minMatch = 1
	}
	if v, ok := num(b["minimum_should_match"]); ok {
		minMatch = int(v)
	}
	n := 0
	for _, c := range should {
		ok, err := matches(c, d)
		if err != nil {
			return false, err
		}
		if ok {
			n++
		}
	}
	return n >= minMatch, nil
}

func matchRange(body any, d *doc) (bool, error) {
	b, ok := asMap(body)
	if !ok || len(b) != 1 {
		return false, unsupported("[range] query must name exactly one field")
	}
	for field, spec := range b {
		bounds, ok := asMap(spec)
		if !ok {
			return false, unsupported("[range] bounds for [%s] must be an object", field)
		}
		for _, v := range fieldValues(d.fields, field) {
			if inRange(v, bounds) {
				return true, nil
			}
		}
	}
	return false, nil
}

func inRange(v any, bounds map[string]any) bool {
	for op, bound := range bounds {
		c, ok := compareValues(v, bound)
		switch op {
		case "gt":
			if !ok || c <= 0 {
				return false
			}
		case "gte", "from":
			if bound != nil && (!ok || c < 0) {
				return false
			}
		case "lt":
			if !ok || c >= 0 {
				return false
			}
		case "lte", "to":
			if bound != nil && (!ok || c > 0) {
				return false
			}
		}
	}
	return true
}

func tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r == '_' || r == '-' || r == '.' || r == '@' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r > 127)
	})
}

// matchText reports whether every token of query appears among the tokens
// of the field values.
func matchText(values []any, query string) bool {
	have := map[string]bool{}
	for _, v := range values {
		for _, t := range tokens(keyString(v)) {
			have[t] = true
		}
	}
	want := tokens(query)
	if len(want) == 0 {
		return false
	}
	for _, t := range want {
		if !have[t] {
			return false
		}
	}
	return true
}

// matchQueryString supports a practical subset of Lucene syntax: terms
// AND-ed by default, explicit OR between alternatives, field:value with
// trailing-star prefixes, quoted phrases, and NOT / leading minus.
func matchQueryString(qs string, d *doc) bool {
	for _, alt := range splitOr(qs) {
		if matchAll(alt, d) {
			return true
		}
	}
	return false
}

func splitOr(qs string) [][]string {
	var alts [][]string
	var cur []string
	for _, t := range lexQuery(qs) {
		switch t {
		case "OR", "||":
			alts = append(alts, cur)
			cur = nil
		case "AND", "&&":
		default:
			cur = append(cur, t)
		}
	}
	return append(alts, cur)
}

// lexQuery splits on whitespace, keeping quoted phrases intact.
func lexQuery(qs string) []string {
	var out []string
	var b strings.Builder
	quoted := false
	for _, r := range qs {
		switch {
		case r == '"':
			quoted = !quoted
			b.WriteRune(r)
		case (r == ' ' || r == '\t') && !quoted:
			if b.Len() > 0 {
				out = append(out, b.String())
				b.Reset()
			}
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

func matchAll(terms []string, d *doc) bool {
	if len(terms) == 0 {
		return false
	}
	negate := false
	for _, t := range terms {
		if t == "NOT" {
			negate = true
			continue
		}
		if rest, ok := strings.CutPrefix(t, "-"); ok && rest != "" {
			t = rest
			negate = true
		}
		if t == "*" {
			t = ""
		}
		ok := t == "" || matchTerm(t, d)
		if ok == negate {
			return false
		}
		negate = false
	}
	return true
}

func matchTerm(t string, d *doc) bool {
	field, value, scoped := strings.Cut(t, ":")
	if !scoped || strings.HasPrefix(field, "\"") {
		field, value = "", t
	}
	value = strings.Trim(value, "\"")

	var values []any
	if field != "" {
		values = fieldValues(d.fields, field)
	} else {
		var leaves []string
		leafStrings(d.fields, &leaves)
		for _, s := range leaves {
			values = append(values, s)
		}
	}
	if value == "*" {
		return len(values) > 0
	}
	if prefix, ok := strings.CutSuffix(value, "*"); ok {
		prefix = strings.ToLower(prefix)
		return slices.ContainsFunc(values, func(v any) bool {
			return strings.HasPrefix(strings.ToLower(keyString(v)), prefix)
		})
	}
	if field != "" {
		if slices.ContainsFunc(values, func(v any) bool { return strings.EqualFold(keyString(v), value) }) {
			return true
		}
	}
	return matchText(values, value)
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `{`, `\{`)
	return r.Replace(s)
}
