package search

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"eventlake/internal/event"
)

// Project filters a document's fields. Include patterns select fields
// first; exclude patterns then remove fields from what was selected.
// Patterns are dotted field paths with glob wildcards: "*" matches within
// one path segment and "**" across segments. An empty include list keeps
// everything. A matched object keeps its whole subtree.
func Project(doc *event.Object, include, exclude []string) *event.Object {
	if doc == nil {
		return nil
	}
	out := doc
	if len(include) > 0 {
		out = keep(doc, "", globs(include))
	}
	if len(exclude) > 0 {
		out = drop(out, "", globs(exclude))
	}
	return out
}

func globs(patterns []string) []string {
	out := make([]string, len(patterns))
	for i, p := range patterns {
		out[i] = toSlash(p)
	}
	return out
}

func toSlash(path string) string { return strings.ReplaceAll(path, ".", "/") }

func matchAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, path); ok {
			return true
		}
	}
	return false
}

func keep(o *event.Object, prefix string, patterns []string) *event.Object {
	out := event.NewObject()
	for _, k := range o.Keys() {
		v, _ := o.Get(k)
		path := prefix + toSlash(k)
		if matchAny(patterns, path) {
			out.Set(k, v)
			continue
		}
		if child, ok := v.(*event.Object); ok {
			if sub := keep(child, path+"/", patterns); sub.Len() > 0 {
				out.Set(k, sub)
			}
		}
	}
	return out
}

func drop(o *event.Object, prefix string, patterns []string) *event.Object {
	out := event.NewObject()
	for _, k := range o.Keys() {
		v, _ := o.Get(k)
		path := prefix + toSlash(k)
		if matchAny(patterns, path) {
			continue
		}
		if child, ok := v.(*event.Object); ok {
			out.Set(k, drop(child, path+"/", patterns))
			continue
		}
		out.Set(k, v)
	}
	return out
}
