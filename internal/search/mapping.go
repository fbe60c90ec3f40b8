package search

import (
	"strings"

	"eventlake/internal/event"
)

// Mapping describes the static part of a collection index schema. Strings
// not named here map to keyword; numbers and booleans use dynamic mapping.
type Mapping struct {
	// TimeField, when set, is mapped as a date.
	TimeField string
}

// DateFields returns the fields mapped as dates.
func (m Mapping) DateFields() []string {
	fields := []string{event.EnvelopeIngestedAt}
	if m.TimeField != "" && m.TimeField != event.EnvelopeIngestedAt {
		fields = append(fields, m.TimeField)
	}
	return fields
}

// Body returns the index creation body.
func (m Mapping) Body() map[string]any {
	props := map[string]any{
		event.FieldEnvelope: map[string]any{
			"properties": map[string]any{
				"batchId":      map[string]any{"type": "keyword"},
				"collectionId": map[string]any{"type": "keyword"},
				"ingestedAt":   map[string]any{"type": "date"},
			},
		},
	}
	if m.TimeField != "" {
		setPath(props, m.TimeField, map[string]any{"type": "date"})
	}
	return map[string]any{
		"mappings": map[string]any{
			"dynamic_templates": []any{
				map[string]any{
					"strings_as_keyword": map[string]any{
						"match_mapping_type": "string",
						"mapping":            map[string]any{"type": "keyword", "ignore_above": 1024},
					},
				},
			},
			"properties": props,
		},
	}
}

// setPath places def under a dotted field path using nested properties.
func setPath(props map[string]any, path string, def map[string]any) {
	head, rest, nested := strings.Cut(path, ".")
	if !nested {
		props[head] = def
		return
	}
	child, _ := props[head].(map[string]any)
	if child == nil {
		child = map[string]any{}
		props[head] = child
	}
	inner, _ := child["properties"].(map[string]any)
	if inner == nil {
		inner = map[string]any{}
		child["properties"] = inner
	}
	setPath(inner, rest, def)
}
