// Package analytics builds and runs the search-engine queries behind the
// terms, time-series, stats, cardinality and search operations.
package analytics

import (
	"fmt"
	"regexp"

	"eventlake/internal/event"
)

// Kind names a query operation.
type Kind string

const (
	KindTerms       Kind = "terms"
	KindTimeSeries  Kind = "time-series"
	KindStats       Kind = "stats"
	KindCardinality Kind = "cardinality"
	KindSearch      Kind = "search"
)

// ParseKind validates an operation name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindTerms, KindTimeSeries, KindStats, KindCardinality, KindSearch:
		return k, nil
	}
	return "", invalid("kind", "unknown query kind %q", s)
}

// FilterOptions narrow the documents a query considers.
//
// Terms and ExcludeTerms entries each name exactly one field. An array
// value matches any of its elements.
type FilterOptions struct {
	From         int              `json:"from,omitempty"`
	Size         *int             `json:"size,omitempty"`
	Terms        []map[string]any `json:"terms,omitempty"`
	ExcludeTerms []map[string]any `json:"excludeTerms,omitempty"`
	Exists       []string         `json:"exists,omitempty"`
	NotExists    []string         `json:"notExists,omitempty"`
	Range        map[string]any   `json:"range,omitempty"`
	Ranges       []map[string]any `json:"ranges,omitempty"`
	Q            string           `json:"q,omitempty"`
	IDs          []string         `json:"ids,omitempty"`
	MinTimestamp string           `json:"minTimestamp,omitempty"`
	Include      []string         `json:"include,omitempty"`
	Exclude      []string         `json:"exclude,omitempty"`
	NoSort       bool             `json:"noSort,omitempty"`
}

// Metric operations usable in terms ordering and time-series buckets.
var metricOps = map[string]bool{
	"sum": true, "avg": true, "min": true, "max": true, "value_count": true, "cardinality": true,
}

// TopHit attaches one representative document to each terms bucket.
type TopHit struct {
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// Aggregation describes the aggregation half of a request. Which fields
// apply depends on Kind.
type Aggregation struct {
	Kind Kind `json:"kind"`

	// terms
	Field  string  `json:"field,omitempty"`
	Size   int     `json:"size,omitempty"`
	TopHit *TopHit `json:"topHit,omitempty"`

	// terms ordering and time-series buckets
	ValueField string `json:"valueField,omitempty"`
	Op         string `json:"op,omitempty"`

	// time-series
	Interval  string `json:"interval,omitempty"`
	DateField string `json:"dateField,omitempty"`
	Start     string `json:"start,omitempty"`
	End       string `json:"end,omitempty"`

	// stats, cardinality
	Fields []string `json:"fields,omitempty"`
}

// Settings carries per-collection defaults.
type Settings struct {
	// DateField is the default sort and histogram field.
	DateField   string
	DefaultSize int
	MaxSize     int
}

const (
	defaultSize      = 10
	defaultTermsSize = 10
	defaultInterval  = "1d"
)

func (s Settings) dateField() string {
	if s.DateField != "" {
		return s.DateField
	}
	return event.EnvelopeIngestedAt
}

var intervalPattern = regexp.MustCompile(`^[1-9][0-9]*(ms|s|m|h|d|w)$`)

func invalid(field, format string, args ...any) error {
	return &event.ValidationError{Index: -1, Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (a Aggregation) validate() error {
	if a.Op != "" && !metricOps[a.Op] {
		return invalid("op", "unsupported metric %q", a.Op)
	}
	if (a.Op == "") != (a.ValueField == "") && a.Kind != KindSearch {
		return invalid("valueField", "valueField and op must be given together")
	}
	switch a.Kind {
	case KindSearch:
	case KindTerms:
		if a.Field == "" {
			return invalid("field", "required")
		}
		if a.Size < 0 {
			return invalid("size", "must not be negative")
		}
	case KindTimeSeries:
		if a.Interval != "" && !intervalPattern.MatchString(a.Interval) {
			return invalid("interval", "invalid fixed interval %q", a.Interval)
		}
	case KindStats, KindCardinality:
		if len(a.Fields) == 0 {
			return invalid("fields", "at least one field required")
		}
		for _, f := range a.Fields {
			if f == "" {
				return invalid("fields", "empty field name")
			}
		}
	default:
		return invalid("kind", "unknown query kind %q", a.Kind)
	}
	return nil
}
