// Package access turns a caller's credential and a requested collection
// into the scope every query on that caller's behalf must honor.
package access

import (
	"encoding/json"
	"slices"
)

// ValueKind tags a scope constraint.
type ValueKind int

const (
	// KindEquals requires the field to equal one value.
	KindEquals ValueKind = iota + 1
	// KindOneOf requires the field to equal any of several values.
	KindOneOf
)

// Value is one scope constraint.
type Value struct {
	Kind   ValueKind
	Values []any
}

// Equals returns a single-value constraint.
func Equals(v any) Value { return Value{Kind: KindEquals, Values: []any{v}} }

// OneOf returns a multi-value constraint.
func OneOf(vs ...any) Value { return Value{Kind: KindOneOf, Values: vs} }

// ValueOf builds a constraint from a stored JSON value. Arrays become OneOf
// unless they hold exactly one element.
func ValueOf(v any) Value {
	arr, ok := v.([]any)
	if !ok {
		return Equals(v)
	}
	if len(arr) == 1 {
		return Equals(arr[0])
	}
	return OneOf(slices.Clone(arr)...)
}

// Single returns the value of an Equals constraint.
func (v Value) Single() any {
	if len(v.Values) == 0 {
		return nil
	}
	return v.Values[0]
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.Kind == KindEquals {
		return json.Marshal(v.Single())
	}
	if v.Values == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(v.Values)
}

// Scope is the effective scope for one caller and collection. A Full scope
// carries no constraints.
type Scope struct {
	Full    bool
	Fields  map[string]Value
	Include []string
	Exclude []string
}

// FullScope is the unrestricted scope.
func FullScope() Scope { return Scope{Full: true} }

// FieldNames returns the constrained fields in sorted order.
func (s Scope) FieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for k := range s.Fields {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// Restricted reports whether the scope constrains or projects anything.
func (s Scope) Restricted() bool {
	return !s.Full && (len(s.Fields) > 0 || len(s.Include) > 0 || len(s.Exclude) > 0)
}
