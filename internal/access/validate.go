package access

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"eventlake/internal/catalog"
	"eventlake/internal/event"
)

func invalid(field, format string, args ...any) error {
	return &event.ValidationError{Index: -1, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ValidatePolicy checks a policy before it is saved. Scope values must be
// scalars or flat arrays of scalars.
func ValidatePolicy(p catalog.AccessPolicy) error {
	if strings.TrimSpace(p.Name) == "" {
		return invalid("name", "required")
	}
	seen := make(map[string]bool, len(p.Grants))
	for i, g := range p.Grants {
		at := fmt.Sprintf("grants[%d]", i)
		if g.CollectionName == "" {
			return invalid(at+".collection", "required")
		}
		if seen[g.CollectionName] {
			return invalid(at+".collection", "duplicate grant for %q", g.CollectionName)
		}
		seen[g.CollectionName] = true

		switch g.Permission {
		case catalog.PermissionRead, catalog.PermissionReadWrite:
		default:
			return invalid(at+".permission", "must be %q or %q", catalog.PermissionRead, catalog.PermissionReadWrite)
		}

		for k, v := range g.Scope {
			if k == "" {
				return invalid(at+".scope", "empty field name")
			}
			if err := checkScopeValue(v); err != nil {
				return invalid(at+".scope."+k, "%v", err)
			}
		}
		fields := make(map[string]bool, len(g.ScopeFields))
		for _, f := range g.ScopeFields {
			if f == "" {
				return invalid(at+".scopeFields", "empty field name")
			}
			if _, ok := g.Scope[f]; ok {
				return invalid(at+".scopeFields", "%q is also a fixed scope field", f)
			}
			if fields[f] {
				return invalid(at+".scopeFields", "duplicate field %q", f)
			}
			fields[f] = true
		}
		if err := checkPatterns(at+".include", g.Include); err != nil {
			return err
		}
		if err := checkPatterns(at+".exclude", g.Exclude); err != nil {
			return err
		}
	}
	return nil
}

// ValidateCredential checks that c supplies a value for every scope field
// any grant of p requires.
func ValidateCredential(p catalog.AccessPolicy, c catalog.AccessCredential) error {
	if strings.TrimSpace(c.Name) == "" {
		return invalid("name", "required")
	}
	supplied := make(map[string]bool, len(c.ScopeValues))
	for i, sv := range c.ScopeValues {
		if sv.Field == "" {
			return invalid(fmt.Sprintf("scopeValues[%d].field", i), "required")
		}
		if supplied[sv.Field] {
			return invalid(fmt.Sprintf("scopeValues[%d].field", i), "duplicate field %q", sv.Field)
		}
		supplied[sv.Field] = true
		if err := checkScopeValue(sv.Value); err != nil {
			return invalid(fmt.Sprintf("scopeValues[%d].value", i), "%v", err)
		}
	}

	var missing []string
	for _, g := range p.Grants {
		for _, f := range g.ScopeFields {
			if !supplied[f] {
				missing = append(missing, f)
			}
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return invalid("scopeValues", "missing values for %s", strings.Join(slices.Compact(missing), ","))
	}
	return nil
}

func checkScopeValue(v any) error {
	if arr, ok := v.([]any); ok {
		for _, e := range arr {
			if !isScalar(e) {
				return fmt.Errorf("array elements must be scalars")
			}
		}
		return nil
	}
	if !isScalar(v) {
		return fmt.Errorf("must be a scalar or an array of scalars")
	}
	return nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, float64, float32, json.Number,
		int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}

func checkPatterns(field string, patterns []string) error {
	for _, p := range patterns {
		if p == "" || !doublestar.ValidatePattern(strings.ReplaceAll(p, ".", "/")) {
			return invalid(field, "invalid pattern %q", p)
		}
	}
	return nil
}
