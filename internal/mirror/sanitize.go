package mirror

import (
	"encoding/json"
	"fmt"
	"time"

	"eventlake/internal/event"
)

// Sanitize returns a copy of fields with every dot path in exclude removed.
func Sanitize(fields *event.Object, exclude []string) *event.Object {
	out := fields.Clone()
	for _, p := range exclude {
		out.DeletePath(p)
	}
	return out
}

// toEvent turns a sanitized document into an event payload whose id is
// the source id plus suffix and whose occurrence time is the update time.
// A source column named like the envelope key is dropped.
func toEvent(d Document, exclude []string, suffix string) *event.Object {
	var obj *event.Object
	if d.Fields != nil {
		obj = Sanitize(d.Fields, exclude)
	} else {
		obj = event.NewObject()
	}
	obj.Delete(event.FieldEnvelope)
	obj.Set(event.FieldID, d.ID+suffix)
	obj.Set(event.FieldOccurredAt, d.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return obj
}

// versionSuffix reads the version field for historical ids.
func versionSuffix(d Document, field string) (string, error) {
	if d.Fields == nil {
		return "", fmt.Errorf("no fields")
	}
	v, ok := d.Fields.Lookup(field)
	if !ok || v == nil {
		return "", fmt.Errorf("missing version field %q", field)
	}
	switch x := v.(type) {
	case string:
		return "-" + x, nil
	case json.Number:
		return "-" + x.String(), nil
	case float64, int, int64, bool:
		return fmt.Sprintf("-%v", x), nil
	}
	return "", fmt.Errorf("version field %q is not a scalar", field)
}
