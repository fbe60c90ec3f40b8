package event

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// SizeOf estimates the in-memory footprint of a decoded JSON value:
// numbers cost 8 bytes, strings 2 bytes per character, objects and arrays
// the sum of their members (object keys count as strings). Any other value
// costs the length of its string form.
//
// The walk assumes acyclic input, which holds for anything produced by
// JSON decoding.
func SizeOf(v any) int64 {
	var total int64
	visit(v, &total)
	return total
}

func visit(v any, total *int64) {
	switch x := v.(type) {
	case json.Number, float64, float32, int, int64, int32, uint, uint64:
		*total += 8
	case string:
		*total += 2 * int64(utf8.RuneCountInString(x))
	case *Object:
		for _, k := range x.keys {
			*total += 2 * int64(utf8.RuneCountInString(k))
			visit(x.values[k], total)
		}
	case []any:
		for _, e := range x {
			visit(e, total)
		}
	case []Event:
		for _, e := range x {
			visit(e.Fields, total)
		}
	default:
		*total += int64(len(fmt.Sprint(x)))
	}
}
