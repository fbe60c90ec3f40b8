package memory

import (
	"cmp"
	"slices"
	"strings"
)

type sortKey struct {
	field string
	desc  bool
}

func parseSort(spec any) ([]sortKey, error) {
	var keys []sortKey
	for _, e := range toSlice(spec) {
		switch x := e.(type) {
		case string:
			keys = append(keys, sortKey{field: x, desc: x == "_score"})
		case map[string]any:
			for field, o := range x {
				k := sortKey{field: field}
				switch ord := o.(type) {
				case string:
					k.desc = strings.EqualFold(ord, "desc")
				case map[string]any:
					s, _ := ord["order"].(string)
					k.desc = strings.EqualFold(s, "desc")
				default:
					return nil, unsupported("invalid sort order for [%s]", field)
				}
				keys = append(keys, k)
			}
		default:
			return nil, unsupported("invalid sort clause %T", e)
		}
	}
	return keys, nil
}

func firstValue(d *doc, field string) any {
	switch field {
	case "_id":
		return d.id
	case "_doc", "_score":
		return nil
	}
	vals := fieldValues(d.fields, field)
	if len(vals) == 0 {
		return nil
	}
	return vals[0]
}

// compareDocs orders by each key in turn. Missing values sort last in
// both directions; insertion order breaks remaining ties.
func compareDocs(keys []sortKey, a, b *doc) int {
	for _, k := range keys {
		if k.field == "_doc" || k.field == "_score" {
			continue
		}
		av, bv := firstValue(a, k.field), firstValue(b, k.field)
		switch {
		case av == nil && bv == nil:
			continue
		case av == nil:
			return 1
		case bv == nil:
			return -1
		}
		r, _ := compareValues(av, bv)
		if k.desc {
			r = -r
		}
		if r != 0 {
			return r
		}
	}
	return cmp.Compare(a.seq, b.seq)
}

func sortDocs(docs []*doc, spec any) error {
	keys, err := parseSort(spec)
	if err != nil {
		return err
	}
	slices.SortStableFunc(docs, func(a, b *doc) int { return compareDocs(keys, a, b) })
	return nil
}
