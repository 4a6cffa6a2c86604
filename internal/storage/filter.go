package storage

import (
	"fmt"
	"sort"
	"strings"
)

// FilterKind discriminates the three supported condition kinds.
type FilterKind int

const (
	// FilterExact matches entity.Attributes[name] == Value.
	FilterExact FilterKind = iota

	// FilterRange matches Min <= entity.Attributes[name] <= Max, both
	// bounds inclusive and each optional.
	FilterRange

	// FilterInSet matches entity.Attributes[name] being any member of Set.
	FilterInSet
)

// FilterValue is the tagged-variant condition attached to one attribute.
// The _min/_max suffix vocabulary is decided once, in ParseFilters, at
// the API boundary; nothing deeper in the call stack re-parses strings.
type FilterValue struct {
	Kind  FilterKind
	Value interface{}   // FilterExact
	Min   interface{}   // FilterRange, nil = unbounded
	Max   interface{}   // FilterRange, nil = unbounded
	Set   []interface{} // FilterInSet
}

// Filters maps a base attribute name to its condition. All conditions in
// one query are AND-combined; OR and negation are not part of the
// vocabulary.
type Filters map[string]FilterValue

// Exact builds an exact-match condition.
func Exact(v interface{}) FilterValue {
	return FilterValue{Kind: FilterExact, Value: v}
}

// Range builds an inclusive range condition. Either bound may be nil.
func Range(min, max interface{}) FilterValue {
	return FilterValue{Kind: FilterRange, Min: min, Max: max}
}

// InSet builds a set-membership condition.
func InSet(values ...interface{}) FilterValue {
	return FilterValue{Kind: FilterInSet, Set: values}
}

// SortedNames returns the base attribute names in lexical order so that
// generated SQL and log output are deterministic.
func (f Filters) SortedNames() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const (
	minSuffix = "_min"
	maxSuffix = "_max"
)

// ParseFilters converts the caller-facing raw filter map into typed
// Filters. The raw vocabulary is:
//
//	"level": 3          → exact match on "level"
//	"level_min": 3      → inclusive lower bound on "level"
//	"level_max": 5      → inclusive upper bound on "level"
//	"school": [a, b]    → set membership on "school"
//
// Validation happens here, before any I/O:
//   - an exact condition and a range suffix on the same base name is
//     rejected (never silently resolved to one of the two);
//   - a range suffix carrying a list value is rejected (membership only
//     combines with exact semantics);
//   - a list mixing string and non-string members is rejected (the two
//     compare under different collations and cannot share one set);
//   - attribute names are restricted to identifier characters, since
//     the stores embed them in JSON path expressions.
//
// All rejections wrap ErrInvalidFilter.
func ParseFilters(raw map[string]interface{}) (Filters, error) {
	if len(raw) == 0 {
		return Filters{}, nil
	}

	filters := make(Filters, len(raw))

	// Deterministic iteration keeps error messages stable for callers.
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := raw[key]

		base, bound := splitRangeSuffix(key)
		if base == "" {
			return nil, fmt.Errorf("%w: empty attribute name in %q", ErrInvalidFilter, key)
		}
		if !validAttributeName(base) {
			return nil, fmt.Errorf("%w: invalid attribute name %q", ErrInvalidFilter, base)
		}

		if bound != "" {
			if _, isList := asList(value); isList {
				return nil, fmt.Errorf("%w: range filter %q cannot take a list value", ErrInvalidFilter, key)
			}

			existing, ok := filters[base]
			switch {
			case !ok:
				fv := FilterValue{Kind: FilterRange}
				if bound == minSuffix {
					fv.Min = value
				} else {
					fv.Max = value
				}
				filters[base] = fv
			case existing.Kind == FilterRange:
				if bound == minSuffix {
					if existing.Min != nil {
						return nil, fmt.Errorf("%w: duplicate lower bound for %q", ErrInvalidFilter, base)
					}
					existing.Min = value
				} else {
					if existing.Max != nil {
						return nil, fmt.Errorf("%w: duplicate upper bound for %q", ErrInvalidFilter, base)
					}
					existing.Max = value
				}
				filters[base] = existing
			default:
				return nil, fmt.Errorf("%w: attribute %q has both an exact and a range condition", ErrInvalidFilter, base)
			}
			continue
		}

		if existing, ok := filters[base]; ok {
			if existing.Kind == FilterRange {
				return nil, fmt.Errorf("%w: attribute %q has both an exact and a range condition", ErrInvalidFilter, base)
			}
			return nil, fmt.Errorf("%w: duplicate condition for attribute %q", ErrInvalidFilter, base)
		}

		if list, isList := asList(value); isList {
			if len(list) == 0 {
				return nil, fmt.Errorf("%w: empty list for attribute %q", ErrInvalidFilter, base)
			}
			if mixesStrings(list) {
				return nil, fmt.Errorf("%w: set for attribute %q mixes string and non-string members", ErrInvalidFilter, base)
			}
			filters[base] = InSet(list...)
		} else {
			filters[base] = Exact(value)
		}
	}

	return filters, nil
}

// splitRangeSuffix splits a raw filter key into its base attribute name
// and the recognised range suffix ("" when the key is a plain name).
func splitRangeSuffix(key string) (base, bound string) {
	switch {
	case strings.HasSuffix(key, minSuffix):
		return strings.TrimSuffix(key, minSuffix), minSuffix
	case strings.HasSuffix(key, maxSuffix):
		return strings.TrimSuffix(key, maxSuffix), maxSuffix
	default:
		return key, ""
	}
}

// mixesStrings reports whether a set holds both string and non-string
// members. String members compare as text (and follow the store's
// case-insensitive option); everything else compares numerically, so
// one set cannot carry both.
func mixesStrings(list []interface{}) bool {
	var strs, others int
	for _, v := range list {
		if _, ok := v.(string); ok {
			strs++
		} else {
			others++
		}
	}
	return strs > 0 && others > 0
}

// validAttributeName restricts attribute names to identifier characters
// so the stores can embed them in JSON path expressions. The stores
// repeat this check for filter sets built in Go that bypass the parser.
func validAttributeName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}

// asList normalizes any slice-typed filter value to []interface{}.
// JSON decoding produces []interface{} directly, but callers constructing
// filters in Go commonly pass []string or []int.
func asList(v interface{}) ([]interface{}, bool) {
	switch list := v.(type) {
	case []interface{}:
		return list, true
	case []string:
		out := make([]interface{}, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]interface{}, len(list))
		for i, n := range list {
			out[i] = n
		}
		return out, true
	case []float64:
		out := make([]interface{}, len(list))
		for i, f := range list {
			out[i] = f
		}
		return out, true
	default:
		return nil, false
	}
}
