package postgres

import (
	"fmt"
	"strings"

	"github.com/scrypster/grimoire/internal/storage"
)

// predicateBuilder accumulates WHERE clauses with numbered placeholders.
// lib/pq uses $1-style placeholders, so unlike the sqlite builder the
// argument position has to be threaded through every clause.
type predicateBuilder struct {
	clauses []string
	args    []interface{}
}

func (b *predicateBuilder) next(arg interface{}) string {
	b.args = append(b.args, arg)
	return fmt.Sprintf("$%d", len(b.args))
}

// buildPredicates translates a validated filter set into a SQL WHERE
// fragment over the attributes JSONB column. argOffset is the number of
// placeholders the caller has already bound ahead of these.
func buildPredicates(filters storage.Filters, caseInsensitive bool, argOffset int) (string, []interface{}, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}

	b := &predicateBuilder{args: make([]interface{}, 0, len(filters))}
	// Pre-seed the offset with nil markers; stripped before returning.
	for i := 0; i < argOffset; i++ {
		b.args = append(b.args, nil)
	}

	for _, name := range filters.SortedNames() {
		if !validAttributeName(name) {
			return "", nil, fmt.Errorf("%w: invalid attribute name %q", storage.ErrInvalidFilter, name)
		}

		fv := filters[name]
		text := fmt.Sprintf("attributes->>'%s'", name)

		switch fv.Kind {
		case storage.FilterExact:
			if s, ok := fv.Value.(string); ok {
				if caseInsensitive {
					b.clauses = append(b.clauses, fmt.Sprintf("lower(%s) = %s", text, b.next(strings.ToLower(s))))
				} else {
					b.clauses = append(b.clauses, fmt.Sprintf("%s = %s", text, b.next(s)))
				}
			} else if isNumeric(fv.Value) {
				b.clauses = append(b.clauses, fmt.Sprintf("(%s)::numeric = %s", text, b.next(toFloat(fv.Value))))
			} else {
				b.clauses = append(b.clauses, fmt.Sprintf("%s = %s", text, b.next(fmt.Sprintf("%v", fv.Value))))
			}

		case storage.FilterRange:
			if fv.Min == nil && fv.Max == nil {
				return "", nil, fmt.Errorf("%w: range filter on %q has no bounds", storage.ErrInvalidFilter, name)
			}
			if fv.Min != nil {
				b.clauses = append(b.clauses, rangeClause(text, ">=", fv.Min, b))
			}
			if fv.Max != nil {
				b.clauses = append(b.clauses, rangeClause(text, "<=", fv.Max, b))
			}

		case storage.FilterInSet:
			if len(fv.Set) == 0 {
				return "", nil, fmt.Errorf("%w: empty set for attribute %q", storage.ErrInvalidFilter, name)
			}
			// lower() both sides only for an all-string set; a mixed
			// set built in Go keeps the bare accessor so non-string
			// members are not forced through text folding.
			lowered := caseInsensitive && setAllStrings(fv.Set)
			member := text
			if lowered {
				member = fmt.Sprintf("lower(%s)", text)
			}
			placeholders := make([]string, len(fv.Set))
			for i, v := range fv.Set {
				if s, ok := v.(string); ok && lowered {
					placeholders[i] = b.next(strings.ToLower(s))
				} else if s, ok := v.(string); ok {
					placeholders[i] = b.next(s)
				} else {
					placeholders[i] = b.next(fmt.Sprintf("%v", v))
				}
			}
			b.clauses = append(b.clauses, fmt.Sprintf("%s IN (%s)", member, strings.Join(placeholders, ", ")))

		default:
			return "", nil, fmt.Errorf("%w: unknown filter kind for %q", storage.ErrInvalidFilter, name)
		}
	}

	return strings.Join(b.clauses, " AND "), b.args[argOffset:], nil
}

func rangeClause(text, op string, bound interface{}, b *predicateBuilder) string {
	if isNumeric(bound) {
		return fmt.Sprintf("(%s)::numeric %s %s", text, op, b.next(toFloat(bound)))
	}
	return fmt.Sprintf("%s %s %s", text, op, b.next(fmt.Sprintf("%v", bound)))
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

func isNumeric(v interface{}) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64:
		return true
	}
	return false
}

func setAllStrings(set []interface{}) bool {
	for _, v := range set {
		if _, ok := v.(string); !ok {
			return false
		}
	}
	return true
}

// validAttributeName restricts attribute names to identifier characters
// so they are safe to embed in the JSONB accessor expression.
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
