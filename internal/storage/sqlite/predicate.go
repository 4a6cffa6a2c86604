package sqlite

import (
	"fmt"
	"strings"

	"github.com/scrypster/grimoire/internal/storage"
)

// buildPredicates translates a validated filter set into a SQL WHERE
// fragment over json_extract(attributes, ...) plus its bind arguments.
// Conditions are AND-combined; the fragment never includes the leading
// entity_type condition, which every query adds itself.
//
// Attribute names are interpolated into JSON paths, so they are
// whitelisted to identifier characters here — a name that fails the
// check is an invalid filter, not a quoting problem to work around.
func buildPredicates(filters storage.Filters, caseInsensitive bool) (string, []interface{}, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}

	var clauses []string
	var args []interface{}

	for _, name := range filters.SortedNames() {
		if !validAttributeName(name) {
			return "", nil, fmt.Errorf("%w: invalid attribute name %q", storage.ErrInvalidFilter, name)
		}

		expr := fmt.Sprintf("json_extract(attributes, '$.%s')", name)
		fv := filters[name]

		switch fv.Kind {
		case storage.FilterExact:
			clause, clauseArgs := exactClause(expr, fv.Value, caseInsensitive)
			clauses = append(clauses, clause)
			args = append(args, clauseArgs...)

		case storage.FilterRange:
			if fv.Min == nil && fv.Max == nil {
				return "", nil, fmt.Errorf("%w: range filter on %q has no bounds", storage.ErrInvalidFilter, name)
			}
			if fv.Min != nil {
				clauses = append(clauses, numericCompare(expr, ">=", fv.Min))
				args = append(args, normalizeNumber(fv.Min))
			}
			if fv.Max != nil {
				clauses = append(clauses, numericCompare(expr, "<=", fv.Max))
				args = append(args, normalizeNumber(fv.Max))
			}

		case storage.FilterInSet:
			if len(fv.Set) == 0 {
				return "", nil, fmt.Errorf("%w: empty set for attribute %q", storage.ErrInvalidFilter, name)
			}
			// lower() both sides only for an all-string set. A mixed
			// set (possible when built in Go, bypassing ParseFilters)
			// keeps the bare column so its numeric members still bind
			// with numeric affinity; its string members then compare
			// case-sensitively.
			lowered := caseInsensitive && setAllStrings(fv.Set)
			placeholders := make([]string, len(fv.Set))
			for i, v := range fv.Set {
				placeholders[i] = "?"
				if s, ok := v.(string); ok && lowered {
					args = append(args, strings.ToLower(s))
				} else {
					args = append(args, normalizeNumber(v))
				}
			}
			member := expr
			if lowered {
				member = fmt.Sprintf("lower(%s)", expr)
			}
			clauses = append(clauses, fmt.Sprintf("%s IN (%s)", member, strings.Join(placeholders, ", ")))

		default:
			return "", nil, fmt.Errorf("%w: unknown filter kind for %q", storage.ErrInvalidFilter, name)
		}
	}

	return strings.Join(clauses, " AND "), args, nil
}

// exactClause builds the equality condition for one attribute. Numeric
// values are CAST to REAL on both sides so that a stored integer 3
// matches a filter value 3.0 and vice versa.
func exactClause(expr string, value interface{}, caseInsensitive bool) (string, []interface{}) {
	if s, ok := value.(string); ok {
		if caseInsensitive {
			return fmt.Sprintf("lower(%s) = ?", expr), []interface{}{strings.ToLower(s)}
		}
		return fmt.Sprintf("%s = ?", expr), []interface{}{s}
	}
	if isNumeric(value) {
		return fmt.Sprintf("CAST(%s AS REAL) = ?", expr), []interface{}{normalizeNumber(value)}
	}
	return fmt.Sprintf("%s = ?", expr), []interface{}{value}
}

// numericCompare builds a range bound condition. Numeric bounds compare
// through CAST AS REAL; anything else (e.g. a string range over
// lexically-ordered values) compares directly.
func numericCompare(expr, op string, bound interface{}) string {
	if isNumeric(bound) {
		return fmt.Sprintf("CAST(%s AS REAL) %s ?", expr, op)
	}
	return fmt.Sprintf("%s %s ?", expr, op)
}

// normalizeNumber widens every numeric filter value to float64 so the
// driver binds a single numeric affinity regardless of the caller's
// Go type. Non-numeric values pass through unchanged.
func normalizeNumber(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
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
// so they are safe to embed in a JSON path expression.
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
