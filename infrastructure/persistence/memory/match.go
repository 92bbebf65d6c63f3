package memory

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"polystore/application/ports"
	"polystore/domain/changes"
	"polystore/domain/query"
	"polystore/pkg/errors"
)

// Lookup resolves a dotted path in a document.
func Lookup(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Match evaluates conditions against a document. Every condition must hold.
func Match(doc map[string]any, conditions []query.Condition) (bool, error) {
	for _, c := range conditions {
		ok, err := matchOne(doc, c)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchOne(doc map[string]any, c query.Condition) (bool, error) {
	values, err := c.Values()
	if err != nil {
		return false, err
	}
	v, present := Lookup(doc, c.Field)
	if v == nil {
		present = false
	}

	switch c.Operator {
	case query.OpIsNull:
		return !present, nil
	case query.OpIsNotNull:
		return present, nil
	case query.OpEqual:
		return present && Equal(v, values[0]), nil
	case query.OpNotEqual:
		// a missing field differs from every value
		return !present || !Equal(v, values[0]), nil
	case query.OpGreaterThan, query.OpGreaterThanEqual, query.OpLessThan, query.OpLessThanEqual:
		if !present {
			return false, nil
		}
		cmp, ok := Compare(v, values[0])
		if !ok {
			return false, nil
		}
		switch c.Operator {
		case query.OpGreaterThan:
			return cmp > 0, nil
		case query.OpGreaterThanEqual:
			return cmp >= 0, nil
		case query.OpLessThan:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case query.OpBetween:
		if !present {
			return false, nil
		}
		lo, ok1 := Compare(v, values[0])
		hi, ok2 := Compare(v, values[1])
		return ok1 && ok2 && lo >= 0 && hi <= 0, nil
	case query.OpWithin, query.OpNotWithin:
		in := false
		if present {
			for _, x := range values {
				if Equal(v, x) {
					in = true
					break
				}
			}
		}
		if c.Operator == query.OpWithin {
			return in, nil
		}
		return !in, nil
	case query.OpBeginsWith:
		prefix, ok := values[0].(string)
		if !ok {
			return false, errors.NewValidationError(fmt.Sprintf("begins_with on %s needs a string prefix, got %T", c.Field, values[0]))
		}
		s, ok := v.(string)
		return ok && strings.HasPrefix(s, prefix), nil
	case query.OpElementMatches:
		nested, err := c.ElementConditions()
		if err != nil {
			return false, err
		}
		items, ok := v.([]any)
		if !ok {
			return false, nil
		}
		for _, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			hit, err := Match(m, nested)
			if err != nil {
				return false, err
			}
			if hit {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, errors.NewUnsupportedError(string(c.Operator), ports.BackendMemory)
	}
}

// Equal compares two values, treating numbers of different types by value.
func Equal(a, b any) bool {
	if cmp, ok := Compare(a, b); ok {
		return cmp == 0
	}
	return reflect.DeepEqual(a, b)
}

// Compare orders two numbers, strings or times. It reports false for values
// that have no order between them.
func Compare(a, b any) (int, bool) {
	if x, ok := toFloat(a); ok {
		y, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		if xi, ok := changes.ToInt64(a); ok {
			if yi, ok := changes.ToInt64(b); ok {
				return compareOrdered(xi, yi), true
			}
		}
		return compareOrdered(x, y), true
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	case bool:
		y, ok := b.(bool)
		if !ok || x != y {
			return 0, false
		}
		return 0, true
	}
	return 0, false
}

func compareOrdered[T int64 | float64](x, y T) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
