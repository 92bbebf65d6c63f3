package changes

import (
	"fmt"
	"math"
	"reflect"

	"polystore/domain/schema"
	"polystore/pkg/errors"
)

// wrap returns a tracked container for a declared container field, or nil when
// the value cannot be tracked and is handed out as is.
func wrap(f *schema.Field, v any) tracked {
	if f == nil || v == nil {
		return nil
	}
	switch f.Kind {
	case schema.KindObject:
		if m, ok := toMap(v); ok {
			return newNested(f.Fields, m)
		}
	case schema.KindList:
		if s, ok := toSlice(v); ok {
			return newList(f.Elem, s)
		}
	case schema.KindSet:
		if s, ok := toSlice(v); ok {
			return newSet(s)
		}
	case schema.KindMap:
		if m, ok := toMap(v); ok {
			return newMap(f.Elem, m)
		}
	}
	return nil
}

// unwrap turns a tracked container back into its plain value.
func unwrap(v any) any {
	if t, ok := v.(tracked); ok {
		return t.value()
	}
	return v
}

func toSlice(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func toMap(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

// AddDelta adds delta to a numeric value, keeping its dynamic type. A missing
// value counts as zero.
func AddDelta(v any, delta int64) (any, error) {
	switch n := v.(type) {
	case nil:
		return delta, nil
	case int:
		return n + int(delta), nil
	case int8:
		return n + int8(delta), nil
	case int16:
		return n + int16(delta), nil
	case int32:
		return n + int32(delta), nil
	case int64:
		return n + delta, nil
	case uint:
		return uint(int64(n) + delta), nil
	case uint32:
		return uint32(int64(n) + delta), nil
	case uint64:
		return uint64(int64(n) + delta), nil
	case float32:
		return n + float32(delta), nil
	case float64:
		return n + float64(delta), nil
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("cannot increment non-numeric value of type %T", v))
	}
}

// ToInt64 converts a decoded numeric value to int64.
func ToInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float32:
		return int64(n), float32(int64(n)) == n
	case float64:
		return int64(n), float64(int64(n)) == n
	default:
		return 0, false
	}
}

// DeepCopy copies nested maps and slices so the result shares no containers with v.
func DeepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = DeepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = DeepCopy(e)
		}
		return out
	case tracked:
		return DeepCopy(t.value())
	default:
		return v
	}
}

// DeepCopyMap is DeepCopy for a document.
func DeepCopyMap(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	return DeepCopy(doc).(map[string]any)
}
