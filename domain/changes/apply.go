package changes

import (
	"fmt"
	"strings"

	"polystore/pkg/errors"
)

// Apply replays records onto doc in order. It is the reference semantics every
// update compiler must agree with, and the write path of the in-memory store.
func Apply(doc map[string]any, records []Record) error {
	for _, r := range records {
		if err := applyOne(doc, r); err != nil {
			return fmt.Errorf("apply %s: %w", r, err)
		}
	}
	return nil
}

func applyOne(doc map[string]any, r Record) error {
	parts := strings.Split(r.Path, ".")
	switch r.Kind {
	case KindSet, KindClear, KindMapPut:
		return setPath(doc, parts, DeepCopy(r.Value))
	case KindRemove, KindMapRemove:
		removePath(doc, parts)
		return nil
	case KindIncrement:
		cur, _ := getPath(doc, parts)
		next, err := AddDelta(cur, r.Delta)
		if err != nil {
			return err
		}
		return setPath(doc, parts, next)
	case KindIndexSet:
		cur, _ := getPath(doc, parts)
		list, ok := toSlice(cur)
		if !ok && cur != nil {
			return errors.NewValidationError(fmt.Sprintf("%s is not a list", r.Path))
		}
		switch {
		case r.Index < len(list):
			list = append([]any(nil), list...)
			list[r.Index] = DeepCopy(r.Value)
		case r.Index == len(list):
			list = append(list, DeepCopy(r.Value))
		default:
			return errors.NewValidationError(fmt.Sprintf("index %d beyond end of %s (len %d)", r.Index, r.Path, len(list)))
		}
		return setPath(doc, parts, list)
	case KindAppendBatch:
		cur, _ := getPath(doc, parts)
		list, ok := toSlice(cur)
		if !ok && cur != nil {
			return errors.NewValidationError(fmt.Sprintf("%s is not a list", r.Path))
		}
		values, _ := toSlice(r.Value)
		out := make([]any, 0, len(list)+len(values))
		out = append(out, list...)
		for _, v := range values {
			out = append(out, DeepCopy(v))
		}
		return setPath(doc, parts, out)
	default:
		return errors.NewValidationError(fmt.Sprintf("unknown change kind %q", r.Kind))
	}
}

func getPath(doc map[string]any, parts []string) (any, bool) {
	var cur any = doc
	for _, p := range parts {
		m, ok := toMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(doc map[string]any, parts []string, v any) error {
	m := doc
	for i, p := range parts[:len(parts)-1] {
		next, ok := m[p]
		if !ok || next == nil {
			child := make(map[string]any)
			m[p] = child
			m = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return errors.NewValidationError(fmt.Sprintf("%s is not an object", strings.Join(parts[:i+1], ".")))
		}
		m = child
	}
	m[parts[len(parts)-1]] = v
	return nil
}

func removePath(doc map[string]any, parts []string) {
	m := doc
	for _, p := range parts[:len(parts)-1] {
		child, ok := m[p].(map[string]any)
		if !ok {
			return
		}
		m = child
	}
	delete(m, parts[len(parts)-1])
}
