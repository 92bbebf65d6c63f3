package changes

import (
	"fmt"
	"sort"

	"polystore/domain/schema"
	"polystore/pkg/errors"
)

// List tracks an ordered list. Positions below the boundary existed at the last
// persist mark. Replacing one of them is recorded by position; anything that
// shifts or shrinks the persisted prefix forces a full rewrite, which takes
// priority over every positional record.
type List struct {
	elem     *schema.Field
	items    []any
	wrapped  map[int]tracked
	boundary int
	rewrite  bool
	indexSet map[int]struct{}
}

func newList(elem *schema.Field, items []any) *List {
	return &List{
		elem:     elem,
		items:    items,
		wrapped:  make(map[int]tracked),
		boundary: len(items),
		indexSet: make(map[int]struct{}),
	}
}

// NewList creates an untracked-origin list; every element counts as appended.
func NewList(values ...any) *List {
	l := newList(nil, nil)
	l.items = append(l.items, values...)
	return l
}

func (l *List) Len() int {
	return len(l.items)
}

// Boundary is the list size at the last persist mark.
func (l *List) Boundary() int {
	return l.boundary
}

// Rewrite reports whether the next write must replace the whole list.
func (l *List) Rewrite() bool {
	return l.rewrite
}

func (l *List) check(i int) error {
	if i < 0 || i >= len(l.items) {
		return errors.NewValidationError(fmt.Sprintf("list index %d out of range [0,%d)", i, len(l.items)))
	}
	return nil
}

// Get returns the element at i, wrapping object and container elements on first read.
func (l *List) Get(i int) (any, error) {
	if err := l.check(i); err != nil {
		return nil, err
	}
	if w, ok := l.wrapped[i]; ok {
		return w, nil
	}
	if w := wrap(l.elem, l.items[i]); w != nil {
		l.wrapped[i] = w
		return w, nil
	}
	return l.items[i], nil
}

// Set replaces the element at i.
func (l *List) Set(i int, v any) error {
	if err := l.check(i); err != nil {
		return err
	}
	delete(l.wrapped, i)
	l.items[i] = unwrap(v)
	if i < l.boundary {
		l.indexSet[i] = struct{}{}
	}
	return nil
}

// Add appends values to the end.
func (l *List) Add(values ...any) {
	for _, v := range values {
		l.items = append(l.items, unwrap(v))
	}
}

// Insert places v at position i, shifting later elements.
func (l *List) Insert(i int, v any) error {
	if i == len(l.items) {
		l.Add(v)
		return nil
	}
	if err := l.check(i); err != nil {
		return err
	}
	l.settle()
	l.items = append(l.items, nil)
	copy(l.items[i+1:], l.items[i:])
	l.items[i] = unwrap(v)
	l.rewrite = true
	return nil
}

// RemoveAt deletes the element at position i.
func (l *List) RemoveAt(i int) error {
	if err := l.check(i); err != nil {
		return err
	}
	l.settle()
	l.items = append(l.items[:i], l.items[i+1:]...)
	l.rewrite = true
	return nil
}

// Clear empties the list.
func (l *List) Clear() {
	l.items = nil
	l.wrapped = make(map[int]tracked)
	l.rewrite = true
}

// IndexOf returns the position of the first element equal to v, or -1.
func (l *List) IndexOf(v any) int {
	key := memberKey(v)
	for i := range l.items {
		if memberKey(l.elementValue(i)) == key {
			return i
		}
	}
	return -1
}

// settle folds element wrappers back into the items before positions shift.
func (l *List) settle() {
	for i, w := range l.wrapped {
		l.items[i] = w.value()
	}
	l.wrapped = make(map[int]tracked)
}

func (l *List) elementValue(i int) any {
	if w, ok := l.wrapped[i]; ok {
		return w.value()
	}
	return DeepCopy(l.items[i])
}

// Values returns a plain copy of the elements.
func (l *List) Values() []any {
	out := make([]any, len(l.items))
	for i := range l.items {
		out[i] = l.elementValue(i)
	}
	return out
}

func (l *List) value() any {
	return l.Values()
}

func (l *List) IsDirty() bool {
	if l.rewrite || len(l.items) > l.boundary || len(l.indexSet) > 0 {
		return true
	}
	for _, w := range l.wrapped {
		if w.IsDirty() {
			return true
		}
	}
	return false
}

func (l *List) appendRecords(path string, out []Record) []Record {
	if l.rewrite {
		return append(out, Record{Path: path, Kind: KindClear, Value: l.Values()})
	}

	positions := make([]int, 0, len(l.indexSet)+len(l.wrapped))
	for i := range l.indexSet {
		positions = append(positions, i)
	}
	for i, w := range l.wrapped {
		if _, ok := l.indexSet[i]; !ok && i < l.boundary && w.IsDirty() {
			positions = append(positions, i)
		}
	}
	sort.Ints(positions)
	for _, i := range positions {
		out = append(out, Record{Path: path, Kind: KindIndexSet, Index: i, Value: l.elementValue(i)})
	}

	if len(l.items) > l.boundary {
		appended := make([]any, 0, len(l.items)-l.boundary)
		for i := l.boundary; i < len(l.items); i++ {
			appended = append(appended, l.elementValue(i))
		}
		out = append(out, Record{Path: path, Kind: KindAppendBatch, Index: l.boundary, Value: appended})
	}
	return out
}

// MarkPersisted advances the boundary to the current size and forgets all records.
func (l *List) MarkPersisted() {
	l.boundary = len(l.items)
	l.rewrite = false
	l.indexSet = make(map[int]struct{})
	for _, w := range l.wrapped {
		w.MarkPersisted()
	}
}
