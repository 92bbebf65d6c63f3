package changes

import (
	"sort"

	"polystore/domain/schema"
)

// Map tracks a string-keyed map through independent added-or-updated and
// removed key sets.
type Map struct {
	elem    *schema.Field
	entries map[string]any
	wrapped map[string]tracked
	added   map[string]struct{}
	removed map[string]struct{}
}

func newMap(elem *schema.Field, entries map[string]any) *Map {
	if entries == nil {
		entries = make(map[string]any)
	}
	return &Map{
		elem:    elem,
		entries: entries,
		wrapped: make(map[string]tracked),
		added:   make(map[string]struct{}),
		removed: make(map[string]struct{}),
	}
}

func (m *Map) Len() int {
	return len(m.entries)
}

// Keys returns the keys in sorted order.
func (m *Map) Keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the value under key, wrapping object and container values on first read.
func (m *Map) Get(key string) (any, bool) {
	if w, ok := m.wrapped[key]; ok {
		return w, true
	}
	v, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if w := wrap(m.elem, v); w != nil {
		m.wrapped[key] = w
		return w, true
	}
	return v, true
}

// Put adds or replaces the value under key.
func (m *Map) Put(key string, v any) {
	delete(m.wrapped, key)
	m.entries[key] = unwrap(v)
	m.added[key] = struct{}{}
	delete(m.removed, key)
}

// Delete removes key. Deleting an absent key records nothing.
func (m *Map) Delete(key string) {
	if _, ok := m.entries[key]; !ok {
		return
	}
	delete(m.wrapped, key)
	delete(m.entries, key)
	delete(m.added, key)
	m.removed[key] = struct{}{}
}

// Clear moves every existing key into the removed set.
func (m *Map) Clear() {
	for k := range m.entries {
		m.removed[k] = struct{}{}
	}
	m.entries = make(map[string]any)
	m.wrapped = make(map[string]tracked)
	m.added = make(map[string]struct{})
}

func (m *Map) entryValue(key string) any {
	if w, ok := m.wrapped[key]; ok {
		return w.value()
	}
	return DeepCopy(m.entries[key])
}

// Values returns a plain copy of the entries.
func (m *Map) Values() map[string]any {
	out := make(map[string]any, len(m.entries))
	for k := range m.entries {
		out[k] = m.entryValue(k)
	}
	return out
}

func (m *Map) value() any {
	return m.Values()
}

func (m *Map) IsDirty() bool {
	if len(m.added) > 0 || len(m.removed) > 0 {
		return true
	}
	for _, w := range m.wrapped {
		if w.IsDirty() {
			return true
		}
	}
	return false
}

func (m *Map) appendRecords(path string, out []Record) []Record {
	for _, k := range sortedKeys(m.removed) {
		out = append(out, Record{Path: path + "." + k, Kind: KindMapRemove, Key: k})
	}
	for _, k := range sortedKeys(m.added) {
		out = append(out, Record{Path: path + "." + k, Kind: KindMapPut, Key: k, Value: m.entryValue(k)})
	}

	nested := make([]string, 0, len(m.wrapped))
	for k, w := range m.wrapped {
		if _, ok := m.added[k]; !ok && w.IsDirty() {
			nested = append(nested, k)
		}
	}
	sort.Strings(nested)
	for _, k := range nested {
		out = m.wrapped[k].appendRecords(path+"."+k, out)
	}
	return out
}

// MarkPersisted forgets the key sets and resets nested values.
func (m *Map) MarkPersisted() {
	m.added = make(map[string]struct{})
	m.removed = make(map[string]struct{})
	for _, w := range m.wrapped {
		w.MarkPersisted()
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
