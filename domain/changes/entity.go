package changes

import (
	"sort"

	"polystore/domain/schema"
)

type fieldState uint8

const (
	stateClean fieldState = iota
	stateSet
	stateRemoved
	stateIncremented
)

// Entity wraps a materialized document and records mutations made through it.
// Nested containers are wrapped on first read, and repeated reads return the
// same wrapper so that changes through any returned reference are observed.
type Entity struct {
	schema *schema.Entity
	fields map[string]*schema.Field

	raw     map[string]any
	wrapped map[string]tracked

	state      map[string]fieldState
	increments map[string]int64
	isNew      bool
}

// Track wraps a document read from storage. The entity starts clean and takes
// ownership of doc.
func Track(s *schema.Entity, doc map[string]any) *Entity {
	e := newNested(s.Fields, doc)
	e.schema = s
	return e
}

// New wraps a document that has never been stored. It reports dirty until
// marked persisted.
func New(s *schema.Entity, doc map[string]any) *Entity {
	e := Track(s, doc)
	e.isNew = true
	return e
}

func newNested(fields []schema.Field, doc map[string]any) *Entity {
	if doc == nil {
		doc = make(map[string]any)
	}
	e := &Entity{
		fields:     make(map[string]*schema.Field, len(fields)),
		raw:        doc,
		wrapped:    make(map[string]tracked),
		state:      make(map[string]fieldState),
		increments: make(map[string]int64),
	}
	for i := range fields {
		e.fields[fields[i].Name] = &fields[i]
	}
	return e
}

// Schema returns the entity type, nil for nested objects.
func (e *Entity) Schema() *schema.Entity {
	return e.schema
}

// IsNew reports whether the entity has never been persisted.
func (e *Entity) IsNew() bool {
	return e.isNew
}

// Has reports whether the field is present.
func (e *Entity) Has(name string) bool {
	_, ok := e.raw[name]
	return ok
}

// Get returns the field value. Declared object, list, set and map fields come
// back as *Entity, *List, *Set and *Map. Reads never mark anything dirty.
func (e *Entity) Get(name string) any {
	if w, ok := e.wrapped[name]; ok {
		return w
	}
	v, ok := e.raw[name]
	if !ok {
		return nil
	}
	if w := wrap(e.fields[name], v); w != nil {
		e.wrapped[name] = w
		return w
	}
	return v
}

// Object returns a nested object field, or nil.
func (e *Entity) Object(name string) *Entity {
	n, _ := e.Get(name).(*Entity)
	return n
}

// List returns a list field, or nil.
func (e *Entity) List(name string) *List {
	l, _ := e.Get(name).(*List)
	return l
}

// SetField returns a set field, or nil.
func (e *Entity) SetField(name string) *Set {
	s, _ := e.Get(name).(*Set)
	return s
}

// Map returns a map field, or nil.
func (e *Entity) Map(name string) *Map {
	m, _ := e.Get(name).(*Map)
	return m
}

// Set assigns a whole field value.
func (e *Entity) Set(name string, v any) {
	delete(e.wrapped, name)
	delete(e.increments, name)
	e.raw[name] = unwrap(v)
	e.state[name] = stateSet
}

// Remove deletes a field.
func (e *Entity) Remove(name string) {
	delete(e.wrapped, name)
	delete(e.increments, name)
	delete(e.raw, name)
	e.state[name] = stateRemoved
}

// Increment adds delta to a numeric field. The change is recorded as a delta
// unless the field was already replaced in this change set.
func (e *Entity) Increment(name string, delta int64) error {
	next, err := AddDelta(e.raw[name], delta)
	if err != nil {
		return err
	}
	e.raw[name] = next
	switch e.state[name] {
	case stateSet, stateRemoved:
		e.state[name] = stateSet
	default:
		e.state[name] = stateIncremented
		e.increments[name] += delta
	}
	return nil
}

// IsDirty reports whether anything in the entity's subtree changed since the
// last persist mark.
func (e *Entity) IsDirty() bool {
	if e.isNew || len(e.state) > 0 {
		return true
	}
	for _, w := range e.wrapped {
		if w.IsDirty() {
			return true
		}
	}
	return false
}

// Records returns the dirty paths in field-name order.
func (e *Entity) Records() []Record {
	return e.appendRecords("", nil)
}

// Changes returns the records together with the current state.
func (e *Entity) Changes() ChangeSet {
	return ChangeSet{Records: e.Records(), Current: e.Raw()}
}

func (e *Entity) appendRecords(prefix string, out []Record) []Record {
	names := make([]string, 0, len(e.state)+len(e.wrapped))
	for name := range e.state {
		names = append(names, name)
	}
	for name := range e.wrapped {
		if _, ok := e.state[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		switch e.state[name] {
		case stateSet:
			value := DeepCopy(e.raw[name])
			if w, ok := e.wrapped[name]; ok {
				value = w.value()
			}
			out = append(out, Record{Path: path, Kind: KindSet, Value: value})
		case stateRemoved:
			out = append(out, Record{Path: path, Kind: KindRemove})
		case stateIncremented:
			out = append(out, Record{Path: path, Kind: KindIncrement, Delta: e.increments[name]})
		default:
			if w := e.wrapped[name]; w.IsDirty() {
				out = w.appendRecords(path, out)
			}
		}
	}
	return out
}

// MarkPersisted clears all change bookkeeping recursively without touching values.
func (e *Entity) MarkPersisted() {
	e.isNew = false
	e.state = make(map[string]fieldState)
	e.increments = make(map[string]int64)
	for _, w := range e.wrapped {
		w.MarkPersisted()
	}
}

// Raw returns a plain copy of the current state.
func (e *Entity) Raw() map[string]any {
	out := make(map[string]any, len(e.raw))
	for k, v := range e.raw {
		if w, ok := e.wrapped[k]; ok {
			out[k] = w.value()
			continue
		}
		out[k] = DeepCopy(v)
	}
	return out
}

func (e *Entity) value() any {
	return e.Raw()
}

// Version reads the version field, reporting false for unversioned entities
// or an unset version.
func (e *Entity) Version() (int64, bool) {
	if e.schema == nil || !e.schema.Versioned {
		return 0, false
	}
	return ToInt64(e.raw[e.schema.VersionField])
}

// SetVersion writes the version field without recording a change. The version
// is written by the lock coordinator, not through change records.
func (e *Entity) SetVersion(v int64) {
	if e.schema == nil || !e.schema.Versioned {
		return
	}
	e.raw[e.schema.VersionField] = v
}

// ClearVersion removes the version field without recording a change.
func (e *Entity) ClearVersion() {
	if e.schema == nil || !e.schema.Versioned {
		return
	}
	delete(e.raw, e.schema.VersionField)
}
