// Package schema declares the field set and key layout of each entity type.
// Every backend compiler and the session read entity shape from here instead of
// discovering it at runtime.
package schema

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"polystore/pkg/errors"
	"polystore/pkg/utils"
)

const (
	DefaultVersionField = "version"
	DefaultAccessField  = "_acl"
)

// Kind classifies how a field's value is tracked and stored.
type Kind string

const (
	KindScalar Kind = "scalar"
	KindObject Kind = "object"
	KindList   Kind = "list"
	KindSet    Kind = "set"
	KindMap    Kind = "map"
)

// Container reports whether values of this kind are wrapped by the change tracker.
func (k Kind) Container() bool {
	return k != KindScalar && k != ""
}

// Field describes one attribute. Object fields carry nested Fields; list, set
// and map fields may describe their element with Elem.
type Field struct {
	Name   string  `json:"name" yaml:"name" validate:"required"`
	Kind   Kind    `json:"kind" yaml:"kind" validate:"omitempty,oneof=scalar object list set map"`
	Fields []Field `json:"fields,omitempty" yaml:"fields,omitempty" validate:"dive"`
	Elem   *Field  `json:"elem,omitempty" yaml:"elem,omitempty" validate:"-"`
}

// KeySchema is a hash key with an optional range key.
type KeySchema struct {
	Hash  string `json:"hash" yaml:"hash" validate:"required"`
	Range string `json:"range,omitempty" yaml:"range,omitempty"`
}

// Index is a secondary index over a key pair.
type Index struct {
	Name      string `json:"name" yaml:"name" validate:"required"`
	KeySchema `yaml:",inline"`
}

// Association links an entity to rows of another table for association conditions.
type Association struct {
	Table      string `json:"table" yaml:"table" validate:"required"`
	ForeignKey string `json:"foreign_key" yaml:"foreign_key" validate:"required"`
	LocalKey   string `json:"local_key" yaml:"local_key" validate:"required"`
}

// Entity is the explicit registration of one entity type.
type Entity struct {
	Collection       string                 `json:"collection" yaml:"collection" validate:"required"`
	Fields           []Field                `json:"fields" yaml:"fields" validate:"required,min=1,dive"`
	PrimaryKey       KeySchema              `json:"primary_key" yaml:"primary_key"`
	Indexes          []Index                `json:"indexes,omitempty" yaml:"indexes,omitempty" validate:"dive"`
	UniqueKeys       [][]string             `json:"unique_keys,omitempty" yaml:"unique_keys,omitempty" validate:"dive,min=1"`
	Versioned        bool                   `json:"versioned" yaml:"versioned"`
	VersionField     string                 `json:"version_field,omitempty" yaml:"version_field,omitempty"`
	AccessControlled bool                   `json:"access_controlled" yaml:"access_controlled"`
	AccessField      string                 `json:"access_field,omitempty" yaml:"access_field,omitempty"`
	Associations     map[string]Association `json:"associations,omitempty" yaml:"associations,omitempty" validate:"dive"`
}

// Validate applies defaults and checks that every key refers to a declared field.
func (e *Entity) Validate() error {
	if e.Versioned && e.VersionField == "" {
		e.VersionField = DefaultVersionField
	}
	if e.AccessControlled && e.AccessField == "" {
		e.AccessField = DefaultAccessField
	}
	if err := utils.ValidateStruct(e); err != nil {
		return err
	}

	check := func(what, name string) error {
		if name == "" {
			return nil
		}
		if _, ok := e.Field(name); !ok {
			return errors.NewValidationError(fmt.Sprintf("%s: %s %q is not a declared field", e.Collection, what, name))
		}
		return nil
	}
	if err := check("hash key", e.PrimaryKey.Hash); err != nil {
		return err
	}
	if err := check("range key", e.PrimaryKey.Range); err != nil {
		return err
	}
	seen := make(map[string]bool, len(e.Indexes))
	for _, idx := range e.Indexes {
		if seen[idx.Name] {
			return errors.NewValidationError(fmt.Sprintf("%s: duplicate index %q", e.Collection, idx.Name))
		}
		seen[idx.Name] = true
		if err := check("index hash key", idx.Hash); err != nil {
			return err
		}
		if err := check("index range key", idx.Range); err != nil {
			return err
		}
	}
	for _, uk := range e.UniqueKeys {
		for _, f := range uk {
			if err := check("unique key field", f); err != nil {
				return err
			}
		}
	}
	return nil
}

// Field resolves a dotted path against the declared fields.
func (e *Entity) Field(path string) (Field, bool) {
	switch path {
	case "":
		return Field{}, false
	case e.VersionField:
		if e.Versioned {
			return Field{Name: path, Kind: KindScalar}, true
		}
	case e.AccessField:
		if e.AccessControlled {
			return Field{Name: path, Kind: KindScalar}, true
		}
	}

	parts := strings.Split(path, ".")
	fields := e.Fields
	var found Field
	for i, part := range parts {
		ok := false
		for _, f := range fields {
			if f.Name == part {
				found, ok = f, true
				break
			}
		}
		if !ok {
			// Map keys and list positions below a container are not declared.
			if i > 0 && (found.Kind == KindMap || found.Kind == KindList) {
				return found, true
			}
			return Field{}, false
		}
		fields = found.Fields
	}
	return found, true
}

// KindOf returns the declared kind of a top-level field, KindScalar when unknown.
func (e *Entity) KindOf(name string) Kind {
	f, ok := e.Field(name)
	if !ok || f.Kind == "" {
		return KindScalar
	}
	return f.Kind
}

// KeyPairs returns the table key followed by every secondary index. The table
// key is reported with an empty index name.
func (e *Entity) KeyPairs() []Index {
	pairs := make([]Index, 0, len(e.Indexes)+1)
	pairs = append(pairs, Index{KeySchema: e.PrimaryKey})
	pairs = append(pairs, e.Indexes...)
	return pairs
}

// IsHashKey reports whether the attribute is the hash key of the table or of any index.
func (e *Entity) IsHashKey(attr string) bool {
	for _, kp := range e.KeyPairs() {
		if kp.Hash == attr {
			return true
		}
	}
	return false
}

// RangeKeyFor returns the first key pair whose hash key is hash and whose range key is attr.
func (e *Entity) RangeKeyFor(hash, attr string) (Index, bool) {
	for _, kp := range e.KeyPairs() {
		if kp.Hash == hash && kp.Range != "" && kp.Range == attr {
			return kp, true
		}
	}
	return Index{}, false
}

// IndexFor returns the first key pair served by hash alone.
func (e *Entity) IndexFor(hash string) (Index, bool) {
	for _, kp := range e.KeyPairs() {
		if kp.Hash == hash {
			return kp, true
		}
	}
	return Index{}, false
}

// LookupKeys returns the field lists that identify an entity: the primary key
// first, then every declared unique key.
func (e *Entity) LookupKeys() [][]string {
	pk := []string{e.PrimaryKey.Hash}
	if e.PrimaryKey.Range != "" {
		pk = append(pk, e.PrimaryKey.Range)
	}
	keys := [][]string{pk}
	return append(keys, e.UniqueKeys...)
}

// NormalizedKey renders a lookup key for the given fields and values, or
// reports false when any field is missing.
func (e *Entity) NormalizedKey(fields []string, values map[string]any) (string, bool) {
	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)
	var b strings.Builder
	b.WriteString(e.Collection)
	for _, f := range sorted {
		v, ok := values[f]
		if !ok || v == nil {
			return "", false
		}
		fmt.Fprintf(&b, "|%s=%v", f, v)
	}
	return b.String(), true
}

// ColumnNames lists top-level attributes in declaration order followed by the
// internal version and access fields when enabled.
func (e *Entity) ColumnNames() []string {
	cols := make([]string, 0, len(e.Fields)+2)
	for _, f := range e.Fields {
		cols = append(cols, f.Name)
	}
	if e.Versioned {
		cols = append(cols, e.VersionField)
	}
	if e.AccessControlled {
		cols = append(cols, e.AccessField)
	}
	return cols
}

// Registry holds the registered entity types keyed by collection.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]*Entity
}

// NewRegistry validates and registers the given entities.
func NewRegistry(entities ...Entity) (*Registry, error) {
	r := &Registry{entities: make(map[string]*Entity, len(entities))}
	for _, e := range entities {
		if err := r.Register(e); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register validates an entity and adds it, replacing any earlier registration.
func (r *Registry) Register(e Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[e.Collection] = &e
	return nil
}

// Lookup returns the entity registered for collection.
func (r *Registry) Lookup(collection string) (*Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[collection]
	if !ok {
		return nil, errors.NewNotFoundError(fmt.Sprintf("entity schema %q", collection))
	}
	return e, nil
}

// Collections returns the registered collection names in sorted order.
func (r *Registry) Collections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entities))
	for name := range r.entities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
