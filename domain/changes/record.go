// Package changes tracks per-field mutations on materialized entities and
// reports them as change records for the update compilers.
package changes

import (
	"fmt"
	"strings"
)

// Kind is the kind of mutation a record describes.
type Kind string

const (
	KindSet         Kind = "set"
	KindRemove      Kind = "remove"
	KindAppendBatch Kind = "append_batch"
	KindIndexSet    Kind = "index_set"
	KindIncrement   Kind = "increment"
	KindMapPut      Kind = "map_put"
	KindMapRemove   Kind = "map_remove"
	// KindClear replaces the whole field with Value.
	KindClear Kind = "clear"
)

// UnknownIndex marks an AppendBatch whose first appended position is not known,
// as in a standalone change set.
const UnknownIndex = -1

// Record is one dirty path. Path is dotted through nested objects and map keys.
// List records address the list itself and carry the position in Index: an
// IndexSet's element position, or an AppendBatch's first appended position
// (UnknownIndex when the list length was never read).
type Record struct {
	Path  string `json:"path"`
	Kind  Kind   `json:"kind"`
	Value any    `json:"value,omitempty"`
	Delta int64  `json:"delta,omitempty"`
	Index int    `json:"index"`
	// Key is the map key of MapPut and MapRemove records, already part of Path.
	Key string `json:"key,omitempty"`
}

func (r Record) String() string {
	switch r.Kind {
	case KindRemove, KindMapRemove:
		return fmt.Sprintf("%s %s", r.Kind, r.Path)
	case KindIncrement:
		return fmt.Sprintf("%s %s %+d", r.Kind, r.Path, r.Delta)
	case KindIndexSet, KindAppendBatch:
		return fmt.Sprintf("%s %s[%d] %v", r.Kind, r.Path, r.Index, r.Value)
	default:
		return fmt.Sprintf("%s %s %v", r.Kind, r.Path, r.Value)
	}
}

// Root returns the top-level attribute the record touches.
func (r Record) Root() string {
	if i := strings.IndexByte(r.Path, '.'); i >= 0 {
		return r.Path[:i]
	}
	return r.Path
}

// Nested reports whether the record touches anything below a top-level attribute.
func (r Record) Nested() bool {
	switch r.Kind {
	case KindIndexSet, KindAppendBatch, KindMapPut, KindMapRemove:
		return true
	}
	return strings.Contains(r.Path, ".")
}

// ChangeSet is the input of an update compiler: the records of one entity plus,
// when the changes came from a tracked entity, the entity's current state.
type ChangeSet struct {
	Records []Record `json:"records"`
	// Current is nil for standalone change sets.
	Current map[string]any `json:"current,omitempty"`
}

// NewChangeSet starts a standalone change set built by hand rather than by a tracker.
func NewChangeSet() *ChangeSet {
	return &ChangeSet{}
}

// Empty reports whether there is nothing to write.
func (c ChangeSet) Empty() bool {
	return len(c.Records) == 0
}

func (c *ChangeSet) Set(path string, value any) *ChangeSet {
	c.Records = append(c.Records, Record{Path: path, Kind: KindSet, Value: value})
	return c
}

func (c *ChangeSet) Remove(path string) *ChangeSet {
	c.Records = append(c.Records, Record{Path: path, Kind: KindRemove})
	return c
}

func (c *ChangeSet) Increment(path string, delta int64) *ChangeSet {
	c.Records = append(c.Records, Record{Path: path, Kind: KindIncrement, Delta: delta})
	return c
}

// Append adds values to the end of the list at path. The first appended
// position is unknown to a standalone change set.
func (c *ChangeSet) Append(path string, values ...any) *ChangeSet {
	c.Records = append(c.Records, Record{Path: path, Kind: KindAppendBatch, Index: UnknownIndex, Value: values})
	return c
}

func (c *ChangeSet) IndexSet(path string, index int, value any) *ChangeSet {
	c.Records = append(c.Records, Record{Path: path, Kind: KindIndexSet, Index: index, Value: value})
	return c
}

func (c *ChangeSet) MapPut(path, key string, value any) *ChangeSet {
	c.Records = append(c.Records, Record{Path: path + "." + key, Kind: KindMapPut, Key: key, Value: value})
	return c
}

func (c *ChangeSet) MapRemove(path, key string) *ChangeSet {
	c.Records = append(c.Records, Record{Path: path + "." + key, Kind: KindMapRemove, Key: key})
	return c
}

// Paths returns the distinct record paths in record order.
func (c ChangeSet) Paths() []string {
	seen := make(map[string]bool, len(c.Records))
	paths := make([]string, 0, len(c.Records))
	for _, r := range c.Records {
		if !seen[r.Path] {
			seen[r.Path] = true
			paths = append(paths, r.Path)
		}
	}
	return paths
}

// tracked is implemented by every container the tracker wraps.
type tracked interface {
	IsDirty() bool
	MarkPersisted()
	appendRecords(path string, out []Record) []Record
	value() any
}
