package changes

import (
	"fmt"
	"reflect"
)

// Set is a List with a membership index. Iteration follows insertion order and
// equality only looks at membership.
type Set struct {
	list    *List
	members map[any]struct{}
}

// newSet keeps the first occurrence of duplicate items. Members are scalars and
// never wrapped.
func newSet(items []any) *Set {
	s := &Set{members: make(map[any]struct{}, len(items))}
	unique := make([]any, 0, len(items))
	for _, v := range items {
		k := memberKey(v)
		if _, dup := s.members[k]; dup {
			continue
		}
		s.members[k] = struct{}{}
		unique = append(unique, v)
	}
	s.list = newList(nil, unique)
	return s
}

// NewSet creates a set whose members all count as appended.
func NewSet(values ...any) *Set {
	s := newSet(nil)
	for _, v := range values {
		s.Add(v)
	}
	return s
}

func (s *Set) Len() int {
	return s.list.Len()
}

func (s *Set) Contains(v any) bool {
	_, ok := s.members[memberKey(v)]
	return ok
}

// Add inserts v, reporting false when it was already a member.
func (s *Set) Add(v any) bool {
	k := memberKey(v)
	if _, ok := s.members[k]; ok {
		return false
	}
	s.members[k] = struct{}{}
	s.list.Add(v)
	return true
}

// Remove deletes v, reporting false when it was not a member.
func (s *Set) Remove(v any) bool {
	k := memberKey(v)
	if _, ok := s.members[k]; !ok {
		return false
	}
	delete(s.members, k)
	if i := s.list.IndexOf(v); i >= 0 {
		_ = s.list.RemoveAt(i)
	}
	return true
}

func (s *Set) Clear() {
	s.members = make(map[any]struct{})
	s.list.Clear()
}

// Values returns the members in insertion order.
func (s *Set) Values() []any {
	return s.list.Values()
}

// Equal compares membership with another set.
func (s *Set) Equal(other *Set) bool {
	if other == nil {
		return false
	}
	if len(s.members) != len(other.members) {
		return false
	}
	for k := range s.members {
		if _, ok := other.members[k]; !ok {
			return false
		}
	}
	return true
}

// EqualValues compares membership with a plain collection.
func (s *Set) EqualValues(values []any) bool {
	return s.Equal(NewSet(values...))
}

func (s *Set) value() any {
	return s.Values()
}

func (s *Set) IsDirty() bool {
	return s.list.IsDirty()
}

func (s *Set) appendRecords(path string, out []Record) []Record {
	return s.list.appendRecords(path, out)
}

func (s *Set) MarkPersisted() {
	s.list.MarkPersisted()
}

// memberKey maps a value to a comparable key. Numbers are keyed by value so a
// decoded float64 and an int with the same value are the same member.
func memberKey(v any) any {
	if n, ok := ToInt64(v); ok {
		return n
	}
	if v == nil {
		return nil
	}
	if reflect.TypeOf(v).Comparable() {
		return v
	}
	return fmt.Sprintf("%T:%v", v, v)
}
