// Package memory is an in-process reference backend. It evaluates query models
// and change records directly, which makes it the executable definition of
// what every other backend compiles to.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"polystore/application/ports"
	"polystore/domain/changes"
	"polystore/domain/query"
	"polystore/domain/schema"
	"polystore/pkg/errors"

	"go.uber.org/zap"
)

// Store implements ports.Store on maps guarded by a mutex. Documents are
// copied on the way in and out.
type Store struct {
	mu     sync.RWMutex
	tables map[string]map[string]map[string]any
	order  map[string][]string
	logger *zap.Logger
}

// NewStore creates a new in-memory store
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		tables: make(map[string]map[string]map[string]any),
		order:  make(map[string][]string),
		logger: logger,
	}
}

var _ ports.Store = (*Store)(nil)

// Backend returns the backend name
func (s *Store) Backend() string {
	return ports.BackendMemory
}

// Put stores a raw document without any checks, for seeding.
func (s *Store) Put(collection, id string, doc map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(collection, id, changes.DeepCopyMap(doc))
}

func (s *Store) put(collection, id string, doc map[string]any) {
	t, ok := s.tables[collection]
	if !ok {
		t = make(map[string]map[string]any)
		s.tables[collection] = t
	}
	if _, exists := t[id]; !exists {
		s.order[collection] = append(s.order[collection], id)
	}
	t[id] = doc
}

func (s *Store) remove(collection, id string) {
	delete(s.tables[collection], id)
	ids := s.order[collection]
	for i, x := range ids {
		if x == id {
			s.order[collection] = append(ids[:i:i], ids[i+1:]...)
			return
		}
	}
}

// Get loads one document by key
func (s *Store) Get(_ context.Context, e *schema.Entity, key ports.Key) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.tables[e.Collection][key.String()]
	if !ok {
		return nil, errors.NewNotFoundError(fmt.Sprintf("%s/%s", e.Collection, key))
	}
	return changes.DeepCopyMap(doc), nil
}

// Find evaluates the query model over the collection in insertion order
func (s *Store) Find(_ context.Context, e *schema.Entity, q *query.Model) ([]map[string]any, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	matched, err := s.match(e, q)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	if len(q.Sorts) > 0 {
		sort.SliceStable(matched, func(i, j int) bool {
			for _, srt := range q.Sorts {
				a, _ := Lookup(matched[i], srt.Field)
				b, _ := Lookup(matched[j], srt.Field)
				cmp := compareForSort(a, b)
				if cmp == 0 {
					continue
				}
				if srt.Direction == query.Descending {
					return cmp > 0
				}
				return cmp < 0
			}
			return false
		})
	}

	if q.FirstResult > 0 {
		if q.FirstResult >= len(matched) {
			matched = nil
		} else {
			matched = matched[q.FirstResult:]
		}
	}
	if q.MaxResults > 0 && len(matched) > q.MaxResults {
		matched = matched[:q.MaxResults]
	}

	results := make([]map[string]any, 0, len(matched))
	for _, doc := range matched {
		results = append(results, project(e, changes.DeepCopyMap(doc), q.Projection))
	}
	return results, nil
}

// Count counts documents matching the model's conditions
func (s *Store) Count(_ context.Context, e *schema.Entity, q *query.Model) (int64, error) {
	if err := q.Validate(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched, err := s.match(e, q)
	return int64(len(matched)), err
}

func (s *Store) match(e *schema.Entity, q *query.Model) ([]map[string]any, error) {
	var out []map[string]any
	for _, id := range s.order[e.Collection] {
		doc := s.tables[e.Collection][id]
		ok, err := Match(doc, q.Conditions)
		if err != nil {
			return nil, err
		}
		if ok {
			ok, err = s.matchAssociations(e, doc, q.AssociationConditions)
			if err != nil {
				return nil, err
			}
		}
		if ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

// matchAssociations requires, per association, one document of the associated
// collection that refers to doc and matches the association's conditions.
func (s *Store) matchAssociations(e *schema.Entity, doc map[string]any, assoc map[string][]query.Condition) (bool, error) {
	for path, conds := range assoc {
		a, ok := e.Associations[path]
		if !ok {
			return false, errors.NewValidationError(fmt.Sprintf("%s: unknown association %q", e.Collection, path))
		}
		local, ok := doc[a.LocalKey]
		if !ok {
			return false, nil
		}
		found := false
		for _, other := range s.tables[a.Table] {
			if !Equal(other[a.ForeignKey], local) {
				continue
			}
			hit, err := Match(other, conds)
			if err != nil {
				return false, err
			}
			if hit {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	return true, nil
}

// Insert writes a whole document
func (s *Store) Insert(_ context.Context, e *schema.Entity, key ports.Key, doc map[string]any, ifAbsent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := key.String()
	if _, exists := s.tables[e.Collection][id]; exists && ifAbsent {
		return fmt.Errorf("insert %s/%s: %w", e.Collection, key, ports.ErrConditionFailed)
	}
	stored := changes.DeepCopyMap(doc)
	for k, v := range stored {
		if v == nil {
			delete(stored, k)
		}
	}
	s.put(e.Collection, id, stored)
	return nil
}

// Update replays the change records onto a copy of the stored document
func (s *Store) Update(_ context.Context, e *schema.Entity, key ports.Key, cs changes.ChangeSet, expect *ports.Expectation) error {
	if cs.Empty() {
		return nil
	}
	for _, r := range cs.Records {
		if root := r.Root(); root == e.PrimaryKey.Hash || root == e.PrimaryKey.Range {
			return errors.NewValidationError(fmt.Sprintf("%s: key attribute %s cannot be updated", e.Collection, root))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := key.String()
	current, ok := s.tables[e.Collection][id]
	if !ok || !expectationHolds(current, expect) {
		return fmt.Errorf("update %s/%s: %w", e.Collection, key, ports.ErrConditionFailed)
	}
	next := changes.DeepCopyMap(current)
	if err := changes.Apply(next, cs.Records); err != nil {
		return errors.NewValidationError(err.Error()).WithCause(err)
	}
	if expect != nil {
		next[expect.Field] = expect.Next()
	}
	s.put(e.Collection, id, next)

	s.logger.Debug("Document updated",
		zap.String("collection", e.Collection),
		zap.String("key", id),
		zap.Int("records", len(cs.Records)),
	)
	return nil
}

// Delete removes one document
func (s *Store) Delete(_ context.Context, e *schema.Entity, key ports.Key, expect *ports.Expectation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := key.String()
	current, ok := s.tables[e.Collection][id]
	if expect != nil && (!ok || !expectationHolds(current, expect)) {
		return fmt.Errorf("delete %s/%s: %w", e.Collection, key, ports.ErrConditionFailed)
	}
	s.remove(e.Collection, id)
	return nil
}

func expectationHolds(doc map[string]any, expect *ports.Expectation) bool {
	if expect == nil {
		return true
	}
	v, ok := changes.ToInt64(doc[expect.Field])
	return ok && v == expect.Version
}

// project keeps the projected top-level attributes plus the key attributes.
func project(e *schema.Entity, doc map[string]any, p *query.Projection) map[string]any {
	if p == nil || len(p.Fields) == 0 {
		return doc
	}
	keep := map[string]bool{e.PrimaryKey.Hash: true, e.PrimaryKey.Range: true}
	for _, f := range p.Fields {
		root, _, _ := strings.Cut(f, ".")
		keep[root] = true
	}
	for k := range doc {
		if !keep[k] {
			delete(doc, k)
		}
	}
	return doc
}

// compareForSort orders missing values first and incomparable values by type name.
func compareForSort(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if cmp, ok := Compare(a, b); ok {
		return cmp
	}
	return strings.Compare(fmt.Sprintf("%T", a), fmt.Sprintf("%T", b))
}
