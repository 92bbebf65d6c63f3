// Package abstractions holds the backend-agnostic compiler contracts and the
// registry that resolves a backend name and a collection to them.
package abstractions

import (
	"fmt"
	"sort"
	"sync"

	"polystore/application/ports"
	"polystore/domain/changes"
	"polystore/domain/query"
	"polystore/domain/schema"
	"polystore/pkg/errors"
	"polystore/pkg/observability"
)

// QueryCompiler renders a query model in a backend's native form
type QueryCompiler interface {
	// Backend returns the backend name
	Backend() string

	// ExplainQuery compiles the model and returns a JSON-encodable rendering
	// of the native filter, key selection, sort and window
	ExplainQuery(e *schema.Entity, q *query.Model) (any, error)
}

// UpdateCompiler renders a change set as a backend's native mutation
type UpdateCompiler interface {
	// Backend returns the backend name
	Backend() string

	// ExplainUpdate compiles the change set for the record with the given key
	ExplainUpdate(e *schema.Entity, key ports.Key, cs changes.ChangeSet, expect *ports.Expectation) (any, error)
}

// Compiler is both halves of a backend's compilation engine
type Compiler interface {
	QueryCompiler
	UpdateCompiler
}

// Explanation is the outcome of compiling against one backend
type Explanation struct {
	Backend    string `json:"backend"`
	Collection string `json:"collection"`
	Query      any    `json:"query,omitempty"`
	Update     any    `json:"update,omitempty"`
}

// Registry maps backend names to compilers and resolves collections against
// the entity schemas. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	compilers map[string]Compiler
	schemas   *schema.Registry
	metrics   *observability.Collector
}

// NewRegistry creates a registry over the given schemas. The collector may be nil.
func NewRegistry(schemas *schema.Registry, metrics *observability.Collector) *Registry {
	return &Registry{
		compilers: make(map[string]Compiler),
		schemas:   schemas,
		metrics:   metrics,
	}
}

// Register adds compilers, replacing any earlier one for the same backend
func (r *Registry) Register(compilers ...Compiler) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range compilers {
		r.compilers[c.Backend()] = c
	}
	return r
}

// Compiler returns the compiler registered for backend
func (r *Registry) Compiler(backend string) (Compiler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.compilers[backend]
	if !ok {
		return nil, errors.NewNotFoundError(fmt.Sprintf("backend %s", backend))
	}
	return c, nil
}

// Backends lists the registered backend names in sorted order
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.compilers))
	for name := range r.compilers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Collections lists the collections with a registered schema
func (r *Registry) Collections() []string {
	return r.schemas.Collections()
}

// ExplainQuery compiles q for collection on backend
func (r *Registry) ExplainQuery(backend, collection string, q *query.Model) (*Explanation, error) {
	c, e, err := r.resolve(backend, collection)
	if err != nil {
		return nil, err
	}
	native, err := c.ExplainQuery(e, q)
	r.metrics.RecordCompilation(backend, "query", err)
	if err != nil {
		return nil, err
	}
	return &Explanation{Backend: backend, Collection: collection, Query: native}, nil
}

// ExplainUpdate compiles cs for one record of collection on backend
func (r *Registry) ExplainUpdate(backend, collection string, key ports.Key, cs changes.ChangeSet, expect *ports.Expectation) (*Explanation, error) {
	c, e, err := r.resolve(backend, collection)
	if err != nil {
		return nil, err
	}
	native, err := c.ExplainUpdate(e, key, cs, expect)
	r.metrics.RecordCompilation(backend, "update", err)
	if err != nil {
		return nil, err
	}
	return &Explanation{Backend: backend, Collection: collection, Update: native}, nil
}

func (r *Registry) resolve(backend, collection string) (Compiler, *schema.Entity, error) {
	c, err := r.Compiler(backend)
	if err != nil {
		return nil, nil, err
	}
	e, err := r.schemas.Lookup(collection)
	if err != nil {
		return nil, nil, err
	}
	return c, e, nil
}
