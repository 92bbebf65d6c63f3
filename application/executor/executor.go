// Package executor runs data access descriptors: a query model or change set
// plus the kind of call, built once per call site. Reads made while a session
// is open on the context go through the session; everything else is issued
// against the store immediately.
package executor

import (
	"context"
	"fmt"

	"polystore/application/locking"
	"polystore/application/ports"
	"polystore/application/session"
	"polystore/domain/changes"
	"polystore/domain/query"
	"polystore/domain/schema"
	"polystore/pkg/common"
	"polystore/pkg/errors"

	"go.uber.org/zap"
)

// Kind is the kind of call a descriptor describes
type Kind string

const (
	KindFindOne     Kind = "find_one"
	KindFindAll     Kind = "find_all"
	KindCount       Kind = "count"
	KindExists      Kind = "exists"
	KindUpdateWhere Kind = "update_where"
	KindDelete      Kind = "delete"
	KindBatchDelete Kind = "batch_delete"
)

// Descriptor describes one call. Query is used by the reads and by
// update-where, Changes by update-where and Keys by the deletes.
type Descriptor struct {
	Kind    Kind
	Entity  *schema.Entity
	Query   *query.Model
	Changes changes.ChangeSet
	Keys    []ports.Key
}

// Validate checks that the descriptor carries what its kind needs
func (d Descriptor) Validate() error {
	if d.Entity == nil {
		return errors.NewValidationError("descriptor has no entity")
	}
	switch d.Kind {
	case KindFindOne, KindFindAll, KindCount, KindExists:
		if d.Query == nil {
			return errors.NewValidationError(fmt.Sprintf("%s descriptor has no query", d.Kind))
		}
	case KindUpdateWhere:
		if d.Query == nil {
			return errors.NewValidationError("update_where descriptor has no query")
		}
		if d.Changes.Empty() {
			return errors.NewValidationError("update_where descriptor has no changes")
		}
	case KindDelete:
		if len(d.Keys) != 1 {
			return errors.NewValidationError(fmt.Sprintf("delete descriptor needs exactly one key, got %d", len(d.Keys)))
		}
	case KindBatchDelete:
		if len(d.Keys) == 0 {
			return errors.NewValidationError("batch_delete descriptor has no keys")
		}
	default:
		return errors.NewValidationError(fmt.Sprintf("unknown descriptor kind %q", d.Kind))
	}
	return nil
}

// Result holds the outcome of Execute. Only the fields of the descriptor's
// kind are set.
type Result struct {
	Entity   *changes.Entity
	Entities []*changes.Entity
	Count    int64
	Exists   bool
	Batch    *BatchResult
}

// BatchResult counts the records a batch touched. FailedIDs lists the keys
// whose write failed.
type BatchResult struct {
	Matched   int      `json:"matched"`
	Succeeded int      `json:"succeeded"`
	FailedIDs []string `json:"failed_ids,omitempty"`
}

// Executor runs descriptors against one store
type Executor struct {
	coordinator *locking.Coordinator
	access      ports.AccessController
	logger      *zap.Logger
}

// NewExecutor creates an executor. A nil access controller allows everything.
func NewExecutor(coordinator *locking.Coordinator, access ports.AccessController, logger *zap.Logger) *Executor {
	if access == nil {
		access = ports.AllowAll{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{coordinator: coordinator, access: access, logger: logger}
}

// Execute dispatches a descriptor to the matching call
func (x *Executor) Execute(ctx context.Context, d Descriptor) (*Result, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	var (
		res Result
		err error
	)
	switch d.Kind {
	case KindFindOne:
		res.Entity, err = x.FindOne(ctx, d.Entity, d.Query)
	case KindFindAll:
		res.Entities, err = x.FindAll(ctx, d.Entity, d.Query)
	case KindCount:
		res.Count, err = x.Count(ctx, d.Entity, d.Query)
	case KindExists:
		res.Exists, err = x.Exists(ctx, d.Entity, d.Query)
	case KindUpdateWhere:
		res.Batch, err = x.UpdateWhere(ctx, d.Entity, d.Query, d.Changes)
	case KindDelete:
		err = x.Delete(ctx, d.Entity, d.Keys[0])
	case KindBatchDelete:
		res.Batch, err = x.DeleteAll(ctx, d.Entity, d.Keys)
	}
	return &res, err
}

func (x *Executor) authorize(ctx context.Context, e *schema.Entity, key *ports.Key, op query.Operation, q *query.Model) error {
	principal, _ := common.GetPrincipal(ctx)
	if q != nil && q.Authorization != nil {
		principal = q.Authorization.Principal
	}
	return ports.Authorize(ctx, x.access, ports.Access{
		Collection: e.Collection,
		Key:        key,
		Operation:  op,
		Principal:  principal,
	})
}

// FindOne returns the single record matching q, NotFound when there is none
// and TooManyResults when there are several
func (x *Executor) FindOne(ctx context.Context, e *schema.Entity, q *query.Model) (*changes.Entity, error) {
	if s, ok := session.FromContext(ctx); ok {
		return s.Find(ctx, e, q)
	}
	if err := x.authorize(ctx, e, nil, query.OperationRead, q); err != nil {
		return nil, err
	}

	bounded := q.Clone()
	if bounded.MaxResults == 0 || bounded.MaxResults > 2 {
		bounded.MaxResults = 2
	}
	docs, err := x.coordinator.Store().Find(ctx, e, bounded)
	if err != nil {
		return nil, err
	}
	switch len(docs) {
	case 0:
		return nil, errors.NewNotFoundError(e.Collection)
	case 1:
		return changes.Track(e, docs[0]), nil
	default:
		return nil, errors.NewTooManyResultsError(e.Collection, len(docs))
	}
}

// FindAll returns every record matching q
func (x *Executor) FindAll(ctx context.Context, e *schema.Entity, q *query.Model) ([]*changes.Entity, error) {
	if s, ok := session.FromContext(ctx); ok {
		return s.FindAll(ctx, e, q)
	}
	if err := x.authorize(ctx, e, nil, query.OperationRead, q); err != nil {
		return nil, err
	}

	docs, err := x.coordinator.Store().Find(ctx, e, q)
	if err != nil {
		return nil, err
	}
	out := make([]*changes.Entity, len(docs))
	for i, doc := range docs {
		out[i] = changes.Track(e, doc)
	}
	return out, nil
}

// Count returns the number of records matching q's conditions
func (x *Executor) Count(ctx context.Context, e *schema.Entity, q *query.Model) (int64, error) {
	if err := x.authorize(ctx, e, nil, query.OperationRead, q); err != nil {
		return 0, err
	}
	return x.coordinator.Store().Count(ctx, e, q)
}

// Exists reports whether any record matches q
func (x *Executor) Exists(ctx context.Context, e *schema.Entity, q *query.Model) (bool, error) {
	if err := x.authorize(ctx, e, nil, query.OperationRead, q); err != nil {
		return false, err
	}
	existsQuery := q.Clone()
	existsQuery.Sorts = nil
	existsQuery.MaxResults = 1
	existsQuery.Select(e.PrimaryKey.Hash)
	docs, err := x.coordinator.Store().Find(ctx, e, existsQuery)
	if err != nil {
		return false, err
	}
	return len(docs) > 0, nil
}

// UpdateWhere applies cs to every record matching q. Versioned records are
// updated conditionally on the version they were read with. Every record is
// attempted; failures are reported per key in a partial batch failure.
func (x *Executor) UpdateWhere(ctx context.Context, e *schema.Entity, q *query.Model, cs changes.ChangeSet) (*BatchResult, error) {
	if err := x.authorize(ctx, e, nil, query.OperationWrite, q); err != nil {
		return nil, err
	}
	docs, err := x.coordinator.Store().Find(ctx, e, q)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{Matched: len(docs)}
	failures := make(map[string]error)
	for i, doc := range docs {
		key, err := ports.KeyOf(e, doc)
		if err != nil {
			id := fmt.Sprintf("#%d", i)
			failures[id] = err
			result.FailedIDs = append(result.FailedIDs, id)
			continue
		}
		var expect *ports.Expectation
		if e.Versioned {
			if v, ok := changes.ToInt64(doc[e.VersionField]); ok {
				expect = &ports.Expectation{Field: e.VersionField, Version: v}
			}
		}
		if err := x.coordinator.UpdateKey(ctx, e, key, cs, expect); err != nil {
			failures[key.String()] = err
			result.FailedIDs = append(result.FailedIDs, key.String())
			continue
		}
		result.Succeeded++
	}

	x.logger.Info("Update where completed",
		zap.String("collection", e.Collection),
		zap.Int("matched", result.Matched),
		zap.Int("updated", result.Succeeded),
		zap.Int("failed", len(failures)),
	)
	return result, errors.NewBatchError("update_where", len(docs), failures)
}

// Delete removes the record with the given key, or queues the delete when a
// session is open on ctx
func (x *Executor) Delete(ctx context.Context, e *schema.Entity, key ports.Key) error {
	if s, ok := session.FromContext(ctx); ok {
		return s.Delete(ctx, e, key)
	}
	if err := x.authorize(ctx, e, &key, query.OperationWrite, nil); err != nil {
		return err
	}
	return x.coordinator.DeleteKey(ctx, e, key, nil)
}

// DeleteAll removes every given key. A failing key does not stop the others;
// failures are reported per key in a partial batch failure.
func (x *Executor) DeleteAll(ctx context.Context, e *schema.Entity, keys []ports.Key) (*BatchResult, error) {
	result := &BatchResult{Matched: len(keys)}
	failures := make(map[string]error)
	for _, key := range keys {
		if err := x.Delete(ctx, e, key); err != nil {
			failures[key.String()] = err
			result.FailedIDs = append(result.FailedIDs, key.String())
			continue
		}
		result.Succeeded++
	}

	x.logger.Info("Batch delete completed",
		zap.String("collection", e.Collection),
		zap.Int("requested", len(keys)),
		zap.Int("deleted", result.Succeeded),
		zap.Strings("failed", result.FailedIDs),
	)
	return result, errors.NewBatchError("batch_delete", len(keys), failures)
}
