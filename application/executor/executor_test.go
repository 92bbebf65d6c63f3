package executor

import (
	"context"
	stderrors "errors"
	"testing"

	"polystore/application/locking"
	"polystore/application/ports"
	"polystore/application/session"
	"polystore/domain/changes"
	"polystore/domain/query"
	"polystore/domain/schema"
	"polystore/infrastructure/persistence/memory"
	"polystore/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func itemEntity(t *testing.T) *schema.Entity {
	t.Helper()
	e := &schema.Entity{
		Collection: "items",
		Fields: []schema.Field{
			{Name: "id"},
			{Name: "kind"},
			{Name: "stock"},
		},
		PrimaryKey: schema.KeySchema{Hash: "id"},
		Versioned:  true,
	}
	require.NoError(t, e.Validate())
	return e
}

// faultyStore fails writes of selected keys and can return extra records
// from Find
type faultyStore struct {
	*memory.Store
	fail  map[string]bool
	extra []map[string]any
}

func (s *faultyStore) Find(ctx context.Context, e *schema.Entity, q *query.Model) ([]map[string]any, error) {
	docs, err := s.Store.Find(ctx, e, q)
	if err != nil {
		return nil, err
	}
	return append(s.extra, docs...), nil
}

func (s *faultyStore) Update(ctx context.Context, e *schema.Entity, key ports.Key, cs changes.ChangeSet, expect *ports.Expectation) error {
	if s.fail[key.String()] {
		return errors.NewStorageError("update", stderrors.New("throttled"))
	}
	return s.Store.Update(ctx, e, key, cs, expect)
}

func (s *faultyStore) Delete(ctx context.Context, e *schema.Entity, key ports.Key, expect *ports.Expectation) error {
	if s.fail[key.String()] {
		return errors.NewStorageError("delete", stderrors.New("throttled"))
	}
	return s.Store.Delete(ctx, e, key, expect)
}

func newExecutor(t *testing.T) (*Executor, *faultyStore, *schema.Entity) {
	t.Helper()
	e := itemEntity(t)
	store := &faultyStore{Store: memory.NewStore(nil), fail: map[string]bool{}}
	for _, doc := range []map[string]any{
		{"id": "i1", "kind": "bolt", "stock": int64(5), "version": int64(0)},
		{"id": "i2", "kind": "bolt", "stock": int64(7), "version": int64(0)},
		{"id": "i3", "kind": "nut", "stock": int64(1), "version": int64(0)},
	} {
		require.NoError(t, store.Insert(context.Background(), e, ports.Key{Hash: doc["id"]}, doc, true))
	}
	coordinator := locking.NewCoordinator(store, nil, zap.NewNop())
	return NewExecutor(coordinator, nil, zap.NewNop()), store, e
}

func TestFindOne(t *testing.T) {
	ctx := context.Background()
	x, _, e := newExecutor(t)

	ent, err := x.FindOne(ctx, e, query.New(query.Eq("kind", "nut")))
	require.NoError(t, err)
	assert.Equal(t, "i3", ent.Get("id"))
	assert.False(t, ent.IsDirty())

	_, err = x.FindOne(ctx, e, query.New(query.Eq("kind", "washer")))
	assert.True(t, errors.IsNotFound(err))

	_, err = x.FindOne(ctx, e, query.New(query.Eq("kind", "bolt")))
	assert.True(t, errors.IsTooManyResults(err))
}

func TestCountAndExists(t *testing.T) {
	ctx := context.Background()
	x, _, e := newExecutor(t)

	n, err := x.Count(ctx, e, query.New(query.Eq("kind", "bolt")))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ok, err := x.Exists(ctx, e, query.New(query.Gt("stock", 6)))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = x.Exists(ctx, e, query.New(query.Gt("stock", 100)))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateWhere_AttemptsEveryMatch(t *testing.T) {
	// Arrange
	ctx := context.Background()
	x, store, e := newExecutor(t)
	store.fail["i1"] = true

	// Act
	result, err := x.UpdateWhere(ctx, e, query.New(query.Eq("kind", "bolt")), *changes.NewChangeSet().Increment("stock", -2))

	// Assert
	require.Error(t, err)
	assert.True(t, errors.IsPartialBatch(err))
	batch := errors.GetBatchError(err)
	assert.Equal(t, []string{"i1"}, batch.FailedIDs())
	assert.Equal(t, &BatchResult{Matched: 2, Succeeded: 1, FailedIDs: []string{"i1"}}, result)

	doc, err := store.Get(ctx, e, ports.Key{Hash: "i2"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), doc["stock"])
	assert.Equal(t, int64(1), doc["version"])
}

func TestUpdateWhere_KeylessRecordDoesNotStopTheBatch(t *testing.T) {
	ctx := context.Background()
	x, store, e := newExecutor(t)
	store.extra = []map[string]any{{"kind": "bolt", "stock": int64(9)}}

	result, err := x.UpdateWhere(ctx, e, query.New(query.Eq("kind", "bolt")), *changes.NewChangeSet().Increment("stock", 1))

	require.Error(t, err)
	assert.True(t, errors.IsPartialBatch(err))
	assert.Equal(t, 3, result.Matched)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, []string{"#0"}, result.FailedIDs)

	doc, err := store.Get(ctx, e, ports.Key{Hash: "i1"})
	require.NoError(t, err)
	assert.Equal(t, int64(6), doc["stock"])
}

func TestDeleteAll_ReportsFailurePerKey(t *testing.T) {
	ctx := context.Background()
	x, store, e := newExecutor(t)
	store.fail["i2"] = true

	result, err := x.DeleteAll(ctx, e, []ports.Key{{Hash: "i1"}, {Hash: "i2"}, {Hash: "i3"}})

	require.Error(t, err)
	batch := errors.GetBatchError(err)
	require.NotNil(t, batch)
	assert.Equal(t, 3, batch.Attempted)
	assert.Equal(t, []string{"i2"}, batch.FailedIDs())
	assert.True(t, errors.IsStorage(batch.Failures["i2"]))
	assert.Equal(t, 2, result.Succeeded)

	n, err := x.Count(ctx, e, query.New())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestExecute_Dispatch(t *testing.T) {
	ctx := context.Background()
	x, _, e := newExecutor(t)

	tests := []struct {
		name  string
		d     Descriptor
		check func(t *testing.T, res *Result)
	}{
		{
			name: "find all",
			d:    Descriptor{Kind: KindFindAll, Entity: e, Query: query.New(query.Eq("kind", "bolt"))},
			check: func(t *testing.T, res *Result) {
				assert.Len(t, res.Entities, 2)
			},
		},
		{
			name: "count",
			d:    Descriptor{Kind: KindCount, Entity: e, Query: query.New()},
			check: func(t *testing.T, res *Result) {
				assert.Equal(t, int64(3), res.Count)
			},
		},
		{
			name: "exists",
			d:    Descriptor{Kind: KindExists, Entity: e, Query: query.New(query.Eq("id", "i3"))},
			check: func(t *testing.T, res *Result) {
				assert.True(t, res.Exists)
			},
		},
		{
			name: "delete",
			d:    Descriptor{Kind: KindDelete, Entity: e, Keys: []ports.Key{{Hash: "i3"}}},
			check: func(t *testing.T, res *Result) {
				assert.Nil(t, res.Entity)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := x.Execute(ctx, tt.d)
			require.NoError(t, err)
			tt.check(t, res)
		})
	}
}

func TestDescriptor_Validate(t *testing.T) {
	e := itemEntity(t)
	tests := []struct {
		name string
		d    Descriptor
	}{
		{"no entity", Descriptor{Kind: KindCount, Query: query.New()}},
		{"no query", Descriptor{Kind: KindFindOne, Entity: e}},
		{"update without changes", Descriptor{Kind: KindUpdateWhere, Entity: e, Query: query.New()}},
		{"delete with two keys", Descriptor{Kind: KindDelete, Entity: e, Keys: []ports.Key{{Hash: "a"}, {Hash: "b"}}}},
		{"batch delete without keys", Descriptor{Kind: KindBatchDelete, Entity: e}},
		{"unknown kind", Descriptor{Kind: "merge", Entity: e}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errors.IsValidation(tt.d.Validate()))
		})
	}
}

func TestInsideSession_ReadsAndDeletesGoThroughTheSession(t *testing.T) {
	ctx := context.Background()
	x, store, e := newExecutor(t)
	manager := session.NewManager(locking.NewCoordinator(store, nil, nil), nil, nil, nil, 0)
	ctx, s, err := manager.Begin(ctx, "test")
	require.NoError(t, err)
	defer s.End()

	ent, err := x.FindOne(ctx, e, query.New(query.Eq("id", "i1")))
	require.NoError(t, err)
	assert.Equal(t, []string{"i1"}, s.PendingSaves("items"))

	require.NoError(t, x.Delete(ctx, e, ports.Key{Hash: "i2"}))
	assert.Equal(t, []string{"i2"}, s.PendingDeletes("items"))
	_, err = store.Get(ctx, e, ports.Key{Hash: "i2"})
	require.NoError(t, err, "delete is deferred to flush")

	require.NoError(t, ent.Increment("stock", 1))
	require.NoError(t, s.Flush(ctx).Err())
	doc, err := store.Get(ctx, e, ports.Key{Hash: "i1"})
	require.NoError(t, err)
	assert.Equal(t, int64(6), doc["stock"])
	_, err = store.Get(ctx, e, ports.Key{Hash: "i2"})
	assert.True(t, errors.IsNotFound(err))
}

func TestAccessDenied(t *testing.T) {
	ctx := context.Background()
	_, store, e := newExecutor(t)
	deny := ports.AccessFunc(func(context.Context, ports.Access) (bool, error) { return false, nil })
	x := NewExecutor(locking.NewCoordinator(store, nil, nil), deny, nil)

	_, err := x.Count(ctx, e, query.New())
	assert.True(t, errors.IsAccessDenied(err))
	assert.True(t, errors.IsAccessDenied(x.Delete(ctx, e, ports.Key{Hash: "i1"})))
}
