package locking

import (
	"context"
	"fmt"
	"testing"

	"polystore/application/ports"
	"polystore/domain/changes"
	"polystore/domain/schema"
	"polystore/infrastructure/persistence/memory"
	"polystore/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func accountEntity(t *testing.T, versioned bool) *schema.Entity {
	t.Helper()
	e := &schema.Entity{
		Collection: "accounts",
		Fields: []schema.Field{
			{Name: "id"},
			{Name: "name"},
			{Name: "balance"},
		},
		PrimaryKey: schema.KeySchema{Hash: "id"},
		Versioned:  versioned,
	}
	require.NoError(t, e.Validate())
	return e
}

// scriptedStore overrides single operations of an in-memory store
type scriptedStore struct {
	*memory.Store
	updateErr error
	updates   int
	inserts   int
}

func (s *scriptedStore) Insert(ctx context.Context, e *schema.Entity, key ports.Key, doc map[string]any, ifAbsent bool) error {
	s.inserts++
	return s.Store.Insert(ctx, e, key, doc, ifAbsent)
}

func (s *scriptedStore) Update(ctx context.Context, e *schema.Entity, key ports.Key, cs changes.ChangeSet, expect *ports.Expectation) error {
	s.updates++
	if s.updateErr != nil {
		return s.updateErr
	}
	return s.Store.Update(ctx, e, key, cs, expect)
}

func newCoordinator() (*Coordinator, *scriptedStore) {
	store := &scriptedStore{Store: memory.NewStore(nil)}
	return NewCoordinator(store, nil, zap.NewNop()), store
}

func TestSave_FirstSaveInsertsVersionZero(t *testing.T) {
	ctx := context.Background()
	c, store := newCoordinator()
	e := accountEntity(t, true)

	ent := changes.New(e, map[string]any{"id": "a1", "balance": int64(10)})
	require.NoError(t, c.Save(ctx, ent))

	v, ok := ent.Version()
	require.True(t, ok)
	assert.Equal(t, int64(0), v)
	assert.False(t, ent.IsDirty())

	doc, err := store.Get(ctx, e, ports.Key{Hash: "a1"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), doc["version"])
}

func TestSave_InsertCollisionIsConflict(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator()
	e := accountEntity(t, true)
	require.NoError(t, c.Save(ctx, changes.New(e, map[string]any{"id": "a1"})))

	dup := changes.New(e, map[string]any{"id": "a1", "name": "dup"})
	err := c.Save(ctx, dup)

	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
	assert.ErrorIs(t, err, ports.ErrConditionFailed)
	_, ok := dup.Version()
	assert.False(t, ok, "failed insert must not leave a version behind")
	assert.True(t, dup.IsNew())
}

func TestSave_UpdateExpectsAndBumpsVersion(t *testing.T) {
	// Arrange
	ctx := context.Background()
	c, store := newCoordinator()
	e := accountEntity(t, true)
	require.NoError(t, c.Save(ctx, changes.New(e, map[string]any{"id": "a1", "balance": int64(10)})))
	doc, err := store.Get(ctx, e, ports.Key{Hash: "a1"})
	require.NoError(t, err)
	ent := changes.Track(e, doc)

	// Act
	require.NoError(t, ent.Increment("balance", 5))
	require.NoError(t, c.Save(ctx, ent))

	// Assert
	v, _ := ent.Version()
	assert.Equal(t, int64(1), v)
	stored, err := store.Get(ctx, e, ports.Key{Hash: "a1"})
	require.NoError(t, err)
	assert.Equal(t, int64(15), stored["balance"])
	assert.Equal(t, int64(1), stored["version"])
}

func TestSave_StaleVersionIsConflict(t *testing.T) {
	ctx := context.Background()
	c, store := newCoordinator()
	e := accountEntity(t, true)
	require.NoError(t, c.Save(ctx, changes.New(e, map[string]any{"id": "a1", "balance": int64(10)})))

	docA, err := store.Get(ctx, e, ports.Key{Hash: "a1"})
	require.NoError(t, err)
	docB, err := store.Get(ctx, e, ports.Key{Hash: "a1"})
	require.NoError(t, err)
	a, b := changes.Track(e, docA), changes.Track(e, docB)

	require.NoError(t, a.Increment("balance", 5))
	require.NoError(t, c.Save(ctx, a))

	b.Set("name", "late")
	err = c.Save(ctx, b)

	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
	appErr := errors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, int64(0), appErr.Details["expected_version"])
	assert.Equal(t, int64(1), appErr.Details["actual_version"])

	v, _ := b.Version()
	assert.Equal(t, int64(0), v, "failed write keeps the version it assumed")
	assert.True(t, b.IsDirty())
}

func TestSave_UnmetConditionWithoutNewerVersionPropagates(t *testing.T) {
	ctx := context.Background()
	c, store := newCoordinator()
	e := accountEntity(t, true)
	require.NoError(t, c.Save(ctx, changes.New(e, map[string]any{"id": "a1"})))
	doc, err := store.Get(ctx, e, ports.Key{Hash: "a1"})
	require.NoError(t, err)
	ent := changes.Track(e, doc)

	backendErr := fmt.Errorf("update accounts/a1: %w", ports.ErrConditionFailed)
	store.updateErr = backendErr
	ent.Set("name", "ada")
	err = c.Save(ctx, ent)

	assert.Same(t, backendErr, err)
	assert.False(t, errors.IsConflict(err))
}

func TestSave_OtherFailuresPropagateUnchanged(t *testing.T) {
	ctx := context.Background()
	c, store := newCoordinator()
	e := accountEntity(t, true)
	require.NoError(t, c.Save(ctx, changes.New(e, map[string]any{"id": "a1"})))
	doc, err := store.Get(ctx, e, ports.Key{Hash: "a1"})
	require.NoError(t, err)
	ent := changes.Track(e, doc)

	store.updateErr = errors.NewStorageError("update", fmt.Errorf("throttled"))
	ent.Set("name", "ada")
	err = c.Save(ctx, ent)

	assert.True(t, errors.IsStorage(err))
	v, _ := ent.Version()
	assert.Equal(t, int64(0), v)
}

func TestSave_CleanEntityIsNotWritten(t *testing.T) {
	ctx := context.Background()
	c, store := newCoordinator()
	e := accountEntity(t, true)
	require.NoError(t, c.Save(ctx, changes.New(e, map[string]any{"id": "a1"})))
	doc, err := store.Get(ctx, e, ports.Key{Hash: "a1"})
	require.NoError(t, err)

	require.NoError(t, c.Save(ctx, changes.Track(e, doc)))

	assert.Equal(t, 0, store.updates)
}

func TestSave_UnversionedInsertReplaces(t *testing.T) {
	ctx := context.Background()
	c, store := newCoordinator()
	e := accountEntity(t, false)

	require.NoError(t, c.Save(ctx, changes.New(e, map[string]any{"id": "a1", "name": "ada"})))
	require.NoError(t, c.Save(ctx, changes.New(e, map[string]any{"id": "a1", "name": "bob"})))

	doc, err := store.Get(ctx, e, ports.Key{Hash: "a1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "a1", "name": "bob"}, doc)
	assert.Equal(t, 2, store.inserts)
}

func TestDelete_StaleVersionIsConflict(t *testing.T) {
	ctx := context.Background()
	c, store := newCoordinator()
	e := accountEntity(t, true)
	require.NoError(t, c.Save(ctx, changes.New(e, map[string]any{"id": "a1"})))
	doc, err := store.Get(ctx, e, ports.Key{Hash: "a1"})
	require.NoError(t, err)
	stale := changes.Track(e, doc)

	fresh := changes.Track(e, changes.DeepCopyMap(doc))
	fresh.Set("name", "ada")
	require.NoError(t, c.Save(ctx, fresh))

	assert.True(t, errors.IsConflict(c.Delete(ctx, stale)))
	require.NoError(t, c.Delete(ctx, fresh))

	_, err = store.Get(ctx, e, ports.Key{Hash: "a1"})
	assert.True(t, errors.IsNotFound(err))
}

func TestUpdateKey_ClassifiesLikeSave(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator()
	e := accountEntity(t, true)
	require.NoError(t, c.Save(ctx, changes.New(e, map[string]any{"id": "a1"})))

	cs := *changes.NewChangeSet().Increment("balance", 1)
	require.NoError(t, c.UpdateKey(ctx, e, ports.Key{Hash: "a1"}, cs, &ports.Expectation{Field: "version", Version: 0}))

	err := c.UpdateKey(ctx, e, ports.Key{Hash: "a1"}, cs, &ports.Expectation{Field: "version", Version: 0})
	assert.True(t, errors.IsConflict(err))

	err = c.UpdateKey(ctx, e, ports.Key{Hash: "missing"}, cs, &ports.Expectation{Field: "version", Version: 0})
	assert.ErrorIs(t, err, ports.ErrConditionFailed)
	assert.False(t, errors.IsConflict(err))
}
