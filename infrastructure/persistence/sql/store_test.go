package sqlstore

import (
	"context"
	"database/sql"
	"testing"

	"polystore/application/ports"
	"polystore/domain/changes"
	"polystore/domain/query"
	"polystore/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newSQLiteStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// every connection would get its own in-memory database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	for _, ddl := range []string{
		`CREATE TABLE accounts (id TEXT PRIMARY KEY, name TEXT, balance INTEGER, tags TEXT, prefs TEXT, version INTEGER)`,
		`CREATE TABLE orders (id TEXT PRIMARY KEY, account_id TEXT, total INTEGER, shipped TEXT)`,
	} {
		_, err := db.Exec(ddl)
		require.NoError(t, err)
	}
	return NewStore(db, SQLite, "", zap.NewNop()), db
}

func TestStore_RoundTripEveryMutationKind(t *testing.T) {
	// Arrange
	ctx := context.Background()
	store, _ := newSQLiteStore(t)
	e := accountEntity(t)
	key := ports.Key{Hash: "a1"}
	require.NoError(t, store.Insert(ctx, e, key, map[string]any{
		"id":      "a1",
		"name":    "ada",
		"balance": int64(10),
		"tags":    []any{"a", "b", "c"},
		"prefs":   map[string]any{"theme": "dark", "lang": "en"},
	}, true))

	stored, err := store.Get(ctx, e, key)
	require.NoError(t, err)
	tracked := changes.Track(e, stored)

	// Act
	require.NoError(t, tracked.Increment("balance", -3))
	tracked.Remove("name")
	tags := tracked.List("tags")
	require.NoError(t, tags.Set(0, "z"))
	tags.Add("d")
	prefs := tracked.Map("prefs")
	prefs.Put("tz", "utc")
	prefs.Delete("lang")
	require.NoError(t, store.Update(ctx, e, key, tracked.Changes(), nil))

	// Assert
	reread, err := store.Get(ctx, e, key)
	require.NoError(t, err)
	assert.Equal(t, tracked.Raw(), reread)
	assert.Equal(t, int64(7), reread["balance"])
}

func TestStore_InsertIfAbsentCollides(t *testing.T) {
	ctx := context.Background()
	store, _ := newSQLiteStore(t)
	e := accountEntity(t)
	key := ports.Key{Hash: "a1"}

	require.NoError(t, store.Insert(ctx, e, key, map[string]any{"id": "a1", "version": int64(0)}, true))
	err := store.Insert(ctx, e, key, map[string]any{"id": "a1", "version": int64(0)}, true)
	assert.ErrorIs(t, err, ports.ErrConditionFailed)

	// a plain insert replaces
	require.NoError(t, store.Insert(ctx, e, key, map[string]any{"id": "a1", "name": "bob", "version": int64(3)}, false))
	doc, err := store.Get(ctx, e, key)
	require.NoError(t, err)
	assert.Equal(t, "bob", doc["name"])
	assert.Equal(t, int64(3), doc["version"])
}

func TestStore_VersionedUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	store, _ := newSQLiteStore(t)
	e := accountEntity(t)
	key := ports.Key{Hash: "a1"}
	require.NoError(t, store.Insert(ctx, e, key, map[string]any{"id": "a1", "version": int64(0)}, true))

	cs := *changes.NewChangeSet().Set("name", "ada")
	require.NoError(t, store.Update(ctx, e, key, cs, &ports.Expectation{Field: "version", Version: 0}))

	err := store.Update(ctx, e, key, cs, &ports.Expectation{Field: "version", Version: 0})
	assert.ErrorIs(t, err, ports.ErrConditionFailed)

	err = store.Delete(ctx, e, key, &ports.Expectation{Field: "version", Version: 0})
	assert.ErrorIs(t, err, ports.ErrConditionFailed)
	require.NoError(t, store.Delete(ctx, e, key, &ports.Expectation{Field: "version", Version: 1}))

	_, err = store.Get(ctx, e, key)
	assert.True(t, errors.IsNotFound(err))
}

func TestStore_FindAndCountWithAssociation(t *testing.T) {
	// Arrange
	ctx := context.Background()
	store, db := newSQLiteStore(t)
	e := accountEntity(t)
	for i, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, store.Insert(ctx, e, ports.Key{Hash: id}, map[string]any{
			"id": id, "name": "acct-" + id, "balance": int64(i * 10),
		}, true))
	}
	_, err := db.Exec(`INSERT INTO orders (id, account_id, total, shipped) VALUES ('o1', 'a1', 500, 'yes'), ('o2', 'a3', 50, NULL)`)
	require.NoError(t, err)

	q := query.New(query.BeginsWith("name", "acct-")).
		WhereAssociation("orders", query.Gt("total", 10)).
		OrderBy("balance", query.Descending)

	// Act
	docs, err := store.Find(ctx, e, q)
	require.NoError(t, err)
	n, err := store.Count(ctx, e, q)
	require.NoError(t, err)

	// Assert
	require.Len(t, docs, 2)
	assert.Equal(t, "a3", docs[0]["id"])
	assert.Equal(t, "a1", docs[1]["id"])
	assert.Equal(t, int64(2), n)

	shipped, err := store.Find(ctx, e, query.New().WhereAssociation("orders", query.IsNotNull("shipped")))
	require.NoError(t, err)
	require.Len(t, shipped, 1)
	assert.Equal(t, "a1", shipped[0]["id"])
}

func TestStore_BetweenIsInclusive(t *testing.T) {
	ctx := context.Background()
	store, _ := newSQLiteStore(t)
	e := accountEntity(t)
	for i, id := range []string{"a0", "a1", "a2", "a3"} {
		require.NoError(t, store.Insert(ctx, e, ports.Key{Hash: id}, map[string]any{"id": id, "balance": int64(i)}, true))
	}

	docs, err := store.Find(ctx, e, query.New(query.Between("balance", 1, 2)).OrderBy("balance", query.Ascending))

	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, int64(1), docs[0]["balance"])
	assert.Equal(t, int64(2), docs[1]["balance"])
}
