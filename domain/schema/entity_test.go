package schema

import (
	"testing"

	"polystore/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventSchema() Entity {
	return Entity{
		Collection: "events",
		Fields: []Field{
			{Name: "id"},
			{Name: "ts"},
			{Name: "tenant"},
			{Name: "email"},
			{Name: "meta", Kind: KindObject, Fields: []Field{{Name: "source"}}},
			{Name: "labels", Kind: KindMap},
		},
		PrimaryKey: KeySchema{Hash: "id", Range: "ts"},
		Indexes: []Index{
			{Name: "by_tenant", KeySchema: KeySchema{Hash: "tenant", Range: "ts"}},
		},
		UniqueKeys: [][]string{{"email"}},
		Versioned:  true,
	}
}

func TestEntity_ValidateAppliesDefaults(t *testing.T) {
	e := eventSchema()
	e.AccessControlled = true

	require.NoError(t, e.Validate())
	assert.Equal(t, DefaultVersionField, e.VersionField)
	assert.Equal(t, DefaultAccessField, e.AccessField)
	assert.Equal(t, []string{"id", "ts", "tenant", "email", "meta", "labels", "version", "_acl"}, e.ColumnNames())
}

func TestEntity_ValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(e *Entity)
	}{
		{"missing collection", func(e *Entity) { e.Collection = "" }},
		{"no fields", func(e *Entity) { e.Fields = nil }},
		{"missing hash key", func(e *Entity) { e.PrimaryKey.Hash = "" }},
		{"undeclared hash key", func(e *Entity) { e.PrimaryKey.Hash = "nope" }},
		{"undeclared index range", func(e *Entity) { e.Indexes[0].Range = "nope" }},
		{"duplicate index", func(e *Entity) { e.Indexes = append(e.Indexes, e.Indexes[0]) }},
		{"empty unique key", func(e *Entity) { e.UniqueKeys = [][]string{{}} }},
		{"bad kind", func(e *Entity) { e.Fields[0].Kind = "tuple" }},
		{"incomplete association", func(e *Entity) {
			e.Associations = map[string]Association{"tags": {Table: "tags"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := eventSchema()
			tt.mutate(&e)

			err := e.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err))
		})
	}
}

func TestEntity_KeyLookups(t *testing.T) {
	e := eventSchema()
	require.NoError(t, e.Validate())

	assert.True(t, e.IsHashKey("id"))
	assert.True(t, e.IsHashKey("tenant"))
	assert.False(t, e.IsHashKey("ts"))

	kp, ok := e.RangeKeyFor("tenant", "ts")
	require.True(t, ok)
	assert.Equal(t, "by_tenant", kp.Name)

	kp, ok = e.RangeKeyFor("id", "ts")
	require.True(t, ok)
	assert.Equal(t, "", kp.Name)

	_, ok = e.RangeKeyFor("tenant", "email")
	assert.False(t, ok)

	assert.Equal(t, [][]string{{"id", "ts"}, {"email"}}, e.LookupKeys())
}

func TestEntity_FieldResolvesPaths(t *testing.T) {
	e := eventSchema()
	require.NoError(t, e.Validate())

	f, ok := e.Field("meta.source")
	require.True(t, ok)
	assert.Equal(t, "source", f.Name)

	f, ok = e.Field("labels.anything")
	require.True(t, ok)
	assert.Equal(t, KindMap, f.Kind)

	_, ok = e.Field("meta.missing")
	assert.False(t, ok)

	_, ok = e.Field("version")
	assert.True(t, ok)
	assert.Equal(t, KindObject, e.KindOf("meta"))
	assert.Equal(t, KindScalar, e.KindOf("id"))
}

func TestEntity_NormalizedKey(t *testing.T) {
	e := eventSchema()
	require.NoError(t, e.Validate())

	k1, ok := e.NormalizedKey([]string{"ts", "id"}, map[string]any{"id": "a", "ts": 5})
	require.True(t, ok)
	k2, ok := e.NormalizedKey([]string{"id", "ts"}, map[string]any{"id": "a", "ts": float64(5)})
	require.True(t, ok)
	assert.Equal(t, k1, k2)

	_, ok = e.NormalizedKey([]string{"id", "ts"}, map[string]any{"id": "a"})
	assert.False(t, ok)
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(eventSchema())
	require.NoError(t, err)

	e, err := r.Lookup("events")
	require.NoError(t, err)
	assert.Equal(t, "version", e.VersionField)

	_, err = r.Lookup("missing")
	assert.True(t, errors.IsNotFound(err))
	assert.Equal(t, []string{"events"}, r.Collections())

	bad := eventSchema()
	bad.PrimaryKey.Hash = "nope"
	_, err = NewRegistry(bad)
	assert.Error(t, err)
}
