package changes

import (
	"testing"

	"polystore/domain/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func orderSchema(t *testing.T) *schema.Entity {
	t.Helper()
	s := &schema.Entity{
		Collection: "orders",
		Fields: []schema.Field{
			{Name: "id"},
			{Name: "name"},
			{Name: "count"},
			{Name: "address", Kind: schema.KindObject, Fields: []schema.Field{{Name: "city"}, {Name: "zip"}}},
			{Name: "tags", Kind: schema.KindList},
			{Name: "items", Kind: schema.KindList, Elem: &schema.Field{
				Name: "item", Kind: schema.KindObject, Fields: []schema.Field{{Name: "sku"}, {Name: "qty"}},
			}},
			{Name: "labels", Kind: schema.KindSet},
			{Name: "attrs", Kind: schema.KindMap},
		},
		PrimaryKey: schema.KeySchema{Hash: "id"},
		Versioned:  true,
	}
	require.NoError(t, s.Validate())
	return s
}

func orderDoc() map[string]any {
	return map[string]any{
		"id":      "o-1",
		"name":    "first",
		"count":   10,
		"address": map[string]any{"city": "Oslo", "zip": "0150"},
		"tags":    []any{"a", "b", "c"},
		"items": []any{
			map[string]any{"sku": "s1", "qty": 1},
			map[string]any{"sku": "s2", "qty": 2},
		},
		"labels":  []any{"red", "blue"},
		"attrs":   map[string]any{"size": "L", "fit": "slim"},
		"version": int64(3),
	}
}

func TestEntity_RepeatedReadsReturnSameWrapper(t *testing.T) {
	e := Track(orderSchema(t), orderDoc())

	assert.Same(t, e.List("tags"), e.List("tags"))
	assert.Same(t, e.Object("address"), e.Object("address"))
	assert.Same(t, e.Map("attrs"), e.Map("attrs"))
	assert.Same(t, e.SetField("labels"), e.SetField("labels"))

	first, err := e.List("items").Get(0)
	require.NoError(t, err)
	second, err := e.List("items").Get(0)
	require.NoError(t, err)
	assert.Same(t, first.(*Entity), second.(*Entity))

	// Reads never dirty anything
	assert.False(t, e.IsDirty())
	assert.Empty(t, e.Records())
}

func TestEntity_MutationThroughReturnedReferenceIsObserved(t *testing.T) {
	e := Track(orderSchema(t), orderDoc())

	addr := e.Object("address")
	addr.Set("city", "Bergen")

	assert.True(t, e.IsDirty())
	assert.Equal(t, []Record{{Path: "address.city", Kind: KindSet, Value: "Bergen"}}, e.Records())
	assert.Equal(t, "Bergen", e.Raw()["address"].(map[string]any)["city"])
}

func TestList_IndexSetAppendThenRewrite(t *testing.T) {
	e := Track(orderSchema(t), orderDoc())
	tags := e.List("tags")
	require.Equal(t, 3, tags.Boundary())

	require.NoError(t, tags.Set(1, "x"))
	tags.Add("y")

	assert.Equal(t, []Record{
		{Path: "tags", Kind: KindIndexSet, Index: 1, Value: "x"},
		{Path: "tags", Kind: KindAppendBatch, Index: 3, Value: []any{"y"}},
	}, e.Records())

	require.NoError(t, tags.RemoveAt(0))
	assert.True(t, tags.Rewrite())
	assert.Equal(t, []Record{
		{Path: "tags", Kind: KindClear, Value: []any{"x", "c", "y"}},
	}, e.Records())
}

func TestList_SetAboveBoundaryStaysInAppendBatch(t *testing.T) {
	e := Track(orderSchema(t), orderDoc())
	tags := e.List("tags")

	tags.Add("d", "e")
	require.NoError(t, tags.Set(4, "E"))

	assert.Equal(t, []Record{
		{Path: "tags", Kind: KindAppendBatch, Index: 3, Value: []any{"d", "E"}},
	}, e.Records())
}

func TestList_InsertAndClearForceRewrite(t *testing.T) {
	e := Track(orderSchema(t), orderDoc())
	tags := e.List("tags")

	require.NoError(t, tags.Insert(0, "z"))
	assert.True(t, tags.Rewrite())

	tags.Clear()
	tags.Add("only")
	assert.Equal(t, []Record{{Path: "tags", Kind: KindClear, Value: []any{"only"}}}, e.Records())
}

func TestList_InsertAtEndIsAppend(t *testing.T) {
	l := newList(nil, []any{1, 2})
	require.NoError(t, l.Insert(2, 3))
	assert.False(t, l.Rewrite())
	assert.True(t, l.IsDirty())
}

func TestList_OutOfRange(t *testing.T) {
	l := newList(nil, []any{1})
	assert.Error(t, l.Set(1, 2))
	assert.Error(t, l.RemoveAt(-1))
	_, err := l.Get(5)
	assert.Error(t, err)
}

func TestList_NestedElementChangeBecomesIndexSet(t *testing.T) {
	e := Track(orderSchema(t), orderDoc())

	el, err := e.List("items").Get(1)
	require.NoError(t, err)
	require.NoError(t, el.(*Entity).Increment("qty", 3))

	assert.Equal(t, []Record{
		{Path: "items", Kind: KindIndexSet, Index: 1, Value: map[string]any{"sku": "s2", "qty": 5}},
	}, e.Records())
}

func TestMap_PutDeleteClear(t *testing.T) {
	e := Track(orderSchema(t), orderDoc())
	attrs := e.Map("attrs")

	attrs.Put("color", "green")
	attrs.Delete("size")
	attrs.Delete("missing")

	assert.Equal(t, []Record{
		{Path: "attrs.size", Kind: KindMapRemove, Key: "size"},
		{Path: "attrs.color", Kind: KindMapPut, Key: "color", Value: "green"},
	}, e.Records())

	attrs.Clear()
	assert.Equal(t, 0, attrs.Len())
	assert.Equal(t, []Record{
		{Path: "attrs.color", Kind: KindMapRemove, Key: "color"},
		{Path: "attrs.fit", Kind: KindMapRemove, Key: "fit"},
		{Path: "attrs.size", Kind: KindMapRemove, Key: "size"},
	}, e.Records())

	// Putting a removed key takes it back out of the removed set
	attrs.Put("fit", "loose")
	records := e.Records()
	assert.Contains(t, records, Record{Path: "attrs.fit", Kind: KindMapPut, Key: "fit", Value: "loose"})
	assert.NotContains(t, records, Record{Path: "attrs.fit", Kind: KindMapRemove, Key: "fit"})
}

func TestSet_MembershipAndEquality(t *testing.T) {
	e := Track(orderSchema(t), orderDoc())
	labels := e.SetField("labels")

	assert.True(t, labels.Contains("red"))
	assert.False(t, labels.Add("red"))
	assert.False(t, labels.IsDirty())

	assert.True(t, labels.Add("green"))
	assert.True(t, labels.EqualValues([]any{"green", "blue", "red"}))
	assert.True(t, labels.Equal(NewSet("blue", "red", "green")))
	assert.False(t, labels.Equal(NewSet("blue", "red")))

	assert.Equal(t, []Record{
		{Path: "labels", Kind: KindAppendBatch, Index: 2, Value: []any{"green"}},
	}, e.Records())

	assert.True(t, labels.Remove("red"))
	assert.False(t, labels.Remove("red"))
	assert.Equal(t, KindClear, e.Records()[0].Kind)
}

func TestSet_NumericMembersCompareByValue(t *testing.T) {
	s := NewSet(1, 2)
	assert.True(t, s.Contains(float64(1)))
	assert.True(t, s.EqualValues([]any{int64(2), float64(1)}))
}

func TestEntity_IncrementsCompileAsDeltas(t *testing.T) {
	s := orderSchema(t)
	a := Track(s, orderDoc())
	b := Track(s, orderDoc())

	require.NoError(t, a.Increment("count", 5))
	require.NoError(t, b.Increment("count", -2))

	assert.Equal(t, []Record{{Path: "count", Kind: KindIncrement, Delta: 5}}, a.Records())
	assert.Equal(t, []Record{{Path: "count", Kind: KindIncrement, Delta: -2}}, b.Records())
	assert.Equal(t, 15, a.Get("count"))
	assert.Equal(t, 8, b.Get("count"))
}

func TestEntity_IncrementAfterSetStaysSet(t *testing.T) {
	e := Track(orderSchema(t), orderDoc())
	e.Set("count", 1)
	require.NoError(t, e.Increment("count", 2))

	assert.Equal(t, []Record{{Path: "count", Kind: KindSet, Value: 3}}, e.Records())
}

func TestEntity_IncrementRejectsNonNumeric(t *testing.T) {
	e := Track(orderSchema(t), orderDoc())
	assert.Error(t, e.Increment("name", 1))
}

func TestEntity_MarkPersistedResetsRecursively(t *testing.T) {
	e := Track(orderSchema(t), orderDoc())
	e.List("tags").Add("d")
	e.Map("attrs").Put("k", "v")
	e.Object("address").Remove("zip")
	e.Set("name", "second")

	require.True(t, e.IsDirty())
	e.MarkPersisted()

	assert.False(t, e.IsDirty())
	assert.Empty(t, e.Records())
	assert.Equal(t, 4, e.List("tags").Boundary())
	assert.Equal(t, "second", e.Get("name"))
	assert.Equal(t, "v", e.Map("attrs").Values()["k"])
}

func TestEntity_NewIsDirtyUntilPersisted(t *testing.T) {
	e := New(orderSchema(t), map[string]any{"id": "o-2"})
	assert.True(t, e.IsNew())
	assert.True(t, e.IsDirty())

	e.MarkPersisted()
	assert.False(t, e.IsNew())
	assert.False(t, e.IsDirty())
}

func TestEntity_VersionIsNotRecorded(t *testing.T) {
	e := Track(orderSchema(t), orderDoc())

	v, ok := e.Version()
	require.True(t, ok)
	assert.Equal(t, int64(3), v)

	e.SetVersion(4)
	assert.False(t, e.IsDirty())
	assert.Equal(t, int64(4), e.Raw()["version"])
}

func TestApply_RoundTripEveryMutationKind(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, e *Entity)
	}{
		{"set", func(t *testing.T, e *Entity) { e.Set("name", "renamed") }},
		{"remove", func(t *testing.T, e *Entity) { e.Remove("name") }},
		{"nested remove", func(t *testing.T, e *Entity) { e.Object("address").Remove("zip") }},
		{"append", func(t *testing.T, e *Entity) { e.List("tags").Add("d", "e") }},
		{"index set", func(t *testing.T, e *Entity) { require.NoError(t, e.List("tags").Set(2, "C")) }},
		{"index set and append", func(t *testing.T, e *Entity) {
			require.NoError(t, e.List("tags").Set(0, "A"))
			e.List("tags").Add("d")
		}},
		{"increment", func(t *testing.T, e *Entity) { require.NoError(t, e.Increment("count", -4)) }},
		{"map put", func(t *testing.T, e *Entity) { e.Map("attrs").Put("color", "green") }},
		{"map remove", func(t *testing.T, e *Entity) { e.Map("attrs").Delete("fit") }},
		{"list clear", func(t *testing.T, e *Entity) {
			e.List("tags").Clear()
			e.List("tags").Add("fresh")
		}},
		{"map clear", func(t *testing.T, e *Entity) {
			e.Map("attrs").Clear()
			e.Map("attrs").Put("only", "one")
		}},
		{"set add and remove", func(t *testing.T, e *Entity) {
			e.SetField("labels").Add("green")
			e.SetField("labels").Remove("red")
		}},
		{"replaced list then add", func(t *testing.T, e *Entity) {
			e.Set("tags", []any{"a"})
			e.List("tags").Add("b")
		}},
		{"replaced map then clear", func(t *testing.T, e *Entity) {
			e.Set("attrs", map[string]any{"k": "v"})
			e.Map("attrs").Clear()
			e.Map("attrs").Put("n", "w")
		}},
		{"replaced set then add", func(t *testing.T, e *Entity) {
			e.Set("labels", []any{"red"})
			e.SetField("labels").Add("green")
		}},
		{"nested list element", func(t *testing.T, e *Entity) {
			el, err := e.List("items").Get(0)
			require.NoError(t, err)
			el.(*Entity).Set("sku", "s9")
		}},
		{"everything", func(t *testing.T, e *Entity) {
			e.Set("name", "all")
			require.NoError(t, e.Increment("count", 5))
			e.Object("address").Set("city", "Trondheim")
			require.NoError(t, e.List("tags").Set(1, "B"))
			e.List("tags").Add("z")
			e.Map("attrs").Put("a", 1)
			e.Map("attrs").Delete("size")
			e.SetField("labels").Add("black")
		}},
	}

	s := orderSchema(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored := orderDoc()
			e := Track(s, DeepCopyMap(stored))

			tt.mutate(t, e)

			require.NoError(t, Apply(stored, e.Records()))
			assert.Equal(t, e.Raw(), stored)
		})
	}
}

func TestChangeSet_Standalone(t *testing.T) {
	cs := NewChangeSet().
		Set("status", "closed").
		Increment("count", 2).
		Append("tags", "x").
		MapPut("attrs", "k", "v").
		MapRemove("attrs", "size").
		Remove("name")

	assert.Nil(t, cs.Current)
	assert.False(t, cs.Empty())

	doc := orderDoc()
	require.NoError(t, Apply(doc, cs.Records))
	assert.Equal(t, "closed", doc["status"])
	assert.Equal(t, 12, doc["count"])
	assert.Equal(t, []any{"a", "b", "c", "x"}, doc["tags"])
	assert.Equal(t, map[string]any{"fit": "slim", "k": "v"}, doc["attrs"])
	assert.NotContains(t, doc, "name")
}
