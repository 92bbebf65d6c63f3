package dynamodb

import (
	"testing"

	"polystore/application/ports"
	"polystore/domain/changes"
	"polystore/domain/query"
	"polystore/domain/schema"
	"polystore/pkg/errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventEntity(t *testing.T) *schema.Entity {
	t.Helper()
	e := &schema.Entity{
		Collection: "events",
		Fields: []schema.Field{
			{Name: "id"},
			{Name: "ts"},
			{Name: "tenant"},
			{Name: "kind"},
			{Name: "count"},
			{Name: "tags", Kind: schema.KindList},
			{Name: "attrs", Kind: schema.KindMap},
		},
		PrimaryKey: schema.KeySchema{Hash: "id", Range: "ts"},
		Indexes: []schema.Index{
			{Name: "by_tenant", KeySchema: schema.KeySchema{Hash: "tenant", Range: "ts"}},
		},
		Versioned: true,
	}
	require.NoError(t, e.Validate())
	return e
}

func numberValues(values map[string]types.AttributeValue) []string {
	var out []string
	for _, v := range values {
		if n, ok := v.(*types.AttributeValueMemberN); ok {
			out = append(out, n.Value)
		}
	}
	return out
}

func TestSelectKeys_FirstQualifyingRangeWins(t *testing.T) {
	e := eventEntity(t)
	conds := []query.Condition{
		query.Eq("id", 5),
		query.Gt("ts", 100),
		query.Lt("ts", 500),
	}

	sel := SelectKeys(e, conds)

	require.NotNil(t, sel.Hash)
	require.NotNil(t, sel.Range)
	assert.Equal(t, conds[0], *sel.Hash)
	assert.Equal(t, conds[1], *sel.Range)
	assert.Equal(t, []query.Condition{conds[2]}, sel.Residual)
	assert.Equal(t, "", sel.IndexName)
	assert.False(t, sel.Scan())
}

func TestSelectKeys_NoHashMeansScan(t *testing.T) {
	e := eventEntity(t)
	conds := []query.Condition{query.Gt("ts", 100), query.Eq("kind", "click")}

	sel := SelectKeys(e, conds)

	assert.True(t, sel.Scan())
	assert.Nil(t, sel.Range)
	assert.Equal(t, conds, sel.Residual)
}

func TestSelectKeys_RangeBeforeHashIsResidual(t *testing.T) {
	e := eventEntity(t)
	conds := []query.Condition{query.Gt("ts", 100), query.Eq("id", 5)}

	sel := SelectKeys(e, conds)

	require.NotNil(t, sel.Hash)
	assert.Nil(t, sel.Range)
	assert.Equal(t, []query.Condition{conds[0]}, sel.Residual)
}

func TestSelectKeys_PicksSecondaryIndex(t *testing.T) {
	e := eventEntity(t)
	conds := []query.Condition{
		query.Eq("kind", "click"),
		query.Eq("tenant", "acme"),
		query.Between("ts", 1, 9),
		query.Ne("ts", 5),
	}

	sel := SelectKeys(e, conds)

	assert.Equal(t, "by_tenant", sel.IndexName)
	assert.Equal(t, conds[1], *sel.Hash)
	assert.Equal(t, conds[2], *sel.Range)
	assert.Equal(t, []query.Condition{conds[0], conds[3]}, sel.Residual)
}

func TestSelectKeys_NonComparableOperatorIsResidual(t *testing.T) {
	e := eventEntity(t)
	conds := []query.Condition{query.Eq("id", 5), query.Ne("ts", 1), query.Gte("ts", 3)}

	sel := SelectKeys(e, conds)

	assert.Equal(t, conds[2], *sel.Range)
	assert.Equal(t, []query.Condition{conds[1]}, sel.Residual)
}

func TestCompileQuery_KeyConditionAndFilter(t *testing.T) {
	c := NewCompiler()
	q := query.New(query.Eq("id", 5), query.Gt("ts", 100), query.Lt("ts", 500)).Select("id", "kind")

	compiled, err := c.CompileQuery(eventEntity(t), q)
	require.NoError(t, err)

	require.NotNil(t, compiled.KeyCondition)
	require.NotNil(t, compiled.Filter)
	require.NotNil(t, compiled.Projection)
	assert.Contains(t, aws.ToString(compiled.KeyCondition), "AND")
	assert.Contains(t, aws.ToString(compiled.Filter), "<")
	assert.Len(t, compiled.Values, 3)
	assert.ElementsMatch(t, []string{"5", "100", "500"}, numberValues(compiled.Values))
	assert.Contains(t, valuesOf(compiled.Names), "kind")
}

func valuesOf(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func TestCompileQuery_OperatorShapes(t *testing.T) {
	tests := []struct {
		name     string
		cond     query.Condition
		contains string
		values   int
	}{
		{"between is inclusive", query.Between("count", 1, 9), "BETWEEN", 2},
		{"within expands collection", query.Within("kind", "a", "b", "c"), "IN (", 3},
		{"not within", query.NotWithin("kind", "a", "b"), "NOT", 2},
		{"is null", query.IsNull("kind"), "attribute_not_exists", 0},
		{"is not null", query.IsNotNull("kind"), "attribute_exists", 0},
		{"begins with", query.BeginsWith("kind", "cl"), "begins_with", 1},
		{"not equal", query.Ne("kind", "x"), "<>", 1},
	}

	c := NewCompiler()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compiled, err := c.CompileQuery(eventEntity(t), query.New(tt.cond))
			require.NoError(t, err)

			assert.True(t, compiled.Selection.Scan())
			assert.Nil(t, compiled.KeyCondition)
			assert.Contains(t, aws.ToString(compiled.Filter), tt.contains)
			assert.Len(t, compiled.Values, tt.values)
		})
	}
}

func TestCompileQuery_Failures(t *testing.T) {
	tests := []struct {
		name  string
		model *query.Model
		check func(error) bool
	}{
		{"element matches", query.New(query.ElementMatches("tags", query.Eq("x", 1))), errors.IsUnsupported},
		{"wrong arity", query.New(query.Condition{Field: "ts", Operator: query.OpBetween, Operands: []any{1}}), errors.IsUnsupported},
		{"association", query.New().WhereAssociation("owner", query.Eq("name", "x")), errors.IsUnsupported},
		{"sort in scan", query.New(query.Eq("kind", "a")).OrderBy("ts", query.Ascending), errors.IsUnsupported},
		{"sort off index", query.New(query.Eq("id", 1)).OrderBy("kind", query.Ascending), errors.IsUnsupported},
		{"two sorts", query.New(query.Eq("id", 1)).OrderBy("ts", query.Ascending).OrderBy("kind", query.Descending), errors.IsUnsupported},
		{"non-string prefix", query.New(query.Condition{Field: "kind", Operator: query.OpBeginsWith, Operands: []any{5}}), errors.IsValidation},
	}

	c := NewCompiler()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.CompileQuery(eventEntity(t), tt.model)
			require.Error(t, err)
			assert.True(t, tt.check(err), err.Error())
		})
	}
}

func TestCompileQuery_SortOnRangeKey(t *testing.T) {
	c := NewCompiler()

	compiled, err := c.CompileQuery(eventEntity(t), query.New(query.Eq("tenant", "acme")).OrderBy("ts", query.Descending))
	require.NoError(t, err)

	require.NotNil(t, compiled.ScanIndexForward)
	assert.False(t, *compiled.ScanIndexForward)
	assert.Equal(t, "by_tenant", compiled.Selection.IndexName)
}

func TestCompileQuery_EmptyModelIsPlainScan(t *testing.T) {
	compiled, err := NewCompiler().CompileQuery(eventEntity(t), query.New())
	require.NoError(t, err)

	assert.True(t, compiled.Selection.Scan())
	assert.Nil(t, compiled.Filter)
	assert.Nil(t, compiled.Values)
}

func TestCompileUpdate_IncrementsAreDeltas(t *testing.T) {
	c := NewCompiler()
	e := eventEntity(t)

	plus, err := c.CompileUpdate(e, *changes.NewChangeSet().Increment("count", 5), nil)
	require.NoError(t, err)
	minus, err := c.CompileUpdate(e, *changes.NewChangeSet().Increment("count", -2), nil)
	require.NoError(t, err)

	assert.Contains(t, aws.ToString(plus.Update), " + ")
	assert.Contains(t, numberValues(plus.Values), "5")
	assert.Contains(t, aws.ToString(minus.Update), " - ")
	assert.Contains(t, numberValues(minus.Values), "2")
	assert.NotContains(t, numberValues(minus.Values), "-2")
}

func TestCompileUpdate_IndexSetWithAppendBecomesPositional(t *testing.T) {
	c := NewCompiler()
	cs := changes.ChangeSet{Records: []changes.Record{
		{Path: "tags", Kind: changes.KindIndexSet, Index: 1, Value: "x"},
		{Path: "tags", Kind: changes.KindAppendBatch, Index: 3, Value: []any{"y", "z"}},
	}}

	compiled, err := c.CompileUpdate(eventEntity(t), cs, nil)
	require.NoError(t, err)

	update := aws.ToString(compiled.Update)
	assert.NotContains(t, update, "list_append")
	assert.Contains(t, update, "[1]")
	assert.Contains(t, update, "[3]")
	assert.Contains(t, update, "[4]")
	assert.Equal(t, 3, compiled.Operations)
}

func TestCompileUpdate_StandaloneAppendWithIndexSetIsRejected(t *testing.T) {
	cs := changes.NewChangeSet().IndexSet("tags", 1, "x").Append("tags", "y")

	_, err := NewCompiler().CompileUpdate(eventEntity(t), *cs, nil)
	assert.True(t, errors.IsUnsupported(err))
}

func TestCompileUpdate_AppendAlone(t *testing.T) {
	compiled, err := NewCompiler().CompileUpdate(eventEntity(t), *changes.NewChangeSet().Append("tags", "y"), nil)
	require.NoError(t, err)

	assert.Contains(t, aws.ToString(compiled.Update), "list_append")
	assert.Contains(t, aws.ToString(compiled.Update), "if_not_exists")
}

func TestCompileUpdate_RewriteIsSingleReplace(t *testing.T) {
	e := eventEntity(t)
	tracked := changes.Track(e, map[string]any{"id": "1", "ts": 1, "tags": []any{"a", "b", "c"}})
	tags := tracked.List("tags")
	require.NoError(t, tags.Set(1, "x"))
	tags.Add("y")
	require.NoError(t, tags.RemoveAt(0))

	compiled, err := NewCompiler().CompileUpdate(e, tracked.Changes(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, compiled.Operations)
	assert.NotContains(t, aws.ToString(compiled.Update), "[")
}

func TestCompileUpdate_MapAndRemove(t *testing.T) {
	cs := changes.NewChangeSet().MapPut("attrs", "color", "red").MapRemove("attrs", "size").Remove("kind")

	compiled, err := NewCompiler().CompileUpdate(eventEntity(t), *cs, nil)
	require.NoError(t, err)

	update := aws.ToString(compiled.Update)
	assert.Contains(t, update, "SET")
	assert.Contains(t, update, "REMOVE")
	assert.ElementsMatch(t, []string{"attrs", "color", "size", "kind", "id"}, valuesOf(compiled.Names))
}

func TestCompileUpdate_VersionExpectation(t *testing.T) {
	cs := changes.NewChangeSet().Set("kind", "view")

	compiled, err := NewCompiler().CompileUpdate(eventEntity(t), *cs, &ports.Expectation{Field: "version", Version: 3})
	require.NoError(t, err)

	assert.Contains(t, aws.ToString(compiled.Condition), "attribute_exists")
	assert.ElementsMatch(t, []string{"3", "4"}, numberValues(compiled.Values))
	assert.Equal(t, 2, compiled.Operations)
}

func TestCompileUpdate_NoOpAndKeyGuard(t *testing.T) {
	c := NewCompiler()
	e := eventEntity(t)

	compiled, err := c.CompileUpdate(e, changes.ChangeSet{}, nil)
	require.NoError(t, err)
	assert.True(t, compiled.NoOp)

	_, err = c.CompileUpdate(e, *changes.NewChangeSet().Set("ts", 5), nil)
	assert.True(t, errors.IsValidation(err))
}

func TestCompilePutCondition(t *testing.T) {
	c := NewCompiler()

	cond, err := c.CompilePutCondition(eventEntity(t), true)
	require.NoError(t, err)
	assert.Contains(t, aws.ToString(cond.Condition), "attribute_not_exists")

	cond, err = c.CompilePutCondition(eventEntity(t), false)
	require.NoError(t, err)
	assert.Nil(t, cond.Condition)
}
