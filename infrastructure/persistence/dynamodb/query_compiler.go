package dynamodb

import (
	"fmt"

	"polystore/application/ports"
	"polystore/domain/query"
	"polystore/domain/schema"
	"polystore/pkg/errors"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// KeySelection is the split of a query's conditions into key conditions and a
// residual filter. Hash is nil when no key selection is possible.
type KeySelection struct {
	IndexName string            `json:"index_name,omitempty"`
	Hash      *query.Condition  `json:"hash,omitempty"`
	Range     *query.Condition  `json:"range,omitempty"`
	Residual  []query.Condition `json:"residual,omitempty"`
}

// Scan reports whether the query has to fall back to a full scan.
func (k KeySelection) Scan() bool {
	return k.Hash == nil
}

// CompiledQuery is a query ready to be issued as a Query or Scan call.
type CompiledQuery struct {
	Selection        KeySelection
	KeyCondition     *string
	Filter           *string
	Projection       *string
	Names            map[string]string
	Values           map[string]types.AttributeValue
	ScanIndexForward *bool
	FirstResult      int
	MaxResults       int
}

// SelectKeys partitions conditions into key conditions and a residual filter.
// The first equality condition on any declared hash key becomes the hash key
// condition. After it, the first condition on a range key paired with that
// hash key using a range-comparable operator becomes the range key condition.
// Everything else, including later range candidates, is residual.
func SelectKeys(e *schema.Entity, conditions []query.Condition) KeySelection {
	var sel KeySelection
	hashAt := -1
	for i := range conditions {
		c := conditions[i]
		if c.Operator == query.OpEqual && e.IsHashKey(c.Field) {
			sel.Hash = &conditions[i]
			hashAt = i
			break
		}
	}
	if sel.Hash == nil {
		sel.Residual = append(sel.Residual, conditions...)
		return sel
	}

	pair, _ := e.IndexFor(sel.Hash.Field)
	for i := range conditions {
		if i == hashAt {
			continue
		}
		c := conditions[i]
		if sel.Range == nil && i > hashAt && c.Operator.RangeComparable() {
			if kp, ok := e.RangeKeyFor(sel.Hash.Field, c.Field); ok {
				sel.Range = &conditions[i]
				pair = kp
				continue
			}
		}
		sel.Residual = append(sel.Residual, c)
	}
	sel.IndexName = pair.Name
	return sel
}

// CompileQuery turns a query model into key condition, filter and projection
// expressions. One expression builder allocates every placeholder, so names
// and values never collide across the three expressions.
func (c *Compiler) CompileQuery(e *schema.Entity, q *query.Model) (*CompiledQuery, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if len(q.AssociationConditions) > 0 {
		return nil, errors.NewUnsupportedError("association conditions", ports.BackendDynamoDB)
	}

	sel := SelectKeys(e, q.Conditions)
	forward, err := c.sortOrder(e, &sel, q.Sorts)
	if err != nil {
		return nil, err
	}
	out := &CompiledQuery{Selection: sel, ScanIndexForward: forward, FirstResult: q.FirstResult, MaxResults: q.MaxResults}

	builder := expression.NewBuilder()
	empty := true

	if !sel.Scan() {
		keyCond, err := keyCondition(*sel.Hash, sel.Range)
		if err != nil {
			return nil, err
		}
		builder = builder.WithKeyCondition(keyCond)
		empty = false
	}

	if len(sel.Residual) > 0 {
		filter, err := CompileConditions(sel.Residual)
		if err != nil {
			return nil, err
		}
		builder = builder.WithFilter(filter)
		empty = false
	}

	if q.Projection != nil && len(q.Projection.Fields) > 0 {
		names := make([]expression.NameBuilder, 0, len(q.Projection.Fields))
		for _, f := range q.Projection.Fields {
			names = append(names, expression.Name(f))
		}
		builder = builder.WithProjection(expression.NamesList(names[0], names[1:]...))
		empty = false
	}

	if empty {
		return out, nil
	}
	expr, err := builder.Build()
	if err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("build expression: %v", err)).WithCause(err)
	}
	out.KeyCondition = expr.KeyCondition()
	out.Filter = expr.Filter()
	out.Projection = expr.Projection()
	out.Names = expr.Names()
	out.Values = expr.Values()
	return out, nil
}

// sortOrder maps sorts onto the index order. Only the range key of the
// selected key pair can be sorted on. Without a range condition the sort picks
// the key pair.
func (c *Compiler) sortOrder(e *schema.Entity, sel *KeySelection, sorts []query.Sort) (*bool, error) {
	if len(sorts) == 0 {
		return nil, nil
	}
	if len(sorts) > 1 || sel.Scan() {
		return nil, errors.NewUnsupportedError(fmt.Sprintf("sort by %v", sorts), ports.BackendDynamoDB)
	}
	s := sorts[0]
	kp, ok := e.RangeKeyFor(sel.Hash.Field, s.Field)
	if ok && sel.Range == nil {
		sel.IndexName = kp.Name
	}
	if !ok || kp.Name != sel.IndexName {
		return nil, errors.NewUnsupportedError(fmt.Sprintf("sort by %s", s.Field), ports.BackendDynamoDB)
	}
	forward := s.Direction != query.Descending
	return &forward, nil
}

func keyCondition(hash query.Condition, rng *query.Condition) (expression.KeyConditionBuilder, error) {
	kc := expression.Key(hash.Field).Equal(expression.Value(hash.Operands[0]))
	if rng == nil {
		return kc, nil
	}
	values, err := rng.Values()
	if err != nil {
		return kc, err
	}
	key := expression.Key(rng.Field)
	var rc expression.KeyConditionBuilder
	switch rng.Operator {
	case query.OpEqual:
		rc = key.Equal(expression.Value(values[0]))
	case query.OpLessThan:
		rc = key.LessThan(expression.Value(values[0]))
	case query.OpLessThanEqual:
		rc = key.LessThanEqual(expression.Value(values[0]))
	case query.OpGreaterThan:
		rc = key.GreaterThan(expression.Value(values[0]))
	case query.OpGreaterThanEqual:
		rc = key.GreaterThanEqual(expression.Value(values[0]))
	case query.OpBetween:
		rc = key.Between(expression.Value(values[0]), expression.Value(values[1]))
	case query.OpBeginsWith:
		prefix, ok := values[0].(string)
		if !ok {
			return kc, errors.NewValidationError(fmt.Sprintf("begins_with on %s needs a string prefix, got %T", rng.Field, values[0]))
		}
		rc = key.BeginsWith(prefix)
	default:
		return kc, errors.NewUnsupportedError(string(rng.Operator)+" on range key", ports.BackendDynamoDB)
	}
	return kc.And(rc), nil
}

// CompileConditions joins conditions into one filter condition.
func CompileConditions(conditions []query.Condition) (expression.ConditionBuilder, error) {
	built := make([]expression.ConditionBuilder, 0, len(conditions))
	for _, cond := range conditions {
		b, err := compileCondition(cond)
		if err != nil {
			return expression.ConditionBuilder{}, err
		}
		built = append(built, b)
	}
	switch len(built) {
	case 0:
		return expression.ConditionBuilder{}, errors.NewValidationError("no conditions to compile")
	case 1:
		return built[0], nil
	default:
		return expression.And(built[0], built[1], built[2:]...), nil
	}
}

func compileCondition(c query.Condition) (expression.ConditionBuilder, error) {
	values, err := c.Values()
	if err != nil {
		return expression.ConditionBuilder{}, err
	}
	name := expression.Name(c.Field)
	switch c.Operator {
	case query.OpEqual:
		return name.Equal(expression.Value(values[0])), nil
	case query.OpNotEqual:
		return name.NotEqual(expression.Value(values[0])), nil
	case query.OpGreaterThan:
		return name.GreaterThan(expression.Value(values[0])), nil
	case query.OpGreaterThanEqual:
		return name.GreaterThanEqual(expression.Value(values[0])), nil
	case query.OpLessThan:
		return name.LessThan(expression.Value(values[0])), nil
	case query.OpLessThanEqual:
		return name.LessThanEqual(expression.Value(values[0])), nil
	case query.OpBetween:
		return name.Between(expression.Value(values[0]), expression.Value(values[1])), nil
	case query.OpWithin, query.OpNotWithin:
		operands := make([]expression.OperandBuilder, 0, len(values))
		for _, v := range values {
			operands = append(operands, expression.Value(v))
		}
		in := name.In(operands[0], operands[1:]...)
		if c.Operator == query.OpNotWithin {
			return expression.Not(in), nil
		}
		return in, nil
	case query.OpIsNull:
		return name.AttributeNotExists(), nil
	case query.OpIsNotNull:
		return name.AttributeExists(), nil
	case query.OpBeginsWith:
		prefix, ok := values[0].(string)
		if !ok {
			return expression.ConditionBuilder{}, errors.NewValidationError(fmt.Sprintf("begins_with on %s needs a string prefix, got %T", c.Field, values[0]))
		}
		return name.BeginsWith(prefix), nil
	default:
		return expression.ConditionBuilder{}, errors.NewUnsupportedError(string(c.Operator), ports.BackendDynamoDB)
	}
}
