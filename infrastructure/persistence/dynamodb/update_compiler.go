package dynamodb

import (
	"fmt"

	"polystore/application/ports"
	"polystore/domain/changes"
	"polystore/domain/schema"
	"polystore/pkg/errors"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Compiler turns query models and change sets into DynamoDB expressions.
// It holds no state and is safe for concurrent use.
type Compiler struct{}

// NewCompiler creates a new Compiler
func NewCompiler() *Compiler {
	return &Compiler{}
}

// Backend returns the backend name
func (c *Compiler) Backend() string {
	return ports.BackendDynamoDB
}

// CompiledWrite is a conditional write. An empty Update with NoOp set means
// there is nothing to write.
type CompiledWrite struct {
	NoOp       bool
	Update     *string
	Condition  *string
	Names      map[string]string
	Values     map[string]types.AttributeValue
	Operations int
}

// CompileUpdate turns change records into an update expression. Lists that
// carry both positional sets and an append get the append as positional sets
// from the first appended index, since one update cannot address overlapping
// paths. With an expectation the write is conditional on the expected version
// and bumps it.
func (c *Compiler) CompileUpdate(e *schema.Entity, cs changes.ChangeSet, expect *ports.Expectation) (*CompiledWrite, error) {
	if cs.Empty() {
		return &CompiledWrite{NoOp: true}, nil
	}

	positional := make(map[string]bool)
	for _, r := range cs.Records {
		if r.Kind == changes.KindIndexSet {
			positional[r.Path] = true
		}
	}

	var update expression.UpdateBuilder
	ops := 0
	for _, r := range cs.Records {
		if r.Root() == e.PrimaryKey.Hash || r.Root() == e.PrimaryKey.Range {
			return nil, errors.NewValidationError(fmt.Sprintf("%s: key attribute %s cannot be updated", e.Collection, r.Root()))
		}
		name := expression.Name(r.Path)
		switch r.Kind {
		case changes.KindSet, changes.KindClear, changes.KindMapPut:
			if r.Value == nil {
				update = update.Remove(name)
			} else {
				update = update.Set(name, expression.Value(r.Value))
			}
		case changes.KindRemove, changes.KindMapRemove:
			update = update.Remove(name)
		case changes.KindIncrement:
			base := expression.IfNotExists(name, expression.Value(0))
			if r.Delta < 0 {
				update = update.Set(name, expression.Minus(base, expression.Value(-r.Delta)))
			} else {
				update = update.Set(name, expression.Plus(base, expression.Value(r.Delta)))
			}
		case changes.KindIndexSet:
			update = update.Set(expression.Name(fmt.Sprintf("%s[%d]", r.Path, r.Index)), expression.Value(r.Value))
		case changes.KindAppendBatch:
			values, ok := r.Value.([]any)
			if !ok {
				return nil, errors.NewValidationError(fmt.Sprintf("append to %s carries %T, want []any", r.Path, r.Value))
			}
			if positional[r.Path] {
				if r.Index < 0 {
					return nil, errors.NewUnsupportedError(fmt.Sprintf("append to %s with positional sets and no known end", r.Path), ports.BackendDynamoDB)
				}
				for i, v := range values {
					update = update.Set(expression.Name(fmt.Sprintf("%s[%d]", r.Path, r.Index+i)), expression.Value(v))
					ops++
				}
				continue
			}
			base := expression.IfNotExists(name, expression.Value([]any{}))
			update = update.Set(name, expression.ListAppend(base, expression.Value(values)))
		default:
			return nil, errors.NewUnsupportedError(string(r.Kind), ports.BackendDynamoDB)
		}
		ops++
	}

	cond := expression.Name(e.PrimaryKey.Hash).AttributeExists()
	if expect != nil {
		cond = cond.And(expression.Name(expect.Field).Equal(expression.Value(expect.Version)))
		update = update.Set(expression.Name(expect.Field), expression.Value(expect.Next()))
		ops++
	}

	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("build update expression: %v", err)).WithCause(err)
	}
	return &CompiledWrite{
		Update:     expr.Update(),
		Condition:  expr.Condition(),
		Names:      expr.Names(),
		Values:     expr.Values(),
		Operations: ops,
	}, nil
}

// CompilePutCondition returns the condition of a whole-record write:
// attribute_not_exists on the hash key for insert-if-absent.
func (c *Compiler) CompilePutCondition(e *schema.Entity, ifAbsent bool) (*CompiledWrite, error) {
	if !ifAbsent {
		return &CompiledWrite{}, nil
	}
	expr, err := expression.NewBuilder().
		WithCondition(expression.Name(e.PrimaryKey.Hash).AttributeNotExists()).
		Build()
	if err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("build put condition: %v", err)).WithCause(err)
	}
	return &CompiledWrite{Condition: expr.Condition(), Names: expr.Names(), Values: expr.Values()}, nil
}

// CompileDeleteCondition returns the version condition of a delete, if any.
func (c *Compiler) CompileDeleteCondition(expect *ports.Expectation) (*CompiledWrite, error) {
	if expect == nil {
		return &CompiledWrite{}, nil
	}
	expr, err := expression.NewBuilder().
		WithCondition(expression.Name(expect.Field).Equal(expression.Value(expect.Version))).
		Build()
	if err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("build delete condition: %v", err)).WithCause(err)
	}
	return &CompiledWrite{Condition: expr.Condition(), Names: expr.Names(), Values: expr.Values()}, nil
}

// MarshalKey encodes a primary key.
func MarshalKey(e *schema.Entity, key ports.Key) (map[string]types.AttributeValue, error) {
	av, err := attributevalue.MarshalMap(key.Fields(e))
	if err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("marshal key %s: %v", key, err)).WithCause(err)
	}
	return av, nil
}

// MarshalItem encodes a document. Nil attributes are left out so that a null
// and an absent attribute read the same.
func MarshalItem(doc map[string]any) (map[string]types.AttributeValue, error) {
	clean := make(map[string]any, len(doc))
	for k, v := range doc {
		if v != nil {
			clean[k] = v
		}
	}
	av, err := attributevalue.MarshalMap(clean)
	if err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("marshal item: %v", err)).WithCause(err)
	}
	return av, nil
}

// UnmarshalItem decodes an item into a plain document. Numbers decode as float64.
func UnmarshalItem(item map[string]types.AttributeValue) (map[string]any, error) {
	doc := make(map[string]any, len(item))
	if err := attributevalue.UnmarshalMap(item, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return doc, nil
}
