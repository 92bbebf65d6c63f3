// Package document stores entities in MongoDB collections. Query models
// compile to bson operator documents and change sets to update documents.
package document

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"polystore/application/ports"
	"polystore/domain/changes"
	"polystore/domain/query"
	"polystore/domain/schema"
	"polystore/pkg/errors"

	"go.mongodb.org/mongo-driver/bson"
)

// IDField is the document identifier. Entity keys are mapped onto it so that
// insert-if-absent needs no extra unique index.
const IDField = "_id"

var operators = map[query.Operator]string{
	query.OpEqual:            "$eq",
	query.OpNotEqual:         "$ne",
	query.OpGreaterThan:      "$gt",
	query.OpGreaterThanEqual: "$gte",
	query.OpLessThan:         "$lt",
	query.OpLessThanEqual:    "$lte",
	query.OpWithin:           "$in",
	query.OpNotWithin:        "$nin",
}

// Compiler turns query models and change sets into bson documents.
type Compiler struct{}

// NewCompiler creates a new Compiler
func NewCompiler() *Compiler {
	return &Compiler{}
}

// Backend returns the backend name
func (c *Compiler) Backend() string {
	return ports.BackendMongoDB
}

// CompiledQuery is a filter plus the find options derived from the model.
type CompiledQuery struct {
	Filter     bson.D `json:"filter"`
	Sort       bson.D `json:"sort,omitempty"`
	Projection bson.D `json:"projection,omitempty"`
	Skip       int64  `json:"skip,omitempty"`
	Limit      int64  `json:"limit,omitempty"`
}

// CompileQuery compiles a query model. Document stores query any field, so
// there is no key split.
func (c *Compiler) CompileQuery(e *schema.Entity, q *query.Model) (*CompiledQuery, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if len(q.AssociationConditions) > 0 {
		return nil, errors.NewUnsupportedError("association conditions", ports.BackendMongoDB)
	}

	filter, err := CompileFilter(q.Conditions)
	if err != nil {
		return nil, err
	}
	out := &CompiledQuery{
		Filter: filter,
		Skip:   int64(q.FirstResult),
		Limit:  int64(q.MaxResults),
	}
	for _, s := range q.Sorts {
		if err := checkField(s.Field); err != nil {
			return nil, err
		}
		dir := 1
		if s.Direction == query.Descending {
			dir = -1
		}
		out.Sort = append(out.Sort, bson.E{Key: s.Field, Value: dir})
	}
	if q.Projection != nil && len(q.Projection.Fields) > 0 {
		for _, f := range q.Projection.Fields {
			if err := checkField(f); err != nil {
				return nil, err
			}
			out.Projection = append(out.Projection, bson.E{Key: f, Value: 1})
		}
		// key fields are always needed to identify the document
		for _, k := range []string{e.PrimaryKey.Hash, e.PrimaryKey.Range} {
			if k != "" && !contains(q.Projection.Fields, k) {
				out.Projection = append(out.Projection, bson.E{Key: k, Value: 1})
			}
		}
	}
	return out, nil
}

// CompileFilter joins conditions into one filter document. More than one
// predicate is combined with $and so that repeated fields keep every bound.
func CompileFilter(conditions []query.Condition) (bson.D, error) {
	preds := make(bson.A, 0, len(conditions))
	for _, cond := range conditions {
		p, err := compileCondition(cond)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	switch len(preds) {
	case 0:
		return bson.D{}, nil
	case 1:
		return preds[0].(bson.D), nil
	default:
		return bson.D{{Key: "$and", Value: preds}}, nil
	}
}

func compileCondition(c query.Condition) (bson.D, error) {
	values, err := c.Values()
	if err != nil {
		return nil, err
	}
	if err := checkField(c.Field); err != nil {
		return nil, err
	}

	var pred bson.D
	switch c.Operator {
	case query.OpEqual, query.OpNotEqual, query.OpGreaterThan, query.OpGreaterThanEqual,
		query.OpLessThan, query.OpLessThanEqual:
		pred = bson.D{{Key: operators[c.Operator], Value: values[0]}}
	case query.OpWithin, query.OpNotWithin:
		pred = bson.D{{Key: operators[c.Operator], Value: bson.A(values)}}
	case query.OpBetween:
		pred = bson.D{{Key: "$gte", Value: values[0]}, {Key: "$lte", Value: values[1]}}
	case query.OpIsNull:
		// matches both null and missing fields
		pred = bson.D{{Key: "$eq", Value: nil}}
	case query.OpIsNotNull:
		pred = bson.D{{Key: "$ne", Value: nil}}
	case query.OpBeginsWith:
		prefix, ok := values[0].(string)
		if !ok {
			return nil, errors.NewValidationError(fmt.Sprintf("begins_with on %s needs a string prefix, got %T", c.Field, values[0]))
		}
		pred = bson.D{{Key: "$regex", Value: "^" + regexp.QuoteMeta(prefix)}}
	case query.OpElementMatches:
		nested, err := c.ElementConditions()
		if err != nil {
			return nil, err
		}
		inner, err := CompileFilter(nested)
		if err != nil {
			return nil, err
		}
		pred = bson.D{{Key: "$elemMatch", Value: inner}}
	default:
		return nil, errors.NewUnsupportedError(string(c.Operator), ports.BackendMongoDB)
	}
	return bson.D{{Key: c.Field, Value: pred}}, nil
}

// CompiledUpdate is an update document plus the filter conditions the write
// is subject to beyond the document id.
type CompiledUpdate struct {
	NoOp       bool   `json:"no_op,omitempty"`
	Condition  bson.D `json:"condition,omitempty"`
	Update     bson.D `json:"update,omitempty"`
	Operations int    `json:"operations"`
}

// CompileUpdate turns change records into $set, $unset, $inc and $push
// operators. A list that carries both positional sets and an append gets the
// append as positional sets, since one update cannot touch a path and its
// parent.
func (c *Compiler) CompileUpdate(e *schema.Entity, cs changes.ChangeSet, expect *ports.Expectation) (*CompiledUpdate, error) {
	if cs.Empty() {
		return &CompiledUpdate{NoOp: true}, nil
	}

	positional := make(map[string]bool)
	for _, r := range cs.Records {
		if r.Kind == changes.KindIndexSet {
			positional[r.Path] = true
		}
	}

	var set, unset, inc, push bson.D
	ops := 0
	for _, r := range cs.Records {
		if r.Root() == e.PrimaryKey.Hash || r.Root() == e.PrimaryKey.Range || r.Root() == IDField {
			return nil, errors.NewValidationError(fmt.Sprintf("%s: key attribute %s cannot be updated", e.Collection, r.Root()))
		}
		if err := checkField(r.Path); err != nil {
			return nil, err
		}
		switch r.Kind {
		case changes.KindSet, changes.KindClear, changes.KindMapPut:
			set = append(set, bson.E{Key: r.Path, Value: r.Value})
		case changes.KindRemove, changes.KindMapRemove:
			unset = append(unset, bson.E{Key: r.Path, Value: ""})
		case changes.KindIncrement:
			inc = append(inc, bson.E{Key: r.Path, Value: r.Delta})
		case changes.KindIndexSet:
			set = append(set, bson.E{Key: r.Path + "." + strconv.Itoa(r.Index), Value: r.Value})
		case changes.KindAppendBatch:
			values, ok := r.Value.([]any)
			if !ok {
				return nil, errors.NewValidationError(fmt.Sprintf("append to %s carries %T, want []any", r.Path, r.Value))
			}
			if positional[r.Path] {
				if r.Index < 0 {
					return nil, errors.NewUnsupportedError(fmt.Sprintf("append to %s with positional sets and no known end", r.Path), ports.BackendMongoDB)
				}
				for i, v := range values {
					set = append(set, bson.E{Key: r.Path + "." + strconv.Itoa(r.Index+i), Value: v})
					ops++
				}
				continue
			}
			push = append(push, bson.E{Key: r.Path, Value: bson.D{{Key: "$each", Value: bson.A(values)}}})
		default:
			return nil, errors.NewUnsupportedError(string(r.Kind), ports.BackendMongoDB)
		}
		ops++
	}

	out := &CompiledUpdate{}
	if expect != nil {
		out.Condition = bson.D{{Key: expect.Field, Value: expect.Version}}
		set = append(set, bson.E{Key: expect.Field, Value: expect.Next()})
		ops++
	}
	for _, op := range []struct {
		name string
		doc  bson.D
	}{{"$set", set}, {"$unset", unset}, {"$inc", inc}, {"$push", push}} {
		if len(op.doc) > 0 {
			out.Update = append(out.Update, bson.E{Key: op.name, Value: op.doc})
		}
	}
	out.Operations = ops
	return out, nil
}

// DocumentID maps a key onto the document identifier.
func DocumentID(key ports.Key) any {
	if key.Range == nil {
		return key.Hash
	}
	return key.String()
}

// KeyFilter selects one document by key, narrowed by extra conditions.
func KeyFilter(key ports.Key, extra bson.D) bson.D {
	return append(bson.D{{Key: IDField, Value: DocumentID(key)}}, extra...)
}

// checkField rejects paths the server would read as operators.
func checkField(path string) error {
	for _, part := range strings.Split(path, ".") {
		if part == "" || strings.HasPrefix(part, "$") {
			return errors.NewValidationError(fmt.Sprintf("invalid field path %q", path))
		}
	}
	return nil
}

func contains(fields []string, f string) bool {
	for _, x := range fields {
		if x == f {
			return true
		}
	}
	return false
}
