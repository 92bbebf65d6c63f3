package document

import (
	"encoding/json"
	"fmt"

	"polystore/application/ports"
	"polystore/domain/changes"
	"polystore/domain/query"
	"polystore/domain/schema"
	"polystore/pkg/errors"

	"go.mongodb.org/mongo-driver/bson"
)

// QueryExplanation renders a compiled find call in relaxed extended JSON.
type QueryExplanation struct {
	Filter     json.RawMessage `json:"filter"`
	Sort       json.RawMessage `json:"sort,omitempty"`
	Projection json.RawMessage `json:"projection,omitempty"`
	Skip       int64           `json:"skip,omitempty"`
	Limit      int64           `json:"limit,omitempty"`
}

// UpdateExplanation renders a compiled UpdateOne call.
type UpdateExplanation struct {
	Filter     json.RawMessage `json:"filter"`
	Update     json.RawMessage `json:"update,omitempty"`
	NoOp       bool            `json:"no_op,omitempty"`
	Operations int             `json:"operations"`
}

// ExplainQuery compiles q into its find filter and options
func (c *Compiler) ExplainQuery(e *schema.Entity, q *query.Model) (any, error) {
	compiled, err := c.CompileQuery(e, q)
	if err != nil {
		return nil, err
	}
	out := &QueryExplanation{Skip: compiled.Skip, Limit: compiled.Limit}
	for _, part := range []struct {
		dst *json.RawMessage
		doc bson.D
	}{
		{&out.Filter, compiled.Filter},
		{&out.Sort, compiled.Sort},
		{&out.Projection, compiled.Projection},
	} {
		if *part.dst, err = extJSON(part.doc); err != nil {
			return nil, err
		}
	}
	if out.Filter == nil {
		out.Filter = json.RawMessage("{}")
	}
	return out, nil
}

// ExplainUpdate compiles cs into the filter and update documents of UpdateOne
func (c *Compiler) ExplainUpdate(e *schema.Entity, key ports.Key, cs changes.ChangeSet, expect *ports.Expectation) (any, error) {
	compiled, err := c.CompileUpdate(e, cs, expect)
	if err != nil {
		return nil, err
	}
	filter, err := extJSON(KeyFilter(key, compiled.Condition))
	if err != nil {
		return nil, err
	}
	update, err := extJSON(compiled.Update)
	if err != nil {
		return nil, err
	}
	return &UpdateExplanation{
		Filter:     filter,
		Update:     update,
		NoOp:       compiled.NoOp,
		Operations: compiled.Operations,
	}, nil
}

func extJSON(d bson.D) (json.RawMessage, error) {
	if len(d) == 0 {
		return nil, nil
	}
	raw, err := bson.MarshalExtJSON(d, false, false)
	if err != nil {
		return nil, errors.NewInternalError(fmt.Sprintf("render document: %v", err)).WithCause(err)
	}
	return raw, nil
}
