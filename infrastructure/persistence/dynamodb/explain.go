package dynamodb

import (
	"polystore/application/ports"
	"polystore/domain/changes"
	"polystore/domain/query"
	"polystore/domain/schema"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// QueryExplanation renders a compiled query with decoded placeholder values.
type QueryExplanation struct {
	Operation        string            `json:"operation"`
	IndexName        string            `json:"index_name,omitempty"`
	KeyCondition     string            `json:"key_condition,omitempty"`
	Filter           string            `json:"filter,omitempty"`
	Projection       string            `json:"projection,omitempty"`
	Names            map[string]string `json:"names,omitempty"`
	Values           map[string]any    `json:"values,omitempty"`
	ScanIndexForward *bool             `json:"scan_index_forward,omitempty"`
	FirstResult      int               `json:"first_result,omitempty"`
	MaxResults       int               `json:"max_results,omitempty"`
}

// UpdateExplanation renders a compiled update.
type UpdateExplanation struct {
	Key        map[string]any    `json:"key"`
	NoOp       bool              `json:"no_op,omitempty"`
	Update     string            `json:"update,omitempty"`
	Condition  string            `json:"condition,omitempty"`
	Names      map[string]string `json:"names,omitempty"`
	Values     map[string]any    `json:"values,omitempty"`
	Operations int               `json:"operations"`
}

// ExplainQuery compiles q and reports whether it runs as a Query or a Scan
func (c *Compiler) ExplainQuery(e *schema.Entity, q *query.Model) (any, error) {
	compiled, err := c.CompileQuery(e, q)
	if err != nil {
		return nil, err
	}
	values, err := decodeValues(compiled.Values)
	if err != nil {
		return nil, err
	}
	op := "Query"
	if compiled.Selection.Scan() {
		op = "Scan"
	}
	return &QueryExplanation{
		Operation:        op,
		IndexName:        compiled.Selection.IndexName,
		KeyCondition:     aws.ToString(compiled.KeyCondition),
		Filter:           aws.ToString(compiled.Filter),
		Projection:       aws.ToString(compiled.Projection),
		Names:            compiled.Names,
		Values:           values,
		ScanIndexForward: compiled.ScanIndexForward,
		FirstResult:      compiled.FirstResult,
		MaxResults:       compiled.MaxResults,
	}, nil
}

// ExplainUpdate compiles cs as an UpdateItem call
func (c *Compiler) ExplainUpdate(e *schema.Entity, key ports.Key, cs changes.ChangeSet, expect *ports.Expectation) (any, error) {
	compiled, err := c.CompileUpdate(e, cs, expect)
	if err != nil {
		return nil, err
	}
	values, err := decodeValues(compiled.Values)
	if err != nil {
		return nil, err
	}
	return &UpdateExplanation{
		Key:        key.Fields(e),
		NoOp:       compiled.NoOp,
		Update:     aws.ToString(compiled.Update),
		Condition:  aws.ToString(compiled.Condition),
		Names:      compiled.Names,
		Values:     values,
		Operations: compiled.Operations,
	}, nil
}

func decodeValues(av map[string]types.AttributeValue) (map[string]any, error) {
	if len(av) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(av))
	if err := attributevalue.UnmarshalMap(av, &out); err != nil {
		return nil, err
	}
	return out, nil
}
