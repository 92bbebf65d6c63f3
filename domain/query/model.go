// Package query holds the backend-neutral description of a read: conditions,
// per-association conditions, sorts, a projection and a result window. A Model
// is built once per call and discarded after compilation.
package query

import (
	"fmt"
	"strings"

	"polystore/pkg/errors"
)

// Condition is a single predicate on a field path.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"op"`
	Operands []any    `json:"operands,omitempty"`
}

// Values returns the operands checked against the operator arity.
func (c Condition) Values() ([]any, error) {
	if c.Field == "" {
		return nil, errors.NewValidationError("condition field cannot be empty")
	}
	return CheckOperands(c.Operator, c.Operands)
}

// ElementConditions returns the nested conditions of an ElementMatches condition.
func (c Condition) ElementConditions() ([]Condition, error) {
	values, err := c.Values()
	if err != nil {
		return nil, err
	}
	if c.Operator != OpElementMatches {
		return nil, errors.NewValidationError(fmt.Sprintf("operator %s has no element conditions", c.Operator))
	}
	switch nested := values[0].(type) {
	case []Condition:
		return nested, nil
	case Condition:
		return []Condition{nested}, nil
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("elem_match operand must be conditions, got %T", values[0]))
	}
}

func (c Condition) String() string {
	if len(c.Operands) == 0 {
		return fmt.Sprintf("%s %s", c.Field, c.Operator)
	}
	return fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Operands)
}

// Direction defines the sorting direction
type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// Sort orders results on one field.
type Sort struct {
	Field     string    `json:"field"`
	Direction Direction `json:"direction"`
}

// Projection restricts the returned fields.
type Projection struct {
	Fields []string `json:"fields"`
}

// Operation is the access kind checked against the access-control collaborator.
type Operation string

const (
	OperationRead  Operation = "read"
	OperationWrite Operation = "write"
)

// Authorization carries who is asking, for the access-control boundary check.
type Authorization struct {
	Principal string    `json:"principal"`
	Operation Operation `json:"operation"`
}

// Model is the neutral pre-compilation description of a read.
type Model struct {
	Conditions            []Condition            `json:"conditions,omitempty"`
	AssociationConditions map[string][]Condition `json:"association_conditions,omitempty"`
	Sorts                 []Sort                 `json:"sorts,omitempty"`
	Projection            *Projection            `json:"projection,omitempty"`
	FirstResult           int                    `json:"first_result,omitempty"`
	// MaxResults of zero means unbounded.
	MaxResults    int            `json:"max_results,omitempty"`
	Authorization *Authorization `json:"authorization,omitempty"`
}

// New creates an empty query model.
func New(conditions ...Condition) *Model {
	return &Model{Conditions: conditions}
}

// Where appends conditions.
func (m *Model) Where(conditions ...Condition) *Model {
	m.Conditions = append(m.Conditions, conditions...)
	return m
}

// WhereAssociation appends conditions on an associated entity.
func (m *Model) WhereAssociation(path string, conditions ...Condition) *Model {
	if m.AssociationConditions == nil {
		m.AssociationConditions = make(map[string][]Condition)
	}
	m.AssociationConditions[path] = append(m.AssociationConditions[path], conditions...)
	return m
}

// OrderBy appends a sort.
func (m *Model) OrderBy(field string, direction Direction) *Model {
	m.Sorts = append(m.Sorts, Sort{Field: field, Direction: direction})
	return m
}

// Select sets the projection.
func (m *Model) Select(fields ...string) *Model {
	m.Projection = &Projection{Fields: fields}
	return m
}

// Window sets the result window bounds.
func (m *Model) Window(firstResult, maxResults int) *Model {
	m.FirstResult = firstResult
	m.MaxResults = maxResults
	return m
}

// As sets the authorization context.
func (m *Model) As(principal string, op Operation) *Model {
	m.Authorization = &Authorization{Principal: principal, Operation: op}
	return m
}

// Validate checks window bounds and every condition's arity.
func (m *Model) Validate() error {
	if m.FirstResult < 0 {
		return errors.NewValidationError("first result cannot be negative")
	}
	if m.MaxResults < 0 {
		return errors.NewValidationError("max results cannot be negative")
	}
	for _, c := range m.Conditions {
		if _, err := c.Values(); err != nil {
			return err
		}
	}
	for path, conds := range m.AssociationConditions {
		if strings.TrimSpace(path) == "" {
			return errors.NewValidationError("association path cannot be empty")
		}
		for _, c := range conds {
			if _, err := c.Values(); err != nil {
				return err
			}
		}
	}
	for _, s := range m.Sorts {
		if s.Field == "" {
			return errors.NewValidationError("sort field cannot be empty")
		}
		if s.Direction != Ascending && s.Direction != Descending {
			return errors.NewValidationError(fmt.Sprintf("invalid sort direction %q", s.Direction))
		}
	}
	return nil
}

// Clone returns a copy safe to modify without touching the receiver's slices.
func (m *Model) Clone() *Model {
	c := *m
	c.Conditions = append([]Condition(nil), m.Conditions...)
	c.Sorts = append([]Sort(nil), m.Sorts...)
	if m.AssociationConditions != nil {
		c.AssociationConditions = make(map[string][]Condition, len(m.AssociationConditions))
		for k, v := range m.AssociationConditions {
			c.AssociationConditions[k] = append([]Condition(nil), v...)
		}
	}
	if m.Projection != nil {
		c.Projection = &Projection{Fields: append([]string(nil), m.Projection.Fields...)}
	}
	return &c
}

// Helper functions for creating conditions

func Eq(field string, value any) Condition {
	return Condition{Field: field, Operator: OpEqual, Operands: []any{value}}
}

func Ne(field string, value any) Condition {
	return Condition{Field: field, Operator: OpNotEqual, Operands: []any{value}}
}

func Gt(field string, value any) Condition {
	return Condition{Field: field, Operator: OpGreaterThan, Operands: []any{value}}
}

func Gte(field string, value any) Condition {
	return Condition{Field: field, Operator: OpGreaterThanEqual, Operands: []any{value}}
}

func Lt(field string, value any) Condition {
	return Condition{Field: field, Operator: OpLessThan, Operands: []any{value}}
}

func Lte(field string, value any) Condition {
	return Condition{Field: field, Operator: OpLessThanEqual, Operands: []any{value}}
}

// Between is inclusive on both bounds on every backend.
func Between(field string, lower, upper any) Condition {
	return Condition{Field: field, Operator: OpBetween, Operands: []any{lower, upper}}
}

func Within(field string, values ...any) Condition {
	return Condition{Field: field, Operator: OpWithin, Operands: []any{values}}
}

func NotWithin(field string, values ...any) Condition {
	return Condition{Field: field, Operator: OpNotWithin, Operands: []any{values}}
}

func IsNull(field string) Condition {
	return Condition{Field: field, Operator: OpIsNull}
}

func IsNotNull(field string) Condition {
	return Condition{Field: field, Operator: OpIsNotNull}
}

func BeginsWith(field string, prefix string) Condition {
	return Condition{Field: field, Operator: OpBeginsWith, Operands: []any{prefix}}
}

func ElementMatches(field string, conditions ...Condition) Condition {
	return Condition{Field: field, Operator: OpElementMatches, Operands: []any{conditions}}
}
