package query

import (
	"fmt"
	"reflect"

	"polystore/pkg/errors"
)

// Operator defines the type of comparison a condition performs
type Operator string

const (
	OpEqual            Operator = "eq"
	OpNotEqual         Operator = "ne"
	OpGreaterThan      Operator = "gt"
	OpGreaterThanEqual Operator = "gte"
	OpLessThan         Operator = "lt"
	OpLessThanEqual    Operator = "lte"
	OpBetween          Operator = "between"
	OpWithin           Operator = "in"
	OpNotWithin        Operator = "nin"
	OpIsNull           Operator = "is_null"
	OpIsNotNull        Operator = "is_not_null"
	OpBeginsWith       Operator = "begins_with"
	OpElementMatches   Operator = "elem_match"
)

// Arity is the fixed operand count of an operator.
type Arity int

const (
	ArityNone Arity = iota
	ArityOne
	ArityTwo
	// ArityMany operators take a single collection operand that is expanded into a value list.
	ArityMany
)

func (a Arity) String() string {
	switch a {
	case ArityNone:
		return "0"
	case ArityOne:
		return "1"
	case ArityTwo:
		return "2"
	default:
		return "1 collection"
	}
}

var arities = map[Operator]Arity{
	OpEqual:            ArityOne,
	OpNotEqual:         ArityOne,
	OpGreaterThan:      ArityOne,
	OpGreaterThanEqual: ArityOne,
	OpLessThan:         ArityOne,
	OpLessThanEqual:    ArityOne,
	OpBetween:          ArityTwo,
	OpWithin:           ArityMany,
	OpNotWithin:        ArityMany,
	OpIsNull:           ArityNone,
	OpIsNotNull:        ArityNone,
	OpBeginsWith:       ArityOne,
	OpElementMatches:   ArityOne,
}

// Operators lists every known operator in declaration order.
func Operators() []Operator {
	return []Operator{
		OpEqual, OpNotEqual, OpGreaterThan, OpGreaterThanEqual, OpLessThan, OpLessThanEqual,
		OpBetween, OpWithin, OpNotWithin, OpIsNull, OpIsNotNull, OpBeginsWith, OpElementMatches,
	}
}

// Valid reports whether the operator is known.
func (o Operator) Valid() bool {
	_, ok := arities[o]
	return ok
}

// Arity returns the operand count of the operator.
func (o Operator) Arity() Arity {
	return arities[o]
}

// RangeComparable reports whether a sort-key index can serve the operator.
func (o Operator) RangeComparable() bool {
	switch o {
	case OpEqual, OpLessThan, OpLessThanEqual, OpGreaterThan, OpGreaterThanEqual, OpBeginsWith, OpBetween:
		return true
	}
	return false
}

// CheckOperands validates the operand count against the operator arity and
// returns the operands ready for binding. N-ary operators get their single
// collection operand expanded into one value per element.
func CheckOperands(op Operator, operands []any) ([]any, error) {
	if !op.Valid() {
		return nil, errors.NewValidationError(fmt.Sprintf("unknown operator %q", op))
	}
	arity := op.Arity()
	switch arity {
	case ArityNone:
		if len(operands) != 0 {
			return nil, errors.NewArityError(string(op), arity.String(), len(operands))
		}
		return nil, nil
	case ArityOne:
		if len(operands) != 1 {
			return nil, errors.NewArityError(string(op), arity.String(), len(operands))
		}
		return operands, nil
	case ArityTwo:
		if len(operands) != 2 {
			return nil, errors.NewArityError(string(op), arity.String(), len(operands))
		}
		return operands, nil
	default:
		if len(operands) != 1 {
			return nil, errors.NewArityError(string(op), arity.String(), len(operands))
		}
		values, ok := expandCollection(operands[0])
		if !ok {
			return nil, errors.NewArityError(string(op), arity.String(), len(operands)).
				WithDetail("reason", "operand is not a collection")
		}
		if len(values) == 0 {
			return nil, errors.NewArityError(string(op), arity.String(), 0).
				WithDetail("reason", "collection operand is empty")
		}
		return values, nil
	}
}

// expandCollection flattens a slice or array operand into a value list.
func expandCollection(operand any) ([]any, bool) {
	if values, ok := operand.([]any); ok {
		return values, true
	}
	rv := reflect.ValueOf(operand)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	// []byte is a scalar binary value, not a collection
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	values := make([]any, rv.Len())
	for i := range values {
		values[i] = rv.Index(i).Interface()
	}
	return values, true
}
