package query

import (
	"encoding/json"
	"fmt"

	"polystore/pkg/errors"
	"polystore/pkg/utils"
)

// UnmarshalJSON decodes a condition. Integral numbers become int64, other
// numbers float64, and the operand of elem_match is decoded as conditions.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var raw struct {
		Field    string            `json:"field"`
		Operator Operator          `json:"op"`
		Operands []json.RawMessage `json:"operands"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if !raw.Operator.Valid() {
		return errors.NewUnsupportedError(string(raw.Operator), "query model")
	}

	c.Field = raw.Field
	c.Operator = raw.Operator
	c.Operands = nil

	if raw.Operator == OpElementMatches {
		if len(raw.Operands) != 1 {
			return errors.NewArityError(string(raw.Operator), "1", len(raw.Operands))
		}
		var nested []Condition
		if err := json.Unmarshal(raw.Operands[0], &nested); err != nil {
			return fmt.Errorf("elem_match operand of %s: %w", raw.Field, err)
		}
		c.Operands = []any{nested}
		return nil
	}

	for _, operand := range raw.Operands {
		v, err := DecodeValue(operand)
		if err != nil {
			return fmt.Errorf("operand of %s: %w", raw.Field, err)
		}
		c.Operands = append(c.Operands, v)
	}
	return nil
}

// DecodeValue decodes one JSON value, keeping integral numbers as int64.
func DecodeValue(data []byte) (any, error) {
	return utils.DecodeJSON(data)
}
