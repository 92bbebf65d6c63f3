package changes

import (
	"encoding/json"
	"fmt"

	"polystore/pkg/utils"
)

// UnmarshalJSON decodes a record, keeping integral values as int64. An append
// without an index has an unknown boundary.
func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	var raw struct {
		plain
		Value json.RawMessage `json:"value,omitempty"`
		Index *int            `json:"index,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Record(raw.plain)
	r.Value = nil
	switch {
	case raw.Index != nil:
		r.Index = *raw.Index
	case r.Kind == KindAppendBatch:
		r.Index = UnknownIndex
	}
	if len(raw.Value) > 0 {
		v, err := utils.DecodeJSON(raw.Value)
		if err != nil {
			return fmt.Errorf("value of %s: %w", r.Path, err)
		}
		r.Value = v
	}
	return nil
}
