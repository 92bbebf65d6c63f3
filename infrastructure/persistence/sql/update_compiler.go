package sqlstore

import (
	"encoding/json"
	"fmt"
	"strings"

	"polystore/application/ports"
	"polystore/domain/changes"
	"polystore/domain/schema"
	"polystore/pkg/errors"
)

// CompiledUpdate is an UPDATE statement. NoOp means nothing has to be written.
type CompiledUpdate struct {
	CompiledSQL
	NoOp       bool `json:"no_op,omitempty"`
	Operations int  `json:"operations"`
}

// CompileUpdate compiles a change set into an UPDATE of one row. Top-level
// scalar records become column assignments and increments become
// col = COALESCE(col, 0) + ?. A record below a top-level attribute rewrites the
// attribute's JSON column from the change set's current state; a standalone
// change set has no such state and cannot carry nested records.
func (c *Compiler) CompileUpdate(e *schema.Entity, key ports.Key, cs changes.ChangeSet, expect *ports.Expectation) (*CompiledUpdate, error) {
	if cs.Empty() {
		return &CompiledUpdate{NoOp: true}, nil
	}

	b := &binder{d: c.dialect}
	var (
		sets      []string
		rewritten = make(map[string]bool)
		assigned  = make(map[string]bool)
	)
	for _, r := range cs.Records {
		root := r.Root()
		if root == e.PrimaryKey.Hash || root == e.PrimaryKey.Range {
			return nil, errors.NewValidationError(fmt.Sprintf("%s: key attribute %s cannot be updated", e.Collection, root))
		}
		if !isColumn(e, root) {
			return nil, errors.NewValidationError(fmt.Sprintf("%s: unknown column %q", e.Collection, root))
		}
		col := c.dialect.Quote(root)

		if r.Nested() {
			if rewritten[root] || assigned[root] {
				continue
			}
			if cs.Current == nil {
				return nil, errors.NewUnsupportedError(fmt.Sprintf("%s on %s without current state", r.Kind, r.Path), c.dialect.Backend)
			}
			v, err := columnValue(e, root, cs.Current[root])
			if err != nil {
				return nil, err
			}
			rewritten[root] = true
			sets = append(sets, fmt.Sprintf("%s = %s", col, b.bind(v)))
			continue
		}
		if rewritten[root] || assigned[root] {
			// the column already carries its final value
			continue
		}

		switch r.Kind {
		case changes.KindSet, changes.KindClear:
			v, err := columnValue(e, root, r.Value)
			if err != nil {
				return nil, err
			}
			sets = append(sets, fmt.Sprintf("%s = %s", col, b.bind(v)))
		case changes.KindRemove:
			sets = append(sets, col+" = NULL")
		case changes.KindIncrement:
			if r.Delta < 0 {
				sets = append(sets, fmt.Sprintf("%s = COALESCE(%s, 0) - %s", col, col, b.bind(-r.Delta)))
			} else {
				sets = append(sets, fmt.Sprintf("%s = COALESCE(%s, 0) + %s", col, col, b.bind(r.Delta)))
			}
		default:
			return nil, errors.NewUnsupportedError(string(r.Kind), c.dialect.Backend)
		}
		assigned[root] = true
	}

	if expect != nil {
		sets = append(sets, fmt.Sprintf("%s = %s", c.dialect.Quote(expect.Field), b.bind(expect.Next())))
	}

	where := c.keyPredicate(e, key, b)
	if expect != nil {
		where += fmt.Sprintf(" AND %s = %s", c.dialect.Quote(expect.Field), b.bind(expect.Version))
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s", c.dialect.Quote(c.table(e.Collection)), strings.Join(sets, ", "), where)
	return &CompiledUpdate{CompiledSQL: CompiledSQL{SQL: stmt, Args: b.args}, Operations: len(sets)}, nil
}

// CompileInsert compiles a whole-row write.
func (c *Compiler) CompileInsert(e *schema.Entity, doc map[string]any, ifAbsent bool) (*CompiledSQL, error) {
	cols := sortedColumns(doc)
	values := make([]any, len(cols))
	for i, col := range cols {
		if !isColumn(e, col) {
			return nil, errors.NewValidationError(fmt.Sprintf("%s: unknown column %q", e.Collection, col))
		}
		v, err := columnValue(e, col, doc[col])
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	keyCols := []string{e.PrimaryKey.Hash}
	if e.PrimaryKey.Range != "" {
		keyCols = append(keyCols, e.PrimaryKey.Range)
	}
	b := &binder{d: c.dialect}
	stmt := c.dialect.insertStatement(c.table(e.Collection), cols, keyCols, b, values, ifAbsent)
	return &CompiledSQL{SQL: stmt, Args: b.args}, nil
}

// CompileDelete compiles a single-row delete, conditional on expect when set.
func (c *Compiler) CompileDelete(e *schema.Entity, key ports.Key, expect *ports.Expectation) *CompiledSQL {
	b := &binder{d: c.dialect}
	where := c.keyPredicate(e, key, b)
	if expect != nil {
		where += fmt.Sprintf(" AND %s = %s", c.dialect.Quote(expect.Field), b.bind(expect.Version))
	}
	return &CompiledSQL{
		SQL:  fmt.Sprintf("DELETE FROM %s WHERE %s", c.dialect.Quote(c.table(e.Collection)), where),
		Args: b.args,
	}
}

// CompileGet compiles a primary-key lookup.
func (c *Compiler) CompileGet(e *schema.Entity, key ports.Key) (*CompiledSQL, error) {
	cols, err := c.selectColumns(e, nil)
	if err != nil {
		return nil, err
	}
	b := &binder{d: c.dialect}
	where := c.keyPredicate(e, key, b)
	return &CompiledSQL{
		SQL:  fmt.Sprintf("SELECT %s FROM %s AS %s WHERE %s", strings.Join(cols, ", "), c.dialect.Quote(c.table(e.Collection)), tableAlias, where),
		Args: b.args,
	}, nil
}

func (c *Compiler) keyPredicate(e *schema.Entity, key ports.Key, b *binder) string {
	where := fmt.Sprintf("%s = %s", c.dialect.Quote(e.PrimaryKey.Hash), b.bind(key.Hash))
	if e.PrimaryKey.Range != "" {
		where += fmt.Sprintf(" AND %s = %s", c.dialect.Quote(e.PrimaryKey.Range), b.bind(key.Range))
	}
	return where
}

// columnValue encodes container attributes as JSON text.
func columnValue(e *schema.Entity, name string, v any) (any, error) {
	if v == nil || !e.KindOf(name).Container() {
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("%s: encode %s: %v", e.Collection, name, err)).WithCause(err)
	}
	return string(data), nil
}
