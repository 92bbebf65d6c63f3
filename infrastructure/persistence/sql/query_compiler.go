package sqlstore

import (
	"fmt"
	"sort"
	"strings"

	"polystore/application/ports"
	"polystore/domain/query"
	"polystore/domain/schema"
	"polystore/pkg/errors"
)

const (
	tableAlias = "t0"
	likeChars  = `\%_`
)

// CompiledSQL is a statement with its bind arguments.
type CompiledSQL struct {
	SQL  string `json:"sql"`
	Args []any  `json:"args,omitempty"`
}

// Compiler compiles query models and change sets for one dialect and table prefix.
type Compiler struct {
	dialect     Dialect
	tablePrefix string
}

// NewCompiler creates a new Compiler
func NewCompiler(dialect Dialect, tablePrefix string) *Compiler {
	return &Compiler{dialect: dialect, tablePrefix: tablePrefix}
}

// Backend returns the backend name
func (c *Compiler) Backend() string {
	return c.dialect.Backend
}

// Dialect returns the compiler's dialect
func (c *Compiler) Dialect() Dialect {
	return c.dialect
}

func (c *Compiler) table(collection string) string {
	return c.tablePrefix + collection
}

// CompileQuery compiles a query model into a SELECT.
func (c *Compiler) CompileQuery(e *schema.Entity, q *query.Model) (*CompiledSQL, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	cols, err := c.selectColumns(e, q.Projection)
	if err != nil {
		return nil, err
	}

	b := &binder{d: c.dialect}
	where, err := c.where(e, q, b)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s AS %s", strings.Join(cols, ", "), c.dialect.Quote(c.table(e.Collection)), tableAlias)
	if where != "" {
		sb.WriteString(" WHERE " + where)
	}

	if len(q.Sorts) > 0 {
		parts := make([]string, 0, len(q.Sorts))
		for _, s := range q.Sorts {
			col, err := c.column(e, s.Field)
			if err != nil {
				return nil, err
			}
			dir := "ASC"
			if s.Direction == query.Descending {
				dir = "DESC"
			}
			parts = append(parts, col+" "+dir)
		}
		sb.WriteString(" ORDER BY " + strings.Join(parts, ", "))
	}

	switch {
	case q.MaxResults > 0:
		fmt.Fprintf(&sb, " LIMIT %d", q.MaxResults)
		if q.FirstResult > 0 {
			fmt.Fprintf(&sb, " OFFSET %d", q.FirstResult)
		}
	case q.FirstResult > 0:
		// sqlite and mysql need a LIMIT before OFFSET
		switch c.dialect.Backend {
		case ports.BackendSQLite:
			fmt.Fprintf(&sb, " LIMIT -1 OFFSET %d", q.FirstResult)
		case ports.BackendMySQL:
			fmt.Fprintf(&sb, " LIMIT 18446744073709551615 OFFSET %d", q.FirstResult)
		default:
			fmt.Fprintf(&sb, " OFFSET %d", q.FirstResult)
		}
	}

	return &CompiledSQL{SQL: sb.String(), Args: b.args}, nil
}

// CompileCount compiles the model's conditions into a SELECT COUNT(*).
func (c *Compiler) CompileCount(e *schema.Entity, q *query.Model) (*CompiledSQL, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	b := &binder{d: c.dialect}
	where, err := c.where(e, q, b)
	if err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf("SELECT COUNT(*) FROM %s AS %s", c.dialect.Quote(c.table(e.Collection)), tableAlias)
	if where != "" {
		stmt += " WHERE " + where
	}
	return &CompiledSQL{SQL: stmt, Args: b.args}, nil
}

func (c *Compiler) selectColumns(e *schema.Entity, p *query.Projection) ([]string, error) {
	var names []string
	if p == nil || len(p.Fields) == 0 {
		names = e.ColumnNames()
	} else {
		seen := make(map[string]bool)
		add := func(n string) {
			if n != "" && !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
		add(e.PrimaryKey.Hash)
		add(e.PrimaryKey.Range)
		for _, f := range p.Fields {
			root := f
			if i := strings.IndexByte(f, '.'); i >= 0 {
				root = f[:i]
			}
			add(root)
		}
	}
	cols := make([]string, 0, len(names))
	for _, n := range names {
		col, err := c.column(e, n)
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	return cols, nil
}

// column resolves a top-level attribute to a qualified column.
func (c *Compiler) column(e *schema.Entity, name string) (string, error) {
	if strings.Contains(name, ".") {
		return "", errors.NewUnsupportedError("nested path "+name, c.dialect.Backend)
	}
	if !isColumn(e, name) {
		return "", errors.NewValidationError(fmt.Sprintf("%s: unknown column %q", e.Collection, name))
	}
	return tableAlias + "." + c.dialect.Quote(name), nil
}

func isColumn(e *schema.Entity, name string) bool {
	for _, col := range e.ColumnNames() {
		if col == name {
			return true
		}
	}
	return false
}

func (c *Compiler) where(e *schema.Entity, q *query.Model, b *binder) (string, error) {
	preds := make([]string, 0, len(q.Conditions)+len(q.AssociationConditions))
	for _, cond := range q.Conditions {
		col, err := c.column(e, cond.Field)
		if err != nil {
			return "", err
		}
		if e.KindOf(cond.Field).Container() && cond.Operator != query.OpIsNull && cond.Operator != query.OpIsNotNull {
			return "", errors.NewUnsupportedError(fmt.Sprintf("%s on JSON column %s", cond.Operator, cond.Field), c.dialect.Backend)
		}
		p, err := c.predicate(col, cond, b)
		if err != nil {
			return "", err
		}
		preds = append(preds, p)
	}

	paths := make([]string, 0, len(q.AssociationConditions))
	for path := range q.AssociationConditions {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for i, path := range paths {
		p, err := c.exists(e, path, q.AssociationConditions[path], fmt.Sprintf("a%d", i+1), b)
		if err != nil {
			return "", err
		}
		preds = append(preds, p)
	}
	return strings.Join(preds, " AND "), nil
}

// exists renders association conditions as a correlated subquery.
func (c *Compiler) exists(e *schema.Entity, path string, conds []query.Condition, alias string, b *binder) (string, error) {
	assoc, ok := e.Associations[path]
	if !ok {
		return "", errors.NewValidationError(fmt.Sprintf("%s: unknown association %q", e.Collection, path))
	}
	local, err := c.column(e, assoc.LocalKey)
	if err != nil {
		return "", err
	}
	preds := []string{fmt.Sprintf("%s.%s = %s", alias, c.dialect.Quote(assoc.ForeignKey), local)}
	for _, cond := range conds {
		if strings.Contains(cond.Field, ".") {
			return "", errors.NewUnsupportedError("nested path "+cond.Field, c.dialect.Backend)
		}
		p, err := c.predicate(alias+"."+c.dialect.Quote(cond.Field), cond, b)
		if err != nil {
			return "", err
		}
		preds = append(preds, p)
	}
	return fmt.Sprintf("EXISTS (SELECT 1 FROM %s AS %s WHERE %s)",
		c.dialect.Quote(c.table(assoc.Table)), alias, strings.Join(preds, " AND ")), nil
}

func (c *Compiler) predicate(col string, cond query.Condition, b *binder) (string, error) {
	values, err := cond.Values()
	if err != nil {
		return "", err
	}
	switch cond.Operator {
	case query.OpEqual:
		return fmt.Sprintf("%s = %s", col, b.bind(values[0])), nil
	case query.OpNotEqual:
		return fmt.Sprintf("%s <> %s", col, b.bind(values[0])), nil
	case query.OpGreaterThan:
		return fmt.Sprintf("%s > %s", col, b.bind(values[0])), nil
	case query.OpGreaterThanEqual:
		return fmt.Sprintf("%s >= %s", col, b.bind(values[0])), nil
	case query.OpLessThan:
		return fmt.Sprintf("%s < %s", col, b.bind(values[0])), nil
	case query.OpLessThanEqual:
		return fmt.Sprintf("%s <= %s", col, b.bind(values[0])), nil
	case query.OpBetween:
		return fmt.Sprintf("%s BETWEEN %s AND %s", col, b.bind(values[0]), b.bind(values[1])), nil
	case query.OpWithin, query.OpNotWithin:
		ph := make([]string, len(values))
		for i, v := range values {
			ph[i] = b.bind(v)
		}
		op := "IN"
		if cond.Operator == query.OpNotWithin {
			op = "NOT IN"
		}
		return fmt.Sprintf("%s %s (%s)", col, op, strings.Join(ph, ", ")), nil
	case query.OpIsNull:
		return col + " IS NULL", nil
	case query.OpIsNotNull:
		return col + " IS NOT NULL", nil
	case query.OpBeginsWith:
		prefix, ok := values[0].(string)
		if !ok {
			return "", errors.NewValidationError(fmt.Sprintf("begins_with on %s needs a string prefix, got %T", cond.Field, values[0]))
		}
		return fmt.Sprintf("%s LIKE %s ESCAPE %s", col, b.bind(escapeLike(prefix)+"%"), c.dialect.likeEscape), nil
	default:
		return "", errors.NewUnsupportedError(string(cond.Operator), c.dialect.Backend)
	}
}

func escapeLike(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if strings.ContainsRune(likeChars, r) {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
