package sqlstore

import (
	"polystore/application/ports"
	"polystore/domain/changes"
	"polystore/domain/query"
	"polystore/domain/schema"
)

// ExplainQuery compiles q into a SELECT statement
func (c *Compiler) ExplainQuery(e *schema.Entity, q *query.Model) (any, error) {
	return c.CompileQuery(e, q)
}

// ExplainUpdate compiles cs into an UPDATE statement
func (c *Compiler) ExplainUpdate(e *schema.Entity, key ports.Key, cs changes.ChangeSet, expect *ports.Expectation) (any, error) {
	return c.CompileUpdate(e, key, cs, expect)
}
