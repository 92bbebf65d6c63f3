// Package sqlstore stores entities in relational tables through database/sql.
// Top-level scalar fields map to columns; object, list, set and map fields are
// stored as JSON text columns.
package sqlstore

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"polystore/application/ports"
	"polystore/pkg/errors"

	"github.com/lib/pq"
)

// Dialect captures the syntax differences between the supported databases.
type Dialect struct {
	// Backend is the ports backend name
	Backend string
	// Driver is the database/sql driver name
	Driver string

	numbered   bool
	quote      func(string) string
	likeEscape string
}

var (
	Postgres = Dialect{
		Backend:    ports.BackendPostgres,
		Driver:     "pgx",
		numbered:   true,
		quote:      pq.QuoteIdentifier,
		likeEscape: `'\'`,
	}
	MySQL = Dialect{
		Backend:    ports.BackendMySQL,
		Driver:     "mysql",
		quote:      quoteBacktick,
		likeEscape: `'\\'`,
	}
	SQLite = Dialect{
		Backend:    ports.BackendSQLite,
		Driver:     "sqlite",
		quote:      pq.QuoteIdentifier,
		likeEscape: `'\'`,
	}
)

// DialectFor returns the dialect of a relational backend.
func DialectFor(backend string) (Dialect, error) {
	switch backend {
	case ports.BackendPostgres:
		return Postgres, nil
	case ports.BackendMySQL:
		return MySQL, nil
	case ports.BackendSQLite:
		return SQLite, nil
	default:
		return Dialect{}, errors.NewValidationError(fmt.Sprintf("unknown relational backend %q", backend))
	}
}

// Quote quotes an identifier.
func (d Dialect) Quote(name string) string {
	return d.quote(name)
}

// Placeholder renders the n-th (1-based) bind parameter.
func (d Dialect) Placeholder(n int) string {
	if d.numbered {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func quoteBacktick(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// binder collects bind arguments for one statement.
type binder struct {
	d    Dialect
	args []any
}

func (b *binder) bind(v any) string {
	b.args = append(b.args, v)
	return b.d.Placeholder(len(b.args))
}

// insertStatement renders an insert. With ifAbsent an existing row is left
// alone and no row is affected; otherwise the row is replaced.
func (d Dialect) insertStatement(table string, cols []string, keyCols []string, b *binder, values []any, ifAbsent bool) string {
	quoted := make([]string, len(cols))
	ph := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.Quote(c)
		ph[i] = b.bind(values[i])
	}

	verb := "INSERT INTO"
	if ifAbsent && d.Backend == ports.BackendMySQL {
		verb = "INSERT IGNORE INTO"
	}
	stmt := fmt.Sprintf("%s %s (%s) VALUES (%s)", verb, d.Quote(table), strings.Join(quoted, ", "), strings.Join(ph, ", "))

	if ifAbsent {
		if d.Backend != ports.BackendMySQL {
			stmt += " ON CONFLICT DO NOTHING"
		}
		return stmt
	}

	isKey := make(map[string]bool, len(keyCols))
	for _, k := range keyCols {
		isKey[k] = true
	}
	var sets []string
	for _, c := range cols {
		if isKey[c] {
			continue
		}
		if d.Backend == ports.BackendMySQL {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", d.Quote(c), d.Quote(c)))
		} else {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", d.Quote(c), d.Quote(c)))
		}
	}
	if d.Backend == ports.BackendMySQL {
		if len(sets) == 0 {
			// a key-only row: rewrite the first key onto itself
			sets = append(sets, fmt.Sprintf("%s = %s", d.Quote(keyCols[0]), d.Quote(keyCols[0])))
		}
		return stmt + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}
	quotedKeys := make([]string, len(keyCols))
	for i, k := range keyCols {
		quotedKeys[i] = d.Quote(k)
	}
	if len(sets) == 0 {
		return stmt + fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(quotedKeys, ", "))
	}
	return stmt + fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(quotedKeys, ", "), strings.Join(sets, ", "))
}

func sortedColumns(doc map[string]any) []string {
	cols := make([]string, 0, len(doc))
	for k := range doc {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}
