package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"polystore/application/ports"
	"polystore/domain/changes"
	"polystore/domain/query"
	"polystore/domain/schema"
	"polystore/pkg/errors"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver
)

// DB is the subset of *sql.DB the store calls. *sql.Tx satisfies it too.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

var (
	_ DB = (*sql.DB)(nil)
	_ DB = (*sql.Tx)(nil)
)

// PoolConfig configures the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open opens and pings a database for the dialect.
func Open(ctx context.Context, d Dialect, dsn string, pool PoolConfig) (*sql.DB, error) {
	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, errors.NewStorageError("open "+d.Backend, err)
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.NewStorageError("ping "+d.Backend, err)
	}
	return db, nil
}

// Store implements ports.Store on a relational database
type Store struct {
	db       DB
	compiler *Compiler
	logger   *zap.Logger
}

// NewStore creates a new relational store
func NewStore(db DB, dialect Dialect, tablePrefix string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, compiler: NewCompiler(dialect, tablePrefix), logger: logger}
}

var _ ports.Store = (*Store)(nil)

// Backend returns the backend name
func (s *Store) Backend() string {
	return s.compiler.Backend()
}

// Get loads one row by primary key
func (s *Store) Get(ctx context.Context, e *schema.Entity, key ports.Key) (map[string]any, error) {
	stmt, err := s.compiler.CompileGet(e, key)
	if err != nil {
		return nil, err
	}
	docs, err := s.query(ctx, e, stmt)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, errors.NewNotFoundError(fmt.Sprintf("%s/%s", e.Collection, key))
	}
	return docs[0], nil
}

// Find runs the compiled SELECT
func (s *Store) Find(ctx context.Context, e *schema.Entity, q *query.Model) ([]map[string]any, error) {
	stmt, err := s.compiler.CompileQuery(e, q)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Executing compiled query",
		zap.String("collection", e.Collection),
		zap.String("sql", stmt.SQL),
		zap.Int("args", len(stmt.Args)),
	)
	return s.query(ctx, e, stmt)
}

// Count runs the compiled SELECT COUNT(*)
func (s *Store) Count(ctx context.Context, e *schema.Entity, q *query.Model) (int64, error) {
	stmt, err := s.compiler.CompileCount(e, q)
	if err != nil {
		return 0, err
	}
	rows, err := s.db.QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return 0, errors.NewStorageError("count", err)
	}
	defer rows.Close()
	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, errors.NewStorageError("count", err)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, errors.NewStorageError("count", err)
	}
	return n, nil
}

// Insert writes a whole row. With ifAbsent an existing row affects nothing and
// the write fails with ports.ErrConditionFailed.
func (s *Store) Insert(ctx context.Context, e *schema.Entity, key ports.Key, doc map[string]any, ifAbsent bool) error {
	stmt, err := s.compiler.CompileInsert(e, doc, ifAbsent)
	if err != nil {
		return err
	}
	n, err := s.exec(ctx, "insert", stmt)
	if err != nil {
		return err
	}
	if ifAbsent && n == 0 {
		return fmt.Errorf("insert %s/%s: %w", e.Collection, key, ports.ErrConditionFailed)
	}
	s.logger.Debug("Row written",
		zap.String("collection", e.Collection),
		zap.String("key", key.String()),
		zap.Bool("if_absent", ifAbsent),
	)
	return nil
}

// Update applies a change set with one UPDATE. No affected row means the row
// is gone or its version moved on.
func (s *Store) Update(ctx context.Context, e *schema.Entity, key ports.Key, cs changes.ChangeSet, expect *ports.Expectation) error {
	stmt, err := s.compiler.CompileUpdate(e, key, cs, expect)
	if err != nil {
		return err
	}
	if stmt.NoOp {
		return nil
	}
	n, err := s.exec(ctx, "update", &stmt.CompiledSQL)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update %s/%s: %w", e.Collection, key, ports.ErrConditionFailed)
	}
	s.logger.Debug("Row updated",
		zap.String("collection", e.Collection),
		zap.String("key", key.String()),
		zap.Int("operations", stmt.Operations),
	)
	return nil
}

// Delete removes one row
func (s *Store) Delete(ctx context.Context, e *schema.Entity, key ports.Key, expect *ports.Expectation) error {
	n, err := s.exec(ctx, "delete", s.compiler.CompileDelete(e, key, expect))
	if err != nil {
		return err
	}
	if expect != nil && n == 0 {
		return fmt.Errorf("delete %s/%s: %w", e.Collection, key, ports.ErrConditionFailed)
	}
	return nil
}

func (s *Store) exec(ctx context.Context, op string, stmt *CompiledSQL) (int64, error) {
	res, err := s.db.ExecContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return 0, errors.NewStorageError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.NewStorageError(op, err)
	}
	return n, nil
}

func (s *Store) query(ctx context.Context, e *schema.Entity, stmt *CompiledSQL) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, errors.NewStorageError("query", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.NewStorageError("query", err)
	}
	var docs []map[string]any
	for rows.Next() {
		raw := make([]any, len(cols))
		dest := make([]any, len(cols))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, errors.NewStorageError("scan", err)
		}
		doc, err := decodeRow(e, cols, raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageError("query", err)
	}
	return docs, nil
}

// decodeRow turns scanned columns into a document. NULL columns are left out
// and JSON columns are decoded.
func decodeRow(e *schema.Entity, cols []string, raw []any) (map[string]any, error) {
	doc := make(map[string]any, len(cols))
	for i, col := range cols {
		v := raw[i]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		if v == nil {
			continue
		}
		if e.KindOf(col).Container() {
			text, ok := v.(string)
			if !ok {
				return nil, errors.NewStorageError("decode", fmt.Errorf("column %s holds %T, want JSON text", col, v))
			}
			var decoded any
			if err := json.Unmarshal([]byte(text), &decoded); err != nil {
				return nil, errors.NewStorageError("decode", fmt.Errorf("column %s: %w", col, err))
			}
			v = decoded
		}
		doc[col] = v
	}
	return doc, nil
}
