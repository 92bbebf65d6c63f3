package ports

import (
	"context"
	stderrors "errors"
	"fmt"

	"polystore/domain/changes"
	"polystore/domain/query"
	"polystore/domain/schema"
	"polystore/pkg/errors"
)

// ErrConditionFailed is wrapped by stores when the identifying condition of a
// conditional write was not met: an insert-if-absent collided or an expected
// version did not match.
var ErrConditionFailed = stderrors.New("write condition not met")

// Key identifies one stored record.
type Key struct {
	Hash  any `json:"hash"`
	Range any `json:"range,omitempty"`
}

func (k Key) String() string {
	if k.Range == nil {
		return fmt.Sprintf("%v", k.Hash)
	}
	return fmt.Sprintf("%v|%v", k.Hash, k.Range)
}

// KeyOf extracts the primary key of a document.
func KeyOf(e *schema.Entity, doc map[string]any) (Key, error) {
	hash, ok := doc[e.PrimaryKey.Hash]
	if !ok || hash == nil {
		return Key{}, errors.NewValidationError(fmt.Sprintf("%s: missing hash key %q", e.Collection, e.PrimaryKey.Hash))
	}
	k := Key{Hash: hash}
	if e.PrimaryKey.Range != "" {
		rng, ok := doc[e.PrimaryKey.Range]
		if !ok || rng == nil {
			return Key{}, errors.NewValidationError(fmt.Sprintf("%s: missing range key %q", e.Collection, e.PrimaryKey.Range))
		}
		k.Range = rng
	}
	return k, nil
}

// Fields renders the key as a document holding the key attributes.
func (k Key) Fields(e *schema.Entity) map[string]any {
	m := map[string]any{e.PrimaryKey.Hash: k.Hash}
	if e.PrimaryKey.Range != "" {
		m[e.PrimaryKey.Range] = k.Range
	}
	return m
}

// Expectation is the version a conditional write assumes. Updates carrying one
// also write Version+1 into Field.
type Expectation struct {
	Field   string `json:"field"`
	Version int64  `json:"version"`
}

// Next is the version written by a successful update.
func (x Expectation) Next() int64 {
	return x.Version + 1
}

// Backend names
const (
	BackendDynamoDB = "dynamodb"
	BackendMongoDB  = "mongodb"
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// Store is the backend port. Implementations compile the neutral query and
// change descriptions into their native form and execute them through the
// backend's client library. Every call is a single synchronous round trip.
type Store interface {
	// Backend returns the backend name used in errors and metrics
	Backend() string

	// Get loads one record by primary key, NotFound when absent
	Get(ctx context.Context, e *schema.Entity, key Key) (map[string]any, error)

	// Find returns the records matching the query model
	Find(ctx context.Context, e *schema.Entity, q *query.Model) ([]map[string]any, error)

	// Count returns the number of records matching the query model's conditions
	Count(ctx context.Context, e *schema.Entity, q *query.Model) (int64, error)

	// Insert writes a whole record. With ifAbsent an existing record fails the
	// write with ErrConditionFailed, otherwise it is replaced.
	Insert(ctx context.Context, e *schema.Entity, key Key, doc map[string]any, ifAbsent bool) error

	// Update applies a change set as a partial mutation. A change set without
	// records and without an expectation is a no-op.
	Update(ctx context.Context, e *schema.Entity, key Key, cs changes.ChangeSet, expect *Expectation) error

	// Delete removes one record, conditional on expect when set
	Delete(ctx context.Context, e *schema.Entity, key Key, expect *Expectation) error
}

// Access describes one access decision request.
type Access struct {
	Collection string
	Key        *Key
	Operation  query.Operation
	Principal  string
}

// AccessController decides whether an operation is allowed. Rule evaluation
// lives outside this module; only the decision is consumed.
type AccessController interface {
	Allow(ctx context.Context, access Access) (bool, error)
}

// AccessFunc adapts a function to AccessController.
type AccessFunc func(ctx context.Context, access Access) (bool, error)

func (f AccessFunc) Allow(ctx context.Context, access Access) (bool, error) {
	return f(ctx, access)
}

// AllowAll permits everything.
type AllowAll struct{}

func (AllowAll) Allow(context.Context, Access) (bool, error) {
	return true, nil
}

// Authorize turns a deny decision into an AccessDenied error.
func Authorize(ctx context.Context, ac AccessController, access Access) error {
	if ac == nil {
		return nil
	}
	ok, err := ac.Allow(ctx, access)
	if err != nil {
		return fmt.Errorf("access check for %s: %w", access.Collection, err)
	}
	if !ok {
		resource := access.Collection
		if access.Key != nil {
			resource = fmt.Sprintf("%s/%s", access.Collection, access.Key)
		}
		return errors.NewAccessDeniedError(resource, string(access.Operation)).
			WithDetail("principal", access.Principal)
	}
	return nil
}
