package document

import (
	"context"
	stderrors "errors"
	"fmt"

	"polystore/application/ports"
	"polystore/domain/changes"
	"polystore/domain/query"
	"polystore/domain/schema"
	"polystore/pkg/errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Collection is the subset of *mongo.Collection the store calls.
type Collection interface {
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	ReplaceOne(ctx context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	DeleteOne(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
}

var _ Collection = (*mongo.Collection)(nil)

// CollectionFunc resolves a collection by name.
type CollectionFunc func(name string) Collection

// FromDatabase resolves collections of a database.
func FromDatabase(db *mongo.Database) CollectionFunc {
	return func(name string) Collection {
		return db.Collection(name)
	}
}

// Store implements ports.Store on MongoDB
type Store struct {
	collection CollectionFunc
	compiler   *Compiler
	logger     *zap.Logger
}

// NewStore creates a new document store
func NewStore(collection CollectionFunc, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{collection: collection, compiler: NewCompiler(), logger: logger}
}

var _ ports.Store = (*Store)(nil)

// Backend returns the backend name
func (s *Store) Backend() string {
	return ports.BackendMongoDB
}

// Get loads one document by key
func (s *Store) Get(ctx context.Context, e *schema.Entity, key ports.Key) (map[string]any, error) {
	var raw bson.M
	err := s.collection(e.Collection).FindOne(ctx, KeyFilter(key, nil)).Decode(&raw)
	if stderrors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.NewNotFoundError(fmt.Sprintf("%s/%s", e.Collection, key))
	}
	if err != nil {
		return nil, errors.NewStorageError("find_one", err)
	}
	return Decode(raw), nil
}

// Find runs the compiled filter with sort, projection and window options
func (s *Store) Find(ctx context.Context, e *schema.Entity, q *query.Model) ([]map[string]any, error) {
	compiled, err := s.compiler.CompileQuery(e, q)
	if err != nil {
		return nil, err
	}

	opts := options.Find()
	if len(compiled.Sort) > 0 {
		opts.SetSort(compiled.Sort)
	}
	if len(compiled.Projection) > 0 {
		opts.SetProjection(compiled.Projection)
	}
	if compiled.Skip > 0 {
		opts.SetSkip(compiled.Skip)
	}
	if compiled.Limit > 0 {
		opts.SetLimit(compiled.Limit)
	}

	s.logger.Debug("Executing compiled filter",
		zap.String("collection", e.Collection),
		zap.Int("predicates", len(q.Conditions)),
	)

	cursor, err := s.collection(e.Collection).Find(ctx, compiled.Filter, opts)
	if err != nil {
		return nil, errors.NewStorageError("find", err)
	}
	var raw []bson.M
	if err := cursor.All(ctx, &raw); err != nil {
		return nil, errors.NewStorageError("find", err)
	}
	results := make([]map[string]any, 0, len(raw))
	for _, doc := range raw {
		results = append(results, Decode(doc))
	}
	return results, nil
}

// Count counts documents matching the model's conditions
func (s *Store) Count(ctx context.Context, e *schema.Entity, q *query.Model) (int64, error) {
	compiled, err := s.compiler.CompileQuery(e, q)
	if err != nil {
		return 0, err
	}
	n, err := s.collection(e.Collection).CountDocuments(ctx, compiled.Filter)
	if err != nil {
		return 0, errors.NewStorageError("count_documents", err)
	}
	return n, nil
}

// Insert writes a whole document. Without ifAbsent an existing document is replaced.
func (s *Store) Insert(ctx context.Context, e *schema.Entity, key ports.Key, doc map[string]any, ifAbsent bool) error {
	stored := make(bson.M, len(doc)+1)
	for k, v := range doc {
		stored[k] = v
	}
	stored[IDField] = DocumentID(key)

	coll := s.collection(e.Collection)
	var err error
	if ifAbsent {
		_, err = coll.InsertOne(ctx, stored)
	} else {
		_, err = coll.ReplaceOne(ctx, KeyFilter(key, nil), stored, options.Replace().SetUpsert(true))
	}
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("insert %s/%s: %w", e.Collection, key, ports.ErrConditionFailed)
		}
		return errors.NewStorageError("insert", err)
	}

	s.logger.Debug("Document written",
		zap.String("collection", e.Collection),
		zap.String("key", key.String()),
		zap.Bool("if_absent", ifAbsent),
	)
	return nil
}

// Update applies a change set with one UpdateOne. No matched document means
// the record is gone or its version moved on.
func (s *Store) Update(ctx context.Context, e *schema.Entity, key ports.Key, cs changes.ChangeSet, expect *ports.Expectation) error {
	compiled, err := s.compiler.CompileUpdate(e, cs, expect)
	if err != nil {
		return err
	}
	if compiled.NoOp {
		return nil
	}
	res, err := s.collection(e.Collection).UpdateOne(ctx, KeyFilter(key, compiled.Condition), compiled.Update)
	if err != nil {
		return errors.NewStorageError("update_one", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("update %s/%s: %w", e.Collection, key, ports.ErrConditionFailed)
	}

	s.logger.Debug("Document updated",
		zap.String("collection", e.Collection),
		zap.String("key", key.String()),
		zap.Int("operations", compiled.Operations),
	)
	return nil
}

// Delete removes one document
func (s *Store) Delete(ctx context.Context, e *schema.Entity, key ports.Key, expect *ports.Expectation) error {
	var cond bson.D
	if expect != nil {
		cond = bson.D{{Key: expect.Field, Value: expect.Version}}
	}
	res, err := s.collection(e.Collection).DeleteOne(ctx, KeyFilter(key, cond))
	if err != nil {
		return errors.NewStorageError("delete_one", err)
	}
	if expect != nil && res.DeletedCount == 0 {
		return fmt.Errorf("delete %s/%s: %w", e.Collection, key, ports.ErrConditionFailed)
	}
	return nil
}

// Decode turns a decoded bson document into plain Go values: nested documents
// become maps, arrays become []any and 32-bit integers widen to int64. The
// document id is dropped.
func Decode(raw bson.M) map[string]any {
	doc := make(map[string]any, len(raw))
	for k, v := range raw {
		if k == IDField {
			continue
		}
		doc[k] = normalize(v)
	}
	return doc
}

func normalize(v any) any {
	switch t := v.(type) {
	case primitive.M:
		m := make(map[string]any, len(t))
		for k, x := range t {
			m[k] = normalize(x)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, x := range t {
			m[k] = normalize(x)
		}
		return m
	case primitive.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = normalize(e.Value)
		}
		return m
	case primitive.A:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = normalize(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = normalize(x)
		}
		return out
	case int32:
		return int64(t)
	case primitive.DateTime:
		return t.Time().UTC()
	default:
		return v
	}
}
