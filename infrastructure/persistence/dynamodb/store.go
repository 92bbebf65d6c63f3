package dynamodb

import (
	"context"
	stderrors "errors"
	"fmt"

	"polystore/application/ports"
	"polystore/domain/changes"
	"polystore/domain/query"
	"polystore/domain/schema"
	"polystore/pkg/errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// Client is the subset of *dynamodb.Client the store calls.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

var _ Client = (*dynamodb.Client)(nil)

// Store implements ports.Store on DynamoDB. Each collection maps to one table
// named by the table prefix followed by the collection name.
type Store struct {
	client      Client
	compiler    *Compiler
	tablePrefix string
	pageSize    int32
	logger      *zap.Logger
}

// NewStore creates a new DynamoDB store
func NewStore(client Client, tablePrefix string, pageSize int32, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client:      client,
		compiler:    NewCompiler(),
		tablePrefix: tablePrefix,
		pageSize:    pageSize,
		logger:      logger,
	}
}

var _ ports.Store = (*Store)(nil)

// Backend returns the backend name
func (s *Store) Backend() string {
	return ports.BackendDynamoDB
}

func (s *Store) table(e *schema.Entity) *string {
	return aws.String(s.tablePrefix + e.Collection)
}

// Get loads one item by primary key with a consistent read
func (s *Store) Get(ctx context.Context, e *schema.Entity, key ports.Key) (map[string]any, error) {
	av, err := MarshalKey(e, key)
	if err != nil {
		return nil, err
	}
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      s.table(e),
		Key:            av,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, errors.NewStorageError("get_item", err)
	}
	if result.Item == nil {
		return nil, errors.NewNotFoundError(fmt.Sprintf("%s/%s", e.Collection, key))
	}
	return UnmarshalItem(result.Item)
}

// Find runs a Query when a key selection is possible and a Scan otherwise.
// The result window is applied while paging, after the filter.
func (s *Store) Find(ctx context.Context, e *schema.Entity, q *query.Model) ([]map[string]any, error) {
	compiled, err := s.compiler.CompileQuery(e, q)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Executing compiled query",
		zap.String("collection", e.Collection),
		zap.Bool("scan", compiled.Selection.Scan()),
		zap.String("index", compiled.Selection.IndexName),
		zap.Int("residual", len(compiled.Selection.Residual)),
	)

	var (
		results []map[string]any
		skipped int
	)
	err = s.pages(ctx, e, compiled, false, func(items []map[string]types.AttributeValue, _ int32) (bool, error) {
		for _, item := range items {
			if skipped < compiled.FirstResult {
				skipped++
				continue
			}
			doc, err := UnmarshalItem(item)
			if err != nil {
				return false, err
			}
			results = append(results, doc)
			if compiled.MaxResults > 0 && len(results) >= compiled.MaxResults {
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Count counts matching items with Select COUNT
func (s *Store) Count(ctx context.Context, e *schema.Entity, q *query.Model) (int64, error) {
	counted := q.Clone()
	counted.Projection = nil
	counted.Sorts = nil
	compiled, err := s.compiler.CompileQuery(e, counted)
	if err != nil {
		return 0, err
	}
	var total int64
	err = s.pages(ctx, e, compiled, true, func(_ []map[string]types.AttributeValue, count int32) (bool, error) {
		total += int64(count)
		return true, nil
	})
	return total, err
}

// pages walks every result page until visit reports false.
func (s *Store) pages(
	ctx context.Context,
	e *schema.Entity,
	compiled *CompiledQuery,
	count bool,
	visit func(items []map[string]types.AttributeValue, count int32) (bool, error),
) error {
	var (
		startKey map[string]types.AttributeValue
		limit    *int32
		selectOp types.Select
	)
	if s.pageSize > 0 {
		limit = aws.Int32(s.pageSize)
	}
	if count {
		selectOp = types.SelectCount
	}

	for {
		var (
			items   []map[string]types.AttributeValue
			n       int32
			lastKey map[string]types.AttributeValue
		)
		if compiled.Selection.Scan() {
			out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
				TableName:                 s.table(e),
				FilterExpression:          compiled.Filter,
				ProjectionExpression:      compiled.Projection,
				ExpressionAttributeNames:  names(compiled.Names),
				ExpressionAttributeValues: values(compiled.Values),
				ExclusiveStartKey:         startKey,
				Limit:                     limit,
				Select:                    selectOp,
			})
			if err != nil {
				return errors.NewStorageError("scan", err)
			}
			items, n, lastKey = out.Items, out.Count, out.LastEvaluatedKey
		} else {
			input := &dynamodb.QueryInput{
				TableName:                 s.table(e),
				KeyConditionExpression:    compiled.KeyCondition,
				FilterExpression:          compiled.Filter,
				ProjectionExpression:      compiled.Projection,
				ExpressionAttributeNames:  names(compiled.Names),
				ExpressionAttributeValues: values(compiled.Values),
				ScanIndexForward:          compiled.ScanIndexForward,
				ExclusiveStartKey:         startKey,
				Limit:                     limit,
				Select:                    selectOp,
			}
			if compiled.Selection.IndexName != "" {
				input.IndexName = aws.String(compiled.Selection.IndexName)
			}
			out, err := s.client.Query(ctx, input)
			if err != nil {
				return errors.NewStorageError("query", err)
			}
			items, n, lastKey = out.Items, out.Count, out.LastEvaluatedKey
		}

		more, err := visit(items, n)
		if err != nil {
			return err
		}
		if !more || len(lastKey) == 0 {
			return nil
		}
		startKey = lastKey
	}
}

// Insert writes a whole item, conditional on absence when ifAbsent is set
func (s *Store) Insert(ctx context.Context, e *schema.Entity, key ports.Key, doc map[string]any, ifAbsent bool) error {
	item, err := MarshalItem(doc)
	if err != nil {
		return err
	}
	cond, err := s.compiler.CompilePutCondition(e, ifAbsent)
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 s.table(e),
		Item:                      item,
		ConditionExpression:       cond.Condition,
		ExpressionAttributeNames:  names(cond.Names),
		ExpressionAttributeValues: values(cond.Values),
	})
	if err != nil {
		return classify("put_item", e, key, err)
	}

	s.logger.Debug("Item written",
		zap.String("collection", e.Collection),
		zap.String("key", key.String()),
		zap.Bool("if_absent", ifAbsent),
	)
	return nil
}

// Update applies a change set with UpdateItem
func (s *Store) Update(ctx context.Context, e *schema.Entity, key ports.Key, cs changes.ChangeSet, expect *ports.Expectation) error {
	compiled, err := s.compiler.CompileUpdate(e, cs, expect)
	if err != nil {
		return err
	}
	if compiled.NoOp {
		return nil
	}
	av, err := MarshalKey(e, key)
	if err != nil {
		return err
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 s.table(e),
		Key:                       av,
		UpdateExpression:          compiled.Update,
		ConditionExpression:       compiled.Condition,
		ExpressionAttributeNames:  names(compiled.Names),
		ExpressionAttributeValues: values(compiled.Values),
	})
	if err != nil {
		return classify("update_item", e, key, err)
	}

	s.logger.Debug("Item updated",
		zap.String("collection", e.Collection),
		zap.String("key", key.String()),
		zap.Int("operations", compiled.Operations),
	)
	return nil
}

// Delete removes one item
func (s *Store) Delete(ctx context.Context, e *schema.Entity, key ports.Key, expect *ports.Expectation) error {
	av, err := MarshalKey(e, key)
	if err != nil {
		return err
	}
	cond, err := s.compiler.CompileDeleteCondition(expect)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 s.table(e),
		Key:                       av,
		ConditionExpression:       cond.Condition,
		ExpressionAttributeNames:  names(cond.Names),
		ExpressionAttributeValues: values(cond.Values),
	})
	if err != nil {
		return classify("delete_item", e, key, err)
	}
	return nil
}

// classify maps a failed conditional check onto ports.ErrConditionFailed and
// wraps everything else as a storage failure.
func classify(op string, e *schema.Entity, key ports.Key, err error) error {
	if IsConditionalCheckFailed(err) {
		return fmt.Errorf("%s %s/%s: %w", op, e.Collection, key, ports.ErrConditionFailed)
	}
	return errors.NewStorageError(op, err)
}

// IsConditionalCheckFailed reports whether err is a failed condition expression.
func IsConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if stderrors.As(err, &ccf) {
		return true
	}
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "ConditionalCheckFailedException"
	}
	return false
}

func names(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}

func values(m map[string]types.AttributeValue) map[string]types.AttributeValue {
	if len(m) == 0 {
		return nil
	}
	return m
}
