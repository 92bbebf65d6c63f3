// Package instrumented decorates a Store with metrics and spans.
package instrumented

import (
	"context"
	"time"

	"polystore/application/ports"
	"polystore/domain/changes"
	"polystore/domain/query"
	"polystore/domain/schema"
	"polystore/pkg/observability"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Store records a span and a metric sample per backend call
type Store struct {
	next    ports.Store
	metrics *observability.Collector
	tracer  *observability.Tracer
	logger  *zap.Logger
}

var _ ports.Store = (*Store)(nil)

// NewStore wraps next. A nil collector disables metrics.
func NewStore(next ports.Store, metrics *observability.Collector, tracer *observability.Tracer, logger *zap.Logger) *Store {
	if tracer == nil {
		tracer = observability.NewTracer("polystore")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{next: next, metrics: metrics, tracer: tracer, logger: logger}
}

// Backend returns the wrapped backend name
func (s *Store) Backend() string {
	return s.next.Backend()
}

func (s *Store) observe(ctx context.Context, op string, e *schema.Entity, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	started := time.Now()
	attrs = append(observability.StoreAttributes(s.next.Backend(), e.Collection, op), attrs...)
	err := s.tracer.TraceFunction(ctx, "store."+op, fn, attrs...)
	s.metrics.RecordStoreOperation(s.next.Backend(), op, e.Collection, started, err)
	if err != nil {
		s.logger.Debug("Store operation failed",
			zap.String("backend", s.next.Backend()),
			zap.String("operation", op),
			zap.String("collection", e.Collection),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err),
		)
	}
	return err
}

// Get loads one record by key
func (s *Store) Get(ctx context.Context, e *schema.Entity, key ports.Key) (map[string]any, error) {
	var doc map[string]any
	err := s.observe(ctx, "get", e, func(ctx context.Context) error {
		var err error
		doc, err = s.next.Get(ctx, e, key)
		return err
	}, attribute.String("db.key", key.String()))
	return doc, err
}

// Find returns the records matching q
func (s *Store) Find(ctx context.Context, e *schema.Entity, q *query.Model) ([]map[string]any, error) {
	var docs []map[string]any
	err := s.observe(ctx, "find", e, func(ctx context.Context) error {
		var err error
		docs, err = s.next.Find(ctx, e, q)
		return err
	}, attribute.Int("db.query.conditions", len(q.Conditions)))
	return docs, err
}

// Count counts the records matching q
func (s *Store) Count(ctx context.Context, e *schema.Entity, q *query.Model) (int64, error) {
	var n int64
	err := s.observe(ctx, "count", e, func(ctx context.Context) error {
		var err error
		n, err = s.next.Count(ctx, e, q)
		return err
	})
	return n, err
}

// Insert writes a whole record
func (s *Store) Insert(ctx context.Context, e *schema.Entity, key ports.Key, doc map[string]any, ifAbsent bool) error {
	return s.observe(ctx, "insert", e, func(ctx context.Context) error {
		return s.next.Insert(ctx, e, key, doc, ifAbsent)
	}, attribute.String("db.key", key.String()), attribute.Bool("db.if_absent", ifAbsent))
}

// Update applies a change set
func (s *Store) Update(ctx context.Context, e *schema.Entity, key ports.Key, cs changes.ChangeSet, expect *ports.Expectation) error {
	return s.observe(ctx, "update", e, func(ctx context.Context) error {
		return s.next.Update(ctx, e, key, cs, expect)
	}, attribute.String("db.key", key.String()), attribute.Int("db.records", len(cs.Records)))
}

// Delete removes one record
func (s *Store) Delete(ctx context.Context, e *schema.Entity, key ports.Key, expect *ports.Expectation) error {
	return s.observe(ctx, "delete", e, func(ctx context.Context) error {
		return s.next.Delete(ctx, e, key, expect)
	}, attribute.String("db.key", key.String()))
}
