// Package resilient wraps a Store in a circuit breaker. Calls are never
// retried; an open breaker fails them fast with a storage error.
package resilient

import (
	"context"
	stderrors "errors"
	"time"

	"polystore/application/ports"
	"polystore/domain/changes"
	"polystore/domain/query"
	"polystore/domain/schema"
	"polystore/pkg/errors"
	"polystore/pkg/observability"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Config holds the breaker settings
type Config struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// FailureThreshold is the failure ratio that trips the breaker once
	// MinRequests calls have been counted
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultConfig returns the default breaker settings for a backend
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// Store decorates a ports.Store with a circuit breaker
type Store struct {
	next    ports.Store
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

var _ ports.Store = (*Store)(nil)

// NewStore wraps next. The collector may be nil.
func NewStore(next ports.Store, cfg Config, metrics *observability.Collector, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = next.Backend()
	}
	metrics.SetBreakerState(cfg.Name, float64(gobreaker.StateClosed))

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.SetBreakerState(name, float64(to))
		},
		IsSuccessful: IsHealthy,
	})

	return &Store{next: next, breaker: breaker, logger: logger}
}

// IsHealthy reports whether err leaves the backend's health untouched. Only
// storage failures count against the breaker; misses, conflicts and rejected
// input are answers from a working backend.
func IsHealthy(err error) bool {
	if err == nil || stderrors.Is(err, ports.ErrConditionFailed) {
		return true
	}
	return !errors.IsStorage(err)
}

// State returns the breaker state
func (s *Store) State() gobreaker.State {
	return s.breaker.State()
}

// Backend returns the wrapped backend name
func (s *Store) Backend() string {
	return s.next.Backend()
}

func (s *Store) execute(op string, fn func() (any, error)) (any, error) {
	out, err := s.breaker.Execute(fn)
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		s.logger.Debug("Circuit breaker rejected call",
			zap.String("breaker", s.breaker.Name()),
			zap.String("operation", op),
		)
		return nil, errors.NewStorageError(op, err).WithDetail("backend", s.next.Backend())
	}
	return out, err
}

// Get loads one record by key
func (s *Store) Get(ctx context.Context, e *schema.Entity, key ports.Key) (map[string]any, error) {
	out, err := s.execute("get", func() (any, error) {
		return s.next.Get(ctx, e, key)
	})
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// Find returns the records matching q
func (s *Store) Find(ctx context.Context, e *schema.Entity, q *query.Model) ([]map[string]any, error) {
	out, err := s.execute("find", func() (any, error) {
		return s.next.Find(ctx, e, q)
	})
	if err != nil {
		return nil, err
	}
	return out.([]map[string]any), nil
}

// Count counts the records matching q
func (s *Store) Count(ctx context.Context, e *schema.Entity, q *query.Model) (int64, error) {
	out, err := s.execute("count", func() (any, error) {
		return s.next.Count(ctx, e, q)
	})
	if err != nil {
		return 0, err
	}
	return out.(int64), nil
}

// Insert writes a whole record
func (s *Store) Insert(ctx context.Context, e *schema.Entity, key ports.Key, doc map[string]any, ifAbsent bool) error {
	_, err := s.execute("insert", func() (any, error) {
		return nil, s.next.Insert(ctx, e, key, doc, ifAbsent)
	})
	return err
}

// Update applies a change set
func (s *Store) Update(ctx context.Context, e *schema.Entity, key ports.Key, cs changes.ChangeSet, expect *ports.Expectation) error {
	_, err := s.execute("update", func() (any, error) {
		return nil, s.next.Update(ctx, e, key, cs, expect)
	})
	return err
}

// Delete removes one record
func (s *Store) Delete(ctx context.Context, e *schema.Entity, key ports.Key, expect *ports.Expectation) error {
	_, err := s.execute("delete", func() (any, error) {
		return nil, s.next.Delete(ctx, e, key, expect)
	})
	return err
}
