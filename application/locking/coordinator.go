// Package locking owns the version field of versioned entities. A first save
// writes version 0 with insert-if-absent; later saves expect the version they
// read and write the next one.
package locking

import (
	"context"
	stderrors "errors"
	"fmt"

	"polystore/application/ports"
	"polystore/domain/changes"
	"polystore/domain/schema"
	"polystore/pkg/errors"
	"polystore/pkg/observability"

	"go.uber.org/zap"
)

// Coordinator writes tracked entities under optimistic locking
type Coordinator struct {
	store   ports.Store
	metrics *observability.Collector
	logger  *zap.Logger
}

// NewCoordinator creates a coordinator over store. The collector may be nil.
func NewCoordinator(store ports.Store, metrics *observability.Collector, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{store: store, metrics: metrics, logger: logger}
}

// Store returns the backend the coordinator writes to
func (c *Coordinator) Store() ports.Store {
	return c.store
}

// Save writes a tracked entity. New entities are inserted, persisted ones are
// updated with their dirty records only. A clean persisted entity is not
// written. On success the entity is marked persisted; on failure its version
// is left as it was before the call.
func (c *Coordinator) Save(ctx context.Context, ent *changes.Entity) error {
	s := ent.Schema()
	if s == nil {
		return errors.NewValidationError("only top-level tracked entities can be saved")
	}
	key, err := ports.KeyOf(s, ent.Raw())
	if err != nil {
		return err
	}

	if ent.IsNew() {
		return c.insert(ctx, s, key, ent)
	}
	if !ent.IsDirty() {
		return nil
	}
	return c.update(ctx, s, key, ent)
}

func (c *Coordinator) insert(ctx context.Context, s *schema.Entity, key ports.Key, ent *changes.Entity) error {
	if !s.Versioned {
		if err := c.store.Insert(ctx, s, key, ent.Raw(), false); err != nil {
			return err
		}
		ent.MarkPersisted()
		return nil
	}

	prev, hadVersion := ent.Version()
	ent.SetVersion(0)
	err := c.store.Insert(ctx, s, key, ent.Raw(), true)
	if err == nil {
		ent.MarkPersisted()
		return nil
	}

	if hadVersion {
		ent.SetVersion(prev)
	} else {
		ent.ClearVersion()
	}
	if stderrors.Is(err, ports.ErrConditionFailed) {
		c.metrics.RecordConflict(s.Collection)
		return errors.NewAlreadyExistsError(resource(s, key)).WithCause(err)
	}
	return err
}

func (c *Coordinator) update(ctx context.Context, s *schema.Entity, key ports.Key, ent *changes.Entity) error {
	if !s.Versioned {
		return c.markOnSuccess(ent, c.store.Update(ctx, s, key, ent.Changes(), nil))
	}

	version, ok := ent.Version()
	if !ok {
		return errors.NewValidationError(fmt.Sprintf("%s has no %s to lock on", resource(s, key), s.VersionField))
	}
	expect := &ports.Expectation{Field: s.VersionField, Version: version}
	err := c.store.Update(ctx, s, key, ent.Changes(), expect)
	if err == nil {
		ent.SetVersion(expect.Next())
		ent.MarkPersisted()
		return nil
	}
	return c.classify(ctx, s, key, version, err)
}

func (c *Coordinator) markOnSuccess(ent *changes.Entity, err error) error {
	if err != nil {
		return err
	}
	ent.MarkPersisted()
	return nil
}

// UpdateKey applies a standalone change set to the record with the given key.
// With an expectation the write is conditional on the stored version and an
// unmet condition is classified like a tracked save.
func (c *Coordinator) UpdateKey(ctx context.Context, s *schema.Entity, key ports.Key, cs changes.ChangeSet, expect *ports.Expectation) error {
	err := c.store.Update(ctx, s, key, cs, expect)
	if err == nil || expect == nil {
		return err
	}
	return c.classify(ctx, s, key, expect.Version, err)
}

// Delete removes a tracked entity. A persisted versioned entity is deleted
// only while the stored version still matches.
func (c *Coordinator) Delete(ctx context.Context, ent *changes.Entity) error {
	s := ent.Schema()
	if s == nil {
		return errors.NewValidationError("only top-level tracked entities can be deleted")
	}
	key, err := ports.KeyOf(s, ent.Raw())
	if err != nil {
		return err
	}

	var expect *ports.Expectation
	if version, ok := ent.Version(); ok && !ent.IsNew() {
		expect = &ports.Expectation{Field: s.VersionField, Version: version}
	}
	return c.DeleteKey(ctx, s, key, expect)
}

// DeleteKey removes the record with the given key, conditional on expect when set
func (c *Coordinator) DeleteKey(ctx context.Context, s *schema.Entity, key ports.Key, expect *ports.Expectation) error {
	err := c.store.Delete(ctx, s, key, expect)
	if err == nil || expect == nil {
		return err
	}
	return c.classify(ctx, s, key, expect.Version, err)
}

// classify turns an unmet write condition into a conflict when the stored
// record carries a strictly newer version than the one the write assumed.
// Any other failure is returned unchanged.
func (c *Coordinator) classify(ctx context.Context, s *schema.Entity, key ports.Key, assumed int64, err error) error {
	if !stderrors.Is(err, ports.ErrConditionFailed) {
		return err
	}
	remote, getErr := c.store.Get(ctx, s, key)
	if getErr != nil {
		c.logger.Debug("Could not read remote version",
			zap.String("collection", s.Collection),
			zap.String("key", key.String()),
			zap.Error(getErr),
		)
		return err
	}
	current, ok := changes.ToInt64(remote[s.VersionField])
	if !ok || current <= assumed {
		return err
	}

	c.metrics.RecordConflict(s.Collection)
	c.logger.Info("Optimistic lock conflict",
		zap.String("collection", s.Collection),
		zap.String("key", key.String()),
		zap.Int64("expected_version", assumed),
		zap.Int64("actual_version", current),
	)
	return errors.NewConflictError(resource(s, key), assumed, current).WithCause(err)
}

func resource(s *schema.Entity, key ports.Key) string {
	return fmt.Sprintf("%s/%s", s.Collection, key)
}
