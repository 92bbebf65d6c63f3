// Package session implements the unit of work. A Session collects saves and
// deletes per collection and writes them in one best-effort flush. It travels
// in the context handed out by Manager.Begin; entering again on the same
// context pushes a frame instead of starting a new session.
package session

import (
	"context"
	"fmt"
	"strings"

	"polystore/application/locking"
	"polystore/application/ports"
	"polystore/domain/changes"
	"polystore/domain/query"
	"polystore/domain/schema"
	"polystore/pkg/common"
	"polystore/pkg/errors"
	"polystore/pkg/observability"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// DefaultCacheSize bounds the identity cache when no size is configured.
const DefaultCacheSize = 1024

type contextKey struct{}

// Frame describes one entry into a session.
type Frame struct {
	Creator string
	Depth   int
}

// Manager starts sessions. It is safe for concurrent use; the sessions it
// starts are not.
type Manager struct {
	coordinator *locking.Coordinator
	access      ports.AccessController
	metrics     *observability.Collector
	logger      *zap.Logger
	cacheSize   int
}

// NewManager creates a session manager. A nil access controller allows
// everything and a non-positive cache size selects DefaultCacheSize.
func NewManager(coordinator *locking.Coordinator, access ports.AccessController, metrics *observability.Collector, logger *zap.Logger, cacheSize int) *Manager {
	if access == nil {
		access = ports.AllowAll{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	return &Manager{
		coordinator: coordinator,
		access:      access,
		metrics:     metrics,
		logger:      logger,
		cacheSize:   cacheSize,
	}
}

// FromContext returns the open session carried by ctx
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(contextKey{}).(*Session)
	if !ok || s.closed {
		return nil, false
	}
	return s, true
}

// Begin enters the session carried by ctx, or starts a new one. Every Begin
// must be paired with a call to End on the returned session.
func (m *Manager) Begin(ctx context.Context, creator string) (context.Context, *Session, error) {
	if s, ok := FromContext(ctx); ok {
		s.push(creator)
		return ctx, s, nil
	}

	cache, err := lru.New[string, *changes.Entity](m.cacheSize)
	if err != nil {
		return ctx, nil, errors.NewInternalError("create identity cache").WithCause(err)
	}
	s := &Session{
		id:          uuid.NewString(),
		manager:     m,
		cache:       cache,
		collections: make(map[string]*pending),
	}
	s.logger = m.logger.With(zap.String("session_id", s.id))
	s.push(creator)
	s.logger.Debug("Session started", zap.String("creator", creator))
	return context.WithValue(ctx, contextKey{}, s), s, nil
}

// Run executes fn inside a session frame and flushes when the frame is the
// outermost one and fn succeeded. The returned report is nil when nothing was
// flushed.
func (m *Manager) Run(ctx context.Context, creator string, fn func(ctx context.Context, s *Session) error) (*FlushReport, error) {
	ctx, s, err := m.Begin(ctx, creator)
	if err != nil {
		return nil, err
	}
	defer s.End()

	if err := fn(ctx, s); err != nil {
		return nil, err
	}
	if !s.Outermost() {
		return nil, nil
	}
	report := s.Flush(ctx)
	return report, report.Err()
}

// pending is the unflushed work of one collection.
type pending struct {
	entity      *schema.Entity
	saves       map[string]*changes.Entity
	saveOrder   []string
	deletes     map[string]*ports.Expectation
	deleteKeys  map[string]ports.Key
	deleteOrder []string
}

func newPending(e *schema.Entity) *pending {
	return &pending{
		entity:     e,
		saves:      make(map[string]*changes.Entity),
		deletes:    make(map[string]*ports.Expectation),
		deleteKeys: make(map[string]ports.Key),
	}
}

func (p *pending) removeSave(id string) {
	if _, ok := p.saves[id]; !ok {
		return
	}
	delete(p.saves, id)
	for i, x := range p.saveOrder {
		if x == id {
			p.saveOrder = append(p.saveOrder[:i:i], p.saveOrder[i+1:]...)
			break
		}
	}
}

// Session is a unit of work. It must only be used by the call chain that
// began it.
type Session struct {
	id      string
	manager *Manager
	frames  []Frame
	closed  bool

	cache       *lru.Cache[string, *changes.Entity]
	collections map[string]*pending
	touched     []string

	logger *zap.Logger
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Depth returns the number of open frames
func (s *Session) Depth() int {
	return len(s.frames)
}

// Frame returns the innermost frame
func (s *Session) Frame() Frame {
	if len(s.frames) == 0 {
		return Frame{}
	}
	return s.frames[len(s.frames)-1]
}

// Outermost reports whether the innermost frame is the one that started the session
func (s *Session) Outermost() bool {
	return len(s.frames) == 1
}

func (s *Session) push(creator string) {
	s.frames = append(s.frames, Frame{Creator: creator, Depth: len(s.frames) + 1})
}

// End pops the innermost frame. Popping the last frame discards all
// unflushed work and closes the session.
func (s *Session) End() {
	if s.closed || len(s.frames) == 0 {
		return
	}
	s.frames = s.frames[:len(s.frames)-1]
	if len(s.frames) > 0 {
		return
	}

	discarded := 0
	for _, p := range s.collections {
		discarded += len(p.saveOrder) + len(p.deleteOrder)
	}
	s.collections = make(map[string]*pending)
	s.touched = nil
	s.cache.Purge()
	s.closed = true
	s.logger.Debug("Session closed", zap.Int("discarded", discarded))
}

func (s *Session) check() error {
	if s.closed {
		return errors.NewInternalError(fmt.Sprintf("session %s is closed", s.id))
	}
	return nil
}

func (s *Session) pendingFor(e *schema.Entity) *pending {
	p, ok := s.collections[e.Collection]
	if !ok {
		p = newPending(e)
		s.collections[e.Collection] = p
		s.touched = append(s.touched, e.Collection)
	}
	return p
}

func (s *Session) authorize(ctx context.Context, e *schema.Entity, key *ports.Key, op query.Operation, principal string) error {
	if principal == "" {
		principal, _ = common.GetPrincipal(ctx)
	}
	return ports.Authorize(ctx, s.manager.access, ports.Access{
		Collection: e.Collection,
		Key:        key,
		Operation:  op,
		Principal:  principal,
	})
}

// Save queues a tracked entity for writing at flush. Saving an identifier
// that has a pending delete is dropped: the delete wins. Saving the same
// identifier again replaces the earlier entity but keeps its position.
func (s *Session) Save(ctx context.Context, ent *changes.Entity) error {
	if err := s.check(); err != nil {
		return err
	}
	e := ent.Schema()
	if e == nil {
		return errors.NewValidationError("only top-level tracked entities can be saved")
	}
	raw := ent.Raw()
	key, err := ports.KeyOf(e, raw)
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, e, &key, query.OperationWrite, ""); err != nil {
		return err
	}

	if !s.track(e, key.String(), ent) {
		s.logger.Debug("Save dropped for pending delete",
			zap.String("collection", e.Collection),
			zap.String("key", key.String()),
		)
		return nil
	}
	s.remember(e, raw, ent)
	return nil
}

// track registers ent as a pending save unless its identifier is pending deletion
func (s *Session) track(e *schema.Entity, id string, ent *changes.Entity) bool {
	p := s.pendingFor(e)
	if _, deleted := p.deletes[id]; deleted {
		return false
	}
	if _, ok := p.saves[id]; !ok {
		p.saveOrder = append(p.saveOrder, id)
	}
	p.saves[id] = ent
	return true
}

// remember caches ent under every lookup key its values cover
func (s *Session) remember(e *schema.Entity, raw map[string]any, ent *changes.Entity) {
	for _, fields := range e.LookupKeys() {
		if k, ok := e.NormalizedKey(fields, raw); ok {
			s.cache.Add(k, ent)
		}
	}
}

func (s *Session) forget(e *schema.Entity, raw map[string]any) {
	for _, fields := range e.LookupKeys() {
		if k, ok := e.NormalizedKey(fields, raw); ok {
			s.cache.Remove(k)
		}
	}
}

// Delete queues the record with the given key for deletion at flush and
// drops any pending save of it.
func (s *Session) Delete(ctx context.Context, e *schema.Entity, key ports.Key) error {
	return s.queueDelete(ctx, e, key, nil)
}

// DeleteEntity queues a tracked entity for deletion. A persisted versioned
// entity is only deleted while the stored version matches its own.
func (s *Session) DeleteEntity(ctx context.Context, ent *changes.Entity) error {
	e := ent.Schema()
	if e == nil {
		return errors.NewValidationError("only top-level tracked entities can be deleted")
	}
	key, err := ports.KeyOf(e, ent.Raw())
	if err != nil {
		return err
	}
	var expect *ports.Expectation
	if version, ok := ent.Version(); ok && !ent.IsNew() {
		expect = &ports.Expectation{Field: e.VersionField, Version: version}
	}
	return s.queueDelete(ctx, e, key, expect)
}

func (s *Session) queueDelete(ctx context.Context, e *schema.Entity, key ports.Key, expect *ports.Expectation) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.authorize(ctx, e, &key, query.OperationWrite, ""); err != nil {
		return err
	}

	p := s.pendingFor(e)
	id := key.String()
	if saved, ok := p.saves[id]; ok {
		s.forget(e, saved.Raw())
		p.removeSave(id)
	}
	s.forget(e, key.Fields(e))
	if _, ok := p.deletes[id]; !ok {
		p.deleteOrder = append(p.deleteOrder, id)
	}
	p.deletes[id] = expect
	p.deleteKeys[id] = key
	return nil
}

// Find returns the single entity matching q. A query that pins a lookup key
// with equality conditions is answered from the identity cache when possible.
// The returned entity is tracked by the session either way, so mutating it
// and flushing writes the changes.
func (s *Session) Find(ctx context.Context, e *schema.Entity, q *query.Model) (*changes.Entity, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, e, nil, query.OperationRead, principalOf(q)); err != nil {
		return nil, err
	}

	cacheKey, cacheable := lookupKey(e, q)
	if cacheable {
		if ent, ok := s.cache.Get(cacheKey); ok {
			s.manager.metrics.RecordCache(true)
			if key, err := ports.KeyOf(e, ent.Raw()); err == nil {
				s.track(e, key.String(), ent)
			}
			return ent, nil
		}
		s.manager.metrics.RecordCache(false)
	}

	bounded := q.Clone()
	if bounded.MaxResults == 0 || bounded.MaxResults > 2 {
		bounded.MaxResults = 2
	}
	docs, err := s.manager.coordinator.Store().Find(ctx, e, bounded)
	if err != nil {
		return nil, err
	}
	switch len(docs) {
	case 0:
		return nil, errors.NewNotFoundError(e.Collection)
	case 1:
	default:
		return nil, errors.NewTooManyResultsError(e.Collection, len(docs))
	}
	full := q.Projection == nil || len(q.Projection.Fields) == 0
	return s.adopt(e, docs[0], full), nil
}

// FindAll returns every entity matching q, each tracked by the session
func (s *Session) FindAll(ctx context.Context, e *schema.Entity, q *query.Model) ([]*changes.Entity, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, e, nil, query.OperationRead, principalOf(q)); err != nil {
		return nil, err
	}

	docs, err := s.manager.coordinator.Store().Find(ctx, e, q)
	if err != nil {
		return nil, err
	}
	full := q.Projection == nil || len(q.Projection.Fields) == 0
	out := make([]*changes.Entity, 0, len(docs))
	for _, doc := range docs {
		out = append(out, s.adopt(e, doc, full))
	}
	return out, nil
}

// adopt wraps a fetched document, reusing the tracked entity already pending
// for the same identifier so that one record has one wrapper per session.
func (s *Session) adopt(e *schema.Entity, doc map[string]any, cache bool) *changes.Entity {
	key, err := ports.KeyOf(e, doc)
	if err != nil {
		// without its key attributes the record cannot be written back
		return changes.Track(e, doc)
	}
	id := key.String()
	if p, ok := s.collections[e.Collection]; ok {
		if existing, ok := p.saves[id]; ok {
			return existing
		}
	}
	ent := changes.Track(e, doc)
	s.track(e, id, ent)
	if cache {
		s.remember(e, doc, ent)
	}
	return ent
}

// PendingSaves returns the identifiers queued for saving in collection
func (s *Session) PendingSaves(collection string) []string {
	if p, ok := s.collections[collection]; ok {
		return append([]string(nil), p.saveOrder...)
	}
	return nil
}

// PendingDeletes returns the identifiers queued for deletion in collection
func (s *Session) PendingDeletes(collection string) []string {
	if p, ok := s.collections[collection]; ok {
		return append([]string(nil), p.deleteOrder...)
	}
	return nil
}

// Flush writes the pending work of every touched collection. Each save and
// delete is attempted independently and its outcome recorded in the report.
// Afterwards the collection's pending work and cached entities are dropped.
// Called from a nested frame, Flush does nothing and returns an empty report.
func (s *Session) Flush(ctx context.Context) *FlushReport {
	report := newFlushReport()
	if s.closed || !s.Outermost() {
		s.logger.Debug("Flush skipped", zap.Int("depth", len(s.frames)), zap.Bool("closed", s.closed))
		return report
	}

	for _, collection := range s.touched {
		p := s.collections[collection]
		for _, id := range p.saveOrder {
			ent := p.saves[id]
			if !ent.IsDirty() {
				report.Unchanged = append(report.Unchanged, resourceID(collection, id))
				continue
			}
			err := s.manager.coordinator.Save(ctx, ent)
			s.manager.metrics.RecordFlush(collection, "save", err)
			report.record(resourceID(collection, id), err, &report.Saved)
		}
		for _, id := range p.deleteOrder {
			err := s.manager.coordinator.DeleteKey(ctx, p.entity, p.deleteKeys[id], p.deletes[id])
			s.manager.metrics.RecordFlush(collection, "delete", err)
			report.record(resourceID(collection, id), err, &report.Deleted)
		}
		s.evict(collection)
		delete(s.collections, collection)
	}
	s.touched = nil

	if len(report.Failures) > 0 {
		s.logger.Warn("Flush completed with failures",
			zap.Int("saved", len(report.Saved)),
			zap.Int("deleted", len(report.Deleted)),
			zap.Strings("failed", report.FailedIDs()),
		)
	} else {
		s.logger.Debug("Flush completed",
			zap.Int("saved", len(report.Saved)),
			zap.Int("deleted", len(report.Deleted)),
			zap.Int("unchanged", len(report.Unchanged)),
		)
	}
	return report
}

// evict drops the cached entities of one collection
func (s *Session) evict(collection string) {
	prefix := collection + "|"
	for _, k := range s.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.cache.Remove(k)
		}
	}
}

// lookupKey renders the identity cache key a query pins, if any. Only plain
// conjunctions of equalities that cover exactly one lookup key qualify.
func lookupKey(e *schema.Entity, q *query.Model) (string, bool) {
	if len(q.AssociationConditions) > 0 || q.Projection != nil || len(q.Conditions) == 0 {
		return "", false
	}
	values := make(map[string]any, len(q.Conditions))
	for _, c := range q.Conditions {
		if c.Operator != query.OpEqual || len(c.Operands) != 1 {
			return "", false
		}
		if _, dup := values[c.Field]; dup {
			return "", false
		}
		values[c.Field] = c.Operands[0]
	}
	for _, fields := range e.LookupKeys() {
		if len(fields) != len(values) {
			continue
		}
		if k, ok := e.NormalizedKey(fields, values); ok {
			return k, true
		}
	}
	return "", false
}

func principalOf(q *query.Model) string {
	if q.Authorization != nil {
		return q.Authorization.Principal
	}
	return ""
}

func resourceID(collection, id string) string {
	return collection + "/" + id
}
