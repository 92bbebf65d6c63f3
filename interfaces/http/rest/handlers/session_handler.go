package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"polystore/application/ports"
	"polystore/application/session"
	"polystore/domain/changes"
	"polystore/domain/query"
	"polystore/domain/schema"
	"polystore/pkg/common"
	"polystore/pkg/errors"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Operation kinds of a unit of work
const (
	OpSave   = "save"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Operation is one step of a unit of work. Save inserts Document as a new
// record, update applies top-level Changes to the record with Key and delete
// removes it.
type Operation struct {
	Op         string            `json:"op"`
	Collection string            `json:"collection"`
	Document   json.RawMessage   `json:"document,omitempty"`
	Key        *ports.Key        `json:"key,omitempty"`
	Changes    changes.ChangeSet `json:"changes"`
}

// UnitOfWorkRequest is the body of a unit of work
type UnitOfWorkRequest struct {
	Operations []Operation `json:"operations"`
}

// SessionHandler runs a batch of operations in one session and flushes it
type SessionHandler struct {
	backends     Backends
	schemas      *schema.Registry
	errorHandler *errors.ErrorHandler
	logger       *zap.Logger
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(backends Backends, schemas *schema.Registry, errorHandler *errors.ErrorHandler, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		backends:     backends,
		schemas:      schemas,
		errorHandler: errorHandler,
		logger:       logger,
	}
}

// Run handles POST /api/v1/sessions/{backend}
func (h *SessionHandler) Run(w http.ResponseWriter, r *http.Request) {
	backend := chi.URLParam(r, "backend")
	manager, err := h.backends.Sessions(backend)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	var req UnitOfWorkRequest
	if err := common.ParseJSONBody(r, &req, common.MaxBodyBytes); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	if len(req.Operations) == 0 {
		h.errorHandler.Handle(w, r, errors.NewValidationError("operations cannot be empty"))
		return
	}

	report, err := manager.Run(r.Context(), "http:"+backend, func(ctx context.Context, s *session.Session) error {
		for i, op := range req.Operations {
			if err := h.apply(ctx, s, op); err != nil {
				return errors.Wrap(err, fmt.Sprintf("operation %d", i))
			}
		}
		return nil
	})
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	h.logger.Info("Unit of work flushed",
		zap.String("backend", backend),
		zap.Int("operations", len(req.Operations)),
		zap.Int("saved", len(report.Saved)),
		zap.Int("deleted", len(report.Deleted)),
	)
	common.RespondJSON(w, http.StatusOK, report)
}

func (h *SessionHandler) apply(ctx context.Context, s *session.Session, op Operation) error {
	e, err := h.schemas.Lookup(op.Collection)
	if err != nil {
		return err
	}

	switch op.Op {
	case OpSave:
		decoded, err := query.DecodeValue(op.Document)
		if err != nil {
			return errors.NewValidationError(fmt.Sprintf("document: %v", err)).WithCause(err)
		}
		doc, ok := decoded.(map[string]any)
		if !ok {
			return errors.NewValidationError("document must be an object")
		}
		return s.Save(ctx, changes.New(e, doc))

	case OpUpdate:
		if op.Key == nil {
			return errors.NewValidationError("update needs a key")
		}
		ent, err := s.Find(ctx, e, keyQuery(e, *op.Key))
		if err != nil {
			return err
		}
		for _, rec := range op.Changes.Records {
			if err := applyRecord(ent, rec); err != nil {
				return err
			}
		}
		return nil

	case OpDelete:
		if op.Key == nil {
			return errors.NewValidationError("delete needs a key")
		}
		return s.Delete(ctx, e, *op.Key)

	default:
		return errors.NewValidationError(fmt.Sprintf("unknown operation %q", op.Op))
	}
}

func keyQuery(e *schema.Entity, key ports.Key) *query.Model {
	q := query.New(query.Eq(e.PrimaryKey.Hash, key.Hash))
	if e.PrimaryKey.Range != "" {
		q.Where(query.Eq(e.PrimaryKey.Range, key.Range))
	}
	return q
}

// applyRecord replays a top-level record on a tracked entity
func applyRecord(ent *changes.Entity, rec changes.Record) error {
	if rec.Nested() {
		return errors.NewUnsupportedError(fmt.Sprintf("%s on %s", rec.Kind, rec.Path), "unit of work")
	}
	switch rec.Kind {
	case changes.KindSet:
		ent.Set(rec.Path, rec.Value)
	case changes.KindRemove:
		ent.Remove(rec.Path)
	case changes.KindIncrement:
		return ent.Increment(rec.Path, rec.Delta)
	default:
		return errors.NewUnsupportedError(string(rec.Kind), "unit of work")
	}
	return nil
}
