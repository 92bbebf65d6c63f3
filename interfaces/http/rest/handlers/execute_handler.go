package handlers

import (
	"net/http"

	"polystore/application/executor"
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

// Backends resolves the runtime of a configured backend
type Backends interface {
	Executor(backend string) (*executor.Executor, error)
	Sessions(backend string) (*session.Manager, error)
}

// ExecuteHandler runs descriptors against a backend
type ExecuteHandler struct {
	backends     Backends
	schemas      *schema.Registry
	errorHandler *errors.ErrorHandler
	logger       *zap.Logger
}

// NewExecuteHandler creates a new execute handler
func NewExecuteHandler(backends Backends, schemas *schema.Registry, errorHandler *errors.ErrorHandler, logger *zap.Logger) *ExecuteHandler {
	return &ExecuteHandler{
		backends:     backends,
		schemas:      schemas,
		errorHandler: errorHandler,
		logger:       logger,
	}
}

// ExecuteRequest is one descriptor in JSON form
type ExecuteRequest struct {
	Kind    executor.Kind     `json:"kind"`
	Query   *query.Model      `json:"query,omitempty"`
	Changes changes.ChangeSet `json:"changes"`
	Keys    []ports.Key       `json:"keys,omitempty"`
}

// ExecuteResponse carries the field of the descriptor's kind
type ExecuteResponse struct {
	Record  map[string]any        `json:"record,omitempty"`
	Records []map[string]any      `json:"records,omitempty"`
	Count   *int64                `json:"count,omitempty"`
	Exists  *bool                 `json:"exists,omitempty"`
	Batch   *executor.BatchResult `json:"batch,omitempty"`
}

// Execute handles POST /api/v1/execute/{backend}/{collection}
func (h *ExecuteHandler) Execute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	backend := chi.URLParam(r, "backend")

	x, err := h.backends.Executor(backend)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	e, err := h.schemas.Lookup(chi.URLParam(r, "collection"))
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	var req ExecuteRequest
	if err := common.ParseJSONBody(r, &req, common.MaxBodyBytes); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	d := executor.Descriptor{Kind: req.Kind, Entity: e, Query: req.Query, Changes: req.Changes, Keys: req.Keys}

	var meta *common.MetaInfo
	page, paged := common.ExtractPaginationParams(r)
	if paged && d.Kind == executor.KindFindAll && d.Query != nil {
		total, err := x.Count(ctx, e, d.Query)
		if err != nil {
			h.errorHandler.Handle(w, r, err)
			return
		}
		d.Query = d.Query.Clone().Window(page.CalculateOffset(), page.PageSize)
		meta = &common.MetaInfo{Pagination: common.BuildPaginationMeta(page, total)}
	}

	res, err := x.Execute(ctx, d)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	out := ExecuteResponse{Batch: res.Batch}
	switch d.Kind {
	case executor.KindFindOne:
		out.Record = res.Entity.Raw()
	case executor.KindFindAll:
		out.Records = make([]map[string]any, len(res.Entities))
		for i, ent := range res.Entities {
			out.Records[i] = ent.Raw()
		}
	case executor.KindCount:
		out.Count = &res.Count
	case executor.KindExists:
		out.Exists = &res.Exists
	}

	h.logger.Debug("Descriptor executed",
		zap.String("backend", backend),
		zap.String("collection", e.Collection),
		zap.String("kind", string(d.Kind)),
	)
	if meta != nil {
		if id, ok := common.GetRequestID(ctx); ok {
			meta.RequestID = id
		}
	}
	common.RespondWithMeta(w, http.StatusOK, out, meta)
}
