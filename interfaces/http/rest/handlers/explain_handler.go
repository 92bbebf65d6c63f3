package handlers

import (
	"net/http"

	"polystore/application/ports"
	"polystore/domain/changes"
	"polystore/domain/query"
	"polystore/infrastructure/persistence/abstractions"
	"polystore/pkg/common"
	"polystore/pkg/errors"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ExplainHandler compiles query models and change sets without running them
type ExplainHandler struct {
	compilers    *abstractions.Registry
	errorHandler *errors.ErrorHandler
	logger       *zap.Logger
}

// NewExplainHandler creates a new explain handler
func NewExplainHandler(compilers *abstractions.Registry, errorHandler *errors.ErrorHandler, logger *zap.Logger) *ExplainHandler {
	return &ExplainHandler{
		compilers:    compilers,
		errorHandler: errorHandler,
		logger:       logger,
	}
}

// CatalogResponse lists what can be compiled
type CatalogResponse struct {
	Backends    []string `json:"backends"`
	Collections []string `json:"collections"`
	Operators   []string `json:"operators"`
}

// UpdateRequest is the body of an update explanation
type UpdateRequest struct {
	Key     ports.Key          `json:"key"`
	Changes changes.ChangeSet  `json:"changes"`
	Expect  *ports.Expectation `json:"expect,omitempty"`
}

// Catalog handles GET /api/v1/catalog
func (h *ExplainHandler) Catalog(w http.ResponseWriter, r *http.Request) {
	ops := query.Operators()
	names := make([]string, len(ops))
	for i, op := range ops {
		names[i] = string(op)
	}
	common.RespondJSON(w, http.StatusOK, CatalogResponse{
		Backends:    h.compilers.Backends(),
		Collections: h.compilers.Collections(),
		Operators:   names,
	})
}

// ExplainQuery handles POST /api/v1/compile/{backend}/{collection}
func (h *ExplainHandler) ExplainQuery(w http.ResponseWriter, r *http.Request) {
	backend := chi.URLParam(r, "backend")
	collection := chi.URLParam(r, "collection")

	var q query.Model
	if err := common.ParseJSONBody(r, &q, common.MaxBodyBytes); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	if err := q.Validate(); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	out, err := h.compilers.ExplainQuery(backend, collection, &q)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	h.logger.Debug("Query compiled",
		zap.String("backend", backend),
		zap.String("collection", collection),
		zap.Int("conditions", len(q.Conditions)),
	)
	common.RespondJSON(w, http.StatusOK, out)
}

// ExplainUpdate handles POST /api/v1/compile/{backend}/{collection}/update
func (h *ExplainHandler) ExplainUpdate(w http.ResponseWriter, r *http.Request) {
	backend := chi.URLParam(r, "backend")
	collection := chi.URLParam(r, "collection")

	var req UpdateRequest
	if err := common.ParseJSONBody(r, &req, common.MaxBodyBytes); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	if req.Key.Hash == nil {
		h.errorHandler.Handle(w, r, errors.NewValidationError("key.hash is required"))
		return
	}

	out, err := h.compilers.ExplainUpdate(backend, collection, req.Key, req.Changes, req.Expect)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	h.logger.Debug("Update compiled",
		zap.String("backend", backend),
		zap.String("collection", collection),
		zap.Int("records", len(req.Changes.Records)),
	)
	common.RespondJSON(w, http.StatusOK, out)
}
