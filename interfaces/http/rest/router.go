package rest

import (
	"net/http"

	"polystore/domain/schema"
	"polystore/infrastructure/persistence/abstractions"
	"polystore/interfaces/http/rest/handlers"
	"polystore/interfaces/http/rest/middleware"
	"polystore/pkg/auth"
	"polystore/pkg/common"
	"polystore/pkg/errors"
	"polystore/pkg/observability"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Options toggles the optional parts of the router
type Options struct {
	EnableCORS    bool
	EnableMetrics bool
}

// Router creates and configures the HTTP router
type Router struct {
	compilers    *abstractions.Registry
	backends     handlers.Backends
	schemas      *schema.Registry
	validator    *auth.Validator
	metrics      *observability.Collector
	errorHandler *errors.ErrorHandler
	options      Options
	logger       *zap.Logger
}

// NewRouter creates a new router instance. A nil validator serves the API
// without authentication.
func NewRouter(
	compilers *abstractions.Registry,
	backends handlers.Backends,
	schemas *schema.Registry,
	validator *auth.Validator,
	metrics *observability.Collector,
	errorHandler *errors.ErrorHandler,
	options Options,
	logger *zap.Logger,
) *Router {
	return &Router{
		compilers:    compilers,
		backends:     backends,
		schemas:      schemas,
		validator:    validator,
		metrics:      metrics,
		errorHandler: errorHandler,
		options:      options,
		logger:       logger,
	}
}

// Setup configures all routes and middleware
func (rt *Router) Setup() http.Handler {
	router := chi.NewRouter()

	// Global middleware
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.Logger(rt.logger, rt.metrics))
	router.Use(rt.errorHandler.Middleware)

	if rt.options.EnableCORS {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	// Health check
	router.Get("/health", rt.healthCheck)
	router.Get("/ready", rt.readinessCheck)

	if rt.options.EnableMetrics && rt.metrics != nil {
		router.Handle("/metrics", rt.metrics.Handler())
	}

	explainHandler := handlers.NewExplainHandler(rt.compilers, rt.errorHandler, rt.logger)
	executeHandler := handlers.NewExecuteHandler(rt.backends, rt.schemas, rt.errorHandler, rt.logger)
	sessionHandler := handlers.NewSessionHandler(rt.backends, rt.schemas, rt.errorHandler, rt.logger)

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(rt.validator, rt.errorHandler, rt.logger))

		r.Get("/catalog", explainHandler.Catalog)

		r.Post("/compile/{backend}/{collection}", explainHandler.ExplainQuery)
		r.Post("/compile/{backend}/{collection}/update", explainHandler.ExplainUpdate)

		r.Post("/execute/{backend}/{collection}", executeHandler.Execute)
		r.Post("/sessions/{backend}", sessionHandler.Run)
	})

	return router
}

// healthCheck handles health check requests
func (rt *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	common.RespondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// readinessCheck reports ready once at least one backend can serve requests
func (rt *Router) readinessCheck(w http.ResponseWriter, req *http.Request) {
	if rt.compilers == nil || len(rt.compilers.Backends()) == 0 {
		rt.errorHandler.HandleStatus(w, req, http.StatusServiceUnavailable, "no backend configured")
		return
	}
	common.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ready",
		"backends": rt.compilers.Backends(),
	})
}
