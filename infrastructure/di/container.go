package di

import (
	"polystore/domain/schema"
	"polystore/infrastructure/config"
	"polystore/infrastructure/persistence/abstractions"
	"polystore/interfaces/http/rest"
	"polystore/pkg/observability"

	"go.uber.org/zap"
)

// Container holds all application dependencies
type Container struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *observability.Collector
	Schemas   *schema.Registry
	Compilers *abstractions.Registry
	Backends  *Backends
	Router    *rest.Router
}
