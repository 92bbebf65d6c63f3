//go:build wireinject
// +build wireinject

package di

import (
	"context"

	"polystore/infrastructure/config"

	"github.com/google/wire"
)

// SuperSet is the main provider set containing all providers
var SuperSet = wire.NewSet(
	ProvideLogger,
	ProvideMetrics,
	ProvideTracer,
	ProvideSchemas,
	ProvideCompilers,
	ProvideStores,
	ProvideAccessController,
	ProvideBackends,
	ProvideValidator,
	ProvideErrorHandler,
	ProvideRouter,
	wire.Struct(new(Container), "*"),
)

// InitializeContainer creates a fully wired container. The cleanup flushes
// traces and closes every backend connection.
func InitializeContainer(ctx context.Context, cfg *config.Config) (*Container, func(), error) {
	wire.Build(SuperSet)
	return nil, nil, nil // Wire will replace this
}
