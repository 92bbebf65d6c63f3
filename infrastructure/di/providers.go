package di

import (
	"context"
	"fmt"
	"sort"
	"time"

	"polystore/application/executor"
	"polystore/application/locking"
	"polystore/application/ports"
	"polystore/application/session"
	"polystore/domain/schema"
	"polystore/infrastructure/config"
	"polystore/infrastructure/persistence/abstractions"
	"polystore/infrastructure/persistence/document"
	"polystore/infrastructure/persistence/dynamodb"
	"polystore/infrastructure/persistence/instrumented"
	"polystore/infrastructure/persistence/memory"
	"polystore/infrastructure/persistence/resilient"
	sqlstore "polystore/infrastructure/persistence/sql"
	"polystore/interfaces/http/rest"
	"polystore/pkg/auth"
	"polystore/pkg/errors"
	"polystore/pkg/observability"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const serviceName = "polystore"

// dynamoPageSize bounds the items read per Query or Scan page
const dynamoPageSize int32 = 100

// ProvideLogger creates a new logger instance
func ProvideLogger(cfg *config.Config) (*zap.Logger, error) {
	return observability.NewLogger(cfg.LogLevel, cfg.Environment)
}

// ProvideMetrics creates the Prometheus collector, nil when metrics are disabled
func ProvideMetrics(cfg *config.Config) *observability.Collector {
	if !cfg.EnableMetrics {
		return nil
	}
	return observability.NewCollector(serviceName)
}

// ProvideTracer creates the tracer. With tracing enabled spans are batched to
// the OTLP collector and the cleanup flushes them; otherwise spans go to a
// no-op provider.
func ProvideTracer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*observability.Tracer, func(), error) {
	if !cfg.EnableTracing {
		return observability.NewTracerWithProvider(serviceName, noop.NewTracerProvider()), func() {}, nil
	}

	tp, err := observability.NewTracerProvider(ctx, observability.TracingConfig{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.OTLPEndpoint,
		SampleRate:  cfg.TraceSampleRate,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to flush traces", zap.Error(err))
		}
	}
	return observability.NewTracerWithProvider(serviceName, tp), cleanup, nil
}

// ProvideSchemas registers the configured entities
func ProvideSchemas(cfg *config.Config) (*schema.Registry, error) {
	return schema.NewRegistry(cfg.Entities...)
}

// ProvideCompilers registers a compiler for every backend that has one.
// Compilation needs no connection, so every backend can be explained
// whether or not it is enabled for execution.
func ProvideCompilers(cfg *config.Config, schemas *schema.Registry, metrics *observability.Collector) *abstractions.Registry {
	return abstractions.NewRegistry(schemas, metrics).Register(
		dynamodb.NewCompiler(),
		document.NewCompiler(),
		sqlstore.NewCompiler(sqlstore.Postgres, cfg.TablePrefix),
		sqlstore.NewCompiler(sqlstore.MySQL, cfg.TablePrefix),
		sqlstore.NewCompiler(sqlstore.SQLite, cfg.TablePrefix),
	)
}

// ProvideAWSConfig creates AWS configuration
func ProvideAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.AWSRegion),
	)
}

// ProvideDynamoDBClient creates a DynamoDB client. A configured endpoint
// points it at DynamoDB Local.
func ProvideDynamoDBClient(awsCfg aws.Config, cfg *config.Config) *awsdynamodb.Client {
	return awsdynamodb.NewFromConfig(awsCfg, func(o *awsdynamodb.Options) {
		if cfg.DynamoDBEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoDBEndpoint)
		}
	})
}

// ProvideMongoClient connects to MongoDB
func ProvideMongoClient(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*mongo.Client, func(), error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, nil, errors.NewStorageError("connect mongodb", err)
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Disconnect(ctx); err != nil {
			logger.Warn("Failed to disconnect from MongoDB", zap.Error(err))
		}
	}
	return client, cleanup, nil
}

// Stores maps backend names to their undecorated stores
type Stores map[string]ports.Store

// ProvideStores opens a store for every configured backend. The returned
// cleanup releases their connections.
func ProvideStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Stores, func(), error) {
	stores := make(Stores, len(cfg.Backends))
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	for _, backend := range cfg.Backends {
		switch backend {
		case ports.BackendMemory:
			stores[backend] = memory.NewStore(logger)

		case ports.BackendDynamoDB:
			awsCfg, err := ProvideAWSConfig(ctx, cfg)
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("load aws config: %w", err)
			}
			client := ProvideDynamoDBClient(awsCfg, cfg)
			stores[backend] = dynamodb.NewStore(client, cfg.TablePrefix, dynamoPageSize, logger)

		case ports.BackendMongoDB:
			client, closeClient, err := ProvideMongoClient(ctx, cfg, logger)
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			cleanups = append(cleanups, closeClient)
			stores[backend] = document.NewStore(document.FromDatabase(client.Database(cfg.MongoDatabase)), logger)

		case ports.BackendPostgres, ports.BackendMySQL, ports.BackendSQLite:
			dialect, err := sqlstore.DialectFor(backend)
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			db, err := sqlstore.Open(ctx, dialect, cfg.SQLDSN, sqlstore.PoolConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			})
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			cleanups = append(cleanups, func() {
				if err := db.Close(); err != nil {
					logger.Warn("Failed to close database", zap.String("backend", backend), zap.Error(err))
				}
			})
			stores[backend] = sqlstore.NewStore(db, dialect, cfg.TablePrefix, logger)

		default:
			cleanup()
			return nil, nil, errors.NewValidationError(fmt.Sprintf("unknown backend %q", backend))
		}
		logger.Info("Backend ready", zap.String("backend", backend))
	}
	return stores, cleanup, nil
}

// ProvideAccessController returns the access controller consulted before
// every read and write
func ProvideAccessController() ports.AccessController {
	return ports.AllowAll{}
}

// Backend is the stack serving one backend: the decorated store, the lock
// coordinator over it and the session manager and executor built on that
type Backend struct {
	Store       ports.Store
	Coordinator *locking.Coordinator
	Sessions    *session.Manager
	Executor    *executor.Executor
}

// Backends resolves backend names to their stacks
type Backends struct {
	stacks map[string]*Backend
}

// ProvideBackends wraps every store in a circuit breaker and instrumentation
// and builds its stack
func ProvideBackends(
	cfg *config.Config,
	stores Stores,
	access ports.AccessController,
	metrics *observability.Collector,
	tracer *observability.Tracer,
	logger *zap.Logger,
) *Backends {
	b := &Backends{stacks: make(map[string]*Backend, len(stores))}
	for name, store := range stores {
		breaker := resilient.DefaultConfig(name)
		breaker.Timeout = cfg.BreakerTimeout
		breaker.FailureThreshold = cfg.BreakerFailureRatio
		breaker.MinRequests = cfg.BreakerMinRequests
		breaker.MaxRequests = cfg.BreakerHalfOpenCalls

		decorated := instrumented.NewStore(
			resilient.NewStore(store, breaker, metrics, logger),
			metrics, tracer, logger,
		)
		coordinator := locking.NewCoordinator(decorated, metrics, logger)
		b.stacks[name] = &Backend{
			Store:       decorated,
			Coordinator: coordinator,
			Sessions:    session.NewManager(coordinator, access, metrics, logger, cfg.SessionCacheSize),
			Executor:    executor.NewExecutor(coordinator, access, logger),
		}
	}
	return b
}

// Backend returns the stack of one backend
func (b *Backends) Backend(name string) (*Backend, error) {
	stack, ok := b.stacks[name]
	if !ok {
		return nil, errors.NewNotFoundError(fmt.Sprintf("backend %s", name))
	}
	return stack, nil
}

// Names lists the enabled backends in sorted order
func (b *Backends) Names() []string {
	names := make([]string, 0, len(b.stacks))
	for name := range b.stacks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Executor returns the executor of one backend
func (b *Backends) Executor(name string) (*executor.Executor, error) {
	stack, err := b.Backend(name)
	if err != nil {
		return nil, err
	}
	return stack.Executor, nil
}

// Sessions returns the session manager of one backend
func (b *Backends) Sessions(name string) (*session.Manager, error) {
	stack, err := b.Backend(name)
	if err != nil {
		return nil, err
	}
	return stack.Sessions, nil
}

// ProvideValidator creates the token validator, nil when no secret is set
func ProvideValidator(cfg *config.Config) (*auth.Validator, error) {
	if cfg.JWTSecret == "" {
		return nil, nil
	}
	return auth.NewValidator(cfg.JWTSecret, cfg.JWTIssuer)
}

// ProvideErrorHandler creates the HTTP error handler. Development mode adds
// stack traces to error responses.
func ProvideErrorHandler(cfg *config.Config, logger *zap.Logger) *errors.ErrorHandler {
	return errors.NewErrorHandler(logger, cfg.IsDevelopment())
}

// ProvideRouter creates the HTTP router
func ProvideRouter(
	cfg *config.Config,
	compilers *abstractions.Registry,
	backends *Backends,
	schemas *schema.Registry,
	validator *auth.Validator,
	metrics *observability.Collector,
	errorHandler *errors.ErrorHandler,
	logger *zap.Logger,
) *rest.Router {
	return rest.NewRouter(compilers, backends, schemas, validator, metrics, errorHandler,
		rest.Options{EnableCORS: cfg.EnableCORS, EnableMetrics: cfg.EnableMetrics}, logger)
}
