package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all Prometheus metrics for the application. Every collector
// owns its registry, so tests can create as many as they like.
type Collector struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Compiler metrics
	Compilations *prometheus.CounterVec

	// Backend metrics
	StoreOperations *prometheus.CounterVec
	StoreDuration   *prometheus.HistogramVec
	BreakerState    *prometheus.GaugeVec

	// Session metrics
	FlushedEntities *prometheus.CounterVec
	LockConflicts   *prometheus.CounterVec

	// Identity cache metrics
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
}

// NewCollector creates a new metrics collector with the given namespace
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		Compilations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compilations_total",
				Help:      "Total number of query and update compilations",
			},
			[]string{"backend", "kind", "status"},
		),
		StoreOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_operations_total",
				Help:      "Total number of backend operations",
			},
			[]string{"backend", "operation", "collection", "status"},
		),
		StoreDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_operation_duration_seconds",
				Help:      "Backend operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"backend", "operation"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state per backend: 0 closed, 1 half-open, 2 open",
			},
			[]string{"breaker"},
		),
		FlushedEntities: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_flushed_entities_total",
				Help:      "Entities written or deleted by session flushes",
			},
			[]string{"collection", "action", "status"},
		),
		LockConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "optimistic_lock_conflicts_total",
				Help:      "Writes rejected because the stored version was newer",
			},
			[]string{"collection"},
		),
		CacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "identity_cache_hits_total",
				Help:      "Total number of identity cache hits",
			},
		),
		CacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "identity_cache_misses_total",
				Help:      "Total number of identity cache misses",
			},
		),
	}

	c.registry.MustRegister(
		c.HTTPRequests,
		c.HTTPDuration,
		c.Compilations,
		c.StoreOperations,
		c.StoreDuration,
		c.BreakerState,
		c.FlushedEntities,
		c.LockConflicts,
		c.CacheHits,
		c.CacheMisses,
	)
	return c
}

// Registry returns the collector's registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordStoreOperation records one backend call
func (c *Collector) RecordStoreOperation(backend, operation, collection string, started time.Time, err error) {
	if c == nil {
		return
	}
	c.StoreOperations.WithLabelValues(backend, operation, collection, status(err)).Inc()
	c.StoreDuration.WithLabelValues(backend, operation).Observe(time.Since(started).Seconds())
}

// RecordCompilation records one compilation
func (c *Collector) RecordCompilation(backend, kind string, err error) {
	if c == nil {
		return
	}
	c.Compilations.WithLabelValues(backend, kind, status(err)).Inc()
}

// RecordFlush records the outcome of one entity in a flush
func (c *Collector) RecordFlush(collection, action string, err error) {
	if c == nil {
		return
	}
	c.FlushedEntities.WithLabelValues(collection, action, status(err)).Inc()
}

// RecordConflict counts an optimistic lock conflict
func (c *Collector) RecordConflict(collection string) {
	if c == nil {
		return
	}
	c.LockConflicts.WithLabelValues(collection).Inc()
}

// RecordCache counts an identity cache lookup
func (c *Collector) RecordCache(hit bool) {
	if c == nil {
		return
	}
	if hit {
		c.CacheHits.Inc()
	} else {
		c.CacheMisses.Inc()
	}
}

// SetBreakerState publishes a circuit breaker state
func (c *Collector) SetBreakerState(breaker string, state float64) {
	if c == nil {
		return
	}
	c.BreakerState.WithLabelValues(breaker).Set(state)
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
