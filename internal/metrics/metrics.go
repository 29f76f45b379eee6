// Package metrics implements pgvpd's Prometheus collector. A single
// Collector is constructed at startup and satisfies the narrow
// MetricsRecorder interfaces declared by internal/pool, internal/handler,
// internal/tenant, and internal/resolver, so those packages never import
// this one — Collector is wired in at the entrypoint instead.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric pgvpd exports, all registered
// on a private registry rather than the global default one.
type Collector struct {
	Registry *prometheus.Registry

	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge

	poolCheckouts   prometheus.Counter
	poolReuses      prometheus.Counter
	poolCreates     prometheus.Counter
	poolCheckins    prometheus.Counter
	poolDiscards    prometheus.Counter
	poolTimeouts    prometheus.Counter
	poolConnsTotal  *prometheus.GaugeVec
	poolConnsIdle   *prometheus.GaugeVec

	resolverCacheHits   prometheus.Counter
	resolverCacheMisses prometheus.Counter
	resolverCacheSize   prometheus.Gauge
	resolverExecutions  *prometheus.CounterVec
	resolverErrors      *prometheus.CounterVec

	tenantRejectedDeny  *prometheus.CounterVec
	tenantRejectedLimit *prometheus.CounterVec
	tenantRejectedRate  *prometheus.CounterVec
	tenantTimeouts      *prometheus.CounterVec
}

// New creates and registers every pgvpd metric on a fresh, private
// registry. Safe to call multiple times (tests, config reload) since
// each call owns an independent registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,

		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgvpd_connections_total",
			Help: "Total client connections accepted.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgvpd_connections_active",
			Help: "Client connections currently being served.",
		}),

		poolCheckouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgvpd_pool_checkouts_total",
			Help: "Successful pool checkouts, whether newly dialed or reused.",
		}),
		poolReuses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgvpd_pool_reuses_total",
			Help: "Pool checkouts satisfied from an idle connection.",
		}),
		poolCreates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgvpd_pool_creates_total",
			Help: "New upstream connections dialed by the pool.",
		}),
		poolCheckins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgvpd_pool_checkins_total",
			Help: "Connections successfully reset and returned to the pool.",
		}),
		poolDiscards: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgvpd_pool_discards_total",
			Help: "Connections discarded instead of returned to the pool.",
		}),
		poolTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgvpd_pool_timeouts_total",
			Help: "Pool checkouts that exceeded the checkout timeout.",
		}),
		poolConnsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pgvpd_pool_connections_total",
			Help: "Connections currently held by a pool bucket, idle or checked out.",
		}, []string{"database", "role"}),
		poolConnsIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pgvpd_pool_connections_idle",
			Help: "Idle connections currently sitting in a pool bucket.",
		}, []string{"database", "role"}),

		resolverCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgvpd_resolver_cache_hits_total",
			Help: "Resolver lookups satisfied from the result cache.",
		}),
		resolverCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgvpd_resolver_cache_misses_total",
			Help: "Resolver lookups that required executing the query.",
		}),
		resolverCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgvpd_resolver_cache_size",
			Help: "Entries currently held in the resolver result cache.",
		}),
		resolverExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgvpd_resolver_executions_total",
			Help: "Resolver queries executed against the upstream, by resolver name.",
		}, []string{"resolver"}),
		resolverErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgvpd_resolver_errors_total",
			Help: "Resolver queries that returned an error, by resolver name.",
		}, []string{"resolver"}),

		tenantRejectedDeny: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgvpd_tenant_rejected_deny_total",
			Help: "Connections rejected by the tenant allow/deny list.",
		}, []string{"tenant"}),
		tenantRejectedLimit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgvpd_tenant_rejected_limit_total",
			Help: "Connections rejected for exceeding a tenant's max connections.",
		}, []string{"tenant"}),
		tenantRejectedRate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgvpd_tenant_rejected_rate_total",
			Help: "Connections rejected for exceeding a tenant's rate limit.",
		}, []string{"tenant"}),
		tenantTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgvpd_tenant_timeouts_total",
			Help: "Tenant connections that timed out waiting on a shared resource.",
		}, []string{"tenant"}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.poolCheckouts,
		c.poolReuses,
		c.poolCreates,
		c.poolCheckins,
		c.poolDiscards,
		c.poolTimeouts,
		c.poolConnsTotal,
		c.poolConnsIdle,
		c.resolverCacheHits,
		c.resolverCacheMisses,
		c.resolverCacheSize,
		c.resolverExecutions,
		c.resolverErrors,
		c.tenantRejectedDeny,
		c.tenantRejectedLimit,
		c.tenantRejectedRate,
		c.tenantTimeouts,
	)

	return c
}

// ConnectionAccepted and ConnectionEnded track connections_total /
// connections_active from the listener's accept loop.
func (c *Collector) ConnectionAccepted() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

func (c *Collector) ConnectionEnded() {
	c.connectionsActive.Dec()
}

// --- pool.MetricsRecorder ---

func (c *Collector) PoolConnectionCreated() {
	c.poolCreates.Inc()
	c.poolCheckouts.Inc()
}

func (c *Collector) PoolConnectionDiscarded() {
	c.poolDiscards.Inc()
}

// PoolCheckoutWaited is reported by the pool when a checkout is served
// from a bucket's idle list.
func (c *Collector) PoolCheckoutWaited() {
	c.poolReuses.Inc()
	c.poolCheckouts.Inc()
}

// SetPoolGauges overwrites the pool size gauges for one (database, role)
// bucket from a pool snapshot; cmd/pgvpd refreshes it on a ticker.
func (c *Collector) SetPoolGauges(database, role string, total, idle int) {
	c.poolConnsTotal.WithLabelValues(database, role).Set(float64(total))
	c.poolConnsIdle.WithLabelValues(database, role).Set(float64(idle))
}

// PoolCheckinRecorded and PoolTimedOut are reported by the pool through
// pool.MetricsRecorder, on a successful checkin and on a checkout that
// reaches its deadline.
func (c *Collector) PoolCheckinRecorded() {
	c.poolCheckins.Inc()
}

func (c *Collector) PoolTimedOut() {
	c.poolTimeouts.Inc()
}

// --- resolver.MetricsRecorder ---

func (c *Collector) ResolverCacheHit() {
	c.resolverCacheHits.Inc()
}

func (c *Collector) ResolverCacheMiss() {
	c.resolverCacheMisses.Inc()
}

func (c *Collector) ResolverExecuted(name string) {
	c.resolverExecutions.WithLabelValues(name).Inc()
}

func (c *Collector) ResolverErrored(name string) {
	c.resolverErrors.WithLabelValues(name).Inc()
}

// SetResolverCacheSize overwrites the cache-size gauge; cmd/pgvpd
// refreshes it on a ticker after each eviction sweep.
func (c *Collector) SetResolverCacheSize(n int) {
	c.resolverCacheSize.Set(float64(n))
}

// --- tenant.MetricsRecorder ---

func (c *Collector) TenantRejectedDeny(tenant string) {
	c.tenantRejectedDeny.WithLabelValues(tenant).Inc()
}

func (c *Collector) TenantRejectedLimit(tenant string) {
	c.tenantRejectedLimit.WithLabelValues(tenant).Inc()
}

func (c *Collector) TenantRejectedRate(tenant string) {
	c.tenantRejectedRate.WithLabelValues(tenant).Inc()
}

func (c *Collector) TenantTimedOut(tenant string) {
	c.tenantTimeouts.WithLabelValues(tenant).Inc()
}

// --- handler.MetricsRecorder ---

// SuperuserBypassed has no dedicated counter; the connection is already
// reflected in connections_total from the accept loop.
func (c *Collector) SuperuserBypassed() {}

// HandshakeTimedOut and ContextInjected have no dedicated counter in
// the exported metric set; connections_total already reflects every
// accepted connection regardless of how its handshake ends.
func (c *Collector) HandshakeTimedOut() {}

func (c *Collector) ContextInjected() {}
