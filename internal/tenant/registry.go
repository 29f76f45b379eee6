// Package tenant enforces per-tenant connection limits, rate limits, and
// allow/deny lists. A Registry is shared across every accepted
// connection; Guard is released when the connection ends.
package tenant

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsRecorder receives rejection counters. Implemented by
// *metrics.Collector; kept as a narrow interface here so this package
// does not need to import metrics.
type MetricsRecorder interface {
	TenantRejectedDeny(tenant string)
	TenantRejectedLimit(tenant string)
	TenantRejectedRate(tenant string)
}

type noopRecorder struct{}

func (noopRecorder) TenantRejectedDeny(string)  {}
func (noopRecorder) TenantRejectedLimit(string) {}
func (noopRecorder) TenantRejectedRate(string)  {}

// state holds per-tenant runtime counters, created lazily on first
// connection for that tenant.
type state struct {
	activeConnections atomic.Int32

	mu          sync.Mutex
	windowStart time.Time
	windowCount uint32
}

// Guard is released (via Release) when the connection it was acquired
// for ends. The zero value is not usable.
type Guard struct {
	state *state
}

// Release decrements the tenant's active connection count. Safe to call
// at most once; callers typically defer it immediately after Acquire.
func (g Guard) Release() {
	if g.state != nil {
		g.state.activeConnections.Add(-1)
	}
}

// Config is the subset of tenant-isolation knobs a Registry needs.
type Config struct {
	Allow           []string // nil means "no allow list": all tenants except denied are permitted
	Deny            []string
	MaxConnections  uint32 // 0 means unlimited
	RateLimitPerSec uint32 // 0 means unlimited
}

// Registry is the shared, concurrency-safe tenant isolation state.
type Registry struct {
	mu      sync.Mutex
	tenants map[string]*state

	allow, deny map[string]struct{}
	maxConns    uint32
	rateLimit   uint32
	metrics     MetricsRecorder
}

// New builds a Registry from cfg. A nil metrics recorder is replaced
// with a no-op so callers in tests don't need to stub one out.
func New(cfg Config, metrics MetricsRecorder) *Registry {
	if metrics == nil {
		metrics = noopRecorder{}
	}
	r := &Registry{
		tenants:   make(map[string]*state),
		maxConns:  cfg.MaxConnections,
		rateLimit: cfg.RateLimitPerSec,
		metrics:   metrics,
	}
	if cfg.Allow != nil {
		r.allow = toSet(cfg.Allow)
	}
	if cfg.Deny != nil {
		r.deny = toSet(cfg.Deny)
	}
	return r
}

func toSet(vals []string) map[string]struct{} {
	set := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		set[v] = struct{}{}
	}
	return set
}

// CheckAccess reports whether tenantID is permitted to connect at all,
// independent of connection/rate limits.
func (r *Registry) CheckAccess(tenantID string) error {
	if r.deny != nil {
		if _, denied := r.deny[tenantID]; denied {
			r.metrics.TenantRejectedDeny(tenantID)
			return fmt.Errorf("tenant %q is denied", tenantID)
		}
	}
	if r.allow != nil {
		if _, allowed := r.allow[tenantID]; !allowed {
			r.metrics.TenantRejectedDeny(tenantID)
			return fmt.Errorf("tenant %q is not in the allow list", tenantID)
		}
	}
	return nil
}

// Acquire attempts to reserve a connection slot for tenantID, enforcing
// the configured connection and rate limits. The returned Guard must be
// released when the connection ends.
func (r *Registry) Acquire(tenantID string) (Guard, error) {
	st := r.getOrCreate(tenantID)

	if r.maxConns > 0 {
		if current := st.activeConnections.Load(); current >= int32(r.maxConns) {
			r.metrics.TenantRejectedLimit(tenantID)
			return Guard{}, fmt.Errorf("tenant %q connection limit exceeded (%d/%d)", tenantID, current, r.maxConns)
		}
	}

	if r.rateLimit > 0 {
		st.mu.Lock()
		now := time.Now()
		if now.Sub(st.windowStart) >= time.Second {
			st.windowStart = now
			st.windowCount = 1
		} else if st.windowCount >= r.rateLimit {
			st.mu.Unlock()
			r.metrics.TenantRejectedRate(tenantID)
			return Guard{}, fmt.Errorf("tenant %q rate limit exceeded (%d/s)", tenantID, r.rateLimit)
		} else {
			st.windowCount++
		}
		st.mu.Unlock()
	}

	st.activeConnections.Add(1)
	return Guard{state: st}, nil
}

// Status is a point-in-time snapshot of one tenant's activity, for the
// admin read-only tenant listing.
type Status struct {
	TenantID          string
	ActiveConnections int32
}

// Snapshot returns the current active-connection count for every tenant
// that has connected at least once since startup, sorted by tenant ID.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	ids := make([]string, 0, len(r.tenants))
	for id := range r.tenants {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)

	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		r.mu.Lock()
		st := r.tenants[id]
		r.mu.Unlock()
		out = append(out, Status{TenantID: id, ActiveConnections: st.activeConnections.Load()})
	}
	return out
}

func (r *Registry) getOrCreate(tenantID string) *state {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.tenants[tenantID]; ok {
		return st
	}
	st := &state{windowStart: time.Now()}
	r.tenants[tenantID] = st
	return st
}
