// Package handler implements the per-connection state machine: startup
// parsing, superuser bypass, tenant-from-username extraction, auth
// relay or pooled checkout, context resolution and injection, and the
// transparent pipe that follows.
package handler

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/pgvpd/pgvpd/internal/netio"
	"github.com/pgvpd/pgvpd/internal/pool"
	"github.com/pgvpd/pgvpd/internal/resolver"
	"github.com/pgvpd/pgvpd/internal/tenant"
)

// Config holds everything a Handler needs that isn't shared mutable
// state (the pool and resolver engine are passed in separately since
// they outlive any one Handler and are shared across listeners).
type Config struct {
	UpstreamHost     string
	UpstreamPort     int
	UpstreamPassword string
	UpstreamTLS      *tls.Config // nil selects a plaintext upstream connection

	HandshakeTimeout time.Duration
	DialTimeout      time.Duration

	TenantSeparator  string
	ValueSeparator   string
	ContextVariables []string
	SuperuserBypass  []string

	PoolMode     string // "session" enables pooled mode; anything else is passthrough
	PoolPassword string
	SetRole      string // overrides the role SET ROLE targets; empty means the tenant's own role
}

// MetricsRecorder receives per-connection lifecycle counters.
type MetricsRecorder interface {
	SuperuserBypassed()
	HandshakeTimedOut()
	ContextInjected()
}

type noopRecorder struct{}

func (noopRecorder) SuperuserBypassed() {}
func (noopRecorder) HandshakeTimedOut() {}
func (noopRecorder) ContextInjected()   {}

// Handler owns the shared pool and resolver engine used across every
// connection it handles.
type Handler struct {
	cfg       Config
	pool      *pool.Pool // nil unless cfg.PoolMode == "session"
	resolvers *resolver.Engine
	tenants   *tenant.Registry // nil disables tenant isolation entirely
	metrics   MetricsRecorder
}

// New builds a Handler. p may be nil when cfg.PoolMode is not
// "session"; resolvers may be nil when no context-resolver file is
// configured; tenants may be nil to disable allow/deny/limit
// enforcement (every tenant is then accepted unconditionally).
func New(cfg Config, p *pool.Pool, resolvers *resolver.Engine, tenants *tenant.Registry, metrics MetricsRecorder) *Handler {
	if metrics == nil {
		metrics = noopRecorder{}
	}
	return &Handler{cfg: cfg, pool: p, resolvers: resolvers, tenants: tenants, metrics: metrics}
}

type resultKind int

const (
	resultDone resultKind = iota
	resultPassthrough
	resultPooled
)

type handshakeResult struct {
	kind       resultKind
	server     netio.Conn // resultPassthrough
	pooledConn *pool.Conn // resultPooled
	poolKey    pool.Key   // resultPooled
	guard      tenant.Guard
}

// Handle drives one accepted connection through its full lifecycle:
// the handshake phase (bounded by cfg.HandshakeTimeout), then either a
// transparent bidirectional relay (passthrough) or a Terminate-aware
// pipe that ends in returning the connection to the pool (pooled).
func (h *Handler) Handle(ctx context.Context, raw net.Conn, connID uint64) {
	defer raw.Close()

	client, err := wrapClient(raw)
	if err != nil {
		slog.Error("handler: unsupported connection type", "conn_id", connID, "error", err)
		return
	}

	deadline := time.Now().Add(h.cfg.HandshakeTimeout)
	client.SetDeadline(deadline)
	result, err := h.handshake(ctx, client, connID)
	client.SetDeadline(time.Time{})
	defer result.guard.Release()

	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			h.metrics.HandshakeTimedOut()
			slog.Warn("handshake timeout", "conn_id", connID)
			sendError(client, "FATAL", "08006", "handshake timeout — no StartupMessage received in time")
		} else {
			slog.Debug("connection ended", "conn_id", connID, "error", err)
		}
		return
	}

	switch result.kind {
	case resultDone:
		return
	case resultPassthrough:
		defer result.server.Close()
		slog.Debug("transparent pipe", "conn_id", connID)
		if err := netio.Relay(ctx, client, result.server); err != nil {
			slog.Debug("connection ended", "conn_id", connID, "error", err)
		}
	case resultPooled:
		slog.Debug("transparent pipe (pooled)", "conn_id", connID)
		if err := pipePooled(client, result.pooledConn); err != nil {
			slog.Debug("connection ended", "conn_id", connID, "error", err)
		}
		h.pool.Checkin(result.poolKey, result.pooledConn)
	}
}

func wrapClient(raw net.Conn) (netio.Conn, error) {
	if c, ok := raw.(netio.Conn); ok {
		return c, nil
	}
	tcpConn, ok := raw.(*net.TCPConn)
	if !ok {
		return nil, errors.New("connection does not support half-close")
	}
	return netio.WrapPlain(tcpConn), nil
}
