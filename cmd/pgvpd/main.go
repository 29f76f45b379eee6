// Command pgvpd runs the multi-tenant PostgreSQL wire-protocol proxy:
// it terminates client connections, parses a tenant identity out of the
// username, optionally pools upstream sessions, and injects the
// resolved tenant context before handing control to a transparent
// relay.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pgvpd/pgvpd/internal/admin"
	"github.com/pgvpd/pgvpd/internal/config"
	"github.com/pgvpd/pgvpd/internal/handler"
	"github.com/pgvpd/pgvpd/internal/health"
	"github.com/pgvpd/pgvpd/internal/metrics"
	"github.com/pgvpd/pgvpd/internal/pool"
	"github.com/pgvpd/pgvpd/internal/proxy"
	"github.com/pgvpd/pgvpd/internal/resolver"
	"github.com/pgvpd/pgvpd/internal/tenant"
	"github.com/pgvpd/pgvpd/internal/tlsmat"
)

func main() {
	configPath := flag.String("config", "pgvpd.yaml", "path to the pgvpd YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("startup: loading config failed", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.Log)
	slog.Info("starting pgvpd", "config", cfg.Redacted())

	listenerTLS, err := tlsmat.LoadListenerTLS(cfg.Listen)
	if err != nil {
		slog.Error("startup: loading listener TLS material failed", "error", err)
		os.Exit(1)
	}
	upstreamTLS, err := tlsmat.LoadUpstreamTLS(cfg.Upstream)
	if err != nil {
		slog.Error("startup: loading upstream TLS material failed", "error", err)
		os.Exit(1)
	}

	m := metrics.New()

	var resolvers *resolver.Engine
	if cfg.Resolver.File != "" {
		resolvers, err = resolver.Load(cfg.Resolver.File, m)
		if err != nil {
			slog.Error("startup: loading resolvers failed", "error", err)
			os.Exit(1)
		}
		slog.Info("loaded resolvers", "count", len(resolvers.Defs))
	}

	var p *pool.Pool
	if cfg.Pool.Mode == "session" {
		p = pool.New(pool.Config{
			UpstreamHost:     cfg.Upstream.Host,
			UpstreamPort:     cfg.Upstream.Port,
			UpstreamPassword: cfg.Upstream.Password,
			PoolSize:         cfg.Pool.Size,
			IdleTimeout:      cfg.Pool.IdleTimeout,
			CheckoutTimeout:  cfg.Pool.CheckoutTimeout,
			DialTimeout:      cfg.Pool.DialTimeout,
		}, m)
	}

	var tenants *tenant.Registry
	if len(cfg.Tenancy.Allow) > 0 || len(cfg.Tenancy.Deny) > 0 || cfg.Tenancy.MaxConnections > 0 || cfg.Tenancy.RateLimitPerSec > 0 {
		tenants = tenant.New(tenant.Config{
			Allow:           cfg.Tenancy.Allow,
			Deny:            cfg.Tenancy.Deny,
			MaxConnections:  cfg.Tenancy.MaxConnections,
			RateLimitPerSec: cfg.Tenancy.RateLimitPerSec,
		}, m)
	}

	if resolvers != nil {
		go evictResolverCache(resolvers, m)
	}
	if p != nil {
		go reportPoolGauges(p, m)
	}

	h := handler.New(handler.Config{
		UpstreamHost:     cfg.Upstream.Host,
		UpstreamPort:     cfg.Upstream.Port,
		UpstreamPassword: cfg.Upstream.Password,
		UpstreamTLS:      upstreamTLS,
		HandshakeTimeout: 10 * time.Second,
		DialTimeout:      cfg.Pool.DialTimeout,
		TenantSeparator:  cfg.Tenancy.Separator,
		ValueSeparator:   cfg.Tenancy.ValueSeparator,
		ContextVariables: cfg.Tenancy.ContextVariables,
		SuperuserBypass:  cfg.Tenancy.SuperuserBypass,
		PoolMode:         cfg.Pool.Mode,
		PoolPassword:     cfg.Pool.Password,
		SetRole:          cfg.Tenancy.SetRole,
	}, p, resolvers, tenants, m)

	srv := proxy.NewServer(h, listenerTLS, m)
	if err := srv.ListenPlain(cfg.Listen.Bind, cfg.Listen.Port); err != nil {
		slog.Error("startup: binding plaintext listener failed", "error", err)
		os.Exit(1)
	}
	if cfg.Listen.TLSEnabled() {
		if err := srv.ListenTLS(cfg.Listen.Bind, cfg.Listen.TLSPort); err != nil {
			slog.Error("startup: binding TLS listener failed", "error", err)
			os.Exit(1)
		}
	}

	checker := health.NewChecker(cfg.Upstream.Host, cfg.Upstream.Port, health.Config{
		Interval:          15 * time.Second,
		FailureThreshold:  3,
		ConnectionTimeout: cfg.Pool.DialTimeout,
	})
	checker.Start()
	defer checker.Stop()

	var adminSrv *admin.Server
	if cfg.Admin.Enabled {
		adminSrv = admin.NewServer(m.Registry, checker, tenants)
		if err := adminSrv.Start(cfg.Admin.Bind); err != nil {
			slog.Error("startup: starting admin server failed", "error", err)
			os.Exit(1)
		}
		slog.Info("admin server listening", "addr", cfg.Admin.Bind)
	}

	watcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		applyHotReload(tenants, newCfg)
	})
	if err != nil {
		slog.Warn("startup: config hot-reload disabled", "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	if watcher != nil {
		watcher.Stop()
	}
	if adminSrv != nil {
		adminSrv.Stop()
	}
	srv.Stop()
	if p != nil {
		p.Close()
	}
}

// applyHotReload logs the sizes of the reloaded allow/deny lists and
// changes no live setting: the running tenant.Registry keeps the
// allow/deny lists and limits it was built with at startup, and pool
// size and listen addresses also stay as they were at startup.
func applyHotReload(tenants *tenant.Registry, newCfg *config.Config) {
	if tenants == nil {
		slog.Info("config reloaded; tenant isolation was not configured at startup so no live knobs changed")
		return
	}
	slog.Info("config reloaded; the running tenant registry keeps its startup allow/deny/limits",
		"allow_count", len(newCfg.Tenancy.Allow),
		"deny_count", len(newCfg.Tenancy.Deny))
}

func evictResolverCache(e *resolver.Engine, m *metrics.Collector) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		e.EvictExpired()
		m.SetResolverCacheSize(e.CacheSize())
	}
}

// reportPoolGauges periodically snapshots every pool bucket's size into
// the pool_connections_total/idle gauges; Prometheus only ever reads
// these at scrape time, so a coarse interval is sufficient.
func reportPoolGauges(p *pool.Pool, m *metrics.Collector) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		for _, b := range p.Stats() {
			m.SetPoolGauges(b.Key.Database, b.Key.Role, b.Total, b.Idle)
		}
	}
}

func setupLogging(cfg config.LogConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var h slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}
