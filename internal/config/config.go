// Package config loads and hot-reloads pgvpd's YAML configuration:
// listener addresses, upstream connection parameters, tenant-context
// parsing rules, pool sizing, and the admin/TLS/logging surface.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level pgvpd configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Tenancy  TenancyConfig  `yaml:"tenancy"`
	Pool     PoolConfig     `yaml:"pool"`
	Resolver ResolverConfig `yaml:"resolver"`
	Admin    AdminConfig    `yaml:"admin"`
	Log      LogConfig      `yaml:"log"`
}

// ListenConfig defines the client-facing ports pgvpd binds.
type ListenConfig struct {
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
	TLSPort int    `yaml:"tls_port"` // 0 disables the TLS listener
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// TLSEnabled reports whether a TLS listener should be bound.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSPort != 0 && lc.TLSCert != "" && lc.TLSKey != ""
}

// UpstreamConfig describes the single backend Postgres server pgvpd
// proxies to.
type UpstreamConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Password  string `yaml:"password"`
	TLS       bool   `yaml:"tls"`
	TLSVerify bool   `yaml:"tls_verify"`
	TLSCAFile string `yaml:"tls_ca"`
}

// TenancyConfig controls how a tenant identity is parsed out of the
// client-supplied username and which tenants are permitted to connect.
type TenancyConfig struct {
	Separator        string   `yaml:"separator"`         // default "."
	ValueSeparator   string   `yaml:"value_separator"`   // default ":"
	ContextVariables []string `yaml:"context_variables"` // session vars, in payload order
	SuperuserBypass  []string `yaml:"superuser_bypass"`
	SetRole          string   `yaml:"set_role"` // overrides SET ROLE target; empty means the parsed role

	Allow           []string `yaml:"allow"`
	Deny            []string `yaml:"deny"`
	MaxConnections  uint32   `yaml:"max_connections"`
	RateLimitPerSec uint32   `yaml:"rate_limit_per_second"`
}

// PoolConfig controls session-mode upstream connection pooling.
type PoolConfig struct {
	Mode            string        `yaml:"mode"` // "none" or "session"
	Password        string        `yaml:"password"`
	Size            int           `yaml:"size"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	CheckoutTimeout time.Duration `yaml:"checkout_timeout"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// ResolverConfig points at an optional TOML file of context-resolver
// definitions (see internal/resolver).
type ResolverConfig struct {
	File string `yaml:"file"`
}

// AdminConfig controls the read-only HTTP admin surface.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `yaml:"level"`  // "debug"|"info"|"warn"|"error"
	Format string `yaml:"format"` // "json"|"text"
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment
// variable values, leaving the pattern untouched when unset.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution,
// applying defaults and validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %q: %w", path, err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %q: %w", path, err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validating %q: %w", path, err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.Bind == "" {
		cfg.Listen.Bind = "0.0.0.0"
	}
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 6432
	}
	if cfg.Tenancy.Separator == "" {
		cfg.Tenancy.Separator = "."
	}
	if cfg.Tenancy.ValueSeparator == "" {
		cfg.Tenancy.ValueSeparator = ":"
	}
	if cfg.Pool.Mode == "" {
		cfg.Pool.Mode = "none"
	}
	if cfg.Pool.Size == 0 {
		cfg.Pool.Size = 10
	}
	if cfg.Pool.IdleTimeout == 0 {
		cfg.Pool.IdleTimeout = 5 * time.Minute
	}
	if cfg.Pool.CheckoutTimeout == 0 {
		cfg.Pool.CheckoutTimeout = 10 * time.Second
	}
	if cfg.Pool.DialTimeout == 0 {
		cfg.Pool.DialTimeout = 5 * time.Second
	}
	if cfg.Admin.Bind == "" {
		cfg.Admin.Bind = "127.0.0.1:8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

func validate(cfg *Config) error {
	if cfg.Upstream.Host == "" {
		return fmt.Errorf("upstream.host is required")
	}
	if cfg.Upstream.Port == 0 {
		return fmt.Errorf("upstream.port is required")
	}
	if len(cfg.Tenancy.ContextVariables) == 0 {
		return fmt.Errorf("tenancy.context_variables must name at least one session variable")
	}
	switch cfg.Pool.Mode {
	case "none", "session":
	default:
		return fmt.Errorf("pool.mode must be \"none\" or \"session\", got %q", cfg.Pool.Mode)
	}
	if cfg.Pool.Mode == "session" && cfg.Pool.Password == "" {
		return fmt.Errorf("pool.password is required when pool.mode is \"session\"")
	}
	if cfg.Listen.TLSPort != 0 && (cfg.Listen.TLSCert == "" || cfg.Listen.TLSKey == "") {
		return fmt.Errorf("listen.tls_port set without listen.tls_cert/listen.tls_key")
	}
	if cfg.Upstream.TLSVerify && cfg.Upstream.TLSCAFile == "" {
		return fmt.Errorf("upstream.tls_verify set without upstream.tls_ca")
	}
	if len(cfg.Tenancy.Allow) > 0 && len(cfg.Tenancy.Deny) > 0 {
		return fmt.Errorf("tenancy.allow and tenancy.deny are mutually exclusive")
	}
	return nil
}

// Redacted returns a copy of cfg with secrets masked, safe to log.
func (cfg Config) Redacted() Config {
	c := cfg
	if c.Upstream.Password != "" {
		c.Upstream.Password = "***REDACTED***"
	}
	if c.Pool.Password != "" {
		c.Pool.Password = "***REDACTED***"
	}
	return c
}

// Watcher watches the config file for changes and invokes callback
// with the reloaded config after a 500ms debounce window. Only
// tenancy-level knobs (separator, variables, bypass list, allow/deny,
// limits) are safe to apply from the callback at runtime — pool size
// and listen addresses require a process restart to take effect.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watching %q: %w", path, err)
	}

	cw := &Watcher{
		path:    path,
		callback: callback,
		watcher: w,
		stopCh:  make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config: watcher error", "error", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		slog.Error("config: hot-reload failed", "path", cw.path, "error", err)
		return
	}

	slog.Info("config: reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
