// Package admin implements the read-only HTTP surface: liveness,
// Prometheus scraping, a process status snapshot, and a tenant-activity
// listing. It never reaches into pool/resolver internals directly —
// only the opaque snapshot and counters its dependencies expose.
package admin

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pgvpd/pgvpd/internal/health"
	"github.com/pgvpd/pgvpd/internal/tenant"
)

// Snapshot is the JSON body returned by GET /status.
type Snapshot struct {
	UptimeSeconds int     `json:"uptime_seconds"`
	GoVersion     string  `json:"go_version"`
	Goroutines    int     `json:"goroutines"`
	MemoryMB      float64 `json:"memory_mb"`
	Upstream      string  `json:"upstream_status"`
}

// Server is pgvpd's admin HTTP server.
type Server struct {
	registry  *prometheus.Registry
	checker   *health.Checker
	tenants   *tenant.Registry // nil when tenant isolation is disabled
	startTime time.Time

	httpServer *http.Server
}

// NewServer builds an admin Server. tenants may be nil.
func NewServer(registry *prometheus.Registry, checker *health.Checker, tenants *tenant.Registry) *Server {
	return &Server{
		registry:  registry,
		checker:   checker,
		tenants:   tenants,
		startTime: time.Now(),
	}
}

// Start binds addr and begins serving in a background goroutine.
func (s *Server) Start(addr string) error {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/status", s.status).Methods(http.MethodGet)
	r.HandleFunc("/tenants", s.tenantsHandler).Methods(http.MethodGet)

	s.httpServer = &http.Server{Addr: addr, Handler: r}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin: listening on %s: %w", addr, err)
	}
	go s.httpServer.Serve(ln)
	return nil
}

// Stop gracefully shuts the admin server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	if s.checker != nil && !s.checker.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	upstreamStatus := "unknown"
	if s.checker != nil {
		upstreamStatus = s.checker.Snapshot().Status.String()
	}

	writeJSON(w, http.StatusOK, Snapshot{
		UptimeSeconds: int(time.Since(s.startTime).Seconds()),
		GoVersion:     runtime.Version(),
		Goroutines:    runtime.NumGoroutine(),
		MemoryMB:      float64(mem.Alloc) / 1024 / 1024,
		Upstream:      upstreamStatus,
	})
}

func (s *Server) tenantsHandler(w http.ResponseWriter, r *http.Request) {
	if s.tenants == nil {
		writeJSON(w, http.StatusOK, []tenant.Status{})
		return
	}
	writeJSON(w, http.StatusOK, s.tenants.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
