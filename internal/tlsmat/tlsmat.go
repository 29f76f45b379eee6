// Package tlsmat loads the TLS material pgvpd needs on both sides of
// the proxy: the server certificate/key pair for the client-facing TLS
// listener, and an upstream tls.Config when the backend connection
// itself requires TLS.
package tlsmat

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/pgvpd/pgvpd/internal/config"
)

// LoadListenerTLS builds the tls.Config for the client-facing TLS
// listener, or returns (nil, nil) when lc does not enable TLS.
func LoadListenerTLS(lc config.ListenConfig) (*tls.Config, error) {
	if !lc.TLSEnabled() {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(lc.TLSCert, lc.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("tlsmat: loading listener cert/key: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// LoadUpstreamTLS builds the tls.Config used to dial the upstream
// Postgres server, or returns (nil, nil) when uc does not enable TLS.
// When TLSVerify is false, certificate verification is skipped
// entirely (InsecureSkipVerify) — suitable only for a backend reached
// over a trusted private network.
func LoadUpstreamTLS(uc config.UpstreamConfig) (*tls.Config, error) {
	if !uc.TLS {
		return nil, nil
	}
	cfg := &tls.Config{
		ServerName: uc.Host,
		MinVersion: tls.VersionTLS12,
	}
	if !uc.TLSVerify {
		cfg.InsecureSkipVerify = true
		return cfg, nil
	}
	if uc.TLSCAFile == "" {
		return cfg, nil
	}
	caPEM, err := os.ReadFile(uc.TLSCAFile)
	if err != nil {
		return nil, fmt.Errorf("tlsmat: reading upstream CA %q: %w", uc.TLSCAFile, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("tlsmat: no certificates parsed from upstream CA %q", uc.TLSCAFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}
