package tlsmat

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pgvpd/pgvpd/internal/config"
)

func writeSelfSignedCert(t *testing.T) (certPath, keyPath string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "pgvpd-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}

	dir := t.TempDir()
	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")

	certOut, err := os.Create(certPath)
	if err != nil {
		t.Fatalf("creating cert file: %v", err)
	}
	defer certOut.Close()
	pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der})

	keyOut, err := os.Create(keyPath)
	if err != nil {
		t.Fatalf("creating key file: %v", err)
	}
	defer keyOut.Close()
	pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	return certPath, keyPath
}

func TestLoadListenerTLS_Disabled(t *testing.T) {
	cfg, err := LoadListenerTLS(config.ListenConfig{})
	if err != nil {
		t.Fatalf("LoadListenerTLS: %v", err)
	}
	if cfg != nil {
		t.Error("expected nil tls.Config when TLS is not configured")
	}
}

func TestLoadListenerTLS_LoadsCertAndKey(t *testing.T) {
	certPath, keyPath := writeSelfSignedCert(t)
	lc := config.ListenConfig{TLSPort: 6433, TLSCert: certPath, TLSKey: keyPath}

	cfg, err := LoadListenerTLS(lc)
	if err != nil {
		t.Fatalf("LoadListenerTLS: %v", err)
	}
	if cfg == nil || len(cfg.Certificates) != 1 {
		t.Fatal("expected a loaded certificate")
	}
}

func TestLoadListenerTLS_MissingFile(t *testing.T) {
	lc := config.ListenConfig{TLSPort: 6433, TLSCert: "/nonexistent/cert.pem", TLSKey: "/nonexistent/key.pem"}
	if _, err := LoadListenerTLS(lc); err == nil {
		t.Fatal("expected error for missing cert/key files")
	}
}

func TestLoadUpstreamTLS_Disabled(t *testing.T) {
	cfg, err := LoadUpstreamTLS(config.UpstreamConfig{})
	if err != nil {
		t.Fatalf("LoadUpstreamTLS: %v", err)
	}
	if cfg != nil {
		t.Error("expected nil tls.Config when upstream TLS is not configured")
	}
}

func TestLoadUpstreamTLS_SkipVerify(t *testing.T) {
	cfg, err := LoadUpstreamTLS(config.UpstreamConfig{TLS: true, TLSVerify: false, Host: "db.internal"})
	if err != nil {
		t.Fatalf("LoadUpstreamTLS: %v", err)
	}
	if cfg == nil || !cfg.InsecureSkipVerify {
		t.Fatal("expected InsecureSkipVerify when tls_verify is false")
	}
}

func TestLoadUpstreamTLS_WithCA(t *testing.T) {
	certPath, _ := writeSelfSignedCert(t)
	cfg, err := LoadUpstreamTLS(config.UpstreamConfig{TLS: true, TLSVerify: true, TLSCAFile: certPath, Host: "db.internal"})
	if err != nil {
		t.Fatalf("LoadUpstreamTLS: %v", err)
	}
	if cfg == nil || cfg.RootCAs == nil {
		t.Fatal("expected RootCAs to be populated from the CA file")
	}
	if cfg.InsecureSkipVerify {
		t.Error("InsecureSkipVerify should be false when tls_verify is true")
	}
}

func TestLoadUpstreamTLS_MissingCAFile(t *testing.T) {
	_, err := LoadUpstreamTLS(config.UpstreamConfig{TLS: true, TLSVerify: true, TLSCAFile: "/nonexistent/ca.pem", Host: "db.internal"})
	if err == nil {
		t.Fatal("expected error for missing CA file")
	}
}
