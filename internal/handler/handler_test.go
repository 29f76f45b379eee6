package handler

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pgvpd/pgvpd/internal/netio"
	"github.com/pgvpd/pgvpd/internal/pool"
	"github.com/pgvpd/pgvpd/internal/wire"
)

// pipeConn adapts a net.Pipe half to netio.Conn for tests; CloseWrite
// has no meaningful half-close semantics over net.Pipe so it no-ops,
// matching the real tlsConn stub in package netio.
type pipeConn struct{ net.Conn }

func (pipeConn) CloseWrite() error { return nil }

func newClientPipe() (netio.Conn, net.Conn) {
	a, b := net.Pipe()
	return pipeConn{a}, b
}

func startFakeUpstream(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(c)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

// readStartupFrameSrv and readFrameSrv are used from fake-upstream
// handler goroutines, where calling t.Fatalf would run on a goroutine
// other than the one running the test; they report errors by return
// value instead and let the caller simply stop serving.
func readStartupFrameSrv(r *bufio.Reader) error {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return err
	}
	length := int(lenBuf[0])<<24 | int(lenBuf[1])<<16 | int(lenBuf[2])<<8 | int(lenBuf[3])
	rest := make([]byte, length-4)
	_, err := io.ReadFull(r, rest)
	return err
}

func readFrameSrv(r *bufio.Reader) (wire.Message, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return wire.Message{}, err
	}
	length := int32(header[1])<<24 | int32(header[2])<<16 | int32(header[3])<<8 | int32(header[4])
	payload := make([]byte, int(length)-4)
	if _, err := io.ReadFull(r, payload); err != nil {
		return wire.Message{}, err
	}
	raw := append(header, payload...)
	return wire.Message{Type: header[0], Raw: raw, Payload: payload}, nil
}

// serveSimpleQueriesForever answers every SimpleQuery it receives with a
// bare ReadyForQuery, used to stand in for resets and context injection.
func serveSimpleQueriesForever(r *bufio.Reader, conn net.Conn) {
	for {
		if _, err := readFrameSrv(r); err != nil {
			return
		}
		if _, err := conn.Write(wire.BuildReadyForQuery('I')); err != nil {
			return
		}
	}
}

// readFrame is used from the goroutine running the test itself, where
// Fatalf is safe.
func readFrame(t *testing.T, r *bufio.Reader) wire.Message {
	t.Helper()
	msg, err := readFrameSrv(r)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return msg
}

func buildTerminate() []byte {
	return []byte{'X', 0, 0, 0, 4}
}

func baseConfig() Config {
	return Config{
		UpstreamHost:     "", // filled per-test
		UpstreamPort:     0,
		HandshakeTimeout: 2 * time.Second,
		DialTimeout:      2 * time.Second,
		TenantSeparator:  ".",
		ValueSeparator:   ",",
		ContextVariables: []string{"app.tenant"},
		SuperuserBypass:  []string{"admin"},
		PoolPassword:     "poolpw",
	}
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port := 0
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}
	return host, port
}

func TestHandle_SuperuserBypass(t *testing.T) {
	addr := startFakeUpstream(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		if readStartupFrameSrv(r) != nil {
			return
		}
		conn.Write(wire.BuildAuthOK())
		conn.Write(wire.BuildReadyForQuery('I'))
		io.Copy(conn, r) // echo whatever the client sends afterward
		conn.Close()
	})

	cfg := baseConfig()
	cfg.UpstreamHost, cfg.UpstreamPort = splitHostPort(t, addr)
	h := New(cfg, nil, nil, nil, nil)

	client, test := newClientPipe()
	done := make(chan struct{})
	go func() {
		h.Handle(context.Background(), client, 1)
		close(done)
	}()

	test.Write(wire.BuildStartupMessage(map[string]string{"user": "admin", "database": "foo"}))

	r := bufio.NewReader(test)
	msg := readFrame(t, r)
	if !msg.IsAuthOK() {
		t.Fatalf("expected AuthenticationOk, got type %q", msg.Type)
	}
	msg = readFrame(t, r)
	if !msg.IsReadyForQuery() {
		t.Fatalf("expected ReadyForQuery, got type %q", msg.Type)
	}

	echoPayload := wire.BuildSimpleQuery("SELECT 1")
	test.Write(echoPayload)
	back := make([]byte, len(echoPayload))
	if _, err := io.ReadFull(r, back); err != nil {
		t.Fatalf("reading echoed bytes: %v", err)
	}

	test.Close()
	<-done
}

func TestHandle_PassthroughAuthAndContextInjection(t *testing.T) {
	addr := startFakeUpstream(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		if readStartupFrameSrv(r) != nil {
			return
		}
		conn.Write(wire.BuildAuthCleartextRequest())
		pw, err := readFrameSrv(r)
		if err != nil {
			return
		}
		if pw.Type != 'p' {
			t.Errorf("expected PasswordMessage, got %q", pw.Type)
		}
		conn.Write(wire.BuildAuthOK())
		conn.Write(wire.BuildParameterStatus("server_version", "16.0"))
		conn.Write(wire.BuildBackendKeyData(1, 2))
		conn.Write(wire.BuildReadyForQuery('I'))
		serveSimpleQueriesForever(r, conn)
		conn.Close()
	})

	cfg := baseConfig()
	cfg.UpstreamHost, cfg.UpstreamPort = splitHostPort(t, addr)
	h := New(cfg, nil, nil, nil, nil)

	client, test := newClientPipe()
	done := make(chan struct{})
	go func() {
		h.Handle(context.Background(), client, 2)
		close(done)
	}()

	test.Write(wire.BuildStartupMessage(map[string]string{"user": "appuser.acme", "database": "db1"}))

	r := bufio.NewReader(test)
	challenge := readFrame(t, r)
	if !challenge.IsAuthChallenge() {
		t.Fatalf("expected auth challenge, got type %q", challenge.Type)
	}
	test.Write(wire.BuildPasswordMessage([]byte("clientpw")))

	authOK := readFrame(t, r)
	if !authOK.IsAuthOK() {
		t.Fatalf("expected AuthenticationOk, got %q", authOK.Type)
	}
	paramStatus := readFrame(t, r)
	if !paramStatus.IsParameterStatus() {
		t.Fatalf("expected ParameterStatus, got %q", paramStatus.Type)
	}
	backendKey := readFrame(t, r)
	if !backendKey.IsBackendKeyData() {
		t.Fatalf("expected BackendKeyData, got %q", backendKey.Type)
	}
	ready := readFrame(t, r)
	if !ready.IsReadyForQuery() {
		t.Fatalf("expected ReadyForQuery after context injection, got %q", ready.Type)
	}

	test.Close()
	<-done
}

func TestHandle_HandshakeTimeout(t *testing.T) {
	cfg := baseConfig()
	cfg.HandshakeTimeout = 50 * time.Millisecond
	h := New(cfg, nil, nil, nil, nil)

	client, test := newClientPipe()
	done := make(chan struct{})
	go func() {
		h.Handle(context.Background(), client, 3)
		close(done)
	}()

	r := bufio.NewReader(test)
	msg := readFrame(t, r)
	if !msg.IsErrorResponse() {
		t.Fatalf("expected ErrorResponse on handshake timeout, got %q", msg.Type)
	}
	if got := msg.ErrorMessage(); got == "" {
		t.Fatalf("expected a non-empty error message")
	}

	test.Close()
	<-done
}

func TestHandle_PooledLifecycle(t *testing.T) {
	addr := startFakeUpstream(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		if readStartupFrameSrv(r) != nil {
			return
		}
		conn.Write(wire.BuildAuthOK())
		conn.Write(wire.BuildParameterStatus("server_version", "16.0"))
		conn.Write(wire.BuildBackendKeyData(7, 8))
		conn.Write(wire.BuildReadyForQuery('I'))
		serveSimpleQueriesForever(r, conn)
		conn.Close()
	})

	cfg := baseConfig()
	cfg.UpstreamHost, cfg.UpstreamPort = splitHostPort(t, addr)
	cfg.PoolMode = "session"

	host, port := splitHostPort(t, addr)
	p := pool.New(pool.Config{
		UpstreamHost:    host,
		UpstreamPort:    port,
		PoolSize:        2,
		IdleTimeout:     time.Minute,
		CheckoutTimeout: 2 * time.Second,
		DialTimeout:     2 * time.Second,
	}, nil)
	defer p.Close()

	h := New(cfg, p, nil, nil, nil)

	client, test := newClientPipe()
	done := make(chan struct{})
	go func() {
		h.Handle(context.Background(), client, 4)
		close(done)
	}()

	test.Write(wire.BuildStartupMessage(map[string]string{"user": "appuser.acme", "database": "db1"}))

	r := bufio.NewReader(test)
	challenge := readFrame(t, r)
	if !challenge.IsAuthChallenge() {
		t.Fatalf("expected cleartext challenge for pool auth, got %q", challenge.Type)
	}
	test.Write(wire.BuildPasswordMessage([]byte("poolpw")))

	authOK := readFrame(t, r)
	if !authOK.IsAuthOK() {
		t.Fatalf("expected AuthenticationOk, got %q", authOK.Type)
	}
	paramStatus := readFrame(t, r)
	if !paramStatus.IsParameterStatus() {
		t.Fatalf("expected replayed ParameterStatus, got %q", paramStatus.Type)
	}
	backendKey := readFrame(t, r)
	if !backendKey.IsBackendKeyData() {
		t.Fatalf("expected replayed BackendKeyData, got %q", backendKey.Type)
	}
	ready := readFrame(t, r)
	if !ready.IsReadyForQuery() {
		t.Fatalf("expected synthesized ReadyForQuery, got %q", ready.Type)
	}

	test.Write(buildTerminate())
	test.Close()
	<-done

	key := pool.Key{Database: "db1", Role: "appuser"}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c, err := p.Checkout(context.Background(), key)
		if err == nil {
			p.Checkin(key, c)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("connection was never returned to the pool after Terminate")
}

func TestParseTenant(t *testing.T) {
	tests := []struct {
		name        string
		rawUser     string
		contextVars []string
		wantUser    string
		wantValues  []string
		wantErr     bool
	}{
		{"single context var, dot payload allowed", "app.acme.prod", []string{"app.tenant"}, "app", []string{"acme.prod"}, false},
		{"no separator", "appuser", []string{"app.tenant"}, "", nil, true},
		{"empty payload", "app.", []string{"app.tenant"}, "", nil, true},
		{"empty role", ".acme", []string{"app.tenant"}, "", nil, true},
		{"multi context vars split on value sep", "app.acme,prod", []string{"app.tenant", "app.env"}, "app", []string{"acme", "prod"}, false},
		{"multi context vars wrong count", "app.acme", []string{"app.tenant", "app.env"}, "", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, values, err := parseTenant(tt.rawUser, ".", ",", tt.contextVars)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if user != tt.wantUser {
				t.Fatalf("user = %q, want %q", user, tt.wantUser)
			}
			if len(values) != len(tt.wantValues) {
				t.Fatalf("values = %v, want %v", values, tt.wantValues)
			}
			for i := range values {
				if values[i] != tt.wantValues[i] {
					t.Fatalf("values[%d] = %q, want %q", i, values[i], tt.wantValues[i])
				}
			}
		})
	}
}

func TestBuildInjectionSQL(t *testing.T) {
	v := "acme"
	sql, err := buildInjectionSQL("appuser", map[string]*string{"app.tenant": &v})
	if err != nil {
		t.Fatalf("buildInjectionSQL: %v", err)
	}
	want := `SET app.tenant = 'acme'; SET ROLE "appuser";`
	if sql != want {
		t.Fatalf("sql = %q, want %q", sql, want)
	}
}

func TestBuildInjectionSQL_RejectsUnsafeRole(t *testing.T) {
	if _, err := buildInjectionSQL(`bad"role`, nil); err == nil {
		t.Fatalf("expected an error for an unquotable role")
	}
}
