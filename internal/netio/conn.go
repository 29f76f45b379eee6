// Package netio wraps client and upstream connections so the rest of
// the proxy can treat a plaintext net.Conn and a TLS-wrapped connection
// identically once the handshake phase has decided which one applies.
package netio

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
)

// Conn is the common surface the handler and pool code use, regardless
// of whether the underlying transport is plaintext or TLS.
type Conn interface {
	net.Conn
	// CloseWrite half-closes the write side, if the underlying
	// transport supports it. Used to propagate EOF to the peer during
	// bidirectional relay without tearing down the read side.
	CloseWrite() error
}

type plainConn struct {
	*net.TCPConn
}

func (p plainConn) CloseWrite() error {
	return p.TCPConn.CloseWrite()
}

type tlsConn struct {
	*tls.Conn
}

// CloseWrite is a no-op for TLS connections: no EOF reaches the peer,
// so in Relay the opposite direction keeps running until that peer
// closes its side or an error occurs.
func (tlsConn) CloseWrite() error {
	return nil
}

// WrapPlain adapts a *net.TCPConn to Conn.
func WrapPlain(c *net.TCPConn) Conn {
	return plainConn{c}
}

// WrapTLS adapts a *tls.Conn to Conn.
func WrapTLS(c *tls.Conn) Conn {
	return tlsConn{c}
}

// UpgradeServer performs the server side of a TLS handshake over an
// already-accepted connection. The proxy itself never calls it: inline
// SSLRequests are denied, and the TLS port uses a tls.Listener.
func UpgradeServer(ctx context.Context, raw net.Conn, cfg *tls.Config) (Conn, error) {
	tc := tls.Server(raw, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return WrapTLS(tc), nil
}

// UpgradeClient performs the client side of a TLS handshake toward the
// upstream, used after the upstream has agreed to an SSLRequest.
func UpgradeClient(ctx context.Context, raw net.Conn, cfg *tls.Config) (Conn, error) {
	tc := tls.Client(raw, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return WrapTLS(tc), nil
}

// Relay copies bytes bidirectionally between client and upstream until
// either side finishes or ctx is canceled. It half-closes the opposite
// write side on EOF so a clean Terminate on one leg doesn't strand the
// other, and returns the first non-EOF error observed, if any.
func Relay(ctx context.Context, client, upstream Conn) error {
	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, err := io.Copy(upstream, client)
		upstream.CloseWrite()
		errCh <- err
	}()
	go func() {
		defer wg.Done()
		_, err := io.Copy(client, upstream)
		client.CloseWrite()
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		client.Close()
		upstream.Close()
		wg.Wait()
		return ctx.Err()
	case err := <-errCh:
		if err != nil && err != io.EOF {
			client.Close()
			upstream.Close()
			wg.Wait()
			return err
		}
	}
	wg.Wait()
	return nil
}
