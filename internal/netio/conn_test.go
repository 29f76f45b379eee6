package netio

import (
	"context"
	"io"
	"net"
	"testing"
	"time"
)

func tcpPair(t *testing.T) (Conn, Conn) {
	t.Helper()
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptedCh := make(chan *net.TCPConn, 1)
	go func() {
		c, err := ln.AcceptTCP()
		if err != nil {
			acceptedCh <- nil
			return
		}
		acceptedCh <- c
	}()

	dialed, err := net.DialTCP("tcp", nil, ln.Addr().(*net.TCPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	accepted := <-acceptedCh
	if accepted == nil {
		t.Fatalf("accept failed")
	}
	return WrapPlain(dialed), WrapPlain(accepted)
}

func TestRelay_CopiesBothDirectionsUntilEOF(t *testing.T) {
	client, clientSide := tcpPair(t)
	upstream, upstreamSide := tcpPair(t)

	done := make(chan error, 1)
	go func() {
		done <- Relay(context.Background(), clientSide, upstreamSide)
	}()

	go func() {
		client.Write([]byte("hello upstream"))
		client.Close()
	}()

	buf := make([]byte, 64)
	n, err := io.ReadFull(upstream, buf[:len("hello upstream")])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "hello upstream" {
		t.Fatalf("got %q", buf[:n])
	}
	upstream.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Relay returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Relay did not return after both sides closed")
	}
}

func TestRelay_ContextCancelClosesBothSides(t *testing.T) {
	client, clientSide := tcpPair(t)
	upstream, upstreamSide := tcpPair(t)
	defer client.Close()
	defer upstream.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Relay(ctx, clientSide, upstreamSide)
	}()

	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Relay error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Relay did not return after context cancel")
	}
}
