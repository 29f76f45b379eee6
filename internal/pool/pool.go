// Package pool implements session-mode connection pooling for upstream
// Postgres connections. A bucket of reusable connections is keyed by
// (database, role); the first connection opened for a bucket has its
// ParameterStatus/BackendKeyData handshake tail cached on the bucket so
// later checkouts of a connection that carries no tail of its own can
// still synthesize a handshake to the client.
package pool

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pgvpd/pgvpd/internal/auth"
	"github.com/pgvpd/pgvpd/internal/netio"
	"github.com/pgvpd/pgvpd/internal/wire"
)

// Key identifies a bucket of reusable connections.
type Key struct {
	Database string
	Role     string
}

// Tail is the cached handshake tail replayed to a client that is handed
// a pooled connection: the ParameterStatus frames and the
// BackendKeyData frame observed on that bucket's first connection.
type Tail struct {
	ParamStatuses [][]byte
	BackendKey    []byte
}

// Conn is one upstream connection held by the pool, together with the
// buffered reader used to frame its responses during checkout/checkin
// bookkeeping. Once handed to the caller for transparent piping, the
// caller must drain R's buffered bytes before reading the raw
// netio.Conn directly — see Drain.
type Conn struct {
	netio.Conn
	R         *bufio.Reader
	Tail      Tail
	createdAt time.Time
	lastUsed  time.Time
}

// Drain flushes any bytes already buffered in c.R (read off the socket
// but not yet consumed) to dst. Callers must do this before switching
// from framed reads through c.R to raw copies off c.Conn, or those
// bytes are silently lost.
func (c *Conn) Drain(dst func([]byte) error) error {
	n := c.R.Buffered()
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	if _, err := c.R.Read(buf); err != nil {
		return err
	}
	return dst(buf)
}

type pgBucket struct {
	idle       []*Conn
	total      int
	cachedTail *Tail
}

// Config holds the fixed upstream dial target and pool sizing knobs.
type Config struct {
	UpstreamHost     string
	UpstreamPort     int
	UpstreamPassword string
	PoolSize         int
	IdleTimeout      time.Duration
	CheckoutTimeout  time.Duration
	DialTimeout      time.Duration
}

// MetricsRecorder receives pool lifecycle counters. PoolCheckoutWaited
// is reported when a checkout is served from the idle list, and
// PoolTimedOut when a checkout gives up at its deadline.
type MetricsRecorder interface {
	PoolConnectionCreated()
	PoolConnectionDiscarded()
	PoolCheckoutWaited()
	PoolCheckinRecorded()
	PoolTimedOut()
}

type noopRecorder struct{}

func (noopRecorder) PoolConnectionCreated()   {}
func (noopRecorder) PoolConnectionDiscarded() {}
func (noopRecorder) PoolCheckoutWaited()      {}
func (noopRecorder) PoolCheckinRecorded()     {}
func (noopRecorder) PoolTimedOut()            {}

// Pool is the shared, concurrency-safe session connection pool.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buckets map[Key]*pgBucket
	cfg     Config
	metrics MetricsRecorder
	closed  bool
	stopCh  chan struct{}
}

// New creates a Pool and starts its idle reaper.
func New(cfg Config, metrics MetricsRecorder) *Pool {
	if metrics == nil {
		metrics = noopRecorder{}
	}
	p := &Pool{
		buckets: make(map[Key]*pgBucket),
		cfg:     cfg,
		metrics: metrics,
		stopCh:  make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.reapLoop()
	return p
}

// Checkout returns a ready-to-use connection for key, reusing an idle
// one if available, dialing a new one if the bucket is under
// cfg.PoolSize, or waiting for one to be returned otherwise. The
// returned Conn.Tail is always populated, re-attached from the
// bucket's cache if this particular connection was recycled without
// its own.
func (p *Pool) Checkout(ctx context.Context, key Key) (*Conn, error) {
	deadline := time.Now().Add(p.cfg.CheckoutTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	p.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, ctx.Err()
		default:
		}
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool: closed")
		}

		b, ok := p.buckets[key]
		if !ok {
			b = &pgBucket{}
			p.buckets[key] = b
		}

		if len(b.idle) > 0 {
			c := b.idle[0]
			b.idle = b.idle[1:]
			c.lastUsed = time.Now()
			if c.Tail.BackendKey == nil && b.cachedTail != nil {
				c.Tail = *b.cachedTail
			}
			p.mu.Unlock()
			p.metrics.PoolCheckoutWaited()
			return c, nil
		}

		if b.total < p.cfg.PoolSize {
			b.total++
			p.mu.Unlock()

			c, err := p.dial(ctx, key)
			if err != nil {
				p.mu.Lock()
				b.total--
				p.mu.Unlock()
				return nil, err
			}
			p.metrics.PoolConnectionCreated()

			p.mu.Lock()
			if b.cachedTail == nil {
				tail := c.Tail
				b.cachedTail = &tail
			}
			p.mu.Unlock()
			return c, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.mu.Unlock()
			p.metrics.PoolTimedOut()
			return nil, fmt.Errorf("pool: checkout timeout, all connections in use for %s/%s", key.Database, key.Role)
		}
		timer := time.AfterFunc(remaining, p.cond.Broadcast)
		p.cond.Wait()
		timer.Stop()
		// loop retries from the top with mu held
	}
}

// Checkin resets c via "ROLLBACK; DISCARD ALL;" and, if the reset
// succeeds within a short deadline, returns it to key's idle list.
// Otherwise the connection is closed and the bucket's total is
// decremented. Checkin always takes ownership of c — callers must not
// use it afterward.
func (p *Pool) Checkin(key Key, c *Conn) {
	resetOK := p.reset(c)
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.buckets[key]
	if !ok || p.closed {
		c.Close()
		return
	}
	if !resetOK {
		c.Close()
		b.total--
		p.metrics.PoolConnectionDiscarded()
		p.cond.Signal()
		return
	}
	b.idle = append(b.idle, c)
	p.metrics.PoolCheckinRecorded()
	p.cond.Signal()
}

// BucketStats is a point-in-time view of one (database, role) bucket's
// size, read periodically to refresh the pool size gauges.
type BucketStats struct {
	Key   Key
	Total int
	Idle  int
}

// Stats returns a snapshot of every bucket's size.
func (p *Pool) Stats() []BucketStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]BucketStats, 0, len(p.buckets))
	for key, b := range p.buckets {
		out = append(out, BucketStats{Key: key, Total: b.total, Idle: len(b.idle)})
	}
	return out
}

func (p *Pool) reset(c *Conn) bool {
	if _, err := c.Write(wire.BuildSimpleQuery("ROLLBACK; DISCARD ALL;")); err != nil {
		return false
	}
	deadline := time.Now().Add(5 * time.Second)
	c.SetReadDeadline(deadline)
	defer c.SetReadDeadline(time.Time{})
	for {
		msg, err := readMessage(c.R)
		if err != nil {
			return false
		}
		if msg.IsErrorResponse() {
			return false
		}
		if msg.IsReadyForQuery() {
			return true
		}
	}
}

func (p *Pool) dial(ctx context.Context, key Key) (*Conn, error) {
	addr := net.JoinHostPort(p.cfg.UpstreamHost, strconv.Itoa(p.cfg.UpstreamPort))
	dialer := net.Dialer{Timeout: p.cfg.DialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pool: dialing %s: %w", addr, err)
	}
	tcpConn, ok := raw.(*net.TCPConn)
	if !ok {
		raw.Close()
		return nil, fmt.Errorf("pool: unexpected connection type %T", raw)
	}
	conn := netio.WrapPlain(tcpConn)

	startup := wire.BuildStartupMessage(map[string]string{
		"user":     key.Role,
		"database": key.Database,
	})
	if _, err := conn.Write(startup); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pool: sending startup: %w", err)
	}

	r := bufio.NewReader(conn)
	if err := auth.AuthenticateUpstream(ctx, conn, r, key.Role, p.cfg.UpstreamPassword); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pool: upstream auth: %w", err)
	}

	var tail Tail
	for {
		msg, err := readMessage(r)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("pool: reading handshake tail: %w", err)
		}
		switch {
		case msg.IsParameterStatus():
			tail.ParamStatuses = append(tail.ParamStatuses, msg.Raw)
		case msg.IsBackendKeyData():
			tail.BackendKey = msg.Raw
		case msg.IsErrorResponse():
			conn.Close()
			return nil, fmt.Errorf("pool: upstream error during connect: %w", wire.ParseError(msg))
		case msg.IsReadyForQuery():
			now := time.Now()
			return &Conn{Conn: conn, R: r, Tail: tail, createdAt: now, lastUsed: now}, nil
		}
	}
}

func readMessage(r *bufio.Reader) (wire.Message, error) {
	header := make([]byte, 5)
	if _, err := readFull(r, header); err != nil {
		return wire.Message{}, err
	}
	length := int32(header[1])<<24 | int32(header[2])<<16 | int32(header[3])<<8 | int32(header[4])
	if length < 4 {
		return wire.Message{}, fmt.Errorf("pool: invalid message length %d", length)
	}
	payload := make([]byte, int(length)-4)
	if _, err := readFull(r, payload); err != nil {
		return wire.Message{}, err
	}
	raw := append(header, payload...)
	return wire.Message{Type: header[0], Raw: raw, Payload: payload}, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, b := range p.buckets {
		kept := b.idle[:0:0]
		for _, c := range b.idle {
			if time.Since(c.lastUsed) >= p.cfg.IdleTimeout {
				c.Close()
				b.total--
				p.metrics.PoolConnectionDiscarded()
				continue
			}
			kept = append(kept, c)
		}
		b.idle = kept
		if b.total == 0 {
			delete(p.buckets, key)
		}
	}
}

// Close shuts down the pool, closing every idle connection. Active
// (checked-out) connections are closed as they're checked in.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	for _, b := range p.buckets {
		for _, c := range b.idle {
			c.Close()
		}
		b.idle = nil
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}
