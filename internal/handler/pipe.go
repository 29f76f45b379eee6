package handler

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/pgvpd/pgvpd/internal/netio"
	"github.com/pgvpd/pgvpd/internal/pool"
)

// pipePooled bidirectionally relays between client and pc.Conn, except
// it intercepts the client's Terminate ('X') message instead of
// forwarding it, so the upstream connection survives for the pool. It
// returns nil after a Terminate, io.EOF when the client closed without
// one, and otherwise the error from reading the client or writing to
// the upstream; an error in the upstream-to-client copy is not
// returned. Checkin is always the caller's responsibility afterward,
// regardless of the error returned here.
func pipePooled(client netio.Conn, pc *pool.Conn) error {
	if err := pc.Drain(func(b []byte) error {
		_, err := client.Write(b)
		return err
	}); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := io.Copy(client, pc.Conn)
		errCh <- err
	}()

	terminated, cerr := forwardClientUntilTerminate(client, pc.Conn)

	pc.SetReadDeadline(time.Now())
	<-errCh
	pc.SetReadDeadline(time.Time{})

	if cerr != nil {
		return cerr
	}
	if !terminated {
		return io.EOF
	}
	return nil
}

// forwardClientUntilTerminate reads frontend frames off client and
// writes each one to server, consuming (but not forwarding) a
// Terminate frame and stopping there. A client EOF with no Terminate
// seen returns (false, nil).
func forwardClientUntilTerminate(client netio.Conn, server netio.Conn) (terminated bool, err error) {
	buf := make([]byte, 0, 8192)
	tmp := make([]byte, 8192)
	for {
		n, rerr := client.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			consumed, done, ferr := forwardFrames(buf, server)
			if ferr != nil {
				return false, ferr
			}
			buf = buf[consumed:]
			if done {
				return true, nil
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return false, nil
			}
			return false, rerr
		}
	}
}

// forwardFrames writes every complete frontend frame in buf to server,
// stopping at (and consuming, not forwarding) a Terminate frame. It
// returns the number of bytes consumed from buf and whether a
// Terminate was found.
func forwardFrames(buf []byte, server netio.Conn) (consumed int, terminated bool, err error) {
	i := 0
	for {
		if len(buf)-i < 5 {
			return i, false, nil
		}
		msgType := buf[i]
		length := int32(binary.BigEndian.Uint32(buf[i+1 : i+5]))
		if length < 4 {
			if _, werr := server.Write(buf[i:]); werr != nil {
				return i, false, werr
			}
			return len(buf), false, nil
		}
		total := 1 + int(length)
		if len(buf)-i < total {
			return i, false, nil
		}
		if msgType == 'X' {
			return i + total, true, nil
		}
		if _, werr := server.Write(buf[i : i+total]); werr != nil {
			return i, false, werr
		}
		i += total
	}
}
