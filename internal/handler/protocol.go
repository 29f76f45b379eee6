package handler

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pgvpd/pgvpd/internal/netio"
	"github.com/pgvpd/pgvpd/internal/wire"
)

func readBackendMessage(r *bufio.Reader) (wire.Message, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return wire.Message{}, err
	}
	length := int32(binary.BigEndian.Uint32(header[1:5]))
	if length < 4 {
		return wire.Message{}, fmt.Errorf("handler: invalid message length %d", length)
	}
	payload := make([]byte, int(length)-4)
	if _, err := io.ReadFull(r, payload); err != nil {
		return wire.Message{}, err
	}
	raw := append(header, payload...)
	return wire.Message{Type: header[0], Raw: raw, Payload: payload}, nil
}

// readOneClientFrame reads a single burst of client bytes, used only to
// relay one auth-challenge response frame during the passthrough auth
// relay. A multi-frame response (unusual, but possible for SASL) is
// still forwarded whole since it is written to the server verbatim.
func readOneClientFrame(client netio.Conn) ([]byte, error) {
	buf := make([]byte, 4096)
	n, err := client.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// drainBuffered flushes bytes already buffered in r (read off the
// socket but not yet consumed by framed reads) to dst. Required before
// switching from framed reads through r to a raw copy off the
// underlying connection, or those bytes are silently lost.
func drainBuffered(r *bufio.Reader, dst netio.Conn) error {
	n := r.Buffered()
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	_, err := dst.Write(buf)
	return err
}

func drainToReadyForQuery(r *bufio.Reader) error {
	for {
		msg, err := readBackendMessage(r)
		if err != nil {
			return err
		}
		if msg.IsErrorResponse() {
			return fmt.Errorf("%s", msg.ErrorMessage())
		}
		if msg.IsReadyForQuery() {
			return nil
		}
	}
}

func sendError(client netio.Conn, severity, sqlstate, message string) {
	client.Write(wire.BuildErrorResponse(severity, sqlstate, message))
}
