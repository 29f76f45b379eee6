// Package auth implements both sides of authentication the proxy
// performs: client-facing cleartext password verification, and
// upstream-facing cleartext/MD5/SCRAM-SHA-256 authentication against the
// real Postgres server.
package auth

import (
	"bufio"
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pgvpd/pgvpd/internal/netio"
	"github.com/pgvpd/pgvpd/internal/wire"
)

// AuthenticateClient challenges a client with AuthenticationCleartextPassword
// and verifies the returned PasswordMessage against expectedPassword. On
// success it writes AuthenticationOk. It does not write ReadyForQuery or
// any handshake tail; callers decide what follows.
func AuthenticateClient(conn netio.Conn, expectedPassword string) error {
	if _, err := conn.Write(wire.BuildAuthCleartextRequest()); err != nil {
		return fmt.Errorf("auth: sending cleartext challenge: %w", err)
	}

	r := bufio.NewReader(conn)
	msg, err := readOneMessage(r)
	if err != nil {
		return fmt.Errorf("auth: reading client password: %w", err)
	}
	if msg.Type != 'p' {
		return fmt.Errorf("auth: expected PasswordMessage, got %q", msg.Type)
	}
	got := trimNUL(msg.Payload)
	if subtle.ConstantTimeCompare([]byte(got), []byte(expectedPassword)) != 1 {
		return fmt.Errorf("auth: password authentication failed")
	}
	if _, err := conn.Write(wire.BuildAuthOK()); err != nil {
		return fmt.Errorf("auth: sending auth ok: %w", err)
	}
	return nil
}

// AuthenticateUpstream drives the upstream side of authentication to
// completion: it reads Authentication challenges from conn via r (the
// caller's shared buffered reader, so any bytes read past AuthenticationOk
// remain available to the caller) and responds with cleartext, MD5, or
// SCRAM-SHA-256 as the server demands, returning once AuthenticationOk is
// observed.
func AuthenticateUpstream(ctx context.Context, conn netio.Conn, r *bufio.Reader, username, password string) error {
	for {
		msg, err := readOneMessage(r)
		if err != nil {
			return fmt.Errorf("auth: reading upstream challenge: %w", err)
		}
		if msg.IsErrorResponse() {
			return wire.ParseError(msg)
		}
		if msg.IsAuthOK() {
			return nil
		}
		sub, ok := msg.AuthSubtype()
		if !ok {
			continue
		}
		switch sub {
		case wire.AuthCleartext:
			if _, err := conn.Write(wire.BuildPasswordMessage([]byte(password))); err != nil {
				return fmt.Errorf("auth: sending cleartext response: %w", err)
			}
		case wire.AuthMD5:
			if len(msg.Payload) < 8 {
				return fmt.Errorf("auth: MD5 challenge too short")
			}
			salt := msg.Payload[4:8]
			hashed := ComputeMD5Password(username, password, salt)
			if _, err := conn.Write(wire.BuildPasswordMessage([]byte(hashed))); err != nil {
				return fmt.Errorf("auth: sending MD5 response: %w", err)
			}
		case wire.AuthSASL:
			if err := scramAuthenticate(conn, r, password); err != nil {
				return err
			}
		case wire.AuthSASLContinue, wire.AuthSASLFinal:
			return fmt.Errorf("auth: unexpected SASL message outside SCRAM exchange")
		default:
			return fmt.Errorf("auth: unsupported upstream auth method %d", sub)
		}
	}
}

// ComputeMD5Password computes "md5" + md5(md5(password+username) + salt),
// the PostgreSQL MD5 password-hash scheme.
func ComputeMD5Password(username, password string, salt []byte) string {
	phase1 := md5.Sum([]byte(password + username))
	phase1Hex := fmt.Sprintf("%x", phase1)
	phase2 := md5.Sum(append([]byte(phase1Hex), salt...))
	return "md5" + fmt.Sprintf("%x", phase2)
}

func readOneMessage(r *bufio.Reader) (wire.Message, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return wire.Message{}, err
	}
	length := int32(binary.BigEndian.Uint32(header[1:5]))
	if length < 4 {
		return wire.Message{}, fmt.Errorf("auth: invalid message length %d", length)
	}
	payload := make([]byte, int(length)-4)
	if _, err := io.ReadFull(r, payload); err != nil {
		return wire.Message{}, err
	}
	raw := append(header, payload...)
	return wire.Message{Type: header[0], Raw: raw, Payload: payload}, nil
}

func trimNUL(b []byte) string {
	if len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return string(b)
}
