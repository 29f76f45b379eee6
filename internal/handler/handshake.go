package handler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"

	"github.com/pgvpd/pgvpd/internal/netio"
	"github.com/pgvpd/pgvpd/internal/tenant"
	"github.com/pgvpd/pgvpd/internal/wire"
)

// readStartup accumulates bytes off client until a complete startup
// packet is parsed, denying any SSLRequest along the way (this proxy
// offers TLS only via a dedicated listener, never an inline upgrade).
// It returns the parsed startup and any extra bytes the client sent
// immediately afterward (pipelined ahead of the server's response).
func readStartup(client netio.Conn) (wire.Startup, []byte, error) {
	buf := make([]byte, 0, 1024)
	tmp := make([]byte, 4096)
	for {
		s, n, ok, err := wire.ReadStartup(buf)
		if err != nil {
			return wire.Startup{}, nil, err
		}
		if ok {
			if s.Kind == wire.StartupSSLRequest {
				if _, err := client.Write([]byte{wire.SSLDenyByte}); err != nil {
					return wire.Startup{}, nil, err
				}
				buf = buf[n:]
				continue
			}
			return s, buf[n:], nil
		}

		rn, rerr := client.Read(tmp)
		if rn > 0 {
			buf = append(buf, tmp[:rn]...)
		}
		if rerr != nil {
			return wire.Startup{}, nil, rerr
		}
	}
}

func (h *Handler) handshake(ctx context.Context, client netio.Conn, connID uint64) (handshakeResult, error) {
	startup, trailing, err := readStartup(client)
	if err != nil {
		return handshakeResult{}, err
	}

	if startup.Kind == wire.StartupCancelRequest {
		slog.Debug("cancel request — closing", "conn_id", connID)
		return handshakeResult{kind: resultDone}, nil
	}

	rawUser := startup.Params["user"]
	if rawUser == "" {
		sendError(client, "FATAL", "08004", "no username in StartupMessage")
		return handshakeResult{kind: resultDone}, nil
	}
	database := startup.Params["database"]
	if database == "" {
		database = "default"
	}

	if h.isSuperuser(rawUser) {
		h.metrics.SuperuserBypassed()
		slog.Info("superuser bypass", "conn_id", connID, "user", rawUser)
		server, err := h.dialUpstream(ctx)
		if err != nil {
			return handshakeResult{}, err
		}
		if _, err := server.Write(wire.BuildStartupMessage(startup.Params)); err != nil {
			server.Close()
			return handshakeResult{}, err
		}
		if len(trailing) > 0 {
			if _, err := server.Write(trailing); err != nil {
				server.Close()
				return handshakeResult{}, err
			}
		}
		return handshakeResult{kind: resultPassthrough, server: server}, nil
	}

	actualUser, contextValues, perr := parseTenant(rawUser, h.cfg.TenantSeparator, h.cfg.ValueSeparator, h.cfg.ContextVariables)
	if perr != nil {
		sendError(client, "FATAL", "28000", perr.Error())
		return handshakeResult{kind: resultDone}, nil
	}

	slog.Info("tenant connection", "conn_id", connID, "role", actualUser, "database", database)

	var guard tenant.Guard
	if h.tenants != nil {
		tenantID := contextValues[0]
		if err := h.tenants.CheckAccess(tenantID); err != nil {
			sendError(client, "FATAL", "28000", err.Error())
			return handshakeResult{kind: resultDone}, nil
		}
		g, err := h.tenants.Acquire(tenantID)
		if err != nil {
			sendError(client, "FATAL", "53300", err.Error())
			return handshakeResult{kind: resultDone}, nil
		}
		guard = g
	}

	var result handshakeResult
	var err2 error
	if h.cfg.PoolMode == "session" && h.pool != nil {
		result, err2 = h.handlePooled(ctx, client, connID, actualUser, database, contextValues)
	} else {
		result, err2 = h.handlePassthrough(ctx, client, connID, startup.Params, trailing, actualUser, contextValues)
	}
	result.guard = guard
	return result, err2
}

func (h *Handler) isSuperuser(user string) bool {
	for _, u := range h.cfg.SuperuserBypass {
		if u == user {
			return true
		}
	}
	return false
}

func (h *Handler) dialUpstream(ctx context.Context) (netio.Conn, error) {
	addr := net.JoinHostPort(h.cfg.UpstreamHost, strconv.Itoa(h.cfg.UpstreamPort))
	dialer := net.Dialer{Timeout: h.cfg.DialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("handler: dialing upstream %s: %w", addr, err)
	}
	if h.cfg.UpstreamTLS != nil {
		// Postgres starts TLS only after answering an SSLRequest
		// (length 8, code 80877103) with 'S'.
		if _, err := raw.Write([]byte{0, 0, 0, 8, 0x04, 0xd2, 0x16, 0x2f}); err != nil {
			raw.Close()
			return nil, fmt.Errorf("handler: sending SSLRequest to upstream %s: %w", addr, err)
		}
		reply := make([]byte, 1)
		if _, err := io.ReadFull(raw, reply); err != nil || reply[0] != 'S' {
			raw.Close()
			return nil, fmt.Errorf("handler: upstream %s did not accept SSLRequest", addr)
		}
		return netio.UpgradeClient(ctx, raw, h.cfg.UpstreamTLS)
	}
	tcpConn, ok := raw.(*net.TCPConn)
	if !ok {
		raw.Close()
		return nil, fmt.Errorf("handler: unexpected connection type %T", raw)
	}
	return netio.WrapPlain(tcpConn), nil
}
