package handler

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"

	"github.com/pgvpd/pgvpd/internal/netio"
	"github.com/pgvpd/pgvpd/internal/wire"
)

// handlePassthrough connects directly to the upstream, relays
// authentication verbatim, resolves and injects context, then hands
// back a ready-to-relay server connection. The client never sees that
// a proxy sat in the middle of its own authentication exchange.
func (h *Handler) handlePassthrough(ctx context.Context, client netio.Conn, connID uint64, startupParams map[string]string, trailing []byte, actualUser string, contextValues []string) (handshakeResult, error) {
	server, err := h.dialUpstream(ctx)
	if err != nil {
		return handshakeResult{}, err
	}

	rewritten := make(map[string]string, len(startupParams))
	for k, v := range startupParams {
		rewritten[k] = v
	}
	rewritten["user"] = actualUser

	if _, err := server.Write(wire.BuildStartupMessage(rewritten)); err != nil {
		server.Close()
		return handshakeResult{}, err
	}
	if len(trailing) > 0 {
		if _, err := server.Write(trailing); err != nil {
			server.Close()
			return handshakeResult{}, err
		}
	}

	r := bufio.NewReader(server)

	if err := relayAuth(client, server, r, connID); err != nil {
		server.Close()
		return handshakeResult{}, err
	}

	bufferedReady, err := drainToBufferedReady(client, r, connID)
	if err != nil {
		server.Close()
		return handshakeResult{}, err
	}

	contextMap := buildStaticContext(h.cfg.ContextVariables, contextValues)
	if h.resolvers != nil {
		if err := h.resolvers.ResolveContext(ctx, server, r, contextMap); err != nil {
			slog.Error("resolver failed", "conn_id", connID, "error", err)
			sendError(client, "FATAL", "XX000", fmt.Sprintf("resolver failed: %v", err))
			server.Close()
			return handshakeResult{kind: resultDone}, nil
		}
	}

	targetRole := actualUser
	if h.cfg.SetRole != "" {
		targetRole = h.cfg.SetRole
	}

	if err := injectContext(client, server, r, targetRole, contextMap, bufferedReady, connID); err != nil {
		// The error (or its ErrorResponse) has already reached the
		// client; nothing more to do but drop the upstream connection.
		server.Close()
		return handshakeResult{kind: resultDone}, nil
	}

	if err := drainBuffered(r, client); err != nil {
		server.Close()
		return handshakeResult{}, err
	}

	return handshakeResult{kind: resultPassthrough, server: server}, nil
}

// relayAuth forwards every backend message verbatim to the client
// until AuthenticationOk, relaying one client response frame whenever
// the backend message demands further client action.
func relayAuth(client, server netio.Conn, r *bufio.Reader, connID uint64) error {
	for {
		msg, err := readBackendMessage(r)
		if err != nil {
			return err
		}
		if msg.IsErrorResponse() {
			slog.Warn("auth error from upstream", "conn_id", connID, "error", msg.ErrorMessage())
		}
		if _, err := client.Write(msg.Raw); err != nil {
			return err
		}
		if msg.IsAuthOK() {
			return nil
		}
		if msg.IsAuthChallenge() {
			frame, err := readOneClientFrame(client)
			if err != nil {
				return err
			}
			if _, err := server.Write(frame); err != nil {
				return err
			}
		}
	}
}

// drainToBufferedReady forwards every post-auth backend message to the
// client except the ReadyForQuery, whose raw bytes it returns so the
// caller can replay them once context injection completes.
func drainToBufferedReady(client netio.Conn, r *bufio.Reader, connID uint64) ([]byte, error) {
	for {
		msg, err := readBackendMessage(r)
		if err != nil {
			return nil, err
		}
		if msg.IsReadyForQuery() {
			slog.Debug("ReadyForQuery buffered — resolving + injecting context", "conn_id", connID)
			return msg.Raw, nil
		}
		if msg.IsErrorResponse() {
			slog.Warn("post-auth error from upstream", "conn_id", connID, "error", msg.ErrorMessage())
		}
		if _, err := client.Write(msg.Raw); err != nil {
			return nil, err
		}
	}
}

// injectContext sends the batched SET/SET ROLE statement, forwards any
// ParameterStatus it provokes, and on success replays bufferedReady (the
// real ReadyForQuery captured right after auth) rather than the one the
// injection itself produced.
func injectContext(client, server netio.Conn, r *bufio.Reader, targetRole string, contextMap map[string]*string, bufferedReady []byte, connID uint64) error {
	sql, err := buildInjectionSQL(targetRole, contextMap)
	if err != nil {
		return err
	}
	if _, err := server.Write(wire.BuildSimpleQuery(sql)); err != nil {
		return err
	}

	for {
		msg, err := readBackendMessage(r)
		if err != nil {
			return err
		}
		if msg.IsErrorResponse() {
			slog.Error("context injection failed", "conn_id", connID, "error", msg.ErrorMessage())
			client.Write(msg.Raw)
			return fmt.Errorf("context injection failed: %s", msg.ErrorMessage())
		}
		if msg.IsReadyForQuery() {
			slog.Info("context set", "conn_id", connID, "role", targetRole)
			_, err := client.Write(bufferedReady)
			return err
		}
		if msg.IsParameterStatus() {
			if _, err := client.Write(msg.Raw); err != nil {
				return err
			}
		}
	}
}
