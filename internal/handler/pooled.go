package handler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pgvpd/pgvpd/internal/auth"
	"github.com/pgvpd/pgvpd/internal/netio"
	"github.com/pgvpd/pgvpd/internal/pool"
	"github.com/pgvpd/pgvpd/internal/wire"
)

// handlePooled authenticates the client itself (the real backend never
// sees this client's credentials), checks out a pooled upstream
// connection, resets it, resolves and injects context, then
// synthesizes a handshake to the client from the bucket's cached
// ParameterStatus/BackendKeyData tail.
func (h *Handler) handlePooled(ctx context.Context, client netio.Conn, connID uint64, actualUser, database string, contextValues []string) (handshakeResult, error) {
	if err := auth.AuthenticateClient(client, h.cfg.PoolPassword); err != nil {
		sendError(client, "FATAL", "28P01", err.Error())
		return handshakeResult{kind: resultDone}, nil
	}

	key := pool.Key{Database: database, Role: actualUser}
	pc, err := h.pool.Checkout(ctx, key)
	if err != nil {
		sendError(client, "FATAL", "53300", fmt.Sprintf("pool checkout failed: %v", err))
		return handshakeResult{kind: resultDone}, nil
	}

	if _, err := pc.Write(wire.BuildSimpleQuery("DISCARD ALL;")); err != nil {
		h.pool.Checkin(key, pc)
		return handshakeResult{}, err
	}
	if err := drainToReadyForQuery(pc.R); err != nil {
		slog.Error("pool: DISCARD ALL failed", "conn_id", connID, "error", err)
		sendError(client, "FATAL", "XX000", fmt.Sprintf("DISCARD ALL failed: %v", err))
		h.pool.Checkin(key, pc)
		return handshakeResult{kind: resultDone}, nil
	}

	contextMap := buildStaticContext(h.cfg.ContextVariables, contextValues)
	if h.resolvers != nil {
		if err := h.resolvers.ResolveContext(ctx, pc.Conn, pc.R, contextMap); err != nil {
			slog.Error("resolver failed (pooled)", "conn_id", connID, "error", err)
			sendError(client, "FATAL", "XX000", fmt.Sprintf("resolver failed: %v", err))
			h.pool.Checkin(key, pc)
			return handshakeResult{kind: resultDone}, nil
		}
	}

	targetRole := actualUser
	if h.cfg.SetRole != "" {
		targetRole = h.cfg.SetRole
	}
	sql, err := buildInjectionSQL(targetRole, contextMap)
	if err != nil {
		sendError(client, "FATAL", "XX000", err.Error())
		h.pool.Checkin(key, pc)
		return handshakeResult{kind: resultDone}, nil
	}
	if _, err := pc.Write(wire.BuildSimpleQuery(sql)); err != nil {
		h.pool.Checkin(key, pc)
		return handshakeResult{}, err
	}
	if err := drainToReadyForQuery(pc.R); err != nil {
		slog.Error("pool: context injection failed", "conn_id", connID, "error", err)
		sendError(client, "FATAL", "XX000", fmt.Sprintf("context injection failed: %v", err))
		h.pool.Checkin(key, pc)
		return handshakeResult{kind: resultDone}, nil
	}

	for _, ps := range pc.Tail.ParamStatuses {
		if _, err := client.Write(ps); err != nil {
			h.pool.Checkin(key, pc)
			return handshakeResult{}, err
		}
	}
	if pc.Tail.BackendKey != nil {
		if _, err := client.Write(pc.Tail.BackendKey); err != nil {
			h.pool.Checkin(key, pc)
			return handshakeResult{}, err
		}
	}
	if _, err := client.Write(wire.BuildReadyForQuery('I')); err != nil {
		h.pool.Checkin(key, pc)
		return handshakeResult{}, err
	}

	h.metrics.ContextInjected()
	slog.Info("context set (pooled)", "conn_id", connID, "role", targetRole)
	return handshakeResult{kind: resultPooled, pooledConn: pc, poolKey: key}, nil
}
