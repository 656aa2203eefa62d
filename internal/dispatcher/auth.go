// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package dispatcher

import (
	"net/http"
	"strings"

	"github.com/hyperbridge/mcp-bridge/internal/bridgeerr"
	"github.com/hyperbridge/mcp-bridge/internal/frontend"
	"github.com/hyperbridge/mcp-bridge/internal/query"
)

// extractToken implements spec.md §6.2's auth extraction:
// `Authorization: Bearer <tok>` OR query parameter `?token=<tok>`.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// resolveTargetSessions implements spec.md §4.5's authentication-selection
// sequence for the POST path.
func (d *Dispatcher) resolveTargetSessions(r *http.Request, meta rpcMeta) ([]*frontend.FrontendSession, *rpcError) {
	if meta.QueryID != "" {
		q, ok := d.queries.Lookup(meta.QueryID)
		if !ok || q.State != query.StateActive {
			return nil, &rpcError{Code: codeInvalidRequest, Message: bridgeerr.QueryNotFound.String()}
		}
		session, ok := d.registry.Get(q.SessionID)
		if !ok {
			return nil, &rpcError{Code: codeInvalidRequest, Message: bridgeerr.SessionNotFound.String()}
		}
		return []*frontend.FrontendSession{session}, nil
	}

	token := extractToken(r)
	if token == "" {
		return nil, &rpcError{Code: codeInvalidRequest, Message: bridgeerr.MissingAuthentication.String()}
	}

	sessions := d.registry.SessionsForToken(token)
	if len(sessions) == 0 {
		return nil, &rpcError{Code: codeInvalidRequest, Message: bridgeerr.NoSessionsFound.String()}
	}
	return sessions, nil
}

// pickSession implements spec.md §4.5's "pick one session" rule: if
// `_meta.sessionId` is set, look it up in the set; else if the set has
// exactly one entry, take it; else fail to resolve.
func pickSession(sessions []*frontend.FrontendSession, metaSessionID string) (*frontend.FrontendSession, bool) {
	if metaSessionID != "" {
		for _, s := range sessions {
			if s.ID == metaSessionID {
				return s, true
			}
		}
		return nil, false
	}
	if len(sessions) == 1 {
		return sessions[0], true
	}
	return nil, false
}
